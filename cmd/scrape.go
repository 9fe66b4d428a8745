package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medleads/clinic-scout/internal/model"
)

var (
	scrapeRegions []string
	scrapeSuffix  string
	scrapePreview bool
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run the scrape pipeline for one or more regions",
	Long:  "Scrapes each region query, filters chain brands, verifies candidates, and appends new clinics to the destination sheet. With --preview, the publish stage is skipped entirely.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		snap := env.Settings.Snapshot()
		suffix := scrapeSuffix
		if suffix == "" {
			suffix = snap.SearchSuffix
		}

		req := model.RunRequest{
			Regions:      scrapeRegions,
			SearchSuffix: suffix,
			Preview:      scrapePreview,
		}

		events := make(chan model.ProgressEvent, 64)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range events {
				logEvent(ev)
			}
		}()

		summary, err := env.Pipeline.Run(ctx, req, snap.Rules, events)
		close(events)
		<-done
		if err != nil {
			if summary != nil {
				printSummary(summary)
			}
			return eris.Wrap(err, "scrape run")
		}

		return printSummary(summary)
	},
}

// logEvent mirrors the progress stream to the log. Per-candidate events
// stay at debug so a 50-result region does not flood the console.
func logEvent(ev model.ProgressEvent) {
	fields := []zap.Field{
		zap.String("region", ev.Region),
		zap.String("stage", string(ev.Stage)),
	}
	if ev.Clinic != nil {
		fields = append(fields, zap.String("clinic", ev.Clinic.Name))
	}
	if ev.Count > 0 {
		fields = append(fields, zap.Int("count", ev.Count))
	}

	switch ev.Type {
	case model.EventError:
		zap.L().Warn(ev.Message, fields...)
	case model.EventRunStarted, model.EventRegionComplete, model.EventRunComplete:
		zap.L().Info(ev.Message, fields...)
	default:
		zap.L().Debug(ev.Message, fields...)
	}
}

func printSummary(summary *model.RunSummary) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}

func init() {
	scrapeCmd.Flags().StringSliceVar(&scrapeRegions, "regions", nil, "region queries, comma separated (required)")
	scrapeCmd.Flags().StringVar(&scrapeSuffix, "suffix", "", "search suffix appended to each region (default from settings)")
	scrapeCmd.Flags().BoolVar(&scrapePreview, "preview", false, "run scrape/filter/verify but skip publishing")
	_ = scrapeCmd.MarkFlagRequired("regions")
	rootCmd.AddCommand(scrapeCmd)
}
