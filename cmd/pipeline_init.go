package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/medleads/clinic-scout/internal/pipeline"
	"github.com/medleads/clinic-scout/internal/publish"
	"github.com/medleads/clinic-scout/internal/scraper"
	"github.com/medleads/clinic-scout/internal/settings"
	"github.com/medleads/clinic-scout/internal/store"
	"github.com/medleads/clinic-scout/internal/verify"
	anthropicpkg "github.com/medleads/clinic-scout/pkg/anthropic"
	"github.com/medleads/clinic-scout/pkg/sheets"
)

// pipelineEnv holds the initialized store, settings, clients, and the
// pipeline needed by the scrape/serve commands.
type pipelineEnv struct {
	Store     store.Store
	Settings  *settings.Store
	Publisher *publish.Publisher
	Pipeline  *pipeline.Pipeline
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens and migrates the local run-history database.
func initStore(ctx context.Context) (store.Store, error) {
	st, err := store.NewSQLite(cfg.Store.Path)
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initPublisher builds the Sheets client and publisher from config.
func initPublisher() *publish.Publisher {
	sheetsClient := sheets.NewClient(cfg.Sheets.Token, sheets.WithBaseURL(cfg.Sheets.BaseURL))
	return publish.New(sheetsClient, cfg.Sheets.SpreadsheetID, cfg.Sheets.SheetName)
}

// initPipeline sets up the store, settings, all API clients, and builds
// the Pipeline. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	// A previous process may have died mid-run; its records would show
	// as running forever.
	if _, err := store.RecoverStaleRuns(ctx, st); err != nil {
		_ = st.Close()
		return nil, err
	}

	set, err := settings.Open(cfg.Settings.RulesPath)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	lister := scraper.New(scraper.Options{
		Headless:          cfg.Scrape.Headless,
		MaxResults:        cfg.Scrape.MaxResults,
		MaxScrollAttempts: cfg.Scrape.MaxScrollAttempts,
		NavTimeout:        cfg.Scrape.NavTimeout(),
		Settle:            cfg.Scrape.Settle(),
	})

	anthropicClient := anthropicpkg.NewClient(cfg.Anthropic.Key)
	verifier := verify.New(anthropicClient, verify.Options{
		Model:          cfg.Anthropic.Model,
		MaxTokens:      cfg.Anthropic.MaxTokens,
		BatchSize:      cfg.Verify.BatchSize,
		Concurrency:    cfg.Verify.Concurrency,
		MaxRetries:     cfg.Verify.MaxRetries,
		Timeout:        cfg.Verify.Timeout(),
		RequestsPerSec: cfg.Verify.RequestsPerSec,
	})

	publisher := initPublisher()

	p := pipeline.New(lister, verifier, publisher, st, pipeline.Options{
		MaxParallelRegions: cfg.Scrape.MaxParallelRegions,
		Deadline:           cfg.Run.Deadline(),
	})

	return &pipelineEnv{
		Store:     st,
		Settings:  set,
		Publisher: publisher,
		Pipeline:  p,
	}, nil
}
