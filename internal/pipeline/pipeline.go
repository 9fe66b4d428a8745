// Package pipeline orchestrates the scrape, filter, verify and publish
// stages across regions, streaming progress events to the caller.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medleads/clinic-scout/internal/exclusion"
	"github.com/medleads/clinic-scout/internal/model"
	"github.com/medleads/clinic-scout/internal/publish"
	"github.com/medleads/clinic-scout/internal/scraper"
	"github.com/medleads/clinic-scout/internal/store"
	"github.com/medleads/clinic-scout/pkg/sheets"
)

// Verifier judges candidates that survived the exclusion filter.
type Verifier interface {
	Verify(ctx context.Context, clinics []model.Clinic) []model.VerifiedClinic
}

// Publisher appends qualifying candidates to the destination sheet.
type Publisher interface {
	Snapshot(ctx context.Context) (*publish.Dedup, error)
	Publish(ctx context.Context, dedup *publish.Dedup, region string, clinics []model.VerifiedClinic) (published, skipped []model.VerifiedClinic, err error)
}

// Options bound the pipeline's concurrency and lifetime.
type Options struct {
	// MaxParallelRegions caps concurrent region jobs. Each job holds its
	// own browser context, so this stays small.
	MaxParallelRegions int

	// Deadline bounds the whole run. Zero means no deadline.
	Deadline time.Duration
}

func (o *Options) withDefaults() {
	if o.MaxParallelRegions <= 0 {
		o.MaxParallelRegions = 2
	}
}

// Pipeline coordinates one run at a time per call; it is safe for
// concurrent Runs, though the server serializes them anyway.
type Pipeline struct {
	lister    scraper.Lister
	verifier  Verifier
	publisher Publisher
	runs      store.Store
	opts      Options

	active atomic.Int32
}

// New creates a Pipeline. The run store may be nil to skip persistence.
func New(lister scraper.Lister, verifier Verifier, publisher Publisher, runs store.Store, opts Options) *Pipeline {
	opts.withDefaults()
	return &Pipeline{
		lister:    lister,
		verifier:  verifier,
		publisher: publisher,
		runs:      runs,
		opts:      opts,
	}
}

// Active reports whether any run is currently in flight, for readiness.
func (p *Pipeline) Active() bool {
	return p.active.Load() > 0
}

// regionState tracks one region job while it runs.
type regionState struct {
	summary model.RegionSummary
	events  chan<- model.ProgressEvent
}

// Run executes a full pipeline run. Events are streamed to the events
// channel (which may be nil) until the run terminates; the caller keeps
// ownership of the channel. The returned summary is also carried by the
// final run_complete event.
func (p *Pipeline) Run(ctx context.Context, req model.RunRequest, rules exclusion.RuleSet, events chan<- model.ProgressEvent) (*model.RunSummary, error) {
	p.active.Add(1)
	defer p.active.Add(-1)

	if err := rules.Validate(); err != nil {
		return nil, eris.Wrap(ErrRuleSetInvalid, err.Error())
	}
	regions := req.CleanRegions()
	if len(regions) == 0 {
		return nil, ErrNoRegions
	}

	runID := p.recordRunStart(ctx, req)
	log := zap.L().With(zap.String("run_id", runID))
	log.Info("run started",
		zap.Strings("regions", regions),
		zap.String("suffix", req.SearchSuffix),
		zap.Bool("preview", req.Preview))

	summary := &model.RunSummary{
		RunID:     runID,
		Status:    model.RunStatusRunning,
		Preview:   req.Preview,
		StartedAt: time.Now(),
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if p.opts.Deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, p.opts.Deadline)
		defer cancel()
	}

	emit(ctx, events, model.ProgressEvent{
		Type:    model.EventRunStarted,
		Message: runID,
		Count:   len(regions),
	})

	// The "already published" snapshot is fetched once per run and
	// shared read-mostly across region jobs. Preview runs never touch
	// the destination at all.
	var dedup *publish.Dedup
	if !req.Preview {
		var err error
		dedup, err = p.publisher.Snapshot(runCtx)
		if err != nil {
			summary.Status = model.RunStatusFailed
			summary.FinishedAt = time.Now()
			p.recordRunEnd(ctx, runID, summary)
			emitError(ctx, events, "", "", err.Error())
			return summary, eris.Wrap(publishCause(err), err.Error())
		}
	}

	results := make([]model.RegionSummary, len(regions))
	var g errgroup.Group
	g.SetLimit(p.opts.MaxParallelRegions)

	for i, region := range regions {
		g.Go(func() error {
			results[i] = p.runRegion(runCtx, req, region, rules, dedup, events)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		summary.Accumulate(r)
	}
	summary.Status = runStatus(ctx, results)
	summary.FinishedAt = time.Now()

	p.recordRunEnd(ctx, runID, summary)
	emit(ctx, events, model.ProgressEvent{
		Type:    model.EventRunComplete,
		Summary: summary,
	})

	log.Info("run finished",
		zap.String("status", string(summary.Status)),
		zap.Int("found", summary.Found),
		zap.Int("excluded", summary.Excluded),
		zap.Int("verified_qualified", summary.VerifiedQualified),
		zap.Int("published", summary.Published),
		zap.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)))

	switch summary.Status {
	case model.RunStatusCancelled:
		return summary, ErrRunCancelled
	case model.RunStatusFailed:
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return summary, ErrRunTimedOut
		}
		return summary, eris.New("pipeline: all regions failed")
	default:
		return summary, nil
	}
}

// runRegion walks one region through the stage machine. Stage
// transitions check the run context, so cancellation lands at stage
// boundaries instead of mid-extraction.
func (p *Pipeline) runRegion(ctx context.Context, req model.RunRequest, region string, rules exclusion.RuleSet, dedup *publish.Dedup, events chan<- model.ProgressEvent) model.RegionSummary {
	s := model.RegionSummary{Region: region, Stage: model.StageQueued}
	log := zap.L().With(zap.String("region", region))

	// Cancellation stops launching queued regions immediately.
	if ctx.Err() != nil {
		return failRegion(ctx, events, s, model.StageQueued, ErrRunCancelled.Error())
	}

	// Scraping.
	s.Stage = model.StageScraping
	emitStage(ctx, events, region, model.StageScraping)

	clinics, err := p.scrapeRegion(ctx, req, region, log)
	if err != nil {
		// A cancelled or timed-out run is not a source failure.
		if ctx.Err() != nil {
			return failRegion(ctx, events, s, model.StageScraping, stageAbortCause(ctx))
		}
		return failRegion(ctx, events, s, model.StageScraping, eris.Wrap(ErrSourceUnavailable, err.Error()).Error())
	}
	s.Found = len(clinics)
	for i := range clinics {
		clinics[i].Region = region
		emit(ctx, events, model.ProgressEvent{
			Type:   model.EventCandidateFound,
			Region: region,
			Stage:  model.StageScraping,
			Clinic: &clinics[i],
			Count:  i + 1,
		})
	}

	if ctx.Err() != nil {
		return failRegion(ctx, events, s, model.StageScraping, stageAbortCause(ctx))
	}

	// Filtering.
	s.Stage = model.StageFiltering
	emitStage(ctx, events, region, model.StageFiltering)

	kept, excluded := exclusion.Filter(clinics, rules)
	s.Excluded = len(excluded)
	for i := range excluded {
		emit(ctx, events, model.ProgressEvent{
			Type:    model.EventCandidateExcluded,
			Region:  region,
			Stage:   model.StageFiltering,
			Clinic:  &excluded[i].Clinic,
			Message: excluded[i].Reason,
		})
	}

	if ctx.Err() != nil {
		return failRegion(ctx, events, s, model.StageFiltering, stageAbortCause(ctx))
	}

	// Verifying.
	s.Stage = model.StageVerifying
	emitStage(ctx, events, region, model.StageVerifying)

	var qualified []model.VerifiedClinic
	for _, vc := range p.verifier.Verify(ctx, kept) {
		switch {
		case vc.Failed:
			s.VerificationFailed++
			emitError(ctx, events, region, model.StageVerifying,
				vc.Clinic.Name+": "+vc.Error)
		case vc.Verdict.Qualifies():
			s.VerifiedQualified++
			qualified = append(qualified, vc)
			emit(ctx, events, model.ProgressEvent{
				Type:    model.EventCandidateVerified,
				Region:  region,
				Stage:   model.StageVerifying,
				Clinic:  &vc.Clinic,
				Message: vc.Verdict.Reason,
			})
		default:
			emit(ctx, events, model.ProgressEvent{
				Type:    model.EventCandidateExcluded,
				Region:  region,
				Stage:   model.StageVerifying,
				Clinic:  &vc.Clinic,
				Message: vc.Verdict.Reason,
			})
		}
	}

	if ctx.Err() != nil {
		return failRegion(ctx, events, s, model.StageVerifying, stageAbortCause(ctx))
	}

	// Publishing. Preview runs skip the stage entirely.
	if !req.Preview {
		s.Stage = model.StagePublishing
		emitStage(ctx, events, region, model.StagePublishing)

		published, skipped, err := p.publishRegion(ctx, req, dedup, region, qualified)
		if err != nil {
			return failRegion(ctx, events, s, model.StagePublishing, eris.Wrap(publishCause(err), err.Error()).Error())
		}
		s.Published = len(published)
		s.Duplicates = len(skipped)
		for i := range skipped {
			emit(ctx, events, model.ProgressEvent{
				Type:    model.EventCandidateSkipped,
				Region:  region,
				Stage:   model.StagePublishing,
				Clinic:  &skipped[i].Clinic,
				Message: "already published",
			})
		}
	}

	s.Stage = model.StageDone
	emit(ctx, events, model.ProgressEvent{
		Type:    model.EventRegionComplete,
		Region:  region,
		Stage:   model.StageDone,
		Count:   s.Published,
		Message: regionSummaryLine(s),
	})
	log.Info("region complete",
		zap.Int("found", s.Found),
		zap.Int("excluded", s.Excluded),
		zap.Int("verified_qualified", s.VerifiedQualified),
		zap.Int("published", s.Published))
	return s
}

// scrapeRegion runs the listing source with one bounded retry. Each
// Search call owns a fresh browser context, so the retry starts clean
// after a crash or navigation failure.
func (p *Pipeline) scrapeRegion(ctx context.Context, req model.RunRequest, region string, log *zap.Logger) ([]model.Clinic, error) {
	query := region
	if suffix := strings.TrimSpace(req.SearchSuffix); suffix != "" {
		query = region + " " + suffix
	}

	clinics, err := p.lister.Search(ctx, query)
	if err == nil || ctx.Err() != nil {
		return clinics, err
	}

	log.Warn("scrape failed, retrying with a fresh browser", zap.Error(err))
	return p.lister.Search(ctx, query)
}

func (p *Pipeline) publishRegion(ctx context.Context, req model.RunRequest, dedup *publish.Dedup, region string, qualified []model.VerifiedClinic) ([]model.VerifiedClinic, []model.VerifiedClinic, error) {
	if req.Preview {
		panic("pipeline: publish stage invoked in preview mode")
	}
	return p.publisher.Publish(ctx, dedup, region, qualified)
}

func (p *Pipeline) recordRunStart(ctx context.Context, req model.RunRequest) string {
	if p.runs == nil {
		return uuid.New().String()
	}
	run, err := p.runs.CreateRun(ctx, req)
	if err != nil {
		zap.L().Warn("failed to record run start", zap.Error(err))
		return uuid.New().String()
	}
	return run.ID
}

func (p *Pipeline) recordRunEnd(ctx context.Context, runID string, summary *model.RunSummary) {
	if p.runs == nil {
		return
	}
	if err := p.runs.SetSummary(ctx, runID, summary); err != nil {
		zap.L().Warn("failed to record run summary", zap.Error(err))
	}
}

// runStatus derives the run-level outcome from region outcomes.
func runStatus(parent context.Context, results []model.RegionSummary) model.RunStatus {
	if parent.Err() != nil {
		return model.RunStatusCancelled
	}

	done, failed := 0, 0
	for _, r := range results {
		if r.Stage == model.StageDone {
			done++
		} else {
			failed++
		}
	}

	switch {
	case failed == 0:
		return model.RunStatusCompleted
	case done == 0:
		return model.RunStatusFailed
	default:
		return model.RunStatusCompletedWithErrors
	}
}

// publishCause distinguishes rejected credentials from an unreachable or
// failing destination.
func publishCause(err error) error {
	var apiErr *sheets.APIError
	if errors.As(err, &apiErr) &&
		(apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden) {
		return ErrPublishUnauthorized
	}
	return ErrPublishUnavailable
}

func stageAbortCause(ctx context.Context) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrRunTimedOut.Error()
	}
	return ErrRunCancelled.Error()
}

func failRegion(ctx context.Context, events chan<- model.ProgressEvent, s model.RegionSummary, stage model.RegionStage, cause string) model.RegionSummary {
	s.Stage = model.StageFailed
	s.Error = cause
	emitError(ctx, events, s.Region, stage, cause)
	zap.L().Error("region failed",
		zap.String("region", s.Region),
		zap.String("stage", string(stage)),
		zap.String("cause", cause))
	return s
}

func regionSummaryLine(s model.RegionSummary) string {
	return fmt.Sprintf("found %d, excluded %d, qualified %d, published %d",
		s.Found, s.Excluded, s.VerifiedQualified, s.Published)
}

// emit sends an event unless the caller provided no channel. The send
// races the context so a stalled consumer cannot wedge a region job.
func emit(ctx context.Context, events chan<- model.ProgressEvent, ev model.ProgressEvent) {
	if events == nil {
		return
	}
	ev.Timestamp = time.Now()
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}

func emitStage(ctx context.Context, events chan<- model.ProgressEvent, region string, stage model.RegionStage) {
	emit(ctx, events, model.ProgressEvent{
		Type:   model.EventStageStarted,
		Region: region,
		Stage:  stage,
	})
}

func emitError(ctx context.Context, events chan<- model.ProgressEvent, region string, stage model.RegionStage, message string) {
	// Error events must reach the stream even when the run context is
	// already cancelled, so they bypass the context race with a
	// non-blocking fallback.
	if events == nil {
		return
	}
	ev := model.ProgressEvent{
		Type:      model.EventError,
		Region:    region,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now(),
	}
	select {
	case events <- ev:
	default:
		select {
		case events <- ev:
		case <-time.After(100 * time.Millisecond):
		}
	}
}
