package verify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/medleads/clinic-scout/internal/model"
	"github.com/medleads/clinic-scout/internal/resilience"
	"github.com/medleads/clinic-scout/pkg/anthropic"
)

// errMalformedResponse marks a response the model returned in a shape we
// could not decode. It is retried like a transient API failure.
var errMalformedResponse = errors.New("verify: malformed model response")

// Options control batching, concurrency and retry behavior.
type Options struct {
	Model          string
	MaxTokens      int64
	BatchSize      int
	Concurrency    int
	MaxRetries     int
	Timeout        time.Duration
	RequestsPerSec float64
}

func (o *Options) withDefaults() {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 4096
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 2
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.RequestsPerSec <= 0 {
		o.RequestsPerSec = 1.0
	}
}

// Verifier judges scraped clinics with the Anthropic API, in batches.
type Verifier struct {
	client  anthropic.Client
	opts    Options
	limiter *rate.Limiter
}

// New creates a Verifier.
func New(client anthropic.Client, opts Options) *Verifier {
	opts.withDefaults()
	return &Verifier{
		client:  client,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSec), 1),
	}
}

// Verify judges every clinic and returns one result per input, in input
// order. A batch whose API calls exhaust retries marks its clinics
// Failed instead of aborting the run.
func (v *Verifier) Verify(ctx context.Context, clinics []model.Clinic) []model.VerifiedClinic {
	if len(clinics) == 0 {
		return nil
	}

	start := time.Now()
	results := make([]model.VerifiedClinic, len(clinics))
	batches := splitBatches(len(clinics), v.opts.BatchSize)

	zap.L().Info("verification started",
		zap.Int("clinics", len(clinics)),
		zap.Int("batches", len(batches)),
		zap.String("model", v.opts.Model))

	var usageMu sync.Mutex
	var usage anthropic.TokenUsage

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.opts.Concurrency)

	for _, b := range batches {
		g.Go(func() error {
			u := v.verifyBatch(gctx, clinics[b.start:b.end], results[b.start:b.end])
			usageMu.Lock()
			usage.Add(u)
			usageMu.Unlock()
			return nil
		})
	}
	// Workers report per-clinic failures in place, never an error.
	_ = g.Wait()

	qualified := 0
	for _, r := range results {
		if !r.Failed && r.Verdict.Qualifies() {
			qualified++
		}
	}
	zap.L().Info("verification completed",
		zap.Int("clinics", len(clinics)),
		zap.Int("qualified", qualified),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens),
		zap.Int64("cache_read_tokens", usage.CacheReadInputTokens),
		zap.Duration("elapsed", time.Since(start)))

	return results
}

type batchRange struct {
	start, end int
}

func splitBatches(total, size int) []batchRange {
	var out []batchRange
	for start := 0; start < total; start += size {
		end := start + size
		if end > total {
			end = total
		}
		out = append(out, batchRange{start: start, end: end})
	}
	return out
}

// verifyBatch fills results for one batch and reports the batch's token
// consumption. The two slices are parallel views over the same range of
// the run's clinics.
func (v *Verifier) verifyBatch(ctx context.Context, batch []model.Clinic, results []model.VerifiedClinic) anthropic.TokenUsage {
	verdicts, usage, err := v.callModel(ctx, batch)
	if err != nil {
		zap.L().Error("batch verification failed",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
		for i, c := range batch {
			results[i] = model.VerifiedClinic{
				Clinic: c,
				Failed: true,
				Error:  err.Error(),
			}
		}
		return usage
	}

	covered := make([]bool, len(batch))
	for _, verdict := range verdicts {
		results[verdict.Index] = model.VerifiedClinic{
			Clinic: batch[verdict.Index],
			Verdict: model.Verdict{
				IsOfficialSite: verdict.IsOfficialSite,
				IsMajorChain:   verdict.IsMajorChain,
				NormalizedName: normalizedOrName(verdict.NormalizedName, batch[verdict.Index].Name),
				Reason:         verdict.Reason,
			},
		}
		covered[verdict.Index] = true
	}

	// The model occasionally drops an entry. Treat those clinics as
	// failed rather than silently publishing unjudged data.
	for i, ok := range covered {
		if !ok {
			results[i] = model.VerifiedClinic{
				Clinic: batch[i],
				Failed: true,
				Error:  "no verdict returned for clinic",
			}
		}
	}
	return usage
}

func normalizedOrName(normalized, name string) string {
	if normalized != "" {
		return normalized
	}
	return name
}

// batchOutcome carries one API call's verdicts and token usage through
// the retry loop.
type batchOutcome struct {
	verdicts []indexedVerdict
	usage    anthropic.TokenUsage
}

// callModel sends one batch to the API with rate limiting and retries.
// Malformed responses are retried alongside transient API errors.
// Verdicts must be reproducible, so the call pins temperature to zero.
func (v *Verifier) callModel(ctx context.Context, batch []model.Clinic) ([]indexedVerdict, anthropic.TokenUsage, error) {
	prompt, err := buildPrompt(batch)
	if err != nil {
		return nil, anthropic.TokenUsage{}, err
	}

	policy := resilience.DefaultPolicy("anthropic", "verify-batch")
	policy.MaxAttempts = v.opts.MaxRetries + 1
	policy.ShouldRetry = func(err error) bool {
		return errors.Is(err, errMalformedResponse) || resilience.IsTransient(err)
	}

	temperature := 0.0
	out, err := resilience.DoVal(ctx, policy, func(ctx context.Context) (batchOutcome, error) {
		if err := v.limiter.Wait(ctx); err != nil {
			return batchOutcome{}, err
		}

		callCtx, cancel := context.WithTimeout(ctx, v.opts.Timeout)
		defer cancel()

		resp, err := v.client.CreateMessage(callCtx, anthropic.MessageRequest{
			Model:       v.opts.Model,
			MaxTokens:   v.opts.MaxTokens,
			Temperature: &temperature,
			System:      anthropic.CachedSystemBlocks(systemPrompt),
			Messages: []anthropic.Message{
				{Role: "user", Content: prompt},
			},
		})
		if err != nil {
			return batchOutcome{}, err
		}

		verdicts, err := parseVerdicts(resp.Text(), len(batch))
		return batchOutcome{verdicts: verdicts, usage: resp.Usage}, err
	})
	return out.verdicts, out.usage, err
}
