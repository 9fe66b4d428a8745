package pipeline

import "github.com/rotisserie/eris"

// Error taxonomy for run and region failures. Candidate-level failures
// (a verification call exhausting retries) are recovered locally and
// never surface as one of these.
var (
	// ErrSourceUnavailable marks a browser or navigation failure while
	// scraping a region. Fails only that region.
	ErrSourceUnavailable = eris.New("source unavailable")

	// ErrRuleSetInvalid marks a malformed exclusion rule set detected at
	// run start. Aborts the entire run before any region launches.
	ErrRuleSetInvalid = eris.New("exclusion rule set invalid")

	// ErrPublishUnavailable marks a destination write failure. Fails only
	// the region whose batch could not be written.
	ErrPublishUnavailable = eris.New("publish destination unavailable")

	// ErrPublishUnauthorized marks rejected destination credentials. The
	// operator has to re-mint the token; retrying cannot help.
	ErrPublishUnauthorized = eris.New("publish destination unauthorized")

	// ErrRunCancelled marks an external cancellation signal.
	ErrRunCancelled = eris.New("run cancelled")

	// ErrRunTimedOut marks the overall run deadline expiring.
	ErrRunTimedOut = eris.New("run timed out")

	// ErrNoRegions marks a run request without any usable region query.
	ErrNoRegions = eris.New("no regions to process")
)
