package model

import (
	"strings"
	"time"
)

// RunStatus represents the terminal (or current) state of a scrape run.
type RunStatus string

const (
	RunStatusIdle                RunStatus = "idle"
	RunStatusRunning             RunStatus = "running"
	RunStatusCompleted           RunStatus = "completed"
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"
	RunStatusFailed              RunStatus = "failed"
	RunStatusCancelled           RunStatus = "cancelled"
)

// RegionStage is the stage a region job is currently in.
type RegionStage string

const (
	StageQueued     RegionStage = "queued"
	StageScraping   RegionStage = "scraping"
	StageFiltering  RegionStage = "filtering"
	StageVerifying  RegionStage = "verifying"
	StagePublishing RegionStage = "publishing"
	StageDone       RegionStage = "done"
	StageFailed     RegionStage = "failed"
)

// RunRequest describes one pipeline run: an ordered list of region
// queries, the search suffix appended to each, and the run mode.
type RunRequest struct {
	Regions      []string `json:"regions"`
	SearchSuffix string   `json:"search_suffix"`
	Preview      bool     `json:"preview"`
}

// CleanRegions trims entries and drops empties, preserving order.
func (r *RunRequest) CleanRegions() []string {
	out := make([]string, 0, len(r.Regions))
	for _, region := range r.Regions {
		if region = strings.TrimSpace(region); region != "" {
			out = append(out, region)
		}
	}
	return out
}

// RegionSummary is the per-region slice of the final run summary.
type RegionSummary struct {
	Region             string      `json:"region"`
	Stage              RegionStage `json:"stage"`
	Found              int         `json:"found"`
	Excluded           int         `json:"excluded"`
	VerifiedQualified  int         `json:"verified_qualified"`
	VerificationFailed int         `json:"verification_failed"`
	Published          int         `json:"published"`
	Duplicates         int         `json:"duplicates"`
	Error              string      `json:"error,omitempty"`
}

// RunSummary is the final outcome handed to the caller once all region
// jobs have terminated. Published counts are kept separate from found/
// excluded/failed so partial success is never reported as full success.
type RunSummary struct {
	RunID              string          `json:"run_id"`
	Status             RunStatus       `json:"status"`
	Preview            bool            `json:"preview"`
	Regions            []RegionSummary `json:"regions"`
	Found              int             `json:"found"`
	Excluded           int             `json:"excluded"`
	VerifiedQualified  int             `json:"verified_qualified"`
	VerificationFailed int             `json:"verification_failed"`
	Published          int             `json:"published"`
	Duplicates         int             `json:"duplicates"`
	Errors             []string        `json:"errors,omitempty"`
	StartedAt          time.Time       `json:"started_at"`
	FinishedAt         time.Time       `json:"finished_at"`
}

// Accumulate folds a region summary into the run totals.
func (s *RunSummary) Accumulate(r RegionSummary) {
	s.Regions = append(s.Regions, r)
	s.Found += r.Found
	s.Excluded += r.Excluded
	s.VerifiedQualified += r.VerifiedQualified
	s.VerificationFailed += r.VerificationFailed
	s.Published += r.Published
	s.Duplicates += r.Duplicates
	if r.Error != "" {
		s.Errors = append(s.Errors, r.Region+": "+r.Error)
	}
}

// Run is the persisted record of a scrape run.
type Run struct {
	ID        string      `json:"id"`
	Request   RunRequest  `json:"request"`
	Status    RunStatus   `json:"status"`
	Summary   *RunSummary `json:"summary,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
