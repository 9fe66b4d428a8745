package model

import "time"

// EventType classifies progress events emitted during a run.
type EventType string

const (
	EventRunStarted        EventType = "run_started"
	EventStageStarted      EventType = "stage_started"
	EventCandidateFound    EventType = "candidate_found"
	EventCandidateExcluded EventType = "candidate_excluded"
	EventCandidateVerified EventType = "candidate_verified"
	EventCandidateSkipped  EventType = "candidate_skipped"
	EventRegionComplete    EventType = "region_complete"
	EventRunComplete       EventType = "run_complete"
	EventError             EventType = "error"
)

// ProgressEvent is a transient, typed progress message. Events stream out
// of the orchestrator tagged with their region; they are never persisted.
type ProgressEvent struct {
	Type      EventType   `json:"type"`
	Region    string      `json:"region,omitempty"`
	Stage     RegionStage `json:"stage,omitempty"`
	Message   string      `json:"message,omitempty"`
	Count     int         `json:"count,omitempty"`
	Clinic    *Clinic     `json:"clinic,omitempty"`
	Summary   *RunSummary `json:"summary,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}
