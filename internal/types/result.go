package types

import (
	"fmt"
	"time"
)

// RunState is the lifecycle state of one orchestrated channel run.
type RunState string

const (
	RunStatePlanning    RunState = "planning"
	RunStateFetching    RunState = "fetching"
	RunStateParsing     RunState = "parsing"
	RunStateClassifying RunState = "classifying"
	RunStateReporting   RunState = "reporting"
	RunStateDone        RunState = "done"
	RunStateCancelled   RunState = "cancelled"
	RunStateFailed      RunState = "failed"
)

// Terminal reports whether the state ends a run.
func (s RunState) Terminal() bool {
	return s == RunStateDone || s == RunStateCancelled || s == RunStateFailed
}

// ErrorKind labels a page-level or run-level error in the run log.
type ErrorKind string

const (
	ErrorKindNetwork   ErrorKind = "network"
	ErrorKindHTTP      ErrorKind = "http"
	ErrorKindBlocked   ErrorKind = "blocked"
	ErrorKindTimeout   ErrorKind = "timeout"
	ErrorKindExhausted ErrorKind = "exhausted_retries"
	ErrorKindPool      ErrorKind = "proxy_pool"
	ErrorKindParse     ErrorKind = "parse"
	ErrorKindStorage   ErrorKind = "storage"
)

// PageError is one recorded page failure. The run log preserves
// observation order for debuggability.
type PageError struct {
	URL     string    `json:"url"`
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// ChannelRunResult is the outcome of one crawl pass over one channel.
// RecordsHarvested always equals SafeCount+ReviewCount+BannedCount:
// every harvested record gets exactly one verdict.
type ChannelRunResult struct {
	RunID   string   `json:"run_id"`
	Channel Channel  `json:"channel"`
	Region  string   `json:"region"`
	State   RunState `json:"state"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	PagesVisited     int `json:"pages_visited"`
	RecordsHarvested int `json:"records_harvested"`
	SafeCount        int `json:"safe_count"`
	ReviewCount      int `json:"review_count"`
	BannedCount      int `json:"banned_count"`

	RuleSetVersion string `json:"ruleset_version"`

	// FailureCause is set only when State is failed.
	FailureCause string `json:"failure_cause,omitempty"`

	Errors []PageError `json:"errors,omitempty"`
}

// NewRunResult creates a run result in the planning state with a
// deterministic, filename-safe run id.
func NewRunResult(ch Channel, region string, start time.Time) *ChannelRunResult {
	return &ChannelRunResult{
		RunID:     fmt.Sprintf("%s_%s_%s", ch, region, start.UTC().Format("20060102T150405Z")),
		Channel:   ch,
		Region:    region,
		State:     RunStatePlanning,
		StartedAt: start,
	}
}

// CountVerdict increments the harvested total and the verdict bucket
// together, keeping the exact-partition invariant by construction.
func (r *ChannelRunResult) CountVerdict(v Verdict) {
	r.RecordsHarvested++
	switch v {
	case VerdictSafe:
		r.SafeCount++
	case VerdictNeedsReview:
		r.ReviewCount++
	case VerdictBanned:
		r.BannedCount++
	}
}

// AddError appends a page error to the run log.
func (r *ChannelRunResult) AddError(url string, kind ErrorKind, err error) {
	r.Errors = append(r.Errors, PageError{
		URL:     url,
		Kind:    kind,
		Message: err.Error(),
		At:      time.Now(),
	})
}

// Duration returns the wall-clock span of the run.
func (r *ChannelRunResult) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunDate returns the date key used for cross-channel report partitions.
func (r *ChannelRunResult) RunDate() string {
	return r.StartedAt.UTC().Format("2006-01-02")
}
