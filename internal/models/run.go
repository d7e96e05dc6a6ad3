package models

import "time"

// Mode is the action requested for a run.
type Mode string

// Run modes.
const (
	ModeSync          Mode = "sync"
	ModeRotateHourly  Mode = "hourly"
	ModeRotateDaily   Mode = "daily"
	ModeRotateWeekly  Mode = "weekly"
	ModeRotateMonthly Mode = "monthly"
)

// IsRotation reports whether the mode rotates snapshots instead of syncing.
func (m Mode) IsRotation() bool {
	switch m {
	case ModeRotateHourly, ModeRotateDaily, ModeRotateWeekly, ModeRotateMonthly:
		return true
	default:
		return false
	}
}

// Verb returns the rsnapshot command line verb for the mode.
func (m Mode) Verb() string {
	return string(m)
}

// ItemStatus is the terminal state of one item.
type ItemStatus string

// Item terminal states.
const (
	StatusCompleted ItemStatus = "completed"
	StatusSkipped   ItemStatus = "skipped"
	StatusFailed    ItemStatus = "failed"
)

// ItemResult holds the outcome of processing one item.
type ItemResult struct {
	Number   int
	Host     string
	Status   ItemStatus
	Reason   string // why the item was skipped or failed
	Errors   int    // errors counted against the run, including non-fatal ones
	Duration time.Duration
}

// RunState is the mutable state shared across items of one run.
type RunState struct {
	Mode         Mode
	Errors       int
	RotatedPaths map[string]struct{}
	Results      []ItemResult
}

// NewRunState creates an empty run state for the given mode.
func NewRunState(mode Mode) *RunState {
	return &RunState{
		Mode:         mode,
		RotatedPaths: make(map[string]struct{}),
	}
}

// Record appends an item result and adds its errors to the run total.
func (s *RunState) Record(r ItemResult) {
	s.Results = append(s.Results, r)
	s.Errors += r.Errors
}

// MarkRotated records path as rotated. It returns false if the path was
// already rotated during this run.
func (s *RunState) MarkRotated(path string) bool {
	if _, ok := s.RotatedPaths[path]; ok {
		return false
	}
	s.RotatedPaths[path] = struct{}{}
	return true
}

// Count returns the number of results with the given status.
func (s *RunState) Count(status ItemStatus) int {
	n := 0
	for _, r := range s.Results {
		if r.Status == status {
			n++
		}
	}
	return n
}

// RunSummary describes a finished run for notifications and metrics.
type RunSummary struct {
	Mode      Mode
	Hostname  string
	StartTime time.Time
	Duration  time.Duration
	Errors    int
	Results   []ItemResult
}

// Filter restricts a run to matching items. Zero values match everything.
type Filter struct {
	ItemNumber *int
	Host       string
}

// Matches reports whether item passes the filter.
func (f Filter) Matches(item BackupItem) bool {
	if f.ItemNumber != nil && item.Number != *f.ItemNumber {
		return false
	}
	if f.Host != "" && item.Host != f.Host {
		return false
	}
	return true
}
