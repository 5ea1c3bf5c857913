package models

import (
	"time"
)

// RunStatus enumerates lifecycle states of a Run.
type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunError     RunStatus = "ERROR"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunError
}

// Run is one execution attempt of a Rule.
type Run struct {
	ID           string     `json:"id" yaml:"id"`
	RuleID       string     `json:"rule_id" yaml:"rule_id"`
	StartedAt    time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Status       RunStatus  `json:"status" yaml:"status"`
	RowsChecked  int64      `json:"rows_checked" yaml:"rows_checked"`
	RowsFailed   int64      `json:"rows_failed" yaml:"rows_failed"`
	Sampled      bool       `json:"sampled" yaml:"sampled"`
	Estimated    bool       `json:"estimated" yaml:"estimated"`
	ErrorMessage *string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Finish moves the run into a terminal status. finished_at never precedes
// started_at even if the wall clock stepped backwards.
func (r *Run) Finish(status RunStatus, at time.Time) {
	if at.Before(r.StartedAt) {
		at = r.StartedAt
	}
	r.Status = status
	r.FinishedAt = &at
}

// Duration is zero until the run is terminal.
func (r Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
