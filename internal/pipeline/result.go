package pipeline

import (
	"time"
)

// Stage names where a per-message failure happened.
const (
	StageFetch   = "fetch"
	StageParse   = "parse"
	StageExtract = "extract"
	StageStore   = "store"
)

// Result summarizes one pipeline run.
type Result struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Fetched counts messages delivered by the mailbox, including ones
	// that failed to parse.
	Fetched int `json:"fetched"`

	// Processed counts content updates applied to the store.
	Processed int `json:"processed"`

	// Skipped counts messages that were handled without error but
	// produced no update: unrecognized subject, empty body, or no
	// content found.
	Skipped int `json:"skipped"`

	Errors []Diagnostic `json:"errors"`

	// Fatal is the error that aborted the run, if any.
	Fatal string `json:"fatal,omitempty"`
}

// Diagnostic records one per-message failure that did not abort the
// run.
type Diagnostic struct {
	UID     uint32 `json:"uid,omitempty"`
	Subject string `json:"subject,omitempty"`
	Stage   string `json:"stage"`
	Message string `json:"message"`
}

// Duration returns how long the run took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// OK reports whether the run finished without a fatal error.
func (r *Result) OK() bool { return r.Fatal == "" }

func (r *Result) addError(uid uint32, subject, stage string, err error) {
	r.Errors = append(r.Errors, Diagnostic{
		UID:     uid,
		Subject: subject,
		Stage:   stage,
		Message: err.Error(),
	})
}
