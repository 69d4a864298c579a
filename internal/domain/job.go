package domain

import (
	"encoding/json"
	"time"
)

// JobState is one node of the job state machine:
//
//	queued -> running -> completed | failed
//	queued | running -> cancelled
//	queued -> failed (admission deadline exceeded)
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal edge. Self
// transitions are not edges.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobQueued:
		return to == JobRunning || to == JobCancelled || to == JobFailed
	case JobRunning:
		return to == JobCompleted || to == JobFailed || to == JobCancelled
	default:
		return false
	}
}

// Usage counts tokens for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Job is the persisted record of one inference request. Params carries the
// normalized request body; Result holds the full completion text for
// non-streaming jobs.
type Job struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner"`
	Model      string          `json:"model"`
	State      JobState        `json:"state"`
	Stream     bool            `json:"stream,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
	GPUID      string          `json:"gpu_id,omitempty"`
	Attempts   int             `json:"attempts,omitempty"`
	Result     string          `json:"result,omitempty"`
	Usage      *Usage          `json:"usage,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Error      string          `json:"error,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Clone returns a deep-enough copy for CAS write paths.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.Params != nil {
		out.Params = append(json.RawMessage(nil), j.Params...)
	}
	if j.Usage != nil {
		u := *j.Usage
		out.Usage = &u
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}
