package jobs

import (
	"slices"
	"time"

	"github.com/paulgrammer/d3d/internal/executor"
)

type JobStatus string

const (
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusStopped   JobStatus = "stopped"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s != JobStatusRunning
}

type CreateJobRequest struct {
	Prompt string `json:"prompt"`
	Count  int    `json:"count"`
	Size   string `json:"size,omitempty"`
}

type Job struct {
	ID     int64     `json:"id"`
	Prompt string    `json:"prompt"`
	Count  int       `json:"count"`
	Size   string    `json:"size,omitempty"`
	Status JobStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
	Files  []string  `json:"files,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func (j *Job) request() executor.Request {
	return executor.Request{
		JobID:  j.ID,
		Prompt: j.Prompt,
		Count:  j.Count,
		Size:   j.Size,
	}
}

func (j Job) clone() Job {
	j.Files = slices.Clone(j.Files)
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}
