// Package job stores analysis jobs and drives them to completion.
package job

import (
	"context"
	"time"
)

// Status is the lifecycle state of a job.
// Transitions: pending -> running -> completed | failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition may follow.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a snapshot of one analysis job.
type Job struct {
	ID          string     `json:"jobId"`
	TargetKey   string     `json:"targetKey"`
	Status      Status     `json:"status"`
	Progress    int        `json:"progress"`
	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Artifact is the cached report for a target key.
type Artifact struct {
	Key       string    `json:"key"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	TargetKey string `json:"targetKey"`
}

// AnalyzeResponse is returned by POST /analyze.
// Sid and AgentID are set when an orchestrator forwarded the request.
type AnalyzeResponse struct {
	JobID   string `json:"jobId"`
	Sid     string `json:"sid,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// ListResponse is returned by GET /jobs.
type ListResponse struct {
	Jobs []Job `json:"jobs"`
}

// Progress is one report from a running analysis: the phase and how far
// through that phase it is (0-100).
type Progress struct {
	Phase   string
	Percent int
	Message string
}

// ProgressFunc receives progress reports in the order they happen.
type ProgressFunc func(Progress)

// Analyzer runs the analysis pipeline for a target and returns the report.
type Analyzer interface {
	Analyze(ctx context.Context, targetKey string, progress ProgressFunc) (string, error)
}
