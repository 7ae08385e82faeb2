package job

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store keeps jobs and artifacts in memory. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*Job
	artifacts map[string]Artifact

	newID func() string
	now   func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		jobs:      make(map[string]*Job),
		artifacts: make(map[string]Artifact),
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// CreateJob allocates a pending job for targetKey and returns its id.
func (s *Store) CreateJob(targetKey string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.newID()
	for _, taken := s.jobs[id]; taken; _, taken = s.jobs[id] {
		id = s.newID()
	}
	s.jobs[id] = &Job{
		ID:        id,
		TargetKey: targetKey,
		Status:    StatusPending,
		StartedAt: s.now(),
	}
	return id
}

// UpdateJob overwrites status, progress and error. Terminal statuses set
// CompletedAt. It returns false, changing nothing, if jobID is unknown.
func (s *Store) UpdateJob(jobID string, status Status, progress int, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	j.Status = status
	j.Progress = progress
	j.Error = errMsg
	if status.Terminal() {
		now := s.now()
		j.CompletedAt = &now
	}
	return true
}

// Get returns a copy of the job.
func (s *Store) Get(jobID string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return copyJob(j), true
}

// List returns copies of all jobs, oldest first.
func (s *Store) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, copyJob(j))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].StartedAt.Before(out[k].StartedAt)
	})
	return out
}

// UpsertArtifact stores content for key, replacing any previous artifact.
func (s *Store) UpsertArtifact(key, content string) Artifact {
	a := Artifact{Key: key, Content: content, CreatedAt: s.now()}

	s.mu.Lock()
	s.artifacts[key] = a
	s.mu.Unlock()
	return a
}

// Artifact returns the cached artifact for key.
func (s *Store) Artifact(key string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[key]
	return a, ok
}

func copyJob(j *Job) Job {
	out := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	return out
}
