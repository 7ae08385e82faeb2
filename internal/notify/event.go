// Package notify delivers fleet events to a webhook as CloudEvents.
package notify

import (
	"time"

	"github.com/google/uuid"

	"fleet/internal/job"
	"fleet/internal/registry"
)

// Event types.
const (
	TypeRegistered   = "fleet.registrant.registered"
	TypeUnregistered = "fleet.registrant.unregistered"
	TypeStatus       = "fleet.registrant.status"
	TypeJobCompleted = "fleet.job.completed"
	TypeJobFailed    = "fleet.job.failed"
)

// CloudEvent is a CloudEvents 1.0 structured-mode event.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// NewCloudEvent creates an event with a fresh id and the current time.
func NewCloudEvent(eventType, source, subject string, data map[string]any) *CloudEvent {
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              uuid.NewString(),
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// RegistrantEvent converts a registry change into a CloudEvent.
func RegistrantEvent(source string, ev registry.Event) *CloudEvent {
	r := ev.Registrant
	data := map[string]any{
		"id":     r.ID,
		"url":    r.URL,
		"kind":   r.Kind,
		"status": r.Status,
	}
	if r.ParentID != "" {
		data["parentId"] = r.ParentID
	}

	eventType := TypeRegistered
	switch ev.Type {
	case registry.EventUnregistered:
		eventType = TypeUnregistered
	case registry.EventStatusChanged:
		eventType = TypeStatus
		data["previous"] = ev.Previous
	}
	return NewCloudEvent(eventType, source, r.ID, data)
}

// JobEvent converts a finished job into a CloudEvent.
func JobEvent(source string, j job.Job) *CloudEvent {
	data := map[string]any{
		"jobId":     j.ID,
		"targetKey": j.TargetKey,
		"status":    j.Status,
		"progress":  j.Progress,
	}
	if j.CompletedAt != nil {
		data["durationSeconds"] = j.CompletedAt.Sub(j.StartedAt).Seconds()
	}

	eventType := TypeJobCompleted
	if j.Status == job.StatusFailed {
		eventType = TypeJobFailed
		data["error"] = j.Error
	}
	return NewCloudEvent(eventType, source, j.ID, data)
}
