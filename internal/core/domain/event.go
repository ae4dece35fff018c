package domain

import "time"

// EventType is the outbound event vocabulary. Consumers treat FULL_STATE as an
// authoritative replacement of whatever they hold for the project.
type EventType string

const (
	EventFullState          EventType = "FULL_STATE"
	EventWorkflowStarted    EventType = "WORKFLOW_STARTED"
	EventWorkflowCompleted  EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed     EventType = "WORKFLOW_FAILED"
	EventInterventionNeeded EventType = "LLM_INTERVENTION_NEEDED"
	EventJobStatus          EventType = "JOB_STATUS"
	EventLog                EventType = "LOG"
)

// Event is one message on the event bus, keyed by project.
type Event struct {
	ProjectID     ProjectID `json:"project_id"`
	Type          EventType `json:"type"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Data          string    `json:"data"` // JSON payload
	Timestamp     int64     `json:"timestamp"`
}

// NewEvent stamps an event with the current time in milliseconds.
func NewEvent(projectID ProjectID, t EventType, data string) Event {
	return Event{
		ProjectID: projectID,
		Type:      t,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}
