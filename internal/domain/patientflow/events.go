package patientflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType names a committed flow transition.
type EventType string

const (
	EventCreated           EventType = "patient.created"
	EventConditionAssigned EventType = "patient.condition_assigned"
	EventTriaged           EventType = "patient.triaged"
	EventRetriaged         EventType = "patient.retriaged"
	EventReady             EventType = "patient.ready"
	EventAccepted          EventType = "patient.accepted"
	EventDischarged        EventType = "patient.discharged"
	EventWaitAdjusted      EventType = "patient.wait_adjusted"
)

// Event describes one committed change. It is published after the store
// transaction that produced it has committed.
type Event struct {
	Type          EventType   `json:"type"`
	PatientID     uuid.UUID   `json:"patient_id"`
	Condition     string      `json:"condition,omitempty"`
	Severity      Severity    `json:"severity,omitempty"`
	Status        Stage       `json:"status"`
	QueueNumber   *int        `json:"queue_number,omitempty"`
	EstimatedWait *int        `json:"estimated_wait_minutes,omitempty"`
	Adjustment    *int        `json:"adjustment_minutes,omitempty"`
	Affected      []uuid.UUID `json:"affected,omitempty"`
	At            time.Time   `json:"at"`
}

// Publisher receives flow events. Failures are logged by the caller and never
// undo the transition.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

func eventFor(typ EventType, p *Patient, at time.Time) Event {
	return Event{
		Type:          typ,
		PatientID:     p.ID,
		Condition:     p.ConditionName(),
		Severity:      p.Severity,
		Status:        p.Stage,
		QueueNumber:   cloneInt(p.QueueNumber),
		EstimatedWait: cloneInt(p.EstimatedWaitTime),
		At:            at,
	}
}
