package patientflow

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/KristersR123/HospitalKiosk-sub000/internal/platform/websocket"
)

// Websocket topics carrying flow events.
const (
	TopicWaitlist    = "waitlist"
	TopicDoctorQueue = "doctor-queue"
	patientTopicPfx  = "patient/"
)

// PatientTopic is the websocket topic for a single patient's events.
func PatientTopic(id string) string { return patientTopicPfx + id }

// AllowTopic reports whether topic is one the flow publishes to.
func AllowTopic(topic string) bool {
	switch topic {
	case TopicWaitlist, TopicDoctorQueue:
		return true
	}
	if len(topic) > len(patientTopicPfx) && topic[:len(patientTopicPfx)] == patientTopicPfx {
		return true
	}
	return false
}

// topicsFor lists the screens that must refresh after ev.
func topicsFor(ev Event) []string {
	topics := []string{PatientTopic(ev.PatientID.String())}
	switch ev.Type {
	case EventConditionAssigned, EventTriaged, EventWaitAdjusted:
		topics = append(topics, TopicWaitlist)
	case EventRetriaged, EventReady:
		topics = append(topics, TopicWaitlist, TopicDoctorQueue)
	case EventAccepted, EventDischarged:
		topics = append(topics, TopicDoctorQueue)
	}
	return topics
}

type topicPublisher interface {
	Publish(ctx context.Context, event websocket.Event) error
}

// HubPublisher fans flow events out to websocket topics.
type HubPublisher struct {
	hub topicPublisher
}

func NewHubPublisher(hub topicPublisher) *HubPublisher {
	return &HubPublisher{hub: hub}
}

func (p *HubPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var errs []error
	for _, topic := range topicsFor(ev) {
		err := p.hub.Publish(ctx, websocket.Event{
			Type:      string(ev.Type),
			Topic:     topic,
			PatientID: ev.PatientID.String(),
			Timestamp: ev.At,
			Data:      data,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type keyedProducer interface {
	Publish(ctx context.Context, key string, value []byte, headers map[string]string) error
}

// BrokerPublisher writes each flow event to the message broker keyed by
// patient id.
type BrokerPublisher struct {
	producer keyedProducer
}

func NewBrokerPublisher(producer keyedProducer) *BrokerPublisher {
	return &BrokerPublisher{producer: producer}
}

func (p *BrokerPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return p.producer.Publish(ctx, ev.PatientID.String(), data, map[string]string{
		"event-type": string(ev.Type),
	})
}

// MultiPublisher delivers every event to each publisher in turn. One
// failure does not stop delivery to the rest.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type counter interface {
	IncCounter(name string, labels ...string)
}

// MetricEventsTotal counts committed flow events by type.
const MetricEventsTotal = "patientflow_events_total"

// MetricsPublisher counts each flow event by type.
type MetricsPublisher struct {
	metrics counter
}

func NewMetricsPublisher(metrics counter) *MetricsPublisher {
	return &MetricsPublisher{metrics: metrics}
}

func (p *MetricsPublisher) Publish(_ context.Context, ev Event) error {
	p.metrics.IncCounter(MetricEventsTotal, "type", string(ev.Type))
	return nil
}

// StageCounts returns the number of stored patients in each live stage.
func StageCounts(ctx context.Context, repo Repository) (map[Stage]int, error) {
	out := make(map[Stage]int, 5)
	for _, st := range []Stage{StageAwaitingCondition, StageAwaitingTriage, StageQueueing, StageReadyToBeSeen, StageWithDoctor} {
		items, err := repo.ListByStage(ctx, st)
		if err != nil {
			return nil, err
		}
		out[st] = len(items)
	}
	return out, nil
}
