package patientflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the triage urgency class. The zero value means the patient has
// not been triaged yet. Lower values are more urgent.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityRed
	SeverityOrange
	SeverityYellow
	SeverityGreen
	SeverityBlue
)

var severityNames = [...]string{"", "red", "orange", "yellow", "green", "blue"}

// baselineWait is the predicted total wait in minutes per severity at triage.
var baselineWait = map[Severity]int{
	SeverityRed:    0,
	SeverityOrange: 10,
	SeverityYellow: 60,
	SeverityGreen:  120,
	SeverityBlue:   240,
}

func (s Severity) String() string {
	if !s.Valid() {
		return ""
	}
	return severityNames[s]
}

// Valid reports whether s is one of the five triage classes.
func (s Severity) Valid() bool {
	return s >= SeverityRed && s <= SeverityBlue
}

// BaselineWait returns the wait in minutes assigned at triage.
func (s Severity) BaselineWait() int {
	return baselineWait[s]
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*s = SeverityUnknown
		return nil
	}
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSeverity parses a severity name, case-insensitively.
func ParseSeverity(name string) (Severity, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i := SeverityRed; i <= SeverityBlue; i++ {
		if severityNames[i] == n {
			return i, nil
		}
	}
	return SeverityUnknown, fmt.Errorf("%w: unknown severity %q", ErrValidation, name)
}

// Stage is the persisted position of a patient in the intake pipeline.
type Stage string

const (
	StageAwaitingCondition Stage = "awaiting_condition"
	StageAwaitingTriage    Stage = "awaiting_triage"
	StageQueueing          Stage = "queueing"
	StageReadyToBeSeen     Stage = "ready_to_be_seen"
	StageWithDoctor        Stage = "with_doctor"
	// StageDischarged is terminal and never stored; the record is deleted.
	StageDischarged Stage = "discharged"
)

var transitions = map[Stage][]Stage{
	StageAwaitingCondition: {StageAwaitingTriage},
	StageAwaitingTriage:    {StageQueueing},
	StageQueueing:          {StageQueueing, StageReadyToBeSeen},
	StageReadyToBeSeen:     {StageQueueing, StageWithDoctor},
	StageWithDoctor:        {StageDischarged},
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Stage) CanTransitionTo(next Stage) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a stage a stored record may hold.
func (s Stage) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Status is the tagged flow state. Severity is only populated for the
// queueing stage.
type Status struct {
	Stage    Stage    `json:"stage"`
	Severity Severity `json:"severity,omitempty"`
}

// Queueing returns the queueing status for sev.
func Queueing(sev Severity) Status {
	return Status{Stage: StageQueueing, Severity: sev}
}

// QueueingSeverity returns the severity carried by a queueing status.
func (s Status) QueueingSeverity() (Severity, bool) {
	if s.Stage != StageQueueing {
		return SeverityUnknown, false
	}
	return s.Severity, true
}

func (s Status) String() string {
	if s.Stage == StageQueueing {
		return fmt.Sprintf("%s(%s)", s.Stage, s.Severity)
	}
	return string(s.Stage)
}

// Patient is the single record tracked per patient.
type Patient struct {
	ID                uuid.UUID  `db:"id" json:"id"`
	FullName          string     `db:"full_name" json:"full_name"`
	DateOfBirth       *time.Time `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Gender            *string    `db:"gender" json:"gender,omitempty"`
	Phone             *string    `db:"phone" json:"phone,omitempty"`
	Condition         *string    `db:"condition" json:"condition,omitempty"`
	Severity          Severity   `db:"severity" json:"severity,omitempty"`
	Stage             Stage      `db:"status" json:"status"`
	QueueNumber       *int       `db:"queue_number" json:"queue_number,omitempty"`
	TriageTime        *time.Time `db:"triage_time" json:"triage_time,omitempty"`
	BaseWaitTime      *int       `db:"base_wait_time" json:"base_wait_time,omitempty"`
	InitialWaitTime   *int       `db:"initial_wait_time" json:"initial_wait_time,omitempty"`
	EstimatedWaitTime *int       `db:"estimated_wait_time" json:"estimated_wait_time,omitempty"`
	AcceptedTime      *time.Time `db:"accepted_time" json:"accepted_time,omitempty"`
	CreatedAt         time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at" json:"updated_at"`
}

// Status returns the tagged flow state of the record.
func (p *Patient) Status() Status {
	if p.Stage == StageQueueing {
		return Queueing(p.Severity)
	}
	return Status{Stage: p.Stage}
}

// ConditionName returns the assigned condition or "" when uncategorized.
func (p *Patient) ConditionName() string {
	if p.Condition == nil {
		return ""
	}
	return *p.Condition
}

// Clone returns a deep copy so stored records never alias caller memory.
func (p *Patient) Clone() *Patient {
	c := *p
	c.DateOfBirth = cloneTime(p.DateOfBirth)
	c.Gender = cloneString(p.Gender)
	c.Phone = cloneString(p.Phone)
	c.Condition = cloneString(p.Condition)
	c.QueueNumber = cloneInt(p.QueueNumber)
	c.TriageTime = cloneTime(p.TriageTime)
	c.BaseWaitTime = cloneInt(p.BaseWaitTime)
	c.InitialWaitTime = cloneInt(p.InitialWaitTime)
	c.EstimatedWaitTime = cloneInt(p.EstimatedWaitTime)
	c.AcceptedTime = cloneTime(p.AcceptedTime)
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneTime(v *time.Time) *time.Time {
	if v == nil {
		return nil
	}
	t := *v
	return &t
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }
