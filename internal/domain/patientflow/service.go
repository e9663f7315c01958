package patientflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Service is the flow transition controller. Every transition is a single
// read-check-write transaction against the patient record.
type Service struct {
	repo      Repository
	adjuster  *Adjuster
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	// StoreTimeout bounds each operation's store work. Zero disables it.
	StoreTimeout time.Duration
}

func NewService(repo Repository, publisher Publisher, logger zerolog.Logger) *Service {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Service{
		repo:         repo,
		adjuster:     NewAdjuster(repo),
		publisher:    publisher,
		logger:       logger,
		now:          time.Now,
		StoreTimeout: 5 * time.Second,
	}
}

// SetClock replaces the service's time source.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func (s *Service) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.StoreTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.StoreTimeout)
}

func (s *Service) publish(ctx context.Context, ev Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).
			Str("event", string(ev.Type)).
			Str("patient_id", ev.PatientID.String()).
			Msg("publish flow event")
	}
}

// transition loads id, lets mutate check and change it, and writes it back
// in one transaction. It returns the committed record.
func (s *Service) transition(ctx context.Context, id uuid.UUID, mutate func(ctx context.Context, p *Patient) error) (*Patient, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var out *Patient
	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := mutate(ctx, p); err != nil {
			return err
		}
		p.UpdatedAt = s.now()
		if err := s.repo.Update(ctx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func invalidState(p *Patient, op string) error {
	return fmt.Errorf("%w: cannot %s patient %s in status %s", ErrInvalidState, op, p.ID, p.Status())
}

// -- Intake --

// CreatePatient stores a new record awaiting categorization.
func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	p.FullName = strings.TrimSpace(p.FullName)
	if p.FullName == "" {
		return fmt.Errorf("%w: full_name is required", ErrValidation)
	}
	p.ID = uuid.New()
	p.Stage = StageAwaitingCondition
	p.Condition = nil
	p.Severity = SeverityUnknown
	p.QueueNumber = nil
	p.TriageTime = nil
	p.BaseWaitTime = nil
	p.InitialWaitTime = nil
	p.EstimatedWaitTime = nil
	p.AcceptedTime = nil
	p.CreatedAt = s.now()
	p.UpdatedAt = p.CreatedAt

	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.repo.Create(ctx, p); err != nil {
		return err
	}
	s.publish(ctx, eventFor(EventCreated, p, s.now()))
	return nil
}

func (s *Service) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()
	return s.repo.GetByID(ctx, id)
}

// -- Transitions --

// AssignCondition categorizes a patient and allocates its queue number for
// that condition. Re-categorization is not permitted.
func (s *Service) AssignCondition(ctx context.Context, id uuid.UUID, condition string) (int, error) {
	condition = strings.TrimSpace(condition)
	if condition == "" {
		return 0, fmt.Errorf("%w: condition is required", ErrValidation)
	}
	p, err := s.transition(ctx, id, func(ctx context.Context, p *Patient) error {
		if p.Condition != nil || !p.Stage.CanTransitionTo(StageAwaitingTriage) {
			return invalidState(p, "assign condition to")
		}
		n, err := s.repo.NextQueueNumber(ctx, condition)
		if err != nil {
			return err
		}
		p.Condition = &condition
		p.QueueNumber = intPtr(n)
		p.Stage = StageAwaitingTriage
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.publish(ctx, eventFor(EventConditionAssigned, p, s.now()))
	return *p.QueueNumber, nil
}

// AssignSeverity triages a patient and seeds its wait estimate from the
// severity baseline.
func (s *Service) AssignSeverity(ctx context.Context, id uuid.UUID, sev Severity) (int, error) {
	if !sev.Valid() {
		return 0, fmt.Errorf("%w: severity is required", ErrValidation)
	}
	now := s.now()
	p, err := s.transition(ctx, id, func(_ context.Context, p *Patient) error {
		if p.Stage != StageAwaitingTriage {
			return invalidState(p, "triage")
		}
		applyTriage(p, sev, now)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.publish(ctx, eventFor(EventTriaged, p, now))
	return *p.EstimatedWaitTime, nil
}

// Retriage moves a waiting patient to another severity. The triage instant
// and every wait field restart from the new baseline.
func (s *Service) Retriage(ctx context.Context, id uuid.UUID, sev Severity) (int, error) {
	if !sev.Valid() {
		return 0, fmt.Errorf("%w: severity is required", ErrValidation)
	}
	now := s.now()
	p, err := s.transition(ctx, id, func(_ context.Context, p *Patient) error {
		if p.Stage != StageQueueing && p.Stage != StageReadyToBeSeen {
			return invalidState(p, "re-triage")
		}
		applyTriage(p, sev, now)
		return nil
	})
	if err != nil {
		return 0, err
	}
	s.publish(ctx, eventFor(EventRetriaged, p, now))
	return *p.EstimatedWaitTime, nil
}

func applyTriage(p *Patient, sev Severity, now time.Time) {
	baseline := sev.BaselineWait()
	p.Severity = sev
	p.TriageTime = timePtr(now)
	p.BaseWaitTime = intPtr(baseline)
	p.InitialWaitTime = intPtr(baseline)
	p.EstimatedWaitTime = intPtr(baseline)
	p.Stage = StageQueueing
}

// Accept hands a ready patient to a doctor. Only ready-to-be-seen patients
// may be accepted.
func (s *Service) Accept(ctx context.Context, id uuid.UUID) (*Patient, error) {
	now := s.now()
	p, err := s.transition(ctx, id, func(_ context.Context, p *Patient) error {
		if !p.Stage.CanTransitionTo(StageWithDoctor) {
			return invalidState(p, "accept")
		}
		p.AcceptedTime = timePtr(now)
		p.Stage = StageWithDoctor
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, eventFor(EventAccepted, p, now))
	return p, nil
}

// DischargeResult is returned by Discharge.
type DischargeResult struct {
	PatientID  uuid.UUID `json:"patient_id"`
	Discharged bool      `json:"discharged"`
	// AlreadyDischarged is set when the call repeated an earlier discharge
	// and changed nothing.
	AlreadyDischarged bool        `json:"already_discharged"`
	Adjustment        *Adjustment `json:"adjustment,omitempty"`
}

// Discharge ends a doctor visit. Within one transaction it redistributes the
// visit's scheduling error to queued peers, deletes the record and retires
// its id. Discharging an id that was already discharged is a no-op.
func (s *Service) Discharge(ctx context.Context, id uuid.UUID) (*DischargeResult, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	now := s.now()
	res := &DischargeResult{PatientID: id}
	var discharged *Patient

	err := s.repo.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.repo.GetByID(ctx, id)
		if errors.Is(err, ErrNotFound) {
			done, derr := s.repo.IsDischarged(ctx, id)
			if derr != nil {
				return derr
			}
			if done {
				res.AlreadyDischarged = true
				return nil
			}
		}
		if err != nil {
			return err
		}
		if !p.Stage.CanTransitionTo(StageDischarged) {
			return invalidState(p, "discharge")
		}
		adj, err := s.adjuster.Apply(ctx, p, now)
		if err != nil {
			return err
		}
		if err := s.repo.Delete(ctx, id); err != nil {
			return err
		}
		if err := s.repo.MarkDischarged(ctx, id, now); err != nil {
			return err
		}
		res.Discharged = true
		res.Adjustment = adj
		discharged = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	if res.AlreadyDischarged {
		return res, nil
	}

	logEvt := s.logger.Info().Str("patient_id", id.String())
	if adj := res.Adjustment; adj != nil {
		affected := make([]string, 0, len(adj.Affected))
		for _, pa := range adj.Affected {
			affected = append(affected, pa.PatientID.String())
		}
		logEvt = logEvt.
			Str("condition", adj.Condition).
			Str("severity", adj.Severity.String()).
			Int("adjustment_minutes", adj.Minutes).
			Strs("affected", affected)
	}
	logEvt.Msg("patient discharged")

	discharged.Stage = StageDischarged
	ev := eventFor(EventDischarged, discharged, now)
	if adj := res.Adjustment; adj != nil {
		ev.Adjustment = intPtr(adj.Minutes)
		ev.Affected = adj.AffectedIDs()
		for _, pa := range adj.Affected {
			s.publish(ctx, Event{
				Type:          EventWaitAdjusted,
				PatientID:     pa.PatientID,
				Condition:     adj.Condition,
				Severity:      adj.Severity,
				Status:        StageQueueing,
				EstimatedWait: intPtr(pa.Adjusted),
				Adjustment:    intPtr(adj.Minutes),
				At:            now,
			})
		}
	}
	s.publish(ctx, ev)
	return res, nil
}

// -- Read models --

// WaitEstimate is the displayable wait for one patient. Minutes is nil when
// no estimate is available for the patient's status.
type WaitEstimate struct {
	PatientID uuid.UUID `json:"patient_id"`
	Status    Status    `json:"status"`
	Minutes   *int      `json:"estimated_wait_minutes"`
	Available bool      `json:"available"`
}

// WaitTime returns the current estimate for id.
func (s *Service) WaitTime(ctx context.Context, id uuid.UUID) (*WaitEstimate, error) {
	p, err := s.GetPatient(ctx, id)
	if err != nil {
		return nil, err
	}
	est := &WaitEstimate{PatientID: p.ID, Status: p.Status()}
	switch p.Stage {
	case StageQueueing, StageReadyToBeSeen, StageWithDoctor:
		if p.EstimatedWaitTime != nil {
			est.Minutes = cloneInt(p.EstimatedWaitTime)
			est.Available = true
		}
	}
	return est, nil
}

// QueueGroup is the set of queueing patients sharing condition and severity.
type QueueGroup struct {
	Condition string     `json:"condition"`
	Severity  Severity   `json:"severity"`
	Patients  []*Patient `json:"patients"`
}

// Waitlist returns queueing patients grouped by condition and severity.
// Groups are ordered by condition then severity, members by queue number.
func (s *Service) Waitlist(ctx context.Context) ([]QueueGroup, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	queued, err := s.repo.ListByStage(ctx, StageQueueing)
	if err != nil {
		return nil, err
	}
	sortPatients(queued)

	groups := []QueueGroup{}
	for _, p := range queued {
		n := len(groups)
		if n == 0 || groups[n-1].Condition != p.ConditionName() || groups[n-1].Severity != p.Severity {
			groups = append(groups, QueueGroup{Condition: p.ConditionName(), Severity: p.Severity})
			n++
		}
		groups[n-1].Patients = append(groups[n-1].Patients, p)
	}
	return groups, nil
}

// DoctorQueue returns patients that are ready for or with a doctor, most
// urgent first and then by queue number.
func (s *Service) DoctorQueue(ctx context.Context) ([]*Patient, error) {
	ctx, cancel := s.storeCtx(ctx)
	defer cancel()

	var items []*Patient
	for _, stage := range []Stage{StageReadyToBeSeen, StageWithDoctor} {
		ps, err := s.repo.ListByStage(ctx, stage)
		if err != nil {
			return nil, err
		}
		items = append(items, ps...)
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Severity != b.Severity {
			return a.Severity < b.Severity
		}
		if queueNumberOf(a) != queueNumberOf(b) {
			return queueNumberOf(a) < queueNumberOf(b)
		}
		return a.ConditionName() < b.ConditionName()
	})
	return items, nil
}
