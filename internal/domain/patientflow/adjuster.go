package patientflow

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// PeerAdjustment records one peer whose baseline moved.
type PeerAdjustment struct {
	PatientID uuid.UUID `json:"patient_id"`
	Previous  int       `json:"previous_wait_minutes"`
	Adjusted  int       `json:"adjusted_wait_minutes"`
}

// Adjustment is the outcome of redistributing a discharged patient's
// scheduling error to peers with the same condition and severity.
type Adjustment struct {
	Condition string           `json:"condition"`
	Severity  Severity         `json:"severity"`
	Minutes   int              `json:"adjustment_minutes"`
	Affected  []PeerAdjustment `json:"affected"`
}

// AffectedIDs returns the ids of every adjusted peer.
func (a *Adjustment) AffectedIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(a.Affected))
	for _, pa := range a.Affected {
		ids = append(ids, pa.PatientID)
	}
	return ids
}

// AdjustmentMinutes is the signed difference between the time a doctor spent
// with p and the wait budgeted for p at triage. ok is false when p was never
// accepted or has no baseline.
func AdjustmentMinutes(p *Patient, now time.Time) (minutes int, ok bool) {
	if p.AcceptedTime == nil || p.BaseWaitTime == nil {
		return 0, false
	}
	elapsed := int(now.Sub(*p.AcceptedTime).Minutes())
	if elapsed < 0 {
		elapsed = 0
	}
	return elapsed - *p.BaseWaitTime, true
}

// AdjustBaseline shifts a baseline by adjustment, floored at zero.
func AdjustBaseline(initial, adjustment int) int {
	if v := initial + adjustment; v > 0 {
		return v
	}
	return 0
}

// Adjuster propagates discharge feedback onto queued peers.
type Adjuster struct {
	repo Repository
}

func NewAdjuster(repo Repository) *Adjuster {
	return &Adjuster{repo: repo}
}

// Apply shifts the baseline of every queueing peer of discharged. Peer
// triage times are left untouched so decay keeps counting from check-in.
// All peer writes happen in one transaction; when ctx already carries one
// (as during discharge) the writes join it.
func (a *Adjuster) Apply(ctx context.Context, discharged *Patient, now time.Time) (*Adjustment, error) {
	minutes, ok := AdjustmentMinutes(discharged, now)
	if !ok || discharged.Condition == nil || !discharged.Severity.Valid() {
		return nil, nil
	}

	adj := &Adjustment{
		Condition: *discharged.Condition,
		Severity:  discharged.Severity,
		Minutes:   minutes,
		Affected:  []PeerAdjustment{},
	}

	err := a.repo.WithinTx(ctx, func(ctx context.Context) error {
		peers, err := a.repo.ListByConditionSeverity(ctx, adj.Condition, adj.Severity, StageQueueing)
		if err != nil {
			return err
		}
		for _, peer := range peers {
			if peer.TriageTime == nil || peer.InitialWaitTime == nil {
				continue
			}
			prev := *peer.InitialWaitTime
			baseline := AdjustBaseline(prev, minutes)
			peer.InitialWaitTime = intPtr(baseline)
			peer.EstimatedWaitTime = intPtr(baseline)
			peer.UpdatedAt = now
			if err := a.repo.Update(ctx, peer); err != nil {
				return err
			}
			adj.Affected = append(adj.Affected, PeerAdjustment{
				PatientID: peer.ID,
				Previous:  prev,
				Adjusted:  baseline,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return adj, nil
}
