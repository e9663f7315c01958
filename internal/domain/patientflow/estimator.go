package patientflow

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTickInterval is the estimation cadence used when none is configured.
const DefaultTickInterval = 60 * time.Second

// Decay computes the remaining wait for a queueing patient at now. It starts
// from the current baseline (InitialWaitTime) and the fixed triage instant.
// ready is true once the wait has fully elapsed. ok is false when the record
// lacks a triage time or baseline and cannot be estimated.
func Decay(p *Patient, now time.Time) (remaining int, ready bool, ok bool) {
	if p.TriageTime == nil || p.InitialWaitTime == nil {
		return 0, false, false
	}
	elapsed := now.Sub(*p.TriageTime).Minutes()
	if elapsed < 0 {
		elapsed = 0
	}
	left := float64(*p.InitialWaitTime) - elapsed
	if left <= 0 {
		return 0, true, true
	}
	return int(math.Floor(left)), false, true
}

// TickResult summarises one estimation pass.
type TickResult struct {
	Scanned  int         `json:"scanned"`
	Updated  int         `json:"updated"`
	Promoted []uuid.UUID `json:"promoted"`
}

// Engine periodically decays the estimate of every queueing patient and
// promotes those whose wait has expired to ready-to-be-seen.
type Engine struct {
	repo      Repository
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time

	// Interval is the time between passes.
	Interval time.Duration
	// StoreTimeout bounds a single pass against the store.
	StoreTimeout time.Duration
}

// NewEngine creates an engine with the default interval.
func NewEngine(repo Repository, publisher Publisher, logger zerolog.Logger) *Engine {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Engine{
		repo:         repo,
		publisher:    publisher,
		logger:       logger,
		now:          time.Now,
		Interval:     DefaultTickInterval,
		StoreTimeout: 10 * time.Second,
	}
}

// SetClock replaces the engine's time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Start runs a pass immediately and then once per Interval until ctx is
// cancelled. A failed pass is logged and retried on the next cycle.
func (e *Engine) Start(ctx context.Context) {
	e.runOnce(ctx)

	ticker := time.NewTicker(e.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runOnce(ctx)
		}
	}
}

func (e *Engine) runOnce(ctx context.Context) {
	res, err := e.Tick(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		e.logger.Error().Err(err).Msg("wait-time estimation pass failed")
		return
	}
	e.logger.Debug().
		Int("scanned", res.Scanned).
		Int("updated", res.Updated).
		Int("promoted", len(res.Promoted)).
		Msg("wait-time estimation pass")
}

// Tick performs one estimation pass as a single transaction. Running it twice
// at the same instant leaves the store unchanged the second time.
func (e *Engine) Tick(ctx context.Context) (*TickResult, error) {
	if e.StoreTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.StoreTimeout)
		defer cancel()
	}

	now := e.now()
	res := &TickResult{}
	var ready []*Patient

	err := e.repo.WithinTx(ctx, func(ctx context.Context) error {
		queued, err := e.repo.ListByStage(ctx, StageQueueing)
		if err != nil {
			return err
		}
		res.Scanned = len(queued)
		for _, p := range queued {
			remaining, promote, ok := Decay(p, now)
			if !ok {
				continue
			}
			if !promote && p.EstimatedWaitTime != nil && *p.EstimatedWaitTime == remaining {
				continue
			}
			p.EstimatedWaitTime = intPtr(remaining)
			if promote {
				p.Stage = StageReadyToBeSeen
			}
			p.UpdatedAt = now
			if err := e.repo.Update(ctx, p); err != nil {
				return err
			}
			res.Updated++
			if promote {
				res.Promoted = append(res.Promoted, p.ID)
				ready = append(ready, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, p := range ready {
		if err := e.publisher.Publish(ctx, eventFor(EventReady, p, now)); err != nil {
			e.logger.Warn().Err(err).Str("patient_id", p.ID.String()).Msg("publish ready event")
		}
	}
	return res, nil
}
