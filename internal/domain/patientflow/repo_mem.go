package patientflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memTxKey struct{}

// memoryRepo is a mutex-guarded Repository. WithinTx holds the lock for the
// whole callback and restores a snapshot if the callback fails.
type memoryRepo struct {
	mu         sync.Mutex
	patients   map[uuid.UUID]*Patient
	counters   map[string]int
	discharged map[uuid.UUID]time.Time
}

// NewMemoryRepo returns an empty in-process Repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		patients:   make(map[uuid.UUID]*Patient),
		counters:   make(map[string]int),
		discharged: make(map[uuid.UUID]time.Time),
	}
}

// lock acquires the store mutex unless ctx already belongs to a WithinTx
// callback on this store.
func (r *memoryRepo) lock(ctx context.Context) func() {
	if owner, _ := ctx.Value(memTxKey{}).(*memoryRepo); owner == r {
		return func() {}
	}
	r.mu.Lock()
	return r.mu.Unlock
}

func (r *memoryRepo) Create(ctx context.Context, p *Patient) error {
	defer r.lock(ctx)()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if _, ok := r.patients[p.ID]; ok {
		return fmt.Errorf("%w: duplicate patient id %s", ErrValidation, p.ID)
	}
	stampCreate(p)
	r.patients[p.ID] = p.Clone()
	return nil
}

func (r *memoryRepo) GetByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	defer r.lock(ctx)()
	p, ok := r.patients[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (r *memoryRepo) ListByStage(ctx context.Context, stage Stage) ([]*Patient, error) {
	defer r.lock(ctx)()
	var items []*Patient
	for _, p := range r.patients {
		if p.Stage == stage {
			items = append(items, p.Clone())
		}
	}
	sortPatients(items)
	return items, nil
}

func (r *memoryRepo) ListByConditionSeverity(ctx context.Context, condition string, sev Severity, stage Stage) ([]*Patient, error) {
	defer r.lock(ctx)()
	var items []*Patient
	for _, p := range r.patients {
		if p.ConditionName() == condition && p.Severity == sev && p.Stage == stage {
			items = append(items, p.Clone())
		}
	}
	sortPatients(items)
	return items, nil
}

func (r *memoryRepo) Update(ctx context.Context, p *Patient) error {
	defer r.lock(ctx)()
	if _, ok := r.patients[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, p.ID)
	}
	stampUpdate(p)
	r.patients[p.ID] = p.Clone()
	return nil
}

func (r *memoryRepo) Delete(ctx context.Context, id uuid.UUID) error {
	defer r.lock(ctx)()
	if _, ok := r.patients[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.patients, id)
	return nil
}

func (r *memoryRepo) NextQueueNumber(ctx context.Context, condition string) (int, error) {
	defer r.lock(ctx)()
	r.counters[condition]++
	return r.counters[condition], nil
}

func (r *memoryRepo) MarkDischarged(ctx context.Context, id uuid.UUID, at time.Time) error {
	defer r.lock(ctx)()
	if _, ok := r.discharged[id]; !ok {
		r.discharged[id] = at
	}
	return nil
}

func (r *memoryRepo) IsDischarged(ctx context.Context, id uuid.UUID) (bool, error) {
	defer r.lock(ctx)()
	_, ok := r.discharged[id]
	return ok, nil
}

func (r *memoryRepo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if owner, _ := ctx.Value(memTxKey{}).(*memoryRepo); owner == r {
		return fn(ctx)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, r)); err != nil {
		r.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	patients   map[uuid.UUID]*Patient
	counters   map[string]int
	discharged map[uuid.UUID]time.Time
}

func (r *memoryRepo) snapshot() memorySnapshot {
	s := memorySnapshot{
		patients:   make(map[uuid.UUID]*Patient, len(r.patients)),
		counters:   make(map[string]int, len(r.counters)),
		discharged: make(map[uuid.UUID]time.Time, len(r.discharged)),
	}
	for id, p := range r.patients {
		s.patients[id] = p.Clone()
	}
	for k, v := range r.counters {
		s.counters[k] = v
	}
	for k, v := range r.discharged {
		s.discharged[k] = v
	}
	return s
}

func (r *memoryRepo) restore(s memorySnapshot) {
	r.patients = s.patients
	r.counters = s.counters
	r.discharged = s.discharged
}

// sortPatients orders by condition, severity, then queue number, matching the
// Postgres repository's ORDER BY.
func sortPatients(items []*Patient) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.ConditionName() != b.ConditionName() {
			return a.ConditionName() < b.ConditionName()
		}
		if a.Severity != b.Severity {
			return a.Severity < b.Severity
		}
		return queueNumberOf(a) < queueNumberOf(b)
	})
}

func queueNumberOf(p *Patient) int {
	if p.QueueNumber == nil {
		return 0
	}
	return *p.QueueNumber
}
