package patientflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingPublisher) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordingPublisher) ofType(typ EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type fixture struct {
	repo  Repository
	pub   *recordingPublisher
	clock *fakeClock
	svc   *Service
	eng   *Engine
}

func newFixture() *fixture {
	f := &fixture{
		repo:  NewMemoryRepo(),
		pub:   &recordingPublisher{},
		clock: newFakeClock(),
	}
	f.svc = NewService(f.repo, f.pub, zerolog.Nop())
	f.svc.SetClock(f.clock.Now)
	f.eng = NewEngine(f.repo, f.pub, zerolog.Nop())
	f.eng.SetClock(f.clock.Now)
	return f
}

// triaged walks a new patient through intake and triage at the current
// fake time.
func (f *fixture) triaged(t *testing.T, name, condition string, sev Severity) *Patient {
	t.Helper()
	ctx := context.Background()
	p := &Patient{FullName: name}
	if err := f.svc.CreatePatient(ctx, p); err != nil {
		t.Fatalf("CreatePatient: %v", err)
	}
	if _, err := f.svc.AssignCondition(ctx, p.ID, condition); err != nil {
		t.Fatalf("AssignCondition: %v", err)
	}
	if _, err := f.svc.AssignSeverity(ctx, p.ID, sev); err != nil {
		t.Fatalf("AssignSeverity: %v", err)
	}
	return f.get(t, p.ID)
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *Patient {
	t.Helper()
	p, err := f.repo.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID(%s): %v", id, err)
	}
	return p
}

// set overwrites fields of a stored record directly.
func (f *fixture) set(t *testing.T, id uuid.UUID, mutate func(p *Patient)) {
	t.Helper()
	p := f.get(t, id)
	mutate(p)
	if err := f.repo.Update(context.Background(), p); err != nil {
		t.Fatalf("Update: %v", err)
	}
}

func (f *fixture) tick(t *testing.T) *TickResult {
	t.Helper()
	res, err := f.eng.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	return res
}
