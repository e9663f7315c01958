package patientflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDecay(t *testing.T) {
	triage := t0
	p := &Patient{TriageTime: &triage, InitialWaitTime: intPtr(60)}

	cases := []struct {
		at        time.Duration
		remaining int
		ready     bool
	}{
		{0, 60, false},
		{30 * time.Second, 59, false},
		{15 * time.Minute, 45, false},
		{59*time.Minute + 59*time.Second, 0, false},
		{60 * time.Minute, 0, true},
		{3 * time.Hour, 0, true},
		{-5 * time.Minute, 60, false},
	}
	for _, tc := range cases {
		remaining, ready, ok := Decay(p, t0.Add(tc.at))
		if !ok {
			t.Fatalf("Decay at %v: not ok", tc.at)
		}
		if remaining != tc.remaining || ready != tc.ready {
			t.Errorf("Decay at %v = (%d, %v), want (%d, %v)", tc.at, remaining, ready, tc.remaining, tc.ready)
		}
	}
}

func TestDecay_MissingFields(t *testing.T) {
	if _, _, ok := Decay(&Patient{InitialWaitTime: intPtr(10)}, t0); ok {
		t.Error("expected not ok without triage time")
	}
	triage := t0
	if _, _, ok := Decay(&Patient{TriageTime: &triage}, t0); ok {
		t.Error("expected not ok without baseline")
	}
}

func TestEngine_OrangePromotedAfterBaseline(t *testing.T) {
	f := newFixture()
	a := f.triaged(t, "A", "cardiology", SeverityOrange)
	if *a.EstimatedWaitTime != 10 {
		t.Fatalf("expected orange baseline 10, got %d", *a.EstimatedWaitTime)
	}

	f.clock.Advance(12 * time.Minute)
	res := f.tick(t)

	got := f.get(t, a.ID)
	if *got.EstimatedWaitTime != 0 {
		t.Errorf("expected estimate 0, got %d", *got.EstimatedWaitTime)
	}
	if got.Stage != StageReadyToBeSeen {
		t.Errorf("expected ready_to_be_seen, got %s", got.Stage)
	}
	if len(res.Promoted) != 1 || res.Promoted[0] != a.ID {
		t.Errorf("expected A promoted, got %v", res.Promoted)
	}
	if len(f.pub.ofType(EventReady)) != 1 {
		t.Errorf("expected one ready event, got %d", len(f.pub.ofType(EventReady)))
	}
}

func TestEngine_DecaysWithoutPromoting(t *testing.T) {
	f := newFixture()
	p := f.triaged(t, "Y", "orthopedics", SeverityYellow)

	f.clock.Advance(25*time.Minute + 30*time.Second)
	f.tick(t)

	got := f.get(t, p.ID)
	if *got.EstimatedWaitTime != 34 {
		t.Errorf("expected 34 minutes remaining, got %d", *got.EstimatedWaitTime)
	}
	if got.Stage != StageQueueing {
		t.Errorf("expected still queueing, got %s", got.Stage)
	}
	if !got.TriageTime.Equal(*p.TriageTime) {
		t.Error("tick must not move triage time")
	}
	if *got.InitialWaitTime != 60 || *got.BaseWaitTime != 60 {
		t.Errorf("tick must not move baselines: initial=%d base=%d", *got.InitialWaitTime, *got.BaseWaitTime)
	}
}

func TestEngine_TickIsIdempotent(t *testing.T) {
	f := newFixture()
	p := f.triaged(t, "G", "cardiology", SeverityGreen)
	f.clock.Advance(7 * time.Minute)

	first := f.tick(t)
	before := f.get(t, p.ID)
	second := f.tick(t)
	after := f.get(t, p.ID)

	if first.Updated != 1 {
		t.Errorf("expected first pass to update 1, got %d", first.Updated)
	}
	if second.Updated != 0 {
		t.Errorf("expected second pass at the same instant to update nothing, got %d", second.Updated)
	}
	if *before.EstimatedWaitTime != *after.EstimatedWaitTime || before.Stage != after.Stage {
		t.Error("second pass changed the record")
	}
}

func TestEngine_EstimateNeverIncreases(t *testing.T) {
	f := newFixture()
	p := f.triaged(t, "B", "cardiology", SeverityBlue)

	last := *p.EstimatedWaitTime
	for i := 0; i < 30; i++ {
		f.clock.Advance(11 * time.Minute)
		f.tick(t)
		got := f.get(t, p.ID)
		if got.EstimatedWaitTime == nil || *got.EstimatedWaitTime < 0 {
			t.Fatalf("estimate went negative or missing: %v", got.EstimatedWaitTime)
		}
		if *got.EstimatedWaitTime > last {
			t.Fatalf("estimate increased from %d to %d", last, *got.EstimatedWaitTime)
		}
		last = *got.EstimatedWaitTime
	}
	if last != 0 || f.get(t, p.ID).Stage != StageReadyToBeSeen {
		t.Errorf("expected blue patient ready after 330 minutes, est=%d", last)
	}
}

func TestEngine_RedReadyOnFirstTick(t *testing.T) {
	f := newFixture()
	p := f.triaged(t, "R", "trauma", SeverityRed)
	f.tick(t)
	if got := f.get(t, p.ID); got.Stage != StageReadyToBeSeen {
		t.Errorf("expected red patient ready immediately, got %s", got.Stage)
	}
}

func TestEngine_IgnoresOtherStages(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ready := f.triaged(t, "ready", "cardiology", SeverityRed)
	f.tick(t)
	if _, err := f.svc.Accept(ctx, ready.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	atDoctor := f.get(t, ready.ID)

	waiting := &Patient{FullName: "untriaged"}
	f.svc.CreatePatient(ctx, waiting)

	f.clock.Advance(2 * time.Hour)
	res := f.tick(t)
	if res.Scanned != 0 {
		t.Errorf("expected no queueing patients scanned, got %d", res.Scanned)
	}

	got := f.get(t, ready.ID)
	if got.Stage != StageWithDoctor || *got.EstimatedWaitTime != *atDoctor.EstimatedWaitTime {
		t.Error("with_doctor record must be frozen")
	}
	if f.get(t, waiting.ID).EstimatedWaitTime != nil {
		t.Error("untriaged patient must not receive an estimate")
	}
}

type failingTxRepo struct {
	Repository
	calls atomic.Int32
}

func (r *failingTxRepo) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	r.calls.Add(1)
	return ErrTransient
}

func TestEngine_TickPropagatesStoreError(t *testing.T) {
	repo := &failingTxRepo{Repository: NewMemoryRepo()}
	eng := NewEngine(repo, nil, zerolog.Nop())
	if _, err := eng.Tick(context.Background()); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}

func TestEngine_StartKeepsRunningAfterFailure(t *testing.T) {
	repo := &failingTxRepo{Repository: NewMemoryRepo()}
	eng := NewEngine(repo, nil, zerolog.Nop())
	eng.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		eng.Start(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for repo.calls.Load() < 3 {
		select {
		case <-deadline:
			cancel()
			t.Fatalf("expected repeated passes, got %d", repo.calls.Load())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestEngine_PublishFailureDoesNotFailTick(t *testing.T) {
	f := newFixture()
	p := f.triaged(t, "A", "cardiology", SeverityRed)
	f.pub.err = errors.New("broker down")

	if _, err := f.eng.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if f.get(t, p.ID).Stage != StageReadyToBeSeen {
		t.Error("promotion must commit even when publishing fails")
	}
}
