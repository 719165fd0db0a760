package recovery

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"agentstation/internal/behavior"
	"agentstation/internal/domain"
	"agentstation/internal/policy"
	"agentstation/internal/session"
)

type memJournal struct {
	events []domain.ErrorEvent
}

func (j *memJournal) RecordErrorEvent(ctx context.Context, ev domain.ErrorEvent) error {
	j.events = append(j.events, ev)
	return nil
}

func newTestManager(t *testing.T, fake *session.Fake, maxRetries, threshold int) (*Manager, *session.Arena, *memJournal) {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	arena := session.NewArena(fake, fake, 5*time.Minute, logger)
	journal := &memJournal{}
	mgr := New(arena, fake, policy.New(arena, threshold), journal, Config{
		MaxL2Retries: maxRetries,
	}, logger)
	mgr.SetSleeper(func(ctx context.Context, d time.Duration) error { return nil })
	return mgr, arena, journal
}

func TestExchangeFirstTry(t *testing.T) {
	fake := session.NewFake()
	fake.Script(domain.RoleCoder, session.FakeReply{Body: "patch ready"})
	mgr, arena, _ := newTestManager(t, fake, 3, 3)

	res, err := mgr.Exchange(context.Background(), "cycle-1", domain.RoleCoder, "implement it")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if res.Reply != "patch ready" {
		t.Fatalf("reply = %q", res.Reply)
	}
	if res.L2Attempts != 1 || res.Reset {
		t.Fatalf("unexpected result %+v", res)
	}
	if n := arena.ErrorCount(domain.RoleCoder); n != 0 {
		t.Fatalf("error count %d, want 0", n)
	}
}

func TestExchangeRetriesThenSucceeds(t *testing.T) {
	fake := session.NewFake()
	fake.Script(domain.RoleCoder,
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Body: "done"},
	)
	mgr, arena, _ := newTestManager(t, fake, 4, 5)

	res, err := mgr.Exchange(context.Background(), "cycle-1", domain.RoleCoder, "try again")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if res.L2Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", res.L2Attempts)
	}
	if res.Reset {
		t.Fatal("transient failures under threshold must not reset the session")
	}
	if n := arena.ErrorCount(domain.RoleCoder); n != 2 {
		t.Fatalf("error count %d, want 2", n)
	}
}

func TestExchangeComposesFreshInputPerAttempt(t *testing.T) {
	fake := session.NewFake()
	fake.Script(domain.RoleQA,
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Body: "ok"},
	)
	mgr, arena, _ := newTestManager(t, fake, 3, 5)

	if _, err := mgr.Exchange(context.Background(), "cycle-1", domain.RoleQA, "review"); err != nil {
		t.Fatalf("exchange: %v", err)
	}
	h, _ := arena.Lookup(domain.RoleQA)
	if n := fake.SentCount(h); n != 2 {
		t.Fatalf("sends = %d, want one per attempt", n)
	}
}

func TestThresholdTripsIdentityReset(t *testing.T) {
	fake := session.NewFake()
	fake.Script(domain.RolePlanner,
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Body: "recovered plan"},
	)
	mgr, arena, journal := newTestManager(t, fake, 5, 3)

	old, err := arena.Ensure(context.Background(), domain.RolePlanner)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}

	res, err := mgr.Exchange(context.Background(), "cycle-1", domain.RolePlanner, "plan it")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !res.Reset {
		t.Fatal("expected an identity reset")
	}
	if res.Reply != "recovered plan" {
		t.Fatalf("reply = %q", res.Reply)
	}

	fresh, _ := arena.Lookup(domain.RolePlanner)
	if fresh == old {
		t.Fatal("handle not swapped by reset")
	}
	if !fake.Destroyed(old) {
		t.Fatal("old session not destroyed")
	}
	if n := arena.ErrorCount(domain.RolePlanner); n != 0 {
		t.Fatalf("error count %d after reset, want 0", n)
	}
	if n := fake.StealthApplications(fresh); n != 1 {
		t.Fatal("fresh session not masked")
	}

	var sawL4 bool
	for _, ev := range journal.events {
		if ev.CycleID != "cycle-1" {
			t.Fatalf("event journaled against cycle %q, want cycle-1", ev.CycleID)
		}
		if ev.Tier == domain.TierL4 {
			sawL4 = true
		}
	}
	if !sawL4 {
		t.Fatal("no L4 error event journaled")
	}
}

func TestExchangeDeliversThroughSubmit(t *testing.T) {
	fake := session.NewFake()
	fake.Script(domain.RoleCoder, session.FakeReply{Body: "ack"})
	mgr, arena, _ := newTestManager(t, fake, 3, 3)

	if _, err := mgr.Exchange(context.Background(), "cycle-1", domain.RoleCoder, "implement it"); err != nil {
		t.Fatalf("exchange: %v", err)
	}

	h, _ := arena.Lookup(domain.RoleCoder)
	var submitted bool
	for _, p := range fake.LastSent(h) {
		if p.Kind == behavior.PrimitiveSubmit {
			submitted = true
		}
	}
	if !submitted {
		t.Fatal("delivered input carries no submit step")
	}
}

func TestRetryExhaustionEscalates(t *testing.T) {
	fake := session.NewFake()
	fake.Script(domain.RoleCoder,
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Body: "after reset"},
	)
	mgr, _, _ := newTestManager(t, fake, 2, 10)

	res, err := mgr.Exchange(context.Background(), "cycle-1", domain.RoleCoder, "go")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if !res.Reset {
		t.Fatal("exhausted retries must escalate to a reset")
	}
}

func TestResetFailureIsTerminal(t *testing.T) {
	fake := session.NewFake()
	fake.Script(domain.RoleCoder,
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Err: session.ErrNoReply},
	)
	mgr, arena, _ := newTestManager(t, fake, 2, 10)

	if _, err := arena.Ensure(context.Background(), domain.RoleCoder); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	fake.CreateErr = errors.New("browser gone")

	_, err := mgr.Exchange(context.Background(), "cycle-1", domain.RoleCoder, "go")
	if !errors.Is(err, ErrL4RecoveryFailed) {
		t.Fatalf("err = %v, want ErrL4RecoveryFailed", err)
	}
}

func TestExchangeHonorsCancellation(t *testing.T) {
	fake := session.NewFake()
	fake.Script(domain.RoleCoder, session.FakeReply{Err: session.ErrNoReply})
	mgr, _, _ := newTestManager(t, fake, 3, 10)
	mgr.SetSleeper(func(ctx context.Context, d time.Duration) error { return ctx.Err() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := mgr.Exchange(ctx, "cycle-1", domain.RoleCoder, "go"); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
