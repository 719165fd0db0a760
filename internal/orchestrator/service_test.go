package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agentstation/internal/behavior"
	"agentstation/internal/domain"
	"agentstation/internal/messaging/inproc"
	"agentstation/internal/plan"
	"agentstation/internal/policy"
	"agentstation/internal/recovery"
	"agentstation/internal/session"
	"agentstation/internal/store/sqlite"
)

type harness struct {
	svc   *Service
	store *sqlite.Store
	fake  *session.Fake
	arena *session.Arena
	tail  <-chan domain.Signal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := log.New(io.Discard, "", 0)

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	fake := session.NewFake()
	arena := session.NewArena(fake, fake, 5*time.Minute, logger)
	mgr := recovery.New(arena, fake, policy.New(arena, 3), store, recovery.Config{MaxL2Retries: 3}, logger)
	mgr.SetSleeper(func(ctx context.Context, d time.Duration) error { return nil })

	bus := inproc.New(256)
	svc := New(store, bus, mgr, nil, Config{MaxTaskRejections: 3}, logger)
	return &harness{
		svc:   svc,
		store: store,
		fake:  fake,
		arena: arena,
		tail:  bus.Subscribe("test-tail"),
	}
}

func (h *harness) drainSignals() []domain.Signal {
	var sigs []domain.Signal
	for {
		select {
		case sig := <-h.tail:
			sigs = append(sigs, sig)
		default:
			return sigs
		}
	}
}

func (h *harness) drainKinds(t *testing.T) []domain.SignalKind {
	t.Helper()
	var kinds []domain.SignalKind
	for _, sig := range h.drainSignals() {
		kinds = append(kinds, sig.Kind)
	}
	return kinds
}

func TestDevCycleHappyPath(t *testing.T) {
	h := newHarness(t)
	h.fake.Script(domain.RolePlanner, session.FakeReply{Body: "1. build the parser\n2. wire the cli\n3. add docs"})
	h.fake.Script(domain.RoleCoder,
		session.FakeReply{Body: "patch one"},
		session.FakeReply{Body: "patch two"},
		session.FakeReply{Body: "patch three"},
	)
	h.fake.Script(domain.RoleQA,
		session.FakeReply{Body: "PATCH_ACCEPT"},
		session.FakeReply{Body: "looks good, PATCH_ACCEPT"},
		session.FakeReply{Body: "PATCH_ACCEPT"},
	)

	cycle, err := h.svc.RunDevCycle(context.Background(), "ship the widget")
	if err != nil {
		t.Fatalf("run dev cycle: %v", err)
	}
	if cycle.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", cycle.State)
	}

	kinds := h.drainKinds(t)
	want := []domain.SignalKind{
		domain.SignalPlanCreated,
		domain.SignalTaskDispatched, domain.SignalPatchAccept,
		domain.SignalTaskDispatched, domain.SignalPatchAccept,
		domain.SignalTaskDispatched, domain.SignalPatchAccept,
		domain.SignalTaskCompleted,
	}
	if len(kinds) != len(want) {
		t.Fatalf("signals = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("signal %d = %s, want %s (all: %v)", i, kinds[i], want[i], kinds)
		}
	}

	// the journal replays in the same order
	stored, err := h.store.ListSignals(context.Background(), cycle.ID)
	if err != nil {
		t.Fatalf("list signals: %v", err)
	}
	for i, sig := range stored {
		if sig.Kind != want[i] {
			t.Fatalf("journaled signal %d = %s, want %s", i, sig.Kind, want[i])
		}
	}
}

func TestDevCycleRejectionRequeuesWithFeedback(t *testing.T) {
	h := newHarness(t)
	h.fake.Script(domain.RolePlanner, session.FakeReply{Body: "- only task"})
	h.fake.Script(domain.RoleCoder,
		session.FakeReply{Body: "first try"},
		session.FakeReply{Body: "second try"},
	)
	h.fake.Script(domain.RoleQA,
		session.FakeReply{Body: "PATCH_REJECT: missing error handling"},
		session.FakeReply{Body: "PATCH_ACCEPT"},
	)

	cycle, err := h.svc.RunDevCycle(context.Background(), "harden the loader")
	if err != nil {
		t.Fatalf("run dev cycle: %v", err)
	}
	if cycle.State != domain.StateCompleted {
		t.Fatalf("state = %s, want completed", cycle.State)
	}

	tasks, err := h.store.ListTasks(context.Background(), cycle.ID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	if tasks[0].AttemptCount != 1 {
		t.Fatalf("attempts = %d, want 1", tasks[0].AttemptCount)
	}
	if tasks[0].Status != domain.TaskStatusAccepted {
		t.Fatalf("status = %s, want accepted", tasks[0].Status)
	}

	// the coder's second prompt carried the reviewer's feedback
	h2, _ := h.arena.Lookup(domain.RoleCoder)
	prims := h.fake.LastSent(h2)
	if !typedTextContains(prims, "missing error handling") {
		t.Fatal("retry prompt did not carry the rejection feedback")
	}
}

func TestDevCycleRejectionCapAborts(t *testing.T) {
	h := newHarness(t)
	h.fake.Script(domain.RolePlanner, session.FakeReply{Body: "stubborn task"})
	h.fake.Script(domain.RoleCoder,
		session.FakeReply{Body: "a"}, session.FakeReply{Body: "b"}, session.FakeReply{Body: "c"},
	)
	h.fake.Script(domain.RoleQA,
		session.FakeReply{Body: "PATCH_REJECT: no"},
		session.FakeReply{Body: "PATCH_REJECT: still no"},
		session.FakeReply{Body: "PATCH_REJECT: give up"},
	)

	cycle, err := h.svc.RunDevCycle(context.Background(), "do the impossible")
	if err == nil {
		t.Fatal("expected the cycle to abort")
	}
	if !errors.Is(err, plan.ErrTaskRejectedTooManyTimes) {
		t.Fatalf("err = %v, want ErrTaskRejectedTooManyTimes", err)
	}
	if cycle.State != domain.StateAborted {
		t.Fatalf("state = %s, want aborted", cycle.State)
	}

	tasks, _ := h.store.ListTasks(context.Background(), cycle.ID)
	if len(tasks) != 1 || tasks[0].Status != domain.TaskStatusBlocked {
		t.Fatalf("unexpected tasks %+v", tasks)
	}

	kinds := h.drainKinds(t)
	if kinds[len(kinds)-1] != domain.SignalError {
		t.Fatalf("last signal = %s, want ERROR", kinds[len(kinds)-1])
	}
}

func TestDevCycleSurvivesTransientTimeouts(t *testing.T) {
	h := newHarness(t)
	h.fake.Script(domain.RolePlanner, session.FakeReply{Body: "one task"})
	h.fake.Script(domain.RoleCoder,
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Body: "patch"},
	)
	h.fake.Script(domain.RoleQA, session.FakeReply{Body: "PATCH_ACCEPT"})

	cycle, err := h.svc.RunDevCycle(context.Background(), "small fix")
	if err != nil {
		t.Fatalf("run dev cycle: %v", err)
	}
	if cycle.State != domain.StateCompleted {
		t.Fatalf("state = %s", cycle.State)
	}
	if h.arena.Resets(domain.RoleCoder) != 0 {
		t.Fatal("a single timeout must not reset the session")
	}
	if n := h.arena.ErrorCount(domain.RoleCoder); n != 1 {
		t.Fatalf("error count = %d, want 1", n)
	}
}

func TestDevCycleRecoversThroughIdentityReset(t *testing.T) {
	h := newHarness(t)
	h.fake.Script(domain.RolePlanner, session.FakeReply{Body: "one task"})
	h.fake.Script(domain.RoleCoder,
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Body: "patch after reset"},
	)
	h.fake.Script(domain.RoleQA, session.FakeReply{Body: "PATCH_ACCEPT"})

	cycle, err := h.svc.RunDevCycle(context.Background(), "haunted fix")
	if err != nil {
		t.Fatalf("run dev cycle: %v", err)
	}
	if cycle.State != domain.StateCompleted {
		t.Fatalf("state = %s", cycle.State)
	}
	if h.arena.Resets(domain.RoleCoder) != 1 {
		t.Fatalf("resets = %d, want 1", h.arena.Resets(domain.RoleCoder))
	}
	if n := h.arena.ErrorCount(domain.RoleCoder); n != 0 {
		t.Fatalf("error count = %d after reset, want 0", n)
	}

	tasks, _ := h.store.ListTasks(context.Background(), cycle.ID)
	if tasks[0].AttemptCount != 1 {
		t.Fatalf("reset must charge one attempt, got %d", tasks[0].AttemptCount)
	}

	events, err := h.store.ListErrorEvents(context.Background(), cycle.ID)
	if err != nil {
		t.Fatalf("list error events: %v", err)
	}
	var sawL4 bool
	for _, ev := range events {
		if ev.CycleID != cycle.ID {
			t.Fatalf("event attributed to cycle %q, want %q", ev.CycleID, cycle.ID)
		}
		if ev.Tier == domain.TierL4 {
			sawL4 = true
		}
	}
	if !sawL4 {
		t.Fatal("no L4 event journaled")
	}
}

func TestDevCycleQAResetChargesAttempt(t *testing.T) {
	h := newHarness(t)
	h.fake.Script(domain.RolePlanner, session.FakeReply{Body: "one task"})
	h.fake.Script(domain.RoleCoder, session.FakeReply{Body: "patch"})
	h.fake.Script(domain.RoleQA,
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Err: session.ErrNoReply},
		session.FakeReply{Body: "PATCH_ACCEPT"},
	)

	cycle, err := h.svc.RunDevCycle(context.Background(), "flaky reviewer")
	if err != nil {
		t.Fatalf("run dev cycle: %v", err)
	}
	if cycle.State != domain.StateCompleted {
		t.Fatalf("state = %s", cycle.State)
	}
	if h.arena.Resets(domain.RoleQA) != 1 {
		t.Fatalf("resets = %d, want 1", h.arena.Resets(domain.RoleQA))
	}

	tasks, _ := h.store.ListTasks(context.Background(), cycle.ID)
	if tasks[0].AttemptCount != 1 {
		t.Fatalf("reviewer reset must charge one attempt, got %d", tasks[0].AttemptCount)
	}
}

func TestDevCycleAbortsWhenResetFails(t *testing.T) {
	h := newHarness(t)
	h.fake.Script(domain.RolePlanner, session.FakeReply{Body: "one task"})
	// the coder never answers and the replacement browser cannot start
	for _, role := range []domain.Role{domain.RolePlanner, domain.RoleCoder} {
		if _, err := h.arena.Ensure(context.Background(), role); err != nil {
			t.Fatalf("ensure %s: %v", role, err)
		}
	}
	h.fake.CreateErr = errors.New("browser refuses to launch")

	cycle, err := h.svc.RunDevCycle(context.Background(), "doomed")
	if !errors.Is(err, recovery.ErrL4RecoveryFailed) {
		t.Fatalf("err = %v, want ErrL4RecoveryFailed", err)
	}
	if cycle.State != domain.StateAborted {
		t.Fatalf("state = %s, want aborted", cycle.State)
	}

	tasks, _ := h.store.ListTasks(context.Background(), cycle.ID)
	if len(tasks) != 1 || tasks[0].Status != domain.TaskStatusBlocked {
		t.Fatalf("in-flight task not blocked: %+v", tasks)
	}

	var errSig *domain.Signal
	for _, sig := range h.drainSignals() {
		if sig.Kind == domain.SignalError {
			errSig = &sig
			break
		}
	}
	if errSig == nil {
		t.Fatal("no ERROR signal published")
	}
	var payload domain.ErrorPayload
	if err := json.Unmarshal(errSig.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Tier != domain.TierL4 {
		t.Fatalf("tier = %s, want L4", payload.Tier)
	}
}

func TestDevCycleEmptyPlanAborts(t *testing.T) {
	h := newHarness(t)
	h.fake.Script(domain.RolePlanner, session.FakeReply{Body: "   \n  "})

	cycle, err := h.svc.RunDevCycle(context.Background(), "vague goal")
	if !errors.Is(err, plan.ErrInvalidPlan) {
		t.Fatalf("err = %v, want ErrInvalidPlan", err)
	}
	if cycle.State != domain.StateAborted {
		t.Fatalf("state = %s, want aborted", cycle.State)
	}
}

// typedTextContains replays type primitives, honoring backspace corrections,
// and reports whether the resulting text contains needle.
func typedTextContains(prims []behavior.Primitive, needle string) bool {
	var typed []rune
	for _, p := range prims {
		if p.Kind != behavior.PrimitiveType {
			continue
		}
		for _, r := range p.Text {
			if r == '\b' {
				if len(typed) > 0 {
					typed = typed[:len(typed)-1]
				}
			} else {
				typed = append(typed, r)
			}
		}
	}
	return strings.Contains(string(typed), needle)
}
