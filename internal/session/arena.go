package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"agentstation/internal/domain"
)

// Slot is the durable identity of one role's session. The browser handle
// behind it may be swapped by recovery; the slot itself lives as long as the
// arena does.
type Slot struct {
	Role      domain.Role
	Handle    Handle
	CreatedAt time.Time
	Resets    int

	errTimes []time.Time
}

// Arena keeps at most one session per role and tracks each session's error
// history inside a rolling window.
type Arena struct {
	provider Provider
	stealth  Stealther
	window   time.Duration
	logger   *log.Logger
	now      func() time.Time

	mu    sync.Mutex
	slots map[domain.Role]*Slot
}

func NewArena(provider Provider, st Stealther, window time.Duration, logger *log.Logger) *Arena {
	if window <= 0 {
		window = 5 * time.Minute
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Arena{
		provider: provider,
		stealth:  st,
		window:   window,
		logger:   logger,
		now:      time.Now,
		slots:    make(map[domain.Role]*Slot),
	}
}

// SetClock replaces the arena's time source. Tests use it to move the rolling
// window without sleeping.
func (a *Arena) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// Ensure returns the role's live handle, creating and masking a session on
// first use.
func (a *Arena) Ensure(ctx context.Context, role domain.Role) (Handle, error) {
	a.mu.Lock()
	if slot, ok := a.slots[role]; ok {
		h := slot.Handle
		a.mu.Unlock()
		return h, nil
	}
	a.mu.Unlock()

	h, err := a.provider.Create(ctx, role)
	if err != nil {
		return "", fmt.Errorf("create session for %s: %w", role, err)
	}
	if a.stealth != nil {
		if err := a.stealth.ApplyStealth(ctx, h); err != nil {
			a.logger.Printf("arena: stealth on %s: %v", role, err)
		}
	}

	a.mu.Lock()
	a.slots[role] = &Slot{Role: role, Handle: h, CreatedAt: a.now()}
	a.mu.Unlock()
	return h, nil
}

// Replace tears down the role's current session and builds a fresh one behind
// the same slot. The error counter starts over; the slot's creation time and
// role do not change.
func (a *Arena) Replace(ctx context.Context, role domain.Role) (Handle, error) {
	a.mu.Lock()
	slot, ok := a.slots[role]
	a.mu.Unlock()
	if !ok {
		return "", ErrNoSession
	}

	if err := a.provider.Destroy(ctx, slot.Handle); err != nil {
		a.logger.Printf("arena: destroy stale session for %s: %v", role, err)
	}
	h, err := a.provider.Create(ctx, role)
	if err != nil {
		return "", fmt.Errorf("recreate session for %s: %w", role, err)
	}
	if a.stealth != nil {
		if err := a.stealth.ApplyStealth(ctx, h); err != nil {
			a.logger.Printf("arena: stealth on fresh %s: %v", role, err)
		}
	}

	a.mu.Lock()
	slot.Handle = h
	slot.Resets++
	slot.errTimes = nil
	a.mu.Unlock()
	return h, nil
}

// RecordError notes one failure for the role and returns how many failures
// sit inside the rolling window, the fresh one included.
func (a *Arena) RecordError(role domain.Role) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.slots[role]
	if !ok {
		return 0
	}
	now := a.now()
	slot.errTimes = append(slot.errTimes, now)
	slot.errTimes = pruneBefore(slot.errTimes, now.Add(-a.window))
	return len(slot.errTimes)
}

// ErrorCount reports the failures currently inside the rolling window.
func (a *Arena) ErrorCount(role domain.Role) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.slots[role]
	if !ok {
		return 0
	}
	slot.errTimes = pruneBefore(slot.errTimes, a.now().Add(-a.window))
	return len(slot.errTimes)
}

// Lookup returns the role's handle without creating anything.
func (a *Arena) Lookup(role domain.Role) (Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, ok := a.slots[role]
	if !ok {
		return "", false
	}
	return slot.Handle, true
}

// Resets reports how many identity resets the role's slot has absorbed.
func (a *Arena) Resets(role domain.Role) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, ok := a.slots[role]
	if !ok {
		return 0
	}
	return slot.Resets
}

// Shutdown destroys every live session. Errors are logged, not returned; the
// process is exiting anyway.
func (a *Arena) Shutdown(ctx context.Context) {
	a.mu.Lock()
	slots := make([]*Slot, 0, len(a.slots))
	for _, s := range a.slots {
		slots = append(slots, s)
	}
	a.slots = make(map[domain.Role]*Slot)
	a.mu.Unlock()

	for _, s := range slots {
		if err := a.provider.Destroy(ctx, s.Handle); err != nil {
			a.logger.Printf("arena: shutdown %s: %v", s.Role, err)
		}
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(times) && times[i].Before(cutoff) {
		i++
	}
	return times[i:]
}
