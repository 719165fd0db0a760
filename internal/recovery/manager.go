package recovery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"agentstation/internal/behavior"
	"agentstation/internal/domain"
	"agentstation/internal/session"
)

var (
	ErrL2DeliveryTimeout = errors.New("delivery not confirmed within retry budget")
	ErrL4FatalThreshold  = errors.New("session error threshold reached")
	ErrL4RecoveryFailed  = errors.New("session identity reset failed")
)

// Classifier decides whether a fresh failure stays transient or burns the
// session identity.
type Classifier interface {
	Classify(role domain.Role) domain.RecoveryTier
}

// Journal persists error events for later inspection. Recording is best
// effort; a journal failure never changes recovery behavior.
type Journal interface {
	RecordErrorEvent(ctx context.Context, ev domain.ErrorEvent) error
}

type Config struct {
	MaxL2Retries      int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	ReplyTimeout      time.Duration
	FrustrationMin    time.Duration
	FrustrationMax    time.Duration
	InputTarget       behavior.Point
	SendTarget        behavior.Point
	Behavior          behavior.Config
}

func (c Config) withDefaults() Config {
	if c.MaxL2Retries <= 0 {
		c.MaxL2Retries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = 2.0
	}
	if c.ReplyTimeout <= 0 {
		c.ReplyTimeout = 90 * time.Second
	}
	if c.FrustrationMin <= 0 {
		c.FrustrationMin = 2 * time.Second
	}
	if c.FrustrationMax <= c.FrustrationMin {
		c.FrustrationMax = c.FrustrationMin + 3*time.Second
	}
	if c.InputTarget == (behavior.Point{}) {
		c.InputTarget = behavior.Point{X: 640, Y: 680}
	}
	if c.SendTarget == (behavior.Point{}) {
		c.SendTarget = behavior.Point{X: 760, Y: 680}
	}
	return c
}

// Result describes how an exchange was completed.
type Result struct {
	Reply      string
	L2Attempts int
	Reset      bool
}

// Manager wraps every send-and-await exchange with tiered fault handling.
// Transient failures are retried with exponential backoff and freshly planned
// input each time. When retries run out or the session's rolling error count
// crosses the threshold, the session identity is rebuilt and the undelivered
// instruction re-issued.
type Manager struct {
	arena      *session.Arena
	provider   session.Provider
	classifier Classifier
	journal    Journal
	cfg        Config
	logger     *log.Logger

	sleep func(ctx context.Context, d time.Duration) error

	mu      sync.Mutex
	rng     *rand.Rand
	engines map[domain.Role]*behavior.Engine
}

func New(arena *session.Arena, provider session.Provider, classifier Classifier, journal Journal, cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		arena:      arena,
		provider:   provider,
		classifier: classifier,
		journal:    journal,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		sleep:      sleepCtx,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		engines:    make(map[domain.Role]*behavior.Engine),
	}
}

// SetSleeper replaces the backoff clock. Tests use it so retries do not wait
// wall time.
func (m *Manager) SetSleeper(sleep func(ctx context.Context, d time.Duration) error) {
	m.sleep = sleep
}

// Exchange sends text to the role's session and waits for a meaningful reply,
// absorbing transient failures and session resets along the way. The caller
// only ever sees a reply or a terminal error. Failures along the way are
// journaled against cycleID.
func (m *Manager) Exchange(ctx context.Context, cycleID string, role domain.Role, text string) (Result, error) {
	var res Result
	var lastErr error

	for attempt := 0; attempt < m.cfg.MaxL2Retries; attempt++ {
		if attempt > 0 {
			delay := m.backoff(attempt)
			m.logger.Printf("recovery: %s attempt %d after %v (%v)", role, attempt+1, delay, lastErr)
			if err := m.sleep(ctx, delay); err != nil {
				return res, err
			}
		}

		reply, err := m.attempt(ctx, role, text)
		res.L2Attempts = attempt + 1
		if err == nil {
			res.Reply = reply
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		lastErr = err

		count := m.arena.RecordError(role)
		m.record(ctx, cycleID, role, domain.TierL2, err)
		m.logger.Printf("recovery: %s delivery failed (%d in window): %v", role, count, err)

		if m.classifier.Classify(role) == domain.TierL4 {
			return m.recoverL4(ctx, cycleID, role, text, res, fmt.Errorf("%w: %v", ErrL4FatalThreshold, err))
		}
	}

	return m.recoverL4(ctx, cycleID, role, text, res, fmt.Errorf("%w: %v", ErrL2DeliveryTimeout, lastErr))
}

// attempt plans brand-new behavioral input and runs one full send-and-read
// round trip. Reused primitives would replay identical timing, so each retry
// composes from scratch.
func (m *Manager) attempt(ctx context.Context, role domain.Role, text string) (string, error) {
	h, err := m.arena.Ensure(ctx, role)
	if err != nil {
		return "", err
	}
	prims := m.engine(role).ComposeSend(m.cfg.InputTarget, m.cfg.SendTarget, text)
	if err := m.provider.SendInput(ctx, h, prims); err != nil {
		return "", err
	}
	return m.provider.ReadOutput(ctx, h, m.cfg.ReplyTimeout)
}

// recoverL4 rebuilds the role's session identity and re-issues the
// undelivered instruction. A failure here is terminal for the cycle.
func (m *Manager) recoverL4(ctx context.Context, cycleID string, role domain.Role, text string, res Result, cause error) (Result, error) {
	m.record(ctx, cycleID, role, domain.TierL4, cause)
	m.logger.Printf("recovery: %s escalating to identity reset: %v", role, cause)

	// a human walks away before tearing the session down
	if err := m.sleep(ctx, m.frustrationPause()); err != nil {
		return res, err
	}

	h, err := m.arena.Replace(ctx, role)
	if err != nil {
		return res, fmt.Errorf("%w: %v", ErrL4RecoveryFailed, err)
	}
	res.Reset = true
	m.dropEngine(role)

	prims := m.engine(role).ComposeSend(m.cfg.InputTarget, m.cfg.SendTarget, text)
	if err := m.provider.SendInput(ctx, h, prims); err != nil {
		return res, fmt.Errorf("%w: re-issue after reset: %v", ErrL4RecoveryFailed, err)
	}
	reply, err := m.provider.ReadOutput(ctx, h, m.cfg.ReplyTimeout)
	if err != nil {
		return res, fmt.Errorf("%w: no reply after reset: %v", ErrL4RecoveryFailed, err)
	}
	res.Reply = reply
	return res, nil
}

func (m *Manager) backoff(attempt int) time.Duration {
	return time.Duration(float64(m.cfg.BackoffBase) * math.Pow(m.cfg.BackoffMultiplier, float64(attempt-1)))
}

func (m *Manager) frustrationPause() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	span := m.cfg.FrustrationMax - m.cfg.FrustrationMin
	return m.cfg.FrustrationMin + time.Duration(m.rng.Int63n(int64(span)))
}

// engine returns the role's behavior engine, rolling a fresh persona and seed
// on first use. A reset drops the old engine so the rebuilt session behaves
// like a different person.
func (m *Manager) engine(role domain.Role) *behavior.Engine {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.engines[role]; ok {
		return e
	}
	persona := behavior.RandomPersona(m.rng)
	e := behavior.New(m.cfg.Behavior, persona, m.rng.Int63())
	m.engines[role] = e
	return e
}

func (m *Manager) dropEngine(role domain.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.engines, role)
}

func (m *Manager) record(ctx context.Context, cycleID string, role domain.Role, tier domain.RecoveryTier, cause error) {
	if m.journal == nil {
		return
	}
	ev := domain.ErrorEvent{
		CycleID:    cycleID,
		Role:       role,
		Tier:       tier,
		Cause:      cause.Error(),
		OccurredAt: time.Now().UTC(),
	}
	if err := m.journal.RecordErrorEvent(ctx, ev); err != nil {
		m.logger.Printf("recovery: journal error event: %v", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
