package policy

import (
	"agentstation/internal/domain"
)

// Counter reports how many errors a role's session has accumulated inside the
// rolling window.
type Counter interface {
	ErrorCount(role domain.Role) int
}

// Engine decides which recovery tier a delivery failure belongs to. Transient
// failures stay at L2 while the session's recent error count is under the
// threshold; at or past it the session identity is considered burned and the
// failure escalates to L4.
type Engine struct {
	counter     Counter
	l4Threshold int
}

func New(counter Counter, l4Threshold int) *Engine {
	if l4Threshold <= 0 {
		l4Threshold = 3
	}
	return &Engine{counter: counter, l4Threshold: l4Threshold}
}

func (e *Engine) Threshold() int { return e.l4Threshold }

// Classify maps the role's current error standing to a tier.
func (e *Engine) Classify(role domain.Role) domain.RecoveryTier {
	if e.counter.ErrorCount(role) >= e.l4Threshold {
		return domain.TierL4
	}
	return domain.TierL2
}
