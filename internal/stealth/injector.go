package stealth

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// ErrInjection marks a failed fingerprint patch. Callers treat it as a
// degraded-capability warning, never as a fatal condition.
var ErrInjection = errors.New("stealth injection failed")

// Marker is a page-global flag the script sets on first run so repeated
// injection into the same context is a no-op.
const Marker = "__fp_patched"

// Script patches the automation fingerprints a hosted chat page is known to
// probe: the webdriver flag, empty plugin and language lists, the missing
// chrome runtime object, and the notification permission query.
const Script = `(() => {
  if (window.` + Marker + `) { return; }
  Object.defineProperty(window, '` + Marker + `', { value: true, configurable: false });
  Object.defineProperty(navigator, 'webdriver', { get: () => false });
  Object.defineProperty(navigator, 'plugins', {
    get: () => [1, 2, 3, 4, 5],
  });
  Object.defineProperty(navigator, 'languages', {
    get: () => ['en-US', 'en'],
  });
  if (!window.chrome) {
    window.chrome = { runtime: {} };
  }
  const originalQuery = window.navigator.permissions.query;
  window.navigator.permissions.query = (parameters) => (
    parameters.name === 'notifications'
      ? Promise.resolve({ state: Notification.permission })
      : originalQuery(parameters)
  );
})();`

// Evaluator is the slice of a browser session the injector needs: run a
// script, read back a boolean expression.
type Evaluator interface {
	Evaluate(ctx context.Context, script string) error
	EvaluateBool(ctx context.Context, expr string) (bool, error)
}

type Injector struct {
	logger *log.Logger
}

func New(logger *log.Logger) *Injector {
	if logger == nil {
		logger = log.Default()
	}
	return &Injector{logger: logger}
}

// Apply installs the fingerprint patches into the session's page context.
// It checks the marker first so applying twice changes nothing. A failure is
// logged and returned wrapped in ErrInjection; the session stays usable.
func (i *Injector) Apply(ctx context.Context, sess Evaluator) error {
	patched, err := sess.EvaluateBool(ctx, "!!window."+Marker)
	if err == nil && patched {
		return nil
	}

	if err := sess.Evaluate(ctx, Script); err != nil {
		i.logger.Printf("stealth: injection failed, continuing unmasked: %v", err)
		return fmt.Errorf("%w: %v", ErrInjection, err)
	}
	return nil
}
