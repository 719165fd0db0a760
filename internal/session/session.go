package session

import (
	"context"
	"errors"
	"time"

	"agentstation/internal/behavior"
	"agentstation/internal/domain"
)

var (
	ErrNoSession = errors.New("no session for role")
	ErrNoReply   = errors.New("no reply before deadline")
)

// Handle is an opaque reference to one live browser conversation. Only the
// provider that minted it can interpret it.
type Handle string

// Provider owns the browser side of a conversation: it mints handles, plays
// input primitives into the page, and reads the latest meaningful reply.
type Provider interface {
	Create(ctx context.Context, role domain.Role) (Handle, error)
	SendInput(ctx context.Context, h Handle, prims []behavior.Primitive) error
	ReadOutput(ctx context.Context, h Handle, timeout time.Duration) (string, error)
	Destroy(ctx context.Context, h Handle) error
}

// Stealther applies fingerprint masking to the page behind a handle.
type Stealther interface {
	ApplyStealth(ctx context.Context, h Handle) error
}
