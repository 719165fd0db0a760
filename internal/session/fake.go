package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentstation/internal/behavior"
	"agentstation/internal/domain"
)

// FakeReply scripts one exchange on a fake session: either a reply body or a
// delivery failure.
type FakeReply struct {
	Body string
	Err  error
}

// Fake is an in-memory Provider used by tests and dry runs. Each role gets a
// scripted queue of replies; SendInput records the primitives it was given so
// tests can assert on behavioral composition.
type Fake struct {
	mu      sync.Mutex
	nextID  int
	scripts map[domain.Role][]FakeReply
	handles map[Handle]*fakeConversation
	stealth map[Handle]int

	CreateErr  error
	DestroyErr error
}

type fakeConversation struct {
	role      domain.Role
	sent      [][]behavior.Primitive
	destroyed bool
}

func NewFake() *Fake {
	return &Fake{
		scripts: make(map[domain.Role][]FakeReply),
		handles: make(map[Handle]*fakeConversation),
		stealth: make(map[Handle]int),
	}
}

// Script appends replies to the role's queue. ReadOutput consumes them in
// order; an exhausted queue reads as a timeout.
func (f *Fake) Script(role domain.Role, replies ...FakeReply) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[role] = append(f.scripts[role], replies...)
}

func (f *Fake) Create(ctx context.Context, role domain.Role) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	h := Handle(fmt.Sprintf("fake-%s-%d", role, f.nextID))
	f.handles[h] = &fakeConversation{role: role}
	return h, nil
}

func (f *Fake) SendInput(ctx context.Context, h Handle, prims []behavior.Primitive) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.handles[h]
	if !ok || conv.destroyed {
		return ErrNoSession
	}
	conv.sent = append(conv.sent, prims)
	return nil
}

func (f *Fake) ReadOutput(ctx context.Context, h Handle, timeout time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.handles[h]
	if !ok || conv.destroyed {
		return "", ErrNoSession
	}
	queue := f.scripts[conv.role]
	if len(queue) == 0 {
		return "", ErrNoReply
	}
	reply := queue[0]
	f.scripts[conv.role] = queue[1:]
	if reply.Err != nil {
		return "", reply.Err
	}
	return reply.Body, nil
}

func (f *Fake) Destroy(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DestroyErr != nil {
		return f.DestroyErr
	}
	if conv, ok := f.handles[h]; ok {
		conv.destroyed = true
	}
	return nil
}

func (f *Fake) ApplyStealth(ctx context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stealth[h]++
	return nil
}

// StealthApplications reports how many times masking ran against the handle.
func (f *Fake) StealthApplications(h Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stealth[h]
}

// SentCount reports how many sends the handle has absorbed.
func (f *Fake) SentCount(h Handle) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.handles[h]
	if !ok {
		return 0
	}
	return len(conv.sent)
}

// LastSent returns the primitives from the most recent send on the handle.
func (f *Fake) LastSent(h Handle) []behavior.Primitive {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.handles[h]
	if !ok || len(conv.sent) == 0 {
		return nil
	}
	return conv.sent[len(conv.sent)-1]
}

// Destroyed reports whether the handle has been torn down.
func (f *Fake) Destroyed(h Handle) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	conv, ok := f.handles[h]
	return ok && conv.destroyed
}
