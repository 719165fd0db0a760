package audit

import "sync"

// Frontier is the depth-first coverage state of an audit cycle: a LIFO stack
// of paths still to visit and the set of paths already taken. A path enters
// the stack at most once, so cyclic reference graphs still terminate.
type Frontier struct {
	mu      sync.Mutex
	stack   []string
	visited map[string]bool
	queued  map[string]bool
}

func NewFrontier(seeds ...string) *Frontier {
	f := &Frontier{
		visited: make(map[string]bool),
		queued:  make(map[string]bool),
	}
	f.Push(seeds...)
	return f
}

// Push queues paths for a later visit, newest on top. Paths already visited
// or already queued are ignored.
func (f *Frontier) Push(paths ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		if p == "" || f.visited[p] || f.queued[p] {
			continue
		}
		f.stack = append(f.stack, p)
		f.queued[p] = true
	}
}

// Next pops the most recently queued path and marks it visited.
func (f *Frontier) Next() (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.stack) == 0 {
		return "", false
	}
	p := f.stack[len(f.stack)-1]
	f.stack = f.stack[:len(f.stack)-1]
	delete(f.queued, p)
	f.visited[p] = true
	return p, true
}

func (f *Frontier) Empty() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stack) == 0
}

func (f *Frontier) Visited(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.visited[path]
}

func (f *Frontier) VisitedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.visited)
}

func (f *Frontier) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stack)
}
