package plan

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentstation/internal/domain"
)

var (
	ErrInvalidPlan              = errors.New("plan is empty or already active")
	ErrNoActiveTask             = errors.New("no task in flight")
	ErrUnknownTask              = errors.New("unknown task id")
	ErrTaskInFlight             = errors.New("another task is already in flight")
	ErrTaskRejectedTooManyTimes = errors.New("task rejected too many times")
)

// Model is the single-flight work queue for one development cycle. Tasks run
// strictly in order; a rejected task returns to the front of the queue with
// reviewer feedback attached until the rejection cap trips.
type Model struct {
	maxRejections int
	now           func() time.Time

	mu     sync.Mutex
	tasks  map[string]*domain.Task
	order  []string
	active string
}

func NewModel(maxRejections int) *Model {
	if maxRejections <= 0 {
		maxRejections = 3
	}
	return &Model{
		maxRejections: maxRejections,
		now:           time.Now,
		tasks:         make(map[string]*domain.Task),
	}
}

// Enqueue installs the cycle's plan. It accepts exactly one plan; a second
// call, an empty list, or blank descriptions are rejected.
func (m *Model) Enqueue(cycleID string, descs []string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.order) > 0 {
		return nil, ErrInvalidPlan
	}
	if len(descs) == 0 {
		return nil, ErrInvalidPlan
	}
	for _, d := range descs {
		if strings.TrimSpace(d) == "" {
			return nil, ErrInvalidPlan
		}
	}

	out := make([]domain.Task, 0, len(descs))
	for _, d := range descs {
		t := &domain.Task{
			ID:          uuid.NewString(),
			CycleID:     cycleID,
			Description: strings.TrimSpace(d),
			Status:      domain.TaskStatusPending,
			CreatedAt:   m.now().UTC(),
			UpdatedAt:   m.now().UTC(),
		}
		m.tasks[t.ID] = t
		m.order = append(m.order, t.ID)
		out = append(out, *t)
	}
	return out, nil
}

// NextPending returns the first pending task in plan order.
func (m *Model) NextPending() (domain.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.order {
		if t := m.tasks[id]; t.Status == domain.TaskStatusPending {
			return *t, true
		}
	}
	return domain.Task{}, false
}

// MarkDispatched moves a pending task in flight. Only one task may be in
// flight at a time.
func (m *Model) MarkDispatched(id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, ErrUnknownTask
	}
	if m.active != "" && m.active != id {
		return domain.Task{}, ErrTaskInFlight
	}
	if t.Status != domain.TaskStatusPending {
		return domain.Task{}, ErrNoActiveTask
	}
	t.Status = domain.TaskStatusDispatched
	t.UpdatedAt = m.now().UTC()
	m.active = id
	return *t, nil
}

// MarkInReview records that the in-flight task's patch has been handed to
// review.
func (m *Model) MarkInReview(id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.activeTask(id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskStatusDispatched {
		return domain.Task{}, ErrNoActiveTask
	}
	t.Status = domain.TaskStatusInReview
	t.UpdatedAt = m.now().UTC()
	return *t, nil
}

// MarkReviewed settles the in-flight task. Acceptance retires it. Rejection
// requeues the same task at the front of the pending queue with the reviewer's
// feedback and a bumped attempt count, unless the rejection cap trips, which
// blocks the task instead.
func (m *Model) MarkReviewed(id string, accepted bool, feedback string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.activeTask(id)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Status != domain.TaskStatusInReview {
		return domain.Task{}, ErrNoActiveTask
	}

	now := m.now().UTC()
	m.active = ""
	if accepted {
		t.Status = domain.TaskStatusAccepted
		t.UpdatedAt = now
		return *t, nil
	}

	t.AttemptCount++
	t.Feedback = feedback
	t.UpdatedAt = now
	if t.AttemptCount >= m.maxRejections {
		t.Status = domain.TaskStatusBlocked
		return *t, ErrTaskRejectedTooManyTimes
	}
	t.Status = domain.TaskStatusPending
	m.moveToFront(id)
	return *t, nil
}

// BumpAttempt charges one attempt to the in-flight task without settling it,
// used when a session reset re-issues its instruction.
func (m *Model) BumpAttempt(id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.activeTask(id)
	if err != nil {
		return domain.Task{}, err
	}
	t.AttemptCount++
	t.UpdatedAt = m.now().UTC()
	return *t, nil
}

// MarkBlocked force-parks a task, settling the in-flight slot if it held it.
func (m *Model) MarkBlocked(id string) (domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return domain.Task{}, ErrUnknownTask
	}
	t.Status = domain.TaskStatusBlocked
	t.UpdatedAt = m.now().UTC()
	if m.active == id {
		m.active = ""
	}
	return *t, nil
}

// Active returns the task currently in flight.
func (m *Model) Active() (domain.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == "" {
		return domain.Task{}, false
	}
	return *m.tasks[m.active], true
}

// Exhausted reports whether the plan has fully run: nothing pending and
// nothing in flight.
func (m *Model) Exhausted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != "" {
		return false
	}
	for _, id := range m.order {
		if m.tasks[id].Status == domain.TaskStatusPending {
			return false
		}
	}
	return len(m.order) > 0
}

// Tasks returns a snapshot of every task in queue order.
func (m *Model) Tasks() []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Task, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.tasks[id])
	}
	return out
}

func (m *Model) activeTask(id string) (*domain.Task, error) {
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrUnknownTask
	}
	if m.active != id {
		return nil, ErrNoActiveTask
	}
	return t, nil
}

// moveToFront reorders id ahead of every still-pending task while leaving
// settled tasks where history placed them.
func (m *Model) moveToFront(id string) {
	idx := -1
	for i, v := range m.order {
		if v == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	m.order = append(m.order[:idx], m.order[idx+1:]...)

	insert := 0
	for i, v := range m.order {
		if m.tasks[v].Status == domain.TaskStatusPending {
			insert = i
			break
		}
		insert = i + 1
	}
	m.order = append(m.order, "")
	copy(m.order[insert+1:], m.order[insert:])
	m.order[insert] = id
}
