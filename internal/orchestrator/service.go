package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"agentstation/internal/audit"
	"agentstation/internal/domain"
	"agentstation/internal/plan"
	"agentstation/internal/recovery"
)

type Store interface {
	CreateCycle(ctx context.Context, c domain.Cycle) error
	UpdateCycleState(ctx context.Context, id string, state domain.CycleState) error
	UpsertTask(ctx context.Context, t domain.Task) error
	RecordSignal(ctx context.Context, sig domain.Signal) error
}

type Bus interface {
	Publish(sig domain.Signal) error
}

// Exchanger is the recovery-wrapped conversation channel: one instruction in,
// one meaningful reply out, with all retrying and session resets hidden
// behind it.
type Exchanger interface {
	Exchange(ctx context.Context, cycleID string, role domain.Role, text string) (recovery.Result, error)
}

// Walker enumerates the workspace under audit.
type Walker interface {
	ListChildren(relPath string) ([]string, error)
	IsDir(relPath string) (bool, error)
}

type Config struct {
	MaxTaskRejections int
}

func (c Config) withDefaults() Config {
	if c.MaxTaskRejections <= 0 {
		c.MaxTaskRejections = 3
	}
	return c
}

// Service runs development and audit cycles. A development cycle turns a goal
// into a plan and drives each task through the coder and reviewer until the
// plan is exhausted or the cycle aborts. An audit cycle walks the workspace
// depth first, pairing the auditor's findings with vigilance reviews.
type Service struct {
	store  Store
	bus    Bus
	exch   Exchanger
	walker Walker
	cfg    Config
	logger *log.Logger

	seq atomic.Int64
}

func New(store Store, bus Bus, exch Exchanger, walker Walker, cfg Config, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:  store,
		bus:    bus,
		exch:   exch,
		walker: walker,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// RunDevCycle executes one full development cycle for the goal and returns
// the cycle in its terminal state.
func (s *Service) RunDevCycle(ctx context.Context, goal string) (domain.Cycle, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return domain.Cycle{}, fmt.Errorf("dev cycle needs a goal")
	}

	cycle := domain.Cycle{
		ID:        uuid.NewString(),
		Kind:      domain.CycleKindDev,
		State:     domain.StateIdle,
		Goal:      goal,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateCycle(ctx, cycle); err != nil {
		return domain.Cycle{}, fmt.Errorf("create cycle: %w", err)
	}

	model := plan.NewModel(s.cfg.MaxTaskRejections)

	s.transition(ctx, &cycle, domain.StatePlanning)
	res, err := s.exch.Exchange(ctx, cycle.ID, domain.RolePlanner, plannerKickoffPrompt(goal))
	if err != nil {
		return cycle, s.abort(ctx, &cycle, nil, model, domain.RolePlanner, err)
	}

	descs := parsePlanReply(res.Reply)
	tasks, err := model.Enqueue(cycle.ID, descs)
	if err != nil {
		return cycle, s.abort(ctx, &cycle, nil, model, domain.RolePlanner, fmt.Errorf("%w: %s", err, trimText(res.Reply, 200)))
	}
	for _, t := range tasks {
		s.persistTask(ctx, t)
	}
	s.emit(ctx, cycle.ID, domain.SignalPlanCreated, domain.RolePlanner, domain.PlanCreatedPayload{Tasks: descs})

	for {
		next, ok := model.NextPending()
		if !ok {
			break
		}
		if err := s.runTask(ctx, &cycle, model, next); err != nil {
			return cycle, err
		}
	}

	s.emit(ctx, cycle.ID, domain.SignalTaskCompleted, domain.RoleQA, nil)
	s.transition(ctx, &cycle, domain.StateCompleted)
	return cycle, nil
}

// runTask drives one task through coding and review, looping back on
// rejection until acceptance, the rejection cap, or an unrecoverable failure.
func (s *Service) runTask(ctx context.Context, cycle *domain.Cycle, model *plan.Model, task domain.Task) error {
	s.transition(ctx, cycle, domain.StateCoding)

	dispatched, err := model.MarkDispatched(task.ID)
	if err != nil {
		return s.abort(ctx, cycle, &task, model, domain.RoleCoder, err)
	}
	s.persistTask(ctx, dispatched)
	s.emit(ctx, cycle.ID, domain.SignalTaskDispatched, domain.RoleCoder, domain.TaskDispatchedPayload{
		TaskID:      dispatched.ID,
		Description: dispatched.Description,
		Attempt:     dispatched.AttemptCount,
	})

	codeRes, err := s.exch.Exchange(ctx, cycle.ID, domain.RoleCoder, coderTaskPrompt(dispatched))
	if err != nil {
		return s.abort(ctx, cycle, &dispatched, model, domain.RoleCoder, err)
	}
	if codeRes.Reset {
		if bumped, err := model.BumpAttempt(dispatched.ID); err == nil {
			s.persistTask(ctx, bumped)
		}
	}

	s.transition(ctx, cycle, domain.StateReviewing)
	inReview, err := model.MarkInReview(dispatched.ID)
	if err != nil {
		return s.abort(ctx, cycle, &dispatched, model, domain.RoleQA, err)
	}
	s.persistTask(ctx, inReview)

	reviewRes, err := s.exch.Exchange(ctx, cycle.ID, domain.RoleQA, reviewPrompt(inReview, codeRes.Reply))
	if err != nil {
		return s.abort(ctx, cycle, &inReview, model, domain.RoleQA, err)
	}
	if reviewRes.Reset {
		if bumped, err := model.BumpAttempt(inReview.ID); err == nil {
			s.persistTask(ctx, bumped)
		}
	}

	accepted, feedback := parseVerdict(reviewRes.Reply)
	settled, reviewErr := model.MarkReviewed(inReview.ID, accepted, feedback)
	s.persistTask(ctx, settled)

	if accepted {
		s.emit(ctx, cycle.ID, domain.SignalPatchAccept, domain.RoleQA, domain.TaskDispatchedPayload{
			TaskID: settled.ID, Description: settled.Description, Attempt: settled.AttemptCount,
		})
		return nil
	}

	s.emit(ctx, cycle.ID, domain.SignalPatchReject, domain.RoleQA, domain.PatchRejectPayload{
		TaskID: settled.ID, Feedback: feedback,
	})
	if errors.Is(reviewErr, plan.ErrTaskRejectedTooManyTimes) {
		return s.abort(ctx, cycle, nil, model, domain.RoleQA, reviewErr)
	}
	return reviewErr
}

// RunAuditCycle walks the workspace from root depth first, one auditor
// navigation and one vigilance review per path.
func (s *Service) RunAuditCycle(ctx context.Context, root string) (domain.Cycle, error) {
	if s.walker == nil {
		return domain.Cycle{}, fmt.Errorf("audit cycle needs a workspace walker")
	}
	root = strings.TrimSpace(root)
	if root == "" {
		root = "."
	}

	cycle := domain.Cycle{
		ID:        uuid.NewString(),
		Kind:      domain.CycleKindAudit,
		State:     domain.StateIdle,
		Goal:      "audit " + root,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateCycle(ctx, cycle); err != nil {
		return domain.Cycle{}, fmt.Errorf("create cycle: %w", err)
	}

	frontier := audit.NewFrontier(root)
	lastReport := ""

	for {
		path, ok := frontier.Next()
		if !ok {
			break
		}
		if err := ctx.Err(); err != nil {
			return cycle, s.abort(ctx, &cycle, nil, nil, domain.RoleAuditor, err)
		}

		s.transition(ctx, &cycle, domain.StateAuditNavigating)
		s.emit(ctx, cycle.ID, domain.SignalNavigatorKickoff, domain.RoleAuditor, domain.NavigatorKickoffPayload{Path: path})

		auditRes, err := s.exch.Exchange(ctx, cycle.ID, domain.RoleAuditor, auditorNavigatePrompt(path, lastReport))
		if err != nil {
			return cycle, s.abort(ctx, &cycle, nil, nil, domain.RoleAuditor, err)
		}

		if isDir, err := s.walker.IsDir(path); err == nil && isDir {
			children, err := s.walker.ListChildren(path)
			if err != nil {
				s.logger.Printf("orchestrator: list %s: %v", path, err)
			} else {
				frontier.Push(children...)
			}
		}

		s.emit(ctx, cycle.ID, domain.SignalTaskForVigilance, domain.RoleAuditor, domain.TaskForVigilancePayload{
			Path: path, Task: auditRes.Reply,
		})

		s.transition(ctx, &cycle, domain.StateAuditReviewing)
		vigRes, err := s.exch.Exchange(ctx, cycle.ID, domain.RoleVigilance, vigilancePrompt(path, auditRes.Reply))
		if err != nil {
			return cycle, s.abort(ctx, &cycle, nil, nil, domain.RoleVigilance, err)
		}
		lastReport = vigRes.Reply
		s.emit(ctx, cycle.ID, domain.SignalVigilanceReport, domain.RoleVigilance, domain.VigilanceReportPayload{
			Path: path, Report: vigRes.Reply,
		})
	}

	s.transition(ctx, &cycle, domain.StateAuditCompleted)
	return cycle, nil
}

// abort parks any in-flight task, publishes the terminal error signal, and
// moves the cycle to its aborted state. The original error is returned for
// the caller.
func (s *Service) abort(ctx context.Context, cycle *domain.Cycle, task *domain.Task, model *plan.Model, role domain.Role, cause error) error {
	if task != nil && model != nil {
		if blocked, err := model.MarkBlocked(task.ID); err == nil {
			s.persistTask(ctx, blocked)
		}
	}
	s.emit(ctx, cycle.ID, domain.SignalError, role, domain.ErrorPayload{
		Role:  role,
		Tier:  tierOf(cause),
		Cause: cause.Error(),
	})
	s.transition(ctx, cycle, domain.StateAborted)
	s.logger.Printf("orchestrator: cycle %s aborted: %v", cycle.ID, cause)
	return fmt.Errorf("cycle aborted: %w", cause)
}

func (s *Service) transition(ctx context.Context, cycle *domain.Cycle, state domain.CycleState) {
	cycle.State = state
	cycle.UpdatedAt = time.Now().UTC()
	if err := s.store.UpdateCycleState(ctx, cycle.ID, state); err != nil {
		s.logger.Printf("orchestrator: persist state %s: %v", state, err)
	}
}

// emit publishes a signal on the bus and journals it with the same sequence
// number, so the stored trail replays in transition order.
func (s *Service) emit(ctx context.Context, cycleID string, kind domain.SignalKind, origin domain.Role, payload any) {
	sig := domain.Signal{
		ID:        uuid.NewString(),
		CycleID:   cycleID,
		Kind:      kind,
		Origin:    origin,
		Seq:       s.seq.Add(1),
		CreatedAt: time.Now().UTC(),
	}
	if payload != nil {
		sig.Payload = mustJSON(payload)
	}
	if err := s.bus.Publish(sig); err != nil {
		s.logger.Printf("orchestrator: publish %s: %v", kind, err)
	}
	if err := s.store.RecordSignal(ctx, sig); err != nil {
		s.logger.Printf("orchestrator: journal %s: %v", kind, err)
	}
}

func (s *Service) persistTask(ctx context.Context, t domain.Task) {
	if err := s.store.UpsertTask(ctx, t); err != nil {
		s.logger.Printf("orchestrator: persist task %s: %v", t.ID, err)
	}
}

func tierOf(err error) domain.RecoveryTier {
	switch {
	case errors.Is(err, recovery.ErrL4RecoveryFailed),
		errors.Is(err, recovery.ErrL4FatalThreshold):
		return domain.TierL4
	default:
		return domain.TierL2
	}
}

// parseVerdict reads the reviewer's answer. The accept and reject markers may
// appear anywhere in the reply; anything after a reject marker is feedback.
// A reply with neither marker counts as a rejection with the full reply as
// feedback, since an unparseable review cannot justify shipping the patch.
func parseVerdict(reply string) (accepted bool, feedback string) {
	if idx := strings.Index(reply, string(domain.SignalPatchAccept)); idx >= 0 {
		return true, ""
	}
	if idx := strings.Index(reply, string(domain.SignalPatchReject)); idx >= 0 {
		fb := reply[idx+len(domain.SignalPatchReject):]
		fb = strings.TrimLeft(fb, ":,. \t\n")
		return false, strings.TrimSpace(fb)
	}
	return false, strings.TrimSpace(reply)
}

// parsePlanReply extracts task descriptions from the planner's reply, one per
// non-empty line, with list bullets and numbering stripped.
func parsePlanReply(reply string) []string {
	var descs []string
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789.) \t")
		if line == "" {
			continue
		}
		if strings.EqualFold(line, string(domain.SignalPlanCreated)) {
			continue
		}
		descs = append(descs, line)
	}
	return descs
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return data
}

func trimText(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
