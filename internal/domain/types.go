package domain

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusDispatched TaskStatus = "dispatched"
	TaskStatusInReview   TaskStatus = "in_review"
	TaskStatusAccepted   TaskStatus = "accepted"
	TaskStatusRejected   TaskStatus = "rejected"
	TaskStatusBlocked    TaskStatus = "blocked"
)

type Role string

const (
	RolePlanner   Role = "planner"
	RoleCoder     Role = "coder"
	RoleQA        Role = "qa"
	RoleAuditor   Role = "auditor"
	RoleVigilance Role = "vigilance"
)

type SignalKind string

const (
	SignalPlanCreated      SignalKind = "PLAN_CREATED"
	SignalTaskDispatched   SignalKind = "TASK_DISPATCHED"
	SignalPatchAccept      SignalKind = "PATCH_ACCEPT"
	SignalPatchReject      SignalKind = "PATCH_REJECT"
	SignalTaskCompleted    SignalKind = "TASK_COMPLETED_SUCCESSFULLY"
	SignalNavigatorKickoff SignalKind = "NAVIGATOR_KICKOFF"
	SignalTaskForVigilance SignalKind = "TASK_FOR_VIGILANCE"
	SignalVigilanceReport  SignalKind = "VIGILANCE_REPORT"
	SignalError            SignalKind = "ERROR"
)

type CycleState string

const (
	StateIdle            CycleState = "idle"
	StatePlanning        CycleState = "planning"
	StateCoding          CycleState = "coding"
	StateReviewing       CycleState = "reviewing"
	StateCompleted       CycleState = "completed"
	StateAuditNavigating CycleState = "audit_navigating"
	StateAuditReviewing  CycleState = "audit_reviewing"
	StateAuditCompleted  CycleState = "audit_completed"
	StateAborted         CycleState = "aborted"
)

type RecoveryTier string

const (
	TierL2 RecoveryTier = "L2"
	TierL4 RecoveryTier = "L4"
)

type Task struct {
	ID           string     `json:"id"`
	CycleID      string     `json:"cycle_id"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	AttemptCount int        `json:"attempt_count"`
	Feedback     string     `json:"feedback,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

type Signal struct {
	ID        string          `json:"id"`
	CycleID   string          `json:"cycle_id"`
	Kind      SignalKind      `json:"kind"`
	Origin    Role            `json:"origin"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}

type ErrorEvent struct {
	ID         int64        `json:"id"`
	CycleID    string       `json:"cycle_id"`
	Role       Role         `json:"role"`
	Tier       RecoveryTier `json:"tier"`
	Cause      string       `json:"cause"`
	OccurredAt time.Time    `json:"occurred_at"`
}

type Cycle struct {
	ID        string     `json:"id"`
	Kind      CycleKind  `json:"kind"`
	State     CycleState `json:"state"`
	Goal      string     `json:"goal"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

type CycleKind string

const (
	CycleKindDev   CycleKind = "dev"
	CycleKindAudit CycleKind = "audit"
)

type PlanCreatedPayload struct {
	Tasks []string `json:"tasks"`
}

type TaskDispatchedPayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Attempt     int    `json:"attempt"`
}

type PatchRejectPayload struct {
	TaskID   string `json:"task_id"`
	Feedback string `json:"feedback"`
}

type NavigatorKickoffPayload struct {
	Path string `json:"path"`
}

type TaskForVigilancePayload struct {
	Path string `json:"path"`
	Task string `json:"task"`
}

type VigilanceReportPayload struct {
	Path   string `json:"path"`
	Report string `json:"report"`
}

type ErrorPayload struct {
	Role  Role         `json:"role"`
	Tier  RecoveryTier `json:"tier"`
	Cause string       `json:"cause"`
}
