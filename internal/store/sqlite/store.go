package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"agentstation/internal/domain"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS cycles (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	state TEXT NOT NULL,
	goal TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	cycle_id TEXT NOT NULL,
	description TEXT NOT NULL,
	status TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	feedback TEXT NOT NULL DEFAULT '',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(cycle_id) REFERENCES cycles(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_tasks_cycle ON tasks(cycle_id, created_at);

CREATE TABLE IF NOT EXISTS signals (
	id TEXT PRIMARY KEY,
	cycle_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	origin TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '',
	seq INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(cycle_id) REFERENCES cycles(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_signals_cycle ON signals(cycle_id, seq);

CREATE TABLE IF NOT EXISTS error_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	cycle_id TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	tier TEXT NOT NULL,
	cause TEXT NOT NULL,
	occurred_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_error_events_cycle ON error_events(cycle_id, occurred_at);
`

type Store struct {
	db *sql.DB
}

func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) CreateCycle(ctx context.Context, c domain.Cycle) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.State == "" {
		c.State = domain.StateIdle
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO cycles(id, kind, state, goal, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Kind), string(c.State), c.Goal, c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create cycle: %w", err)
	}
	return nil
}

func (s *Store) UpdateCycleState(ctx context.Context, id string, state domain.CycleState) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE cycles SET state = ?, updated_at = ? WHERE id = ?`,
		string(state), time.Now().UTC().Unix(), id,
	)
	if err != nil {
		return fmt.Errorf("update cycle state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update cycle state rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) GetCycle(ctx context.Context, id string) (domain.Cycle, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT id, kind, state, goal, created_at, updated_at FROM cycles WHERE id = ?`,
		id,
	)
	return scanCycle(row)
}

func (s *Store) ListCycles(ctx context.Context) ([]domain.Cycle, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, kind, state, goal, created_at, updated_at FROM cycles ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list cycles: %w", err)
	}
	defer rows.Close()

	var out []domain.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) UpsertTask(ctx context.Context, t domain.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO tasks(id, cycle_id, description, status, attempt_count, feedback, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempt_count = excluded.attempt_count,
			feedback = excluded.feedback,
			updated_at = excluded.updated_at`,
		t.ID, t.CycleID, t.Description, string(t.Status), t.AttemptCount, t.Feedback,
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

func (s *Store) ListTasks(ctx context.Context, cycleID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, cycle_id, description, status, attempt_count, feedback, created_at, updated_at
		 FROM tasks WHERE cycle_id = ? ORDER BY created_at ASC, id ASC`,
		cycleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var t domain.Task
		var status string
		var created, updated int64
		if err := rows.Scan(&t.ID, &t.CycleID, &t.Description, &status, &t.AttemptCount, &t.Feedback, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = domain.TaskStatus(status)
		t.CreatedAt = unixToTime(created)
		t.UpdatedAt = unixToTime(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) RecordSignal(ctx context.Context, sig domain.Signal) error {
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO signals(id, cycle_id, kind, origin, payload, seq, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.CycleID, string(sig.Kind), string(sig.Origin), string(sig.Payload), sig.Seq, sig.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record signal: %w", err)
	}
	return nil
}

func (s *Store) ListSignals(ctx context.Context, cycleID string) ([]domain.Signal, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, cycle_id, kind, origin, payload, seq, created_at
		 FROM signals WHERE cycle_id = ? ORDER BY seq ASC`,
		cycleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		var sig domain.Signal
		var kind, origin, payload string
		var created int64
		if err := rows.Scan(&sig.ID, &sig.CycleID, &kind, &origin, &payload, &sig.Seq, &created); err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		sig.Kind = domain.SignalKind(kind)
		sig.Origin = domain.Role(origin)
		if payload != "" {
			sig.Payload = []byte(payload)
		}
		sig.CreatedAt = unixToTime(created)
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *Store) RecordErrorEvent(ctx context.Context, ev domain.ErrorEvent) error {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO error_events(cycle_id, role, tier, cause, occurred_at)
		 VALUES(?, ?, ?, ?, ?)`,
		ev.CycleID, string(ev.Role), string(ev.Tier), ev.Cause, ev.OccurredAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("record error event: %w", err)
	}
	return nil
}

func (s *Store) ListErrorEvents(ctx context.Context, cycleID string) ([]domain.ErrorEvent, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, cycle_id, role, tier, cause, occurred_at
		 FROM error_events WHERE cycle_id = ? ORDER BY id ASC`,
		cycleID,
	)
	if err != nil {
		return nil, fmt.Errorf("list error events: %w", err)
	}
	defer rows.Close()

	var out []domain.ErrorEvent
	for rows.Next() {
		var ev domain.ErrorEvent
		var role, tier string
		var occurred int64
		if err := rows.Scan(&ev.ID, &ev.CycleID, &role, &tier, &ev.Cause, &occurred); err != nil {
			return nil, fmt.Errorf("scan error event: %w", err)
		}
		ev.Role = domain.Role(role)
		ev.Tier = domain.RecoveryTier(tier)
		ev.OccurredAt = unixToTime(occurred)
		out = append(out, ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCycle(row rowScanner) (domain.Cycle, error) {
	var c domain.Cycle
	var kind, state string
	var created, updated int64
	if err := row.Scan(&c.ID, &kind, &state, &c.Goal, &created, &updated); err != nil {
		return domain.Cycle{}, fmt.Errorf("scan cycle: %w", err)
	}
	c.Kind = domain.CycleKind(kind)
	c.State = domain.CycleState(state)
	c.CreatedAt = unixToTime(created)
	c.UpdatedAt = unixToTime(updated)
	return c, nil
}

func unixToTime(v int64) time.Time {
	return time.Unix(v, 0).UTC()
}
