// Package storage is the task board's persistence layer: a SQLite-backed
// store guarded by per-task locking, wrapped by an optional Redis
// read-model cache and a best-effort audit publisher.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"boardsync-api/conflict"
	"boardsync-api/domain"
	"boardsync-api/ordering"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("storage: task not found")

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	column_id TEXT NOT NULL,
	position REAL NOT NULL,
	version INTEGER NOT NULL DEFAULT 1,
	title_version INTEGER NOT NULL DEFAULT 1,
	description_version INTEGER NOT NULL DEFAULT 1,
	column_version INTEGER NOT NULL DEFAULT 1,
	position_version INTEGER NOT NULL DEFAULT 1,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_column_position ON tasks(column_id, position);
`

// TaskStore is the SQLite-backed persistence for the board's sole entity.
// Exclusive access per task is approximated with an in-process keyed
// mutex layered over a BEGIN IMMEDIATE transaction, since SQLite has no
// true SELECT ... FOR UPDATE.
type TaskStore struct {
	db *sql.DB

	rowLocksMu sync.Mutex
	rowLocks   map[string]*sync.Mutex

	columnLocksMu sync.Mutex
	columnLocks   map[domain.ColumnID]*sync.Mutex
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string) (*TaskStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &TaskStore{
		db:          db,
		rowLocks:    make(map[string]*sync.Mutex),
		columnLocks: make(map[domain.ColumnID]*sync.Mutex),
	}, nil
}

// Close releases the underlying database handle.
func (s *TaskStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *TaskStore) rowLock(taskID string) *sync.Mutex {
	s.rowLocksMu.Lock()
	defer s.rowLocksMu.Unlock()
	l, ok := s.rowLocks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.rowLocks[taskID] = l
	}
	return l
}

// beginImmediate starts a write transaction at serializable isolation,
// which the modernc.org/sqlite driver takes as a cue to acquire its
// write lock up front rather than on first write — the closest
// equivalent to SELECT ... FOR UPDATE this driver offers. It is paired
// with the per-task keyed mutex in rowLock, which does the real
// serialization within this process.
func (s *TaskStore) beginImmediate(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
}

func (s *TaskStore) columnLock(columnID domain.ColumnID) *sync.Mutex {
	s.columnLocksMu.Lock()
	defer s.columnLocksMu.Unlock()
	l, ok := s.columnLocks[columnID]
	if !ok {
		l = &sync.Mutex{}
		s.columnLocks[columnID] = l
	}
	return l
}

func toMillis(t time.Time) int64    { return t.UTC().UnixMilli() }
func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var createdAt, updatedAt int64
	var columnID string
	if err := scan(
		&t.ID, &t.Title, &t.Description, &columnID, &t.Position,
		&t.Version, &t.TitleVersion, &t.DescriptionVersion, &t.ColumnVersion, &t.PositionVersion,
		&createdAt, &updatedAt,
	); err != nil {
		return domain.Task{}, err
	}
	t.ColumnID = domain.ColumnID(columnID)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return t, nil
}

const taskColumns = `id, title, description, column_id, position, version, title_version, description_version, column_version, position_version, created_at, updated_at`

// GetAllTasks returns every task ordered by column then position, the
// order the client renders columns in (todo, inprogress, done).
func (s *TaskStore) GetAllTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks
ORDER BY CASE column_id WHEN 'todo' THEN 0 WHEN 'inprogress' THEN 1 WHEN 'done' THEN 2 ELSE 3 END, position ASC`)
	if err != nil {
		return nil, fmt.Errorf("get all tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]domain.Task, 0)
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *TaskStore) getTaskLocked(ctx context.Context, q interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}, taskID string) (domain.Task, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func columnPositions(ctx context.Context, tx *sql.Tx, columnID domain.ColumnID, excludeID string) ([]float64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT position FROM tasks WHERE column_id = ? AND id != ? ORDER BY position ASC`, columnID, excludeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var positions []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// CreateTask inserts a new task at the given column and position. Title
// defaults per domain.DefaultTitle when empty, and both title and
// description are clamped to their maximum lengths.
func (s *TaskStore) CreateTask(ctx context.Context, title, description string, columnID domain.ColumnID, position float64) (domain.Task, error) {
	if !domain.ValidColumn(columnID) {
		return domain.Task{}, fmt.Errorf("invalid column id %q", columnID)
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = domain.DefaultTitle
	}
	if len(title) > domain.MaxTitleLen {
		title = title[:domain.MaxTitleLen]
	}
	if len(description) > domain.MaxDescriptionLen {
		description = description[:domain.MaxDescriptionLen]
	}

	now := time.Now().UTC()
	t := domain.Task{
		ID:                 uuid.NewString(),
		Title:              title,
		Description:        description,
		ColumnID:           columnID,
		Position:           position,
		Version:            1,
		TitleVersion:       1,
		DescriptionVersion: 1,
		ColumnVersion:      1,
		PositionVersion:    1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	lock := s.rowLock(t.ID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, fmt.Errorf("begin create: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, t.ID, t.Title, t.Description, string(t.ColumnID), t.Position,
		t.Version, t.TitleVersion, t.DescriptionVersion, t.ColumnVersion, t.PositionVersion,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt)); err != nil {
		_ = tx.Rollback()
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, fmt.Errorf("commit create: %w", err)
	}
	return t, nil
}

// UpdateResult carries the outcome of a conflict-checked mutation back
// to the router so it can pick the right broadcast.
type UpdateResult struct {
	Task     domain.Task
	Analysis domain.Analysis
}

// UpdateTask applies a field-level last-writer-wins merge of changes
// against baseVersion, inside an exclusive per-task transaction.
func (s *TaskStore) UpdateTask(ctx context.Context, taskID string, baseVersion int64, changes map[string]any) (UpdateResult, error) {
	lock := s.rowLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.beginImmediate(ctx)
	if err != nil {
		return UpdateResult{}, fmt.Errorf("begin update: %w", err)
	}

	current, err := s.getTaskLocked(ctx, tx, taskID)
	if err != nil {
		_ = tx.Rollback()
		return UpdateResult{}, err
	}

	analysis := conflict.Analyse(current.FieldVersions(), baseVersion, changes)
	if len(analysis.MergedFields) == 0 {
		_ = tx.Rollback()
		return UpdateResult{Task: current, Analysis: analysis}, nil
	}

	updated := current
	updated.Version++
	updated.UpdatedAt = time.Now().UTC()
	for field, value := range analysis.MergedChanges {
		switch field {
		case domain.FieldTitle:
			title, _ := value.(string)
			title = strings.TrimSpace(title)
			if len(title) > domain.MaxTitleLen {
				title = title[:domain.MaxTitleLen]
			}
			updated.Title = title
			updated.TitleVersion = updated.Version
		case domain.FieldDescription:
			desc, _ := value.(string)
			if len(desc) > domain.MaxDescriptionLen {
				desc = desc[:domain.MaxDescriptionLen]
			}
			updated.Description = desc
			updated.DescriptionVersion = updated.Version
		case domain.FieldColumnID:
			if col, ok := value.(string); ok {
				updated.ColumnID = domain.ColumnID(col)
			}
			updated.ColumnVersion = updated.Version
		case domain.FieldPosition:
			if pos, ok := value.(float64); ok {
				updated.Position = pos
			}
			updated.PositionVersion = updated.Version
		}
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET title = ?, description = ?, column_id = ?, position = ?,
	version = ?, title_version = ?, description_version = ?, column_version = ?, position_version = ?,
	updated_at = ?
WHERE id = ?
`, updated.Title, updated.Description, string(updated.ColumnID), updated.Position,
		updated.Version, updated.TitleVersion, updated.DescriptionVersion, updated.ColumnVersion, updated.PositionVersion,
		toMillis(updated.UpdatedAt), updated.ID); err != nil {
		_ = tx.Rollback()
		return UpdateResult{}, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return UpdateResult{}, fmt.Errorf("commit update: %w", err)
	}
	return UpdateResult{Task: updated, Analysis: analysis}, nil
}

// MoveResult reports whether the destination column became too dense
// for another fractional split, signalling the caller to rebalance.
type MoveResult struct {
	UpdateResult
	NeedsRebalance bool
}

// MoveTask relocates a task to a new column/position under the same
// conflict rules as UpdateTask, additionally reporting when the target
// column has exhausted its fractional gap.
func (s *TaskStore) MoveTask(ctx context.Context, taskID string, baseVersion int64, columnID domain.ColumnID, position float64) (MoveResult, error) {
	if !domain.ValidColumn(columnID) {
		return MoveResult{}, fmt.Errorf("invalid column id %q", columnID)
	}
	changes := map[string]any{
		domain.FieldColumnID: string(columnID),
		domain.FieldPosition: position,
	}
	res, err := s.UpdateTask(ctx, taskID, baseVersion, changes)
	if err != nil {
		return MoveResult{}, err
	}

	needsRebalance := false
	if _, merged := res.Analysis.MergedChanges[domain.FieldPosition]; merged {
		tx, err := s.db.BeginTx(ctx, nil)
		if err == nil {
			positions, perr := columnPositions(ctx, tx, res.Task.ColumnID, res.Task.ID)
			_ = tx.Rollback()
			if perr == nil {
				needsRebalance = gapExhausted(positions, res.Task.Position)
			}
		}
	}
	return MoveResult{UpdateResult: res, NeedsRebalance: needsRebalance}, nil
}

func gapExhausted(neighbours []float64, at float64) bool {
	var before, after *float64
	for i := range neighbours {
		p := neighbours[i]
		if p == at {
			return true
		}
		if p < at {
			before = &neighbours[i]
		} else if p > at && after == nil {
			after = &neighbours[i]
			break
		}
	}
	if before != nil && at-*before < ordering.MinGap {
		return true
	}
	if after != nil && *after-at < ordering.MinGap {
		return true
	}
	return false
}

// DeleteTask removes a task unconditionally; deletes never conflict.
func (s *TaskStore) DeleteTask(ctx context.Context, taskID string) error {
	lock := s.rowLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RebalanceColumn recomputes evenly spaced positions for every task in
// columnID, preserving their current relative order.
func (s *TaskStore) RebalanceColumn(ctx context.Context, columnID domain.ColumnID) ([]domain.Task, error) {
	lock := s.columnLock(columnID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin rebalance: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE column_id = ? ORDER BY position ASC`, columnID)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("rebalance select: %w", err)
	}
	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			rows.Close()
			_ = tx.Rollback()
			return nil, fmt.Errorf("rebalance scan: %w", err)
		}
		tasks = append(tasks, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return nil, err
	}

	positions := ordering.RebalancedPositions(len(tasks))
	now := toMillis(time.Now().UTC())
	for i := range tasks {
		tasks[i].Position = positions[i]
		tasks[i].Version++
		tasks[i].PositionVersion = tasks[i].Version
		if _, err := tx.ExecContext(ctx, `
UPDATE tasks SET position = ?, position_version = ?, version = ?, updated_at = ? WHERE id = ?
`, tasks[i].Position, tasks[i].PositionVersion, tasks[i].Version, now, tasks[i].ID); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("rebalance update: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit rebalance: %w", err)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Position < tasks[j].Position })
	return tasks, nil
}
