package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"boardsync-api/domain"
)

func newTestStore(t *testing.T) *TaskStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "board.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestCreateTaskDefaultsAndClamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, err := s.CreateTask(ctx, "  ", "", domain.ColumnTodo, 1.0)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.Title != domain.DefaultTitle {
		t.Fatalf("expected default title, got %q", task.Title)
	}
	if task.Version != 1 || task.TitleVersion != 1 {
		t.Fatalf("expected initial version stamps, got %+v", task)
	}

	if _, err := s.CreateTask(ctx, "x", "", "bogus", 1.0); err == nil {
		t.Fatalf("expected invalid column error")
	}
}

func TestGetAllTasksOrdersByColumnThenPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := os.Stat(t.TempDir()); err != nil {
		t.Fatalf("unexpected tempdir error: %v", err)
	}

	a, _ := s.CreateTask(ctx, "A", "", domain.ColumnTodo, 20)
	b, _ := s.CreateTask(ctx, "B", "", domain.ColumnTodo, 10)
	c, _ := s.CreateTask(ctx, "C", "", domain.ColumnDone, 5)

	tasks, err := s.GetAllTasks(ctx)
	if err != nil {
		t.Fatalf("get all tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	if tasks[0].ID != b.ID || tasks[1].ID != a.ID {
		t.Fatalf("expected todo tasks ordered by position: %+v", tasks)
	}
	if tasks[2].ID != c.ID {
		t.Fatalf("expected done task last: %+v", tasks)
	}
}

func TestUpdateTaskCleanMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "Original", "desc", domain.ColumnTodo, 1)

	res, err := s.UpdateTask(ctx, task.ID, task.Version, map[string]any{domain.FieldTitle: "Renamed"})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if res.Task.Title != "Renamed" {
		t.Fatalf("expected title applied, got %q", res.Task.Title)
	}
	if res.Analysis.HasConflict {
		t.Fatalf("expected clean update")
	}
	if res.Task.TitleVersion != res.Task.Version {
		t.Fatalf("expected title version to equal the new row version, got titleVersion=%d version=%d", res.Task.TitleVersion, res.Task.Version)
	}
}

// TestUpdateTaskFieldVersionTracksRowVersionNotFieldIncrement covers
// spec.md's move-then-edit scenario: once a move has advanced the row's
// global version without touching titleVersion, a later clean title edit
// must stamp titleVersion to the new global version, not to
// titleVersion+1 — the two diverge whenever a field's stamp lags version.
func TestUpdateTaskFieldVersionTracksRowVersionNotFieldIncrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "Original", "desc", domain.ColumnTodo, 1)

	moved, err := s.MoveTask(ctx, task.ID, task.Version, domain.ColumnInProgress, 2)
	if err != nil {
		t.Fatalf("move task: %v", err)
	}
	if moved.Task.Version != 2 || moved.Task.TitleVersion != 1 {
		t.Fatalf("expected move to advance version without touching titleVersion, got %+v", moved.Task)
	}

	res, err := s.UpdateTask(ctx, task.ID, moved.Task.Version, map[string]any{domain.FieldTitle: "Renamed"})
	if err != nil {
		t.Fatalf("update task: %v", err)
	}
	if res.Task.Version != 3 {
		t.Fatalf("expected row version 3, got %d", res.Task.Version)
	}
	if res.Task.TitleVersion != 3 {
		t.Fatalf("expected titleVersion to equal the new row version (3), got %d (titleVersion+1 would wrongly give %d)", res.Task.TitleVersion, moved.Task.TitleVersion+1)
	}
}

func TestUpdateTaskRejectsStaleBaseVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "Original", "", domain.ColumnTodo, 1)

	// Client A updates the title, advancing titleVersion.
	first, err := s.UpdateTask(ctx, task.ID, task.Version, map[string]any{domain.FieldTitle: "From A"})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Client B, still on the original baseVersion, proposes a conflicting
	// title change alongside a disjoint description change.
	second, err := s.UpdateTask(ctx, task.ID, task.Version, map[string]any{
		domain.FieldTitle:       "From B",
		domain.FieldDescription: "B's notes",
	})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if second.Task.Title != first.Task.Title {
		t.Fatalf("expected B's title to be rejected, got %q", second.Task.Title)
	}
	if second.Task.Description != "B's notes" {
		t.Fatalf("expected B's description to merge, got %q", second.Task.Description)
	}
	if len(second.Analysis.RejectedFields) != 1 || second.Analysis.RejectedFields[0] != domain.FieldTitle {
		t.Fatalf("expected title rejected, got %v", second.Analysis.RejectedFields)
	}
}

func TestUpdateTaskUnknownTask(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpdateTask(context.Background(), "missing", 0, map[string]any{domain.FieldTitle: "x"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMoveTaskSignalsRebalanceWhenGapExhausted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _ := s.CreateTask(ctx, "A", "", domain.ColumnTodo, 10)
	b, _ := s.CreateTask(ctx, "B", "", domain.ColumnTodo, 10.1)
	moved, err := s.CreateTask(ctx, "Moving", "", domain.ColumnInProgress, 1)
	if err != nil {
		t.Fatalf("create moving task: %v", err)
	}

	res, err := s.MoveTask(ctx, moved.ID, moved.Version, domain.ColumnTodo, (a.Position+b.Position)/2)
	if err != nil {
		t.Fatalf("move task: %v", err)
	}
	if !res.NeedsRebalance {
		t.Fatalf("expected rebalance to be needed for an exhausted gap")
	}
}

func TestDeleteTaskUnconditional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task, _ := s.CreateTask(ctx, "Gone soon", "", domain.ColumnTodo, 1)
	if err := s.DeleteTask(ctx, task.ID); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	if err := s.DeleteTask(ctx, task.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestRebalanceColumnPreservesOrderWithEvenSpacing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, _ := s.CreateTask(ctx, "First", "", domain.ColumnTodo, 1)
	second, _ := s.CreateTask(ctx, "Second", "", domain.ColumnTodo, 1.01)
	third, _ := s.CreateTask(ctx, "Third", "", domain.ColumnTodo, 1.02)

	rebalanced, err := s.RebalanceColumn(ctx, domain.ColumnTodo)
	if err != nil {
		t.Fatalf("rebalance: %v", err)
	}
	if len(rebalanced) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(rebalanced))
	}
	if rebalanced[0].ID != first.ID || rebalanced[1].ID != second.ID || rebalanced[2].ID != third.ID {
		t.Fatalf("rebalance must preserve relative order: %+v", rebalanced)
	}
	for i, want := range []float64{65536, 131072, 196608} {
		if rebalanced[i].Position != want {
			t.Fatalf("task %d position = %v, want %v", i, rebalanced[i].Position, want)
		}
	}
}
