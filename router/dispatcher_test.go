package router

import (
	"context"
	"errors"
	"testing"

	"github.com/bytedance/sonic"

	"boardsync-api/broadcast"
	"boardsync-api/domain"
	"boardsync-api/presence"
	"boardsync-api/storage"
)

type fakeTasks struct {
	tasks          []domain.Task
	createErr      error
	updateResult   storage.UpdateResult
	updateErr      error
	moveResult     storage.MoveResult
	moveErr        error
	deleteErr      error
	rebalanced     []domain.Task
	rebalanceErr   error
	rebalanceCalls int
}

func (f *fakeTasks) GetAllTasks(ctx context.Context) ([]domain.Task, error) { return f.tasks, nil }

func (f *fakeTasks) CreateTask(ctx context.Context, title, description string, columnID domain.ColumnID, position float64) (domain.Task, error) {
	if f.createErr != nil {
		return domain.Task{}, f.createErr
	}
	return domain.Task{ID: "new-task", Title: title, Description: description, ColumnID: columnID, Position: position, Version: 1}, nil
}

func (f *fakeTasks) UpdateTask(ctx context.Context, taskID string, baseVersion int64, changes map[string]any) (storage.UpdateResult, error) {
	return f.updateResult, f.updateErr
}

func (f *fakeTasks) MoveTask(ctx context.Context, taskID string, baseVersion int64, columnID domain.ColumnID, position float64) (storage.MoveResult, error) {
	return f.moveResult, f.moveErr
}

func (f *fakeTasks) DeleteTask(ctx context.Context, taskID string) error { return f.deleteErr }

func (f *fakeTasks) RebalanceColumn(ctx context.Context, columnID domain.ColumnID) ([]domain.Task, error) {
	f.rebalanceCalls++
	return f.rebalanced, f.rebalanceErr
}

type fakeAudit struct {
	mutations  []storage.MutationEvent
	rebalances []storage.RebalanceEvent
}

func (f *fakeAudit) PublishMutation(ev storage.MutationEvent)   { f.mutations = append(f.mutations, ev) }
func (f *fakeAudit) PublishRebalance(ev storage.RebalanceEvent) { f.rebalances = append(f.rebalances, ev) }

func newTestRouter(tasks TaskService) (*Router, *broadcast.Broadcaster, *presence.Registry, *fakeAudit) {
	b := broadcast.NewBroadcaster()
	p := presence.NewRegistry()
	audit := &fakeAudit{}
	r := New(tasks, p, b, nil, nil, nil)
	r.audit = audit // bypass storage.AuditPublisher concrete type requirement in New
	return r, b, p, audit
}

func registerSession(b *broadcast.Broadcaster, clientID string) *broadcast.ChanSession {
	s := broadcast.NewChanSession(16)
	b.Register(clientID, s)
	return s
}

func recvFrame(t *testing.T, s *broadcast.ChanSession) domain.ServerMessage {
	t.Helper()
	select {
	case frame := <-s.Frames():
		var msg domain.ServerMessage
		if err := sonic.Unmarshal(frame, &msg); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return msg
	default:
		t.Fatalf("expected a frame, got none")
	}
	return domain.ServerMessage{}
}

func frame(t *testing.T, clientMsg domain.ClientMessage) []byte {
	t.Helper()
	raw, err := sonic.Marshal(clientMsg)
	if err != nil {
		t.Fatalf("marshal client message: %v", err)
	}
	return raw
}

func payloadOf(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := sonic.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return raw
}

func TestDispatchSyncRequestSendsInitialStateToSender(t *testing.T) {
	tasks := &fakeTasks{tasks: []domain.Task{{ID: "t1", Title: "A"}}}
	r, b, p, _ := newTestRouter(tasks)
	p.AddUser("c1", "Alice")
	sess := registerSession(b, "c1")

	raw := frame(t, domain.ClientMessage{Type: domain.MsgSyncRequest, Payload: payloadOf(t, domain.SyncRequestPayload{ClientID: "c1"})})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := recvFrame(t, sess)
	if msg.Type != domain.MsgInitialState {
		t.Fatalf("expected INITIAL_STATE, got %s", msg.Type)
	}
}

func TestDispatchCreateTaskBroadcastsToAllIncludingSender(t *testing.T) {
	tasks := &fakeTasks{}
	r, b, _, audit := newTestRouter(tasks)
	sender := registerSession(b, "c1")
	other := registerSession(b, "c2")

	payload := domain.CreateTaskPayload{ClientID: "c1", TempID: "tmp-1", Title: "New", ColumnID: domain.ColumnTodo, Position: 1}
	raw := frame(t, domain.ClientMessage{Type: domain.MsgCreateTask, Payload: payloadOf(t, payload)})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	for _, s := range []*broadcast.ChanSession{sender, other} {
		msg := recvFrame(t, s)
		if msg.Type != domain.MsgTaskCreated {
			t.Fatalf("expected TASK_CREATED, got %s", msg.Type)
		}
	}
	if len(audit.mutations) != 1 || audit.mutations[0].Type != domain.MsgTaskCreated {
		t.Fatalf("expected one audited creation, got %+v", audit.mutations)
	}
}

func TestDispatchUpdateTaskCleanBroadcastsToAll(t *testing.T) {
	updated := domain.Task{ID: "t1", Title: "Renamed", Version: 2}
	tasks := &fakeTasks{updateResult: storage.UpdateResult{Task: updated, Analysis: domain.Analysis{HasConflict: false}}}
	r, b, _, _ := newTestRouter(tasks)
	sender := registerSession(b, "c1")

	payload := domain.UpdateTaskPayload{ClientID: "c1", TaskID: "t1", BaseVersion: 1, Changes: map[string]any{"title": "Renamed"}}
	raw := frame(t, domain.ClientMessage{Type: domain.MsgUpdateTask, Payload: payloadOf(t, payload)})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := recvFrame(t, sender)
	if msg.Type != domain.MsgTaskUpdated {
		t.Fatalf("expected TASK_UPDATED, got %s", msg.Type)
	}
}

func TestDispatchUpdateTaskFullyRejectedSkipsSenderBroadcast(t *testing.T) {
	current := domain.Task{ID: "t1", Title: "From A", Version: 2}
	analysis := domain.Analysis{HasConflict: true, FullyRejected: true, RejectedFields: []string{domain.FieldTitle}, Reason: "stale baseVersion"}
	tasks := &fakeTasks{updateResult: storage.UpdateResult{Task: current, Analysis: analysis}}
	r, b, _, _ := newTestRouter(tasks)
	sender := registerSession(b, "c1")
	other := registerSession(b, "c2")

	payload := domain.UpdateTaskPayload{ClientID: "c1", TaskID: "t1", BaseVersion: 1, Changes: map[string]any{"title": "From B"}}
	raw := frame(t, domain.ClientMessage{Type: domain.MsgUpdateTask, Payload: payloadOf(t, payload)})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	senderMsg := recvFrame(t, sender)
	if senderMsg.Type != domain.MsgConflictResolved {
		t.Fatalf("expected CONFLICT_RESOLVED to sender, got %s", senderMsg.Type)
	}
	otherMsg := recvFrame(t, other)
	if otherMsg.Type != domain.MsgTaskUpdated {
		t.Fatalf("expected TASK_UPDATED to the other client, got %s", otherMsg.Type)
	}
	select {
	case <-sender.Frames():
		t.Fatalf("sender should not additionally receive TASK_UPDATED on full rejection")
	default:
	}
}

func TestDispatchUpdateTaskPartialMergeReachesEveryone(t *testing.T) {
	merged := domain.Task{ID: "t1", Title: "From A", Description: "B's notes", Version: 3}
	analysis := domain.Analysis{HasConflict: true, FullyRejected: false, MergedFields: []string{domain.FieldDescription}, RejectedFields: []string{domain.FieldTitle}, Reason: "partial merge"}
	tasks := &fakeTasks{updateResult: storage.UpdateResult{Task: merged, Analysis: analysis}}
	r, b, _, _ := newTestRouter(tasks)
	sender := registerSession(b, "c1")

	payload := domain.UpdateTaskPayload{ClientID: "c1", TaskID: "t1", BaseVersion: 1, Changes: map[string]any{"title": "From B", "description": "B's notes"}}
	raw := frame(t, domain.ClientMessage{Type: domain.MsgUpdateTask, Payload: payloadOf(t, payload)})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	first := recvFrame(t, sender)
	if first.Type != domain.MsgConflictResolved {
		t.Fatalf("expected CONFLICT_RESOLVED first, got %s", first.Type)
	}
	second := recvFrame(t, sender)
	if second.Type != domain.MsgTaskUpdated {
		t.Fatalf("expected TASK_UPDATED to also reach sender on partial merge, got %s", second.Type)
	}
}

func TestDispatchMoveTaskTriggersRebalanceBroadcast(t *testing.T) {
	moved := domain.Task{ID: "t1", ColumnID: domain.ColumnTodo, Position: 10, Version: 2}
	tasks := &fakeTasks{
		moveResult: storage.MoveResult{
			UpdateResult:   storage.UpdateResult{Task: moved, Analysis: domain.Analysis{HasConflict: false}},
			NeedsRebalance: true,
		},
		rebalanced: []domain.Task{{ID: "t1", Position: 65536}, {ID: "t2", Position: 131072}},
	}
	r, b, _, audit := newTestRouter(tasks)
	sender := registerSession(b, "c1")

	payload := domain.MoveTaskPayload{ClientID: "c1", TaskID: "t1", BaseVersion: 1, ColumnID: domain.ColumnTodo, Position: 10}
	raw := frame(t, domain.ClientMessage{Type: domain.MsgMoveTask, Payload: payloadOf(t, payload)})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	moveMsg := recvFrame(t, sender)
	if moveMsg.Type != domain.MsgTaskMoved {
		t.Fatalf("expected TASK_MOVED, got %s", moveMsg.Type)
	}
	rebalanceMsg := recvFrame(t, sender)
	if rebalanceMsg.Type != domain.MsgRebalanced {
		t.Fatalf("expected REBALANCED after move, got %s", rebalanceMsg.Type)
	}
	if tasks.rebalanceCalls != 1 {
		t.Fatalf("expected exactly one rebalance call, got %d", tasks.rebalanceCalls)
	}
	if len(audit.rebalances) != 1 {
		t.Fatalf("expected one audited rebalance, got %+v", audit.rebalances)
	}
}

func TestDispatchDeleteTaskNotFoundSendsErrorToSender(t *testing.T) {
	tasks := &fakeTasks{deleteErr: storage.ErrNotFound}
	r, b, _, _ := newTestRouter(tasks)
	sender := registerSession(b, "c1")

	payload := domain.DeleteTaskPayload{ClientID: "c1", TaskID: "missing", BaseVersion: 1}
	raw := frame(t, domain.ClientMessage{Type: domain.MsgDeleteTask, Payload: payloadOf(t, payload)})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := recvFrame(t, sender)
	if msg.Type != domain.MsgError {
		t.Fatalf("expected ERROR, got %s", msg.Type)
	}
}

func TestDispatchDeleteTaskBroadcastsToAllOnSuccess(t *testing.T) {
	tasks := &fakeTasks{}
	r, b, _, _ := newTestRouter(tasks)
	sender := registerSession(b, "c1")

	payload := domain.DeleteTaskPayload{ClientID: "c1", TaskID: "t1", BaseVersion: 1}
	raw := frame(t, domain.ClientMessage{Type: domain.MsgDeleteTask, Payload: payloadOf(t, payload)})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := recvFrame(t, sender)
	if msg.Type != domain.MsgTaskDeleted {
		t.Fatalf("expected TASK_DELETED, got %s", msg.Type)
	}
}

func TestDispatchPresenceUpdateBroadcastsFullRoster(t *testing.T) {
	tasks := &fakeTasks{}
	r, b, p, _ := newTestRouter(tasks)
	p.AddUser("c1", "Alice")
	sender := registerSession(b, "c1")

	viewing := "t1"
	payload := domain.PresenceUpdatePayload{ClientID: "c1", Username: "Alice", ViewingTask: &viewing}
	raw := frame(t, domain.ClientMessage{Type: domain.MsgPresenceUpdate, Payload: payloadOf(t, payload)})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := recvFrame(t, sender)
	if msg.Type != domain.MsgPresenceUpdate {
		t.Fatalf("expected PRESENCE_UPDATE, got %s", msg.Type)
	}
}

func TestDispatchUnknownTypeSendsError(t *testing.T) {
	tasks := &fakeTasks{}
	r, b, _, _ := newTestRouter(tasks)
	sender := registerSession(b, "c1")

	raw := frame(t, domain.ClientMessage{Type: "NOT_A_REAL_TYPE", Payload: payloadOf(t, map[string]any{})})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := recvFrame(t, sender)
	if msg.Type != domain.MsgError {
		t.Fatalf("expected ERROR, got %s", msg.Type)
	}
	errPayload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("expected decoded error payload, got %#v", msg.Payload)
	}
	if errPayload["code"] != domain.ErrCodeUnknownMessageType {
		t.Fatalf("expected UNKNOWN_MESSAGE_TYPE, got %v", errPayload["code"])
	}
}

func TestDispatchInvalidJSONSendsError(t *testing.T) {
	tasks := &fakeTasks{}
	r, b, _, _ := newTestRouter(tasks)
	sender := registerSession(b, "c1")

	if err := r.Dispatch(context.Background(), "c1", []byte("{not json")); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := recvFrame(t, sender)
	if msg.Type != domain.MsgError {
		t.Fatalf("expected ERROR, got %s", msg.Type)
	}
}

func TestDispatchReplayQueueAppliesOpsInOrder(t *testing.T) {
	tasks := &fakeTasks{}
	r, b, _, _ := newTestRouter(tasks)
	sender := registerSession(b, "c1")

	createPayload := payloadOf(t, domain.CreateTaskPayload{ClientID: "c1", TempID: "tmp-1", Title: "Queued", ColumnID: domain.ColumnTodo, Position: 1})
	laterPayload := payloadOf(t, domain.CreateTaskPayload{ClientID: "c1", TempID: "tmp-2", Title: "Queued later", ColumnID: domain.ColumnTodo, Position: 2})
	replay := domain.ReplayQueuePayload{
		ClientID: "c1",
		Operations: []domain.QueuedOperation{
			{Type: domain.MsgCreateTask, Payload: createPayload, EnqueuedAt: 1000},
			{Type: domain.MsgCreateTask, Payload: laterPayload, EnqueuedAt: 2000},
		},
	}
	raw := frame(t, domain.ClientMessage{Type: domain.MsgReplayQueue, Payload: payloadOf(t, replay)})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	for _, wantTempID := range []string{"tmp-1", "tmp-2"} {
		msg := recvFrame(t, sender)
		if msg.Type != domain.MsgTaskCreated {
			t.Fatalf("expected the replayed CREATE_TASK to reach the router, got %s", msg.Type)
		}
		created, ok := msg.Payload.(map[string]any)
		if !ok || created["tempId"] != wantTempID {
			t.Fatalf("expected replayed ops in enqueue order, want tempId %q, got %#v", wantTempID, msg.Payload)
		}
	}
}

func TestDispatchUpdateTaskServiceErrorSendsInternalError(t *testing.T) {
	tasks := &fakeTasks{updateErr: errors.New("boom")}
	r, b, _, _ := newTestRouter(tasks)
	sender := registerSession(b, "c1")

	payload := domain.UpdateTaskPayload{ClientID: "c1", TaskID: "t1", BaseVersion: 1, Changes: map[string]any{"title": "x"}}
	raw := frame(t, domain.ClientMessage{Type: domain.MsgUpdateTask, Payload: payloadOf(t, payload)})
	if err := r.Dispatch(context.Background(), "c1", raw); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	msg := recvFrame(t, sender)
	if msg.Type != domain.MsgError {
		t.Fatalf("expected ERROR, got %s", msg.Type)
	}
	errPayload, ok := msg.Payload.(map[string]any)
	if !ok {
		t.Fatalf("expected decoded error payload, got %#v", msg.Payload)
	}
	if errPayload["code"] != domain.ErrCodeInternalError {
		t.Fatalf("expected INTERNAL_ERROR, got %v", errPayload["code"])
	}
}
