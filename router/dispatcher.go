// Package router decodes inbound duplex frames, dispatches them to the
// task service and presence registry, and drives the broadcast policy
// that fans the resulting server messages back out. It is the message
// router described by the teacher's handler layer (api/handlers.go),
// generalized from one-shot HTTP command batches to a persistent
// per-session stream of discriminated-union frames.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"boardsync-api/broadcast"
	"boardsync-api/domain"
	"boardsync-api/presence"
	"boardsync-api/storage"
	"boardsync-api/telemetry"
)

// TaskService is the subset of storage.Cache/storage.TaskStore the router
// needs, narrowed to an interface so tests can substitute a fake without
// a real database.
type TaskService interface {
	GetAllTasks(ctx context.Context) ([]domain.Task, error)
	CreateTask(ctx context.Context, title, description string, columnID domain.ColumnID, position float64) (domain.Task, error)
	UpdateTask(ctx context.Context, taskID string, baseVersion int64, changes map[string]any) (storage.UpdateResult, error)
	MoveTask(ctx context.Context, taskID string, baseVersion int64, columnID domain.ColumnID, position float64) (storage.MoveResult, error)
	DeleteTask(ctx context.Context, taskID string) error
	RebalanceColumn(ctx context.Context, columnID domain.ColumnID) ([]domain.Task, error)
}

// cacheEvictor is implemented by storage.Cache; a TaskService that isn't
// cache-backed (e.g. a bare *storage.TaskStore in tests) simply has no
// cache to evict.
type cacheEvictor interface {
	Evict(ctx context.Context)
}

// auditSink is the subset of storage.AuditPublisher the router needs. A
// nil *storage.AuditPublisher satisfies this trivially since its methods
// are nil-receiver safe, matching the "audit becomes a no-op if unset"
// config contract.
type auditSink interface {
	PublishMutation(ev storage.MutationEvent)
	PublishRebalance(ev storage.RebalanceEvent)
}

// Router wires the task service, presence registry and broadcaster
// together and implements the per-type orchestration table.
type Router struct {
	tasks       TaskService
	presence    *presence.Registry
	broadcaster *broadcast.Broadcaster
	audit       auditSink
	dedupe      *ReplayDeduper
	logger      *logrus.Logger
}

// New creates a Router. audit may be nil (no-op) and dedupe may be nil
// (replay always dispatches without de-duplication).
func New(tasks TaskService, presenceRegistry *presence.Registry, broadcaster *broadcast.Broadcaster, audit *storage.AuditPublisher, dedupe *ReplayDeduper, logger *logrus.Logger) *Router {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Router{
		tasks:       tasks,
		presence:    presenceRegistry,
		broadcaster: broadcaster,
		audit:       audit,
		dedupe:      dedupe,
		logger:      logger,
	}
}

// Dispatch decodes raw as a ClientMessage and routes it per spec.md §4.6.
// Decode failures and unknown types produce an ERROR frame to the
// sender; any panic raised downstream is recovered and translated to an
// INTERNAL_ERROR frame. Dispatch never returns an error for business
// outcomes — the duplex protocol reports those over the broadcast
// channel, not the call stack — so its error return is reserved for
// truly unrecoverable conditions, which in practice never arise.
func (r *Router) Dispatch(ctx context.Context, senderClientID string, raw []byte) error {
	decodeStart := time.Now()
	var msg domain.ClientMessage
	if err := sonic.Unmarshal(raw, &msg); err != nil {
		r.sendError(senderClientID, domain.ErrCodeInvalidJSON, err.Error(), "")
		return nil
	}
	decodeDuration := time.Since(decodeStart)

	ctx, tm := telemetry.StartDispatch(ctx, r.logger, msg.Type)
	tm.ObserveDecode(decodeDuration)

	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("panic in dispatch: %v", p)
			r.logger.WithError(err).WithField("type", msg.Type).Error("router: recovered from panic")
			tm.SetErrorStage("panic")
			tm.Finish(err)
			r.sendError(senderClientID, domain.ErrCodeInternalError, err.Error(), "")
		}
	}()

	switch msg.Type {
	case domain.MsgSyncRequest:
		r.handleSyncRequest(ctx, senderClientID, tm)
	case domain.MsgCreateTask:
		r.handleCreateTask(ctx, senderClientID, msg.Payload, tm)
	case domain.MsgUpdateTask:
		r.handleUpdateTask(ctx, senderClientID, msg.Payload, tm)
	case domain.MsgMoveTask:
		r.handleMoveTask(ctx, senderClientID, msg.Payload, tm)
	case domain.MsgDeleteTask:
		r.handleDeleteTask(ctx, senderClientID, msg.Payload, tm)
	case domain.MsgPresenceUpdate:
		r.handlePresenceUpdate(senderClientID, msg.Payload, tm)
	case domain.MsgReplayQueue:
		r.handleReplayQueue(ctx, senderClientID, msg.Payload, tm)
	default:
		tm.SetErrorStage("unknown_type")
		tm.Finish(nil)
		r.sendError(senderClientID, domain.ErrCodeUnknownMessageType, "unknown message type: "+msg.Type, "")
	}
	return nil
}

func (r *Router) sendError(clientID, code, message, taskID string) {
	r.broadcaster.SendTo(clientID, domain.ServerMessage{
		Type:    domain.MsgError,
		Payload: domain.ErrorPayload{Code: code, Message: message, TaskID: taskID},
	})
}

func (r *Router) evictCache(ctx context.Context) {
	if ev, ok := r.tasks.(cacheEvictor); ok {
		ev.Evict(ctx)
	}
}

func decodePayload[T any](raw []byte) (T, error) {
	var v T
	err := sonic.Unmarshal(raw, &v)
	return v, err
}

func (r *Router) handleSyncRequest(ctx context.Context, senderClientID string, tm *telemetry.DispatchMetrics) {
	serviceStart := time.Now()
	tasks, err := r.tasks.GetAllTasks(ctx)
	tm.ObserveService(time.Since(serviceStart))
	if err != nil {
		tm.SetErrorStage("service")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInternalError, err.Error(), "")
		return
	}
	r.broadcaster.SendTo(senderClientID, domain.ServerMessage{
		Type:    domain.MsgInitialState,
		Payload: domain.InitialStatePayload{Tasks: tasks, Presence: r.presence.GetAllUsers()},
	})
	tm.SetOutcome("clean")
	tm.Finish(nil)
}

func (r *Router) handleCreateTask(ctx context.Context, senderClientID string, raw []byte, tm *telemetry.DispatchMetrics) {
	payload, err := decodePayload[domain.CreateTaskPayload](raw)
	if err != nil {
		tm.SetErrorStage("decode")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInvalidJSON, err.Error(), "")
		return
	}

	serviceStart := time.Now()
	task, err := r.tasks.CreateTask(ctx, payload.Title, payload.Description, payload.ColumnID, payload.Position)
	tm.ObserveService(time.Since(serviceStart))
	if err != nil {
		tm.SetErrorStage("service")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInternalError, err.Error(), "")
		return
	}
	r.evictCache(ctx)
	r.audit.PublishMutation(storage.MutationEvent{TaskID: task.ID, ClientID: senderClientID, Type: domain.MsgTaskCreated})

	broadcastStart := time.Now()
	r.broadcaster.BroadcastAll(domain.ServerMessage{
		Type:    domain.MsgTaskCreated,
		Payload: domain.TaskCreatedPayload{Task: task, TempID: payload.TempID},
	})
	tm.ObserveBroadcast(time.Since(broadcastStart))
	tm.SetOutcome("clean")
	tm.Finish(nil)
}

func (r *Router) handleUpdateTask(ctx context.Context, senderClientID string, raw []byte, tm *telemetry.DispatchMetrics) {
	payload, err := decodePayload[domain.UpdateTaskPayload](raw)
	if err != nil {
		tm.SetErrorStage("decode")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInvalidJSON, err.Error(), "")
		return
	}

	serviceStart := time.Now()
	res, err := r.tasks.UpdateTask(ctx, payload.TaskID, payload.BaseVersion, payload.Changes)
	tm.ObserveService(time.Since(serviceStart))
	if err == storage.ErrNotFound {
		tm.SetErrorStage("not_found")
		tm.Finish(nil)
		r.sendError(senderClientID, domain.ErrCodeNotFound, "task not found", payload.TaskID)
		return
	}
	if err != nil {
		tm.SetErrorStage("service")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInternalError, err.Error(), "")
		return
	}
	r.evictCache(ctx)
	r.audit.PublishMutation(storage.MutationEvent{
		TaskID: payload.TaskID, ClientID: senderClientID, Type: domain.MsgTaskUpdated,
		Resolution: resolutionFor(res.Analysis),
	})

	broadcastStart := time.Now()
	r.routeConflict(senderClientID, payload.TaskID, res, domain.MsgTaskUpdated)
	tm.ObserveBroadcast(time.Since(broadcastStart))
	tm.SetOutcome(outcomeFor(res.Analysis))
	tm.Finish(nil)
}

func (r *Router) handleMoveTask(ctx context.Context, senderClientID string, raw []byte, tm *telemetry.DispatchMetrics) {
	payload, err := decodePayload[domain.MoveTaskPayload](raw)
	if err != nil {
		tm.SetErrorStage("decode")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInvalidJSON, err.Error(), "")
		return
	}

	serviceStart := time.Now()
	res, err := r.tasks.MoveTask(ctx, payload.TaskID, payload.BaseVersion, payload.ColumnID, payload.Position)
	tm.ObserveService(time.Since(serviceStart))
	if err == storage.ErrNotFound {
		tm.SetErrorStage("not_found")
		tm.Finish(nil)
		r.sendError(senderClientID, domain.ErrCodeNotFound, "task not found", payload.TaskID)
		return
	}
	if err != nil {
		tm.SetErrorStage("service")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInternalError, err.Error(), "")
		return
	}
	r.evictCache(ctx)
	r.audit.PublishMutation(storage.MutationEvent{
		TaskID: payload.TaskID, ClientID: senderClientID, Type: domain.MsgTaskMoved,
		Resolution: resolutionFor(res.Analysis),
	})

	broadcastStart := time.Now()
	r.routeConflict(senderClientID, payload.TaskID, res.UpdateResult, domain.MsgTaskMoved)
	tm.ObserveBroadcast(time.Since(broadcastStart))
	tm.SetOutcome(outcomeFor(res.Analysis))

	if res.NeedsRebalance {
		r.rebalanceAndBroadcast(ctx, res.Task.ColumnID)
	}
	tm.Finish(nil)
}

func (r *Router) rebalanceAndBroadcast(ctx context.Context, columnID domain.ColumnID) {
	rebalanced, err := r.tasks.RebalanceColumn(ctx, columnID)
	if err != nil {
		r.logger.WithError(err).WithField("columnId", columnID).Error("router: rebalance failed")
		return
	}
	r.evictCache(ctx)
	r.broadcaster.BroadcastAll(domain.ServerMessage{
		Type:    domain.MsgRebalanced,
		Payload: domain.RebalancedPayload{ColumnID: columnID, Tasks: rebalanced},
	})
	r.audit.PublishRebalance(storage.RebalanceEvent{ColumnID: columnID, TaskCount: len(rebalanced)})
}

func (r *Router) handleDeleteTask(ctx context.Context, senderClientID string, raw []byte, tm *telemetry.DispatchMetrics) {
	payload, err := decodePayload[domain.DeleteTaskPayload](raw)
	if err != nil {
		tm.SetErrorStage("decode")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInvalidJSON, err.Error(), "")
		return
	}

	serviceStart := time.Now()
	err = r.tasks.DeleteTask(ctx, payload.TaskID)
	tm.ObserveService(time.Since(serviceStart))
	if err == storage.ErrNotFound {
		tm.SetOutcome("rejected")
		tm.SetErrorStage("not_found")
		tm.Finish(nil)
		r.sendError(senderClientID, domain.ErrCodeNotFound, "task not found", payload.TaskID)
		return
	}
	if err != nil {
		tm.SetErrorStage("service")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInternalError, err.Error(), "")
		return
	}
	r.evictCache(ctx)
	r.audit.PublishMutation(storage.MutationEvent{TaskID: payload.TaskID, ClientID: senderClientID, Type: domain.MsgTaskDeleted})

	r.broadcaster.BroadcastAll(domain.ServerMessage{
		Type:    domain.MsgTaskDeleted,
		Payload: domain.TaskDeletedPayload{TaskID: payload.TaskID},
	})
	tm.SetOutcome("clean")
	tm.Finish(nil)
}

func (r *Router) handlePresenceUpdate(senderClientID string, raw []byte, tm *telemetry.DispatchMetrics) {
	payload, err := decodePayload[domain.PresenceUpdatePayload](raw)
	if err != nil {
		tm.SetErrorStage("decode")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInvalidJSON, err.Error(), "")
		return
	}
	r.presence.UpdateUser(payload.ClientID, payload)
	r.broadcaster.BroadcastAll(domain.ServerMessage{
		Type:    domain.MsgPresenceUpdate,
		Payload: r.presence.GetAllUsers(),
	})
	tm.SetOutcome("clean")
	tm.Finish(nil)
}

func (r *Router) handleReplayQueue(ctx context.Context, senderClientID string, raw []byte, tm *telemetry.DispatchMetrics) {
	payload, err := decodePayload[domain.ReplayQueuePayload](raw)
	if err != nil {
		tm.SetErrorStage("decode")
		tm.Finish(err)
		r.sendError(senderClientID, domain.ErrCodeInvalidJSON, err.Error(), "")
		return
	}

	for _, op := range payload.Operations {
		if r.dedupe != nil {
			seen, err := r.dedupe.Add(ctx, senderClientID, op)
			if err != nil {
				r.logger.WithError(err).Warn("router: replay dedupe check failed, applying op anyway")
			} else if !seen {
				continue
			}
		}
		opRaw, err := sonic.Marshal(domain.ClientMessage{Type: op.Type, Payload: op.Payload})
		if err != nil {
			r.logger.WithError(err).WithField("type", op.Type).Warn("router: failed to re-encode replayed op")
			continue
		}
		_ = r.Dispatch(ctx, senderClientID, opRaw)
	}
	tm.SetOutcome("clean")
	tm.Finish(nil)
}

// routeConflict implements the update/move broadcast policy from
// spec.md §4.6: a clean write goes to everyone; a partial merge goes to
// everyone (including the sender, whose optimistic state the merge
// supersedes) plus a CONFLICT_RESOLVED to the sender; a full rejection
// goes to everyone except the sender (who already has the authoritative
// state via its own CONFLICT_RESOLVED).
func (r *Router) routeConflict(senderClientID, taskID string, res storage.UpdateResult, msgType string) {
	if !res.Analysis.HasConflict {
		r.broadcaster.BroadcastAll(domain.ServerMessage{Type: msgType, Payload: res.Task})
		return
	}

	resolution := domain.ResolutionMerged
	if res.Analysis.FullyRejected {
		resolution = domain.ResolutionRejected
	}
	r.broadcaster.SendTo(senderClientID, domain.ServerMessage{
		Type: domain.MsgConflictResolved,
		Payload: domain.ConflictResolvedPayload{
			TaskID:         taskID,
			Resolution:     resolution,
			Task:           res.Task,
			MergedFields:   res.Analysis.MergedFields,
			RejectedFields: res.Analysis.RejectedFields,
			Reason:         res.Analysis.Reason,
		},
	})

	if res.Analysis.FullyRejected {
		r.broadcaster.BroadcastExcept(senderClientID, domain.ServerMessage{Type: msgType, Payload: res.Task})
		return
	}
	r.broadcaster.BroadcastAll(domain.ServerMessage{Type: msgType, Payload: res.Task})
}

func resolutionFor(a domain.Analysis) domain.Resolution {
	if !a.HasConflict {
		return ""
	}
	if a.FullyRejected {
		return domain.ResolutionRejected
	}
	return domain.ResolutionMerged
}

func outcomeFor(a domain.Analysis) string {
	if !a.HasConflict {
		return "clean"
	}
	if a.FullyRejected {
		return "rejected"
	}
	return "merged"
}
