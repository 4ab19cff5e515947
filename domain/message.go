package domain

import "github.com/bytedance/sonic"

// Client message discriminators (spec.md §6).
const (
	MsgSyncRequest    = "SYNC_REQUEST"
	MsgCreateTask     = "CREATE_TASK"
	MsgUpdateTask     = "UPDATE_TASK"
	MsgMoveTask       = "MOVE_TASK"
	MsgDeleteTask     = "DELETE_TASK"
	MsgPresenceUpdate = "PRESENCE_UPDATE"
	MsgReplayQueue    = "REPLAY_QUEUE"
)

// Server message discriminators (spec.md §6).
const (
	MsgInitialState     = "INITIAL_STATE"
	MsgTaskCreated      = "TASK_CREATED"
	MsgTaskUpdated      = "TASK_UPDATED"
	MsgTaskMoved        = "TASK_MOVED"
	MsgTaskDeleted      = "TASK_DELETED"
	MsgConflictResolved = "CONFLICT_RESOLVED"
	MsgRebalanced       = "REBALANCED"
	MsgError            = "ERROR"
)

// Error codes carried on ERROR payloads.
const (
	ErrCodeInvalidJSON        = "INVALID_JSON"
	ErrCodeUnknownMessageType = "UNKNOWN_MESSAGE_TYPE"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInternalError      = "INTERNAL_ERROR"
)

// ClientMessage is the discriminated-union envelope every inbound frame is
// decoded into before dispatch; Payload is re-decoded per Type.
type ClientMessage struct {
	Type    string                 `json:"type"`
	Payload sonic.NoCopyRawMessage `json:"payload"`
}

// ServerMessage is the envelope every outbound frame is encoded from.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type SyncRequestPayload struct {
	ClientID string `json:"clientId"`
}

type CreateTaskPayload struct {
	ClientID    string   `json:"clientId"`
	TempID      string   `json:"tempId"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ColumnID    ColumnID `json:"columnId"`
	Position    float64  `json:"position"`
}

type UpdateTaskPayload struct {
	ClientID    string         `json:"clientId"`
	TaskID      string         `json:"taskId"`
	BaseVersion int64          `json:"baseVersion"`
	Changes     map[string]any `json:"changes"`
}

type MoveTaskPayload struct {
	ClientID    string   `json:"clientId"`
	TaskID      string   `json:"taskId"`
	BaseVersion int64    `json:"baseVersion"`
	ColumnID    ColumnID `json:"columnId"`
	Position    float64  `json:"position"`
}

type DeleteTaskPayload struct {
	ClientID    string `json:"clientId"`
	TaskID      string `json:"taskId"`
	BaseVersion int64  `json:"baseVersion"`
}

type PresenceUpdatePayload struct {
	ClientID    string  `json:"clientId"`
	Username    string  `json:"username"`
	ViewingTask *string `json:"viewingTask,omitempty"`
	EditingTask *string `json:"editingTask,omitempty"`
}

type QueuedOperation struct {
	Type       string                 `json:"type"`
	Payload    sonic.NoCopyRawMessage `json:"payload"`
	EnqueuedAt int64                  `json:"enqueuedAt"`
}

type ReplayQueuePayload struct {
	ClientID   string            `json:"clientId"`
	Operations []QueuedOperation `json:"operations"`
}

// InitialStatePayload is sent once per new session, and echoed by sync.
type InitialStatePayload struct {
	Tasks    []Task         `json:"tasks"`
	Presence []PresenceUser `json:"presence"`
}

type TaskCreatedPayload struct {
	Task   Task   `json:"task"`
	TempID string `json:"tempId,omitempty"`
}

type TaskDeletedPayload struct {
	TaskID string `json:"taskId"`
}

type ConflictResolvedPayload struct {
	TaskID         string     `json:"taskId"`
	Resolution     Resolution `json:"resolution"`
	Task           Task       `json:"task"`
	MergedFields   []string   `json:"mergedFields,omitempty"`
	RejectedFields []string   `json:"rejectedFields,omitempty"`
	Reason         string     `json:"reason"`
}

type RebalancedPayload struct {
	ColumnID ColumnID `json:"columnId"`
	Tasks    []Task   `json:"tasks"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TaskID  string `json:"taskId,omitempty"`
}
