package domain

import "time"

// ColumnID identifies one of the fixed board columns.
type ColumnID string

const (
	ColumnTodo       ColumnID = "todo"
	ColumnInProgress ColumnID = "inprogress"
	ColumnDone       ColumnID = "done"
)

// ValidColumn reports whether id is one of the board's fixed columns.
func ValidColumn(id ColumnID) bool {
	switch id {
	case ColumnTodo, ColumnInProgress, ColumnDone:
		return true
	default:
		return false
	}
}

const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 2000
	DefaultTitle      = "New Task"
)

// Logical field names shared by the conflict resolver, task service and
// wire protocol. Order matters for deterministic reason strings.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldColumnID    = "columnId"
	FieldPosition    = "position"
)

// MutableFields lists every field a client may propose a change for, in a
// fixed, deterministic order.
var MutableFields = []string{FieldTitle, FieldDescription, FieldColumnID, FieldPosition}

// Task is the sole persisted entity on the board.
//
// Version is the global per-row write counter; TitleVersion,
// DescriptionVersion, ColumnVersion and PositionVersion each record the
// Version that last wrote that specific field.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	ColumnID    ColumnID `json:"columnId"`
	Position    float64  `json:"position"`

	Version            int64 `json:"version"`
	TitleVersion       int64 `json:"titleVersion"`
	DescriptionVersion int64 `json:"descriptionVersion"`
	ColumnVersion      int64 `json:"columnVersion"`
	PositionVersion    int64 `json:"positionVersion"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FieldVersions exposes the task's per-field stamps keyed by logical field
// name.
func (t Task) FieldVersions() map[string]int64 {
	return map[string]int64{
		FieldTitle:       t.TitleVersion,
		FieldDescription: t.DescriptionVersion,
		FieldColumnID:    t.ColumnVersion,
		FieldPosition:    t.PositionVersion,
	}
}
