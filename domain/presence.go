package domain

import "time"

// PresenceUser is an ephemeral, process-local activity record for one
// connected client. It is never persisted.
type PresenceUser struct {
	ClientID     string    `json:"clientId"`
	Username     string    `json:"username"`
	Color        string    `json:"color"`
	ViewingTask  *string   `json:"viewingTask,omitempty"`
	EditingTask  *string   `json:"editingTask,omitempty"`
	ConnectedAt  time.Time `json:"connectedAt"`
}

// Palette is the fixed round-robin color assignment pool. Two users beyond
// the eighth connection receive a repeated color; no uniqueness invariant
// is promised.
var Palette = []string{
	"#e53935", "#8e24aa", "#3949ab", "#00897b",
	"#43a047", "#f9a825", "#6d4c41", "#546e7a",
}
