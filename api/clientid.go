package api

import "time"

// heartbeatInterval matches the teacher's own streamTasks polling
// cadence (stream.go), repurposed here as a keepalive rather than a
// re-fetch trigger since frames are now pushed on mutation.
const heartbeatInterval = 30 * time.Second

func newHeartbeat() *time.Ticker {
	return time.NewTicker(heartbeatInterval)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// defaultUsername derives the spec.md §4.7 fallback username from the
// last four characters of a clientId; an id of four characters or
// fewer is used whole rather than sliced out of range.
func defaultUsername(clientID string) string {
	suffix := clientID
	if len(clientID) > 4 {
		suffix = clientID[len(clientID)-4:]
	}
	return "User-" + suffix
}
