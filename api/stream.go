package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"boardsync-api/broadcast"
	"boardsync-api/domain"
)

const sessionMailboxSize = 64

// stream is the connection supervisor (spec.md §4.7): it upgrades the
// request into a server-sent-events stream, registers the session with
// the broadcaster and presence registry, delivers one INITIAL_STATE
// frame, announces the new presence to everyone else, and then drains
// the session's mailbox until the client disconnects. The push loop is
// grounded on the teacher's other service's subscriber-channel pattern
// (api/stream.go: subscribers map[string]map[chan Event]struct{}),
// generalized here to the shared broadcast.Broadcaster registry; the
// SSE response headers and the periodic keepalive comment follow the
// teacher's own streamTasks handler (stream.go).
func (s *Server) stream(c echo.Context) error {
	req := c.Request()
	ctx := req.Context()

	clientID := c.QueryParam("clientId")
	if clientID == "" {
		clientID = s.nextAnonClientID()
	}
	username := c.QueryParam("username")
	if username == "" {
		username = defaultUsername(clientID)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)

	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming unsupported")
	}

	session := broadcast.NewChanSession(sessionMailboxSize)
	s.broadcaster.Register(clientID, session)
	s.presence.AddUser(clientID, username)

	defer func() {
		s.broadcaster.Unregister(clientID, session)
		s.presence.RemoveUser(clientID)
		s.dropSessionLock(clientID)
		s.broadcaster.BroadcastAll(domain.ServerMessage{
			Type:    domain.MsgPresenceUpdate,
			Payload: s.presence.GetAllUsers(),
		})
	}()

	tasks, err := s.tasks.GetAllTasks(ctx)
	if err != nil {
		s.logger.WithError(err).WithField("clientId", clientID).Error("api: initial snapshot failed")
		tasks = nil
	}
	s.broadcaster.SendTo(clientID, domain.ServerMessage{
		Type:    domain.MsgInitialState,
		Payload: domain.InitialStatePayload{Tasks: tasks, Presence: s.presence.GetAllUsers()},
	})
	s.broadcaster.BroadcastExcept(clientID, domain.ServerMessage{
		Type:    domain.MsgPresenceUpdate,
		Payload: s.presence.GetAllUsers(),
	})

	if _, err := resp.Write([]byte(": ok\n\n")); err != nil {
		return nil
	}
	flusher.Flush()

	ticker := newHeartbeat()
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-session.Frames():
			if !ok {
				return nil
			}
			if _, err := resp.Write(sseFrame(frame)); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := resp.Write([]byte(": keepalive\n\n")); err != nil {
				return nil
			}
			flusher.Flush()
		case <-ctx.Done():
			return nil
		}
	}
}

func sseFrame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out
}
