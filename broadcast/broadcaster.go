// Package broadcast owns the process-local registry of live duplex
// sessions and the fan-out of server messages to them. It is the
// generalization of the teacher's single-channel SSE subscriber map to a
// registry that can target one client, a set of clients, or everyone.
package broadcast

import (
	"sync"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"

	"boardsync-api/domain"
)

// Session is anything that can receive an encoded server frame without
// blocking the broadcaster. The SSE handler implements this with a
// buffered channel drained by its own write loop.
type Session interface {
	Send(frame []byte)
}

// ChanSession is the concrete Session used by the SSE transport: a
// bounded, non-blocking mailbox per connection.
type ChanSession struct {
	ch chan []byte
}

// NewChanSession creates a session with the given mailbox capacity.
func NewChanSession(buffer int) *ChanSession {
	return &ChanSession{ch: make(chan []byte, buffer)}
}

// Frames returns the channel the SSE write loop should drain.
func (s *ChanSession) Frames() <-chan []byte { return s.ch }

// Send enqueues a frame, dropping it if the mailbox is full rather than
// blocking the broadcaster on a slow or dead client.
func (s *ChanSession) Send(frame []byte) {
	select {
	case s.ch <- frame:
	default:
	}
}

// Broadcaster is the registry of active sessions keyed by clientId.
type Broadcaster struct {
	mu       sync.RWMutex
	sessions map[string]Session
}

// NewBroadcaster creates an empty session registry.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{sessions: make(map[string]Session)}
}

// Register associates a clientId with its live session, replacing any
// prior session for the same client (e.g. on reconnect).
func (b *Broadcaster) Register(clientID string, s Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions[clientID] = s
}

// Unregister removes a session, but only if it is still the one on file —
// a late-arriving unregister from a superseded reconnect must not evict
// the session that replaced it.
func (b *Broadcaster) Unregister(clientID string, s Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if current, ok := b.sessions[clientID]; ok && current == s {
		delete(b.sessions, clientID)
	}
}

// Count reports the number of live sessions.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.sessions)
}

// SendTo delivers msg to a single client, silently doing nothing if that
// client has no live session.
func (b *Broadcaster) SendTo(clientID string, msg domain.ServerMessage) {
	frame, err := sonic.Marshal(msg)
	if err != nil {
		logrus.WithError(err).WithField("type", msg.Type).Error("broadcast: marshal failed")
		return
	}
	b.mu.RLock()
	s, ok := b.sessions[clientID]
	b.mu.RUnlock()
	if !ok {
		return
	}
	s.Send(frame)
}

// BroadcastExcept delivers msg to every live session except the one
// identified by exceptClientID. Pass "" to reach everyone.
func (b *Broadcaster) BroadcastExcept(exceptClientID string, msg domain.ServerMessage) {
	frame, err := sonic.Marshal(msg)
	if err != nil {
		logrus.WithError(err).WithField("type", msg.Type).Error("broadcast: marshal failed")
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for clientID, s := range b.sessions {
		if clientID == exceptClientID {
			continue
		}
		s.Send(frame)
	}
}

// BroadcastAll delivers msg to every live session, including the
// originating client — used for TASK_CREATED, REBALANCED and similar
// messages the sender itself must also see.
func (b *Broadcaster) BroadcastAll(msg domain.ServerMessage) {
	b.BroadcastExcept("", msg)
}
