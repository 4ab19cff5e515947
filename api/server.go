// Package api is the duplex channel's HTTP binding: the connection
// supervisor that upgrades a GET request into a long-lived SSE stream
// (spec.md §4.7), the command intake that feeds frames into the
// router, and the small read-only surface layered on top. It is the
// generalization of the teacher's api.Register/handlers.go from a
// one-shot REST API into a persistent duplex channel.
package api

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"boardsync-api/broadcast"
	"boardsync-api/presence"
	"boardsync-api/router"
)

// Server holds the dependencies the duplex channel's HTTP surface
// needs: the router that owns dispatch, the broadcaster and presence
// registry the connection supervisor touches directly on connect and
// disconnect, and the task service behind the read-only REST routes.
type Server struct {
	router      *router.Router
	broadcaster *broadcast.Broadcaster
	presence    *presence.Registry
	tasks       router.TaskService
	logger      *logrus.Logger

	sessionLocksMu sync.Mutex
	sessionLocks   map[string]*sync.Mutex

	anonSeq atomic.Uint64
}

// NewServer wires a Server from its dependencies. logger defaults to
// logrus's standard logger if nil.
func NewServer(r *router.Router, broadcaster *broadcast.Broadcaster, presenceRegistry *presence.Registry, tasks router.TaskService, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		router:       r,
		broadcaster:  broadcaster,
		presence:     presenceRegistry,
		tasks:        tasks,
		logger:       logger,
		sessionLocks: make(map[string]*sync.Mutex),
	}
}

// Register mounts the duplex channel and its supporting routes on e.
func Register(e *echo.Echo, s *Server) {
	metrics := prometheus.NewPrometheus("boardsync", nil)
	metrics.Use(e)

	e.GET("/api/stream", s.stream)
	e.POST("/api/commands", s.postCommands, GzipRequestMiddleware())
	e.GET("/api/health", s.health)
	e.GET("/api/tasks", s.listTasks)
}

// sessionLock returns the per-clientId mutex that serializes frames
// dispatched for one session, so concurrent POST /api/commands calls
// for the same client never interleave (spec.md §5, ordering
// guarantee 1).
func (s *Server) sessionLock(clientID string) *sync.Mutex {
	s.sessionLocksMu.Lock()
	defer s.sessionLocksMu.Unlock()
	l, ok := s.sessionLocks[clientID]
	if !ok {
		l = &sync.Mutex{}
		s.sessionLocks[clientID] = l
	}
	return l
}

// dropSessionLock discards the mutex for a closed session so the map
// doesn't grow without bound across reconnects of short-lived anon
// clients.
func (s *Server) dropSessionLock(clientID string) {
	s.sessionLocksMu.Lock()
	defer s.sessionLocksMu.Unlock()
	delete(s.sessionLocks, clientID)
}

// nextAnonClientID returns "anon-<unix millis>", bumped past the last
// issued value so two anonymous sessions in the same millisecond still
// get distinct ids.
func (s *Server) nextAnonClientID() string {
	for {
		last := s.anonSeq.Load()
		next := uint64(time.Now().UnixMilli())
		if next <= last {
			next = last + 1
		}
		if s.anonSeq.CompareAndSwap(last, next) {
			return fmt.Sprintf("anon-%d", next)
		}
	}
}

type healthResponse struct {
	Connections int    `json:"connections"`
	Timestamp   string `json:"timestamp"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Connections: s.broadcaster.Count(),
		Timestamp:   nowRFC3339(),
	})
}

type tasksResponse struct {
	Tasks any `json:"tasks"`
}

func (s *Server) listTasks(c echo.Context) error {
	tasks, err := s.tasks.GetAllTasks(c.Request().Context())
	if err != nil {
		s.logger.WithError(err).Error("api: list tasks failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load tasks")
	}
	return c.JSON(http.StatusOK, tasksResponse{Tasks: tasks})
}
