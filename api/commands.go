package api

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
)

// maxCommandBodySize bounds a single dispatched frame, carried over
// from the teacher's postCommandMaxSize (api/protocol.go).
const maxCommandBodySize = 64 * 1024

// postCommands is the client-to-server half of the duplex channel
// (spec.md §6.1): the body is one ClientMessage, dispatched under the
// sending client's session lock so frames from the same client never
// interleave inside the router. A dispatched frame gets 202 Accepted
// with no body — the outcome of the dispatched message, if any, arrives
// over the SSE stream, not in this response. A missing clientId, an
// unreadable or oversized body, or a dispatch error gets an HTTP error
// instead.
func (s *Server) postCommands(c echo.Context) error {
	clientID := c.QueryParam("clientId")
	if clientID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "clientId is required")
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCommandBodySize+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read body")
	}
	if len(body) > maxCommandBodySize {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "command body too large")
	}

	lock := s.sessionLock(clientID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.router.Dispatch(c.Request().Context(), clientID, body); err != nil {
		s.logger.WithError(err).WithField("clientId", clientID).Error("api: dispatch failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "dispatch failed")
	}
	return c.NoContent(http.StatusAccepted)
}
