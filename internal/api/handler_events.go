package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"machines/internal/eventbus"
	"machines/internal/session"

	"github.com/gin-gonic/gin"
)

type EventsHandler struct {
	query *session.QueryService
	bus   eventbus.EventBus
}

func NewEventsHandler(query *session.QueryService, bus eventbus.EventBus) *EventsHandler {
	return &EventsHandler{query: query, bus: bus}
}

// StreamEvents GET /api/v1/machines/:id/events
// Pushes session lifecycle transitions to the client over SSE.
func (h *EventsHandler) StreamEvents(c *gin.Context) {
	id := c.Param("id")

	// Verify the session exists before holding the connection open.
	if _, err := h.query.Get(c.Request.Context(), id); err != nil {
		respondError(c, mapServiceError(err), err)
		return
	}

	eventCh, err := h.bus.Subscribe(c.Request.Context(), id)
	if err != nil {
		respondError(c, http.StatusInternalServerError, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	// SSE connections outlive the server WriteTimeout; disable it for this
	// response or the connection gets cut mid-stream.
	rc := http.NewResponseController(c.Writer)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		slog.Warn("Failed to disable write deadline for SSE", "error", err)
	}

	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-eventCh:
			if !ok {
				return false
			}

			sseEvent := SSEEvent{
				Type:      string(event.Type),
				SessionID: event.SessionID,
				Payload:   event.Payload,
				Timestamp: formatTime(event.Timestamp),
			}

			data, err := json.Marshal(sseEvent)
			if err != nil {
				return false
			}

			c.SSEvent("message", string(data))
			return true

		case <-c.Request.Context().Done():
			return false

		case <-time.After(30 * time.Second):
			c.SSEvent("ping", "")
			return true
		}
	})
}
