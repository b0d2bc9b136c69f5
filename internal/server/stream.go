package server

import (
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/sheetsync/internal/spreadsheet"
	"github.com/gin-gonic/gin"
)

type realtimeEventPayload struct {
	DocumentID   string                       `json:"documentId"`
	RevisionUUID string                       `json:"revisionId,omitempty"`
	Revision     *spreadsheet.RevisionMessage `json:"revision,omitempty"`
	Source       string                       `json:"source"`
	Timestamp    string                       `json:"timestamp"`
}

// handleStream serves document events as server-sent events until the client
// disconnects or the subscription is closed.
func (h *httpHandler) handleStream(c *gin.Context) {
	documentID, ok := h.documentID(c)
	if !ok {
		return
	}
	if _, err := h.spreadsheets.GetDocument(c.Request.Context(), documentID); err != nil {
		h.respondError(c, err)
		return
	}

	stream, cleanup := h.realtime.Subscribe(c.Request.Context(), documentID.String())
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(writer io.Writer) bool {
		select {
		case <-c.Request.Context().Done():
			return false
		case message, open := <-stream:
			if !open {
				return false
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				DocumentID:   message.DocumentID,
				RevisionUUID: message.RevisionUUID,
				Revision:     message.Revision,
				Source:       realtimeSourceBackend,
				Timestamp:    message.Timestamp.UTC().Format(time.RFC3339Nano),
			})
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEventPayload{
				DocumentID: documentID.String(),
				Source:     realtimeSourceBackend,
				Timestamp:  tick.UTC().Format(time.RFC3339Nano),
			})
			return true
		}
	})
}
