package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	RealtimeEventEmitterChanged      = "emitter-change"
	RealtimeEventCollaboratorChanged = "collaborator-change"
	RealtimeEventFieldChanged        = "field-change"
	realtimeEventHeartbeat           = "heartbeat"
	realtimeSourceBackend            = "pixelfield-backend"
	websocketWriteTimeout            = 10 * time.Second
)

var errFieldHidden = errors.New("field does not exist or is not visible")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type heartbeatPayload struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

func realtimeEventName(event fields.ChangeEvent) string {
	switch event.Table {
	case fields.TableEmitters:
		return RealtimeEventEmitterChanged
	case fields.TableCollaborators:
		return RealtimeEventCollaboratorChanged
	default:
		return RealtimeEventFieldChanged
	}
}

// authorizeStream rejects feeds on fields the actor cannot view.
func (h *httpHandler) authorizeStream(c *gin.Context, operation string) (string, bool) {
	fieldID := c.Param("id")
	visible, err := h.client(c).HasViewAccess(c.Request.Context(), fieldID)
	if err != nil {
		h.respondError(c, err)
		return "", false
	}
	if !visible {
		h.respondError(c, fields.NewError(operation, "not_found", fields.ErrNotFound, errFieldHidden))
		return "", false
	}
	return fieldID, true
}

func (h *httpHandler) handleStream(c *gin.Context) {
	fieldID, ok := h.authorizeStream(c, "server.stream")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.feed.Subscribe(ctx, fieldID)
	defer cleanup()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: time.Now().UTC()})
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(realtimeEventName(event), event)
			return true
		case tick := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, heartbeatPayload{Source: realtimeSourceBackend, Timestamp: tick.UTC()})
			return true
		}
	})
}

func (h *httpHandler) handleWebsocket(c *gin.Context) {
	fieldID, ok := h.authorizeStream(c, "server.websocket")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stream, cleanup := h.feed.Subscribe(ctx, fieldID)
	defer cleanup()

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", zap.String("field_id", fieldID), zap.Error(err))
		return
	}
	defer func() {
		_ = ws.Close()
	}()

	quit := make(chan struct{})
	go func() {
		defer close(quit)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					h.logger.Debug("websocket closed", zap.String("field_id", fieldID), zap.Error(err))
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-quit:
			return
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(websocketWriteTimeout))
			if err := ws.WriteJSON(event); err != nil {
				h.logger.Warn("error writing websocket message", zap.String("field_id", fieldID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(websocketWriteTimeout)); err != nil {
				return
			}
		}
	}
}
