package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/listening-room-system/internal/broadcast"
	"github.com/listening-room-system/internal/coordinator"
	"github.com/listening-room-system/internal/registry"
	"github.com/listening-room-system/pkg/events"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 50 * time.Second
	handshakeTimeout = 5 * time.Second

	// application close code for failed handshake auth
	closeUnauthenticated = 4401
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // In production, implement proper origin checking
	},
}

// inboundFrame is what clients send on the socket.
type inboundFrame struct {
	Type      string  `json:"type"`
	RoomID    string  `json:"room_id,omitempty"`
	TrackID   string  `json:"track_id,omitempty"`
	Direction string  `json:"direction,omitempty"`
	EventID   string  `json:"event_id,omitempty"`
	Title     string  `json:"title,omitempty"`
	Artist    string  `json:"artist,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}

type Handler struct {
	registry *registry.Registry
	coord    *coordinator.Coordinator
	bcast    *broadcast.Broadcaster
	kafka    *events.KafkaClient
	logger   *zap.Logger
}

func NewHandler(reg *registry.Registry, coord *coordinator.Coordinator, bcast *broadcast.Broadcaster, kafka *events.KafkaClient, logger *zap.Logger) *Handler {
	return &Handler{
		registry: reg,
		coord:    coord,
		bcast:    bcast,
		kafka:    kafka,
		logger:   logger,
	}
}

// HandleWebSocket upgrades the connection and runs the handshake.
// Authentication failure is terminal: the socket is closed with an
// Unauthenticated close code and never retried.
func (h *Handler) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	token := c.Query("token")
	if token == "" {
		token, _ = c.Cookie("auth_token")
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), handshakeTimeout)
	client, err := h.registry.Register(ctx, token)
	cancel()
	if err != nil {
		h.logger.Info("handshake rejected", zap.Error(err))
		msg := websocket.FormatCloseMessage(closeUnauthenticated, "unauthenticated")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go h.writePump(conn, client)
	h.readPump(conn, client)
}

// readPump processes inbound frames until the socket drops, then
// unregisters the connection.
func (h *Handler) readPump(conn *websocket.Conn, client *registry.Connection) {
	defer func() {
		h.registry.Unregister(client.ID)
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.registry.Touch(client.ID)
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket error", zap.Error(err))
			}
			return
		}
		h.registry.Touch(client.ID)

		var frame inboundFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			h.sendError(client, "malformed frame")
			continue
		}
		h.handleFrame(client, frame)
	}
}

func (h *Handler) handleFrame(client *registry.Connection, frame inboundFrame) {
	ctx := context.Background()

	switch frame.Type {
	case "join_room":
		if err := h.registry.JoinRoom(ctx, client.ID, frame.RoomID); err != nil {
			h.sendError(client, err.Error())
		}
	case "leave_room":
		if err := h.registry.LeaveRoom(client.ID); err != nil {
			h.sendError(client, err.Error())
		}
	case "vote":
		userID, err := uuid.Parse(client.UserID)
		if err != nil {
			h.sendError(client, "invalid user id")
			return
		}
		direction := coordinator.VoteDirection(frame.Direction)
		if direction == "" {
			direction = coordinator.VoteAdd
		}
		if err := h.coord.ApplyVote(ctx, frame.RoomID, frame.TrackID, userID, direction); err != nil {
			h.sendError(client, err.Error())
		}
	case "add_track":
		userID, err := uuid.Parse(client.UserID)
		if err != nil {
			h.sendError(client, "invalid user id")
			return
		}
		if _, _, err := h.coord.EnqueueTrack(ctx, frame.RoomID, userID, frame.Title, frame.Artist, frame.Duration); err != nil {
			h.sendError(client, err.Error())
		}
	case "confirm":
		h.bcast.Confirm(frame.EventID, client.ID)
	case "ping":
		// Touch already happened; nothing else to do.
	default:
		h.sendError(client, "unknown frame type")
	}
}

// writePump drains the connection's outbound queue onto the socket and
// keeps the ping ticker running.
func (h *Handler) writePump(conn *websocket.Conn, client *registry.Connection) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-client.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-client.Outbound:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Debug("failed to write frame", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendError delivers an error event to the originating connection only.
// Connection-scoped errors never close the socket; only handshake auth
// failures do.
func (h *Handler) sendError(client *registry.Connection, message string) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return
	}
	frame, err := broadcast.EncodeFrame(&events.Envelope{
		EventID:    uuid.New().String(),
		Type:       events.EventTypeError,
		Target:     events.UserTarget(client.UserID),
		Payload:    payload,
		Priority:   events.PriorityNormal,
		CreatedAt:  time.Now(),
		ServerTime: time.Now(),
	})
	if err != nil {
		return
	}
	select {
	case <-client.Done():
	case client.Outbound <- frame:
	default:
		h.logger.Debug("dropping error frame, outbound queue full",
			zap.String("connection_id", client.ID))
	}
}

// ConsumeEvents runs the Kafka side of the dual delivery path: envelopes
// published by any server instance are fanned out to the connections this
// instance holds. Clients dedupe by event_id when the direct path already
// delivered the same event.
func (h *Handler) ConsumeEvents(ctx context.Context) {
	if h.kafka == nil {
		return
	}
	err := h.kafka.ConsumeEnvelopes(ctx, func(env *events.Envelope) error {
		frame, err := broadcast.EncodeFrame(env)
		if err != nil {
			return err
		}
		droppable := env.Priority == events.PriorityLow || env.Priority == events.PriorityNormal
		h.registry.Deliver(env.Target, frame, droppable)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		h.logger.Error("kafka consume loop exited", zap.Error(err))
	}
}
