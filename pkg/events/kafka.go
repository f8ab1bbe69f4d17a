package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

type EventType string

const (
	EventTypeUserJoined      EventType = "user_joined"
	EventTypeUserLeft        EventType = "user_left"
	EventTypeUserOffline     EventType = "user_offline"
	EventTypeTrackAdded      EventType = "track_added"
	EventTypeTrackVoted      EventType = "track_voted"
	EventTypeQueueReordered  EventType = "queue_reordered"
	EventTypePlaybackStarted EventType = "playback_started"
	EventTypePlaybackPaused  EventType = "playback_paused"
	EventTypePlaybackResumed EventType = "playback_resumed"
	EventTypePlaybackSeeked  EventType = "playback_seeked"
	EventTypePlaybackStopped EventType = "playback_stopped"
	EventTypeError           EventType = "error"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Target scopes delivery of an envelope to a room, a single user, or
// every live connection.
type Target struct {
	Scope  string `json:"scope"` // "room", "user" or "global"
	RoomID string `json:"room_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

func RoomTarget(roomID string) Target { return Target{Scope: "room", RoomID: roomID} }
func UserTarget(userID string) Target { return Target{Scope: "user", UserID: userID} }
func GlobalTarget() Target            { return Target{Scope: "global"} }

// Envelope is the unit of broadcast. ServerTime is always stamped from the
// broadcaster's own clock, never from anything a client reported; clients
// use it to compensate for clock skew when computing playback offsets.
type Envelope struct {
	EventID    string          `json:"event_id"`
	Type       EventType       `json:"type"`
	Target     Target          `json:"target"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`
	CreatedAt  time.Time       `json:"created_at"`
	ServerTime time.Time       `json:"server_time"`
}

func (e *Envelope) RequiresConfirmation() bool {
	return e.Priority == PriorityCritical
}

type KafkaClient struct {
	writer *kafka.Writer
	reader *kafka.Reader
}

func NewKafkaClient(brokers []string, topic string, groupID string) *KafkaClient {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
	})

	return &KafkaClient{
		writer: writer,
		reader: reader,
	}
}

// PublishEnvelope writes one envelope to the room-events topic, keyed by
// room so per-room ordering survives partitioning.
func (k *KafkaClient) PublishEnvelope(ctx context.Context, env *Envelope) error {
	messageJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	key := env.Target.RoomID
	if key == "" {
		key = uuid.New().String()
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: messageJSON,
	}

	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}

	return nil
}

// ConsumeEnvelopes reads envelopes until ctx is cancelled, invoking handler
// for each one.
func (k *KafkaClient) ConsumeEnvelopes(ctx context.Context, handler func(*Envelope) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := k.reader.ReadMessage(ctx)
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}

			var env Envelope
			if err := json.Unmarshal(msg.Value, &env); err != nil {
				return fmt.Errorf("failed to unmarshal envelope: %w", err)
			}

			if err := handler(&env); err != nil {
				return fmt.Errorf("failed to handle envelope: %w", err)
			}
		}
	}
}

func (k *KafkaClient) Close() error {
	if err := k.writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := k.reader.Close(); err != nil {
		return fmt.Errorf("failed to close reader: %w", err)
	}
	return nil
}
