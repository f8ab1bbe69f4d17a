// Package broadcast fans room events out to subscribed connections. Two
// delivery paths are attempted for every event: a Kafka topic publish that
// scales across server instances, and direct iteration over the local
// connection index. A publish counts as delivered if either path succeeds;
// each path can be disabled without touching the other.
package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/events"
)

const (
	DefaultRetryLimit    = 5
	DefaultRetryInterval = 2 * time.Second

	dispatchQueueSize = 256
	enqueueWait       = 250 * time.Millisecond
)

// TopicPublisher is the scalable primary path, implemented by the Kafka
// client.
type TopicPublisher interface {
	PublishEnvelope(ctx context.Context, env *events.Envelope) error
}

// DirectDeliverer is the fallback path, implemented by the connection
// registry. Returns the number of connections the frame was queued for.
type DirectDeliverer interface {
	Deliver(target events.Target, msg []byte, droppable bool) int
}

// FrameMetadata rides alongside every outbound frame so clients know
// whether to send a confirmation.
type FrameMetadata struct {
	Priority             events.Priority `json:"priority"`
	RequiresConfirmation bool            `json:"requires_confirmation"`
}

// Frame is the wire shape written to a connection's outbound queue.
type Frame struct {
	EventID  string           `json:"event_id"`
	Type     events.EventType `json:"type"`
	Data     json.RawMessage  `json:"data"`
	Metadata FrameMetadata    `json:"metadata"`
}

// EncodeFrame serializes an envelope into the per-connection wire shape.
func EncodeFrame(env *events.Envelope) ([]byte, error) {
	frame := Frame{
		EventID: env.EventID,
		Type:    env.Type,
		Data:    env.Payload,
		Metadata: FrameMetadata{
			Priority:             env.Priority,
			RequiresConfirmation: env.RequiresConfirmation(),
		},
	}
	return json.Marshal(frame)
}

type pendingEvent struct {
	env         *events.Envelope
	expected    int
	confirmedBy map[string]bool
	attempts    int
	nextRetry   time.Time
}

// Stats are observational only; they never influence delivery decisions.
type Stats struct {
	Sent      map[string]int64 `json:"sent"`
	Confirmed map[string]int64 `json:"confirmed"`
	Failed    map[string]int64 `json:"failed"`
	Dropped   map[string]int64 `json:"dropped"`
}

type Broadcaster struct {
	topic  TopicPublisher
	direct DirectDeliverer
	logger *zap.Logger

	retryLimit    int
	retryInterval time.Duration
	now           func() time.Time

	queue chan *events.Envelope

	mu      sync.Mutex
	pending map[string]*pendingEvent
	stats   Stats
}

type Option func(*Broadcaster)

func WithRetryPolicy(limit int, interval time.Duration) Option {
	return func(b *Broadcaster) {
		b.retryLimit = limit
		b.retryInterval = interval
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *Broadcaster) { b.now = now }
}

func New(topic TopicPublisher, direct DirectDeliverer, logger *zap.Logger, opts ...Option) *Broadcaster {
	b := &Broadcaster{
		topic:         topic,
		direct:        direct,
		logger:        logger,
		retryLimit:    DefaultRetryLimit,
		retryInterval: DefaultRetryInterval,
		now:           time.Now,
		queue:         make(chan *events.Envelope, dispatchQueueSize),
		pending:       make(map[string]*pendingEvent),
		stats: Stats{
			Sent:      make(map[string]int64),
			Confirmed: make(map[string]int64),
			Failed:    make(map[string]int64),
			Dropped:   make(map[string]int64),
		},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps and enqueues an event. The envelope is dispatched by a
// single background goroutine, so events enqueue-ordered for one room go
// out in that order. ServerTime is taken from the broadcaster's clock here,
// never from caller-supplied data. Callers hold room locks, so the enqueue
// never blocks them indefinitely: normal/low events are dropped when the
// queue is full, high/critical wait at most enqueueWait and then fail.
func (b *Broadcaster) Publish(eventType events.EventType, target events.Target, payload interface{}, priority events.Priority) (*events.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := b.now()
	env := &events.Envelope{
		EventID:    uuid.New().String(),
		Type:       eventType,
		Target:     target,
		Payload:    data,
		Priority:   priority,
		CreatedAt:  now,
		ServerTime: now,
	}

	b.record(b.stats.Sent, env)

	if priority == events.PriorityLow || priority == events.PriorityNormal {
		// droppable under backpressure
		select {
		case b.queue <- env:
		default:
			b.record(b.stats.Dropped, env)
			b.logger.Debug("dispatch queue full, event dropped",
				zap.String("type", string(eventType)))
		}
		return env, nil
	}

	select {
	case b.queue <- env:
		return env, nil
	case <-time.After(enqueueWait):
		b.record(b.stats.Failed, env)
		err := apperr.Deliveryf("dispatch queue full, %s event not enqueued", env.Type)
		b.logger.Error("dispatch queue saturated",
			zap.String("type", string(eventType)),
			zap.Error(err))
		return nil, err
	}
}

// Confirm records a client acknowledgement for a critical event.
func (b *Broadcaster) Confirm(eventID, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, exists := b.pending[eventID]
	if !exists {
		return
	}
	p.confirmedBy[connID] = true
	if len(p.confirmedBy) >= p.expected {
		delete(b.pending, eventID)
		b.recordLocked(b.stats.Confirmed, p.env)
		b.logger.Debug("critical event confirmed",
			zap.String("event_id", eventID),
			zap.Int("confirmations", len(p.confirmedBy)))
	}
}

// PendingCount reports how many critical events still await confirmation.
func (b *Broadcaster) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// StatsSnapshot returns a copy of the delivery counters.
func (b *Broadcaster) StatsSnapshot() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := Stats{
		Sent:      make(map[string]int64, len(b.stats.Sent)),
		Confirmed: make(map[string]int64, len(b.stats.Confirmed)),
		Failed:    make(map[string]int64, len(b.stats.Failed)),
		Dropped:   make(map[string]int64, len(b.stats.Dropped)),
	}
	for k, v := range b.stats.Sent {
		out.Sent[k] = v
	}
	for k, v := range b.stats.Confirmed {
		out.Confirmed[k] = v
	}
	for k, v := range b.stats.Failed {
		out.Failed[k] = v
	}
	for k, v := range b.stats.Dropped {
		out.Dropped[k] = v
	}
	return out
}

// Run drives the dispatch loop and the confirmation retry sweep until ctx
// is cancelled.
func (b *Broadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.retryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-b.queue:
			b.dispatch(ctx, env)
		case <-ticker.C:
			b.retryPending(ctx)
		}
	}
}

// DispatchNow attempts delivery synchronously, bypassing the queue. Used by
// tests and by the retry sweep.
func (b *Broadcaster) DispatchNow(ctx context.Context, env *events.Envelope) {
	b.dispatch(ctx, env)
}

func (b *Broadcaster) dispatch(ctx context.Context, env *events.Envelope) {
	delivered, directCount := b.attempt(ctx, env)

	if !delivered {
		b.logger.Error("both delivery paths failed",
			zap.String("event_id", env.EventID),
			zap.String("type", string(env.Type)))
		if !env.RequiresConfirmation() {
			// only critical events are retried; everything else is
			// counted failed right away
			b.record(b.stats.Failed, env)
			return
		}
	}

	if env.RequiresConfirmation() {
		b.mu.Lock()
		if delivered && directCount == 0 {
			// Published to the topic with nothing connected locally;
			// no one here can confirm, so it is settled.
			b.recordLocked(b.stats.Confirmed, env)
		} else {
			b.pending[env.EventID] = &pendingEvent{
				env:         env,
				expected:    directCount,
				confirmedBy: make(map[string]bool),
				attempts:    1,
				nextRetry:   b.now().Add(b.retryInterval),
			}
		}
		b.mu.Unlock()
	}
}

// attempt tries both delivery paths. Success if either worked.
func (b *Broadcaster) attempt(ctx context.Context, env *events.Envelope) (bool, int) {
	topicOK := false
	if b.topic != nil {
		if err := b.topic.PublishEnvelope(ctx, env); err != nil {
			b.logger.Warn("topic publish failed, relying on direct path",
				zap.String("event_id", env.EventID),
				zap.Error(err))
		} else {
			topicOK = true
		}
	}

	directCount := 0
	if b.direct != nil {
		frame, err := EncodeFrame(env)
		if err != nil {
			b.logger.Error("failed to encode frame", zap.Error(err))
		} else {
			droppable := env.Priority == events.PriorityLow || env.Priority == events.PriorityNormal
			directCount = b.direct.Deliver(env.Target, frame, droppable)
		}
	}

	return topicOK || directCount > 0, directCount
}

func (b *Broadcaster) retryPending(ctx context.Context) {
	now := b.now()

	b.mu.Lock()
	var due []*pendingEvent
	for id, p := range b.pending {
		if now.Before(p.nextRetry) {
			continue
		}
		if p.attempts >= b.retryLimit {
			delete(b.pending, id)
			b.recordLocked(b.stats.Failed, p.env)
			// the mutation itself committed; only its broadcast is lost
			b.logger.Error("giving up on critical event",
				zap.Error(apperr.Deliveryf("event %s unconfirmed after %d attempts", id, p.attempts)),
				zap.String("type", string(p.env.Type)),
				zap.Int("confirmed", len(p.confirmedBy)),
				zap.Int("expected", p.expected))
			continue
		}
		p.attempts++
		// exponential backoff between attempts
		p.nextRetry = now.Add(b.retryInterval * time.Duration(1<<uint(p.attempts-1)))
		due = append(due, p)
	}
	b.mu.Unlock()

	for _, p := range due {
		delivered, _ := b.attempt(ctx, p.env)
		if delivered && p.expected == 0 {
			// nothing connected locally at first dispatch, so no
			// confirmations will ever arrive; a successful topic
			// publish settles it
			b.mu.Lock()
			if _, still := b.pending[p.env.EventID]; still {
				delete(b.pending, p.env.EventID)
				b.recordLocked(b.stats.Confirmed, p.env)
			}
			b.mu.Unlock()
		}
	}
}

func (b *Broadcaster) record(m map[string]int64, env *events.Envelope) {
	b.mu.Lock()
	b.recordLocked(m, env)
	b.mu.Unlock()
}

// caller holds b.mu
func (b *Broadcaster) recordLocked(m map[string]int64, env *events.Envelope) {
	m[string(env.Type)]++
	if env.Target.RoomID != "" {
		m["room:"+env.Target.RoomID]++
	}
}
