package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/listening-room-system/pkg/apperr"
	"github.com/listening-room-system/pkg/events"
)

const (
	DefaultInactivityWindow = 10 * time.Minute
	DefaultSweepInterval    = 5 * time.Minute

	outboundQueueSize = 64
)

// IdentityVerifier authenticates a handshake credential. Supplied
// externally; the registry never inspects credentials itself.
type IdentityVerifier interface {
	Verify(ctx context.Context, credential string) (userID string, err error)
}

// MembershipChecker answers whether a user is a participant of a room.
// Implemented by the room state coordinator.
type MembershipChecker interface {
	IsParticipant(ctx context.Context, roomID, userID string) (bool, error)
}

// OfflineFunc is invoked after a connection is unregistered while still
// subscribed to a room, so the owner can emit a user_offline event. Losing
// a connection is not the same as leaving the room.
type OfflineFunc func(roomID, userID string)

// Connection is a live authenticated session. Outbound carries serialized
// event frames to the transport's write pump. Outbound is never closed;
// shutdown is signalled through the done channel so concurrent senders can
// never hit a closed channel.
type Connection struct {
	ID       string
	UserID   string
	Outbound chan []byte

	done chan struct{}

	mu           sync.Mutex
	roomID       string
	lastActivity time.Time
}

// RoomID returns the currently subscribed room, or "".
func (c *Connection) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// Done is closed when the connection is unregistered. The transport's write
// pump selects on it to shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

// push queues a frame for delivery. Droppable frames are discarded when the
// outbound queue is full instead of blocking the caller.
func (c *Connection) push(msg []byte, droppable bool) error {
	if droppable {
		select {
		case <-c.done:
			return fmt.Errorf("connection %s closed", c.ID)
		case c.Outbound <- msg:
			return nil
		default:
			return fmt.Errorf("connection %s backpressured, frame dropped", c.ID)
		}
	}

	select {
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.ID)
	case c.Outbound <- msg:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("connection %s write timed out", c.ID)
	}
}

// Registry tracks live connections and indexes them for room fan-out. It is
// an injected instance, not a package singleton, so tests run isolated
// copies.
type Registry struct {
	verifier   IdentityVerifier
	membership MembershipChecker
	onOffline  OfflineFunc
	logger     *zap.Logger

	inactivityWindow time.Duration
	sweepInterval    time.Duration
	now              func() time.Time

	mu    sync.RWMutex
	conns map[string]*Connection
	rooms map[string]map[string]*Connection
}

type Option func(*Registry)

func WithInactivityWindow(d time.Duration) Option {
	return func(r *Registry) { r.inactivityWindow = d }
}

func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func New(verifier IdentityVerifier, membership MembershipChecker, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		verifier:         verifier,
		membership:       membership,
		logger:           logger,
		inactivityWindow: DefaultInactivityWindow,
		sweepInterval:    DefaultSweepInterval,
		now:              time.Now,
		conns:            make(map[string]*Connection),
		rooms:            make(map[string]map[string]*Connection),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetOfflineFunc wires the offline notification; called once during startup
// before any connection registers.
func (r *Registry) SetOfflineFunc(fn OfflineFunc) {
	r.onOffline = fn
}

// Register authenticates the handshake credential and creates a
// Connection. Authentication failure is terminal: the caller must close the
// handshake and not retry.
func (r *Registry) Register(ctx context.Context, credential string) (*Connection, error) {
	userID, err := r.verifier.Verify(ctx, credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrUnauthenticated, err)
	}

	conn := &Connection{
		ID:           uuid.New().String(),
		UserID:       userID,
		Outbound:     make(chan []byte, outboundQueueSize),
		done:         make(chan struct{}),
		lastActivity: r.now(),
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	r.mu.Unlock()

	r.logger.Info("connection registered",
		zap.String("connection_id", conn.ID),
		zap.String("user_id", userID))
	return conn, nil
}

// JoinRoom indexes the connection for a room's fan-out. The user must
// already be a participant of the room. Idempotent.
func (r *Registry) JoinRoom(ctx context.Context, connID, roomID string) error {
	conn, err := r.get(connID)
	if err != nil {
		return err
	}

	ok, err := r.membership.IsParticipant(ctx, roomID, conn.UserID)
	if err != nil {
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return apperr.ErrNotParticipant
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn.mu.Lock()
	prev := conn.roomID
	conn.roomID = roomID
	conn.lastActivity = r.now()
	conn.mu.Unlock()

	if prev != "" && prev != roomID {
		r.removeFromRoomLocked(prev, connID)
	}

	if _, exists := r.rooms[roomID]; !exists {
		r.rooms[roomID] = make(map[string]*Connection)
	}
	r.rooms[roomID][connID] = conn
	return nil
}

// LeaveRoom removes the connection from its room index only; room
// membership is untouched. Idempotent.
func (r *Registry) LeaveRoom(connID string) error {
	conn, err := r.get(connID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	conn.mu.Lock()
	roomID := conn.roomID
	conn.roomID = ""
	conn.lastActivity = r.now()
	conn.mu.Unlock()

	if roomID != "" {
		r.removeFromRoomLocked(roomID, connID)
	}
	return nil
}

// Unregister drops the connection from every index and signals its write
// pump to stop. Safe to call more than once. If the connection was
// subscribed to a room, the offline hook fires so the room learns the user
// dropped.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	conn, exists := r.conns[connID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)

	conn.mu.Lock()
	roomID := conn.roomID
	userID := conn.UserID
	conn.roomID = ""
	conn.mu.Unlock()

	if roomID != "" {
		r.removeFromRoomLocked(roomID, connID)
	}
	r.mu.Unlock()

	close(conn.done)

	r.logger.Info("connection unregistered",
		zap.String("connection_id", connID),
		zap.String("user_id", userID))

	if roomID != "" && r.onOffline != nil {
		r.onOffline(roomID, userID)
	}
}

// Touch records activity on a connection, deferring the inactivity sweep.
func (r *Registry) Touch(connID string) {
	r.mu.RLock()
	conn, exists := r.conns[connID]
	r.mu.RUnlock()
	if exists {
		conn.touch(r.now())
	}
}

// SweepStale unregisters every connection idle past the inactivity window
// and returns how many were dropped.
func (r *Registry) SweepStale() int {
	cutoff := r.now().Add(-r.inactivityWindow)

	r.mu.RLock()
	var stale []string
	for id, conn := range r.conns {
		conn.mu.Lock()
		idle := conn.lastActivity.Before(cutoff)
		conn.mu.Unlock()
		if idle {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.logger.Warn("sweeping stale connection", zap.String("connection_id", id))
		r.Unregister(id)
	}
	return len(stale)
}

// RunSweeper periodically sweeps stale connections until ctx is cancelled.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.SweepStale()
		}
	}
}

// Deliver pushes a frame to every connection matching the target. Used by
// the broadcaster's direct delivery path. Returns the number of
// connections the frame was queued for.
func (r *Registry) Deliver(target events.Target, msg []byte, droppable bool) int {
	delivered := 0
	for _, conn := range r.targets(target) {
		if err := conn.push(msg, droppable); err != nil {
			r.logger.Debug("direct delivery failed", zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// Subscribers returns how many connections are indexed for a room.
func (r *Registry) Subscribers(roomID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomID])
}

func (r *Registry) Get(connID string) (*Connection, error) {
	return r.get(connID)
}

func (r *Registry) get(connID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, exists := r.conns[connID]
	if !exists {
		return nil, apperr.ErrConnectionNotFound
	}
	return conn, nil
}

func (r *Registry) targets(target events.Target) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Connection
	switch target.Scope {
	case "room":
		for _, conn := range r.rooms[target.RoomID] {
			out = append(out, conn)
		}
	case "user":
		for _, conn := range r.conns {
			if conn.UserID == target.UserID {
				out = append(out, conn)
			}
		}
	default:
		for _, conn := range r.conns {
			out = append(out, conn)
		}
	}
	return out
}

// caller holds r.mu
func (r *Registry) removeFromRoomLocked(roomID, connID string) {
	if room, exists := r.rooms[roomID]; exists {
		delete(room, connID)
		if len(room) == 0 {
			delete(r.rooms, roomID)
		}
	}
}
