package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/listening-room-system/pkg/events"
)

type fakeTopic struct {
	mu       sync.Mutex
	fail     bool
	attempts int
}

func (f *fakeTopic) PublishEnvelope(ctx context.Context, env *events.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fail {
		return errors.New("broker unavailable")
	}
	return nil
}

func (f *fakeTopic) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

type fakeDeliverer struct {
	mu     sync.Mutex
	count  int
	frames [][]byte
}

func (f *fakeDeliverer) Deliver(target events.Target, msg []byte, droppable bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
	return f.count
}

func (f *fakeDeliverer) delivered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.frames)
}

func runBroadcaster(t *testing.T, b *Broadcaster) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
}

func TestServerTimeFromOwnClock(t *testing.T) {
	fixed := time.Unix(1700000000, 0)
	b := New(&fakeTopic{}, &fakeDeliverer{}, zap.NewNop(), WithClock(func() time.Time { return fixed }))

	env, err := b.Publish(events.EventTypeTrackAdded, events.RoomTarget("r1"),
		map[string]string{"client_time": "ignored"}, events.PriorityHigh)
	require.NoError(t, err)

	assert.Equal(t, fixed, env.ServerTime)
	assert.Equal(t, fixed, env.CreatedAt)
}

func TestDeliverySucceedsIfEitherPathWorks(t *testing.T) {
	topic := &fakeTopic{fail: true}
	direct := &fakeDeliverer{count: 2}
	b := New(topic, direct, zap.NewNop())
	runBroadcaster(t, b)

	_, err := b.Publish(events.EventTypeTrackVoted, events.RoomTarget("r1"), nil, events.PriorityHigh)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return direct.delivered() == 1
	}, time.Second, 5*time.Millisecond)

	stats := b.StatsSnapshot()
	assert.EqualValues(t, 1, stats.Sent[string(events.EventTypeTrackVoted)])
	assert.Zero(t, stats.Failed[string(events.EventTypeTrackVoted)])
}

func TestBothPathsFailingRecordsFailure(t *testing.T) {
	b := New(&fakeTopic{fail: true}, &fakeDeliverer{count: 0}, zap.NewNop())
	runBroadcaster(t, b)

	_, err := b.Publish(events.EventTypeTrackVoted, events.RoomTarget("r1"), nil, events.PriorityHigh)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.StatsSnapshot().Failed[string(events.EventTypeTrackVoted)] == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCriticalEventConfirmed(t *testing.T) {
	direct := &fakeDeliverer{count: 2}
	b := New(&fakeTopic{}, direct, zap.NewNop())
	runBroadcaster(t, b)

	env, err := b.Publish(events.EventTypePlaybackStarted, events.RoomTarget("r1"), nil, events.PriorityCritical)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return b.PendingCount() == 1
	}, time.Second, 5*time.Millisecond)

	b.Confirm(env.EventID, "conn-1")
	assert.Equal(t, 1, b.PendingCount())

	b.Confirm(env.EventID, "conn-2")
	assert.Equal(t, 0, b.PendingCount())

	stats := b.StatsSnapshot()
	assert.EqualValues(t, 1, stats.Confirmed[string(events.EventTypePlaybackStarted)])
	assert.EqualValues(t, 1, stats.Confirmed["room:r1"])
}

func TestCriticalRetryGivesUpAtCeiling(t *testing.T) {
	topic := &fakeTopic{}
	direct := &fakeDeliverer{count: 1}
	b := New(topic, direct, zap.NewNop(), WithRetryPolicy(2, 10*time.Millisecond))
	runBroadcaster(t, b)

	_, err := b.Publish(events.EventTypePlaybackPaused, events.RoomTarget("r1"), nil, events.PriorityCritical)
	require.NoError(t, err)

	// never confirmed: the sweep retries, then drops it as failed
	require.Eventually(t, func() bool {
		return b.PendingCount() == 0 &&
			b.StatsSnapshot().Failed[string(events.EventTypePlaybackPaused)] == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.GreaterOrEqual(t, topic.attemptCount(), 2)
}

func TestHighPriorityNotRetained(t *testing.T) {
	direct := &fakeDeliverer{count: 1}
	b := New(&fakeTopic{}, direct, zap.NewNop())
	runBroadcaster(t, b)

	_, err := b.Publish(events.EventTypeTrackAdded, events.RoomTarget("r1"), nil, events.PriorityHigh)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return direct.delivered() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, b.PendingCount())
}

func TestPublishFailsFastWhenQueueSaturated(t *testing.T) {
	b := New(&fakeTopic{}, &fakeDeliverer{}, zap.NewNop())
	// no dispatch loop running, so the queue only fills

	for i := 0; i < dispatchQueueSize; i++ {
		_, err := b.Publish(events.EventTypeTrackVoted, events.RoomTarget("r1"), nil, events.PriorityHigh)
		require.NoError(t, err)
	}

	start := time.Now()
	_, err := b.Publish(events.EventTypePlaybackStarted, events.RoomTarget("r1"), nil, events.PriorityCritical)
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.EqualValues(t, 1, b.StatsSnapshot().Failed[string(events.EventTypePlaybackStarted)])
}

func TestFrameShape(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"track_id": "t1"})
	env := &events.Envelope{
		EventID:  "e1",
		Type:     events.EventTypePlaybackStarted,
		Payload:  payload,
		Priority: events.PriorityCritical,
	}

	raw, err := EncodeFrame(env)
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "e1", frame.EventID)
	assert.Equal(t, events.EventTypePlaybackStarted, frame.Type)
	assert.True(t, frame.Metadata.RequiresConfirmation)
	assert.Equal(t, events.PriorityCritical, frame.Metadata.Priority)
}
