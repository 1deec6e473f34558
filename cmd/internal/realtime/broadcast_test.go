package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "relay/contracts/chat/v1"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func testEnvelope(id string) v1.Envelope {
	payload, _ := json.Marshal(v1.MessagePushPayload{Data: v1.MessageData{ID: id}})
	return v1.Envelope{V: v1.Version, Type: v1.TypeMessage, ID: id, TS: time.Now().UTC(), Payload: payload}
}

func TestEnginePublishDeliversToAllSubscribers(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	engine := NewEngine(testLogger(), reg)

	a := NewClient("conn-a", 8)
	b := NewClient("conn-b", 8)
	require.NoError(t, reg.Register(a))
	require.NoError(t, reg.Register(b))
	require.NoError(t, reg.Subscribe("conn-a", "room-1"))
	require.NoError(t, reg.Subscribe("conn-b", "room-1"))

	report := engine.Publish(context.Background(), "room-1", testEnvelope("m1"))
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 2, report.Delivered)
	require.Empty(t, report.Failed)

	for _, c := range []*Client{a, b} {
		select {
		case env := <-c.Send:
			require.Equal(t, "m1", env.ID)
		default:
			t.Fatalf("connection %s received nothing", c.ConnID)
		}
		require.Empty(t, c.Send)
	}
}

func TestEnginePublishEmptyRoom(t *testing.T) {
	t.Parallel()

	engine := NewEngine(testLogger(), NewRegistry())
	report := engine.Publish(context.Background(), "room-empty", testEnvelope("m1"))
	require.Equal(t, 0, report.Attempted)
	require.Equal(t, 0, report.Delivered)
	require.Empty(t, report.Failed)
}

func TestEnginePublishPreservesOrderPerSubscriber(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	engine := NewEngine(testLogger(), reg)

	c := NewClient("conn-1", 16)
	require.NoError(t, reg.Register(c))
	require.NoError(t, reg.Subscribe("conn-1", "room-1"))

	// Publish returns only after every enqueue resolved, so serialized
	// publishes arrive in call order.
	for i := 0; i < 10; i++ {
		report := engine.Publish(context.Background(), "room-1", testEnvelope(fmt.Sprintf("m%d", i)))
		require.Empty(t, report.Failed)
	}

	for i := 0; i < 10; i++ {
		env := <-c.Send
		require.Equal(t, fmt.Sprintf("m%d", i), env.ID)
	}
}

func TestEnginePublishReportsDeadConnection(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()

	var (
		mu     sync.Mutex
		reaped []string
	)
	done := make(chan struct{})
	engine := NewEngine(testLogger(), reg, WithReaper(func(connID string) {
		mu.Lock()
		reaped = append(reaped, connID)
		mu.Unlock()
		close(done)
	}))

	alive := NewClient("conn-alive", 8)
	dead := NewClient("conn-dead", 8)
	require.NoError(t, reg.Register(alive))
	require.NoError(t, reg.Register(dead))
	require.NoError(t, reg.Subscribe("conn-alive", "room-1"))
	require.NoError(t, reg.Subscribe("conn-dead", "room-1"))

	dead.Close()

	report := engine.Publish(context.Background(), "room-1", testEnvelope("m1"))
	require.Equal(t, 2, report.Attempted)
	require.Equal(t, 1, report.Delivered)
	require.Equal(t, []string{"conn-dead"}, report.Failed)

	// The healthy subscriber still got its frame.
	select {
	case env := <-alive.Send:
		require.Equal(t, "m1", env.ID)
	default:
		t.Fatal("healthy connection received nothing")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper was not invoked")
	}
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"conn-dead"}, reaped)
}

func TestEnginePublishBackpressureTimesOut(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	engine := NewEngine(testLogger(), reg, WithEnqueueTimeout(20*time.Millisecond))

	full := NewClient("conn-full", 1)
	require.NoError(t, reg.Register(full))
	require.NoError(t, reg.Subscribe("conn-full", "room-1"))

	// Fill the queue; the client never drains it.
	first := engine.Publish(context.Background(), "room-1", testEnvelope("m1"))
	require.Empty(t, first.Failed)

	second := engine.Publish(context.Background(), "room-1", testEnvelope("m2"))
	require.Equal(t, []string{"conn-full"}, second.Failed)
	require.Equal(t, 0, second.Delivered)
}

func TestEngineMetricsObserved(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	m := &countingMetrics{}
	engine := NewEngine(testLogger(), reg, WithMetrics(m), WithEnqueueTimeout(20*time.Millisecond))

	ok := NewClient("conn-ok", 8)
	gone := NewClient("conn-gone", 8)
	require.NoError(t, reg.Register(ok))
	require.NoError(t, reg.Register(gone))
	require.NoError(t, reg.Subscribe("conn-ok", "room-1"))
	require.NoError(t, reg.Subscribe("conn-gone", "room-1"))
	gone.Close()

	engine.Publish(context.Background(), "room-1", testEnvelope("m1"))

	require.Equal(t, int64(1), m.delivered.Load())
	require.Equal(t, int64(1), m.dropped.Load())
}

type countingMetrics struct {
	delivered atomic.Int64
	dropped   atomic.Int64
}

func (m *countingMetrics) MessageDelivered()       { m.delivered.Add(1) }
func (m *countingMetrics) MessageDropped(_ string) { m.dropped.Add(1) }
