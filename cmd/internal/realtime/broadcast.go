package realtime

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	v1 "relay/contracts/chat/v1"
)

const (
	defaultFanoutWorkers   = 64
	defaultEnqueueTimeout  = 3 * time.Second
	defaultDeadDeliveryCap = 1024
)

// DeliveryReport summarizes one Publish call. A failed connection id means
// the frame could not be queued for that subscriber within the timeout; it
// never means the frame was lost for the others.
type DeliveryReport struct {
	RoomID    string
	Attempted int
	Delivered int
	Failed    []string
}

// Metrics is the observation hook the engine reports deliveries through.
type Metrics interface {
	MessageDelivered()
	MessageDropped(reason string)
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) MessageDelivered()            {}
func (NopMetrics) MessageDropped(reason string) {}

// Engine fans a frame out to every subscriber of a room.
//
// Concurrency model:
//   - Fan-out runs on transient goroutines gated by a weighted semaphore, so
//     one Publish to a huge room cannot exhaust the scheduler.
//   - Each enqueue waits up to a bounded timeout for queue space instead of
//     dropping immediately; a slow consumer stalls only its own lane.
//   - Publish returns after every enqueue attempt resolved, so callers that
//     serialize store-append-then-publish keep per-subscriber frame order.
//   - Connections that are already shut down are reported failed and handed
//     to the reaper callback for deregistration off the hot path.
type Engine struct {
	log *slog.Logger
	reg *Registry

	sem            *semaphore.Weighted
	enqueueTimeout time.Duration
	metrics        Metrics

	reapOnce sync.Once
	reap     chan string
	reapFn   func(connID string)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithFanoutWorkers bounds the number of concurrent per-recipient enqueues.
func WithFanoutWorkers(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithEnqueueTimeout bounds how long one slow subscriber can hold a fan-out
// lane before being reported failed.
func WithEnqueueTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.enqueueTimeout = d
		}
	}
}

// WithMetrics wires delivery observation.
func WithMetrics(m Metrics) EngineOption {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithReaper sets the callback invoked (from a dedicated goroutine) for each
// connection that failed delivery because it was already shut down.
func WithReaper(fn func(connID string)) EngineOption {
	return func(e *Engine) { e.reapFn = fn }
}

// NewEngine constructs a broadcast engine over a registry.
func NewEngine(log *slog.Logger, reg *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		log:            log,
		reg:            reg,
		sem:            semaphore.NewWeighted(defaultFanoutWorkers),
		enqueueTimeout: defaultEnqueueTimeout,
		metrics:        NopMetrics{},
		reap:           make(chan string, defaultDeadDeliveryCap),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Publish enqueues a frame for every current subscriber of the room and
// returns once each attempt has resolved. A room with no subscribers is a
// successful no-op delivery to zero recipients.
func (e *Engine) Publish(ctx context.Context, roomID string, env v1.Envelope) DeliveryReport {
	subs := e.reg.Subscribers(roomID)
	report := DeliveryReport{RoomID: roomID, Attempted: len(subs)}
	if len(subs) == 0 {
		return report
	}

	var (
		mu     sync.Mutex
		failed []string
		wg     sync.WaitGroup
	)

	for _, c := range subs {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			// Publish context canceled; everything not yet attempted fails.
			mu.Lock()
			failed = append(failed, c.ConnID)
			mu.Unlock()
			e.metrics.MessageDropped("canceled")
			continue
		}

		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			defer e.sem.Release(1)

			if ok, reason := e.enqueue(ctx, c, env); !ok {
				mu.Lock()
				failed = append(failed, c.ConnID)
				mu.Unlock()
				e.metrics.MessageDropped(reason)
				if reason == "gone" {
					e.requestReap(c.ConnID)
				}
				return
			}
			e.metrics.MessageDelivered()
		}(c)
	}

	wg.Wait()

	sort.Strings(failed)
	report.Failed = failed
	report.Delivered = report.Attempted - len(failed)

	if len(failed) > 0 {
		e.log.Warn("broadcast.partial",
			"room_id", roomID,
			"attempted", report.Attempted,
			"failed", len(failed),
		)
	}
	return report
}

// enqueue waits up to the enqueue timeout for queue space. A full queue and a
// dead connection are distinct failure reasons; only the latter is reaped.
func (e *Engine) enqueue(ctx context.Context, c *Client, env v1.Envelope) (bool, string) {
	select {
	case <-c.Done():
		return false, "gone"
	default:
	}

	t := time.NewTimer(e.enqueueTimeout)
	defer t.Stop()

	select {
	case c.Send <- env:
		return true, ""
	case <-c.Done():
		return false, "gone"
	case <-ctx.Done():
		return false, "canceled"
	case <-t.C:
		return false, "backpressure"
	}
}

func (e *Engine) requestReap(connID string) {
	if e.reapFn == nil {
		return
	}
	e.reapOnce.Do(func() {
		go func() {
			for id := range e.reap {
				e.reapFn(id)
			}
		}()
	})
	select {
	case e.reap <- connID:
	default:
		// Reaper saturated; the gateway's own shutdown path still
		// deregisters the connection.
	}
}
