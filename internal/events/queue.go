package events

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/bledm/internal/groutine"
)

// MaxQueueSize caps the ring size to guard against misconfiguration
const MaxQueueSize uint32 = 64 * 1024

// Queue is a bounded, overwrite-oldest event buffer. Its Handler never
// blocks the dispatching goroutine, so a slow consumer loses the oldest
// events instead of stalling the stack callback thread.
//
//	q, _ := events.NewQueue(64, logger)
//	_ = router.Register(q.Handler())
//	done := q.Pump(ctx, "ui-events", func(e events.Event) { render(e) })
type Queue struct {
	buffer      mpmc.RichOverlappedRingBuffer[Event]
	signal      chan struct{}
	logger      *logrus.Logger
	written     atomic.Uint64
	overwritten atomic.Uint64
}

// NewQueue creates a queue holding at least size events. The ring may round
// size up to a power of two.
func NewQueue(size uint32, logger *logrus.Logger) (*Queue, error) {
	if size == 0 {
		return nil, fmt.Errorf("queue size must be > 0")
	}
	if size > MaxQueueSize {
		return nil, fmt.Errorf("queue size %d exceeds maximum %d", size, MaxQueueSize)
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		buffer: mpmc.NewOverlappedRingBuffer[Event](size),
		signal: make(chan struct{}, 1),
		logger: logger,
	}, nil
}

// Handler returns the subscriber to register with a Router
func (q *Queue) Handler() Handler {
	return q.Send
}

// Send inserts evt, discarding the oldest buffered events when full
func (q *Queue) Send(evt Event) {
	overwrites, err := q.buffer.EnqueueM(evt)
	if err != nil {
		q.overwritten.Add(1)
		q.logger.WithError(err).WithField("event", evt.String()).Warn("Event queue rejected event")
		return
	}
	q.written.Add(1)
	q.overwritten.Add(uint64(overwrites))

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Empty reports whether no events are buffered
func (q *Queue) Empty() bool {
	return q.buffer.IsEmpty()
}

// Drain hands every buffered event to fn in arrival order and returns how
// many were delivered. Only one goroutine may drain at a time.
func (q *Queue) Drain(fn Handler) int {
	n := 0
	for !q.buffer.IsEmpty() {
		evt, err := q.buffer.Dequeue()
		if err != nil {
			break
		}
		fn(evt)
		n++
	}
	return n
}

// Written returns how many events were accepted
func (q *Queue) Written() uint64 {
	return q.written.Load()
}

// Overwritten returns how many events were lost to a full ring
func (q *Queue) Overwritten() uint64 {
	return q.overwritten.Load()
}

// Pump delivers queued events to fn on a named goroutine until ctx ends.
// The returned channel closes when the pump exits; events still buffered
// at that point are left for Drain.
func (q *Queue) Pump(ctx context.Context, name string, fn Handler) <-chan struct{} {
	return groutine.Go(ctx, name, func(ctx context.Context) {
		log := q.logger.WithField("goroutine", groutine.GetName(ctx))
		log.Debug("Event pump started")
		for {
			select {
			case <-ctx.Done():
				log.WithFields(logrus.Fields{
					"written":     q.Written(),
					"overwritten": q.Overwritten(),
				}).Debug("Event pump stopped")
				return
			case <-q.signal:
				q.Drain(fn)
			}
		}
	})
}
