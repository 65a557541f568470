// Package queue carries the events of one generation run from the pipeline to a
// single subscriber. A queue is append-only, bounded, and ends with exactly one
// stop event.
package queue

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
	"github.com/tjfontaine/polyglot-app-runner/internal/core/ports"
)

// ErrQueueClosed is returned by Publish once the queue has stopped.
var ErrQueueClosed = errors.New("queue closed")

// Options configures a Queue.
type Options struct {
	// Capacity bounds buffered events. Publishers block when it is reached.
	Capacity int
	// PingInterval is how often an idle subscriber receives a ping. Zero disables pings.
	PingInterval time.Duration
	// ListenTimeout stops the queue when a subscriber has listened this long. Zero disables it.
	ListenTimeout time.Duration
	// Flags, when set, is consulted on publish so that a stop issued to another
	// process reaches this one.
	Flags ports.StopFlagStore
	// FlagCheckInterval throttles lookups against Flags.
	FlagCheckInterval time.Duration
	Logger            *slog.Logger
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		Capacity:          256,
		PingInterval:      10 * time.Second,
		ListenTimeout:     20 * time.Minute,
		FlagCheckInterval: 250 * time.Millisecond,
	}
}

// Queue is the per-run event channel. Publish is called by the pipeline,
// Subscribe by exactly one consumer, and Stop by either side.
type Queue struct {
	taskID string
	opts   Options
	logger *slog.Logger

	events chan domain.Event
	done   chan struct{}

	// mu serializes publishers so sequence numbers match delivery order.
	mu       sync.Mutex
	seq      atomic.Int64
	stopped  atomic.Bool
	stopOnce sync.Once
	reason   domain.StopReason
	stopSeq  int64

	lastFlagCheck atomic.Int64
	createdAt     time.Time
}

// New creates a queue for one task.
func New(taskID string, opts Options) *Queue {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultOptions().Capacity
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		taskID:    taskID,
		opts:      opts,
		logger:    logger.With(slog.String("task_id", taskID)),
		events:    make(chan domain.Event, opts.Capacity),
		done:      make(chan struct{}),
		createdAt: time.Now(),
	}
}

// TaskID returns the task this queue belongs to.
func (q *Queue) TaskID() string {
	return q.taskID
}

// Publish appends an event. It blocks while the queue is full and returns
// ErrQueueClosed once the queue has stopped.
func (q *Queue) Publish(ctx context.Context, payload domain.EventPayload) error {
	if payload == nil {
		return errors.New("queue: nil payload")
	}
	if payload.EventType() == domain.EventStop {
		return errors.New("queue: stop events are emitted by Stop")
	}
	if q.checkStopped(ctx) {
		return ErrQueueClosed
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopped.Load() {
		return ErrQueueClosed
	}

	ev := domain.Event{
		TaskID:     q.taskID,
		SequenceNo: q.seq.Add(1),
		CreatedAt:  time.Now(),
		Payload:    payload,
	}

	select {
	case q.events <- ev:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop marks the queue stopped. Only the first call has an effect; it reports
// whether this call was the one that stopped the queue. Cancellation reasons make
// the subscriber drop buffered events, other reasons let it drain them first.
func (q *Queue) Stop(reason domain.StopReason) bool {
	first := false
	q.stopOnce.Do(func() {
		q.reason = reason
		q.stopSeq = q.seq.Add(1)
		q.stopped.Store(true)
		close(q.done)
		first = true
		q.logger.Debug("queue stopped", slog.String("reason", string(reason)))
	})
	return first
}

// IsStopped reports whether Stop has been called.
func (q *Queue) IsStopped() bool {
	return q.stopped.Load()
}

// Done is closed when the queue stops.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

// Reason returns the stop reason, or "" while the queue is running.
func (q *Queue) Reason() domain.StopReason {
	select {
	case <-q.done:
		return q.reason
	default:
		return ""
	}
}

// checkStopped consults the local flag and, at most once per FlagCheckInterval,
// the shared flag store.
func (q *Queue) checkStopped(ctx context.Context) bool {
	if q.stopped.Load() {
		return true
	}
	if q.opts.Flags == nil {
		return false
	}

	now := time.Now().UnixNano()
	last := q.lastFlagCheck.Load()
	if time.Duration(now-last) < q.opts.FlagCheckInterval || !q.lastFlagCheck.CompareAndSwap(last, now) {
		return false
	}

	set, err := q.opts.Flags.IsStopped(ctx, q.taskID)
	if err != nil {
		q.logger.Warn("stop flag lookup failed", slog.String("error", err.Error()))
		return false
	}
	if set {
		q.Stop(domain.StopCancelled)
		return true
	}
	return false
}

func (q *Queue) stopEvent() domain.Event {
	return domain.Event{
		TaskID:     q.taskID,
		SequenceNo: q.stopSeq,
		CreatedAt:  time.Now(),
		Payload:    domain.Stop{Reason: q.reason},
	}
}

// Subscribe yields events in publish order and always ends with one stop event,
// unless the consumer itself goes away first. Pings repeat the sequence number
// of the last event delivered, so numbers never decrease on the stream.
// Breaking out of the loop or cancelling ctx stops the queue.
func (q *Queue) Subscribe(ctx context.Context) iter.Seq[domain.Event] {
	return func(consume func(domain.Event) bool) {
		var last int64
		yield := func(ev domain.Event) bool {
			last = ev.SequenceNo
			return consume(ev)
		}

		var pingC <-chan time.Time
		if q.opts.PingInterval > 0 {
			ticker := time.NewTicker(q.opts.PingInterval)
			defer ticker.Stop()
			pingC = ticker.C
		}
		var timeoutC <-chan time.Time
		if q.opts.ListenTimeout > 0 {
			timer := time.NewTimer(q.opts.ListenTimeout)
			defer timer.Stop()
			timeoutC = timer.C
		}

		for {
			// A cancellation overtakes anything still buffered.
			select {
			case <-q.done:
				if q.reason.Cancellation() {
					yield(q.stopEvent())
					return
				}
			default:
			}

			select {
			case ev := <-q.events:
				if !yield(ev) {
					q.Stop(domain.StopDisconnected)
					return
				}
			case <-q.done:
				if !q.reason.Cancellation() && !q.drain(yield) {
					return
				}
				yield(q.stopEvent())
				return
			case <-pingC:
				ping := domain.Event{TaskID: q.taskID, SequenceNo: last, CreatedAt: time.Now(), Payload: domain.Ping{}}
				if !yield(ping) {
					q.Stop(domain.StopDisconnected)
					return
				}
			case <-timeoutC:
				q.logger.Warn("listener timed out", slog.Duration("listen_timeout", q.opts.ListenTimeout))
				q.Stop(domain.StopTimeout)
			case <-ctx.Done():
				q.Stop(domain.StopDisconnected)
				return
			}
		}
	}
}

// drain yields whatever is still buffered. It returns false if the consumer stopped early.
func (q *Queue) drain(yield func(domain.Event) bool) bool {
	for {
		select {
		case ev := <-q.events:
			if !yield(ev) {
				return false
			}
		default:
			return true
		}
	}
}
