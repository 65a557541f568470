package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tjfontaine/polyglot-app-runner/internal/core/domain"
)

var (
	// ErrTaskExists is returned when a task id is reused while its queue is live.
	ErrTaskExists = errors.New("task already exists")
	// ErrNotOwner is returned when a user tries to stop someone else's task.
	ErrNotOwner = errors.New("task belongs to another user")
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Queue Options
	// StopFlagTTL is how long a shared stop flag lives.
	StopFlagTTL time.Duration
	// Retention is how long a stopped queue stays addressable before Sweep removes it.
	Retention time.Duration
	// SweepInterval drives Run.
	SweepInterval time.Duration
	Logger        *slog.Logger
}

type entry struct {
	queue     *Queue
	appID     string
	userID    string
	createdAt time.Time
	stoppedAt time.Time
}

// Manager tracks the live queues of this process by task id.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	queues map[string]*entry
}

// NewManager creates a queue registry.
func NewManager(opts ManagerOptions) *Manager {
	if opts.StopFlagTTL <= 0 {
		opts.StopFlagTTL = 10 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Queue.Logger == nil {
		opts.Queue.Logger = logger
	}
	return &Manager{
		opts:   opts,
		logger: logger,
		now:    time.Now,
		queues: make(map[string]*entry),
	}
}

// Create registers a new queue for taskID.
func (m *Manager) Create(taskID, appID, userID string) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queues[taskID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, taskID)
	}
	q := New(taskID, m.opts.Queue)
	m.queues[taskID] = &entry{queue: q, appID: appID, userID: userID, createdAt: m.now()}
	return q, nil
}

// Get returns the queue for taskID if this process owns it.
func (m *Manager) Get(taskID string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.queues[taskID]
	if !ok {
		return nil, false
	}
	return e.queue, true
}

// Stop requests cancellation of taskID on behalf of userID. A task created for a
// user can only be stopped by that same user. The local queue, if any, stops
// immediately; the shared flag reaches queues in other processes.
func (m *Manager) Stop(ctx context.Context, taskID, userID string) error {
	m.mu.RLock()
	e, ok := m.queues[taskID]
	m.mu.RUnlock()

	if ok {
		if e.userID != "" && e.userID != userID {
			return ErrNotOwner
		}
		e.queue.Stop(domain.StopCancelled)
	}

	if flags := m.opts.Queue.Flags; flags != nil {
		if err := flags.SetStop(ctx, taskID, m.opts.StopFlagTTL); err != nil {
			return err
		}
	}

	m.logger.Info("task stop requested",
		slog.String("task_id", taskID),
		slog.Bool("local", ok))
	return nil
}

// Remove forgets taskID and clears its shared flag.
func (m *Manager) Remove(ctx context.Context, taskID string) {
	m.mu.Lock()
	delete(m.queues, taskID)
	m.mu.Unlock()

	if flags := m.opts.Queue.Flags; flags != nil {
		if err := flags.Clear(ctx, taskID); err != nil {
			m.logger.Warn("failed to clear stop flag",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
		}
	}
}

// Sweep drops queues that stopped more than Retention ago and stops queues
// that outlived the listen timeout plus Retention. Dropped tasks also lose
// their shared stop flag. It returns the number removed.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	m.mu.Lock()
	maxAge := m.opts.Queue.ListenTimeout + m.opts.Retention
	var expired []string
	for id, e := range m.queues {
		if e.stoppedAt.IsZero() && e.queue.IsStopped() {
			e.stoppedAt = now
		}
		if e.stoppedAt.IsZero() && m.opts.Queue.ListenTimeout > 0 && now.Sub(e.createdAt) > maxAge {
			e.queue.Stop(domain.StopTimeout)
			e.stoppedAt = now
		}
		if !e.stoppedAt.IsZero() && now.Sub(e.stoppedAt) >= m.opts.Retention {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.Remove(ctx, id)
	}
	return len(expired)
}

// Len returns the number of tracked queues.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queues)
}

// Run sweeps periodically until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := m.Sweep(ctx, now); n > 0 {
				m.logger.Debug("swept queues", slog.Int("removed", n))
			}
		}
	}
}
