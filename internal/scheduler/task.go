package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/fleetmesh/internal/logger"
)

// TaskFunc is one tick of a periodic task.
type TaskFunc func(ctx context.Context) error

// Task runs a function at a fixed interval until stopped. A tick can also be
// requested early with Trigger.
type Task struct {
	name          string
	interval      time.Duration
	initialDelay  time.Duration
	runOnStart    bool
	fn            TaskFunc
	logger        logger.Logger
	stopCh        chan struct{}
	manualTrigger chan struct{}
	done          chan struct{}
	cancel        context.CancelFunc

	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.Mutex
	started   bool
}

type TaskOption func(*Task)

// WithInitialDelay holds the first tick back for d (ex: a discovery grace period).
func WithInitialDelay(d time.Duration) TaskOption {
	return func(t *Task) { t.initialDelay = d }
}

// WithRunOnStart runs one tick as soon as the task starts (after the initial delay).
func WithRunOnStart() TaskOption {
	return func(t *Task) { t.runOnStart = true }
}

// NewTask creates a new periodic task
func NewTask(name string, interval time.Duration, fn TaskFunc, log logger.Logger, opts ...TaskOption) *Task {
	t := &Task{
		name:          name,
		interval:      interval,
		fn:            fn,
		logger:        log,
		stopCh:        make(chan struct{}),
		manualTrigger: make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) Name() string { return t.name }

// Start begins the periodic loop. Calling it more than once has no effect.
func (t *Task) Start(ctx context.Context) {
	t.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		t.mu.Lock()
		t.cancel = cancel
		t.started = true
		t.mu.Unlock()

		go t.loop(runCtx)
	})
}

func (t *Task) loop(ctx context.Context) {
	defer close(t.done)

	if t.initialDelay > 0 {
		timer := time.NewTimer(t.initialDelay)
		select {
		case <-timer.C:
		case <-t.stopCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	if t.runOnStart {
		t.run(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.run(ctx)
		case <-t.manualTrigger:
			t.logger.Debug("manual tick triggered", logger.String("task", t.name))
			t.run(ctx)
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (t *Task) run(ctx context.Context) {
	// stop may have raced with the tick that woke us
	select {
	case <-t.stopCh:
		return
	default:
	}

	if err := t.fn(ctx); err != nil && ctx.Err() == nil {
		t.logger.Error("task tick failed",
			logger.String("task", t.name),
			logger.Error(err))
	}
}

// Trigger requests an extra tick. It never blocks; requests made while one is
// already pending are merged.
func (t *Task) Trigger() {
	select {
	case t.manualTrigger <- struct{}{}:
	default:
	}
}

// Stop signals the loop and waits for the in-flight tick to return.
func (t *Task) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCh)

		t.mu.Lock()
		started := t.started
		cancel := t.cancel
		t.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if started {
			<-t.done
		}
	})
}
