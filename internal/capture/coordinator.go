package capture

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xnzim/oracle-sub001/internal/config"
)

// pollerStrategy and observerStrategy are what the coordinator races. The
// concrete types are *Poller and *Observer; tests substitute fakes.
type pollerStrategy interface {
	Wait(ctx context.Context, deadline time.Time) (*Snapshot, error)
}

type observerStrategy interface {
	Wait(ctx context.Context, deadline time.Time) (*Snapshot, error)
	Cancel(ctx context.Context) error
}

type recoverer interface {
	Recover(ctx context.Context, timeout time.Duration) *Snapshot
	Refresh(ctx context.Context, current *Snapshot) *Snapshot
}

// Coordinator races the host-side poller against the page-side observer for
// each capture task. Whichever strategy resolves first is authoritative; the
// loser is cancelled, never merged.
type Coordinator struct {
	newPoller func() pollerStrategy
	observer  observerStrategy
	recovery  recoverer
	cfg       config.CaptureConfig
	log       *zap.Logger

	mu       sync.Mutex
	lastTask *Task
}

// NewCoordinator wires a coordinator over one page's extractor.
func NewCoordinator(ex *Extractor, cfg config.CaptureConfig, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		newPoller: func() pollerStrategy {
			return NewPoller(ex, cfg, log.Named("poller"))
		},
		observer: NewObserver(ex.ev, ex.sel, cfg, log.Named("observer")),
		recovery: NewRecovery(ex, ex.DumpState, cfg, log.Named("recovery")),
		cfg:      cfg,
		log:      log,
	}
}

// newCoordinatorWith injects strategies directly. Test seam.
func newCoordinatorWith(newPoller func() pollerStrategy, obs observerStrategy, rec recoverer, cfg config.CaptureConfig, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{newPoller: newPoller, observer: obs, recovery: rec, cfg: cfg, log: log}
}

// Recovery exposes the pipeline for callers that refresh or re-acquire an
// answer outside the race.
func (c *Coordinator) Recovery() interface {
	Recover(ctx context.Context, timeout time.Duration) *Snapshot
	Refresh(ctx context.Context, current *Snapshot) *Snapshot
} {
	return c.recovery
}

// LastTask returns the most recent capture task, including its swallowed
// best-effort failures.
func (c *Coordinator) LastTask() *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTask
}

type strategyResult struct {
	snap *Snapshot
	err  error
}

// WaitForAnswer runs both strategies until one produces a usable snapshot or
// the deadline passes. floor marks turns at or before that index as belonging
// to a prior exchange; zero disables the check. A winner at or below the
// floor is never returned as-is: it routes through recovery first, and only
// falls back to the stale snapshot when recovery finds nothing fresher.
//
// Failure modes: a TimeoutError when neither strategy succeeds, or the
// underlying transport error when the page connection itself is lost. An
// observer evaluation failure first routes through the recovery pipeline.
func (c *Coordinator) WaitForAnswer(ctx context.Context, deadline time.Time, floor int) (*Snapshot, error) {
	budget := time.Until(deadline)
	task := newTask(deadline, floor)
	c.mu.Lock()
	c.lastTask = task
	c.mu.Unlock()

	if budget <= 0 {
		return nil, &TimeoutError{Op: "capture", Budget: 0}
	}
	c.log.Debug("capture race started",
		zap.String("task", task.ID),
		zap.Duration("budget", budget),
		zap.Int("floor", floor))

	// Grace past the deadline lets the observer script resolve its own
	// timeout before the host cuts the evaluation off.
	raceCtx, cancelRace := context.WithDeadline(ctx, deadline.Add(3*time.Second))
	defer cancelRace()

	pollCtx, cancelPoll := context.WithCancel(raceCtx)
	defer cancelPoll()
	obsCtx, cancelObs := context.WithCancel(raceCtx)
	defer cancelObs()

	pollCh := make(chan strategyResult, 1)
	obsCh := make(chan strategyResult, 1)

	poller := c.newPoller()
	go func() {
		snap, err := poller.Wait(pollCtx, deadline)
		pollCh <- strategyResult{snap, err}
	}()
	go func() {
		snap, err := c.observer.Wait(obsCtx, deadline)
		obsCh <- strategyResult{snap, err}
	}()

	// The loser's remote-side work is terminated here and only here.
	// Cancellation is a signal, not a guarantee; failures are recorded on
	// the task and swallowed.
	observerCancelled := false
	cancelObserver := func() {
		if observerCancelled {
			return
		}
		observerCancelled = true
		if err := c.observer.Cancel(context.WithoutCancel(ctx)); err != nil {
			task.note(c.log, "cancel observer", err)
		}
		cancelObs()
	}

	pollDone, obsDone := false, false
	for {
		select {
		case r := <-pollCh:
			pollDone = true
			if r.err != nil {
				// The control connection itself failed; re-raise.
				cancelObserver()
				return nil, r.err
			}
			if !r.snap.Empty() {
				cancelObserver()
				c.log.Info("poller won capture race",
					zap.String("task", task.ID),
					zap.Int("text_len", len(r.snap.Text)))
				return c.routeFloor(ctx, task, r.snap, floor, deadline), nil
			}
			// Poller exhausted its deadline. The observer may still be
			// legitimately in progress; await it instead of failing.
			if obsDone {
				return nil, &TimeoutError{Op: "capture", Budget: budget}
			}

		case r := <-obsCh:
			obsDone = true
			if r.err == nil && !r.snap.Empty() {
				cancelPoll()
				c.log.Info("observer won capture race",
					zap.String("task", task.ID),
					zap.Int("text_len", len(r.snap.Text)))
				return c.routeFloor(ctx, task, r.snap, floor, deadline), nil
			}
			if r.err == nil || IsTimeout(r.err) {
				// Observer gave up at its deadline; the poller may still win.
				if pollDone {
					return nil, &TimeoutError{Op: "capture", Budget: budget}
				}
				continue
			}

			// The evaluation call itself failed. Fall back to host-side
			// polling under a short window carved from the remaining budget.
			cancelPoll()
			window := c.cfg.RecoveryTimeout()
			if remaining := time.Until(deadline); remaining < window {
				window = remaining
			}
			if window > 0 {
				c.log.Warn("observer evaluation failed, attempting recovery",
					zap.String("task", task.ID),
					zap.Duration("window", window),
					zap.Error(r.err))
				if snap := c.recovery.Recover(ctx, window); !snap.Empty() {
					return snap, nil
				}
			}
			c.log.Error("capture failed after recovery",
				zap.String("task", task.ID),
				zap.Error(r.err))
			return nil, r.err
		}
	}
}

// routeFloor enforces staleness routing on a race winner. A snapshot from a
// turn at or before floor gets one recovery attempt; when recovery produces
// nothing from a later turn, the stale snapshot is accepted as best-effort.
func (c *Coordinator) routeFloor(ctx context.Context, task *Task, snap *Snapshot, floor int, deadline time.Time) *Snapshot {
	if floor <= 0 || snap.TurnIndex <= 0 || snap.TurnIndex > floor {
		return snap
	}

	window := c.cfg.RecoveryTimeout()
	if remaining := time.Until(deadline); remaining < window {
		window = remaining
	}
	c.log.Warn("winning snapshot predates the turn floor, routing through recovery",
		zap.String("task", task.ID),
		zap.Int("turn_index", snap.TurnIndex),
		zap.Int("floor", floor),
		zap.Duration("window", window))
	if window > 0 {
		if again := c.recovery.Recover(ctx, window); !again.Empty() && again.TurnIndex > floor {
			return again
		}
	}
	c.log.Warn("recovery found nothing past the floor, accepting stale answer best-effort",
		zap.String("task", task.ID),
		zap.Int("turn_index", snap.TurnIndex))
	return snap
}
