package capture

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xnzim/oracle-sub001/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakePollerStrategy resolves with a fixed result after delay, or blocks
// until the context is cancelled.
type fakePollerStrategy struct {
	snap  *Snapshot
	err   error
	delay time.Duration
}

func (f *fakePollerStrategy) Wait(ctx context.Context, deadline time.Time) (*Snapshot, error) {
	select {
	case <-time.After(f.delay):
		return f.snap, f.err
	case <-ctx.Done():
		return nil, nil
	}
}

type fakeObserverStrategy struct {
	snap    *Snapshot
	err     error
	delay   time.Duration
	cancels atomic.Int32
	// cancelErr simulates a failed best-effort remote abort.
	cancelErr error
}

func (f *fakeObserverStrategy) Wait(ctx context.Context, deadline time.Time) (*Snapshot, error) {
	select {
	case <-time.After(f.delay):
		return f.snap, f.err
	case <-ctx.Done():
		return nil, &TimeoutError{Op: "observer", Budget: time.Until(deadline)}
	}
}

func (f *fakeObserverStrategy) Cancel(ctx context.Context) error {
	f.cancels.Add(1)
	return f.cancelErr
}

type fakeRecoverer struct {
	snap    *Snapshot
	calls   atomic.Int32
	window  atomic.Int64
	refresh *Snapshot
}

func (f *fakeRecoverer) Recover(ctx context.Context, timeout time.Duration) *Snapshot {
	f.calls.Add(1)
	f.window.Store(int64(timeout))
	return f.snap
}

func (f *fakeRecoverer) Refresh(ctx context.Context, current *Snapshot) *Snapshot {
	if f.refresh != nil {
		return f.refresh
	}
	return current
}

func raceCoordinator(p pollerStrategy, o *fakeObserverStrategy, r *fakeRecoverer) *Coordinator {
	cfg := config.DefaultCaptureConfig()
	cfg.PollIntervalMs = 1
	return newCoordinatorWith(func() pollerStrategy { return p }, o, r, cfg, nil)
}

func TestCoordinatorPollerWinsAndCancelsObserver(t *testing.T) {
	want := snapText("from poller")
	poller := &fakePollerStrategy{snap: want, delay: 5 * time.Millisecond}
	observer := &fakeObserverStrategy{delay: time.Minute}
	recovery := &fakeRecoverer{}
	c := raceCoordinator(poller, observer, recovery)

	snap, err := c.WaitForAnswer(context.Background(), time.Now().Add(5*time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, want, snap)
	// The losing observer's remote payload is cancelled exactly once.
	assert.Equal(t, int32(1), observer.cancels.Load())
	assert.Equal(t, int32(0), recovery.calls.Load())
}

func TestCoordinatorObserverWins(t *testing.T) {
	want := snapText("from observer")
	poller := &fakePollerStrategy{delay: time.Minute}
	observer := &fakeObserverStrategy{snap: want, delay: 5 * time.Millisecond}
	c := raceCoordinator(poller, observer, &fakeRecoverer{})

	snap, err := c.WaitForAnswer(context.Background(), time.Now().Add(5*time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, want, snap)
	// A normally-winning observer needs no cancellation.
	assert.Equal(t, int32(0), observer.cancels.Load())
}

func TestCoordinatorObserverFailureRoutesThroughRecovery(t *testing.T) {
	// The observer's evaluate call fails 5ms into a 60s budget; recovery
	// runs under min(remaining, 10s) and its snapshot is returned.
	recovered := snapText("recovered")
	poller := &fakePollerStrategy{delay: time.Minute}
	observer := &fakeObserverStrategy{
		err:   &TransportError{Op: "observer evaluate", Err: errors.New("websocket closed")},
		delay: 5 * time.Millisecond,
	}
	recovery := &fakeRecoverer{snap: recovered}
	c := raceCoordinator(poller, observer, recovery)

	snap, err := c.WaitForAnswer(context.Background(), time.Now().Add(60*time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, recovered, snap)
	assert.Equal(t, int32(1), recovery.calls.Load())
	window := time.Duration(recovery.window.Load())
	assert.InDelta(t, float64(10*time.Second), float64(window), float64(time.Second))
}

func TestCoordinatorSurfacesOriginalErrorWhenRecoveryFails(t *testing.T) {
	evalErr := &TransportError{Op: "observer evaluate", Err: errors.New("target crashed")}
	poller := &fakePollerStrategy{delay: time.Minute}
	observer := &fakeObserverStrategy{err: evalErr, delay: 5 * time.Millisecond}
	recovery := &fakeRecoverer{} // finds nothing
	c := raceCoordinator(poller, observer, recovery)

	_, err := c.WaitForAnswer(context.Background(), time.Now().Add(5*time.Second), 0)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Equal(t, int32(1), recovery.calls.Load())
}

func TestCoordinatorAwaitsObserverAfterPollerExhaustion(t *testing.T) {
	// The poller gives up early; the observer is still legitimately in
	// progress and its later result wins.
	want := snapText("late observer")
	poller := &fakePollerStrategy{delay: time.Millisecond} // snap nil: exhausted
	observer := &fakeObserverStrategy{snap: want, delay: 30 * time.Millisecond}
	c := raceCoordinator(poller, observer, &fakeRecoverer{})

	snap, err := c.WaitForAnswer(context.Background(), time.Now().Add(5*time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, want, snap)
}

func TestCoordinatorTimesOutWhenBothExhaust(t *testing.T) {
	poller := &fakePollerStrategy{delay: time.Millisecond}
	observer := &fakeObserverStrategy{delay: 2 * time.Millisecond,
		err: &TimeoutError{Op: "observer", Budget: time.Second}}
	c := raceCoordinator(poller, observer, &fakeRecoverer{})

	_, err := c.WaitForAnswer(context.Background(), time.Now().Add(200*time.Millisecond), 0)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}

func TestCoordinatorTransportFailureFromPollerReRaises(t *testing.T) {
	pollErr := &TransportError{Op: "extract", Err: errors.New("connection lost")}
	poller := &fakePollerStrategy{err: pollErr, delay: time.Millisecond}
	observer := &fakeObserverStrategy{delay: time.Minute}
	c := raceCoordinator(poller, observer, &fakeRecoverer{})

	_, err := c.WaitForAnswer(context.Background(), time.Now().Add(5*time.Second), 0)
	require.Error(t, err)
	assert.True(t, IsTransport(err))
	assert.Equal(t, int32(1), observer.cancels.Load())
}

func TestCoordinatorSwallowsCancellationFailure(t *testing.T) {
	// A failed best-effort cancel is recorded on the task, never escalated.
	want := snapText("from poller")
	poller := &fakePollerStrategy{snap: want, delay: time.Millisecond}
	observer := &fakeObserverStrategy{delay: time.Minute, cancelErr: errors.New("page already gone")}
	c := raceCoordinator(poller, observer, &fakeRecoverer{})

	snap, err := c.WaitForAnswer(context.Background(), time.Now().Add(5*time.Second), 0)
	require.NoError(t, err)
	assert.Equal(t, want, snap)

	task := c.LastTask()
	require.NotNil(t, task)
	soft := task.SoftFailures()
	require.Len(t, soft, 1)
	assert.Equal(t, "cancel observer", soft[0].Op)
}

func TestCoordinatorRoutesStalePageThroughRecovery(t *testing.T) {
	// Reattaching after the answer finished: the only turn on the page is
	// already counted by the floor. The race must not burn its deadline; the
	// settled answer routes through one recovery attempt and, with nothing
	// fresher on the page, comes back best-effort.
	stale := &Snapshot{Text: "finished answer from before the restart", TurnIndex: 2, TurnCount: 2}
	probe := &fakeProbe{
		snaps:    []*Snapshot{stale},
		finishes: []bool{true},
	}
	poller := NewPoller(probe, fastCaptureConfig(), nil)
	observer := &fakeObserverStrategy{delay: time.Minute}
	recovery := &fakeRecoverer{} // page has nothing past the floor
	c := raceCoordinator(poller, observer, recovery)

	start := time.Now()
	snap, err := c.WaitForAnswer(context.Background(), time.Now().Add(30*time.Second), 2)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, stale.Text, snap.Text)
	assert.Equal(t, int32(1), recovery.calls.Load())
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCoordinatorPrefersRecoveredTurnPastFloor(t *testing.T) {
	stale := snapText("leftover from the previous exchange") // TurnIndex 2
	fresh := &Snapshot{Text: "the actual new answer", TurnIndex: 3, TurnCount: 3}
	poller := &fakePollerStrategy{snap: stale, delay: time.Millisecond}
	observer := &fakeObserverStrategy{delay: time.Minute}
	recovery := &fakeRecoverer{snap: fresh}
	c := raceCoordinator(poller, observer, recovery)

	snap, err := c.WaitForAnswer(context.Background(), time.Now().Add(30*time.Second), 2)
	require.NoError(t, err)
	assert.Equal(t, fresh, snap)
	assert.Equal(t, int32(1), recovery.calls.Load())
}

func TestCoordinatorSkipsFloorRoutingForFreshWinner(t *testing.T) {
	fresh := &Snapshot{Text: "new turn", TurnIndex: 3, TurnCount: 3}
	poller := &fakePollerStrategy{snap: fresh, delay: time.Millisecond}
	observer := &fakeObserverStrategy{delay: time.Minute}
	recovery := &fakeRecoverer{}
	c := raceCoordinator(poller, observer, recovery)

	snap, err := c.WaitForAnswer(context.Background(), time.Now().Add(5*time.Second), 2)
	require.NoError(t, err)
	assert.Equal(t, fresh, snap)
	assert.Equal(t, int32(0), recovery.calls.Load())
}

func TestCoordinatorRejectsExpiredDeadline(t *testing.T) {
	c := raceCoordinator(&fakePollerStrategy{}, &fakeObserverStrategy{}, &fakeRecoverer{})
	_, err := c.WaitForAnswer(context.Background(), time.Now().Add(-time.Second), 0)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
}
