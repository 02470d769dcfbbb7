// Package reattach resumes a wait against an already-running browser session
// after the controlling process restarted: it reconnects using persisted
// runtime coordinates, relocates the conversation, re-establishes a
// turn-index floor, and delegates to the capture engine.
package reattach

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"go.uber.org/zap"

	"github.com/xnzim/oracle-sub001/internal/browser"
	"github.com/xnzim/oracle-sub001/internal/capture"
	"github.com/xnzim/oracle-sub001/internal/config"
)

// ErrReattachUnavailable means the previous session could not be reached or
// relocated. The caller falls back to launching a fresh session and replaying
// navigation plus cookie sync; reattachment itself is best-effort.
var ErrReattachUnavailable = errors.New("reattach unavailable")

// State names the reattachment phases.
type State string

const (
	StateIdle       State = "idle"
	StateProbing    State = "probing"
	StateRelocating State = "relocating"
	StateCapturing  State = "capturing"
	StateRecovering State = "recovering"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Result is the final output of a resumed capture. Immutable once returned.
type Result struct {
	AnswerText     string
	AnswerMarkdown string
}

// Session is the control-connection surface the manager drives.
// *browser.Session satisfies it.
type Session interface {
	capture.Evaluator
	Probe(ctx context.Context, timeout time.Duration) error
	Navigate(ctx context.Context, url string) error
	Close() error
}

// Connector opens a control connection from persisted coordinates.
type Connector interface {
	Connect(ctx context.Context, coords browser.Coordinates) (Session, error)
}

// engine bundles the capture operations the manager needs against one page.
type engine interface {
	WaitForAnswer(ctx context.Context, deadline time.Time, floor int) (*capture.Snapshot, error)
	Recover(ctx context.Context, timeout time.Duration) *capture.Snapshot
	Refresh(ctx context.Context, current *capture.Snapshot) *capture.Snapshot
	Markdown(ctx context.Context, hint capture.TurnHint) (string, bool)
	TurnCount(ctx context.Context) (int, error)
	Location(ctx context.Context) (string, error)
	Relocate(ctx context.Context, conversationID string) (bool, error)
}

// Manager is the session reattachment state machine.
type Manager struct {
	connector Connector
	newEngine func(Session) engine
	cfg       *config.Config
	log       *zap.Logger

	// One in-flight capture per remote target: the control connection is not
	// safe for concurrent capture tasks.
	group singleflight.Group

	mu    sync.Mutex
	state State
}

// NewManager builds a manager over a real browser launcher.
func NewManager(l *browser.Launcher, cfg *config.Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		connector: launcherConnector{l},
		newEngine: func(s Session) engine {
			return newCaptureEngine(s, cfg, log)
		},
		cfg:   cfg,
		log:   log,
		state: StateIdle,
	}
}

// newManagerWith injects connector and engine factory. Test seam.
func newManagerWith(c Connector, newEngine func(Session) engine, cfg *config.Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{connector: c, newEngine: newEngine, cfg: cfg, log: log, state: StateIdle}
}

// State returns the current phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.log.Debug("reattach state", zap.String("state", string(s)))
}

// Resume reconnects to the session described by coords and waits out the
// in-flight answer. promptPreview, when available, validates that recovered
// content belongs to the right exchange. Errors wrapping
// ErrReattachUnavailable mean "launch a fresh session instead"; any other
// error is a real capture failure.
func (m *Manager) Resume(ctx context.Context, coords browser.Coordinates, promptPreview string, deadline time.Time) (*Result, error) {
	v, err, _ := m.group.Do(coords.TargetID, func() (interface{}, error) {
		return m.resume(ctx, coords, promptPreview, deadline)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

func (m *Manager) resume(ctx context.Context, coords browser.Coordinates, promptPreview string, deadline time.Time) (*Result, error) {
	budget := time.Until(deadline)
	if budget <= 0 {
		m.setState(StateFailed)
		return nil, fmt.Errorf("%w: no budget left", ErrReattachUnavailable)
	}
	if !coords.Valid() {
		m.setState(StateFailed)
		return nil, fmt.Errorf("%w: incomplete coordinates", ErrReattachUnavailable)
	}

	// Probing: confirm the old session still answers.
	m.setState(StateProbing)
	sess, err := m.connector.Connect(ctx, coords)
	if err != nil {
		m.setState(StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrReattachUnavailable, err)
	}
	closeSession := func() {
		if err := sess.Close(); err != nil {
			m.log.Debug("session close swallowed", zap.Error(err))
		}
	}

	if err := sess.Probe(ctx, probeTimeout(budget)); err != nil {
		closeSession()
		m.setState(StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrReattachUnavailable, err)
	}

	eng := m.newEngine(sess)

	// Relocating: make sure the tab shows the stored conversation.
	m.setState(StateRelocating)
	if err := m.relocate(ctx, sess, eng, coords); err != nil {
		closeSession()
		m.setState(StateFailed)
		return nil, fmt.Errorf("%w: %v", ErrReattachUnavailable, err)
	}

	// Capturing: floor first, then the race gets the bulk of the budget.
	m.setState(StateCapturing)
	floor := 0
	if n, err := eng.TurnCount(ctx); err == nil {
		floor = n
	} else {
		m.log.Warn("turn floor unavailable, staleness check disabled", zap.Error(err))
	}
	matcher := capture.NewEchoMatcher(promptPreview, m.cfg.Capture.EchoRunes())

	captureDeadline := deadline.Add(-m.cfg.Capture.MarkdownTimeout() - time.Second)
	if !captureDeadline.After(time.Now()) {
		captureDeadline = deadline
	}
	snap, err := eng.WaitForAnswer(ctx, captureDeadline, floor)
	if err != nil {
		closeSession()
		m.setState(StateFailed)
		return nil, err
	}

	// Recovering: floor staleness is already routed through recovery inside
	// the capture race; here the answer is rejected when it vanished or does
	// not echo the prompt. One recovery attempt, then best-effort acceptance.
	if reason := m.validate(snap, matcher); reason != nil {
		m.setState(StateRecovering)
		m.log.Warn("captured answer looks wrong, attempting recovery", zap.Error(reason))
		window := m.cfg.Capture.RecoveryTimeout()
		if remaining := time.Until(deadline); remaining < window {
			window = remaining
		}
		if again := eng.Recover(ctx, window); !again.Empty() && m.validate(again, matcher) == nil {
			snap = again
		} else {
			// Refusing to answer is worse than answering approximately.
			m.log.Warn("recovery did not produce a better answer, accepting best-effort")
		}
	}

	// Completion indicators can beat the final characters; take one refresh
	// pass before the answer is committed.
	snap = eng.Refresh(ctx, snap)

	markdown, ok := eng.Markdown(ctx, snap.Hint())
	if !ok || !matcher.Aligns(snap.Text, markdown) {
		markdown = snap.Text
	}

	m.setState(StateDone)
	closeSession()
	return &Result{AnswerText: snap.Text, AnswerMarkdown: markdown}, nil
}

// validate returns why a snapshot should not be accepted as-is, or nil.
// Turn-floor staleness is not re-checked here: the capture race routes
// floored winners through recovery itself.
func (m *Manager) validate(snap *capture.Snapshot, matcher *capture.EchoMatcher) error {
	if snap.Empty() {
		return &capture.StaleError{Reason: "empty snapshot"}
	}
	if !matcher.Matches(snap.Text) {
		return &capture.StaleError{Reason: "content does not echo the submitted prompt"}
	}
	return nil
}

// relocate drives the tab back to the stored conversation, first through the
// host's own sidebar affordance, then by direct navigation, retrying with
// backoff until the location change registers.
func (m *Manager) relocate(ctx context.Context, sess Session, eng engine, coords browser.Coordinates) error {
	if coords.ConversationID == "" {
		return nil
	}
	loc, err := eng.Location(ctx)
	if err != nil {
		return err
	}
	if ConversationIDFromURL(loc) == coords.ConversationID {
		return nil
	}

	deadline := time.Now().Add(m.cfg.Capture.RelocateTimeout())
	backoff := 500 * time.Millisecond
	for attempt := 0; time.Now().Before(deadline); attempt++ {
		clicked, err := eng.Relocate(ctx, coords.ConversationID)
		if err != nil {
			m.log.Debug("sidebar relocation failed", zap.Error(err))
		}
		if !clicked && coords.TabURL != "" {
			if err := sess.Navigate(ctx, coords.TabURL); err != nil {
				m.log.Debug("direct navigation failed", zap.Error(err))
			}
		}

		// Wait for the location change to actually register.
		settle := time.Now().Add(backoff)
		for time.Now().Before(settle) {
			loc, err := eng.Location(ctx)
			if err == nil && ConversationIDFromURL(loc) == coords.ConversationID {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
		}
		if backoff < 4*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("conversation %s not reachable", coords.ConversationID)
}

// probeTimeout carves the liveness budget out of the overall one: 5%,
// clamped to [1.5s, 5s].
func probeTimeout(budget time.Duration) time.Duration {
	t := budget / 20
	if t < 1500*time.Millisecond {
		t = 1500 * time.Millisecond
	}
	if t > 5*time.Second {
		t = 5 * time.Second
	}
	return t
}

// ConversationIDFromURL derives the conversation id from a chat URL: the last
// non-empty path segment.
func ConversationIDFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := len(segs) - 1; i >= 0; i-- {
		if segs[i] != "" {
			return segs[i]
		}
	}
	return ""
}

// launcherConnector adapts *browser.Launcher to the Connector seam.
type launcherConnector struct {
	l *browser.Launcher
}

func (c launcherConnector) Connect(ctx context.Context, coords browser.Coordinates) (Session, error) {
	return c.l.Connect(ctx, coords)
}
