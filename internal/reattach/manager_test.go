package reattach

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/xnzim/oracle-sub001/internal/browser"
	"github.com/xnzim/oracle-sub001/internal/capture"
	"github.com/xnzim/oracle-sub001/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSession struct {
	probeErr    error
	navErr      error
	closed      atomic.Int32
	navigations []string
}

func (s *fakeSession) Eval(ctx context.Context, js string) (json.RawMessage, error) {
	return json.RawMessage(`null`), nil
}

func (s *fakeSession) Probe(ctx context.Context, timeout time.Duration) error { return s.probeErr }

func (s *fakeSession) Navigate(ctx context.Context, url string) error {
	s.navigations = append(s.navigations, url)
	return s.navErr
}

func (s *fakeSession) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeConnector struct {
	sess *fakeSession
	err  error
}

func (c *fakeConnector) Connect(ctx context.Context, coords browser.Coordinates) (Session, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.sess, nil
}

// fakeEngine scripts every capture operation the manager drives.
type fakeEngine struct {
	snap       *capture.Snapshot
	waitErr    error
	gotFloor   atomic.Int32
	recovered  *capture.Snapshot
	recoveries atomic.Int32

	markdown   string
	markdownOK bool

	turnCount    int
	turnCountErr error

	location     string
	relocated    atomic.Int32
	relocateHits bool
}

func (e *fakeEngine) WaitForAnswer(ctx context.Context, deadline time.Time, floor int) (*capture.Snapshot, error) {
	e.gotFloor.Store(int32(floor))
	return e.snap, e.waitErr
}

func (e *fakeEngine) Recover(ctx context.Context, timeout time.Duration) *capture.Snapshot {
	e.recoveries.Add(1)
	return e.recovered
}

func (e *fakeEngine) Refresh(ctx context.Context, current *capture.Snapshot) *capture.Snapshot {
	return current
}

func (e *fakeEngine) Markdown(ctx context.Context, hint capture.TurnHint) (string, bool) {
	return e.markdown, e.markdownOK
}

func (e *fakeEngine) TurnCount(ctx context.Context) (int, error) {
	return e.turnCount, e.turnCountErr
}

func (e *fakeEngine) Location(ctx context.Context) (string, error) {
	return e.location, nil
}

func (e *fakeEngine) Relocate(ctx context.Context, conversationID string) (bool, error) {
	e.relocated.Add(1)
	e.location = "https://gemini.google.com/app/" + conversationID
	return e.relocateHits, nil
}

func liveCoords() browser.Coordinates {
	return browser.Coordinates{
		Host:           "127.0.0.1",
		Port:           9222,
		TargetID:       "TARGET-1",
		ConversationID: "conv-9",
		TabURL:         "https://gemini.google.com/app/conv-9",
	}
}

func testManager(c Connector, eng engine) *Manager {
	cfg := config.DefaultConfig()
	cfg.Capture.RelocateTimeoutMs = 500
	return newManagerWith(c, func(Session) engine { return eng }, cfg, nil)
}

func answered(text string, turn int) *capture.Snapshot {
	return &capture.Snapshot{Text: text, TurnIndex: turn, TurnCount: turn, MessageID: "m"}
}

func TestResumeHappyPath(t *testing.T) {
	sess := &fakeSession{}
	eng := &fakeEngine{
		snap:       answered("Compare the two retry budgets before tuning either.", 6),
		turnCount:  5,
		location:   "https://gemini.google.com/app/conv-9",
		markdown:   "**Compare** the two retry budgets before tuning either.",
		markdownOK: true,
	}
	m := testManager(&fakeConnector{sess: sess}, eng)

	res, err := m.Resume(context.Background(), liveCoords(), "compare the two retry budgets", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, eng.snap.Text, res.AnswerText)
	assert.Equal(t, eng.markdown, res.AnswerMarkdown)
	assert.Equal(t, StateDone, m.State())
	assert.Equal(t, int32(1), sess.closed.Load())
	assert.Equal(t, int32(0), eng.recoveries.Load())
}

func TestResumeDeadCoordinatesFallBack(t *testing.T) {
	m := testManager(&fakeConnector{err: errors.New("connection refused")}, &fakeEngine{})

	_, err := m.Resume(context.Background(), liveCoords(), "", time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReattachUnavailable)
	assert.Equal(t, StateFailed, m.State())
}

func TestResumeProbeFailureClosesSession(t *testing.T) {
	sess := &fakeSession{probeErr: errors.New("browser gone")}
	m := testManager(&fakeConnector{sess: sess}, &fakeEngine{})

	_, err := m.Resume(context.Background(), liveCoords(), "", time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrReattachUnavailable)
	assert.Equal(t, int32(1), sess.closed.Load())
}

func TestResumeIncompleteCoordinates(t *testing.T) {
	m := testManager(&fakeConnector{sess: &fakeSession{}}, &fakeEngine{})
	coords := liveCoords()
	coords.TargetID = ""

	_, err := m.Resume(context.Background(), coords, "", time.Now().Add(time.Minute))
	assert.ErrorIs(t, err, ErrReattachUnavailable)
}

func TestResumeExhaustedBudget(t *testing.T) {
	m := testManager(&fakeConnector{sess: &fakeSession{}}, &fakeEngine{})
	_, err := m.Resume(context.Background(), liveCoords(), "", time.Now().Add(-time.Second))
	assert.ErrorIs(t, err, ErrReattachUnavailable)
}

func TestResumePassesTurnFloorToCapture(t *testing.T) {
	// The turn count taken right after reattach is the staleness floor the
	// capture race uses to route leftover turns through recovery.
	eng := &fakeEngine{
		snap:      answered("answer", 6),
		turnCount: 5,
		location:  "https://gemini.google.com/app/conv-9",
	}
	m := testManager(&fakeConnector{sess: &fakeSession{}}, eng)

	_, err := m.Resume(context.Background(), liveCoords(), "", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int32(5), eng.gotFloor.Load())
}

func TestResumeEchoMismatchTriggersRecovery(t *testing.T) {
	preview := "explain the difference between buffered and unbuffered channels"
	eng := &fakeEngine{
		snap:      answered("Here is a lasagna recipe with four layers.", 6),
		turnCount: 5,
		recovered: answered("Buffered channels decouple sender and receiver; unbuffered ones synchronize them.", 7),
		location:  "https://gemini.google.com/app/conv-9",
	}
	m := testManager(&fakeConnector{sess: &fakeSession{}}, eng)

	res, err := m.Resume(context.Background(), liveCoords(), preview, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Contains(t, res.AnswerText, "Buffered channels")
	assert.Equal(t, int32(1), eng.recoveries.Load())
}

func TestResumeAcceptsBestEffortWhenRecoveryFails(t *testing.T) {
	// The answer does not echo the prompt and recovery finds nothing better;
	// refusing to answer is worse than answering approximately.
	suspect := answered("something about garbage collection pauses", 6)
	eng := &fakeEngine{
		snap:      suspect,
		turnCount: 5,
		recovered: nil,
		location:  "https://gemini.google.com/app/conv-9",
	}
	m := testManager(&fakeConnector{sess: &fakeSession{}}, eng)

	res, err := m.Resume(context.Background(), liveCoords(),
		"summarize the quarterly revenue numbers", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, suspect.Text, res.AnswerText)
	assert.Equal(t, int32(1), eng.recoveries.Load())
	assert.Equal(t, StateDone, m.State())
}

func TestResumeCaptureErrorIsNotWrapped(t *testing.T) {
	// A real capture failure after a successful reattach must not route the
	// caller into the fresh-session fallback.
	eng := &fakeEngine{
		waitErr:  &capture.TimeoutError{Op: "capture", Budget: time.Minute},
		location: "https://gemini.google.com/app/conv-9",
	}
	m := testManager(&fakeConnector{sess: &fakeSession{}}, eng)

	_, err := m.Resume(context.Background(), liveCoords(), "", time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReattachUnavailable)
	assert.True(t, capture.IsTimeout(err))
	assert.Equal(t, StateFailed, m.State())
}

func TestResumeMarkdownDegradesToText(t *testing.T) {
	eng := &fakeEngine{
		snap:       answered("plain answer text", 6),
		turnCount:  5,
		markdownOK: false,
		location:   "https://gemini.google.com/app/conv-9",
	}
	m := testManager(&fakeConnector{sess: &fakeSession{}}, eng)

	res, err := m.Resume(context.Background(), liveCoords(), "", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "plain answer text", res.AnswerMarkdown)
}

func TestResumeRejectsMisalignedMarkdown(t *testing.T) {
	// The copy control belonged to a different turn: the intercepted payload
	// shares nothing with the answer, so the text wins.
	eng := &fakeEngine{
		snap:       answered("Goroutines are cheap because stacks grow on demand.", 6),
		turnCount:  5,
		markdown:   "Paris is the capital of France.",
		markdownOK: true,
		location:   "https://gemini.google.com/app/conv-9",
	}
	m := testManager(&fakeConnector{sess: &fakeSession{}}, eng)

	res, err := m.Resume(context.Background(), liveCoords(), "", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, eng.snap.Text, res.AnswerMarkdown)
}

func TestResumeRelocatesWhenTabDrifted(t *testing.T) {
	eng := &fakeEngine{
		snap:         answered("relocated fine", 6),
		turnCount:    5,
		location:     "https://gemini.google.com/app/some-other-conv",
		relocateHits: true,
	}
	m := testManager(&fakeConnector{sess: &fakeSession{}}, eng)

	_, err := m.Resume(context.Background(), liveCoords(), "", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, eng.relocated.Load(), int32(1))
}

func TestConversationIDFromURL(t *testing.T) {
	cases := []struct {
		url  string
		want string
	}{
		{"https://gemini.google.com/app/abc123", "abc123"},
		{"https://gemini.google.com/app/abc123/", "abc123"},
		{"https://gemini.google.com/app", "app"},
		{"https://gemini.google.com/", ""},
		{"", ""},
		{"://bad url", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ConversationIDFromURL(tc.url), "url %q", tc.url)
	}
}

func TestProbeTimeoutClamps(t *testing.T) {
	assert.Equal(t, 1500*time.Millisecond, probeTimeout(10*time.Second))
	assert.Equal(t, 3*time.Second, probeTimeout(time.Minute))
	assert.Equal(t, 5*time.Second, probeTimeout(10*time.Minute))
}
