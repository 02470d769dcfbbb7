package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xnzim/oracle-sub001/internal/config"
)

// Observer is the page-side completion strategy. It hands the page a
// self-contained script that watches the document for mutations, resolves on
// a successful in-page extraction, and settles the snapshot before returning.
// The whole strategy is one long-lived evaluation; Cancel aborts it from the
// host when the other strategy wins.
type Observer struct {
	ev  Evaluator
	sel config.SelectorConfig
	cfg config.CaptureConfig
	log *zap.Logger
}

// NewObserver builds an observer over a page evaluator.
func NewObserver(ev Evaluator, sel config.SelectorConfig, cfg config.CaptureConfig, log *zap.Logger) *Observer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Observer{ev: ev, sel: sel, cfg: cfg, log: log}
}

// observerResult mirrors the observer payload's resolution shape.
type observerResult struct {
	OK       bool         `json:"ok"`
	TimedOut bool         `json:"timedOut"`
	Aborted  bool         `json:"aborted"`
	Snapshot *rawSnapshot `json:"snapshot"`
}

// Wait runs the page-side strategy until it resolves or deadline passes.
// A TimeoutError means the page script itself gave up; any other error is the
// evaluation call failing and routes to recovery.
func (o *Observer) Wait(ctx context.Context, deadline time.Time) (*Snapshot, error) {
	budget := time.Until(deadline)
	if budget <= 0 {
		return nil, &TimeoutError{Op: "observer", Budget: 0}
	}

	js := observerScript(o.sel, observerOpts{
		DeadlineMs:   int(budget / time.Millisecond),
		SettleMs:     int(o.cfg.SettleTimeout() / time.Millisecond),
		SettleStepMs: int(o.cfg.PollInterval() / time.Millisecond),
		NudgeMs:      int(o.cfg.NudgeInterval() / time.Millisecond),
	})

	// A grace margin lets the script resolve its own timeout before the
	// host-side context fires.
	evalCtx, cancel := context.WithDeadline(ctx, deadline.Add(2*time.Second))
	defer cancel()

	raw, err := o.ev.Eval(evalCtx, js)
	if err != nil {
		if evalCtx.Err() != nil || ctx.Err() != nil {
			return nil, &TimeoutError{Op: "observer", Budget: budget}
		}
		return nil, &TransportError{Op: "observer evaluate", Err: err}
	}

	var res observerResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &TransportError{Op: "decode observer result", Err: err}
	}

	switch {
	case res.TimedOut:
		return nil, &TimeoutError{Op: "observer", Budget: budget}
	case res.Aborted:
		return nil, &TimeoutError{Op: "observer aborted", Budget: budget}
	case res.OK && res.Snapshot != nil:
		snap := &Snapshot{
			Text:      CleanText(res.Snapshot.Text),
			HTML:      res.Snapshot.HTML,
			MessageID: res.Snapshot.MessageID,
			TurnID:    res.Snapshot.TurnID,
			TurnIndex: res.Snapshot.TurnIndex,
			TurnCount: res.Snapshot.TurnCount,
		}
		if snap.Empty() {
			return nil, &TimeoutError{Op: "observer", Budget: budget}
		}
		return snap, nil
	default:
		return nil, &TransportError{Op: "observer result", Err: fmt.Errorf("unexpected payload: %s", string(raw))}
	}
}

// Cancel aborts a live observer payload in the page. Best-effort: the remote
// side may ignore it; failure is returned for logging, never escalated.
func (o *Observer) Cancel(ctx context.Context) error {
	cancelCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := o.ev.Eval(cancelCtx, observerAbortScript()); err != nil {
		return fmt.Errorf("abort observer payload: %w", err)
	}
	return nil
}
