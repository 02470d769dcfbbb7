package capture

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/xnzim/oracle-sub001/internal/config"
)

// Extractor reads conversation state from the remote page. One Extractor
// serves one page; all reads go through single evaluations so the extractor
// itself holds no remote state.
type Extractor struct {
	ev  Evaluator
	sel config.SelectorConfig
	log *zap.Logger
}

// NewExtractor builds an extractor over a page evaluator.
func NewExtractor(ev Evaluator, sel config.SelectorConfig, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{ev: ev, sel: sel, log: log}
}

// rawSnapshot mirrors the extract() payload shape.
type rawSnapshot struct {
	Text      string `json:"text"`
	HTML      string `json:"html"`
	MessageID string `json:"messageId"`
	TurnID    string `json:"turnId"`
	TurnIndex int    `json:"turnIndex"`
	TurnCount int    `json:"turnCount"`
}

// Snapshot extracts the latest assistant turn. Returns (nil, nil) when no
// assistant turn has non-whitespace text yet.
func (x *Extractor) Snapshot(ctx context.Context) (*Snapshot, error) {
	raw, err := x.ev.Eval(ctx, extractScript(x.sel))
	if err != nil {
		return nil, &TransportError{Op: "extract snapshot", Err: err}
	}
	if isJSONNull(raw) {
		return nil, nil
	}
	var rs rawSnapshot
	if err := json.Unmarshal(raw, &rs); err != nil {
		return nil, &TransportError{Op: "decode snapshot", Err: err}
	}
	snap := &Snapshot{
		Text:      CleanText(rs.Text),
		HTML:      rs.HTML,
		MessageID: rs.MessageID,
		TurnID:    rs.TurnID,
		TurnIndex: rs.TurnIndex,
		TurnCount: rs.TurnCount,
	}
	if snap.Empty() {
		return nil, nil
	}
	return snap, nil
}

// StopVisible reports whether a generating/stop control is visible.
func (x *Extractor) StopVisible(ctx context.Context) (bool, error) {
	return x.evalBool(ctx, stopVisibleScript(x.sel), "stop visibility")
}

// TurnFinished reports whether the last assistant turn carries a
// finished-state marker. Older turns never count.
func (x *Extractor) TurnFinished(ctx context.Context) (bool, error) {
	return x.evalBool(ctx, turnFinishedScript(x.sel), "finish marker")
}

// TurnCount returns the number of visible conversation turns.
func (x *Extractor) TurnCount(ctx context.Context) (int, error) {
	raw, err := x.ev.Eval(ctx, turnCountScript(x.sel))
	if err != nil {
		return 0, &TransportError{Op: "turn count", Err: err}
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, &TransportError{Op: "decode turn count", Err: err}
	}
	return n, nil
}

// Location returns the page's current URL.
func (x *Extractor) Location(ctx context.Context) (string, error) {
	raw, err := x.ev.Eval(ctx, locationScript())
	if err != nil {
		return "", &TransportError{Op: "location", Err: err}
	}
	var href string
	if err := json.Unmarshal(raw, &href); err != nil {
		return "", &TransportError{Op: "decode location", Err: err}
	}
	return href, nil
}

// Relocate clicks the sidebar entry for a conversation id. Returns whether a
// matching entry was found and clicked.
func (x *Extractor) Relocate(ctx context.Context, conversationID string) (bool, error) {
	return x.evalBool(ctx, relocateScript(x.sel, conversationID), "relocate")
}

// DumpState captures a diagnostic view of conversation state. Best-effort;
// used only on final failure paths.
func (x *Extractor) DumpState(ctx context.Context) string {
	raw, err := x.ev.Eval(ctx, dumpScript(x.sel))
	if err != nil {
		return fmt.Sprintf("dump unavailable: %v", err)
	}
	return string(raw)
}

func (x *Extractor) evalBool(ctx context.Context, js, op string) (bool, error) {
	raw, err := x.ev.Eval(ctx, js)
	if err != nil {
		return false, &TransportError{Op: op, Err: err}
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return false, &TransportError{Op: "decode " + op, Err: err}
	}
	return v, nil
}

func isJSONNull(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return true
	}
	s := string(raw)
	return s == "null" || s == "undefined"
}
