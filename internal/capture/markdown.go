package capture

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/xnzim/oracle-sub001/internal/config"
)

// MarkdownCapture reads back a turn's rich-copy output by intercepting the
// page's clipboard entry points. It never fails the caller: absence means
// "fall back to the plain-text answer".
type MarkdownCapture struct {
	ev  Evaluator
	sel config.SelectorConfig
	cfg config.CaptureConfig
	log *zap.Logger
}

// NewMarkdownCapture builds a markdown capturer over a page evaluator.
func NewMarkdownCapture(ev Evaluator, sel config.SelectorConfig, cfg config.CaptureConfig, log *zap.Logger) *MarkdownCapture {
	if log == nil {
		log = zap.NewNop()
	}
	return &MarkdownCapture{ev: ev, sel: sel, cfg: cfg, log: log}
}

type markdownResult struct {
	Found    bool   `json:"found"`
	OK       bool   `json:"ok"`
	Markdown string `json:"markdown"`
}

// Capture triggers the copy control for the hinted turn and returns the
// intercepted payload. The second return is false when no markdown could be
// captured for any reason. When the turn has no copy control at all, it
// returns immediately without waiting out the timeout.
func (m *MarkdownCapture) Capture(ctx context.Context, hint TurnHint) (string, bool) {
	js := markdownScript(m.sel, markdownOpts{
		MessageID: hint.MessageID,
		TurnID:    hint.TurnID,
		TimeoutMs: int(m.cfg.MarkdownTimeout() / time.Millisecond),
		PollMs:    int(m.cfg.MarkdownPoll() / time.Millisecond),
	})

	evalCtx, cancel := context.WithTimeout(ctx, m.cfg.MarkdownTimeout()+2*time.Second)
	defer cancel()

	raw, err := m.ev.Eval(evalCtx, js)
	if err != nil {
		m.log.Debug("markdown capture evaluation failed", zap.Error(err))
		return "", false
	}

	var res markdownResult
	if err := json.Unmarshal(raw, &res); err != nil {
		m.log.Debug("markdown capture result undecodable", zap.Error(err))
		return "", false
	}
	if !res.Found {
		m.log.Debug("no copy control for turn",
			zap.String("message_id", hint.MessageID),
			zap.String("turn_id", hint.TurnID))
		return "", false
	}
	if !res.OK || res.Markdown == "" {
		m.log.Debug("copy control produced no payload before timeout")
		return "", false
	}
	return res.Markdown, true
}
