package reattach

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xnzim/oracle-sub001/internal/capture"
	"github.com/xnzim/oracle-sub001/internal/config"
)

// captureEngine is the real engine implementation: one extractor,
// coordinator, and markdown capturer sharing a session's evaluation surface.
type captureEngine struct {
	ex    *capture.Extractor
	coord *capture.Coordinator
	md    *capture.MarkdownCapture
}

func newCaptureEngine(sess Session, cfg *config.Config, log *zap.Logger) engine {
	ex := capture.NewExtractor(sess, cfg.Selectors, log.Named("extract"))
	return &captureEngine{
		ex:    ex,
		coord: capture.NewCoordinator(ex, cfg.Capture, log.Named("capture")),
		md:    capture.NewMarkdownCapture(sess, cfg.Selectors, cfg.Capture, log.Named("markdown")),
	}
}

func (e *captureEngine) WaitForAnswer(ctx context.Context, deadline time.Time, floor int) (*capture.Snapshot, error) {
	return e.coord.WaitForAnswer(ctx, deadline, floor)
}

func (e *captureEngine) Recover(ctx context.Context, timeout time.Duration) *capture.Snapshot {
	return e.coord.Recovery().Recover(ctx, timeout)
}

func (e *captureEngine) Refresh(ctx context.Context, current *capture.Snapshot) *capture.Snapshot {
	return e.coord.Recovery().Refresh(ctx, current)
}

func (e *captureEngine) Markdown(ctx context.Context, hint capture.TurnHint) (string, bool) {
	return e.md.Capture(ctx, hint)
}

func (e *captureEngine) TurnCount(ctx context.Context) (int, error) {
	return e.ex.TurnCount(ctx)
}

func (e *captureEngine) Location(ctx context.Context) (string, error) {
	return e.ex.Location(ctx)
}

func (e *captureEngine) Relocate(ctx context.Context, conversationID string) (bool, error) {
	return e.ex.Relocate(ctx, conversationID)
}
