package capture

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xnzim/oracle-sub001/internal/config"
)

// Recovery re-acquires an answer with host-side polling after the page-side
// strategy failed, and refreshes an already-captured answer in case
// completion indicators beat the final characters to the screen.
type Recovery struct {
	probe probe
	dump  func(ctx context.Context) string
	cfg   config.CaptureConfig
	log   *zap.Logger
}

// NewRecovery builds a recovery pipeline. dump provides the diagnostic state
// capture used on the failure path; nil disables it.
func NewRecovery(p probe, dump func(ctx context.Context) string, cfg config.CaptureConfig, log *zap.Logger) *Recovery {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recovery{probe: p, dump: dump, cfg: cfg, log: log}
}

// Recover polls for up to timeout. On success the snapshot is returned; on
// failure a diagnostic dump is logged and nil comes back. Recovery polls run
// without a turn floor so a best-effort answer can still be found.
func (r *Recovery) Recover(ctx context.Context, timeout time.Duration) *Snapshot {
	deadline := time.Now().Add(timeout)
	poller := NewPoller(r.probe, r.cfg, r.log.Named("recovery"))

	snap, err := poller.Wait(ctx, deadline)
	if err == nil && !snap.Empty() {
		r.log.Info("recovery poll succeeded",
			zap.Int("text_len", len(snap.Text)),
			zap.Int("turn_index", snap.TurnIndex))
		return snap
	}

	if err != nil {
		r.log.Warn("recovery poll failed", zap.Error(err))
	}
	if r.dump != nil {
		r.log.Warn("conversation state at recovery failure",
			zap.String("dump", r.dump(ctx)))
	}
	return nil
}

// Refresh polls once more, bounded by the refresh timeout, for a better
// snapshot than current. The replacement triggers are: strictly longer text,
// a message id where current has none, or any text difference at all.
func (r *Recovery) Refresh(ctx context.Context, current *Snapshot) *Snapshot {
	if current.Empty() {
		return current
	}

	deadline := time.Now().Add(r.cfg.RefreshTimeout())
	interval := r.cfg.PollInterval()
	var latest *Snapshot

	for time.Now().Before(deadline) {
		snap, err := r.probe.Snapshot(ctx)
		if err != nil {
			break
		}
		if !snap.Empty() {
			latest = snap
		}
		select {
		case <-ctx.Done():
			return preferRefresh(current, latest, r.log)
		case <-time.After(interval):
		}
	}
	return preferRefresh(current, latest, r.log)
}

func preferRefresh(current, next *Snapshot, log *zap.Logger) *Snapshot {
	if next.Empty() {
		return current
	}
	longer := len(next.Text) > len(current.Text)
	gainsID := current.MessageID == "" && next.MessageID != ""
	differs := next.Text != current.Text
	if longer || gainsID || differs {
		log.Debug("refresh replaced answer",
			zap.Bool("longer", longer),
			zap.Bool("gains_id", gainsID),
			zap.Bool("differs", differs))
		return next
	}
	return current
}
