package capture

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xnzim/oracle-sub001/internal/config"
)

// probe is the page-reading surface the poller and recovery loops need.
// *Extractor satisfies it; tests substitute fakes.
type probe interface {
	Snapshot(ctx context.Context) (*Snapshot, error)
	StopVisible(ctx context.Context) (bool, error)
	TurnFinished(ctx context.Context) (bool, error)
}

// Poller is the host-side completion strategy: extract on a fixed interval
// and resolve once the answer length has stopped growing for enough cycles.
// It surfaces whatever settles, including turns that predate the caller's
// floor; staleness routing belongs to the coordinator.
type Poller struct {
	probe probe
	cfg   config.CaptureConfig
	log   *zap.Logger
}

// NewPoller builds a poller over a probe.
func NewPoller(p probe, cfg config.CaptureConfig, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Poller{probe: p, cfg: cfg, log: log}
}

// Wait polls until deadline. It returns (nil, nil) when the deadline passes
// without a settled answer; the coordinator decides what exhaustion means.
// A transport failure from the page surfaces as an error.
func (p *Poller) Wait(ctx context.Context, deadline time.Time) (*Snapshot, error) {
	var (
		last         *Snapshot
		prevLen      = -1
		stableCycles = 0
		interval     = p.cfg.PollInterval()
	)

	for {
		if time.Now().After(deadline) {
			p.log.Debug("poller deadline exhausted",
				zap.Int("stable_cycles", stableCycles))
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}

		snap, err := p.probe.Snapshot(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, err
		}

		if snap == nil {
			// Absence resets stability; it is not "no growth".
			prevLen = -1
			stableCycles = 0
		} else {
			// Growth only counts against a previous present length; the
			// first snapshot after absence starts the stable streak.
			n := len(snap.Text)
			if prevLen >= 0 && n > prevLen {
				stableCycles = 0
			} else {
				stableCycles++
			}
			prevLen = n
			last = snap
		}

		stopVisible, err := p.probe.StopVisible(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, err
		}
		finished, err := p.probe.TurnFinished(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil
			}
			return nil, err
		}

		if last != nil {
			// Finish markers can render slightly before the text settles, so
			// they still require a couple of quiet cycles. Without a marker,
			// stop-control absence needs a longer quiet streak.
			if finished && stableCycles >= p.cfg.StableCyclesWithMarker {
				p.log.Debug("poller resolved on finish marker",
					zap.Int("stable_cycles", stableCycles),
					zap.Int("text_len", prevLen))
				return last, nil
			}
			if !stopVisible && stableCycles >= p.cfg.StableCyclesQuiet {
				p.log.Debug("poller resolved on quiet stability",
					zap.Int("stable_cycles", stableCycles),
					zap.Int("text_len", prevLen))
				return last, nil
			}
		}

		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(interval):
		}
	}
}
