package config

import "time"

// CaptureConfig tunes answer-capture behavior. The stability thresholds are
// empirically tuned; change them in config rather than in code.
type CaptureConfig struct {
	// OverallTimeoutMs bounds a whole wait-for-answer call.
	OverallTimeoutMs int `yaml:"overall_timeout_ms"`

	// PollIntervalMs is the host-side poller cycle interval.
	PollIntervalMs int `yaml:"poll_interval_ms"`

	// StableCyclesWithMarker is the number of consecutive no-growth cycles
	// required when a finished-state marker is visible. Completion buttons can
	// render slightly before the text settles.
	StableCyclesWithMarker int `yaml:"stable_cycles_with_marker"`

	// StableCyclesQuiet is the number of consecutive no-growth cycles required
	// when only the absence of the stop control signals completion.
	StableCyclesQuiet int `yaml:"stable_cycles_quiet"`

	// RecoveryTimeoutMs caps a recovery poll after an observer failure.
	RecoveryTimeoutMs int `yaml:"recovery_timeout_ms"`

	// RefreshTimeoutMs caps the post-answer refresh poll.
	RefreshTimeoutMs int `yaml:"refresh_timeout_ms"`

	// SettleTimeoutMs caps the observer's in-page settle pass.
	SettleTimeoutMs int `yaml:"settle_timeout_ms"`

	// MarkdownTimeoutMs caps the clipboard-intercept wait for rich copy.
	MarkdownTimeoutMs int `yaml:"markdown_timeout_ms"`

	// MarkdownPollMs is the clipboard payload polling interval.
	MarkdownPollMs int `yaml:"markdown_poll_ms"`

	// NudgeIntervalMs is the observer's stuck-stop-control click interval.
	NudgeIntervalMs int `yaml:"nudge_interval_ms"`

	// RelocateTimeoutMs bounds conversation relocation during reattach.
	RelocateTimeoutMs int `yaml:"relocate_timeout_ms"`

	// EchoPreviewRunes is the normalized prompt-echo signature length.
	EchoPreviewRunes int `yaml:"echo_preview_runes"`
}

// DefaultCaptureConfig returns the tuned defaults.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		OverallTimeoutMs:       120000,
		PollIntervalMs:         400,
		StableCyclesWithMarker: 2,
		StableCyclesQuiet:      6,
		RecoveryTimeoutMs:      10000,
		RefreshTimeoutMs:       5000,
		SettleTimeoutMs:        5000,
		MarkdownTimeoutMs:      5000,
		MarkdownPollMs:         100,
		NudgeIntervalMs:        2000,
		RelocateTimeoutMs:      15000,
		EchoPreviewRunes:       96,
	}
}

// OverallTimeout returns the full capture budget.
func (c CaptureConfig) OverallTimeout() time.Duration {
	return durationMs(c.OverallTimeoutMs, 120000)
}

// PollInterval returns the poller cycle interval.
func (c CaptureConfig) PollInterval() time.Duration {
	return durationMs(c.PollIntervalMs, 400)
}

// RecoveryTimeout returns the recovery poll cap.
func (c CaptureConfig) RecoveryTimeout() time.Duration {
	return durationMs(c.RecoveryTimeoutMs, 10000)
}

// RefreshTimeout returns the refresh poll cap.
func (c CaptureConfig) RefreshTimeout() time.Duration {
	return durationMs(c.RefreshTimeoutMs, 5000)
}

// SettleTimeout returns the observer settle-pass cap.
func (c CaptureConfig) SettleTimeout() time.Duration {
	return durationMs(c.SettleTimeoutMs, 5000)
}

// MarkdownTimeout returns the clipboard wait cap.
func (c CaptureConfig) MarkdownTimeout() time.Duration {
	return durationMs(c.MarkdownTimeoutMs, 5000)
}

// MarkdownPoll returns the clipboard polling interval.
func (c CaptureConfig) MarkdownPoll() time.Duration {
	return durationMs(c.MarkdownPollMs, 100)
}

// NudgeInterval returns the stop-control nudge interval.
func (c CaptureConfig) NudgeInterval() time.Duration {
	return durationMs(c.NudgeIntervalMs, 2000)
}

// RelocateTimeout returns the relocation retry window.
func (c CaptureConfig) RelocateTimeout() time.Duration {
	return durationMs(c.RelocateTimeoutMs, 15000)
}

// EchoRunes returns the echo signature length.
func (c CaptureConfig) EchoRunes() int {
	if c.EchoPreviewRunes <= 0 {
		return 96
	}
	return c.EchoPreviewRunes
}
