package config

import "time"

// BrowserConfig holds browser connection and launch settings.
type BrowserConfig struct {
	// DebuggerURL connects to an already-running Chrome DevTools endpoint.
	// When empty, a browser is launched via Launch.
	DebuggerURL string `yaml:"debugger_url"`

	// Launch is the browser binary followed by extra flags.
	Launch []string `yaml:"launch"`

	Headless       bool `yaml:"headless"`
	ViewportWidth  int  `yaml:"viewport_width"`
	ViewportHeight int  `yaml:"viewport_height"`

	NavigationTimeoutMs int `yaml:"navigation_timeout_ms"`

	// ChatURL is the chat application's conversation base URL.
	ChatURL string `yaml:"chat_url"`

	// CoordinatesPath is where session runtime coordinates are persisted.
	CoordinatesPath string `yaml:"coordinates_path"`

	// CookiesPath points at a JSON cookie export to apply on the
	// fresh-session fallback. Empty skips cookie sync.
	CookiesPath string `yaml:"cookies_path"`
}

// DefaultBrowserConfig returns browser defaults.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless:            false,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		NavigationTimeoutMs: 30000,
		ChatURL:             "https://gemini.google.com/app",
	}
}

// IsHeadless returns the headless setting.
func (c BrowserConfig) IsHeadless() bool {
	return c.Headless
}

// GetViewportWidth returns viewport width with fallback.
func (c BrowserConfig) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1920
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height with fallback.
func (c BrowserConfig) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 1080
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout.
func (c BrowserConfig) NavigationTimeout() time.Duration {
	return durationMs(c.NavigationTimeoutMs, 30000)
}
