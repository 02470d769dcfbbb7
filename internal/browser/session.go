// Package browser owns the control connection to the remote Chrome instance:
// launching or reusing a browser, attaching to targets, and exposing a page
// evaluation surface to the capture engine.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xnzim/oracle-sub001/internal/config"
)

// Session is one live control connection to a browser tab running the chat
// application.
type Session struct {
	ID      string
	browser *rod.Browser
	page    *rod.Page
	cancel  context.CancelFunc
	cfg     config.BrowserConfig
	log     *zap.Logger
}

// CookieSource supplies authentication cookies for the fresh-session path.
// Cookie extraction and decryption live with an external collaborator; this
// package only applies what it is given.
type CookieSource interface {
	Cookies(ctx context.Context) ([]*proto.NetworkCookieParam, error)
}

// Launcher creates and reattaches browser sessions.
type Launcher struct {
	cfg config.BrowserConfig
	log *zap.Logger
}

// NewLauncher builds a launcher from browser config.
func NewLauncher(cfg config.BrowserConfig, log *zap.Logger) *Launcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Launcher{cfg: cfg, log: log}
}

// Launch connects to an existing Chrome (when DebuggerURL is set) or starts a
// new one, opens the chat URL in a fresh page, and returns the session with
// the runtime coordinates a later process needs to reattach.
func (l *Launcher) Launch(ctx context.Context) (*Session, Coordinates, error) {
	controlURL := l.cfg.DebuggerURL
	if controlURL == "" {
		var err error
		controlURL, err = l.launchBrowser()
		if err != nil {
			return nil, Coordinates{}, err
		}
	}

	sessCtx, cancel := context.WithCancel(ctx)
	b := rod.New().ControlURL(controlURL).Context(sessCtx)
	if err := b.Connect(); err != nil {
		cancel()
		return nil, Coordinates{}, fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: l.cfg.ChatURL})
	if err != nil {
		cancel()
		return nil, Coordinates{}, fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             l.cfg.GetViewportWidth(),
		Height:            l.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		l.log.Warn("failed to set viewport", zap.Error(err))
	}

	if err := page.Timeout(l.cfg.NavigationTimeout()).WaitLoad(); err != nil {
		l.log.Warn("initial load incomplete", zap.Error(err))
	}

	host, port := splitControlURL(controlURL)
	coords := Coordinates{
		Host:     host,
		Port:     port,
		TargetID: string(page.TargetID),
		TabURL:   l.cfg.ChatURL,
	}

	sess := &Session{
		ID:      uuid.NewString(),
		browser: b,
		page:    page,
		cancel:  cancel,
		cfg:     l.cfg,
		log:     l.log,
	}
	l.log.Info("session launched",
		zap.String("session", sess.ID),
		zap.String("target", coords.TargetID),
		zap.String("control_url", controlURL))
	return sess, coords, nil
}

// Connect reattaches to a still-running browser described by coordinates.
func (l *Launcher) Connect(ctx context.Context, coords Coordinates) (*Session, error) {
	if coords.TargetID == "" {
		return nil, errors.New("coordinates carry no target id")
	}

	controlURL, err := launcher.ResolveURL(coords.ControlHost())
	if err != nil {
		return nil, fmt.Errorf("resolve debugger url: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	b := rod.New().ControlURL(controlURL).Context(sessCtx)
	if err := b.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(coords.TargetID))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("attach to target %s: %w", coords.TargetID, err)
	}

	sess := &Session{
		ID:      uuid.NewString(),
		browser: b,
		page:    page,
		cancel:  cancel,
		cfg:     l.cfg,
		log:     l.log,
	}
	l.log.Info("reattached to session",
		zap.String("session", sess.ID),
		zap.String("target", coords.TargetID))
	return sess, nil
}

// launchBrowser starts a Chrome process per config and returns its control URL.
// Leakless is off: the browser must survive this process so a later controller
// can reattach.
func (l *Launcher) launchBrowser() (string, error) {
	if len(l.cfg.Launch) == 0 {
		return launcher.New().Leakless(false).Headless(l.cfg.IsHeadless()).Launch()
	}

	bin := l.cfg.Launch[0]
	launch := launcher.New().Leakless(false).Bin(bin).Headless(l.cfg.IsHeadless())
	for _, rawFlag := range l.cfg.Launch[1:] {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			launch = launch.Set(flags.Flag(name), val)
		} else {
			launch = launch.Set(flags.Flag(name))
		}
	}
	u, err := launch.Launch()
	if err != nil {
		// Custom flags can make Chrome refuse to start; retry bare.
		fallback, altErr := launcher.New().Leakless(false).Bin(bin).Headless(l.cfg.IsHeadless()).Launch()
		if altErr != nil {
			return "", fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
		}
		return fallback, nil
	}
	return u, nil
}

// Probe issues a trivial round trip to confirm the connection is alive.
func (s *Session) Probe(ctx context.Context, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := s.browser.Context(probeCtx).Version(); err != nil {
		return fmt.Errorf("liveness probe: %w", err)
	}
	return nil
}

// Navigate drives the page to a URL under the configured navigation timeout.
func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.page.Context(ctx).Timeout(s.cfg.NavigationTimeout()).Navigate(url)
}

// Eval runs a self-contained script in the page and returns its JSON result.
// Satisfies capture.Evaluator.
func (s *Session) Eval(ctx context.Context, js string) (json.RawMessage, error) {
	res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || res.Value.Nil() {
		return json.RawMessage("null"), nil
	}
	return res.Value.MarshalJSON()
}

// SyncCookies applies cookies from src to this session. Used only on the
// fresh-session fallback path.
func (s *Session) SyncCookies(ctx context.Context, src CookieSource) error {
	cookies, err := src.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("read cookies: %w", err)
	}
	if len(cookies) == 0 {
		return nil
	}
	if err := s.page.Context(ctx).SetCookies(cookies); err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	s.log.Info("cookies synced", zap.Int("count", len(cookies)))
	return nil
}

// Close releases the control connection. The browser process stays alive so a
// later controller can reattach; rod's Browser.Close would terminate it, so
// the websocket is dropped by cancelling the session context instead.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// splitControlURL extracts host and port from a DevTools control URL.
func splitControlURL(controlURL string) (string, int) {
	u, err := url.Parse(controlURL)
	if err != nil {
		return "127.0.0.1", 0
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}
	port, _ := strconv.Atoi(u.Port())
	return host, port
}
