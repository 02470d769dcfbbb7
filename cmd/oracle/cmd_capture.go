// Package main implements the oracle CLI commands.
// This file contains the capture and session commands.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xnzim/oracle-sub001/internal/browser"
	"github.com/xnzim/oracle-sub001/internal/capture"
	"github.com/xnzim/oracle-sub001/internal/logging"
	"github.com/xnzim/oracle-sub001/internal/reattach"
)

var (
	waitTimeout   time.Duration
	promptPreview string
	waitForCoords bool
)

var launchCmd = &cobra.Command{
	Use:   "launch",
	Short: "Launch a browser session on the chat application",
	Long: `Starts (or connects to) a Chrome instance, opens the chat application,
and persists the runtime coordinates other commands use to find the session.`,
	RunE: runLaunch,
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for the in-flight assistant answer and print it",
	Long: `Attaches to the session described by the coordinates file and waits for
the current assistant answer to finish rendering. The prompt must already be
committed into the conversation.`,
	RunE: runWait,
}

var resumeCmd = &cobra.Command{
	Use:   "resume [prompt-preview]",
	Short: "Resume a wait after a controller restart",
	Long: `Reattaches to a still-running session, relocates the conversation, and
resumes waiting without re-submitting the prompt. The optional prompt preview
validates that the recovered answer belongs to the right exchange.

When the old session is gone, a fresh session is launched and navigation is
replayed instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResume,
}

var markdownCmd = &cobra.Command{
	Use:   "markdown",
	Short: "Capture the last answer's markdown via the copy control",
	RunE:  runMarkdown,
}

func init() {
	waitCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "overall capture budget (default from config)")
	resumeCmd.Flags().DurationVar(&waitTimeout, "timeout", 0, "overall capture budget (default from config)")
	resumeCmd.Flags().BoolVar(&waitForCoords, "wait-coords", false, "block until the coordinates file appears")
}

// answerOutput is the machine-readable result shape.
type answerOutput struct {
	Text     string `json:"text"`
	Markdown string `json:"markdown"`
}

func printAnswer(text, markdown string) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(answerOutput{Text: text, Markdown: markdown})
	}
	fmt.Println(text)
	return nil
}

func overallBudget() time.Duration {
	if waitTimeout > 0 {
		return waitTimeout
	}
	return cfg.Capture.OverallTimeout()
}

func runLaunch(cmd *cobra.Command, args []string) error {
	logger.Info("launching browser session", zap.String("chat_url", cfg.Browser.ChatURL))

	l := browser.NewLauncher(cfg.Browser, logging.L(logging.CategorySession))
	sess, coords, err := l.Launch(cmd.Context())
	if err != nil {
		return fmt.Errorf("launch session: %w", err)
	}
	// The browser stays alive after this process exits; only the control
	// connection is released.
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("session close swallowed", zap.Error(err))
		}
	}()

	path := coordinatesPath()
	coords.ControllerPID = os.Getpid()
	if err := browser.SaveCoordinates(path, coords); err != nil {
		return fmt.Errorf("persist coordinates: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Session ready, coordinates written to %s\n", path)
	return nil
}

func runWait(cmd *cobra.Command, args []string) error {
	coords, err := browser.LoadCoordinates(coordinatesPath())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	l := browser.NewLauncher(cfg.Browser, logging.L(logging.CategorySession))
	sess, err := l.Connect(ctx, coords)
	if err != nil {
		return fmt.Errorf("connect session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("session close swallowed", zap.Error(err))
		}
	}()

	captureLog := logging.L(logging.CategoryCapture)
	ex := capture.NewExtractor(sess, cfg.Selectors, captureLog)
	coord := capture.NewCoordinator(ex, cfg.Capture, captureLog)

	deadline := time.Now().Add(overallBudget())
	fmt.Fprintln(os.Stderr, "Waiting for answer...")
	snap, err := coord.WaitForAnswer(ctx, deadline, 0)
	if err != nil {
		return err
	}
	snap = coord.Recovery().Refresh(ctx, snap)

	md := capture.NewMarkdownCapture(sess, cfg.Selectors, cfg.Capture, captureLog)
	markdown, ok := md.Capture(ctx, snap.Hint())
	if !ok {
		markdown = snap.Text
	}
	return printAnswer(snap.Text, markdown)
}

func runResume(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		promptPreview = args[0]
	}

	ctx := cmd.Context()
	var (
		coords browser.Coordinates
		err    error
	)
	if waitForCoords {
		fmt.Fprintln(os.Stderr, "Waiting for coordinates file...")
		coords, err = browser.WaitForCoordinates(ctx, coordinatesPath())
	} else {
		coords, err = browser.LoadCoordinates(coordinatesPath())
	}
	if err != nil {
		return err
	}

	deadline := time.Now().Add(overallBudget())
	l := browser.NewLauncher(cfg.Browser, logging.L(logging.CategorySession))
	mgr := reattach.NewManager(l, cfg, logging.L(logging.CategoryReattach))

	res, err := mgr.Resume(ctx, coords, promptPreview, deadline)
	if err == nil {
		return printAnswer(res.AnswerText, res.AnswerMarkdown)
	}
	if !errors.Is(err, reattach.ErrReattachUnavailable) {
		return err
	}

	// Fresh-session fallback: the old session is gone. Launch a new one,
	// apply exported cookies when configured, replay navigation, and wait
	// there instead.
	logger.Warn("reattach unavailable, launching fresh session", zap.Error(err))
	sess, fresh, err := l.Launch(ctx)
	if err != nil {
		return fmt.Errorf("fresh-session fallback: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("session close swallowed", zap.Error(err))
		}
	}()
	if cfg.Browser.CookiesPath != "" {
		if err := sess.SyncCookies(ctx, browser.FileCookieSource(cfg.Browser.CookiesPath)); err != nil {
			logger.Warn("cookie sync failed", zap.Error(err))
		}
	}
	if coords.TabURL != "" {
		if err := sess.Navigate(ctx, coords.TabURL); err != nil {
			return fmt.Errorf("replay navigation: %w", err)
		}
	}
	fresh.ConversationID = coords.ConversationID
	fresh.TabURL = coords.TabURL
	fresh.ControllerPID = os.Getpid()
	if err := browser.SaveCoordinates(coordinatesPath(), fresh); err != nil {
		logger.Warn("persist fresh coordinates failed", zap.Error(err))
	}

	captureLog := logging.L(logging.CategoryCapture)
	ex := capture.NewExtractor(sess, cfg.Selectors, captureLog)
	coord := capture.NewCoordinator(ex, cfg.Capture, captureLog)
	snap, err := coord.WaitForAnswer(ctx, deadline, 0)
	if err != nil {
		return err
	}
	snap = coord.Recovery().Refresh(ctx, snap)
	md := capture.NewMarkdownCapture(sess, cfg.Selectors, cfg.Capture, captureLog)
	markdown, ok := md.Capture(ctx, snap.Hint())
	if !ok {
		markdown = snap.Text
	}
	return printAnswer(snap.Text, markdown)
}

func runMarkdown(cmd *cobra.Command, args []string) error {
	coords, err := browser.LoadCoordinates(coordinatesPath())
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	l := browser.NewLauncher(cfg.Browser, logging.L(logging.CategorySession))
	sess, err := l.Connect(ctx, coords)
	if err != nil {
		return fmt.Errorf("connect session: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logger.Debug("session close swallowed", zap.Error(err))
		}
	}()

	captureLog := logging.L(logging.CategoryCapture)
	ex := capture.NewExtractor(sess, cfg.Selectors, captureLog)
	snap, err := ex.Snapshot(ctx)
	if err != nil {
		return err
	}
	if snap.Empty() {
		return fmt.Errorf("no assistant answer on the page")
	}

	md := capture.NewMarkdownCapture(sess, cfg.Selectors, cfg.Capture, captureLog)
	markdown, ok := md.Capture(ctx, snap.Hint())
	if !ok {
		markdown = snap.Text
	}
	return printAnswer(snap.Text, markdown)
}
