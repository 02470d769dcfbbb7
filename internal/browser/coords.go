package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fsnotify/fsnotify"
)

// Coordinates are the persisted runtime coordinates of a session: enough to
// find the browser's debugging endpoint and the right tab after the
// controlling process restarts. Written once by the launcher; readers never
// mutate them.
type Coordinates struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	TargetID       string `json:"target_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	TabURL         string `json:"tab_url,omitempty"`
	ControllerPID  int    `json:"controller_pid,omitempty"`
}

// ControlHost returns the debugger endpoint as host:port.
func (c Coordinates) ControlHost() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Valid reports whether the coordinates can possibly be reattached to.
func (c Coordinates) Valid() bool {
	return c.Host != "" && c.Port > 0 && c.TargetID != ""
}

// SaveCoordinates persists coordinates as JSON.
func SaveCoordinates(path string, c Coordinates) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal coordinates: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create coordinates dir: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadCoordinates reads persisted coordinates.
func LoadCoordinates(path string) (Coordinates, error) {
	var c Coordinates
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read coordinates: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("parse coordinates: %w", err)
	}
	if !c.Valid() {
		return c, fmt.Errorf("coordinates at %s are incomplete", path)
	}
	return c, nil
}

// WaitForCoordinates blocks until a coordinates file appears at path (or is
// rewritten) and parses it. Used when the launcher runs in another process
// and this one resumes as soon as the session is up.
func WaitForCoordinates(ctx context.Context, path string) (Coordinates, error) {
	if c, err := LoadCoordinates(path); err == nil {
		return c, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return Coordinates{}, fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Coordinates{}, fmt.Errorf("create coordinates dir: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return Coordinates{}, fmt.Errorf("watch %s: %w", dir, err)
	}

	// The file may have landed between the initial load and the watch.
	if c, err := LoadCoordinates(path); err == nil {
		return c, nil
	}

	for {
		select {
		case <-ctx.Done():
			return Coordinates{}, ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return Coordinates{}, fmt.Errorf("watcher closed")
			}
			if ev.Name != path {
				continue
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			if c, err := LoadCoordinates(path); err == nil {
				return c, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return Coordinates{}, fmt.Errorf("watcher closed")
			}
			return Coordinates{}, fmt.Errorf("watch coordinates: %w", err)
		}
	}
}
