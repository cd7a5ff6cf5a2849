// Package paths is the single source of truth for the on-disk layout of
// the relay state directory (~/.myndhyve-cli). Every component that
// persists state resolves file locations through a [StateDir] so the
// layout is defined exactly once.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvHome overrides the state directory location when set. Used by
// tests and by deployments that keep relay state outside the home
// directory.
const EnvHome = "MYNDHYVE_CLI_HOME"

const dirName = ".myndhyve-cli"

// StateDir is the absolute path of the relay state directory.
type StateDir string

// Home resolves the state directory for the current user. The
// directory is not created; call [StateDir.Ensure] before writing
// into it.
func Home() (StateDir, error) {
	if override := os.Getenv(EnvHome); override != "" {
		return StateDir(ExpandHome(override)), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return StateDir(filepath.Join(home, dirName)), nil
}

// Ensure creates the state directory with owner-only permissions.
func (d StateDir) Ensure() error {
	if err := os.MkdirAll(string(d), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return nil
}

// ConfigFile is the relay configuration (JSON, owner-only).
func (d StateDir) ConfigFile() string { return filepath.Join(string(d), "config.json") }

// ContextFile is the active project context (JSON, owner-only).
func (d StateDir) ContextFile() string { return filepath.Join(string(d), "context.json") }

// RelayPIDFile holds the PID of a detached relay daemon.
func (d StateDir) RelayPIDFile() string { return filepath.Join(string(d), "relay.pid") }

// BridgePIDFile holds the PID of a detached bridge daemon.
func (d StateDir) BridgePIDFile() string { return filepath.Join(string(d), "bridge.pid") }

// RelayLogFile receives stdout and stderr of a detached relay daemon.
func (d StateDir) RelayLogFile() string { return filepath.Join(string(d), "relay.log") }

// BridgeLogFile receives stdout and stderr of a detached bridge daemon.
func (d StateDir) BridgeLogFile() string { return filepath.Join(string(d), "bridge.log") }

// UpdateCheckFile caches the most recent release lookup.
func (d StateDir) UpdateCheckFile() string { return filepath.Join(string(d), ".update-check") }

// ChannelDir returns the credential directory for a channel, creating
// it with owner-only permissions. Credential files inside it are
// written 0600 by their owners.
func (d StateDir) ChannelDir(channel string) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("channel name is empty")
	}
	dir := filepath.Join(string(d), channel)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create channel dir %s: %w", channel, err)
	}
	return dir, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
