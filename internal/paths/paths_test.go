package paths

import (
	"os"
	"path/filepath"
	"testing"
)

func TestHomeOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(EnvHome, dir)

	got, err := Home()
	if err != nil {
		t.Fatalf("Home() error: %v", err)
	}
	if string(got) != dir {
		t.Errorf("Home() = %q, want %q", got, dir)
	}
}

func TestHomeDefault(t *testing.T) {
	t.Setenv(EnvHome, "")

	got, err := Home()
	if err != nil {
		t.Fatalf("Home() error: %v", err)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	want := filepath.Join(home, ".myndhyve-cli")
	if string(got) != want {
		t.Errorf("Home() = %q, want %q", got, want)
	}
}

func TestEnsurePermissions(t *testing.T) {
	d := StateDir(filepath.Join(t.TempDir(), "state"))
	if err := d.Ensure(); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	info, err := os.Stat(string(d))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if got := info.Mode().Perm(); got != 0o700 {
		t.Errorf("state dir mode = %o, want 0700", got)
	}
}

func TestLayout(t *testing.T) {
	d := StateDir("/state")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"config", d.ConfigFile(), "/state/config.json"},
		{"context", d.ContextFile(), "/state/context.json"},
		{"relay pid", d.RelayPIDFile(), "/state/relay.pid"},
		{"bridge pid", d.BridgePIDFile(), "/state/bridge.pid"},
		{"relay log", d.RelayLogFile(), "/state/relay.log"},
		{"bridge log", d.BridgeLogFile(), "/state/bridge.log"},
		{"update check", d.UpdateCheckFile(), "/state/.update-check"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != filepath.FromSlash(tt.want) {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestChannelDir(t *testing.T) {
	d := StateDir(t.TempDir())

	dir, err := d.ChannelDir("whatsapp")
	if err != nil {
		t.Fatalf("ChannelDir() error: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if !info.IsDir() {
		t.Fatalf("%q is not a directory", dir)
	}
	if got := info.Mode().Perm(); got != 0o700 {
		t.Errorf("channel dir mode = %o, want 0700", got)
	}

	if _, err := d.ChannelDir(""); err == nil {
		t.Error("ChannelDir(\"\") succeeded, want error")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}

	tests := []struct {
		name string
		path string
		want string
	}{
		{"bare tilde", "~", home},
		{"tilde slash", "~/projects", filepath.Join(home, "projects")},
		{"absolute unchanged", "/var/data", "/var/data"},
		{"relative unchanged", "projects", "projects"},
		{"mid tilde unchanged", "/a/~/b", "/a/~/b"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExpandHome(tt.path); got != tt.want {
				t.Errorf("ExpandHome(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}
