package signalcli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// writeScript drops an executable shell script and returns its path.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-signal-cli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRingBufferKeepsTail(t *testing.T) {
	rb := newRingBuffer(8)
	rb.Write([]byte("0123456789abcdef"))
	if got := rb.Tail(); got != "89abcdef" {
		t.Errorf("tail = %q, want last 8 bytes", got)
	}

	rb = newRingBuffer(64)
	rb.Write([]byte("short"))
	if got := rb.Tail(); got != "short" {
		t.Errorf("tail = %q", got)
	}
}

func TestCheckInstalledMissing(t *testing.T) {
	d := &Daemon{Binary: "definitely-not-a-real-binary-xyz", Logger: discardLogger()}
	err := d.CheckInstalled(context.Background())
	if !errors.Is(err, ErrNotInstalled) {
		t.Errorf("err = %v, want ErrNotInstalled", err)
	}
}

func TestCheckInstalledPresent(t *testing.T) {
	script := writeScript(t, `echo "signal-cli 0.13.4"`)
	d := &Daemon{Binary: script, Logger: discardLogger()}
	if err := d.CheckInstalled(context.Background()); err != nil {
		t.Errorf("CheckInstalled: %v", err)
	}
}

func TestStartSpawnFailure(t *testing.T) {
	d := &Daemon{Binary: "definitely-not-a-real-binary-xyz", Logger: discardLogger()}
	err := d.Start(context.Background())
	if !errors.Is(err, ErrNotInstalled) {
		t.Errorf("err = %v, want ErrNotInstalled", err)
	}
}

func TestStartCrashCarriesStderrTail(t *testing.T) {
	script := writeScript(t, `echo "fatal: account storage locked" >&2; exit 1`)
	d := &Daemon{Binary: script, Addr: "127.0.0.1:0", Logger: discardLogger()}

	err := d.Start(context.Background())
	if !errors.Is(err, ErrCrashed) {
		t.Fatalf("err = %v, want ErrCrashed", err)
	}
	if !strings.Contains(err.Error(), "account storage locked") {
		t.Errorf("crash error lacks stderr tail: %v", err)
	}
}

func TestStartBecomesHealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/health" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	script := writeScript(t, `sleep 60`)
	d := &Daemon{
		Binary: script,
		Addr:   strings.TrimPrefix(srv.URL, "http://"),
		Logger: discardLogger(),
	}

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestStopAfterProcessAlreadyExited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// The daemon exits on its own right after Start sees it healthy.
	script := writeScript(t, `sleep 2`)
	d := &Daemon{
		Binary: script,
		Addr:   strings.TrimPrefix(srv.URL, "http://"),
		Logger: discardLogger(),
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	<-d.Exited()
	if err := d.Stop(); err != nil {
		t.Errorf("Stop after exit: %v", err)
	}
}

func TestHealthFallsBackToRPC(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v1/rpc" {
			w.Write([]byte(`{"jsonrpc":"2.0","result":{"version":"0.13.4"},"id":1}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := &Daemon{
		Addr:   strings.TrimPrefix(srv.URL, "http://"),
		Logger: discardLogger(),
	}
	if !d.probe(context.Background()) {
		t.Error("probe should succeed through the JSON-RPC fallback")
	}
}
