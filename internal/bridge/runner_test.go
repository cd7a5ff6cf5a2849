package bridge

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/cloud"
)

// fakeBridgeCloud records bridge RPC traffic.
type fakeBridgeCloud struct {
	mu       sync.Mutex
	presence []string
	pushes   []cloud.FileChange
	pullFn   func(cursor string) (*cloud.PullResponse, error)
	builds   []cloud.BuildRecord
	records  []cloud.BuildRecord
	chunks   []cloud.BuildChunk
}

func (f *fakeBridgeCloud) UpdateBridgePresence(ctx context.Context, sessionID, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.presence = append(f.presence, state)
	return nil
}

func (f *fakeBridgeCloud) PushChange(ctx context.Context, sessionID string, change cloud.FileChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, change)
	return nil
}

func (f *fakeBridgeCloud) PullChanges(ctx context.Context, sessionID, cursor string) (*cloud.PullResponse, error) {
	f.mu.Lock()
	fn := f.pullFn
	f.mu.Unlock()
	if fn != nil {
		return fn(cursor)
	}
	return &cloud.PullResponse{Cursor: cursor}, nil
}

func (f *fakeBridgeCloud) QueryPendingBuilds(ctx context.Context, sessionID string) ([]cloud.BuildRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	builds := f.builds
	f.builds = nil
	return builds, nil
}

func (f *fakeBridgeCloud) UpdateBuildRecord(ctx context.Context, sessionID string, rec cloud.BuildRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeBridgeCloud) WriteBuildOutputChunk(ctx context.Context, sessionID, buildID string, chunk cloud.BuildChunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, chunk)
	return nil
}

func (f *fakeBridgeCloud) pushedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var paths []string
	for _, p := range f.pushes {
		paths = append(paths, p.RelativePath)
	}
	return paths
}

func newTestRunner(t *testing.T, fc *fakeBridgeCloud, root string) *Runner {
	t.Helper()
	r, err := NewRunner(cloud.BridgeSession{
		SessionID:   "s1",
		ProjectID:   "p1",
		ProjectRoot: root,
	}, fc, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	r.PullPeriod = 50 * time.Millisecond
	return r
}

func TestRunnerPushesLocalChanges(t *testing.T) {
	root := t.TempDir()
	fc := &fakeBridgeCloud{}
	r := newTestRunner(t, fc, root)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte("package main"), 0o644); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		for _, p := range fc.pushedPaths() {
			if p == "main.go" {
				return true
			}
		}
		return false
	})

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunnerAppliesRemoteChangesWithoutEcho(t *testing.T) {
	root := t.TempDir()
	fc := &fakeBridgeCloud{}
	var once sync.Once
	fc.pullFn = func(cursor string) (*cloud.PullResponse, error) {
		resp := &cloud.PullResponse{Cursor: cursor}
		once.Do(func() {
			resp.Changes = []cloud.RemoteChange{{
				RelativePath: "remote.txt",
				Kind:         ChangeCreated,
				Content:      []byte("from the cloud"),
			}}
			resp.Cursor = "c1"
		})
		return resp, nil
	}

	r := newTestRunner(t, fc, root)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	target := filepath.Join(root, "remote.txt")
	waitFor(t, func() bool {
		data, err := os.ReadFile(target)
		return err == nil && string(data) == "from the cloud"
	})

	// Give any echo a chance to surface, then verify none did.
	time.Sleep(300 * time.Millisecond)
	for _, p := range fc.pushedPaths() {
		if p == "remote.txt" {
			t.Error("remote write echoed back as a push")
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestRunnerRejectsTraversalPaths(t *testing.T) {
	root := t.TempDir()
	fc := &fakeBridgeCloud{}
	r := newTestRunner(t, fc, root)

	err := r.applyChange(cloud.RemoteChange{
		RelativePath: "../outside.txt",
		Kind:         ChangeCreated,
		Content:      []byte("nope"),
	})
	if err == nil {
		t.Fatal("expected error for path traversal")
	}
	if _, statErr := os.Stat(filepath.Join(filepath.Dir(root), "outside.txt")); statErr == nil {
		t.Fatal("traversal path was written outside the project root")
	}
}

func TestRunnerPostsOfflineOnShutdown(t *testing.T) {
	root := t.TempDir()
	fc := &fakeBridgeCloud{}
	r := newTestRunner(t, fc, root)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.presence) > 0 && fc.presence[0] == "online"
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.presence[len(fc.presence)-1] != "offline" {
		t.Errorf("final presence = %q, want offline", fc.presence[len(fc.presence)-1])
	}
}

func TestRunnerExecutesQueuedBuilds(t *testing.T) {
	root := t.TempDir()
	fc := &fakeBridgeCloud{}
	fc.builds = []cloud.BuildRecord{{ID: "b1", Command: "rm -rf /"}}
	r := newTestRunner(t, fc, root)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool {
		fc.mu.Lock()
		defer fc.mu.Unlock()
		return len(fc.records) > 0
	})
	cancel()
	<-done

	fc.mu.Lock()
	defer fc.mu.Unlock()
	rec := fc.records[len(fc.records)-1]
	if rec.Status != cloud.BuildFailed || rec.ExitCode != -1 {
		t.Errorf("record = %+v, want allowlist rejection", rec)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition never became true")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
