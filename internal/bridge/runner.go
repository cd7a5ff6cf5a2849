// Package bridge mirrors a local project directory to the cloud while
// the user is editing: it pushes watcher-observed changes up, applies
// remote changes down, reports session presence, and hands queued
// build requests to the build executor.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/backoff"
	"github.com/myndhyve/myndhyve-cli/internal/build"
	"github.com/myndhyve/myndhyve-cli/internal/cloud"
)

// Loop periods. Presence is cheap and frequent; pulls and build polls
// ride the default sync cadence.
const (
	heartbeatInterval = 15 * time.Second
	defaultPullPeriod = 5 * time.Second
	buildPollPeriod   = 5 * time.Second
)

// CloudAPI is the slice of the cloud client the bridge loops use.
type CloudAPI interface {
	UpdateBridgePresence(ctx context.Context, sessionID, state string) error
	PushChange(ctx context.Context, sessionID string, change cloud.FileChange) error
	PullChanges(ctx context.Context, sessionID, cursor string) (*cloud.PullResponse, error)
	QueryPendingBuilds(ctx context.Context, sessionID string) ([]cloud.BuildRecord, error)
	UpdateBuildRecord(ctx context.Context, sessionID string, rec cloud.BuildRecord) error
	WriteBuildOutputChunk(ctx context.Context, sessionID, buildID string, chunk cloud.BuildChunk) error
}

// Runner is one live bridge session over a project root.
type Runner struct {
	session  cloud.BridgeSession
	client   CloudAPI
	watcher  *Watcher
	executor *build.Executor
	logger   *slog.Logger

	// PullPeriod overrides the remote-change poll cadence; zero means
	// the default.
	PullPeriod time.Duration

	mu      sync.Mutex
	cursor  string
	written []string // paths suppressed for the current pull tick
}

// NewRunner wires a session. The ignore matcher combines the built-in
// defaults with the session's own patterns, session patterns last so
// they can re-include defaults.
func NewRunner(session cloud.BridgeSession, client CloudAPI, logger *slog.Logger) (*Runner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "bridge", "sessionId", session.SessionID)

	patterns := append(append([]string{}, DefaultIgnorePatterns...), session.IgnorePatterns...)
	matcher, err := NewMatcher(patterns)
	if err != nil {
		return nil, err
	}

	watcher, err := NewWatcher(session.ProjectRoot, matcher, logger)
	if err != nil {
		return nil, err
	}

	return &Runner{
		session: session,
		client:  client,
		watcher: watcher,
		executor: &build.Executor{
			ProjectRoot: session.ProjectRoot,
			Logger:      logger,
		},
		logger: logger,
	}, nil
}

// Run starts every sub-loop and blocks until ctx cancels and all of
// them have shut down. On the way out it posts offline presence on a
// short best-effort deadline.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("bridge session starting",
		"projectRoot", r.session.ProjectRoot,
		"projectId", r.session.ProjectID,
	)

	var wg sync.WaitGroup
	errs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := r.watcher.Run(ctx); err != nil {
			select {
			case errs <- err:
			default:
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.heartbeatLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.pushLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.pullLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.buildLoop(ctx)
	}()

	wg.Wait()

	// Offline farewell, detached from the cancelled root context.
	byeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.client.UpdateBridgePresence(byeCtx, r.session.SessionID, "offline"); err != nil {
		r.logger.Debug("offline presence post failed", "error", err)
	}

	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}

// heartbeatLoop posts online presence every 15 seconds.
func (r *Runner) heartbeatLoop(ctx context.Context) {
	for {
		if err := r.client.UpdateBridgePresence(ctx, r.session.SessionID, "online"); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("presence post failed", "error", err)
		}
		if !backoff.Sleep(ctx, heartbeatInterval) {
			return
		}
	}
}

// pushLoop forwards watcher events to the cloud. Push failures are
// logged and dropped: the next change to the same path, or the other
// side's pull, supersedes a lost push.
func (r *Runner) pushLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-r.watcher.Events():
			if !ok {
				return
			}
			if err := r.client.PushChange(ctx, r.session.SessionID, change); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("push failed",
					"path", change.RelativePath,
					"kind", change.Kind,
					"error", err,
				)
				continue
			}
			r.logger.Debug("pushed change", "path", change.RelativePath, "kind", change.Kind)
		}
	}
}

// pullLoop applies remote changes to disk. Watcher suppression for a
// written path is set before the write and lifted at the start of the
// next tick, after the filesystem events from our own write have
// drained.
func (r *Runner) pullLoop(ctx context.Context) {
	period := r.PullPeriod
	if period <= 0 {
		period = defaultPullPeriod
	}
	for {
		if !backoff.Sleep(ctx, period) {
			return
		}

		r.releaseSuppressions()

		r.mu.Lock()
		cursor := r.cursor
		r.mu.Unlock()

		resp, err := r.client.PullChanges(ctx, r.session.SessionID, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("pull failed", "error", err)
			continue
		}

		for _, change := range resp.Changes {
			if err := r.applyChange(change); err != nil {
				r.logger.Warn("failed to apply remote change",
					"path", change.RelativePath,
					"kind", change.Kind,
					"error", err,
				)
			}
		}

		r.mu.Lock()
		r.cursor = resp.Cursor
		r.mu.Unlock()
	}
}

// applyChange writes one remote change to disk atomically, with the
// watcher suppressed for that path for the remainder of the tick.
func (r *Runner) applyChange(change cloud.RemoteChange) error {
	rel := strings.TrimPrefix(NormalizePath(change.RelativePath), "/")
	if rel == "" || rel == "." || strings.Contains(rel, "..") {
		return fmt.Errorf("refusing suspicious path %q", change.RelativePath)
	}
	abs := filepath.Join(r.session.ProjectRoot, filepath.FromSlash(rel))

	r.watcher.Suppress(rel)
	r.mu.Lock()
	r.written = append(r.written, rel)
	r.mu.Unlock()

	switch change.Kind {
	case ChangeDeleted:
		if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
			return err
		}
		r.logger.Debug("applied remote delete", "path", rel)
		return nil

	case ChangeCreated, ChangeModified:
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return err
		}
		return writeFileAtomic(abs, change.Content)

	default:
		return fmt.Errorf("unknown change kind %q", change.Kind)
	}
}

// releaseSuppressions lifts watcher suppression for paths written in
// the previous tick.
func (r *Runner) releaseSuppressions() {
	r.mu.Lock()
	written := r.written
	r.written = nil
	r.mu.Unlock()
	for _, rel := range written {
		r.watcher.Unsuppress(rel)
	}
}

// buildLoop polls for queued builds and runs them sequentially. A
// build failure is a record state, never a loop failure.
func (r *Runner) buildLoop(ctx context.Context) {
	sink := &cloudSink{client: r.client, sessionID: r.session.SessionID}
	for {
		if !backoff.Sleep(ctx, buildPollPeriod) {
			return
		}

		records, err := r.client.QueryPendingBuilds(ctx, r.session.SessionID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("build poll failed", "error", err)
			continue
		}

		for _, rec := range records {
			if ctx.Err() != nil {
				return
			}
			if err := r.executor.Run(ctx, rec, sink); err != nil {
				r.logger.Warn("build record update failed", "buildId", rec.ID, "error", err)
			}
		}
	}
}

// cloudSink adapts the cloud client to the build executor's sink.
type cloudSink struct {
	client    CloudAPI
	sessionID string
}

func (s *cloudSink) UpdateRecord(ctx context.Context, rec cloud.BuildRecord) error {
	return s.client.UpdateBuildRecord(ctx, s.sessionID, rec)
}

func (s *cloudSink) WriteChunk(ctx context.Context, buildID string, chunk cloud.BuildChunk) error {
	return s.client.WriteBuildOutputChunk(ctx, s.sessionID, buildID, chunk)
}

// writeFileAtomic writes content through a temp file and rename so the
// watcher (and any build reading the tree) never sees a torn file.
func writeFileAtomic(path string, content []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".sync-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
