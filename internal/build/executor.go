// Package build runs whitelisted build commands for the project bridge
// and streams their output back to the cloud in serial-numbered chunks.
//
// Builds are untrusted input: the command text arrives from the cloud,
// so execution is gated on a static prefix allowlist and bounded by a
// wall-clock timeout. A build failure of any kind becomes a terminal
// failed record; nothing in here may take the bridge daemon down.
package build

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/myndhyve/myndhyve-cli/internal/cloud"
)

const (
	// chunkSize is the flush threshold for buffered output.
	chunkSize = 4096

	// DefaultTimeout bounds one build's wall-clock time.
	DefaultTimeout = 5 * time.Minute
)

// allowedPrefixes gates which commands the bridge will run. Matching
// is prefix-based after trimming and lowercasing. The list is fixed at
// compile time on purpose: the cloud must not be able to extend it.
var allowedPrefixes = []string{
	"npm run",
	"npm test",
	"npm exec",
	"npx ",
	"yarn ",
	"pnpm ",
	"bun ",
	"flutter ",
	"dart ",
	"cargo ",
	"go ",
	"make ",
	"tsc",
	"eslint",
	"prettier",
	"vitest",
	"jest",
	"pytest",
}

// CommandAllowed reports whether command passes the allowlist.
func CommandAllowed(command string) bool {
	c := strings.ToLower(strings.TrimSpace(command))
	for _, prefix := range allowedPrefixes {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

// RecordSink persists build record state transitions and output chunks.
// The bridge wires this to the cloud client; tests capture in memory.
type RecordSink interface {
	UpdateRecord(ctx context.Context, rec cloud.BuildRecord) error
	WriteChunk(ctx context.Context, buildID string, chunk cloud.BuildChunk) error
}

// Executor runs one build at a time inside a project root.
type Executor struct {
	ProjectRoot string
	Timeout     time.Duration
	Logger      *slog.Logger

	// Shell overrides the shell binary, for tests. Default "sh".
	Shell string
}

// Run executes rec's command and drives the record through
// running → success|failed via sink. Run never returns an error for
// build failures; the record carries the outcome. The returned error
// is reserved for sink failures on the final record write.
func (e *Executor) Run(ctx context.Context, rec cloud.BuildRecord, sink RecordSink) error {
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("buildId", rec.ID)

	if !CommandAllowed(rec.Command) {
		logger.Warn("build command rejected by allowlist", "command", rec.Command)
		rec.Status = cloud.BuildFailed
		rec.ExitCode = -1
		rec.Errors = []cloud.BuildIssue{{Message: "Command not allowed: " + rec.Command}}
		rec.ErrorCount = 1
		rec.CompletedAt = time.Now().UTC()
		return sink.UpdateRecord(ctx, rec)
	}

	rec.Status = cloud.BuildRunning
	rec.StartedAt = time.Now().UTC()
	if err := sink.UpdateRecord(ctx, rec); err != nil {
		logger.Warn("failed to mark build running", "error", err)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(runCtx, shell, "-c", rec.Command)
	cmd.Dir = e.ProjectRoot
	cmd.Env = mergeEnv(os.Environ(), rec.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return e.finishSpawnError(ctx, rec, sink, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return e.finishSpawnError(ctx, rec, sink, err)
	}

	streamer := &chunkStreamer{
		ctx:     ctx,
		buildID: rec.ID,
		sink:    sink,
		logger:  logger,
	}

	if err := cmd.Start(); err != nil {
		return e.finishSpawnError(ctx, rec, sink, err)
	}
	logger.Info("build started", "command", rec.Command, "pid", cmd.Process.Pid)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamer.consume("stdout", stdout)
	}()
	go func() {
		defer wg.Done()
		streamer.consume("stderr", stderr)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	streamer.flushAll()

	rec.CompletedAt = time.Now().UTC()
	rec.DurationMs = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	rec.Errors = streamer.parser.errors
	rec.Warnings = streamer.parser.warnings
	rec.ErrorCount = len(rec.Errors)
	rec.WarningCount = len(rec.Warnings)

	switch {
	case waitErr == nil:
		rec.Status = cloud.BuildSuccess
		rec.ExitCode = 0
	default:
		rec.Status = cloud.BuildFailed
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			rec.ExitCode = exitErr.ExitCode()
		} else {
			rec.ExitCode = -1
			rec.Errors = append(rec.Errors, cloud.BuildIssue{Message: waitErr.Error()})
			rec.ErrorCount = len(rec.Errors)
		}
		if runCtx.Err() == context.DeadlineExceeded {
			rec.Errors = append(rec.Errors, cloud.BuildIssue{
				Message: fmt.Sprintf("build timed out after %s", timeout),
			})
			rec.ErrorCount = len(rec.Errors)
		}
	}

	logger.Info("build finished",
		"status", rec.Status,
		"exitCode", rec.ExitCode,
		"durationMs", rec.DurationMs,
	)
	return sink.UpdateRecord(ctx, rec)
}

// finishSpawnError records a build that never produced a subprocess.
func (e *Executor) finishSpawnError(ctx context.Context, rec cloud.BuildRecord, sink RecordSink, err error) error {
	rec.Status = cloud.BuildFailed
	rec.ExitCode = -1
	rec.Errors = []cloud.BuildIssue{{Message: err.Error()}}
	rec.ErrorCount = 1
	rec.CompletedAt = time.Now().UTC()
	return sink.UpdateRecord(ctx, rec)
}

// mergeEnv overlays record env onto the host environment.
func mergeEnv(host []string, overlay map[string]string) []string {
	if len(overlay) == 0 {
		return host
	}
	merged := make([]string, 0, len(host)+len(overlay))
	for _, kv := range host {
		key := kv[:strings.IndexByte(kv, '=')]
		if _, shadowed := overlay[key]; !shadowed {
			merged = append(merged, kv)
		}
	}
	for k, v := range overlay {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// chunkStreamer buffers per-stream output and emits serial-numbered
// chunks. Serial numbers are shared across stdout and stderr so chunk
// order reflects emission order for the whole build.
type chunkStreamer struct {
	ctx     context.Context
	buildID string
	sink    RecordSink
	logger  *slog.Logger

	mu      sync.Mutex
	serial  int
	parser  diagParser
	buffers map[string]*strings.Builder
}

// consume reads one stream to EOF, flushing a chunk every time the
// buffer crosses the chunk size.
func (s *chunkStreamer) consume(stream string, r io.Reader) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.append(stream, string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (s *chunkStreamer) append(stream, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.buffers == nil {
		s.buffers = make(map[string]*strings.Builder)
	}
	b := s.buffers[stream]
	if b == nil {
		b = &strings.Builder{}
		s.buffers[stream] = b
	}
	b.WriteString(content)
	if b.Len() >= chunkSize {
		s.emitLocked(stream, b)
	}
}

// flushAll emits any residual buffered output as final chunks.
func (s *chunkStreamer) flushAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, stream := range []string{"stdout", "stderr"} {
		if b := s.buffers[stream]; b != nil && b.Len() > 0 {
			s.emitLocked(stream, b)
		}
	}
}

// emitLocked forms one chunk from the buffer, feeds the diagnostics
// parser, and writes it. Chunk write failures are logged at debug and
// never abort the build: the record outcome matters more than perfect
// output capture.
func (s *chunkStreamer) emitLocked(stream string, b *strings.Builder) {
	content := b.String()
	b.Reset()

	s.parser.Scan(content)

	s.serial++
	chunk := cloud.BuildChunk{
		ChunkID:   fmt.Sprintf("%06d", s.serial),
		Stream:    stream,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	if err := s.sink.WriteChunk(s.ctx, s.buildID, chunk); err != nil {
		s.logger.Debug("build output chunk write failed",
			"chunkId", chunk.ChunkID,
			"error", err,
		)
	}
}
