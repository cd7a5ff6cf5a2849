// Myndhyve relays chat platforms (WhatsApp, Signal, iMessage) to the
// MyndHyve cloud and mirrors project directories for remote builds.
//
// Usage:
//
//	myndhyve login <channel> <pairing-code>   Register this machine
//	myndhyve relay start [--detach]           Run the message relay
//	myndhyve relay stop | status              Manage a detached relay
//	myndhyve bridge start [--detach]          Run the project bridge
//	myndhyve bridge stop | status             Manage a detached bridge
//	myndhyve ask <question>                   Ask through the cloud chat proxy
//	myndhyve logout                           Unlink and clear credentials
//	myndhyve version                          Print build information
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/cloud"
	"github.com/myndhyve/myndhyve-cli/internal/config"
	"github.com/myndhyve/myndhyve-cli/internal/daemon"
	"github.com/myndhyve/myndhyve-cli/internal/paths"
	"github.com/myndhyve/myndhyve-cli/internal/relay"
)

// Sentinels that steer exit codes. errNotRunning is also used to
// suppress the generic error print when status output already said it.
var (
	errUsage         = errors.New("usage")
	errNotRunning    = errors.New("not running")
	errNotConfigured = errors.New("not configured")
)

// main constructs the OS-level environment and delegates to run so the
// command tree can be driven from tests with injected stdio.
func main() {
	os.Exit(run(context.Background(), os.Stdout, os.Stderr, os.Args))
}

func run(ctx context.Context, stdout, stderr io.Writer, args []string) int {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// NotifyContext cannot tell us which signal fired; track SIGINT
	// separately so an interrupt exits 130 per shell convention.
	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			interrupted.Store(true)
		}
	}()

	err := newApp(stdout, stderr).Run(ctx, args)
	if err == nil {
		if interrupted.Load() {
			return daemon.ExitSIGINT
		}
		return daemon.ExitSuccess
	}
	if interrupted.Load() && errors.Is(err, context.Canceled) {
		return daemon.ExitSIGINT
	}
	if !errors.Is(err, errNotRunning) {
		fmt.Fprintf(stderr, "Error: %v\n", err)
	}
	return exitCode(err)
}

// exitCode maps an error into the documented exit code set.
func exitCode(err error) int {
	switch {
	case errors.Is(err, relay.ErrUnsupported),
		channel.Classify(err).Fatal(),
		cloud.IsCode(err, cloud.CodeDeviceTokenExpired),
		cloud.IsCode(err, cloud.CodeUnauthorized):
		return daemon.ExitUnauthorized
	case errors.Is(err, errNotRunning), errors.Is(err, errNotConfigured):
		return daemon.ExitNotFound
	case errors.Is(err, errUsage):
		return daemon.ExitUsageError
	default:
		return daemon.ExitGeneralError
	}
}

func newApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "myndhyve",
		Usage: "Relay chat platforms to MyndHyve and bridge project directories",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "trace, debug, info, warn or error (overrides config)",
			},
			&cli.StringFlag{
				Name:  "o",
				Usage: "Output format: text or json",
				Value: "text",
			},
		},
		Commands: []*cli.Command{
			loginCommand(stdout, stderr),
			logoutCommand(stdout, stderr),
			relayCommand(stdout, stderr),
			bridgeCommand(stdout, stderr),
			askCommand(stdout, stderr),
			versionCommand(stdout),
		},
	}
}

// env is the per-invocation environment every subcommand starts from:
// the state directory, the persisted config, and the logger.
type env struct {
	home   paths.StateDir
	cfg    *config.RelayConfig
	logger *slog.Logger
}

func loadEnv(cmd *cli.Command, stderr io.Writer) (*env, error) {
	home, err := paths.Home()
	if err != nil {
		return nil, err
	}
	if err := home.Ensure(); err != nil {
		return nil, err
	}

	// Bootstrap logger for config-load warnings, replaced once the
	// configured level is known.
	boot := slog.New(slog.NewTextHandler(stderr, nil))
	cfg, err := config.Load(home.ConfigFile(), boot)
	if err != nil {
		return nil, err
	}

	levelName := cfg.LogLevel
	if s := cmd.String("log-level"); s != "" {
		levelName = s
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errUsage, err)
	}

	return &env{
		home:   home,
		cfg:    cfg,
		logger: newLogger(stderr, level, cmd.String("o")),
	}, nil
}

// newLogger builds the process logger. Level and output mode are fixed
// here, before any loop spawns.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// newCloudClient builds the authenticated control-plane client. Token
// rotations are persisted back to config.json as they happen.
func newCloudClient(e *env) *cloud.Client {
	return cloud.New(cloud.Config{
		BaseURL:     e.cfg.CloudBaseURL,
		RelayID:     e.cfg.RelayID,
		DeviceToken: e.cfg.DeviceToken,
		Logger:      e.logger,
		OnTokenUpdate: func(token string, expiresAt time.Time) {
			e.cfg.DeviceToken = token
			e.cfg.TokenExpiresAt = expiresAt
			if err := config.Save(e.home.ConfigFile(), e.cfg); err != nil {
				e.logger.Error("failed to persist rotated device token", "error", err)
			}
		},
	})
}
