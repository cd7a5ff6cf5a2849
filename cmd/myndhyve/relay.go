package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/myndhyve/myndhyve-cli/internal/buildinfo"
	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/channel/imessage"
	"github.com/myndhyve/myndhyve-cli/internal/channel/signalcli"
	"github.com/myndhyve/myndhyve-cli/internal/channel/whatsapp"
	"github.com/myndhyve/myndhyve-cli/internal/config"
	"github.com/myndhyve/myndhyve-cli/internal/daemon"
	"github.com/myndhyve/myndhyve-cli/internal/presence"
	"github.com/myndhyve/myndhyve-cli/internal/relay"
	"github.com/myndhyve/myndhyve-cli/internal/update"
)

func relayCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Run and manage the message relay daemon",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Connect the registered channel and relay messages",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "detach",
						Aliases: []string{"d"},
						Usage:   "Run in the background",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return relayStart(ctx, cmd, stdout, stderr)
				},
			},
			{
				Name:  "stop",
				Usage: "Stop a detached relay",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return relayStop(cmd, stdout, stderr)
				},
			},
			{
				Name:  "status",
				Usage: "Report relay state",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return relayStatus(cmd, stdout, stderr)
				},
			},
		},
	}
}

func relayStart(ctx context.Context, cmd *cli.Command, stdout, stderr io.Writer) error {
	e, err := loadEnv(cmd, stderr)
	if err != nil {
		return err
	}
	if !e.cfg.Configured() {
		return fmt.Errorf("%w: no registered relay; run `myndhyve login` first", errNotConfigured)
	}

	if cmd.Bool("detach") && !daemon.IsDaemonChild() {
		pid, err := daemon.StartDetached(e.home.RelayPIDFile(), e.home.RelayLogFile(),
			[]string{"relay", "start", "--detach"})
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Relay started (pid %d), logs at %s\n", pid, e.home.RelayLogFile())
		return nil
	}

	if err := claimPIDFile(e.home.RelayPIDFile(), "relay"); err != nil {
		return err
	}
	defer os.Remove(e.home.RelayPIDFile())

	checker := update.New(e.home.UpdateCheckFile(), e.logger)
	if latest, newer := checker.Check(ctx, buildinfo.Version); newer {
		e.logger.Info("update available",
			"current", buildinfo.Version,
			"latest", latest,
		)
	}

	client := newCloudClient(e)
	registry, err := newRegistry(e)
	if err != nil {
		return err
	}
	sup := relay.New(e.cfg, client, registry, e.logger)

	if e.cfg.MQTT.BrokerURL != "" {
		stop, err := startPresence(ctx, e, registry, sup)
		if err != nil {
			e.logger.Warn("presence publisher disabled", "error", err)
		} else {
			defer stop()
		}
	}

	e.logger.Info("relay starting",
		"channel", e.cfg.Channel,
		"relayId", e.cfg.RelayID,
		"version", buildinfo.Version,
	)
	return sup.Run(ctx)
}

func relayStop(cmd *cli.Command, stdout, stderr io.Writer) error {
	e, err := loadEnv(cmd, stderr)
	if err != nil {
		return err
	}
	if err := daemon.Stop(e.home.RelayPIDFile()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(stdout, "Relay: not running")
			return errNotRunning
		}
		return err
	}
	fmt.Fprintln(stdout, "Relay stopped.")
	return nil
}

func relayStatus(cmd *cli.Command, stdout, stderr io.Writer) error {
	e, err := loadEnv(cmd, stderr)
	if err != nil {
		return err
	}
	if e.cfg.Configured() {
		fmt.Fprintf(stdout, "Channel:  %s\n", e.cfg.Channel)
		fmt.Fprintf(stdout, "Relay id: %s\n", e.cfg.RelayID)
	} else {
		fmt.Fprintln(stdout, "Not registered. Run `myndhyve login`.")
	}

	pid, running, err := daemon.Status(e.home.RelayPIDFile())
	if err != nil {
		return err
	}
	if !running {
		fmt.Fprintln(stdout, "Relay:    not running")
		return errNotRunning
	}
	fmt.Fprintf(stdout, "Relay:    running (pid %d)\n", pid)
	return nil
}

// claimPIDFile enforces one foreground instance per state directory. A
// detached child finds its own pid already written by the parent.
func claimPIDFile(path, what string) error {
	pid, running, err := daemon.Status(path)
	if err != nil {
		return err
	}
	if running && pid != os.Getpid() {
		return fmt.Errorf("%s already running (pid %d)", what, pid)
	}
	if pid == os.Getpid() {
		return nil
	}
	return daemon.WritePID(path, os.Getpid())
}

// newRegistry builds the adapter table for every channel this binary
// ships. Only the configured channel is started; the others exist so
// login and logout can address them.
func newRegistry(e *env) (*channel.Registry, error) {
	waDir, err := e.home.ChannelDir(config.ChannelWhatsApp)
	if err != nil {
		return nil, err
	}
	wa, err := whatsapp.New(waDir, whatsapp.NewLiveEngine(waDir, e.logger), e.logger)
	if err != nil {
		return nil, err
	}

	sigDir, err := e.home.ChannelDir(config.ChannelSignal)
	if err != nil {
		return nil, err
	}
	sig := signalcli.New(sigDir, "", e.logger)

	im := imessage.New("", e.logger)

	return channel.NewRegistry(wa, sig, im), nil
}

// startPresence wires the optional MQTT availability publisher around
// the supervisor. Returns the stop function to run on shutdown.
func startPresence(ctx context.Context, e *env, registry *channel.Registry, sup *relay.Supervisor) (func(), error) {
	instanceID, err := presence.LoadOrCreateInstanceID(string(e.home))
	if err != nil {
		return nil, err
	}
	plugin, err := registry.Get(channel.Name(e.cfg.Channel))
	if err != nil {
		return nil, err
	}

	pub := presence.New(e.cfg.MQTT, e.cfg.RelayID, instanceID, buildinfo.Version,
		&relayStats{sup: sup, plugin: plugin}, e.logger)
	if err := pub.Start(ctx); err != nil {
		return nil, err
	}
	return func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.Stop(stopCtx); err != nil {
			e.logger.Debug("presence shutdown failed", "error", err)
		}
	}, nil
}

// relayStats feeds the presence publisher from the live supervisor.
type relayStats struct {
	sup    *relay.Supervisor
	plugin channel.Plugin
}

func (s *relayStats) PlatformStatus() string { return s.plugin.Status() }
func (s *relayStats) Uptime() time.Duration  { return s.sup.Uptime() }
func (s *relayStats) Delivered() int         { return s.sup.Delivered() }
