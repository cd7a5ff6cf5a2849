package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/myndhyve/myndhyve-cli/internal/buildinfo"
	"github.com/myndhyve/myndhyve-cli/internal/channel"
	"github.com/myndhyve/myndhyve-cli/internal/cloud"
	"github.com/myndhyve/myndhyve-cli/internal/config"
	"github.com/myndhyve/myndhyve-cli/internal/daemon"
	"github.com/myndhyve/myndhyve-cli/internal/relay"
)

func loginCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "login",
		Usage:     "Link a chat channel and register this machine as a relay",
		ArgsUsage: "<channel> <pairing-code>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return login(ctx, cmd, stdout, stderr)
		},
	}
}

func login(ctx context.Context, cmd *cli.Command, stdout, stderr io.Writer) error {
	args := cmd.Args().Slice()
	if len(args) != 2 {
		return fmt.Errorf("%w: myndhyve login <channel> <pairing-code>", errUsage)
	}
	chName := channel.Name(args[0])
	code := args[1]
	if !channel.Known(chName) {
		return fmt.Errorf("%w: unknown channel %q (expected whatsapp, signal or imessage)", errUsage, args[0])
	}

	e, err := loadEnv(cmd, stderr)
	if err != nil {
		return err
	}
	if e.cfg.Configured() && e.cfg.Channel != string(chName) {
		return fmt.Errorf("already registered for %s; run `myndhyve logout` first", e.cfg.Channel)
	}

	registry, err := newRegistry(e)
	if err != nil {
		return err
	}
	plugin, err := registry.Get(chName)
	if err != nil {
		return err
	}
	if ok, reason := plugin.Supported(); !ok {
		return fmt.Errorf("%w: %s: %s", relay.ErrUnsupported, plugin.DisplayName(), reason)
	}

	// Platform link first: a failed QR flow must not leave a registered
	// relay with no channel behind it.
	if !plugin.IsAuthenticated() {
		fmt.Fprintf(stderr, "Linking %s...\n", plugin.DisplayName())
		if err := plugin.Login(ctx); err != nil {
			return fmt.Errorf("%s login: %w", plugin.DisplayName(), err)
		}
	}

	client := cloud.New(cloud.Config{
		BaseURL: e.cfg.CloudBaseURL,
		Logger:  e.logger,
	})
	resp, err := client.Register(ctx, code, chName)
	if err != nil {
		return fmt.Errorf("register relay: %w", err)
	}

	e.cfg.Channel = string(chName)
	e.cfg.RelayID = resp.RelayID
	e.cfg.DeviceToken = resp.DeviceToken
	e.cfg.TokenExpiresAt = resp.ExpiresAt
	e.cfg.UserID = resp.UserID
	if err := config.Save(e.home.ConfigFile(), e.cfg); err != nil {
		return err
	}

	fmt.Fprintf(stdout, "Registered as relay %s on %s.\n", resp.RelayID, plugin.DisplayName())
	fmt.Fprintln(stdout, "Start it with `myndhyve relay start`.")
	return nil
}

func logoutCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Unlink the chat channel and clear the relay registration",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return logout(ctx, cmd, stdout, stderr)
		},
	}
}

func logout(ctx context.Context, cmd *cli.Command, stdout, stderr io.Writer) error {
	e, err := loadEnv(cmd, stderr)
	if err != nil {
		return err
	}

	if _, running, _ := daemon.Status(e.home.RelayPIDFile()); running {
		return fmt.Errorf("relay is running; stop it first with `myndhyve relay stop`")
	}

	if e.cfg.Configured() {
		registry, err := newRegistry(e)
		if err != nil {
			return err
		}
		if plugin, err := registry.Get(channel.Name(e.cfg.Channel)); err == nil {
			if err := plugin.Logout(ctx); err != nil {
				e.logger.Warn("channel credential scrub failed",
					"channel", e.cfg.Channel,
					"error", err,
				)
			}
		}
	}

	e.cfg.ClearRegistration()
	if err := config.Save(e.home.ConfigFile(), e.cfg); err != nil {
		return err
	}
	fmt.Fprintln(stdout, "Logged out.")
	return nil
}

func versionCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print version and build information",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.String("o") == "json" {
				enc := json.NewEncoder(stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(buildinfo.Info())
			}
			fmt.Fprintln(stdout, buildinfo.String())
			return nil
		},
	}
}
