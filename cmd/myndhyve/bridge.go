package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/myndhyve/myndhyve-cli/internal/bridge"
	"github.com/myndhyve/myndhyve-cli/internal/config"
	"github.com/myndhyve/myndhyve-cli/internal/daemon"
	"github.com/myndhyve/myndhyve-cli/internal/paths"
)

func bridgeCommand(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:  "bridge",
		Usage: "Run and manage the project bridge daemon",
		Commands: []*cli.Command{
			{
				Name:  "start",
				Usage: "Sync the active project and execute queued builds",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "detach",
						Aliases: []string{"d"},
						Usage:   "Run in the background",
					},
					&cli.StringFlag{
						Name:  "root",
						Usage: "Project root override (defaults to the session's root, then the working directory)",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return bridgeStart(ctx, cmd, stdout, stderr)
				},
			},
			{
				Name:  "stop",
				Usage: "Stop a detached bridge",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return bridgeStop(cmd, stdout, stderr)
				},
			},
			{
				Name:  "status",
				Usage: "Report bridge state",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return bridgeStatus(cmd, stdout, stderr)
				},
			},
		},
	}
}

func bridgeStart(ctx context.Context, cmd *cli.Command, stdout, stderr io.Writer) error {
	e, err := loadEnv(cmd, stderr)
	if err != nil {
		return err
	}
	if !e.cfg.Configured() {
		return fmt.Errorf("%w: no registered relay; run `myndhyve login` first", errNotConfigured)
	}

	pc, err := config.LoadContext(e.home.ContextFile())
	if err != nil {
		return err
	}
	if pc == nil {
		return fmt.Errorf("%w: no active project; select one from the MyndHyve app first", errNotConfigured)
	}

	if cmd.Bool("detach") && !daemon.IsDaemonChild() {
		args := []string{"bridge", "start", "--detach"}
		if root := cmd.String("root"); root != "" {
			args = append(args, "--root", root)
		}
		pid, err := daemon.StartDetached(e.home.BridgePIDFile(), e.home.BridgeLogFile(), args)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Bridge started (pid %d), logs at %s\n", pid, e.home.BridgeLogFile())
		return nil
	}

	if err := claimPIDFile(e.home.BridgePIDFile(), "bridge"); err != nil {
		return err
	}
	defer os.Remove(e.home.BridgePIDFile())

	client := newCloudClient(e)

	// The project id doubles as the sync session key.
	session, err := client.BridgeSession(ctx, pc.ProjectID)
	if err != nil {
		return fmt.Errorf("fetch bridge session: %w", err)
	}

	root := cmd.String("root")
	if root == "" {
		root = session.ProjectRoot
	}
	if root == "" {
		root, err = os.Getwd()
		if err != nil {
			return err
		}
	}
	session.ProjectRoot = paths.ExpandHome(root)
	if fi, err := os.Stat(session.ProjectRoot); err != nil || !fi.IsDir() {
		return fmt.Errorf("project root %s is not a directory", session.ProjectRoot)
	}

	runner, err := bridge.NewRunner(*session, client, e.logger)
	if err != nil {
		return err
	}

	e.logger.Info("bridge starting",
		"project", pc.ProjectName,
		"root", session.ProjectRoot,
	)
	return runner.Run(ctx)
}

func bridgeStop(cmd *cli.Command, stdout, stderr io.Writer) error {
	e, err := loadEnv(cmd, stderr)
	if err != nil {
		return err
	}
	if err := daemon.Stop(e.home.BridgePIDFile()); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(stdout, "Bridge: not running")
			return errNotRunning
		}
		return err
	}
	fmt.Fprintln(stdout, "Bridge stopped.")
	return nil
}

func bridgeStatus(cmd *cli.Command, stdout, stderr io.Writer) error {
	e, err := loadEnv(cmd, stderr)
	if err != nil {
		return err
	}

	pc, err := config.LoadContext(e.home.ContextFile())
	if err != nil {
		return err
	}
	if pc != nil {
		fmt.Fprintf(stdout, "Project: %s (%s)\n", pc.ProjectName, pc.ProjectID)
	} else {
		fmt.Fprintln(stdout, "No active project.")
	}

	pid, running, err := daemon.Status(e.home.BridgePIDFile())
	if err != nil {
		return err
	}
	if !running {
		fmt.Fprintln(stdout, "Bridge:  not running")
		return errNotRunning
	}
	fmt.Fprintf(stdout, "Bridge:  running (pid %d)\n", pid)
	return nil
}
