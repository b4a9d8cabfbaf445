package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/bzconnect/internal/api"
	"github.com/postalsys/bzconnect/internal/logging"
	"github.com/postalsys/bzconnect/internal/shell"
	"github.com/postalsys/bzconnect/internal/tunnel"
)

// shellAuthHeader carries the per-connection token to the connection node.
const shellAuthHeader = "X-Shell-Auth-Token"

func connectCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connect user@target",
		Short: "Open an interactive shell on a target",
		Long: `Open an interactive shell on a target, by target name or id.

The session survives brief network interruptions. If another client
attaches to the same session this one exits cleanly.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.connect(ctx, args[0])
		},
	}

	return cmd
}

func (a *app) connect(ctx context.Context, hostRef string) error {
	host, err := tunnel.ParseHost(hostRef)
	if err != nil {
		return err
	}

	target, err := tunnel.ResolveTarget(ctx, a.api, host.Target)
	if err != nil {
		return err
	}
	if target.Status == api.TargetOffline {
		return fmt.Errorf("%w: %s", tunnel.ErrTargetOffline, target.Name)
	}
	// An unknown version is refreshed by the controller once the hub is up.
	if target.AgentVersion != "" {
		if err := api.CheckAgentVersion(target.AgentVersion, a.cfg.Shell.MinAgentVersion); err != nil {
			return err
		}
	}

	conn, err := a.api.CreateConnection(ctx, target.ID, host.User)
	if err != nil {
		return fmt.Errorf("%w: %v", shell.ErrConnect, err)
	}
	logger := a.logger.With(
		logging.KeyConnectionID, conn.ID,
		logging.KeyTargetID, target.ID,
		logging.KeyTargetUser, host.User)

	details, err := a.api.GetShellAuthDetails(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", shell.ErrConnect, err)
	}

	h, err := a.dialHub(ctx, shellHubPath,
		url.Values{
			"connectionId":     {conn.ID},
			"connectionNodeId": {details.ConnectionNodeID},
		},
		http.Header{shellAuthHeader: {details.AuthToken}})
	if err != nil {
		return fmt.Errorf("%w: %v", shell.ErrConnect, err)
	}

	engine, err := a.newEngine(target.ID, h)
	if err != nil {
		h.Close()
		return err
	}

	term := shell.NewTerminal(os.Stdin, os.Stdout, os.Stderr, logger)
	ctrl, err := shell.NewController(shell.Config{
		ConnectionID:    conn.ID,
		TargetID:        target.ID,
		TargetUser:      host.User,
		AgentVersion:    target.AgentVersion,
		MinAgentVersion: a.cfg.Shell.MinAgentVersion,
		Targets:         a.api,
		Hub:             h,
		Chain:           engine,
		Output:          term.Output(),
		Notify:          term.Notify,
		InputWindow:     a.cfg.Shell.InputWindow,
		Logger:          logger,
		Metrics:         a.metrics,
	})
	if err != nil {
		engine.Close()
		h.Close()
		return err
	}

	return term.Run(ctx, ctrl, target.Name)
}
