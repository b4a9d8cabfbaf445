package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/postalsys/bzconnect/internal/hub"
	"github.com/postalsys/bzconnect/internal/tunnel"
)

func sshProxyCmd(configPath *string) *cobra.Command {
	var identityFile string

	cmd := &cobra.Command{
		Use:   "ssh-proxy user@target port",
		Short: "Run an SSH tunnel over stdin/stdout",
		Long: `Run an SSH tunnel over stdin/stdout, for use as an ssh ProxyCommand:

  Host bzero-*
    IdentityFile <data_dir>/bzero-ssh-key
    ProxyCommand bzconnect ssh-proxy %r@%h %p

When the identity file is the managed key, a fresh key is generated for
every tunnel and removed when it closes.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[1])
			if err != nil || port < 1 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[1])
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			// stdout carries the SSH stream, so logs go to the log file.
			a, err := newApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.Close()

			if identityFile == "" {
				identityFile = a.cfg.ManagedIdentityFile()
			}

			h, err := a.dialHub(ctx, sshHubPath, nil, nil)
			if err != nil {
				return err
			}

			tun, err := tunnel.New(a.tunnelConfig(h, os.Stdout))
			if err != nil {
				h.Close()
				return err
			}
			defer tun.CloseTunnel()

			params := tunnel.Params{Host: args[0], Port: port, IdentityFile: identityFile}
			if !tun.SetupTunnel(ctx, params) {
				return <-tun.Errors()
			}
			return tun.Pipe(ctx, os.Stdin)
		},
	}

	cmd.Flags().StringVarP(&identityFile, "identity-file", "i", "", "SSH identity file (default: the managed key)")

	return cmd
}

func tunnelCmd(configPath *string) *cobra.Command {
	var (
		listen         string
		port           int
		identityFile   string
		maxConnections int
	)

	cmd := &cobra.Command{
		Use:   "tunnel user@target",
		Short: "Expose a target's SSH port on a local TCP address",
		Long: `Listen on a local TCP address and carry every accepted connection
to the target's SSH port through its own tunnel.

Without -i the listener generates one fresh key for its lifetime and
removes it on exit; point ssh at it with the printed -i option.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer a.Close()

			// Concurrent connections share one key owned by the listener.
			var listenerKey string
			if identityFile == "" || identityFile == a.cfg.ManagedIdentityFile() {
				identityFile = a.cfg.ManagedIdentityFile()
				listenerKey = identityFile
			}
			params := tunnel.Params{Host: args[0], Port: port, IdentityFile: identityFile}

			open := func(ctx context.Context, out io.Writer) (*tunnel.Tunnel, error) {
				h, err := a.dialHub(ctx, sshHubPath, nil, nil)
				if err != nil {
					return nil, err
				}
				cfg := a.tunnelConfig(h, out)
				cfg.ManagedIdentityFile = ""
				tun, err := tunnel.New(cfg)
				if err != nil {
					h.Close()
					return nil, err
				}
				if !tun.SetupTunnel(ctx, params) {
					tun.CloseTunnel()
					return nil, <-tun.Errors()
				}
				return tun, nil
			}

			l := tunnel.NewListener(tunnel.ListenerConfig{
				Address:             listen,
				MaxConnections:      maxConnections,
				ManagedIdentityFile: listenerKey,
				Logger:              a.logger,
			}, open)
			if err := l.Start(); err != nil {
				return err
			}

			fmt.Printf("Tunnel to %s listening on %s\n", args[0], l.Address())
			if listenerKey != "" {
				fmt.Printf("Identity file: %s (ssh -i)\n", listenerKey)
			}
			<-ctx.Done()
			fmt.Println("\nShutting down...")
			return l.Stop()
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "127.0.0.1:2222", "Local address to listen on")
	cmd.Flags().IntVarP(&port, "port", "p", 22, "SSH port on the target")
	cmd.Flags().StringVarP(&identityFile, "identity-file", "i", "", "SSH identity file (default: the managed key)")
	cmd.Flags().IntVar(&maxConnections, "max-connections", 0, "Maximum concurrent connections (0 = unlimited)")

	return cmd
}

// tunnelConfig builds a tunnel over h whose chains share h.
func (a *app) tunnelConfig(h hub.Hub, out io.Writer) tunnel.Config {
	return tunnel.Config{
		Hub: h,
		NewChain: func(targetID string) (tunnel.Chain, error) {
			e, err := a.newEngine(targetID, h)
			if err != nil {
				return nil, err
			}
			return e, nil
		},
		Targets:             a.api,
		Output:              out,
		ManagedIdentityFile: a.cfg.ManagedIdentityFile(),
		MinAgentVersion:     a.cfg.Tunnel.MinAgentVersion,
		QueueSize:           a.cfg.Tunnel.QueueSize,
		ReceiveWindow:       a.cfg.Tunnel.ReceiveWindow,
		Logger:              a.logger,
		Metrics:             a.metrics,
	}
}
