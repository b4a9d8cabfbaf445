// Package main provides the CLI entry point for bzconnect.
package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/bzconnect/internal/config"
	"github.com/postalsys/bzconnect/internal/identity"
	"github.com/postalsys/bzconnect/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

var errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "bzconnect",
		Short: "bzconnect - zero-trust shell and SSH tunnel client",
		Long: `bzconnect opens authenticated shell sessions and SSH tunnels to
remote targets through the control plane.

Every message to a target is signed and hash-chained to the previous
one, so the target can verify that nothing was replayed, reordered or
injected along the way.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to the configuration file")

	rootCmd.AddCommand(setupCmd(&configPath))
	rootCmd.AddCommand(initCmd(&configPath))
	rootCmd.AddCommand(connectCmd(&configPath))
	rootCmd.AddCommand(sshProxyCmd(&configPath))
	rootCmd.AddCommand(tunnelCmd(&configPath))
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "bzconnect.yaml"
	}
	return filepath.Join(dir, "bzconnect", "config.yaml")
}

func initCmd(configPath *string) *cobra.Command {
	var rotate bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the login signing key",
		Long: `Create the signing key bound into the identity certificate.

Run with --rotate after logging in again: a certificate is bound to
exactly one key.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			dataDir := cfg.Client.DataDir

			if rotate {
				kp, err := identity.RotateSigningKey(dataDir)
				if err != nil {
					return fmt.Errorf("failed to rotate signing key: %w", err)
				}
				fmt.Printf("Signing key rotated in %s\n", dataDir)
				fmt.Printf("Public key: %s\n", base64.StdEncoding.EncodeToString(kp.PublicKey[:]))
				return nil
			}

			kp, created, err := identity.LoadOrCreateSigningKey(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			if created {
				fmt.Printf("Signing key created in %s\n", dataDir)
			} else {
				fmt.Printf("Signing key already exists in %s\n", dataDir)
			}
			fmt.Printf("Public key: %s\n", base64.StdEncoding.EncodeToString(kp.PublicKey[:]))
			return nil
		},
	}

	cmd.Flags().BoolVar(&rotate, "rotate", false, "Replace an existing signing key")

	return cmd
}

func setupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long: `Walk through the service URL, login tokens, SSH key and logging
options, write the configuration file and create the signing key.

Existing values in the configuration file are offered as defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("setup needs an interactive terminal")
			}

			var existing *config.Config
			if _, err := os.Stat(*configPath); err == nil {
				existing, err = config.Load(*configPath)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
			}

			result, err := wizard.New(existing).Run(*configPath)
			if err != nil {
				return err
			}
			fmt.Printf("  Public key:   %s\n", base64.StdEncoding.EncodeToString(result.PublicKey))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bzconnect %s\n", Version)
		},
	}
}
