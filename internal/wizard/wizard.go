// Package wizard provides the interactive setup for bzconnect.
package wizard

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/bzconnect/internal/config"
	"github.com/postalsys/bzconnect/internal/identity"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	PublicKey  []byte
}

// Answers holds everything the forms ask for.
type Answers struct {
	ConfigPath string
	DataDir    string
	ServiceURL string

	InitialIDToken string
	CurrentIDToken string
	SessionToken   string

	IdentityFile string

	LogLevel       string
	LogFormat      string
	MetricsEnabled bool
	MetricsAddress string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme       *huh.Theme
	existingCfg *config.Config
}

// New creates a setup wizard. existing pre-fills the answers and may be nil.
func New(existing *config.Config) *Wizard {
	return &Wizard{
		theme:       huh.ThemeDracula(),
		existingCfg: existing,
	}
}

// Run executes the interactive setup wizard and writes the config file.
func (w *Wizard) Run(configPath string) (*Result, error) {
	w.printBanner()

	a := w.defaults(configPath)

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askCredentials(&a); err != nil {
		return nil, err
	}
	if err := w.askSSH(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg := BuildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kp, _, err := identity.LoadOrCreateSigningKey(cfg.Client.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signing key: %w", err)
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		PublicKey:  kp.PublicKey[:],
	}, nil
}

// defaults returns the starting answers, from the existing config if any.
func (w *Wizard) defaults(configPath string) Answers {
	cfg := w.existingCfg
	if cfg == nil {
		cfg = config.Default()
	}

	identityFile := cfg.Tunnel.ManagedIdentityFile
	if identityFile == "" {
		identityFile = cfg.ManagedIdentityFile()
	}

	return Answers{
		ConfigPath:     configPath,
		DataDir:        cfg.Client.DataDir,
		ServiceURL:     cfg.Client.ServiceURL,
		InitialIDToken: cfg.Auth.InitialIDToken,
		CurrentIDToken: cfg.Auth.CurrentIDToken,
		SessionToken:   cfg.Auth.SessionToken,
		IdentityFile:   identityFile,
		LogLevel:       cfg.Client.LogLevel,
		LogFormat:      cfg.Client.LogFormat,
		MetricsEnabled: cfg.Metrics.Enabled,
		MetricsAddress: cfg.Metrics.Address,
	}
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _                                      _
 | |__ ___ ___  ___  _ __  _ __   ___  ___| |_
 | '_ \_  // __/ _ \| '_ \| '_ \ / _ \/ __| __|
 | |_) / /| (_| (_) | | | | | | |  __/ (__| |_
 |_.__/___|\___\___/|_| |_|_| |_|\___|\___|\__|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Zero-trust shell and SSH tunnel client - Setup\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where the client keeps its keys and which service it talks to."),

			huh.NewInput().
				Title("Service URL").
				Description("Base URL of the control plane").
				Placeholder("https://cloud.bastionzero.com").
				Value(&a.ServiceURL).
				Validate(ValidateServiceURL),

			huh.NewInput().
				Title("Data Directory").
				Description("Where to store the signing key, SSH key and logs").
				Value(&a.DataDir).
				Validate(required("data directory")),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Value(&a.ConfigPath).
				Validate(ValidateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askCredentials(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Credentials").
				Description("Paste the tokens issued by your login.\n${VAR} references are expanded when the config is loaded."),

			huh.NewInput().
				Title("Initial ID Token").
				EchoMode(huh.EchoModePassword).
				Value(&a.InitialIDToken).
				Validate(required("initial id token")),

			huh.NewInput().
				Title("Current ID Token").
				EchoMode(huh.EchoModePassword).
				Value(&a.CurrentIDToken).
				Validate(required("current id token")),

			huh.NewInput().
				Title("Session Token").
				EchoMode(huh.EchoModePassword).
				Value(&a.SessionToken).
				Validate(required("session token")),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askSSH(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("SSH Tunnels").
				Description("Tunnels that use this key get a fresh keypair every time.\nThe key is removed when the tunnel closes."),

			huh.NewInput().
				Title("Managed Identity File").
				Value(&a.IdentityFile).
				Validate(required("identity file")),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure logging and metrics."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewSelect[string]().
				Title("Log Format").
				Options(
					huh.NewOption("Text", "text"),
					huh.NewOption("JSON", "json"),
				).
				Value(&a.LogFormat),

			huh.NewConfirm().
				Title("Enable Prometheus metrics?").
				Description("Serve /metrics while a session is running").
				Value(&a.MetricsEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}
	if !a.MetricsEnabled {
		return nil
	}

	addrForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Metrics Address").
				Placeholder("127.0.0.1:9464").
				Value(&a.MetricsAddress).
				Validate(ValidateListenAddress),
		),
	).WithTheme(w.theme)

	return addrForm.Run()
}

// BuildConfig turns answers into a configuration on top of the defaults.
func BuildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Client.ServiceURL = strings.TrimRight(strings.TrimSpace(a.ServiceURL), "/")
	cfg.Client.DataDir = a.DataDir
	if a.LogLevel != "" {
		cfg.Client.LogLevel = a.LogLevel
	}
	if a.LogFormat != "" {
		cfg.Client.LogFormat = a.LogFormat
	}

	cfg.Auth.InitialIDToken = strings.TrimSpace(a.InitialIDToken)
	cfg.Auth.CurrentIDToken = strings.TrimSpace(a.CurrentIDToken)
	cfg.Auth.SessionToken = strings.TrimSpace(a.SessionToken)

	// The default path follows the data directory; only store overrides.
	if a.IdentityFile != "" && a.IdentityFile != filepath.Join(a.DataDir, "bzero-ssh-key") {
		cfg.Tunnel.ManagedIdentityFile = a.IdentityFile
	}

	cfg.Metrics.Enabled = a.MetricsEnabled
	if a.MetricsEnabled && a.MetricsAddress != "" {
		cfg.Metrics.Address = a.MetricsAddress
	}

	return cfg
}

// WriteConfig writes cfg to path. The file holds tokens, so it is private
// to the user.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# bzconnect configuration
# Generated by bzconnect setup

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// SSHConfigSnippet returns an ssh_config block routing bzero-* hosts
// through ssh-proxy with the managed key.
func SSHConfigSnippet(cfg *config.Config, configPath string) string {
	var b strings.Builder
	b.WriteString("Host bzero-*\n")
	fmt.Fprintf(&b, "    IdentityFile %s\n", cfg.ManagedIdentityFile())
	b.WriteString("    IdentitiesOnly yes\n")
	fmt.Fprintf(&b, "    ProxyCommand bzconnect ssh-proxy -c %s %%r@%%h %%p\n", configPath)
	return b.String()
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Data dir:     %s\n", cfg.Client.DataDir)
	fmt.Printf("  Service:      %s\n", cfg.Client.ServiceURL)
	if cfg.Metrics.Enabled {
		fmt.Printf("  Metrics:      http://%s/metrics\n", cfg.Metrics.Address)
	}
	fmt.Println()

	fmt.Println("  Add this to ~/.ssh/config to tunnel with plain ssh:")
	fmt.Println()
	for _, line := range strings.Split(strings.TrimSuffix(SSHConfigSnippet(cfg, configPath), "\n"), "\n") {
		fmt.Printf("    %s\n", line)
	}
	fmt.Println()
	fmt.Println("  To open a shell:")
	fmt.Printf("    bzconnect connect -c %s user@target\n", configPath)
	fmt.Println()
}

func required(what string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", what)
		}
		return nil
	}
}

// ValidateServiceURL accepts absolute http(s) URLs.
func ValidateServiceURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid URL")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL must start with https:// or http://")
	}
	return nil
}

// ValidateConfigPath requires a YAML file name.
func ValidateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

// ValidateListenAddress requires host:port.
func ValidateListenAddress(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format")
	}
	return nil
}
