package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/postalsys/bzconnect/internal/api"
	"github.com/postalsys/bzconnect/internal/config"
	"github.com/postalsys/bzconnect/internal/crypto"
	"github.com/postalsys/bzconnect/internal/hub"
	"github.com/postalsys/bzconnect/internal/identity"
	"github.com/postalsys/bzconnect/internal/keysplitting"
	"github.com/postalsys/bzconnect/internal/logging"
	"github.com/postalsys/bzconnect/internal/metrics"
)

// Hub paths on the service.
const (
	shellHubPath = "/hub/shell"
	sshHubPath   = "/hub/ssh"
)

var errNotLoggedIn = errors.New("not logged in: set auth.initial_id_token, auth.current_id_token and auth.session_token")

// app holds what every session command needs.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	api     *api.Client
	signer  crypto.Signer
	cert    *keysplitting.BZECert

	logFile io.Closer
}

// newApp loads the configuration and login material. Commands that own
// stdout log to the configured log file instead of stderr.
func newApp(ctx context.Context, configPath string, logToFile bool) (*app, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if !cfg.HasCredentials() {
		return nil, errNotLoggedIn
	}

	a := &app{cfg: cfg}

	if logToFile {
		path := cfg.LogFilePath()
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		a.logFile = f
		a.logger = logging.NewLoggerWithWriter(cfg.Client.LogLevel, cfg.Client.LogFormat, f)
	} else {
		a.logger = logging.NewLogger(cfg.Client.LogLevel, cfg.Client.LogFormat)
	}

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewMetrics()
		go func() {
			if err := a.metrics.Serve(ctx, cfg.Metrics.Address); err != nil {
				a.logger.Warn("metrics server failed", logging.KeyError, err)
			}
		}()
	}

	kp, created, err := identity.LoadOrCreateSigningKey(cfg.Client.DataDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}
	if created {
		a.logger.Info("created signing key", "path", identity.SigningKeyPath(cfg.Client.DataDir))
	}
	a.signer = crypto.NewEd25519Signer(kp)

	a.cert, err = keysplitting.NewBZECert(cfg.Auth.InitialIDToken, cfg.Auth.CurrentIDToken, a.signer)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build identity certificate: %w", err)
	}

	a.api, err = api.NewClient(api.Options{
		BaseURL:      cfg.Client.ServiceURL,
		SessionToken: cfg.Auth.SessionToken,
		Logger:       a.logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.logger.Debug("configuration loaded", "config", cfg.String())
	return a, nil
}

// Close releases the log file.
func (a *app) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// dialHub opens a hub connection on path. extra headers are sent with the
// session token on every (re)dial.
func (a *app) dialHub(ctx context.Context, path string, query url.Values, extra http.Header) (*hub.Conn, error) {
	rawURL := strings.TrimSuffix(a.cfg.Client.ServiceURL, "/") + path
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}

	auth := func(ctx context.Context) (http.Header, error) {
		h := a.api.AuthHeader()
		for k, v := range extra {
			h[k] = v
		}
		return h, nil
	}

	return hub.Dial(ctx, rawURL, auth, hub.Options{
		InsecureSkipVerify: a.cfg.Hub.InsecureSkipVerify,
		ReadLimit:          a.cfg.Hub.ReadLimit,
		DialTimeout:        a.cfg.Hub.DialTimeout,
		PingInterval:       a.cfg.Hub.PingInterval,
		Reconnect: hub.ReconnectConfig{
			InitialDelay: a.cfg.Reconnect.InitialDelay,
			MaxDelay:     a.cfg.Reconnect.MaxDelay,
			Multiplier:   a.cfg.Reconnect.Multiplier,
			MaxAttempts:  a.cfg.Reconnect.MaxRetries,
			Jitter:       a.cfg.Reconnect.Jitter,
		},
		Logger:  a.logger,
		Metrics: a.metrics,
	})
}

// newEngine builds a keysplitting engine for targetID that receives its
// replies from h.
func (a *app) newEngine(targetID string, h hub.Hub) (*keysplitting.Engine, error) {
	e, err := keysplitting.New(keysplitting.Config{
		TargetID:         targetID,
		Cert:             a.cert,
		Signer:           a.signer,
		Hub:              h,
		SchemaVersion:    a.cfg.Keysplitting.SchemaVersion,
		HandshakeTimeout: a.cfg.Keysplitting.HandshakeTimeout,
		AckTimeout:       a.cfg.Keysplitting.AckTimeout,
		Logger:           a.logger,
		Metrics:          a.metrics,
	})
	if err != nil {
		return nil, err
	}
	e.Attach(h)
	return e, nil
}
