package commands

import (
	"context"
	"errors"
	"io"

	"github.com/spf13/cobra"
	"github.com/systmms/certvault/internal/azurekv"
	"github.com/systmms/certvault/internal/config"
	dserrors "github.com/systmms/certvault/internal/errors"
	"github.com/systmms/certvault/internal/logging"
	"github.com/systmms/certvault/internal/metrics"
	"github.com/systmms/certvault/pkg/broker"
	"github.com/systmms/certvault/pkg/certstore"
	"github.com/systmms/certvault/pkg/naming"
	"github.com/systmms/certvault/pkg/vaultsession"
)

// Backends are the collaborators a session is opened with.
type Backends struct {
	Certificates certstore.Store
	Exporter     certstore.Exporter
	Vault        broker.SecretStore
}

// BackendFactory builds Backends from settings. Tests substitute fakes.
type BackendFactory func(settings *config.Settings, logger *logging.Logger) (*Backends, error)

// App carries state shared by all commands.
type App struct {
	Config          *config.Config
	Logger          *logging.Logger
	AppID           string
	MetricsTextfile string
	Backends        BackendFactory
}

// NewApp returns an App using the directory certificate store and Azure Key Vault.
func NewApp() *App {
	return &App{
		Config:   &config.Config{},
		Backends: DefaultBackends,
	}
}

// DefaultBackends reads certificates from settings.CertStore and secrets
// from Azure Key Vault.
func DefaultBackends(settings *config.Settings, logger *logging.Logger) (*Backends, error) {
	if settings.CertStore == "" {
		return nil, dserrors.ConfigError{
			Field:      config.EnvCertStore,
			Message:    "certificate store directory is not set",
			Suggestion: "Set KEYVAULT_CERT_STORE to a directory holding .pfx or .pem client certificates",
		}
	}

	vault, err := azurekv.New(settings.EffectiveVaultURL(), logger)
	if err != nil {
		return nil, err
	}

	return &Backends{
		Certificates: certstore.NewDirStore(settings.CertStore, settings.Password, logger),
		Exporter:     certstore.NewFileExporter(),
		Vault:        vault,
	}, nil
}

// loadSettings reads configuration and settles the caller identity:
// --app, then KEYVAULT_CALLER_ID, then the executable name.
func (a *App) loadSettings() (*config.Settings, string, error) {
	settings, err := a.Config.Load()
	if err != nil {
		return nil, "", err
	}

	callerID := a.AppID
	if callerID == "" {
		callerID = settings.CallerID
	}
	if callerID == "" {
		callerID, err = naming.IdentityFromExecutable()
		if err != nil {
			return nil, "", dserrors.ConfigError{
				Field:      "app",
				Message:    "could not derive the caller identity from the executable name",
				Suggestion: "Pass --app <name> or set KEYVAULT_CALLER_ID",
			}
		}
	}
	return settings, callerID, nil
}

// invocation is what a command needs besides the session itself.
type invocation struct {
	Settings *config.Settings
	CallerID string
}

// withSession runs fn inside a session built from the current settings.
// The whole invocation is bounded by KEYVAULT_TIMEOUT_MS.
func (a *App) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *vaultsession.Session, inv invocation) error) error {
	defer a.flushMetrics()

	settings, callerID, err := a.loadSettings()
	if err != nil {
		return err
	}

	backends, err := a.Backends(settings, a.Logger)
	if err != nil {
		return err
	}

	opts := []vaultsession.Option{
		vaultsession.WithCertificateStore(backends.Certificates),
		vaultsession.WithSecretStore(backends.Vault),
		vaultsession.WithLogger(a.Logger),
	}
	if backends.Exporter != nil {
		opts = append(opts, vaultsession.WithExporter(backends.Exporter))
	}
	if a.MetricsTextfile != "" {
		opts = append(opts, vaultsession.WithMetrics(metrics.NewSessionMetrics()))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), settings.Timeout())
	defer cancel()

	err = vaultsession.With(ctx, settings.SessionConfig(callerID), func(ctx context.Context, s *vaultsession.Session) error {
		return fn(ctx, s, invocation{Settings: settings, CallerID: callerID})
	}, opts...)

	if vaultsession.IsCleanupOnly(err) {
		a.Logger.Warn("%v", dserrors.StageError("cleanup", err))
		return nil
	}
	return stageError(err)
}

// stageError attaches a suggestion for the stage that failed.
func stageError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, certstore.ErrCertificateNotFound), errors.Is(err, certstore.ErrExportFailed):
		return dserrors.StageError("resolve", err)
	case errors.Is(err, broker.ErrAuthenticationFailed):
		return dserrors.StageError("authenticate", err)
	case errors.Is(err, vaultsession.ErrSecretNotFound):
		return dserrors.StageError("get", err)
	}
	return err
}

func (a *App) flushMetrics() {
	if a.MetricsTextfile == "" {
		return
	}
	if err := metrics.WriteTextfile(a.MetricsTextfile); err != nil {
		a.Logger.Warn("Failed to write metrics to %s: %v", a.MetricsTextfile, err)
	}
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
