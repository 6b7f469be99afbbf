// Package vaultsession reads application secrets from a vault using a
// client certificate that only exists on disk while the session is open.
//
// A Session moves through Unopened, Opening, Ready, Closing and Closed, and
// into Failed when opening or a later call fails for good. Open exports the
// certificate into an ephemeral file and authenticates with it; Close
// deletes the file and tears the connection down. Use With to get a session
// that is closed on every exit path:
//
//	err := vaultsession.With(ctx, cfg, func(ctx context.Context, s *vaultsession.Session) error {
//		conn, err := s.GetSecret(ctx, "ConnectionString", vaultsession.WithScope("AzureDbSettings"))
//		...
//	}, vaultsession.WithCertificateStore(store), vaultsession.WithSecretStore(kv))
package vaultsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	dserrors "github.com/systmms/certvault/internal/errors"
	"github.com/systmms/certvault/internal/logging"
	"github.com/systmms/certvault/internal/metrics"
	"github.com/systmms/certvault/internal/secure"
	"github.com/systmms/certvault/pkg/broker"
	"github.com/systmms/certvault/pkg/certstore"
	"github.com/systmms/certvault/pkg/ephemeral"
	"github.com/systmms/certvault/pkg/naming"
)

// Config is everything a session needs, built once by the embedding
// application. Nothing in this package reads the environment.
type Config struct {
	TenantID   string
	ClientID   string
	Thumbprint string
	// Password protects the exported bundle. Optional.
	Password *secure.SecureBuffer

	// CallerIdentity is the application name that prefixes every secret.
	CallerIdentity string
	// Scope is the default config scope; GetSecret can override it.
	Scope string
	// ExportDir receives the ephemeral certificate file. Defaults to os.TempDir().
	ExportDir string
}

// Option configures the collaborators of a Session.
type Option func(*Session)

// WithCertificateStore sets where certificates are looked up.
func WithCertificateStore(store certstore.Store) Option {
	return func(s *Session) {
		s.certStore = store
	}
}

// WithExporter sets how certificates are exported. Defaults to certstore.FileExporter.
func WithExporter(exporter certstore.Exporter) Option {
	return func(s *Session) {
		s.exporter = exporter
	}
}

// WithSecretStore sets the vault to authenticate against.
func WithSecretStore(store broker.SecretStore) Option {
	return func(s *Session) {
		s.secretStore = store
	}
}

// WithLogger sets the logger. Lines are tagged with the session id.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithMetrics records session activity.
func WithMetrics(m *metrics.SessionMetrics) Option {
	return func(s *Session) {
		s.metrics = m
	}
}

// GetOption adjusts a single GetSecret or ListSecrets call.
type GetOption func(*getOptions)

type getOptions struct {
	scope string
}

// WithScope reads from scope instead of the session's default scope.
func WithScope(scope string) GetOption {
	return func(o *getOptions) {
		o.scope = scope
	}
}

// Session is a certificate-authenticated connection to a vault. All
// methods are safe for concurrent use; operations run one at a time.
type Session struct {
	id         string
	cfg        Config
	thumbprint certstore.Thumbprint

	certStore   certstore.Store
	exporter    certstore.Exporter
	secretStore broker.SecretStore
	logger      *logging.Logger
	metrics     *metrics.SessionMetrics

	mu     sync.Mutex
	state  State
	file   *ephemeral.File
	remote *broker.AuthenticatedSession

	// beforeAuthenticate runs between export and authentication (for testing)
	beforeAuthenticate func()
}

// New validates cfg and returns an unopened session.
func New(cfg Config, opts ...Option) (*Session, error) {
	s := &Session{
		id:    uuid.NewString(),
		cfg:   cfg,
		state: StateUnopened,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.validate(); err != nil {
		return nil, err
	}

	if s.exporter == nil {
		s.exporter = certstore.NewFileExporter()
	}
	if s.logger == nil {
		s.logger = logging.Discard()
	}
	s.logger = s.logger.WithTag("session " + s.id[:8])
	return s, nil
}

func (s *Session) validate() error {
	var missing []string
	if s.cfg.TenantID == "" {
		missing = append(missing, "tenant_id")
	}
	if s.cfg.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if s.cfg.Thumbprint == "" {
		missing = append(missing, "thumbprint")
	}
	if len(missing) > 0 {
		return dserrors.ConfigError{
			Field:   strings.Join(missing, ", "),
			Message: "required session settings are missing",
		}
	}

	tp, err := certstore.ParseThumbprint(s.cfg.Thumbprint)
	if err != nil {
		return dserrors.ConfigError{Field: "thumbprint", Message: err.Error()}
	}
	s.thumbprint = tp

	if err := naming.ValidateIdentity(s.cfg.CallerIdentity); err != nil {
		return err
	}
	if s.cfg.Scope != "" {
		if err := naming.ValidateScope(s.cfg.Scope); err != nil {
			return err
		}
	}

	if s.certStore == nil {
		return dserrors.ConfigError{Field: "certificate store", Message: "no certificate store configured"}
	}
	if s.secretStore == nil {
		return dserrors.ConfigError{Field: "secret store", Message: "no secret store configured"}
	}
	return nil
}

// ID uniquely identifies the session in logs.
func (s *Session) ID() string {
	return s.id
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open exports the certificate and authenticates. It can only be called
// once. On failure everything acquired so far is released before Open
// returns, the session is Failed, and the error is the one that stopped
// the open; a failed cleanup is attached as a *CleanupAttachedError.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateUnopened {
		return &StateError{Op: "open", State: s.state}
	}
	s.state = StateOpening
	start := time.Now()

	// A collaborator panic must not strand the exported certificate.
	defer func() {
		if r := recover(); r != nil {
			s.state = StateFailed
			if err := s.cleanupLocked(); err != nil {
				s.logger.Warn("Session cleanup after panic incomplete: %v", err)
			}
			panic(r)
		}
	}()

	s.logger.Debug("Opening session for %s as client %s", s.cfg.CallerIdentity, s.cfg.ClientID)

	resolver := certstore.NewResolver(s.certStore, s.exporter, s.logger)
	file, err := resolver.Resolve(ctx, s.thumbprint, s.cfg.ExportDir, s.cfg.Password)
	if err != nil {
		return s.failOpen(err, start)
	}
	s.file = file

	if s.beforeAuthenticate != nil {
		s.beforeAuthenticate()
	}
	if err := ctx.Err(); err != nil {
		return s.failOpen(fmt.Errorf("session open cancelled: %w", err), start)
	}

	b := broker.New(s.secretStore, s.logger)
	remote, err := b.Authenticate(ctx, file, s.cfg.Password, s.cfg.TenantID, s.cfg.ClientID)
	if err != nil {
		return s.failOpen(err, start)
	}
	s.remote = remote

	s.state = StateReady
	s.metrics.RecordOpen(metrics.ResultSuccess, time.Since(start).Seconds())
	s.logger.Debug("Session ready")
	return nil
}

func (s *Session) failOpen(err error, start time.Time) error {
	s.state = StateFailed
	s.metrics.RecordOpen(metrics.ResultFailure, time.Since(start).Seconds())
	s.logger.Debug("Session open failed: %v", err)
	return attachCleanup(err, s.cleanupLocked())
}

// GetSecret returns the value of secretName in the session's scope, or in
// the scope given by WithScope.
func (s *Session) GetSecret(ctx context.Context, secretName string, opts ...GetOption) (string, error) {
	o := s.getOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return "", &StateError{Op: "get secret", State: s.state}
	}

	fullName, err := naming.BuildFullName(s.cfg.CallerIdentity, o.scope, secretName)
	if err != nil {
		s.metrics.RecordSecretRequest(metrics.ResultFailure)
		return "", err
	}

	s.logger.Debug("Fetching %s", logging.Secret(fullName))
	secret, err := s.remote.Get(ctx, fullName)
	if err != nil {
		if errors.Is(err, broker.ErrRemoteNotFound) {
			s.metrics.RecordSecretRequest(metrics.ResultNotFound)
			return "", &NotFoundError{Name: secretName, FullName: fullName}
		}
		s.metrics.RecordSecretRequest(metrics.ResultFailure)
		if errors.Is(err, broker.ErrCredentialReleased) {
			s.state = StateFailed
		}
		return "", fmt.Errorf("failed to get secret %s: %w", fullName, err)
	}

	// Vault names are case-insensitive, so only a different name counts.
	if secret.Name != "" && !strings.EqualFold(secret.Name, fullName) {
		s.logger.Warn("Vault answered a request for %s with %s", fullName, secret.Name)
		s.metrics.RecordSecretRequest(metrics.ResultNotFound)
		return "", &NotFoundError{Name: secretName, FullName: fullName}
	}

	s.metrics.RecordSecretRequest(metrics.ResultSuccess)
	return secret.Value, nil
}

// ListSecrets returns the sorted names of the secrets in the session's
// scope, or in the scope given by WithScope. Names outside the scope are
// dropped even if the vault returns them.
func (s *Session) ListSecrets(ctx context.Context, opts ...GetOption) ([]string, error) {
	o := s.getOptions(opts)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateReady {
		return nil, &StateError{Op: "list secrets", State: s.state}
	}

	prefix, err := naming.Prefix(s.cfg.CallerIdentity, o.scope)
	if err != nil {
		return nil, err
	}

	names, err := s.remote.List(ctx, prefix)
	if err != nil {
		if errors.Is(err, broker.ErrCredentialReleased) {
			s.state = StateFailed
		}
		return nil, fmt.Errorf("failed to list secrets under %s: %w", prefix, err)
	}
	return naming.Filter(names, s.cfg.CallerIdentity, o.scope), nil
}

func (s *Session) getOptions(opts []GetOption) getOptions {
	o := getOptions{scope: s.cfg.Scope}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Close deletes the exported certificate and closes the connection. It may
// be called in any state and more than once. A non-nil error means
// something could not be cleaned up; it matches ephemeral.ErrCleanupFailed
// when the certificate file may still be on disk. Calling Close again
// retries whatever is left.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed && s.file == nil && s.remote == nil {
		return nil
	}
	if s.state != StateUnopened {
		s.state = StateClosing
	}

	err := s.cleanupLocked()
	s.state = StateClosed
	if err != nil {
		s.logger.Warn("Session cleanup incomplete: %v", err)
		return err
	}
	s.logger.Debug("Session closed")
	return nil
}

// cleanupLocked releases the file, then the connection. Errors are
// collected; nothing stops the second step.
func (s *Session) cleanupLocked() error {
	var errs []error
	held := s.file != nil || s.remote != nil
	fileFailed := false

	if s.file != nil {
		if err := s.file.Release(); err != nil {
			errs = append(errs, err)
			fileFailed = true
		} else {
			s.file = nil
		}
	}

	if s.remote != nil {
		if err := s.remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection teardown failed: %w", err))
		}
		s.remote = nil
	}

	if held {
		s.metrics.RecordClose(fileFailed)
	}
	return errors.Join(errs...)
}
