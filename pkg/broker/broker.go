// Package broker turns an exported certificate file into an authenticated
// connection to a remote secret store.
//
// The remote store is a collaborator behind SecretStore. The broker builds
// a Credential that points at the ephemeral file, hands it over, and
// normalises every failure into an AuthError whose text can be shown and
// logged safely.
package broker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/systmms/certvault/internal/logging"
	"github.com/systmms/certvault/internal/secure"
	"github.com/systmms/certvault/pkg/ephemeral"
)

// SecretStore authenticates with a certificate credential.
type SecretStore interface {
	Authenticate(ctx context.Context, cred *Credential) (RemoteSession, error)
}

// RemoteSession is an authenticated connection to the store. Get returns
// an error matching ErrRemoteNotFound for unknown names. List returns the
// full names that start with prefix; callers must not assume the store
// filtered correctly.
type RemoteSession interface {
	Get(ctx context.Context, fullName string) (RemoteSecret, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// RemoteSecret is a value as returned by the store.
type RemoteSecret struct {
	Name      string
	Value     string
	Version   string
	UpdatedAt time.Time
}

var (
	// ErrRemoteNotFound is returned by RemoteSession.Get for unknown names.
	ErrRemoteNotFound = errors.New("remote secret not found")

	// ErrAuthenticationFailed is matched by every AuthError.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrCredentialReleased means the credential's file has already been deleted.
	ErrCredentialReleased = errors.New("credential file has been released")
)

// AuthError reports a failed authentication. Message has been scrubbed of
// the password; the collaborator's original error is deliberately not kept.
type AuthError struct {
	TenantID string
	ClientID string
	Message  string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed for client %s in tenant %s: %s", e.ClientID, e.TenantID, e.Message)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}

// Credential references an exported certificate file. It is only valid
// while that file exists and must never be logged or persisted; String
// and GoString print nothing sensitive.
type Credential struct {
	file     *ephemeral.File
	password *secure.SecureBuffer
	tenantID string
	clientID string
}

// TenantID returns the identity provider tenant.
func (c *Credential) TenantID() string { return c.tenantID }

// ClientID returns the registered application id.
func (c *Credential) ClientID() string { return c.clientID }

// CertificatePath returns the path of the exported certificate.
func (c *Credential) CertificatePath() string { return c.file.Path() }

// Password returns the sealed export password, possibly nil.
func (c *Credential) Password() *secure.SecureBuffer { return c.password }

// Valid reports whether the backing file is still live.
func (c *Credential) Valid() bool {
	return c.file != nil && !c.file.Released()
}

// ReadCertificate returns the exported bundle bytes.
func (c *Credential) ReadCertificate() ([]byte, error) {
	if !c.Valid() {
		return nil, ErrCredentialReleased
	}
	return os.ReadFile(c.file.Path())
}

func (c *Credential) String() string {
	return fmt.Sprintf("Credential{tenant=%s client=%s certificate=[REDACTED]}", c.tenantID, c.clientID)
}

func (c *Credential) GoString() string {
	return c.String()
}

// Broker authenticates ephemeral files against a SecretStore.
type Broker struct {
	store  SecretStore
	logger *logging.Logger
}

// New creates a broker. A nil logger discards output.
func New(store SecretStore, logger *logging.Logger) *Broker {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Broker{store: store, logger: logger}
}

// Authenticate builds a credential over file and opens a remote session.
// The caller owns the returned session and must Close it.
func (b *Broker) Authenticate(ctx context.Context, file *ephemeral.File, password *secure.SecureBuffer, tenantID, clientID string) (*AuthenticatedSession, error) {
	if file == nil || file.Released() {
		return nil, &AuthError{TenantID: tenantID, ClientID: clientID, Message: ErrCredentialReleased.Error()}
	}

	cred := &Credential{
		file:     file,
		password: password,
		tenantID: tenantID,
		clientID: clientID,
	}

	b.logger.Debug("Authenticating client %s in tenant %s", clientID, tenantID)
	remote, err := b.store.Authenticate(ctx, cred)
	if err != nil {
		return nil, &AuthError{
			TenantID: tenantID,
			ClientID: clientID,
			Message:  scrub(err.Error(), password),
		}
	}
	if remote == nil {
		return nil, &AuthError{TenantID: tenantID, ClientID: clientID, Message: "secret store returned no session"}
	}

	return &AuthenticatedSession{remote: remote, cred: cred}, nil
}

// AuthenticatedSession is a live remote session tied to its credential.
type AuthenticatedSession struct {
	remote RemoteSession
	cred   *Credential

	mu     sync.Mutex
	closed bool
}

// Credential returns the credential the session was opened with.
func (s *AuthenticatedSession) Credential() *Credential {
	return s.cred
}

// Get fetches a secret by full name.
func (s *AuthenticatedSession) Get(ctx context.Context, fullName string) (RemoteSecret, error) {
	return s.remote.Get(ctx, fullName)
}

// List lists full names beginning with prefix.
func (s *AuthenticatedSession) List(ctx context.Context, prefix string) ([]string, error) {
	return s.remote.List(ctx, prefix)
}

// Close tears the remote session down. Idempotent.
func (s *AuthenticatedSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.remote.Close()
}

// scrub removes the password from collaborator error text, however short it is.
func scrub(msg string, password *secure.SecureBuffer) string {
	return logging.RedactAll(msg, password.Reveal())
}
