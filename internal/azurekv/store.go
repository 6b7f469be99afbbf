// Package azurekv connects to Azure Key Vault with a client certificate.
package azurekv

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	dserrors "github.com/systmms/certvault/internal/errors"
	"github.com/systmms/certvault/internal/logging"
	"github.com/systmms/certvault/pkg/broker"
)

// KeyVaultScope is the token scope for the Key Vault data plane
const KeyVaultScope = "https://vault.azure.net/.default"

// ClientAPI is the subset of *azsecrets.Client used here.
// This allows for mocking in tests
type ClientAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	NewListSecretPropertiesPager(options *azsecrets.ListSecretPropertiesOptions) *runtime.Pager[azsecrets.ListSecretPropertiesResponse]
}

// CredentialFactory builds a token credential from an exported certificate
type CredentialFactory func(cred *broker.Credential) (azcore.TokenCredential, error)

// ClientFactory builds a Key Vault client for a vault URL
type ClientFactory func(vaultURL string, cred azcore.TokenCredential) (ClientAPI, error)

// Store implements broker.SecretStore for Azure Key Vault with client
// certificate authentication.
type Store struct {
	vaultURL      string
	logger        *logging.Logger
	newCredential CredentialFactory
	newClient     ClientFactory
	validateToken bool
}

// Option is a functional option for configuring the store
type Option func(*Store)

// WithCredentialFactory replaces certificate parsing (for testing)
func WithCredentialFactory(f CredentialFactory) Option {
	return func(s *Store) {
		s.newCredential = f
	}
}

// WithClientFactory sets a custom Key Vault client constructor (for testing)
func WithClientFactory(f ClientFactory) Option {
	return func(s *Store) {
		s.newClient = f
	}
}

// WithTokenValidation controls whether Authenticate requests a token
// up front. It is on by default so that bad tenants, client ids and
// revoked certificates fail the session open rather than the first read.
func WithTokenValidation(enabled bool) Option {
	return func(s *Store) {
		s.validateToken = enabled
	}
}

// VaultURL returns the public cloud URL for a vault name
func VaultURL(vaultName string) string {
	return fmt.Sprintf("https://%s.vault.azure.net", vaultName)
}

// New creates a store for vaultURL
func New(vaultURL string, logger *logging.Logger, opts ...Option) (*Store, error) {
	if vaultURL == "" {
		return nil, dserrors.ConfigError{
			Field:      "vault_url",
			Message:    "vault URL is required for Azure Key Vault",
			Suggestion: "Set KEYVAULT_NAME or KEYVAULT_VAULT_URL (e.g., https://my-vault.vault.azure.net/)",
		}
	}
	u, err := url.Parse(vaultURL)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return nil, dserrors.ConfigError{
			Field:      "vault_url",
			Value:      vaultURL,
			Message:    "invalid vault URL format",
			Suggestion: "Use format: https://vault-name.vault.azure.net/",
		}
	}
	if logger == nil {
		logger = logging.Discard()
	}

	s := &Store{
		vaultURL:      vaultURL,
		logger:        logger,
		newCredential: certificateCredential,
		newClient:     keyVaultClient,
		validateToken: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// certificateCredential parses the exported bundle (PEM or PKCS#12) and
// builds a client certificate credential from it.
func certificateCredential(cred *broker.Credential) (azcore.TokenCredential, error) {
	data, err := cred.ReadCertificate()
	if err != nil {
		return nil, fmt.Errorf("failed to read exported certificate: %w", err)
	}
	defer wipe(data)

	var tokenCred azcore.TokenCredential
	err = cred.Password().WithBytes(func(pw []byte) error {
		certs, key, parseErr := azidentity.ParseCertificates(data, pw)
		if parseErr != nil {
			return fmt.Errorf("failed to parse exported certificate: %w", parseErr)
		}
		c, credErr := azidentity.NewClientCertificateCredential(cred.TenantID(), cred.ClientID(), certs, key, nil)
		if credErr != nil {
			return fmt.Errorf("failed to create certificate credential: %w", credErr)
		}
		tokenCred = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tokenCred, nil
}

func keyVaultClient(vaultURL string, cred azcore.TokenCredential) (ClientAPI, error) {
	client, err := azsecrets.NewClient(vaultURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Key Vault client: %w", err)
	}
	return client, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Authenticate implements broker.SecretStore
func (s *Store) Authenticate(ctx context.Context, cred *broker.Credential) (broker.RemoteSession, error) {
	tokenCred, err := s.newCredential(cred)
	if err != nil {
		return nil, err
	}

	if s.validateToken {
		_, err := tokenCred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{KeyVaultScope}})
		if err != nil {
			return nil, fmt.Errorf("token request failed: %w", err)
		}
	}

	client, err := s.newClient(s.vaultURL, tokenCred)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Connected to %s", s.vaultURL)
	return &Session{
		client:   client,
		cred:     cred,
		vaultURL: s.vaultURL,
		logger:   s.logger,
	}, nil
}

// Session is an authenticated Key Vault connection
type Session struct {
	client   ClientAPI
	cred     *broker.Credential
	vaultURL string
	logger   *logging.Logger

	mu     sync.Mutex
	closed bool
}

// ErrSessionClosed is returned by calls on a closed session
var ErrSessionClosed = errors.New("key vault session is closed")

func (s *Session) usable() (ClientAPI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}
	if !s.cred.Valid() {
		return nil, broker.ErrCredentialReleased
	}
	return s.client, nil
}

// Get fetches the latest version of a secret
func (s *Session) Get(ctx context.Context, fullName string) (broker.RemoteSecret, error) {
	client, err := s.usable()
	if err != nil {
		return broker.RemoteSecret{}, err
	}

	s.logger.Debug("Accessing Azure Key Vault secret: %s", logging.Secret(fullName))
	resp, err := client.GetSecret(ctx, fullName, "", nil)
	if err != nil {
		if isNotFoundError(err) {
			return broker.RemoteSecret{}, fmt.Errorf("%w: %s", broker.ErrRemoteNotFound, fullName)
		}
		return broker.RemoteSecret{}, dserrors.UserError{
			Message:    fmt.Sprintf("Failed to access secret: %s", fullName),
			Details:    err.Error(),
			Suggestion: getAzureErrorSuggestion(err),
			Err:        err,
		}
	}

	if resp.Value == nil {
		return broker.RemoteSecret{}, fmt.Errorf("secret %s has no value", fullName)
	}

	secret := broker.RemoteSecret{
		Name:  fullName,
		Value: *resp.Value,
	}
	if resp.ID != nil {
		secret.Name = resp.ID.Name()
		secret.Version = resp.ID.Version()
	}
	if resp.Attributes != nil && resp.Attributes.Updated != nil {
		secret.UpdatedAt = *resp.Attributes.Updated
	}
	return secret, nil
}

// List returns the names of enabled secrets starting with prefix
func (s *Session) List(ctx context.Context, prefix string) ([]string, error) {
	client, err := s.usable()
	if err != nil {
		return nil, err
	}

	var names []string
	pager := client.NewListSecretPropertiesPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, dserrors.UserError{
				Message:    "Failed to list Key Vault secrets",
				Details:    err.Error(),
				Suggestion: getAzureErrorSuggestion(err),
				Err:        err,
			}
		}
		for _, props := range page.Value {
			if props == nil || props.ID == nil {
				continue
			}
			if props.Attributes != nil && props.Attributes.Enabled != nil && !*props.Attributes.Enabled {
				continue
			}
			if name := props.ID.Name(); strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// Close drops the client. The SDK holds no connection that needs closing.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.client = nil
	return nil
}

// isNotFoundError checks if the error indicates a secret was not found
func isNotFoundError(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == 404 || respErr.ErrorCode == "SecretNotFound"
	}
	return false
}

// getAzureErrorSuggestion provides helpful suggestions based on Azure errors
func getAzureErrorSuggestion(err error) string {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case 401:
			return "Check that the certificate is registered on the app registration and not expired"
		case 403:
			return "Check Key Vault access policies: 'Get' and 'List' permissions are required for secrets"
		case 429:
			return "Request was throttled. Wait a moment and try again"
		}
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "no such host"):
		return "Check the vault name; the vault URL could not be resolved"
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline"):
		return "Network timeout - check connectivity to Azure endpoints"
	default:
		return "Check Azure credentials, Key Vault URL, and access policies"
	}
}

var (
	_ broker.SecretStore   = (*Store)(nil)
	_ broker.RemoteSession = (*Session)(nil)
	_ ClientAPI            = (*azsecrets.Client)(nil)
)
