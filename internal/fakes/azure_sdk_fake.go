package fakes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// FakeAzureKeyVaultClient is an in-memory stand-in for *azsecrets.Client
type FakeAzureKeyVaultClient struct {
	mu sync.Mutex

	// VaultURL prefixes generated secret IDs
	VaultURL string
	// Secrets maps secret names to their data
	Secrets map[string]*AzureSecretData
	// Errors maps secret names to errors to return from GetSecret
	Errors map[string]error
	// ListErr fails the list pager
	ListErr error
	// PageSize controls how many properties each list page carries
	PageSize int

	Requested []string
}

// AzureSecretData holds the data for a fake Key Vault secret
type AzureSecretData struct {
	Value      *string
	Version    string
	Attributes *azsecrets.SecretAttributes
}

// NewFakeAzureKeyVaultClient creates an empty client
func NewFakeAzureKeyVaultClient() *FakeAzureKeyVaultClient {
	return &FakeAzureKeyVaultClient{
		VaultURL: "https://test-vault.vault.azure.net",
		Secrets:  make(map[string]*AzureSecretData),
		Errors:   make(map[string]error),
		PageSize: 2,
	}
}

// AddSecretString adds an enabled string secret
func (f *FakeAzureKeyVaultClient) AddSecretString(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	f.Secrets[name] = &AzureSecretData{
		Value:   to.Ptr(value),
		Version: "0123456789abcdef",
		Attributes: &azsecrets.SecretAttributes{
			Enabled:       to.Ptr(true),
			Created:       &now,
			Updated:       &now,
			RecoveryLevel: to.Ptr("Recoverable+Purgeable"),
		},
	}
}

// AddDisabledSecret adds a secret whose Enabled attribute is false
func (f *FakeAzureKeyVaultClient) AddDisabledSecret(name, value string) {
	f.AddSecretString(name, value)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Secrets[name].Attributes.Enabled = to.Ptr(false)
}

// AddError configures GetSecret to fail for name
func (f *FakeAzureKeyVaultClient) AddError(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[name] = err
}

func (f *FakeAzureKeyVaultClient) id(name, version string) *azsecrets.ID {
	return (*azsecrets.ID)(to.Ptr(fmt.Sprintf("%s/secrets/%s/%s", f.VaultURL, name, version)))
}

// GetSecret mocks the GetSecret operation
func (f *FakeAzureKeyVaultClient) GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Requested = append(f.Requested, name)

	if err, exists := f.Errors[name]; exists {
		return azsecrets.GetSecretResponse{}, err
	}
	data, exists := f.Secrets[name]
	if !exists || (version != "" && version != data.Version) {
		return azsecrets.GetSecretResponse{}, AzureNotFoundError(name)
	}

	return azsecrets.GetSecretResponse{
		Secret: azsecrets.Secret{
			ID:         f.id(name, data.Version),
			Value:      data.Value,
			Attributes: data.Attributes,
		},
	}, nil
}

// NewListSecretPropertiesPager pages through the secrets in name order
func (f *FakeAzureKeyVaultClient) NewListSecretPropertiesPager(options *azsecrets.ListSecretPropertiesOptions) *runtime.Pager[azsecrets.ListSecretPropertiesResponse] {
	f.mu.Lock()
	names := make([]string, 0, len(f.Secrets))
	for name := range f.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	props := make([]*azsecrets.SecretProperties, 0, len(names))
	for _, name := range names {
		data := f.Secrets[name]
		props = append(props, &azsecrets.SecretProperties{
			ID:         f.id(name, data.Version),
			Attributes: data.Attributes,
		})
	}
	listErr, pageSize := f.ListErr, f.PageSize
	f.mu.Unlock()

	if pageSize < 1 {
		pageSize = len(props) + 1
	}

	return runtime.NewPager(runtime.PagingHandler[azsecrets.ListSecretPropertiesResponse]{
		More: func(page azsecrets.ListSecretPropertiesResponse) bool {
			return page.NextLink != nil && *page.NextLink != ""
		},
		Fetcher: func(ctx context.Context, page *azsecrets.ListSecretPropertiesResponse) (azsecrets.ListSecretPropertiesResponse, error) {
			if listErr != nil {
				return azsecrets.ListSecretPropertiesResponse{}, listErr
			}
			start := 0
			if page != nil && page.NextLink != nil {
				start, _ = strconv.Atoi(*page.NextLink)
			}
			end := start + pageSize
			if end > len(props) {
				end = len(props)
			}

			resp := azsecrets.ListSecretPropertiesResponse{
				SecretPropertiesListResult: azsecrets.SecretPropertiesListResult{
					Value: props[start:end],
				},
			}
			if end < len(props) {
				resp.NextLink = to.Ptr(strconv.Itoa(end))
			}
			return resp, nil
		},
	})
}

// FakeTokenCredential is an azcore.TokenCredential returning a fixed token or error
type FakeTokenCredential struct {
	Err    error
	Scopes [][]string
}

// GetToken implements azcore.TokenCredential
func (c *FakeTokenCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	c.Scopes = append(c.Scopes, opts.Scopes)
	if c.Err != nil {
		return azcore.AccessToken{}, c.Err
	}
	return azcore.AccessToken{Token: "fake-token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

// AzureNotFoundError creates a fake Azure not found error
func AzureNotFoundError(secretName string) error {
	return &azcore.ResponseError{
		StatusCode: 404,
		ErrorCode:  "SecretNotFound",
	}
}

// AzureForbiddenError creates a fake Azure forbidden error
func AzureForbiddenError() error {
	return &azcore.ResponseError{
		StatusCode: 403,
		ErrorCode:  "Forbidden",
	}
}

// AzureUnauthorizedError creates a fake Azure unauthorized error
func AzureUnauthorizedError() error {
	return &azcore.ResponseError{
		StatusCode: 401,
		ErrorCode:  "Unauthorized",
	}
}
