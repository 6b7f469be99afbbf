package broker_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/certvault/internal/fakes"
	"github.com/systmms/certvault/internal/secure"
	"github.com/systmms/certvault/pkg/broker"
	"github.com/systmms/certvault/pkg/ephemeral"
)

func exportedFile(t *testing.T, content string) *ephemeral.File {
	t.Helper()
	f, err := ephemeral.Create(t.TempDir(), "certvault-broker.pfx")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(f.Path(), []byte(content), 0o600))
	t.Cleanup(func() { _ = f.Release() })
	return f
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	file := exportedFile(t, "bundle")
	remote := fakes.NewFakeSecretStore()
	remote.Secrets["myapp-Db--Password"] = "s3cret"

	b := broker.New(remote, nil)
	session, err := b.Authenticate(context.Background(), file, secure.FromString("pw"), "tenant-1", "client-1")
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	cred := session.Credential()
	assert.Equal(t, "tenant-1", cred.TenantID())
	assert.Equal(t, "client-1", cred.ClientID())
	assert.Equal(t, file.Path(), cred.CertificatePath())
	assert.True(t, cred.Valid())

	assert.Equal(t, []string{file.Path()}, remote.CertificatePaths)
	assert.Equal(t, [][]byte{[]byte("bundle")}, remote.CertificateData)

	secret, err := session.Get(context.Background(), "myapp-Db--Password")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", secret.Value)

	names, err := session.List(context.Background(), "myapp-")
	require.NoError(t, err)
	assert.Equal(t, []string{"myapp-Db--Password"}, names)
}

func TestAuthenticateFailureIsScrubbed(t *testing.T) {
	t.Parallel()

	file := exportedFile(t, "bundle")
	remote := fakes.NewFakeSecretStore()
	remote.AuthErr = fmt.Errorf("invalid client secret %s supplied", "hunter2")

	b := broker.New(remote, nil)
	session, err := b.Authenticate(context.Background(), file, secure.FromString("hunter2"), "tenant-1", "client-1")
	require.Error(t, err)
	assert.Nil(t, session)
	assert.ErrorIs(t, err, broker.ErrAuthenticationFailed)
	assert.NotErrorIs(t, err, remote.AuthErr)
	assert.NotContains(t, err.Error(), "hunter2")
	assert.Contains(t, err.Error(), "client-1")
	assert.Contains(t, err.Error(), "tenant-1")

	var authErr *broker.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "tenant-1", authErr.TenantID)
}

func TestAuthenticateShortPasswordIsScrubbed(t *testing.T) {
	t.Parallel()

	file := exportedFile(t, "bundle")
	remote := fakes.NewFakeSecretStore()
	remote.AuthErr = errors.New("rejected key: ab")

	b := broker.New(remote, nil)
	_, err := b.Authenticate(context.Background(), file, secure.FromString("ab"), "t", "c")
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "key: ab")
}

func TestAuthenticateReleasedFile(t *testing.T) {
	t.Parallel()

	file := exportedFile(t, "bundle")
	require.NoError(t, file.Release())
	remote := fakes.NewFakeSecretStore()

	b := broker.New(remote, nil)
	_, err := b.Authenticate(context.Background(), file, nil, "t", "c")
	assert.ErrorIs(t, err, broker.ErrAuthenticationFailed)
	assert.Empty(t, remote.Sessions)
}

func TestAuthenticateNilFile(t *testing.T) {
	t.Parallel()

	b := broker.New(fakes.NewFakeSecretStore(), nil)
	_, err := b.Authenticate(context.Background(), nil, nil, "t", "c")
	assert.ErrorIs(t, err, broker.ErrAuthenticationFailed)
}

func TestAuthenticateCancelled(t *testing.T) {
	t.Parallel()

	file := exportedFile(t, "bundle")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := broker.New(fakes.NewFakeSecretStore(), nil)
	_, err := b.Authenticate(ctx, file, nil, "t", "c")
	require.Error(t, err)
	assert.ErrorIs(t, err, broker.ErrAuthenticationFailed)
}

func TestCredentialInvalidAfterRelease(t *testing.T) {
	t.Parallel()

	file := exportedFile(t, "bundle")
	remote := fakes.NewFakeSecretStore()

	b := broker.New(remote, nil)
	session, err := b.Authenticate(context.Background(), file, nil, "t", "c")
	require.NoError(t, err)

	require.NoError(t, file.Release())
	cred := session.Credential()
	assert.False(t, cred.Valid())
	_, err = cred.ReadCertificate()
	assert.ErrorIs(t, err, broker.ErrCredentialReleased)
}

func TestCredentialFormattingIsRedacted(t *testing.T) {
	t.Parallel()

	file := exportedFile(t, "bundle")
	b := broker.New(fakes.NewFakeSecretStore(), nil)
	session, err := b.Authenticate(context.Background(), file, secure.FromString("hunter2"), "t", "c")
	require.NoError(t, err)

	cred := session.Credential()
	for _, s := range []string{fmt.Sprintf("%v", cred), fmt.Sprintf("%#v", cred), fmt.Sprintf("%+v", cred)} {
		assert.NotContains(t, s, file.Path())
		assert.NotContains(t, s, "hunter2")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	file := exportedFile(t, "bundle")
	remote := fakes.NewFakeSecretStore()
	remote.CloseErr = errors.New("connection reset")

	b := broker.New(remote, nil)
	session, err := b.Authenticate(context.Background(), file, nil, "t", "c")
	require.NoError(t, err)

	assert.Error(t, session.Close())
	assert.NoError(t, session.Close())
	assert.True(t, remote.LastSession().IsClosed())
}
