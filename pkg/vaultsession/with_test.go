package vaultsession_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/systmms/certvault/pkg/certstore"
	"github.com/systmms/certvault/pkg/ephemeral"
	"github.com/systmms/certvault/pkg/vaultsession"
)

func TestWithReadsAndCleansUp(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.vault.Secrets["myapp-AzureDbSettings--ConnectionString"] = "Server=.."

	var got string
	var inside *vaultsession.Session
	err := vaultsession.With(context.Background(), e.cfg, func(ctx context.Context, s *vaultsession.Session) error {
		inside = s
		assert.FileExists(t, e.exporter.LastPath())
		v, err := s.GetSecret(ctx, "ConnectionString")
		got = v
		return err
	}, e.options()...)

	require.NoError(t, err)
	assert.Equal(t, "Server=..", got)
	assert.Equal(t, vaultsession.StateClosed, inside.State())
	assert.NoFileExists(t, e.exporter.LastPath())
	assert.True(t, e.vault.LastSession().IsClosed())
}

func TestWithReturnsPrimaryError(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	boom := errors.New("application failed")

	err := vaultsession.With(context.Background(), e.cfg, func(ctx context.Context, s *vaultsession.Session) error {
		return boom
	}, e.options()...)

	assert.ErrorIs(t, err, boom)
	assert.False(t, vaultsession.IsCleanupOnly(err))
	assert.NoFileExists(t, e.exporter.LastPath())
}

func TestWithPrimaryErrorCarriesCleanupError(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	boom := errors.New("application failed")

	err := vaultsession.With(context.Background(), e.cfg, func(ctx context.Context, s *vaultsession.Session) error {
		blockRemoval(t, e.exporter.LastPath())
		return boom
	}, e.options()...)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, ephemeral.ErrCleanupFailed)
	assert.False(t, vaultsession.IsCleanupOnly(err))

	var attached *vaultsession.CleanupAttachedError
	require.ErrorAs(t, err, &attached)
	assert.Equal(t, boom, attached.Err)
}

func TestWithCleanupOnlyFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	err := vaultsession.With(context.Background(), e.cfg, func(ctx context.Context, s *vaultsession.Session) error {
		blockRemoval(t, e.exporter.LastPath())
		return nil
	}, e.options()...)

	require.Error(t, err)
	assert.True(t, vaultsession.IsCleanupOnly(err))
	assert.ErrorIs(t, err, ephemeral.ErrCleanupFailed)

	var cleanupErr *ephemeral.CleanupError
	require.ErrorAs(t, err, &cleanupErr)
	assert.Equal(t, e.exporter.LastPath(), cleanupErr.Path)
}

func TestWithCleansUpOnPanic(t *testing.T) {
	t.Parallel()

	e := newEnv(t)

	assert.PanicsWithValue(t, "boom", func() {
		_ = vaultsession.With(context.Background(), e.cfg, func(ctx context.Context, s *vaultsession.Session) error {
			panic("boom")
		}, e.options()...)
	})

	assert.NoFileExists(t, e.exporter.LastPath())
	assert.True(t, e.vault.LastSession().IsClosed())
}

func TestWithCleansUpOnCancellation(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.vault.Secrets["myapp-AzureDbSettings--Password"] = "x"
	ctx, cancel := context.WithCancel(context.Background())

	err := vaultsession.With(ctx, e.cfg, func(ctx context.Context, s *vaultsession.Session) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}, e.options()...)

	assert.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, e.exporter.LastPath())
}

func TestWithOpenFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.cfg.Thumbprint = "0000000000000000000000000000000000000000"
	called := false

	err := vaultsession.With(context.Background(), e.cfg, func(ctx context.Context, s *vaultsession.Session) error {
		called = true
		return nil
	}, e.options()...)

	assert.ErrorIs(t, err, certstore.ErrCertificateNotFound)
	assert.False(t, called)

	entries, readErr := os.ReadDir(e.cfg.ExportDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestWithInvalidConfig(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.cfg.TenantID = ""

	err := vaultsession.With(context.Background(), e.cfg, func(ctx context.Context, s *vaultsession.Session) error {
		t.Fatal("must not run")
		return nil
	}, e.options()...)
	assert.Error(t, err)
}

func TestWithReleasesCertificateWhenExporterPanics(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.exporter.OnExported = func(string) { panic("exporter crashed") }

	assert.PanicsWithValue(t, "exporter crashed", func() {
		_ = vaultsession.With(context.Background(), e.cfg, func(ctx context.Context, s *vaultsession.Session) error {
			t.Fatal("must not run")
			return nil
		}, e.options()...)
	})

	assert.NoFileExists(t, e.exporter.LastPath())
	entries, err := os.ReadDir(e.cfg.ExportDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Empty(t, e.vault.Sessions)
}

func TestWithClosesSessionAfterOpenFailure(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.vault.AuthErr = errors.New("AADSTS700027: invalid client assertion")

	err := vaultsession.With(context.Background(), e.cfg, func(ctx context.Context, s *vaultsession.Session) error {
		t.Fatal("must not run")
		return nil
	}, e.options()...)

	require.Error(t, err)
	assert.False(t, vaultsession.IsCleanupOnly(err))
	assert.NoFileExists(t, e.exporter.LastPath())
	assert.Contains(t, e.logs.String(), "Session closed")
}
