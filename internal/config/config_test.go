package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dserrors "github.com/systmms/certvault/internal/errors"
	"github.com/systmms/certvault/internal/logging"
	"github.com/zalando/go-keyring"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func requiredEnv() map[string]string {
	return map[string]string{
		EnvTenantID:   "tenant-1",
		EnvClientID:   "client-1",
		EnvThumbprint: "0123456789ABCDEF0123456789ABCDEF01234567",
		EnvVaultName:  "kv-prod",
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "certvault.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Parallel()

	env := requiredEnv()
	env[EnvConfigScope] = "AzureDbSettings"
	env[EnvCallerID] = "myapp"
	env[EnvCertPassword] = "pfx-pass"
	env[EnvTimeoutMs] = "5000"

	c := &Config{LookupEnv: envMap(env)}
	s, err := c.Load()
	require.NoError(t, err)

	assert.Equal(t, "tenant-1", s.TenantID)
	assert.Equal(t, "client-1", s.ClientID)
	assert.Equal(t, "kv-prod", s.VaultName)
	assert.Equal(t, "https://kv-prod.vault.azure.net", s.EffectiveVaultURL())
	assert.Equal(t, "AzureDbSettings", s.ConfigScope)
	assert.Equal(t, 5*time.Second, s.Timeout())
	assert.Equal(t, os.TempDir(), s.ExportDir)
	assert.Equal(t, "pfx-pass", s.Password.Reveal())
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	c := &Config{LookupEnv: envMap(requiredEnv())}
	s, err := c.Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultTimeoutMs, s.TimeoutMs)
	assert.Nil(t, s.Password)
	assert.Empty(t, s.ConfigScope)
}

func TestLoad_MissingRequiredReportsAll(t *testing.T) {
	t.Parallel()

	var logs bytes.Buffer
	c := &Config{
		LookupEnv: envMap(map[string]string{EnvClientID: "client-1"}),
		Logger:    logging.NewWithWriter(&logs, false, true),
	}
	_, err := c.Load()
	require.Error(t, err)

	var cfgErr dserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Contains(t, cfgErr.Field, EnvTenantID)
	assert.Contains(t, cfgErr.Field, EnvThumbprint)
	assert.Contains(t, cfgErr.Field, EnvVaultName)
	assert.NotContains(t, cfgErr.Field, EnvClientID)

	assert.Contains(t, logs.String(), "Env var 'KEYVAULT_TENANT_ID' is not set")
}

func TestLoad_EmptyEnvCountsAsUnset(t *testing.T) {
	t.Parallel()

	env := requiredEnv()
	env[EnvTenantID] = ""
	_, err := (&Config{LookupEnv: envMap(env)}).Load()

	var cfgErr dserrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, EnvTenantID, cfgErr.Field)
}

func TestLoad_VaultURLReplacesName(t *testing.T) {
	t.Parallel()

	env := requiredEnv()
	delete(env, EnvVaultName)
	env[EnvVaultURL] = "https://kv.vault.azure.cn"

	s, err := (&Config{LookupEnv: envMap(env)}).Load()
	require.NoError(t, err)
	assert.Equal(t, "https://kv.vault.azure.cn", s.EffectiveVaultURL())
}

func TestLoad_InvalidTimeout(t *testing.T) {
	t.Parallel()

	for _, v := range []string{"abc", "0", "-5"} {
		env := requiredEnv()
		env[EnvTimeoutMs] = v
		_, err := (&Config{LookupEnv: envMap(env)}).Load()

		var cfgErr dserrors.ConfigError
		require.ErrorAs(t, err, &cfgErr, v)
		assert.Equal(t, EnvTimeoutMs, cfgErr.Field)
	}
}

func TestLoad_FileWithEnvOverride(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `version: 0
tenant_id: file-tenant
client_id: file-client
thumbprint: "01:23:45:67:89:AB:CD:EF:01:23:45:67:89:AB:CD:EF:01:23:45:67"
vault_name: kv-file
config_scope: Smtp
caller_id: myapp
cert_store: /etc/certvault/certs
timeout_ms: 1500
`)

	c := &Config{
		Path:      path,
		LookupEnv: envMap(map[string]string{EnvClientID: "env-client"}),
	}
	s, err := c.Load()
	require.NoError(t, err)

	assert.Equal(t, "file-tenant", s.TenantID)
	assert.Equal(t, "env-client", s.ClientID)
	assert.Equal(t, "kv-file", s.VaultName)
	assert.Equal(t, "Smtp", s.ConfigScope)
	assert.Equal(t, "myapp", s.CallerID)
	assert.Equal(t, "/etc/certvault/certs", s.CertStore)
	assert.Equal(t, 1500, s.TimeoutMs)
}

func TestLoad_FileErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"invalid yaml", "tenant_id: [unclosed\n", "invalid YAML syntax"},
		{"unknown key", "tenant: x\n", "schema validation failed"},
		{"wrong type", "timeout_ms: soon\n", "schema validation failed"},
		{"bad version", "version: 2\n", "schema validation failed"},
		{"http vault url", "vault_url: http://kv.example\n", "schema validation failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := &Config{Path: writeConfig(t, tt.content), LookupEnv: envMap(requiredEnv())}
			_, err := c.Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()

	c := &Config{Path: "/nonexistent/certvault.yaml", LookupEnv: envMap(requiredEnv())}
	_, err := c.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}

func TestLoad_EmptyFile(t *testing.T) {
	t.Parallel()

	c := &Config{Path: writeConfig(t, ""), LookupEnv: envMap(requiredEnv())}
	_, err := c.Load()
	assert.NoError(t, err)
}

func TestLoad_KeyringPassword(t *testing.T) {
	t.Parallel()

	env := requiredEnv()
	env[EnvCertPassword] = "keyring:certvault/svc-myapp"

	var asked []string
	c := &Config{
		LookupEnv: envMap(env),
		KeyringGet: func(service, account string) (string, error) {
			asked = append(asked, service+"/"+account)
			return "from-keyring", nil
		},
	}
	s, err := c.Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"certvault/svc-myapp"}, asked)
	assert.Equal(t, "from-keyring", s.Password.Reveal())
}

func TestLoad_KeyringMock(t *testing.T) {
	keyring.MockInit()
	require.NoError(t, keyring.Set("certvault", "svc-myapp", "mocked"))

	env := requiredEnv()
	env[EnvCertPassword] = "keyring:certvault/svc-myapp"
	s, err := (&Config{LookupEnv: envMap(env)}).Load()
	require.NoError(t, err)
	assert.Equal(t, "mocked", s.Password.Reveal())

	env[EnvCertPassword] = "keyring:certvault/missing"
	_, err = (&Config{LookupEnv: envMap(env)}).Load()
	var userErr dserrors.UserError
	require.ErrorAs(t, err, &userErr)
	assert.ErrorIs(t, err, keyring.ErrNotFound)
	assert.Contains(t, userErr.Suggestion, "secret-tool")
}

func TestLoad_InvalidKeyringReference(t *testing.T) {
	t.Parallel()

	for _, ref := range []string{"keyring:", "keyring:service", "keyring:/account", "keyring:service/"} {
		env := requiredEnv()
		env[EnvCertPassword] = ref
		_, err := (&Config{LookupEnv: envMap(env)}).Load()

		var cfgErr dserrors.ConfigError
		require.ErrorAs(t, err, &cfgErr, ref)
		assert.Equal(t, EnvCertPassword, cfgErr.Field)
	}
}

func TestSettings_StringRedactsPassword(t *testing.T) {
	t.Parallel()

	env := requiredEnv()
	env[EnvCertPassword] = "hunter2"
	var logs bytes.Buffer
	s, err := (&Config{LookupEnv: envMap(env), Logger: logging.NewWithWriter(&logs, true, true)}).Load()
	require.NoError(t, err)

	for _, out := range []string{s.String(), fmt.Sprintf("%v", s), fmt.Sprintf("%#v", s), logs.String()} {
		assert.NotContains(t, out, "hunter2")
	}
	assert.Contains(t, s.String(), "password=[REDACTED]")
}

func TestSettings_SessionConfig(t *testing.T) {
	t.Parallel()

	env := requiredEnv()
	env[EnvConfigScope] = "AzureDbSettings"
	env[EnvCallerID] = "fromenv"
	s, err := (&Config{LookupEnv: envMap(env)}).Load()
	require.NoError(t, err)

	cfg := s.SessionConfig("")
	assert.Equal(t, "fromenv", cfg.CallerIdentity)
	assert.Equal(t, "AzureDbSettings", cfg.Scope)
	assert.Equal(t, s.Thumbprint, cfg.Thumbprint)
	assert.Equal(t, s.ExportDir, cfg.ExportDir)

	assert.Equal(t, "override", s.SessionConfig("override").CallerIdentity)
}
