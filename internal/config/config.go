// Package config builds session settings from the environment and an
// optional YAML file. It is the only place that reads the environment;
// everything downstream receives a Settings value.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	dserrors "github.com/systmms/certvault/internal/errors"
	"github.com/systmms/certvault/internal/logging"
	"github.com/systmms/certvault/internal/secure"
	"github.com/systmms/certvault/pkg/vaultsession"
	"github.com/xeipuuv/gojsonschema"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"
)

// Environment variable names
const (
	EnvTenantID     = "KEYVAULT_TENANT_ID"
	EnvClientID     = "KEYVAULT_CLIENT_ID"
	EnvThumbprint   = "KEYVAULT_THUMBPRINT"
	EnvVaultName    = "KEYVAULT_NAME"
	EnvCertPassword = "KEYVAULT_CERT_PASSWORD"
	EnvConfigScope  = "KEYVAULT_CONFIG_SCOPE"
	EnvCallerID     = "KEYVAULT_CALLER_ID"
	EnvVaultURL     = "KEYVAULT_VAULT_URL"
	EnvExportDir    = "KEYVAULT_EXPORT_DIR"
	EnvCertStore    = "KEYVAULT_CERT_STORE"
	EnvTimeoutMs    = "KEYVAULT_TIMEOUT_MS"
)

// DefaultTimeoutMs bounds a whole CLI invocation
const DefaultTimeoutMs = 30000

// KeyringPrefix marks a password stored in the OS keyring:
// "keyring:<service>/<account>".
const KeyringPrefix = "keyring:"

// Settings is the resolved configuration.
type Settings struct {
	TenantID    string
	ClientID    string
	Thumbprint  string
	VaultName   string
	VaultURL    string
	ConfigScope string
	CallerID    string
	ExportDir   string
	CertStore   string
	TimeoutMs   int

	// Password unlocks the certificate bundle; nil when none is configured.
	Password *secure.SecureBuffer
}

// Timeout returns TimeoutMs as a duration
func (s *Settings) Timeout() time.Duration {
	if s.TimeoutMs <= 0 {
		return DefaultTimeoutMs * time.Millisecond
	}
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// EffectiveVaultURL returns VaultURL, or the public cloud URL for VaultName
func (s *Settings) EffectiveVaultURL() string {
	if s.VaultURL != "" {
		return s.VaultURL
	}
	if s.VaultName == "" {
		return ""
	}
	return fmt.Sprintf("https://%s.vault.azure.net", s.VaultName)
}

// SessionConfig converts the settings for vaultsession. callerID, when not
// empty, replaces CallerID.
func (s *Settings) SessionConfig(callerID string) vaultsession.Config {
	if callerID == "" {
		callerID = s.CallerID
	}
	return vaultsession.Config{
		TenantID:       s.TenantID,
		ClientID:       s.ClientID,
		Thumbprint:     s.Thumbprint,
		Password:       s.Password,
		CallerIdentity: callerID,
		Scope:          s.ConfigScope,
		ExportDir:      s.ExportDir,
	}
}

// String never includes the password
func (s *Settings) String() string {
	pw := "<none>"
	if !s.Password.Empty() {
		pw = "[REDACTED]"
	}
	return fmt.Sprintf("Settings{tenant=%s client=%s thumbprint=%s vault=%s scope=%s caller=%s export_dir=%s cert_store=%s timeout_ms=%d password=%s}",
		s.TenantID, s.ClientID, s.Thumbprint, s.EffectiveVaultURL(), s.ConfigScope, s.CallerID, s.ExportDir, s.CertStore, s.TimeoutMs, pw)
}

// GoString never includes the password
func (s *Settings) GoString() string {
	return s.String()
}

// fileSettings mirrors the YAML document
type fileSettings struct {
	Version      int    `yaml:"version"`
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	Thumbprint   string `yaml:"thumbprint"`
	VaultName    string `yaml:"vault_name"`
	VaultURL     string `yaml:"vault_url"`
	CertPassword string `yaml:"cert_password"`
	ConfigScope  string `yaml:"config_scope"`
	CallerID     string `yaml:"caller_id"`
	ExportDir    string `yaml:"export_dir"`
	CertStore    string `yaml:"cert_store"`
	TimeoutMs    int    `yaml:"timeout_ms"`
}

const settingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "version":       {"type": "integer", "enum": [0]},
    "tenant_id":     {"type": "string", "minLength": 1},
    "client_id":     {"type": "string", "minLength": 1},
    "thumbprint":    {"type": "string", "pattern": "^[0-9A-Fa-f: ]+$"},
    "vault_name":    {"type": "string", "pattern": "^[A-Za-z0-9-]{3,24}$"},
    "vault_url":     {"type": "string", "pattern": "^https://"},
    "cert_password": {"type": "string"},
    "config_scope":  {"type": "string"},
    "caller_id":     {"type": "string"},
    "export_dir":    {"type": "string"},
    "cert_store":    {"type": "string"},
    "timeout_ms":    {"type": "integer", "minimum": 1}
  }
}`

// Config loads Settings.
type Config struct {
	// Path of an optional YAML file; empty means environment only
	Path   string
	Logger *logging.Logger

	// LookupEnv defaults to os.LookupEnv
	LookupEnv func(key string) (string, bool)
	// KeyringGet defaults to keyring.Get
	KeyringGet func(service, account string) (string, error)
}

// Load reads the file, applies the environment on top and validates the
// result. Missing required settings are reported together in one
// ConfigError.
func (c *Config) Load() (*Settings, error) {
	logger := c.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	lookup := c.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}

	var fs fileSettings
	if c.Path != "" {
		loaded, err := loadFile(c.Path)
		if err != nil {
			return nil, err
		}
		fs = *loaded
	}

	s := &Settings{
		TenantID:    fs.TenantID,
		ClientID:    fs.ClientID,
		Thumbprint:  fs.Thumbprint,
		VaultName:   fs.VaultName,
		VaultURL:    fs.VaultURL,
		ConfigScope: fs.ConfigScope,
		CallerID:    fs.CallerID,
		ExportDir:   fs.ExportDir,
		CertStore:   fs.CertStore,
		TimeoutMs:   fs.TimeoutMs,
	}
	password := fs.CertPassword

	overrides := []struct {
		key    string
		target *string
	}{
		{EnvTenantID, &s.TenantID},
		{EnvClientID, &s.ClientID},
		{EnvThumbprint, &s.Thumbprint},
		{EnvVaultName, &s.VaultName},
		{EnvVaultURL, &s.VaultURL},
		{EnvConfigScope, &s.ConfigScope},
		{EnvCallerID, &s.CallerID},
		{EnvExportDir, &s.ExportDir},
		{EnvCertStore, &s.CertStore},
		{EnvCertPassword, &password},
	}
	for _, o := range overrides {
		if v, ok := lookup(o.key); ok && v != "" {
			*o.target = v
		}
	}

	if v, ok := lookup(EnvTimeoutMs); ok && v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil || ms <= 0 {
			return nil, dserrors.ConfigError{
				Field:      EnvTimeoutMs,
				Value:      v,
				Message:    "timeout must be a positive number of milliseconds",
				Suggestion: "Set KEYVAULT_TIMEOUT_MS=30000 or remove it to use the default",
			}
		}
		s.TimeoutMs = ms
	}

	var missing []string
	required := []struct {
		key   string
		value string
	}{
		{EnvTenantID, s.TenantID},
		{EnvClientID, s.ClientID},
		{EnvThumbprint, s.Thumbprint},
	}
	for _, r := range required {
		if r.value == "" {
			logger.Warn("Env var '%s' is not set", r.key)
			missing = append(missing, r.key)
		}
	}
	if s.VaultName == "" && s.VaultURL == "" {
		logger.Warn("Env var '%s' is not set", EnvVaultName)
		missing = append(missing, EnvVaultName)
	}
	if len(missing) > 0 {
		return nil, dserrors.ConfigError{
			Field:      strings.Join(missing, ", "),
			Message:    "required settings are missing",
			Suggestion: "Export them in the environment or add them to the config file",
		}
	}

	if s.TimeoutMs == 0 {
		s.TimeoutMs = DefaultTimeoutMs
	}
	if s.ExportDir == "" {
		s.ExportDir = os.TempDir()
	}

	pw, err := c.resolvePassword(password)
	if err != nil {
		return nil, err
	}
	s.Password = pw

	logger.Debug("Loaded %s", s)
	return s, nil
}

func loadFile(path string) (*fileSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dserrors.ConfigError{
				Field:      "path",
				Value:      path,
				Message:    "configuration file not found",
				Suggestion: "Check the --config path or rely on KEYVAULT_* environment variables",
			}
		}
		return nil, dserrors.UserError{
			Message:    "Failed to read configuration file",
			Details:    err.Error(),
			Suggestion: "Check file permissions and path",
			Err:        err,
		}
	}

	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid YAML syntax in configuration file",
			Suggestion: "Check for indentation errors, missing quotes, or invalid characters. Use a YAML validator",
		}
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	if err := validateDocument(doc); err != nil {
		return nil, dserrors.ConfigError{
			Field:      "path",
			Value:      path,
			Message:    err.Error(),
			Suggestion: "Keys are snake_case versions of the KEYVAULT_* variables, e.g. tenant_id",
		}
	}

	var fs fileSettings
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, dserrors.ConfigError{
			Message:    "invalid value in configuration file",
			Suggestion: err.Error(),
		}
	}
	return &fs, nil
}

// validateDocument checks a decoded YAML document against settingsSchema
func validateDocument(doc map[string]interface{}) error {
	jsonData, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration for validation: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(settingsSchema),
		gojsonschema.NewBytesLoader(jsonData),
	)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		var errorMessages []string
		for _, desc := range result.Errors() {
			errorMessages = append(errorMessages, desc.String())
		}
		return fmt.Errorf("schema validation failed:\n  - %s", strings.Join(errorMessages, "\n  - "))
	}
	return nil
}

// resolvePassword seals the password, fetching it from the keyring first
// when it is a keyring reference.
func (c *Config) resolvePassword(value string) (*secure.SecureBuffer, error) {
	if value == "" {
		return nil, nil
	}

	ref, ok := strings.CutPrefix(value, KeyringPrefix)
	if !ok {
		return secure.FromString(value), nil
	}

	service, account, ok := strings.Cut(ref, "/")
	if !ok || service == "" || account == "" {
		return nil, dserrors.ConfigError{
			Field:      EnvCertPassword,
			Value:      value,
			Message:    "invalid keyring reference",
			Suggestion: "Use keyring:<service>/<account>",
		}
	}

	get := c.KeyringGet
	if get == nil {
		get = keyring.Get
	}
	secret, err := get(service, account)
	if err != nil {
		suggestion := "Check that the OS keyring is unlocked and reachable"
		if errors.Is(err, keyring.ErrNotFound) {
			suggestion = fmt.Sprintf("Store the password first, e.g. with secret-tool store service %s username %s", service, account)
		}
		return nil, dserrors.UserError{
			Message:    fmt.Sprintf("Failed to read certificate password from keyring %s/%s", service, account),
			Details:    err.Error(),
			Suggestion: suggestion,
			Err:        err,
		}
	}
	return secure.FromString(secret), nil
}
