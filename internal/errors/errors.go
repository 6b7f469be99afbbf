package errors

import (
	"errors"
	"fmt"
	"strings"
)

// UserError represents an error that should be shown to the user with helpful context
type UserError struct {
	Message    string
	Suggestion string
	Details    string
	Err        error
}

func (e UserError) Error() string {
	var parts []string

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}

	if e.Details != "" {
		parts = append(parts, "\n  Details: "+e.Details)
	}

	if e.Suggestion != "" {
		parts = append(parts, "\n  💡 Try: "+e.Suggestion)
	}

	return strings.Join(parts, "")
}

func (e UserError) Unwrap() error {
	return e.Err
}

// ConfigError represents a configuration error with helpful context
type ConfigError struct {
	Field      string
	Value      interface{}
	Message    string
	Suggestion string
}

func (e ConfigError) Error() string {
	msg := "Configuration error"
	if e.Field != "" {
		msg += fmt.Sprintf(" in field '%s'", e.Field)
	}
	if e.Value != nil {
		msg += fmt.Sprintf(" (value: %v)", e.Value)
	}
	msg += ": " + e.Message

	if e.Suggestion != "" {
		msg += "\n  💡 " + e.Suggestion
	}

	return msg
}

// StageError wraps a failure of one session stage ("resolve", "authenticate",
// "get", "list", "cleanup") with a user-facing suggestion.
func StageError(stage string, err error) error {
	return UserError{
		Message:    fmt.Sprintf("certvault failed during %s", stage),
		Details:    err.Error(),
		Suggestion: getStageSuggestion(stage, err),
		Err:        err,
	}
}

func getStageSuggestion(stage string, err error) string {
	errStr := strings.ToLower(err.Error())

	switch stage {
	case "resolve":
		if strings.Contains(errStr, "certificate not found") {
			return "Check KEYVAULT_THUMBPRINT and that the certificate is present in KEYVAULT_CERT_STORE"
		}
		if strings.Contains(errStr, "export") {
			return "Check that the export directory is writable and the certificate is exportable"
		}
	case "authenticate":
		if strings.Contains(errStr, "tenant") {
			return "Check that KEYVAULT_TENANT_ID is correct and the application is registered there"
		}
		if strings.Contains(errStr, "certificate") || strings.Contains(errStr, "password") {
			return "Check KEYVAULT_CERT_PASSWORD and that the certificate is uploaded to the app registration"
		}
		return "Check KEYVAULT_CLIENT_ID, the certificate registration and network connectivity to Azure"
	case "get", "list":
		if strings.Contains(errStr, "secret not found") {
			return "Secret names follow <app>-<scope>--<name>; check the --app and --scope values"
		}
		if strings.Contains(errStr, "forbidden") || strings.Contains(errStr, "403") {
			return "Check Key Vault access policies: 'Get' and 'List' permissions are required for secrets"
		}
	case "cleanup":
		return "Remove the leftover export file manually; it contains private key material"
	}

	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
		return "The operation timed out. Check your network connection or raise KEYVAULT_TIMEOUT_MS"
	}
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") {
		return "Unable to connect. Check your network and the vault name"
	}

	return ""
}

// SimplifyError simplifies complex error messages for users
func SimplifyError(err error) error {
	if err == nil {
		return nil
	}

	var userErr UserError
	if errors.As(err, &userErr) {
		return err
	}
	var cfgErr ConfigError
	if errors.As(err, &cfgErr) {
		return err
	}

	rootErr := err
	for {
		unwrapped := errors.Unwrap(rootErr)
		if unwrapped == nil {
			break
		}
		rootErr = unwrapped
	}
	errStr := rootErr.Error()

	if strings.Contains(errStr, "yaml:") {
		return ConfigError{
			Message:    "Invalid YAML format",
			Suggestion: "Check for indentation errors and missing quotes",
		}
	}

	if strings.Contains(errStr, "pkcs12: decryption password incorrect") {
		return ConfigError{
			Field:      "KEYVAULT_CERT_PASSWORD",
			Message:    "the certificate bundle could not be decrypted",
			Suggestion: "Check the password the .pfx file was exported with",
		}
	}

	if strings.Contains(errStr, "context deadline exceeded") {
		return UserError{
			Message:    "Timed out",
			Suggestion: "Raise KEYVAULT_TIMEOUT_MS or check connectivity to Azure",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "permission denied") {
		return UserError{
			Message:    "Permission denied",
			Suggestion: "Check file permissions or run with appropriate privileges",
			Err:        err,
		}
	}

	if strings.Contains(errStr, "no such file or directory") {
		return UserError{
			Message:    "File or directory not found",
			Suggestion: "Verify the path exists and is spelled correctly",
			Err:        err,
		}
	}

	return err
}
