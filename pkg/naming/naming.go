// Package naming implements the secret naming convention shared by every
// application reading from the vault:
//
//	<CallerIdentity>-<ConfigScope>--<SecretName>
//
// CallerIdentity names the application, ConfigScope a group of settings
// inside it (for example "AzureDbSettings") and SecretName the leaf. The
// double dash is the only structural separator: it may never occur in the
// identity or the scope, but it may occur in the leaf, because matching
// only ever strips the known prefix up to the first separator.
//
// Everything here is pure string handling.
package naming

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// Separator splits the scope from the secret name.
	Separator = "--"

	// MaxNameLength is the longest secret name Azure Key Vault accepts.
	MaxNameLength = 127
)

// ErrConventionViolation is matched by every ConventionError.
var ErrConventionViolation = errors.New("naming convention violation")

// ConventionError reports which part of a name breaks the convention.
type ConventionError struct {
	Part   string // "identity", "scope", "name" or "full name"
	Value  string
	Reason string
}

func (e *ConventionError) Error() string {
	return fmt.Sprintf("naming convention violation: %s %q %s", e.Part, e.Value, e.Reason)
}

func (e *ConventionError) Is(target error) bool {
	return target == ErrConventionViolation
}

// BuildFullName composes the remote secret name for a leaf.
func BuildFullName(callerIdentity, configScope, secretName string) (string, error) {
	prefix, err := Prefix(callerIdentity, configScope)
	if err != nil {
		return "", err
	}
	if secretName == "" {
		return "", &ConventionError{Part: "name", Value: secretName, Reason: "must not be empty"}
	}
	if !validChars(secretName) {
		return "", &ConventionError{Part: "name", Value: secretName, Reason: "may only contain letters, digits and '-'"}
	}

	full := prefix + secretName
	if len(full) > MaxNameLength {
		return "", &ConventionError{
			Part:   "full name",
			Value:  full,
			Reason: fmt.Sprintf("is longer than %d characters", MaxNameLength),
		}
	}
	return full, nil
}

// Prefix returns "<callerIdentity>-<configScope>--" after validating both parts.
func Prefix(callerIdentity, configScope string) (string, error) {
	if err := validatePart("identity", callerIdentity); err != nil {
		return "", err
	}
	if err := validatePart("scope", configScope); err != nil {
		return "", err
	}
	return callerIdentity + "-" + configScope + Separator, nil
}

// Match returns the leaf name of candidate when candidate lives in the
// given identity and scope. The leaf is everything after the first
// separator following the scope, so a leaf containing "--" round-trips.
func Match(candidate, callerIdentity, configScope string) (string, bool) {
	prefix, err := Prefix(callerIdentity, configScope)
	if err != nil {
		return "", false
	}
	leaf, ok := strings.CutPrefix(candidate, prefix)
	if !ok || leaf == "" {
		return "", false
	}
	return leaf, true
}

// Filter applies Match to a listing and returns the sorted leaf names.
func Filter(candidates []string, callerIdentity, configScope string) []string {
	var leaves []string
	for _, c := range candidates {
		if leaf, ok := Match(c, callerIdentity, configScope); ok {
			leaves = append(leaves, leaf)
		}
	}
	sort.Strings(leaves)
	return leaves
}

// ValidateIdentity checks a caller identity on its own.
func ValidateIdentity(callerIdentity string) error {
	return validatePart("identity", callerIdentity)
}

// ValidateScope checks a config scope on its own.
func ValidateScope(configScope string) error {
	return validatePart("scope", configScope)
}

// IdentityFromExecutable derives a caller identity from the running
// binary's file name without extension. Libraries should take the identity
// as explicit input; this exists for command line defaults.
func IdentityFromExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("failed to determine executable: %w", err)
	}
	base := filepath.Base(exe)
	id := strings.TrimSuffix(base, filepath.Ext(base))
	if err := ValidateIdentity(id); err != nil {
		return "", err
	}
	return id, nil
}

func validatePart(part, value string) error {
	switch {
	case value == "":
		return &ConventionError{Part: part, Value: value, Reason: "must not be empty"}
	case strings.Contains(value, Separator):
		return &ConventionError{Part: part, Value: value, Reason: "must not contain " + Separator}
	case strings.HasPrefix(value, "-") || strings.HasSuffix(value, "-"):
		return &ConventionError{Part: part, Value: value, Reason: "must not start or end with '-'"}
	case !validChars(value):
		return &ConventionError{Part: part, Value: value, Reason: "may only contain letters, digits and '-'"}
	}
	return nil
}

func validChars(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
		default:
			return false
		}
	}
	return true
}
