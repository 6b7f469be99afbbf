// Package certstore finds client certificates by thumbprint and exports
// them into ephemeral files.
//
// The platform certificate store and the export mechanism are
// collaborators behind the Store and Exporter interfaces. DirStore and
// FileExporter implement them over a directory of PEM and PKCS#12
// bundles; tests substitute fakes.
package certstore

import (
	"context"
	"crypto/sha1" //nolint:gosec // thumbprints are SHA-1 by definition
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store locates certificates. Implementations return an error matching
// ErrCertificateNotFound when nothing has the thumbprint.
type Store interface {
	FindByThumbprint(ctx context.Context, thumbprint Thumbprint) (Handle, error)
}

// Exporter writes a certificate with its private key to destPath. destPath
// already exists, empty and owner-only; exporters open it for writing and
// must not create or re-permission it. password may be nil.
type Exporter interface {
	Export(ctx context.Context, handle Handle, destPath string, password []byte) error
}

// Format is the container a certificate is exported in.
type Format string

const (
	FormatPKCS12 Format = "pkcs12"
	FormatPEM    Format = "pem"
)

// Extension returns the conventional file extension for the format.
func (f Format) Extension() string {
	switch f {
	case FormatPEM:
		return ".pem"
	default:
		return ".pfx"
	}
}

// Handle references a certificate owned by a Store. It is read-only.
type Handle struct {
	Thumbprint Thumbprint
	Subject    string
	NotAfter   time.Time
	Format     Format
	// Source is store specific, e.g. the bundle path for DirStore.
	Source string
}

// Thumbprint is the upper-case hex SHA-1 digest of a certificate's DER bytes.
type Thumbprint string

// ParseThumbprint normalises user input: spaces and colons are dropped and
// letters upper-cased, so lookups are case-insensitive.
func ParseThumbprint(s string) (Thumbprint, error) {
	cleaned := strings.NewReplacer(" ", "", ":", "", "\t", "").Replace(strings.TrimSpace(s))
	cleaned = strings.ToUpper(cleaned)

	if len(cleaned) != sha1.Size*2 {
		return "", fmt.Errorf("invalid thumbprint: expected %d hex digits, got %d", sha1.Size*2, len(cleaned))
	}
	if _, err := hex.DecodeString(cleaned); err != nil {
		return "", fmt.Errorf("invalid thumbprint: not hexadecimal")
	}
	return Thumbprint(cleaned), nil
}

// ThumbprintOf computes the thumbprint of DER-encoded certificate bytes.
func ThumbprintOf(der []byte) Thumbprint {
	sum := sha1.Sum(der) //nolint:gosec
	return Thumbprint(strings.ToUpper(hex.EncodeToString(sum[:])))
}

// Short returns the first eight digits, enough to identify a certificate in logs.
func (t Thumbprint) Short() string {
	if len(t) <= 8 {
		return string(t)
	}
	return string(t[:8])
}

var (
	// ErrCertificateNotFound means the store holds no certificate with the thumbprint.
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrExportFailed means the certificate could not be written to its ephemeral file.
	ErrExportFailed = errors.New("certificate export failed")
)

// NotFoundError carries the thumbprint that was looked up.
type NotFoundError struct {
	Thumbprint Thumbprint
}

func (e *NotFoundError) Error() string {
	return "certificate not found: " + string(e.Thumbprint)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrCertificateNotFound
}

// ExportError wraps the exporter's failure. Cleanup is set when the partial
// file could not be removed afterwards.
type ExportError struct {
	Thumbprint Thumbprint
	Err        error
	Cleanup    error
}

func (e *ExportError) Error() string {
	msg := fmt.Sprintf("certificate export failed for %s: %v", e.Thumbprint.Short(), e.Err)
	if e.Cleanup != nil {
		msg += fmt.Sprintf(" (additionally: %v)", e.Cleanup)
	}
	return msg
}

func (e *ExportError) Unwrap() []error {
	if e.Cleanup != nil {
		return []error{e.Err, e.Cleanup}
	}
	return []error{e.Err}
}

func (e *ExportError) Is(target error) bool {
	return target == ErrExportFailed
}
