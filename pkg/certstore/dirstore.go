package certstore

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/systmms/certvault/internal/logging"
	"github.com/systmms/certvault/internal/secure"
	"golang.org/x/crypto/pkcs12"
)

// DirStore is a certificate store backed by a directory of bundles:
// PKCS#12 files (.pfx, .p12) and PEM files (.pem, .crt, .cer) holding a
// certificate followed by its private key. The directory is rescanned on
// every lookup so certificates can be rotated underneath a running process.
type DirStore struct {
	dir      string
	password *secure.SecureBuffer
	logger   *logging.Logger
}

// NewDirStore creates a store over dir. password unlocks PKCS#12 bundles
// and may be nil.
func NewDirStore(dir string, password *secure.SecureBuffer, logger *logging.Logger) *DirStore {
	if logger == nil {
		logger = logging.Discard()
	}
	return &DirStore{
		dir:      dir,
		password: password,
		logger:   logger,
	}
}

// FindByThumbprint returns the first bundle whose leaf certificate has the thumbprint.
func (s *DirStore) FindByThumbprint(ctx context.Context, thumbprint Thumbprint) (Handle, error) {
	handles, err := s.List(ctx)
	if err != nil {
		return Handle{}, err
	}
	for _, h := range handles {
		if h.Thumbprint == thumbprint {
			return h, nil
		}
	}
	return Handle{}, &NotFoundError{Thumbprint: thumbprint}
}

// List returns a handle for every readable bundle, sorted by file name.
// Unreadable or unparseable files are skipped.
func (s *DirStore) List(ctx context.Context) ([]Handle, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate store %s: %w", s.dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var handles []Handle
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() {
			continue
		}

		path := filepath.Join(s.dir, entry.Name())
		format, ok := formatFor(path)
		if !ok {
			continue
		}

		cert, err := s.leafCertificate(path, format)
		if err != nil {
			s.logger.Debug("Skipping %s: %v", entry.Name(), err)
			continue
		}

		handles = append(handles, Handle{
			Thumbprint: ThumbprintOf(cert.Raw),
			Subject:    cert.Subject.String(),
			NotAfter:   cert.NotAfter,
			Format:     format,
			Source:     path,
		})
	}
	return handles, nil
}

func formatFor(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pfx", ".p12":
		return FormatPKCS12, true
	case ".pem", ".crt", ".cer":
		return FormatPEM, true
	}
	return "", false
}

func (s *DirStore) leafCertificate(path string, format Format) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if format == FormatPEM {
		return firstPEMCertificate(data)
	}

	var cert *x509.Certificate
	err = s.password.WithBytes(func(pw []byte) error {
		_, c, decodeErr := pkcs12.Decode(data, string(pw))
		if decodeErr == nil {
			cert = c
			return nil
		}
		// Decode only accepts a single certificate; bundles with a chain
		// go through ToPEM and take the first certificate.
		blocks, pemErr := pkcs12.ToPEM(data, string(pw))
		if pemErr != nil {
			return decodeErr
		}
		for _, b := range blocks {
			if b.Type == "CERTIFICATE" {
				c, parseErr := x509.ParseCertificate(b.Bytes)
				if parseErr != nil {
					return parseErr
				}
				cert = c
				return nil
			}
		}
		return errors.New("no certificate in PKCS#12 bundle")
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}

func firstPEMCertificate(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, errors.New("no certificate in PEM file")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// FileExporter copies the bundle behind a DirStore handle byte for byte.
// The bundle keeps whatever protection it was stored with, so the
// password argument is not used to re-encrypt it.
type FileExporter struct{}

// NewFileExporter creates a FileExporter.
func NewFileExporter() *FileExporter {
	return &FileExporter{}
}

const exportChunk = 32 * 1024

// Export writes the bundle into destPath, checking ctx between chunks.
func (e *FileExporter) Export(ctx context.Context, handle Handle, destPath string, _ []byte) error {
	if handle.Source == "" {
		return errors.New("handle has no source bundle")
	}

	src, err := os.Open(handle.Source)
	if err != nil {
		return fmt.Errorf("failed to open bundle: %w", err)
	}
	defer func() { _ = src.Close() }()

	// The destination must already exist with restricted permissions.
	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("failed to open export destination: %w", err)
	}
	defer func() { _ = dst.Close() }()

	buf := make([]byte, exportChunk)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return fmt.Errorf("failed to write export: %w", err)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("failed to read bundle: %w", readErr)
		}
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("failed to flush export: %w", err)
	}
	return dst.Close()
}

var (
	_ Store    = (*DirStore)(nil)
	_ Exporter = (*FileExporter)(nil)
)
