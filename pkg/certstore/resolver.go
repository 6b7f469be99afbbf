package certstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/systmms/certvault/internal/logging"
	"github.com/systmms/certvault/internal/secure"
	"github.com/systmms/certvault/pkg/ephemeral"
)

// FilePrefix starts the name of every exported file.
const FilePrefix = "certvault-"

var timeNow = time.Now

// Resolver turns a thumbprint into an exported ephemeral file.
type Resolver struct {
	store    Store
	exporter Exporter
	logger   *logging.Logger
}

// NewResolver creates a resolver over the given collaborators. A nil
// logger discards output.
func NewResolver(store Store, exporter Exporter, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Resolver{
		store:    store,
		exporter: exporter,
		logger:   logger,
	}
}

// Resolve looks the certificate up and exports it into a new file in
// exportDir. On any failure no file is left behind: the partial export is
// released before the error is returned, and a release failure is attached
// to the ExportError. A panic in the exporter also releases the file.
func (r *Resolver) Resolve(ctx context.Context, thumbprint Thumbprint, exportDir string, password *secure.SecureBuffer) (*ephemeral.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("certificate lookup cancelled: %w", err)
	}

	r.logger.Debug("Looking up certificate %s", thumbprint.Short())
	handle, err := r.store.FindByThumbprint(ctx, thumbprint)
	if err != nil {
		if errors.Is(err, ErrCertificateNotFound) {
			return nil, &NotFoundError{Thumbprint: thumbprint}
		}
		return nil, fmt.Errorf("certificate store lookup failed: %w", err)
	}
	if handle.Thumbprint != thumbprint {
		r.logger.Warn("Certificate store returned %s for %s; ignoring it", handle.Thumbprint.Short(), thumbprint.Short())
		return nil, &NotFoundError{Thumbprint: thumbprint}
	}
	if !handle.NotAfter.IsZero() && handle.NotAfter.Before(timeNow()) {
		r.logger.Warn("Certificate %s expired on %s", thumbprint.Short(), handle.NotAfter.Format("2006-01-02"))
	}

	name := FilePrefix + uuid.NewString() + handle.Format.Extension()
	file, err := ephemeral.Create(exportDir, name)
	if err != nil {
		return nil, &ExportError{Thumbprint: thumbprint, Err: err}
	}
	// Covers a panicking exporter; error returns release explicitly below.
	exported := false
	defer func() {
		if !exported {
			_ = file.Release()
		}
	}()

	exportErr := password.WithBytes(func(pw []byte) error {
		if err := r.exporter.Export(ctx, handle, file.Path(), pw); err != nil {
			return sanitize(err, pw)
		}
		return nil
	})
	if exportErr == nil {
		exportErr = checkExported(ctx, file.Path())
	}
	if exportErr != nil {
		cleanupErr := file.Release()
		if cleanupErr != nil {
			r.logger.Warn("Partial export could not be removed: %v", cleanupErr)
		}
		return nil, &ExportError{Thumbprint: thumbprint, Err: exportErr, Cleanup: cleanupErr}
	}

	r.logger.Debug("Exported certificate %s to ephemeral file", thumbprint.Short())
	exported = true
	return file, nil
}

// checkExported treats cancellation that arrived while the exporter ran,
// and an exporter that reported success without writing, as failures.
func checkExported(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("export interrupted: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return errors.New("exporter wrote no data")
	}
	return nil
}

// sanitize drops an error whose text contains the export password.
func sanitize(err error, password []byte) error {
	pw := string(password)
	if len(pw) == 0 || !strings.Contains(err.Error(), pw) {
		return err
	}
	return errors.New(logging.RedactAll(err.Error(), pw))
}
