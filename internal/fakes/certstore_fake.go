package fakes

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/systmms/certvault/pkg/certstore"
)

// FakeCertStore is an in-memory certstore.Store
type FakeCertStore struct {
	mu      sync.Mutex
	Handles map[certstore.Thumbprint]certstore.Handle
	// Err, when set, is returned from every lookup
	Err     error
	Lookups []certstore.Thumbprint
}

// NewFakeCertStore creates an empty store
func NewFakeCertStore() *FakeCertStore {
	return &FakeCertStore{Handles: make(map[certstore.Thumbprint]certstore.Handle)}
}

// Add registers a PKCS#12 handle for subject and returns its thumbprint
func (f *FakeCertStore) Add(subject string) certstore.Thumbprint {
	sum := sha1.Sum([]byte(subject)) //nolint:gosec
	tp := certstore.Thumbprint(strings.ToUpper(hex.EncodeToString(sum[:])))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Handles[tp] = certstore.Handle{
		Thumbprint: tp,
		Subject:    subject,
		NotAfter:   time.Now().Add(365 * 24 * time.Hour),
		Format:     certstore.FormatPKCS12,
		Source:     "fake:" + subject,
	}
	return tp
}

// FindByThumbprint implements certstore.Store
func (f *FakeCertStore) FindByThumbprint(ctx context.Context, thumbprint certstore.Thumbprint) (certstore.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.Lookups = append(f.Lookups, thumbprint)
	if f.Err != nil {
		return certstore.Handle{}, f.Err
	}
	h, ok := f.Handles[thumbprint]
	if !ok {
		return certstore.Handle{}, &certstore.NotFoundError{Thumbprint: thumbprint}
	}
	return h, nil
}

// FakeExporter writes Content into the destination file.
type FakeExporter struct {
	mu sync.Mutex

	Content []byte
	// Err is returned after FailAfter bytes of Content have been written
	Err       error
	FailAfter int
	// OnExported runs after a successful write, before Export returns
	OnExported func(path string)
	// Block, when set, makes Export wait for ctx cancellation after writing
	Block bool

	Paths     []string
	Passwords []string
}

// NewFakeExporter creates an exporter writing a small fake bundle
func NewFakeExporter() *FakeExporter {
	return &FakeExporter{Content: []byte("fake-pkcs12-bundle")}
}

// Export implements certstore.Exporter
func (f *FakeExporter) Export(ctx context.Context, handle certstore.Handle, destPath string, password []byte) error {
	f.mu.Lock()
	f.Paths = append(f.Paths, destPath)
	f.Passwords = append(f.Passwords, string(password))
	content, failErr, failAfter, block, hook := f.Content, f.Err, f.FailAfter, f.Block, f.OnExported
	f.mu.Unlock()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer func() { _ = dst.Close() }()

	if failErr != nil {
		n := failAfter
		if n > len(content) {
			n = len(content)
		}
		if _, err := dst.Write(content[:n]); err != nil {
			return err
		}
		return failErr
	}

	if _, err := dst.Write(content); err != nil {
		return err
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if hook != nil {
		hook(destPath)
	}
	return nil
}

// LastPath returns the most recent destination path
func (f *FakeExporter) LastPath() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Paths) == 0 {
		return ""
	}
	return f.Paths[len(f.Paths)-1]
}

// ErrDiskFull is a convenient export failure
var ErrDiskFull = errors.New("no space left on device")

var (
	_ certstore.Store    = (*FakeCertStore)(nil)
	_ certstore.Exporter = (*FakeExporter)(nil)
)
