package fakes

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/systmms/certvault/pkg/broker"
)

// FakeSecretStore is an in-memory broker.SecretStore
type FakeSecretStore struct {
	mu sync.Mutex

	// Secrets maps full secret names to values
	Secrets map[string]string
	// AuthErr fails Authenticate
	AuthErr error
	// GetErr fails every Get with this error instead of looking up Secrets
	GetErr error
	// ListErr fails every List
	ListErr error
	// CloseErr is returned from RemoteSession.Close
	CloseErr error
	// ReturnedName, when set, replaces the name reported by Get
	ReturnedName string
	// ExtraListNames are appended to List results regardless of prefix
	ExtraListNames []string

	// Recorded at authentication time
	CertificatePaths []string
	CertificateData  [][]byte
	Sessions         []*FakeRemoteSession
}

// NewFakeSecretStore creates an empty store
func NewFakeSecretStore() *FakeSecretStore {
	return &FakeSecretStore{Secrets: make(map[string]string)}
}

// Authenticate implements broker.SecretStore
func (f *FakeSecretStore) Authenticate(ctx context.Context, cred *broker.Credential) (broker.RemoteSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.AuthErr != nil {
		return nil, f.AuthErr
	}
	data, err := cred.ReadCertificate()
	if err != nil {
		return nil, err
	}

	f.CertificatePaths = append(f.CertificatePaths, cred.CertificatePath())
	f.CertificateData = append(f.CertificateData, data)

	s := &FakeRemoteSession{store: f, cred: cred}
	f.Sessions = append(f.Sessions, s)
	return s, nil
}

// LastSession returns the most recent remote session, or nil
func (f *FakeSecretStore) LastSession() *FakeRemoteSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Sessions) == 0 {
		return nil
	}
	return f.Sessions[len(f.Sessions)-1]
}

// FakeRemoteSession records requests against a FakeSecretStore
type FakeRemoteSession struct {
	store *FakeSecretStore
	cred  *broker.Credential

	mu       sync.Mutex
	Requests []string
	Prefixes []string
	Closed   bool
}

// Get implements broker.RemoteSession
func (s *FakeRemoteSession) Get(ctx context.Context, fullName string) (broker.RemoteSecret, error) {
	s.mu.Lock()
	s.Requests = append(s.Requests, fullName)
	s.mu.Unlock()

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.store.GetErr != nil {
		return broker.RemoteSecret{}, s.store.GetErr
	}
	value, ok := s.store.Secrets[fullName]
	if !ok {
		return broker.RemoteSecret{}, fmt.Errorf("%w: %s", broker.ErrRemoteNotFound, fullName)
	}

	name := fullName
	if s.store.ReturnedName != "" {
		name = s.store.ReturnedName
	}
	return broker.RemoteSecret{
		Name:      name,
		Value:     value,
		Version:   "1",
		UpdatedAt: time.Now(),
	}, nil
}

// List implements broker.RemoteSession
func (s *FakeRemoteSession) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	s.Prefixes = append(s.Prefixes, prefix)
	s.mu.Unlock()

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if s.store.ListErr != nil {
		return nil, s.store.ListErr
	}
	var names []string
	for name := range s.store.Secrets {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	names = append(names, s.store.ExtraListNames...)
	sort.Strings(names)
	return names, nil
}

// Close implements broker.RemoteSession
func (s *FakeRemoteSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return s.store.CloseErr
}

// IsClosed reports whether Close was called
func (s *FakeRemoteSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Closed
}

// Credential returns the credential the session was opened with
func (s *FakeRemoteSession) Credential() *broker.Credential {
	return s.cred
}

var (
	_ broker.SecretStore   = (*FakeSecretStore)(nil)
	_ broker.RemoteSession = (*FakeRemoteSession)(nil)
)
