package secure

import (
	"sync"

	"github.com/awnumar/memguard"
)

// SecureBuffer provides memory-safe storage for sensitive data.
// It wraps memguard.Enclave to encrypt secrets at rest in memory
// and protect them from swapping via mlock.
type SecureBuffer struct {
	enclave *memguard.Enclave
	size    int
	mu      sync.RWMutex
	// destroyed allows idempotent Destroy() and refuses use afterwards
	destroyed bool
}

// NewSecureBuffer seals data in an enclave. memguard wipes the source
// slice, so callers must not reuse it.
func NewSecureBuffer(data []byte) (*SecureBuffer, error) {
	size := len(data)
	if size == 0 {
		// memguard refuses empty enclaves
		return &SecureBuffer{}, nil
	}

	return &SecureBuffer{
		enclave: memguard.NewEnclave(data),
		size:    size,
	}, nil
}

// FromString is a convenience for NewSecureBuffer([]byte(s)). An empty
// string yields a nil buffer, meaning "no password".
func FromString(s string) *SecureBuffer {
	if s == "" {
		return nil
	}
	buf, _ := NewSecureBuffer([]byte(s))
	return buf
}

// Empty reports whether the buffer holds no data. Nil and destroyed
// buffers are empty.
func (s *SecureBuffer) Empty() bool {
	if s == nil {
		return true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.destroyed || s.size == 0
}

// Open decrypts the enclave into a locked buffer.
// The caller MUST call Destroy() on the returned LockedBuffer.
func (s *SecureBuffer) Open() (*memguard.LockedBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.destroyed || s.enclave == nil {
		return memguard.NewBuffer(0), nil
	}

	return s.enclave.Open()
}

// WithBytes decrypts the data, passes the plaintext to fn and wipes it
// again before returning. fn must not retain the slice.
func (s *SecureBuffer) WithBytes(fn func([]byte) error) error {
	if s.Empty() {
		return fn(nil)
	}

	locked, err := s.Open()
	if err != nil {
		return err
	}
	defer locked.Destroy()

	return fn(locked.Bytes())
}

// Reveal returns a plaintext copy. Only for code paths that need a Go
// string, such as redacting error text.
func (s *SecureBuffer) Reveal() string {
	var out string
	_ = s.WithBytes(func(b []byte) error {
		out = string(b)
		return nil
	})
	return out
}

// Destroy drops the enclave. Idempotent; nil-safe.
func (s *SecureBuffer) Destroy() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.destroyed {
		return
	}
	s.enclave = nil
	s.size = 0
	s.destroyed = true
}

// String never reveals the contents.
func (s *SecureBuffer) String() string {
	return "[REDACTED]"
}

// GoString never reveals the contents.
func (s *SecureBuffer) GoString() string {
	return "[REDACTED]"
}
