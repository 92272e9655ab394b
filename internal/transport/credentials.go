package transport

import (
	"crypto/tls"
	"crypto/x509"
	"sync"
)

// CredentialStore holds the process-wide client credentials. Sends wait on
// Ready until Set has been called once.
type CredentialStore struct {
	mu         sync.RWMutex
	cert       tls.Certificate
	certPEM    []byte
	roots      *x509.CertPool
	generation int

	once  sync.Once
	ready chan struct{}
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{ready: make(chan struct{})}
}

// Set publishes credentials. roots, when non-nil, is the trust pool used for
// peers whose certificate is not pinned (the directory). Later calls replace
// the credentials; Ready fires only on the first.
func (s *CredentialStore) Set(cert tls.Certificate, certPEM []byte, roots *x509.CertPool) {
	s.mu.Lock()
	s.cert = cert
	s.certPEM = append([]byte(nil), certPEM...)
	s.roots = roots
	s.generation++
	s.mu.Unlock()
	s.once.Do(func() { close(s.ready) })
}

// Ready is closed once credentials exist.
func (s *CredentialStore) Ready() <-chan struct{} {
	return s.ready
}

// Certificate returns the PEM certificate this process presents.
func (s *CredentialStore) Certificate() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.certPEM
}

type snapshot struct {
	cert       tls.Certificate
	roots      *x509.CertPool
	generation int
}

func (s *CredentialStore) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{cert: s.cert, roots: s.roots, generation: s.generation}
}
