// Package secrets keeps short-lived secrets, such as a recovery code, in
// encrypted memory enclaves for the duration of an operation.
package secrets

import (
	"errors"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
)

// ErrNotFound is returned when an entry does not exist or was already deleted.
var ErrNotFound = errors.New("secret not found")

// Store maps entry ids to memguard enclaves.
type Store struct {
	mu       sync.Mutex
	enclaves map[string]*memguard.Enclave
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{enclaves: make(map[string]*memguard.Enclave)}
}

// Put seals value into a new enclave and returns its id. value is wiped.
func (s *Store) Put(value []byte) string {
	id := uuid.New().String()
	enclave := memguard.NewEnclave(value)

	s.mu.Lock()
	s.enclaves[id] = enclave
	s.mu.Unlock()
	return id
}

// Open decrypts the entry into a locked buffer. The caller must Destroy it.
func (s *Store) Open(id string) (*memguard.LockedBuffer, error) {
	s.mu.Lock()
	enclave, ok := s.enclaves[id]
	s.mu.Unlock()
	if !ok || enclave == nil {
		return nil, ErrNotFound
	}
	return enclave.Open()
}

// Delete drops the entry. Deleting a missing entry is a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.enclaves, id)
	s.mu.Unlock()
}

// Len returns the number of live entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enclaves)
}

// Purge drops every entry and wipes memguard's session key, invalidating any
// enclave still referenced elsewhere.
func (s *Store) Purge() {
	s.mu.Lock()
	s.enclaves = make(map[string]*memguard.Enclave)
	s.mu.Unlock()
	memguard.Purge()
}
