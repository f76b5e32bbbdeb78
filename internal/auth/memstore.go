package auth

import (
	"context"
	"sync"
)

// MemStore is an in-memory credential store. Used in tests and when the
// service runs without a database.
type MemStore struct {
	mu    sync.RWMutex
	creds map[string]Credential
}

// NewMemStore constructs an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{creds: make(map[string]Credential)}
}

// GetCredential returns the stored credential or ErrCredentialNotFound.
func (s *MemStore) GetCredential(_ context.Context, provider, accountID string) (*Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[provider+":"+accountID]
	if !ok {
		return nil, ErrCredentialNotFound
	}
	out := cred
	return &out, nil
}

// PutCredential stores or replaces a credential.
func (s *MemStore) PutCredential(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.Provider+":"+cred.AccountID] = cred
	return nil
}

// DeleteCredential removes a credential; deleting a missing key is a no-op.
func (s *MemStore) DeleteCredential(_ context.Context, provider, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, provider+":"+accountID)
	return nil
}

// ListCredentials returns all stored credentials.
func (s *MemStore) ListCredentials(_ context.Context) ([]Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Credential, 0, len(s.creds))
	for _, cred := range s.creds {
		out = append(out, cred)
	}
	return out, nil
}

var _ Store = (*MemStore)(nil)
