package auth

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"mediagate/pkg/models"
)

// KeyStore resolves a caller application to its current credential.
// Implementations return ErrUnknownApplication or ErrApplicationDisabled for
// lookups that must be rejected, and wrap ErrKeyStoreUnavailable for I/O faults.
type KeyStore interface {
	Lookup(ctx context.Context, appID string) (*models.AppCredential, error)
}

// normalizeAppID trims appID and canonicalises UUIDs to lower case. Names
// stay case-sensitive, matching the meta_app lookup.
func normalizeAppID(appID string) string {
	appID = strings.TrimSpace(appID)
	if id, err := uuid.Parse(appID); err == nil {
		return id.String()
	}
	return appID
}

func checkStatus(cred *models.AppCredential) error {
	if cred.Status != models.AppActive {
		return fmt.Errorf("%w: %s is %s", ErrApplicationDisabled, cred.Name, cred.Status)
	}
	return nil
}

// StaticKeyStore serves credentials from memory, keyed by both id and name.
type StaticKeyStore struct {
	mu    sync.RWMutex
	items map[string]models.AppCredential
}

func NewStaticKeyStore(creds ...models.AppCredential) *StaticKeyStore {
	s := &StaticKeyStore{items: map[string]models.AppCredential{}}
	for _, c := range creds {
		s.Put(c)
	}
	return s
}

// Put registers or replaces a credential, e.g. after a rotation.
func (s *StaticKeyStore) Put(cred models.AppCredential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.ID != "" {
		s.items[normalizeAppID(cred.ID)] = cred
	}
	if cred.Name != "" {
		s.items[cred.Name] = cred
	}
}

func (s *StaticKeyStore) Lookup(_ context.Context, appID string) (*models.AppCredential, error) {
	appID = normalizeAppID(appID)
	s.mu.RLock()
	cred, ok := s.items[appID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, appID)
	}
	if err := checkStatus(&cred); err != nil {
		return nil, err
	}
	return &cred, nil
}
