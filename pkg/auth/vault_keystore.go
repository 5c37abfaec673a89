package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"mediagate/pkg/models"
)

// VaultKeyStore reads credential documents from a KV v2 mount. Each secret at
// <mount>/data/<prefix><app> holds the meta_app fields under the same names.
type VaultKeyStore struct {
	Client  *vaultapi.Client
	Mount   string
	Prefix  string
	Timeout time.Duration
}

// NewVaultKeyStore builds a client for addr. namespace may be empty.
func NewVaultKeyStore(addr, token, namespace, mount string) (*VaultKeyStore, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("vault addr required")
	}
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("vault token required")
	}
	cfg := vaultapi.DefaultConfig()
	cfg.Address = addr
	cfg.Timeout = 5 * time.Second
	client, err := vaultapi.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	client.SetToken(token)
	if strings.TrimSpace(namespace) != "" {
		client.SetNamespace(namespace)
	}
	if mount == "" {
		mount = "secret"
	}
	return &VaultKeyStore{Client: client, Mount: mount, Prefix: "mediagate/apps/"}, nil
}

func (s *VaultKeyStore) Lookup(ctx context.Context, appID string) (*models.AppCredential, error) {
	appID = normalizeAppID(appID)
	if appID == "" {
		return nil, ErrUnknownApplication
	}
	if s.Client == nil {
		return nil, fmt.Errorf("%w: vault client not configured", ErrKeyStoreUnavailable)
	}
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := fmt.Sprintf("%s/data/%s%s", strings.Trim(s.Mount, "/"), s.Prefix, appID)
	secret, err := s.Client.Logical().ReadWithContext(reqCtx, path)
	if err != nil {
		var respErr *vaultapi.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, appID)
		}
		return nil, fmt.Errorf("%w: vault read %s: %v", ErrKeyStoreUnavailable, path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, appID)
	}
	// Soft-deleted KV v2 entries come back with data: null.
	raw, ok := secret.Data["data"]
	if !ok || raw == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownApplication, appID)
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: vault document %s: %v", ErrKeyStoreUnavailable, path, err)
	}
	var cred models.AppCredential
	if err := json.Unmarshal(doc, &cred); err != nil {
		return nil, fmt.Errorf("%w: vault document %s: %v", ErrKeyStoreUnavailable, path, err)
	}
	if cred.Name == "" {
		cred.Name = appID
	}
	if cred.ID == "" {
		cred.ID = appID
	}
	if err := checkStatus(&cred); err != nil {
		return nil, err
	}
	return &cred, nil
}
