package auth

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"mediagate/pkg/models"
)

const (
	sealedPrefix    = "enc:"
	sealIterations  = 100000
	sealKeyLength   = 32
	defaultSealSalt = "mediagate.keystore"
)

// SecretBox encrypts stored private keys with AES-256-GCM under a PBKDF2-derived key.
type SecretBox struct {
	aead cipher.AEAD
}

func NewSecretBox(passphrase, salt string) (*SecretBox, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.New("secret box passphrase required")
	}
	if salt == "" {
		salt = defaultSealSalt
	}
	key := pbkdf2.Key([]byte(passphrase), []byte(salt), sealIterations, sealKeyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &SecretBox{aead: aead}, nil
}

// Seal returns "enc:" + base64(nonce || ciphertext).
func (b *SecretBox) Seal(plain string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := b.aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a sealed value. Values without the prefix are returned unchanged.
func (b *SecretBox) Open(stored string) (string, error) {
	if !strings.HasPrefix(stored, sealedPrefix) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("sealed secret decode: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("sealed secret too short")
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", errors.New("sealed secret decryption failed")
	}
	return string(plain), nil
}

// SealedKeyStore opens encrypted private keys (current and grace versions)
// returned by the inner store.
type SealedKeyStore struct {
	Inner KeyStore
	Box   *SecretBox
}

func (s *SealedKeyStore) Lookup(ctx context.Context, appID string) (*models.AppCredential, error) {
	cred, err := s.Inner.Lookup(ctx, appID)
	if err != nil || s.Box == nil {
		return cred, err
	}
	out := *cred
	if out.PrivateKey, err = s.Box.Open(cred.PrivateKey); err != nil {
		return nil, fmt.Errorf("%w: %s private key: %v", ErrKeyStoreUnavailable, cred.Name, err)
	}
	if len(cred.SignConfig.GraceVersions) > 0 {
		out.SignConfig.GraceVersions = make([]models.GraceVersion, len(cred.SignConfig.GraceVersions))
		for i, g := range cred.SignConfig.GraceVersions {
			if g.Secret, err = s.Box.Open(g.Secret); err != nil {
				return nil, fmt.Errorf("%w: %s grace key v%d: %v", ErrKeyStoreUnavailable, cred.Name, g.Version, err)
			}
			out.SignConfig.GraceVersions[i] = g
		}
	}
	return &out, nil
}
