package auth

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mediagate/pkg/models"
)

const (
	maxEnvelopeToken     = 10000
	maxEnvelopeData      = 8192
	maxEnvelopeSignature = 4096
)

// EnvelopeClaims is the metadata half of an envelope token.
type EnvelopeClaims struct {
	Exp       int64  `json:"exp"`
	PackID    string `json:"pack_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Alg       string `json:"alg,omitempty"`
}

// Envelope is a decoded "<b64 metadata>.<b64 signature>" token.
type Envelope struct {
	Data      []byte
	Signature []byte
	Claims    EnvelopeClaims
}

// ParseEnvelope splits and decodes a token, enforcing size limits.
func ParseEnvelope(token string) (*Envelope, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrMalformedEnvelope)
	}
	if len(token) > maxEnvelopeToken {
		return nil, fmt.Errorf("%w: token exceeds %d bytes", ErrMalformedEnvelope, maxEnvelopeToken)
	}
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: expected 2 parts, got %d", ErrMalformedEnvelope, len(parts))
	}
	if len(parts[1]) > maxEnvelopeSignature {
		return nil, fmt.Errorf("%w: signature exceeds %d bytes", ErrMalformedEnvelope, maxEnvelopeSignature)
	}
	data, err := decodeEnvelopePart(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrMalformedEnvelope, err)
	}
	if len(data) > maxEnvelopeData {
		return nil, fmt.Errorf("%w: metadata exceeds %d bytes", ErrMalformedEnvelope, maxEnvelopeData)
	}
	sig, err := decodeEnvelopePart(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: signature: %v", ErrMalformedEnvelope, err)
	}
	env := &Envelope{Data: data, Signature: sig}
	if err := json.Unmarshal(data, &env.Claims); err != nil {
		return nil, fmt.Errorf("%w: metadata is not json: %v", ErrMalformedEnvelope, err)
	}
	return env, nil
}

// EnvelopeProvider verifies platform tokens carried in the signature slot.
// The token is self-contained: no body binding and no request timestamp.
type EnvelopeProvider struct{}

func (EnvelopeProvider) Scheme() string { return models.SchemeEnvelope }

func (EnvelopeProvider) Canonicalize(req *models.SignedRequest, _ models.SignConfig) ([]byte, error) {
	env, err := ParseEnvelope(req.Signature)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

func (EnvelopeProvider) Verify(canonical []byte, signature string, key KeyMaterial, now time.Time) error {
	env, err := ParseEnvelope(signature)
	if err != nil {
		return err
	}
	if !hmac.Equal(env.Data, canonical) {
		return ErrInvalidSignature
	}
	if env.Claims.Exp <= 0 {
		return fmt.Errorf("%w: exp missing", ErrMalformedEnvelope)
	}
	if now.Unix() >= env.Claims.Exp {
		return ErrSignatureExpired
	}
	switch strings.ToLower(env.Claims.Alg) {
	case "", models.SchemeHMACSHA256:
		if key.Secret == "" {
			return fmt.Errorf("%w: credential has no secret", ErrInvalidSignature)
		}
		if !hmac.Equal(env.Signature, hmacSum(key.Secret, env.Data)) {
			return ErrInvalidSignature
		}
		return nil
	case "rsa_sha256":
		pub, err := ParseRSAPublicKey(key.PublicKey)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return verifyRSA(pub, env.Data, env.Signature, key.Config.Padding)
	default:
		return fmt.Errorf("%w: envelope alg %q", ErrMalformedEnvelope, env.Claims.Alg)
	}
}

// SealEnvelope builds a token with URL-safe unpadded base64 halves.
// sign receives the metadata bytes and returns the raw signature.
func SealEnvelope(claims EnvelopeClaims, sign func([]byte) ([]byte, error)) (string, error) {
	data, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	sig, err := sign(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data) + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// HMACEnvelopeSigner signs envelope metadata with a shared secret.
func HMACEnvelopeSigner(secret string) func([]byte) ([]byte, error) {
	return func(data []byte) ([]byte, error) { return hmacSum(secret, data), nil }
}
