package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"mediagate/pkg/models"
)

// HMACProvider verifies base64(HMAC-SHA256(secret, canonical)).
type HMACProvider struct{}

func (HMACProvider) Scheme() string { return models.SchemeHMACSHA256 }

func (HMACProvider) Canonicalize(req *models.SignedRequest, cfg models.SignConfig) ([]byte, error) {
	return canonicalString(req, cfg)
}

func (HMACProvider) Verify(canonical []byte, signature string, key KeyMaterial, _ time.Time) error {
	if key.Secret == "" {
		return errors.Join(ErrInvalidSignature, errors.New("credential has no secret"))
	}
	got, err := decodeSignature(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, hmacSum(key.Secret, canonical)) {
		return ErrInvalidSignature
	}
	return nil
}

func hmacSum(secret string, msg []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return mac.Sum(nil)
}

// SignHMAC is the client-side counterpart used by sigctl and tests.
func SignHMAC(secret string, canonical []byte) string {
	return base64.StdEncoding.EncodeToString(hmacSum(secret, canonical))
}
