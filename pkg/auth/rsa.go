package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediagate/pkg/models"
)

// RSAProvider verifies RSASSA-PKCS1-v1_5 (or PSS when sign_config.padding=pss) over SHA-256.
type RSAProvider struct{}

func (RSAProvider) Scheme() string { return models.SchemeRSA }

func (RSAProvider) Canonicalize(req *models.SignedRequest, cfg models.SignConfig) ([]byte, error) {
	return canonicalString(req, cfg)
}

func (RSAProvider) Verify(canonical []byte, signature string, key KeyMaterial, _ time.Time) error {
	pub, err := ParseRSAPublicKey(key.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	sig, err := decodeSignature(signature)
	if err != nil {
		return ErrInvalidSignature
	}
	return verifyRSA(pub, canonical, sig, key.Config.Padding)
}

func verifyRSA(pub *rsa.PublicKey, msg, sig []byte, padding string) error {
	digest := sha256.Sum256(msg)
	if strings.EqualFold(padding, "pss") {
		if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil); err != nil {
			return ErrInvalidSignature
		}
		return nil
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// ParseRSAPublicKey accepts PEM (PKIX or PKCS#1) or a bare base64 body, which
// is wrapped into a PUBLIC KEY block before parsing.
func ParseRSAPublicKey(raw string) (*rsa.PublicKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("public key missing")
	}
	if !strings.HasPrefix(raw, "-----BEGIN") {
		raw = "-----BEGIN PUBLIC KEY-----\n" + raw + "\n-----END PUBLIC KEY-----"
	}
	block, _ := pem.Decode([]byte(raw))
	if block == nil {
		return nil, errors.New("public key is not valid PEM")
	}
	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if pk, pkcs1Err := x509.ParsePKCS1PublicKey(block.Bytes); pkcs1Err == nil {
			return pk, nil
		}
		return nil, err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return pub, nil
}

// ParseRSAPrivateKey reads PKCS#8 or PKCS#1 PEM.
func ParseRSAPrivateKey(raw string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(raw)))
	if block == nil {
		return nil, errors.New("private key is not valid PEM")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	k, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return k, nil
}

// SignRSA signs canonical with PKCS1v15, or PSS when padding is "pss".
func SignRSA(priv *rsa.PrivateKey, canonical []byte, padding string) (string, error) {
	digest := sha256.Sum256(canonical)
	var (
		sig []byte
		err error
	)
	if strings.EqualFold(padding, "pss") {
		sig, err = rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], nil)
	} else {
		sig, err = rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	}
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// EncodeRSAKeys returns PKCS#8 private and PKIX public PEM blocks.
func EncodeRSAKeys(priv *rsa.PrivateKey) (privPEM, pubPEM string, err error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", "", err
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return "", "", err
	}
	privPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}))
	pubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	return privPEM, pubPEM, nil
}
