package auth

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

const (
	DefaultTicketSubject = "frontend_media_request"
	DefaultTicketTTL     = 10 * time.Minute
)

var (
	ErrTicketMissing   = errors.New("ticket missing")
	ErrTicketInvalid   = errors.New("ticket invalid or expired")
	ErrTicketIPBinding = errors.New("ticket ip mismatch")
	ErrTicketPurpose   = errors.New("ticket purpose mismatch")
	ErrPayloadFormat   = errors.New("encrypted payload malformed")
)

// DeriveTicketKey returns the AES-256 key for payloads sent under ticket.
func DeriveTicketKey(ticket string) []byte {
	sum := sha256.Sum256([]byte(ticket))
	return sum[:]
}

// EncryptPayload encrypts plain with AES-CBC and PKCS#7 padding under a fresh IV.
func EncryptPayload(key, plain []byte) (data, iv string, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", err
	}
	ivRaw := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, ivRaw); err != nil {
		return "", "", err
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte(nil), plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, ivRaw).CryptBlocks(out, padded)
	return base64.StdEncoding.EncodeToString(out), base64.StdEncoding.EncodeToString(ivRaw), nil
}

// DecryptPayload reverses EncryptPayload. All failures wrap ErrPayloadFormat.
func DecryptPayload(key []byte, data, iv string) ([]byte, error) {
	ivRaw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(iv))
	if err != nil {
		return nil, fmt.Errorf("%w: iv base64", ErrPayloadFormat)
	}
	if len(ivRaw) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv length %d", ErrPayloadFormat, len(ivRaw))
	}
	ct, err := base64.StdEncoding.DecodeString(strings.TrimSpace(data))
	if err != nil {
		return nil, fmt.Errorf("%w: data base64", ErrPayloadFormat)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: data length %d", ErrPayloadFormat, len(ct))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadFormat, err)
	}
	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, ivRaw).CryptBlocks(plain, ct)
	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, fmt.Errorf("%w: padding", ErrPayloadFormat)
	}
	for _, b := range plain[len(plain)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("%w: padding", ErrPayloadFormat)
		}
	}
	return plain[:len(plain)-pad], nil
}

// TicketValidator issues and checks short-lived HS256 tickets bound to a client IP.
type TicketValidator struct {
	Secret  []byte
	Subject string
	TTL     time.Duration
	BindIP  bool
	Now     func() time.Time
}

func (t TicketValidator) subject() string {
	if t.Subject == "" {
		return DefaultTicketSubject
	}
	return t.Subject
}

func (t TicketValidator) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

// Issue mints a ticket for clientIP.
func (t TicketValidator) Issue(clientIP string) (string, error) {
	if len(t.Secret) == 0 {
		return "", errors.New("ticket secret required")
	}
	ttl := t.TTL
	if ttl <= 0 {
		ttl = DefaultTicketTTL
	}
	now := t.now()
	tok, err := jwt.NewBuilder().
		Subject(t.subject()).
		IssuedAt(now).
		Expiration(now.Add(ttl)).
		Claim("ip", clientIP).
		Build()
	if err != nil {
		return "", err
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, t.Secret))
	if err != nil {
		return "", err
	}
	return string(signed), nil
}

// Validate checks signature, expiry, purpose and (when BindIP) the ip claim.
func (t TicketValidator) Validate(ticket, clientIP string) error {
	ticket = strings.TrimSpace(ticket)
	if ticket == "" {
		return ErrTicketMissing
	}
	if len(t.Secret) == 0 {
		return fmt.Errorf("%w: no secret configured", ErrTicketInvalid)
	}
	tok, err := jwt.Parse([]byte(ticket),
		jwt.WithKey(jwa.HS256, t.Secret),
		jwt.WithValidate(true),
		jwt.WithClock(jwt.ClockFunc(t.now)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTicketInvalid, err)
	}
	if tok.Subject() != t.subject() {
		return ErrTicketPurpose
	}
	if t.BindIP {
		raw, _ := tok.Get("ip")
		ip, _ := raw.(string)
		if ip != clientIP {
			return ErrTicketIPBinding
		}
	}
	return nil
}

// Open validates ticket and decrypts the payload sent under it.
func (t TicketValidator) Open(ticket, clientIP, data, iv string) ([]byte, error) {
	if err := t.Validate(ticket, clientIP); err != nil {
		return nil, err
	}
	return DecryptPayload(DeriveTicketKey(strings.TrimSpace(ticket)), data, iv)
}
