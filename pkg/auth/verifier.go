package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"mediagate/pkg/metrics"
	"mediagate/pkg/models"
)

const DefaultMaxSkew = 300 * time.Second

// Identity is the verified caller handed to downstream handlers.
type Identity struct {
	AppID      string   `json:"app_id"`
	AppName    string   `json:"app_name"`
	Domain     string   `json:"domain,omitempty"`
	Scheme     string   `json:"scheme"`
	KeyVersion int      `json:"key_version"`
	Scope      []string `json:"scope,omitempty"`
	RateLimit  int      `json:"rate_limit"`
}

// NonceGuard records nonces; Claim reports false when the nonce was seen before.
type NonceGuard interface {
	Claim(ctx context.Context, appID, nonce string, ttl time.Duration) (bool, error)
}

// Verifier checks signed requests. It holds no per-request state and is safe
// for concurrent use.
type Verifier struct {
	keys             KeyStore
	providers        Providers
	maxSkew          time.Duration
	graceEnabled     bool
	requireTimestamp bool
	nonces           NonceGuard
	now              func() time.Time
	logger           *zap.Logger
	metrics          *metrics.Registry
}

type VerifierOption func(*Verifier)

func WithProviders(p Providers) VerifierOption { return func(v *Verifier) { v.providers = p } }

func WithMaxSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) {
		if d > 0 {
			v.maxSkew = d
		}
	}
}

// WithKeyGrace lets requests declaring a retired key version verify against it
// while the credential's grace entry has not expired.
func WithKeyGrace(enabled bool) VerifierOption { return func(v *Verifier) { v.graceEnabled = enabled } }

// WithOptionalTimestamp accepts hmac/rsa requests that carry no timestamp.
func WithOptionalTimestamp() VerifierOption { return func(v *Verifier) { v.requireTimestamp = false } }

func WithNonceGuard(g NonceGuard) VerifierOption { return func(v *Verifier) { v.nonces = g } }

func WithClock(now func() time.Time) VerifierOption { return func(v *Verifier) { v.now = now } }

func WithLogger(l *zap.Logger) VerifierOption {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

func WithMetrics(m *metrics.Registry) VerifierOption { return func(v *Verifier) { v.metrics = m } }

func NewVerifier(keys KeyStore, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		keys:             keys,
		providers:        DefaultProviders(),
		maxSkew:          DefaultMaxSkew,
		requireTimestamp: true,
		now:              time.Now,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// MaxSkew is the accepted clock difference in either direction.
func (v *Verifier) MaxSkew() time.Duration { return v.maxSkew }

// Verify authenticates req. Every error is a *SignatureError.
func (v *Verifier) Verify(ctx context.Context, req *models.SignedRequest) (*Identity, error) {
	start := time.Now()
	id, scheme, err := v.verify(ctx, req)
	outcome := "ok"
	if err != nil {
		se := Classify(err)
		outcome = se.Code
		err = se
		var appID string
		if req != nil {
			appID = req.AppID
		}
		v.logger.Debug("signature rejected",
			zap.String("app_id", appID),
			zap.String("scheme", scheme),
			zap.String("code", se.Code),
			zap.Error(se))
	}
	v.metrics.ObserveVerification(scheme, outcome, time.Since(start))
	return id, err
}

func (v *Verifier) verify(ctx context.Context, req *models.SignedRequest) (*Identity, string, error) {
	if req == nil || strings.TrimSpace(req.AppID) == "" {
		return nil, "", reject(ErrUnknownApplication, "app id missing")
	}
	cred, err := v.keys.Lookup(ctx, req.AppID)
	if err != nil {
		if errors.Is(err, ErrUnknownApplication) || errors.Is(err, ErrApplicationDisabled) {
			return nil, "", err
		}
		if errors.Is(err, ErrKeyStoreUnavailable) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("%w: %v", ErrKeyStoreUnavailable, err)
	}
	scheme := cred.Scheme()
	if strings.TrimSpace(req.Signature) == "" {
		return nil, scheme, reject(ErrInvalidSignature, "signature missing")
	}
	prov, err := v.providers.For(cred)
	if err != nil {
		return nil, scheme, err
	}
	now := v.now()

	signed := req
	if scheme != models.SchemeEnvelope {
		ts := req.Timestamp
		if ts == "" {
			// The body timestamp is signed like the header one.
			if ts = bodyTimestamp(req.Body); ts != "" {
				withTS := *req
				withTS.Timestamp = ts
				signed = &withTS
			}
		}
		if ts == "" {
			if v.requireTimestamp {
				return nil, scheme, reject(ErrStaleRequest, "timestamp missing")
			}
		} else if err := v.checkWindow(ts, now); err != nil {
			return nil, scheme, err
		}
	}

	key, err := v.resolveKey(cred, req.KeyVersion, now)
	if err != nil {
		return nil, scheme, err
	}
	canonical, err := prov.Canonicalize(signed, cred.SignConfig)
	if err != nil {
		return nil, scheme, err
	}
	if err := prov.Verify(canonical, req.Signature, key, now); err != nil {
		return nil, scheme, err
	}

	if v.nonces != nil && strings.TrimSpace(req.Nonce) != "" {
		fresh, err := v.nonces.Claim(ctx, cred.Name, req.Nonce, 2*v.maxSkew)
		if err != nil {
			return nil, scheme, fmt.Errorf("%w: nonce guard: %v", ErrKeyStoreUnavailable, err)
		}
		if !fresh {
			return nil, scheme, reject(ErrReplayedNonce, "")
		}
	}

	return &Identity{
		AppID:      cred.ID,
		AppName:    cred.Name,
		Domain:     cred.Domain,
		Scheme:     scheme,
		KeyVersion: key.Version,
		Scope:      append([]string(nil), cred.SignConfig.Scope...),
		RateLimit:  cred.RateLimit,
	}, scheme, nil
}

// checkWindow accepts |now - ts| <= maxSkew. Values above 1e12 are milliseconds.
func (v *Verifier) checkWindow(raw string, now time.Time) error {
	ts, err := ParseTimestamp(raw)
	if err != nil {
		return reject(ErrStaleRequest, "timestamp unparsable")
	}
	delta := now.Sub(ts)
	if delta > v.maxSkew {
		return reject(ErrStaleRequest, fmt.Sprintf("skew %s", delta.Truncate(time.Second)))
	}
	if -delta > v.maxSkew {
		return reject(ErrFutureRequest, fmt.Sprintf("skew %s", (-delta).Truncate(time.Second)))
	}
	return nil
}

// ParseTimestamp reads unix seconds (fractional allowed) or milliseconds.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > 1e15 {
		return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
	}
	if f > 1e12 {
		return time.UnixMilli(int64(f)), nil
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)), nil
}

func bodyTimestamp(body []byte) string {
	if len(body) == 0 || body[0] != '{' {
		return ""
	}
	var doc struct {
		Timestamp json.RawMessage `json:"timestamp"`
	}
	if json.Unmarshal(body, &doc) != nil || len(doc.Timestamp) == 0 {
		return ""
	}
	raw := strings.TrimSpace(string(doc.Timestamp))
	if unq, err := strconv.Unquote(raw); err == nil {
		return unq
	}
	if raw == "null" {
		return ""
	}
	return raw
}

func (v *Verifier) resolveKey(cred *models.AppCredential, declared string, now time.Time) (KeyMaterial, error) {
	current := KeyMaterial{
		Version:   cred.KeyVersion,
		Secret:    cred.PrivateKey,
		PublicKey: cred.PublicKey,
		Config:    cred.SignConfig,
	}
	declared = strings.TrimSpace(declared)
	if declared == "" || !v.graceEnabled {
		return current, nil
	}
	version, err := strconv.Atoi(declared)
	if err != nil {
		return KeyMaterial{}, reject(ErrInvalidSignature, "key version unparsable")
	}
	if version == cred.KeyVersion {
		return current, nil
	}
	for _, g := range cred.SignConfig.GraceVersions {
		if g.Version != version {
			continue
		}
		if !g.NotAfter.IsZero() && now.After(g.NotAfter) {
			return KeyMaterial{}, reject(ErrInvalidSignature, fmt.Sprintf("key version %d retired", version))
		}
		return KeyMaterial{Version: g.Version, Secret: g.Secret, PublicKey: g.PublicKey, Config: cred.SignConfig}, nil
	}
	return KeyMaterial{}, reject(ErrInvalidSignature, fmt.Sprintf("key version %d unknown", version))
}
