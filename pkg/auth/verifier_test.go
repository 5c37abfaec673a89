package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"mediagate/pkg/metrics"
	"mediagate/pkg/models"
	"mediagate/pkg/store"
)

const testAppID = "6f1c9a52-3b7e-4d0a-9a55-2f1f0c1b7e11"

var testNow = time.Unix(1_700_000_000, 0)

func fixedClock() time.Time { return testNow }

func hmacCredential() models.AppCredential {
	return models.AppCredential{
		ID:         testAppID,
		Name:       "media-portal",
		Domain:     "portal.example.com",
		PrivateKey: "portal-secret",
		KeyVersion: 2,
		SignType:   models.SchemeHMACSHA256,
		SignConfig: models.SignConfig{Scope: []string{"media:extract"}},
		RateLimit:  50,
		Status:     models.AppActive,
	}
}

func signHMACRequest(t *testing.T, secret string, cfg models.SignConfig, req *models.SignedRequest) *models.SignedRequest {
	t.Helper()
	canonical, err := HMACProvider{}.Canonicalize(req, cfg)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	req.Signature = SignHMAC(secret, canonical)
	return req
}

func newHMACRequest(t *testing.T, ts string) *models.SignedRequest {
	return signHMACRequest(t, "portal-secret", models.SignConfig{}, &models.SignedRequest{
		Method:    http.MethodPost,
		Path:      "/v1/media/extract",
		Body:      []byte(`{"url":"https://example.com/v/1"}`),
		AppID:     testAppID,
		Timestamp: ts,
	})
}

func unix(offset time.Duration) string {
	return strconv.FormatInt(testNow.Add(offset).Unix(), 10)
}

func expectCode(t *testing.T, err error, code string) *SignatureError {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s, got success", code)
	}
	var se *SignatureError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SignatureError, got %T: %v", err, err)
	}
	if se.Code != code {
		t.Fatalf("code = %s (%v), want %s", se.Code, se, code)
	}
	return se
}

func TestVerifyHMACRoundTrip(t *testing.T) {
	reg := metrics.NewRegistry()
	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock), WithMetrics(reg))
	id, err := v.Verify(context.Background(), newHMACRequest(t, unix(0)))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.AppID != testAppID || id.AppName != "media-portal" || id.Scheme != models.SchemeHMACSHA256 {
		t.Fatalf("unexpected identity %+v", id)
	}
	if id.KeyVersion != 2 || id.RateLimit != 50 || len(id.Scope) != 1 {
		t.Fatalf("identity lost credential fields: %+v", id)
	}
	if n, err := testutil.GatherAndCount(reg.Gatherer(), "mediagate_signature_verifications_total"); err != nil || n != 1 {
		t.Fatalf("verification series = %d err=%v", n, err)
	}
}

func TestVerifyHMACTamper(t *testing.T) {
	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	ctx := context.Background()

	req := newHMACRequest(t, unix(0))
	req.Body = []byte(`{"url":"https://example.com/v/2"}`)
	expectCode(t, mustFail(v.Verify(ctx, req)), "INVALID_SIGNATURE")

	req = newHMACRequest(t, unix(0))
	sig := []byte(req.Signature)
	if sig[0] == 'A' {
		sig[0] = 'B'
	} else {
		sig[0] = 'A'
	}
	req.Signature = string(sig)
	expectCode(t, mustFail(v.Verify(ctx, req)), "INVALID_SIGNATURE")

	req = newHMACRequest(t, unix(0))
	req.Timestamp = unix(time.Second)
	expectCode(t, mustFail(v.Verify(ctx, req)), "INVALID_SIGNATURE")

	req = newHMACRequest(t, unix(0))
	req.Signature = "%%%not-base64"
	expectCode(t, mustFail(v.Verify(ctx, req)), "INVALID_SIGNATURE")

	req = newHMACRequest(t, unix(0))
	req.Signature = ""
	expectCode(t, mustFail(v.Verify(ctx, req)), "INVALID_SIGNATURE")
}

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

func TestVerifyHMACRejectsEverySingleCharacterChange(t *testing.T) {
	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	ctx := context.Background()
	valid := newHMACRequest(t, unix(0))
	if _, err := v.Verify(ctx, valid); err != nil {
		t.Fatalf("valid signature: %v", err)
	}
	if !strings.HasSuffix(valid.Signature, "=") {
		t.Fatalf("expected padded signature, got %q", valid.Signature)
	}

	for i := 0; i < len(valid.Signature); i++ {
		for _, c := range base64Alphabet + "=-_" {
			if byte(c) == valid.Signature[i] {
				continue
			}
			sig := []byte(valid.Signature)
			sig[i] = byte(c)
			req := *valid
			req.Signature = string(sig)
			if _, err := v.Verify(ctx, &req); !errors.Is(err, ErrInvalidSignature) {
				t.Fatalf("position %d changed to %q: err = %v", i, c, err)
			}
		}
	}

	variants := map[string]string{
		"padding trimmed": strings.TrimRight(valid.Signature, "="),
		"url alphabet":    base64.URLEncoding.EncodeToString(mustDecodeStd(t, valid.Signature)),
		"extra padding":   valid.Signature + "=",
		"line break":      valid.Signature[:10] + "\n" + valid.Signature[10:],
	}
	for name, sig := range variants {
		if sig == valid.Signature {
			continue
		}
		req := *valid
		req.Signature = sig
		if _, err := v.Verify(ctx, &req); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("%s: err = %v", name, err)
		}
	}
}

func mustDecodeStd(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func mustFail(_ *Identity, err error) error { return err }

func TestVerifyTimestampWindow(t *testing.T) {
	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	ctx := context.Background()
	tests := []struct {
		name string
		ts   string
		code string
	}{
		{"exact past edge", unix(-300 * time.Second), ""},
		{"exact future edge", unix(300 * time.Second), ""},
		{"one second stale", unix(-301 * time.Second), "STALE_REQUEST"},
		{"one second ahead", unix(301 * time.Second), "FUTURE_REQUEST"},
		{"milliseconds", strconv.FormatInt(testNow.UnixMilli(), 10), ""},
		{"stale milliseconds", strconv.FormatInt(testNow.Add(-10*time.Minute).UnixMilli(), 10), "STALE_REQUEST"},
		{"unparsable", "yesterday", "STALE_REQUEST"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(ctx, newHMACRequest(t, tc.ts))
			if tc.code == "" {
				if err != nil {
					t.Fatalf("expected success, got %v", err)
				}
				return
			}
			se := expectCode(t, err, tc.code)
			if !se.Retryable {
				t.Fatalf("%s must be retryable", tc.code)
			}
		})
	}
}

func TestVerifyMissingTimestamp(t *testing.T) {
	ctx := context.Background()
	req := func() *models.SignedRequest {
		return signHMACRequest(t, "portal-secret", models.SignConfig{}, &models.SignedRequest{
			Body:  []byte(`{"url":"x"}`),
			AppID: testAppID,
		})
	}
	strict := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	expectCode(t, mustFail(strict.Verify(ctx, req())), "STALE_REQUEST")

	lenient := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock), WithOptionalTimestamp())
	if _, err := lenient.Verify(ctx, req()); err != nil {
		t.Fatalf("optional timestamp: %v", err)
	}
}

func TestVerifyBodyTimestampFallback(t *testing.T) {
	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	body := []byte(`{"timestamp":` + unix(-10*time.Second) + `,"url":"x"}`)
	req := signHMACRequest(t, "portal-secret", models.SignConfig{}, &models.SignedRequest{
		Body:      body,
		AppID:     testAppID,
		Timestamp: unix(-10 * time.Second),
	})
	req.Timestamp = ""
	if _, err := v.Verify(context.Background(), req); err != nil {
		t.Fatalf("body timestamp: %v", err)
	}
	if req.Timestamp != "" {
		t.Fatalf("Verify wrote %q into the caller's request", req.Timestamp)
	}
	// A second pass over the same request sees the same input.
	if _, err := v.Verify(context.Background(), req); err != nil {
		t.Fatalf("body timestamp, second pass: %v", err)
	}

	stale := []byte(`{"timestamp":"` + unix(-time.Hour) + `"}`)
	req = &models.SignedRequest{Body: stale, AppID: testAppID, Signature: "AAAA"}
	expectCode(t, mustFail(v.Verify(context.Background(), req)), "STALE_REQUEST")
}

func TestVerifyIncludePathAndCanonicalJSON(t *testing.T) {
	cred := hmacCredential()
	cred.SignConfig.IncludePath = true
	cred.SignConfig.CanonicalJSON = true
	v := NewVerifier(NewStaticKeyStore(cred), WithClock(fixedClock))

	signed := signHMACRequest(t, cred.PrivateKey, cred.SignConfig, &models.SignedRequest{
		Method:    "post",
		Path:      "/v1/media/extract",
		Body:      []byte(`{"b":1,"a":2}`),
		AppID:     testAppID,
		Timestamp: unix(0),
	})
	// Same document, different key order and whitespace.
	signed.Body = []byte(`{ "a": 2, "b": 1 }`)
	if _, err := v.Verify(context.Background(), signed); err != nil {
		t.Fatalf("canonical json should absorb formatting: %v", err)
	}
	signed.Path = "/v1/secure/echo"
	expectCode(t, mustFail(v.Verify(context.Background(), signed)), "INVALID_SIGNATURE")
}

func TestVerifyCredentialOutcomes(t *testing.T) {
	disabled := hmacCredential()
	disabled.ID, disabled.Name, disabled.Status = "app-disabled", "old-portal", models.AppDisabled
	exotic := hmacCredential()
	exotic.ID, exotic.Name, exotic.SignType = "app-exotic", "exotic", "ed25519"
	keys := NewStaticKeyStore(hmacCredential(), disabled, exotic)
	v := NewVerifier(keys, WithClock(fixedClock))
	ctx := context.Background()

	se := expectCode(t, mustFail(v.Verify(ctx, &models.SignedRequest{AppID: "nobody", Signature: "x", Timestamp: unix(0)})), "UNKNOWN_APPLICATION")
	if se.HTTPStatus() != http.StatusUnauthorized || se.Retryable {
		t.Fatalf("unknown app classification: %+v", se)
	}
	se = expectCode(t, mustFail(v.Verify(ctx, &models.SignedRequest{AppID: "app-disabled", Signature: "x", Timestamp: unix(0)})), "APPLICATION_DISABLED")
	if se.HTTPStatus() != http.StatusForbidden {
		t.Fatalf("disabled status = %d", se.HTTPStatus())
	}
	expectCode(t, mustFail(v.Verify(ctx, &models.SignedRequest{AppID: "exotic", Signature: "x", Timestamp: unix(0)})), "UNSUPPORTED_SCHEME")
	expectCode(t, mustFail(v.Verify(ctx, &models.SignedRequest{Signature: "x"})), "UNKNOWN_APPLICATION")
	expectCode(t, mustFail(v.Verify(ctx, nil)), "UNKNOWN_APPLICATION")
}

type failingKeyStore struct{ err error }

func (f failingKeyStore) Lookup(context.Context, string) (*models.AppCredential, error) {
	return nil, f.err
}

func TestVerifyKeyStoreUnavailable(t *testing.T) {
	v := NewVerifier(failingKeyStore{err: errors.New("dial tcp: connection refused")}, WithClock(fixedClock))
	se := expectCode(t, mustFail(v.Verify(context.Background(), newHMACRequest(t, unix(0)))), "KEYSTORE_UNAVAILABLE")
	if !se.Retryable || se.HTTPStatus() != http.StatusServiceUnavailable {
		t.Fatalf("keystore failure classification: %+v status=%d", se, se.HTTPStatus())
	}
	if !errors.Is(se, ErrKeyStoreUnavailable) {
		t.Fatal("classified error must unwrap to ErrKeyStoreUnavailable")
	}
}

func TestVerifyKeyGrace(t *testing.T) {
	cred := hmacCredential()
	cred.SignConfig.GraceVersions = []models.GraceVersion{
		{Version: 1, Secret: "portal-secret-v1", NotAfter: testNow.Add(time.Hour)},
		{Version: 0, Secret: "portal-secret-v0", NotAfter: testNow.Add(-time.Second)},
	}
	keys := NewStaticKeyStore(cred)
	ctx := context.Background()
	oldReq := func(version, secret string) *models.SignedRequest {
		r := signHMACRequest(t, secret, models.SignConfig{}, &models.SignedRequest{
			Body: []byte(`{}`), AppID: testAppID, Timestamp: unix(0),
		})
		r.KeyVersion = version
		return r
	}

	graced := NewVerifier(keys, WithClock(fixedClock), WithKeyGrace(true))
	id, err := graced.Verify(ctx, oldReq("1", "portal-secret-v1"))
	if err != nil {
		t.Fatalf("grace version rejected: %v", err)
	}
	if id.KeyVersion != 1 {
		t.Fatalf("key version = %d", id.KeyVersion)
	}
	if _, err := graced.Verify(ctx, oldReq("2", "portal-secret")); err != nil {
		t.Fatalf("current version rejected: %v", err)
	}
	expectCode(t, mustFail(graced.Verify(ctx, oldReq("0", "portal-secret-v0"))), "INVALID_SIGNATURE")
	expectCode(t, mustFail(graced.Verify(ctx, oldReq("7", "portal-secret"))), "INVALID_SIGNATURE")
	expectCode(t, mustFail(graced.Verify(ctx, oldReq("v1", "portal-secret"))), "INVALID_SIGNATURE")

	strict := NewVerifier(keys, WithClock(fixedClock))
	expectCode(t, mustFail(strict.Verify(ctx, oldReq("1", "portal-secret-v1"))), "INVALID_SIGNATURE")
}

func TestVerifyNonceReplay(t *testing.T) {
	v := NewVerifier(NewStaticKeyStore(hmacCredential()),
		WithClock(fixedClock),
		WithNonceGuard(CacheNonceGuard{Cache: store.NewMemoryCache()}))
	ctx := context.Background()
	req := newHMACRequest(t, unix(0))
	req.Nonce = "n-1"
	if _, err := v.Verify(ctx, req); err != nil {
		t.Fatalf("first use: %v", err)
	}
	expectCode(t, mustFail(v.Verify(ctx, req)), "REPLAYED_NONCE")

	// A forged request must not burn the nonce.
	forged := newHMACRequest(t, unix(0))
	forged.Nonce = "n-2"
	forged.Signature = SignHMAC("wrong", []byte("x"))
	expectCode(t, mustFail(v.Verify(ctx, forged)), "INVALID_SIGNATURE")
	genuine := newHMACRequest(t, unix(0))
	genuine.Nonce = "n-2"
	if _, err := v.Verify(ctx, genuine); err != nil {
		t.Fatalf("genuine request after forgery: %v", err)
	}
}

func TestVerifierConcurrentUse(t *testing.T) {
	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	errs := make(chan error, 32)
	for i := 0; i < cap(errs); i++ {
		req := newHMACRequest(t, unix(0))
		go func() {
			_, err := v.Verify(context.Background(), req)
			errs <- err
		}()
	}
	for i := 0; i < cap(errs); i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent verify: %v", err)
		}
	}
}

func TestParseTimestamp(t *testing.T) {
	got, err := ParseTimestamp("1700000000.5")
	if err != nil || got.UnixMilli() != 1_700_000_000_500 {
		t.Fatalf("fractional seconds: %v %v", got, err)
	}
	got, err = ParseTimestamp(" 1700000000123 ")
	if err != nil || got.UnixMilli() != 1_700_000_000_123 {
		t.Fatalf("milliseconds: %v %v", got, err)
	}
	for _, bad := range []string{"", "-5", "NaN", "abc", "1e20"} {
		if _, err := ParseTimestamp(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestClassify(t *testing.T) {
	if Classify(nil) != nil {
		t.Fatal("nil error must classify to nil")
	}
	se := Classify(errors.New("surprise"))
	if se.Code != "INVALID_SIGNATURE" || !errors.Is(se, ErrInvalidSignature) {
		t.Fatalf("unstructured error: %+v", se)
	}
	se = Classify(ErrSignatureExpired)
	if se.Code != "SIGNATURE_EXPIRED" || se.Detail != "" || se.Error() != ErrSignatureExpired.Error() {
		t.Fatalf("expired: %+v", se)
	}
	se = Classify(errors.Join(ErrMalformedEnvelope, errors.New("bad")))
	if se.Code != "MALFORMED_ENVELOPE" || se.HTTPStatus() != http.StatusBadRequest {
		t.Fatalf("malformed: %+v", se)
	}
}
