package models

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

// AppStatus mirrors meta_app.status (0 disabled, 1 active, 2 pending).
type AppStatus int

const (
	AppDisabled AppStatus = 0
	AppActive   AppStatus = 1
	AppPending  AppStatus = 2
)

func (s AppStatus) String() string {
	switch s {
	case AppActive:
		return "active"
	case AppPending:
		return "pending"
	default:
		return "disabled"
	}
}

// Scheme tags stored in meta_app.sign_type.
const (
	SchemeHMACSHA256 = "hmac_sha256"
	SchemeRSA        = "rsa"
	SchemeEnvelope   = "envelope"
)

// AppCredential is a registered caller application and its signing material.
type AppCredential struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Domain     string     `json:"domain,omitempty"`
	PublicKey  string     `json:"public_key,omitempty"`
	PrivateKey string     `json:"private_key,omitempty"`
	KeyVersion int        `json:"key_version"`
	SignType   string     `json:"sign_type,omitempty"`
	SignConfig SignConfig `json:"sign_config"`
	RateLimit  int        `json:"rate_limit"`
	Status     AppStatus  `json:"status"`
}

// SignConfig is the scheme-specific document stored in meta_app.sign_config.
type SignConfig struct {
	DefaultSignType string         `json:"default_sign_type,omitempty"`
	IncludePath     bool           `json:"include_path,omitempty"`
	CanonicalJSON   bool           `json:"canonical_json,omitempty"`
	Padding         string         `json:"padding,omitempty"`
	Scope           []string       `json:"scope,omitempty"`
	GraceVersions   []GraceVersion `json:"grace_versions,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// GraceVersion keeps a retired key verifiable until NotAfter.
type GraceVersion struct {
	Version   int       `json:"version"`
	Secret    string    `json:"secret,omitempty"`
	PublicKey string    `json:"public_key,omitempty"`
	NotAfter  time.Time `json:"not_after"`
}

// ParseSignConfig decodes the stored document. Empty or "null" yields the zero config.
func ParseSignConfig(raw []byte) (SignConfig, error) {
	var cfg SignConfig
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return cfg, nil
	}
	if err := json.Unmarshal([]byte(trimmed), &cfg); err != nil {
		return SignConfig{}, err
	}
	return cfg, nil
}

// Scheme resolves the provider tag for the credential. The client never chooses it.
func (c AppCredential) Scheme() string {
	if s := strings.ToLower(strings.TrimSpace(c.SignType)); s != "" {
		return s
	}
	if s := strings.ToLower(strings.TrimSpace(c.SignConfig.DefaultSignType)); s != "" {
		return s
	}
	return SchemeHMACSHA256
}

// SignedRequest is the transient view of an inbound call consumed by the verifier.
type SignedRequest struct {
	Method     string
	Path       string
	Body       []byte
	Header     http.Header
	AppID      string
	Signature  string
	Timestamp  string
	Nonce      string
	KeyVersion string
	ClientIP   string
}

// Level is a trace severity.
type Level string

const (
	LevelDebug    Level = "debug"
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelError    Level = "error"
	LevelCritical Level = "critical"
)

// Rank orders levels; unknown values rank as info.
func (l Level) Rank() int {
	switch Level(strings.ToLower(string(l))) {
	case LevelDebug:
		return 0
	case LevelWarning, "warn":
		return 2
	case LevelError:
		return 3
	case LevelCritical:
		return 4
	default:
		return 1
	}
}

// ParseLevel normalizes a level name, defaulting to info.
func ParseLevel(raw string) Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarning
	case "error":
		return LevelError
	case "critical", "fatal":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// TraceEvent is one immutable row of log_trace.
type TraceEvent struct {
	ID         string            `json:"id"`
	TraceKey   string            `json:"trace_key"`
	RootKey    string            `json:"root_trace_key,omitempty"`
	Source     string            `json:"source"`
	AppID      string            `json:"app_id,omitempty"`
	UserID     string            `json:"user_id,omitempty"`
	UniID      string            `json:"uni_id,omitempty"`
	EntityID   string            `json:"entity_id,omitempty"`
	Type       string            `json:"type,omitempty"`
	MethodName string            `json:"method_name,omitempty"`
	Tollgate   string            `json:"tollgate"`
	Level      Level             `json:"level"`
	Params     map[string]any    `json:"para,omitempty"`
	Headers    map[string]string `json:"header,omitempty"`
	Body       string            `json:"body,omitempty"`
	Memo       string            `json:"memo,omitempty"`
	ClientIP   string            `json:"ip_address,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
