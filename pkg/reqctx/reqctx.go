// Package reqctx carries per-request trace state: the trace key, the current
// tollgate and caller identity. A RequestContext is owned by exactly one
// goroutine; work handed to another goroutine gets its own copy via Detach.
package reqctx

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const DefaultSource = "http"

type RequestContext struct {
	TraceKey     string            `json:"trace_key"`
	RootTraceKey string            `json:"root_trace_key,omitempty"`
	Source       string            `json:"source"`
	BaseStage    string            `json:"base_stage"`
	Ordinal      int               `json:"ordinal"`
	AppID        string            `json:"app_id,omitempty"`
	AppName      string            `json:"app_name,omitempty"`
	UserID       string            `json:"user_id,omitempty"`
	UserName     string            `json:"user_name,omitempty"`
	MethodName   string            `json:"method_name,omitempty"`
	ClientIP     string            `json:"client_ip,omitempty"`
	Ext          map[string]string `json:"ext,omitempty"`
}

// New starts a pipeline at <base>-1 under a fresh trace key.
func New(source, base string) *RequestContext {
	if source == "" {
		source = DefaultSource
	}
	return &RequestContext{
		TraceKey:  uuid.NewString(),
		Source:    source,
		BaseStage: base,
		Ordinal:   1,
	}
}

// Stage is the current tollgate label.
func (rc *RequestContext) Stage() string {
	return rc.BaseStage + "-" + strconv.Itoa(rc.Ordinal)
}

// Rebase restarts sequencing under a new base, keeping the trace key.
func (rc *RequestContext) Rebase(base string) {
	rc.BaseStage = base
	rc.Ordinal = 1
}

func (rc *RequestContext) Set(key, value string) {
	if rc.Ext == nil {
		rc.Ext = map[string]string{}
	}
	rc.Ext[key] = value
}

func (rc *RequestContext) Get(key string) string {
	return rc.Ext[key]
}

// Clone returns an independent deep copy.
func (rc *RequestContext) Clone() *RequestContext {
	if rc == nil {
		return nil
	}
	out := *rc
	if rc.Ext != nil {
		out.Ext = make(map[string]string, len(rc.Ext))
		for k, v := range rc.Ext {
			out.Ext[k] = v
		}
	}
	return &out
}

// Detach is the copy handed to background work. The trace key is kept and the
// ingress key is recorded as the root.
func (rc *RequestContext) Detach() *RequestContext {
	out := rc.Clone()
	if out != nil && out.RootTraceKey == "" {
		out.RootTraceKey = out.TraceKey
	}
	return out
}

func (rc *RequestContext) Marshal() ([]byte, error) {
	return json.Marshal(rc)
}

// Unmarshal restores a context serialized by Marshal, e.g. from a task queue.
func Unmarshal(raw []byte) (*RequestContext, error) {
	var rc RequestContext
	if err := json.Unmarshal(raw, &rc); err != nil {
		return nil, err
	}
	if strings.TrimSpace(rc.TraceKey) == "" {
		return nil, errors.New("request context without trace key")
	}
	if rc.Ordinal <= 0 {
		rc.Ordinal = 1
	}
	return &rc, nil
}

type ctxKey struct{}

// WithContext stores rc by pointer; the handler that created it owns it.
func WithContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(*RequestContext)
	return rc, ok && rc != nil
}
