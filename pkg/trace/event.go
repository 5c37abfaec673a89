// Package trace records one event per pipeline stage and persists them off the
// request path.
package trace

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"mediagate/pkg/models"
	"mediagate/pkg/reqctx"
)

// MaxBodyChars bounds TraceEvent.Body.
const MaxBodyChars = 10000

// ErrTraceQueueSaturated is logged when an event is dropped under load.
var ErrTraceQueueSaturated = errors.New("trace queue saturated")

// NewEvent builds an event for tollgate from the request context. rc may be nil
// for events outside any request.
func NewEvent(rc *reqctx.RequestContext, tollgate string, level models.Level, memo string) models.TraceEvent {
	evt := models.TraceEvent{
		ID:        uuid.NewString(),
		Tollgate:  tollgate,
		Level:     level,
		Memo:      memo,
		CreatedAt: time.Now().UTC(),
	}
	if rc != nil {
		evt.TraceKey = rc.TraceKey
		evt.RootKey = rc.RootTraceKey
		evt.Source = rc.Source
		evt.AppID = rc.AppID
		evt.UserID = rc.UserID
		evt.MethodName = rc.MethodName
		evt.ClientIP = rc.ClientIP
		evt.EntityID = rc.Get("entity_id")
		evt.UniID = rc.Get("uni_id")
	}
	return evt
}

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func normalize(evt models.TraceEvent) models.TraceEvent {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = time.Now().UTC()
	}
	if evt.Level == "" {
		evt.Level = models.LevelInfo
	}
	evt.Body = Truncate(evt.Body, MaxBodyChars)
	return evt
}
