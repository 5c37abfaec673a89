package trace

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"mediagate/pkg/metrics"
	"mediagate/pkg/models"
)

type traceDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const logTraceColumns = `id, trace_key, root_trace_key, source, app_id, user_id, uni_id, entity_id, type,
	method_name, tollgate, level, para, header, body, memo, ip_address, created_at`

const logTraceColumnCount = 18

// PostgresSink appends batches to log_trace. Writes go through a circuit
// breaker so a down database costs one fast failure per batch instead of a
// full write timeout.
type PostgresSink struct {
	DB      traceDB
	breaker *gobreaker.CircuitBreaker
}

func NewPostgresSink(db traceDB, logger *zap.Logger, m *metrics.Registry) *PostgresSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        "log_trace",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			m.SetBreakerState(name, int(to))
		},
	}
	return &PostgresSink{DB: db, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (s *PostgresSink) Write(ctx context.Context, events []models.TraceEvent) error {
	if len(events) == 0 {
		return nil
	}
	sql, args, err := buildInsert(events)
	if err != nil {
		return err
	}
	exec := func() (interface{}, error) {
		return s.DB.Exec(ctx, sql, args...)
	}
	if s.breaker == nil {
		_, err = exec()
		return err
	}
	_, err = s.breaker.Execute(exec)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
	}
	return err
}

func buildInsert(events []models.TraceEvent) (string, []any, error) {
	var b strings.Builder
	b.WriteString("INSERT INTO log_trace (")
	b.WriteString(logTraceColumns)
	b.WriteString(") VALUES ")
	args := make([]any, 0, len(events)*logTraceColumnCount)
	for i, e := range events {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		for c := 0; c < logTraceColumnCount; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "$%d", i*logTraceColumnCount+c+1)
		}
		b.WriteByte(')')

		para, err := jsonColumn(e.Params)
		if err != nil {
			return "", nil, fmt.Errorf("trace %s params: %w", e.ID, err)
		}
		header, err := jsonColumn(e.Headers)
		if err != nil {
			return "", nil, fmt.Errorf("trace %s headers: %w", e.ID, err)
		}
		args = append(args,
			e.ID, e.TraceKey, nullable(e.RootKey), e.Source, nullable(e.AppID), nullable(e.UserID),
			nullable(e.UniID), nullable(e.EntityID), nullable(e.Type), nullable(e.MethodName),
			e.Tollgate, string(e.Level), para, header, nullable(Truncate(e.Body, MaxBodyChars)),
			nullable(e.Memo), nullable(e.ClientIP), e.CreatedAt,
		)
	}
	return b.String(), args, nil
}

func jsonColumn[T any](v map[string]T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ByTraceKey reconstructs one request lifecycle ordered by creation time.
func (s *PostgresSink) ByTraceKey(ctx context.Context, traceKey string, limit int) ([]models.TraceEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.DB.Query(ctx, `
		SELECT id::text, trace_key, COALESCE(root_trace_key,''), source, COALESCE(app_id,''), COALESCE(user_id,''),
		       COALESCE(uni_id,''), COALESCE(entity_id,''), COALESCE(type,''), COALESCE(method_name,''),
		       tollgate, level, COALESCE(para::text,''), COALESCE(header::text,''), COALESCE(body,''),
		       COALESCE(memo,''), COALESCE(ip_address,''), created_at
		FROM log_trace WHERE trace_key=$1 OR root_trace_key=$1
		ORDER BY created_at ASC LIMIT $2
	`, traceKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TraceEvent
	for rows.Next() {
		var (
			e             models.TraceEvent
			level         string
			para, headers string
		)
		if err := rows.Scan(&e.ID, &e.TraceKey, &e.RootKey, &e.Source, &e.AppID, &e.UserID,
			&e.UniID, &e.EntityID, &e.Type, &e.MethodName, &e.Tollgate, &level, &para, &headers,
			&e.Body, &e.Memo, &e.ClientIP, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Level = models.Level(level)
		if para != "" {
			_ = json.Unmarshal([]byte(para), &e.Params)
		}
		if headers != "" {
			_ = json.Unmarshal([]byte(headers), &e.Headers)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
