package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/telecare/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	gormlogger "gorm.io/gorm/logger"
)

func TestWithContextAddsRequestID(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := correlation.ContextWithCorrelationID(context.Background(), "req-42")
	WithContext(ctx, base).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "", fields["trace_id"])
}

func TestGinMiddlewareEchoesRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(MiddlewareConfig{}))

	var seen string
	r.GET("/ping", func(c *gin.Context) {
		seen = correlation.ExtractCorrelationID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-Id", "abc")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestStatementTarget(t *testing.T) {
	cases := []struct {
		sql       string
		operation string
		table     string
	}{
		{sql: "UPDATE usage_ledgers SET used_value = used_value + 1", operation: "UPDATE", table: "usage_ledgers"},
		{sql: `SELECT * FROM "usage_ledgers" WHERE id = 1`, operation: "SELECT", table: "usage_ledgers"},
		{sql: "INSERT INTO usage_history_entries (id) VALUES (1)", operation: "INSERT", table: "usage_history_entries"},
		{sql: "SELECT COALESCE(SUM(used_amount), 0) FROM usage_history_entries", operation: "SELECT", table: "usage_history_entries"},
		{sql: "WITH x AS (SELECT 1) SELECT * FROM x", operation: "SELECT", table: "x"},
		{sql: "", operation: "UNKNOWN", table: ""},
	}
	for _, tc := range cases {
		operation, table := statementTarget(tc.sql)
		assert.Equal(t, tc.operation, operation, tc.sql)
		assert.Equal(t, tc.table, table, tc.sql)
	}
}

func TestGormLoggerCarriesLedgerKey(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	gl := NewGormLogger(zap.New(core), GormLoggerConfig{Level: gormlogger.Info})

	ctx := ContextWithSubscription(context.Background(), " 300 ", "teleconsultation")
	gl.Trace(ctx, time.Now(), func() (string, int64) {
		return "UPDATE usage_ledgers SET used_value = used_value + 1 WHERE id = 7", 1
	}, nil)

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "gorm.query", entry.Message)
	fields := entry.ContextMap()
	assert.Equal(t, "300", fields["subscription_id"])
	assert.Equal(t, "teleconsultation", fields["privilege"])
	assert.Equal(t, "usage_ledgers", fields["table"])
	assert.Equal(t, int64(1), fields["rows_affected"])
}

func TestGormLoggerSlowThresholdFollowsBudget(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	budget := 400 * time.Millisecond
	gl := NewGormLogger(zap.New(core), DefaultGormLoggerConfig(func() time.Duration { return budget }))
	assert.Equal(t, 100*time.Millisecond, gl.SlowThreshold())

	query := func() (string, int64) { return "SELECT * FROM usage_ledgers", 1 }
	gl.Trace(context.Background(), time.Now().Add(-50*time.Millisecond), query, nil)
	assert.Zero(t, logs.Len())

	budget = 100 * time.Millisecond
	gl.Trace(context.Background(), time.Now().Add(-50*time.Millisecond), query, nil)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "gorm.slow_query", logs.All()[0].Message)
	assert.Equal(t, int64(100), logs.All()[0].ContextMap()["storage_budget_ms"])

	gl.Trace(context.Background(), time.Now(), query, gormlogger.ErrRecordNotFound)
	assert.Equal(t, 1, logs.Len())

	assert.Zero(t, NewGormLogger(nil, GormLoggerConfig{}).SlowThreshold())
}
