package logger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func TestMapGormLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want gormlogger.LogLevel
	}{
		{"silent", gormlogger.Silent},
		{"error", gormlogger.Error},
		{"warn", gormlogger.Warn},
		{"info", gormlogger.Info},
		{"debug", gormlogger.Info},
		{"unknown", gormlogger.Warn},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MapGormLogLevel(tt.in), "level %q", tt.in)
	}
}

func TestGormLogger_LogMode(t *testing.T) {
	logger, _ := newObservedLogger()
	gl := NewGormLogger(logger, gormlogger.Warn)

	silenced := gl.LogMode(gormlogger.Silent)

	assert.NotSame(t, gl, silenced, "LogMode returns a copy")
	assert.Equal(t, gormlogger.Warn, gl.logLevel, "the original keeps its level")
}

func TestGormLogger_Trace(t *testing.T) {
	query := func() (string, int64) { return "SELECT 1", 1 }

	t.Run("logs successful queries at debug when level is info", func(t *testing.T) {
		logger, logs := newObservedLogger()
		gl := NewGormLogger(logger, gormlogger.Info)

		gl.Trace(context.Background(), time.Now(), query, nil)

		entries := logs.FilterMessage("query").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zap.DebugLevel, entries[0].Level)
		assert.Equal(t, "SELECT 1", entries[0].ContextMap()["sql"])
	})

	t.Run("logs failures at error", func(t *testing.T) {
		logger, logs := newObservedLogger()
		gl := NewGormLogger(logger, gormlogger.Error)

		gl.Trace(context.Background(), time.Now(), query, errors.New("deadlock detected"))

		entries := logs.FilterMessage("query failed").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zap.ErrorLevel, entries[0].Level)
	})

	t.Run("record not found is not an error", func(t *testing.T) {
		logger, logs := newObservedLogger()
		gl := NewGormLogger(logger, gormlogger.Error)

		gl.Trace(context.Background(), time.Now(), query, gormlogger.ErrRecordNotFound)

		assert.Zero(t, logs.Len())
	})

	t.Run("slow queries log at warn", func(t *testing.T) {
		logger, logs := newObservedLogger()
		gl := NewGormLogger(logger, gormlogger.Warn)

		began := time.Now().Add(-2 * slowQueryThreshold)
		gl.Trace(context.Background(), began, query, nil)

		entries := logs.FilterMessage("slow query").All()
		require.Len(t, entries, 1)
		assert.Equal(t, zap.WarnLevel, entries[0].Level)
	})

	t.Run("silent level suppresses everything", func(t *testing.T) {
		logger, logs := newObservedLogger()
		gl := NewGormLogger(logger, gormlogger.Silent)

		gl.Trace(context.Background(), time.Now(), query, errors.New("ignored"))

		assert.Zero(t, logs.Len())
	})

	t.Run("carries request and org identifiers from the context", func(t *testing.T) {
		logger, logs := newObservedLogger()
		gl := NewGormLogger(logger, gormlogger.Info)

		ctx, _ := WithRequestID(context.Background(), logger, "req-7")
		ctx, _ = WithOrgID(ctx, logger, "org-7")
		gl.Trace(ctx, time.Now(), query, nil)

		entries := logs.FilterMessage("query").All()
		require.Len(t, entries, 1)
		ctxMap := entries[0].ContextMap()
		assert.Equal(t, "req-7", ctxMap["request_id"])
		assert.Equal(t, "org-7", ctxMap["org_id"])
	})
}
