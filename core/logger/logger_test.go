package logger_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/zonequeue/core/logger"
)

type ctxKey struct{}

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("json with attrs", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(
			logger.WithJSONFormatter(),
			logger.WithOutput(&buf),
			logger.WithAttr(slog.String("service", "queue")),
		)
		log.Info("request completed", logger.Zone("z1"), logger.Component("manager"))

		out := buf.String()
		assert.Contains(t, out, `"msg":"request completed"`)
		assert.Contains(t, out, `"zone":"z1"`)
		assert.Contains(t, out, `"service":"queue"`)
	})

	t.Run("level filter", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(logger.WithOutput(&buf), logger.WithLevel(slog.LevelWarn))
		log.Info("hidden")
		log.Warn("shown")

		assert.NotContains(t, buf.String(), "hidden")
		assert.Contains(t, buf.String(), "shown")
	})

	t.Run("context values", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(
			logger.WithJSONFormatter(),
			logger.WithOutput(&buf),
			logger.WithContextValue("trace_id", ctxKey{}),
		)
		ctx := context.WithValue(context.Background(), ctxKey{}, "t-1")
		log.InfoContext(ctx, "with trace")
		log.InfoContext(context.Background(), "without trace")

		assert.Contains(t, buf.String(), `"trace_id":"t-1"`)
		assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("trace_id")))
	})

	t.Run("development preset", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		log := logger.New(logger.WithDevelopment("svc"), logger.WithOutput(&buf))
		log.Debug("debug line")
		assert.Contains(t, buf.String(), "debug line")
		assert.Contains(t, buf.String(), "service=svc")
	})
}

func TestAttrs(t *testing.T) {
	t.Parallel()

	assert.True(t, logger.Error(nil).Equal(slog.Attr{}))
	assert.Equal(t, "error", logger.Error(errors.New("x")).Key)
	assert.True(t, logger.Zone("").Equal(slog.Attr{}))
	assert.True(t, logger.BatchID("").Equal(slog.Attr{}))
	assert.Equal(t, int64(75), logger.Priority(75).Value.Int64())
	assert.True(t, logger.Errors(nil, nil).Equal(slog.Attr{}))
	assert.Equal(t, "errors", logger.Errors(nil, errors.New("a")).Key)
}
