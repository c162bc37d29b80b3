package worker_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/dmitrymomot/zonequeue/app/worker"
	"github.com/dmitrymomot/zonequeue/core/event"
	"github.com/dmitrymomot/zonequeue/core/logger"
	"github.com/dmitrymomot/zonequeue/core/manager"
	"github.com/dmitrymomot/zonequeue/core/queue"
	"github.com/dmitrymomot/zonequeue/core/queue/queuetest"
	"github.com/dmitrymomot/zonequeue/integration/queuestore"
)

func testConfig() worker.Config {
	cfg := worker.Config{
		Manager: manager.DefaultConfig(),
		Store:   queuestore.Config{Backend: queuestore.Memory, Retention: time.Hour},
		AppName: "zonequeue-test",
		Env:     "test",
	}
	cfg.Manager.ProcessingInterval = 5 * time.Millisecond
	return cfg
}

func TestApp_ProcessesRequests(t *testing.T) {
	t.Parallel()

	echo := manager.ProcessorFunc(func(_ context.Context, req *queue.Request) (*queue.Result, error) {
		return &queue.Result{RequestID: req.ID, Data: req.Endpoint}, nil
	})

	app, err := worker.NewApp(context.Background(),
		worker.WithConfig(testConfig()),
		worker.WithLogger(logger.Nop()),
		worker.WithMeterProvider(sdkmetric.NewMeterProvider()),
		worker.WithProcessor("POST", echo),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	fut, err := app.Manager().Enqueue(ctx, "/v1/users", "POST", "eu-west")
	require.NoError(t, err)

	awaitCtx, awaitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer awaitCancel()
	res, err := fut.Await(awaitCtx)
	require.NoError(t, err)
	assert.Equal(t, "/v1/users", res.Data)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestApp_HealthProbes(t *testing.T) {
	t.Parallel()

	backend := queue.NewMemoryBackend()
	app, err := worker.NewApp(context.Background(),
		worker.WithConfig(testConfig()),
		worker.WithLogger(logger.Nop()),
		worker.WithBackend(backend),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	get := func(path string) int {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusOK, get("/health/live"))
	assert.Equal(t, http.StatusOK, get("/health/ready"))
	assert.Equal(t, http.StatusOK, get("/health"))
	assert.Equal(t, http.StatusOK, get("/metrics"))
	assert.Equal(t, http.StatusNotFound, get("/requests/missing"))

	req := queuetest.NewRequest("eu", queue.PriorityHigh, 0)
	require.NoError(t, backend.Enqueue(context.Background(), req))
	assert.Equal(t, http.StatusOK, get("/requests/"+req.ID))

	require.NoError(t, backend.Close(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, get("/health/ready"))
}

func TestNewApp_RejectsNilOptions(t *testing.T) {
	t.Parallel()

	_, err := worker.NewApp(context.Background(), worker.WithLogger(nil))
	assert.Error(t, err)

	_, err = worker.NewApp(context.Background(), worker.WithBackend(nil))
	assert.Error(t, err)

	_, err = worker.NewApp(context.Background(), worker.WithProcessor("", nil))
	assert.Error(t, err)
}

func TestApp_EventStream(t *testing.T) {
	t.Parallel()

	app, err := worker.NewApp(context.Background(),
		worker.WithConfig(testConfig()),
		worker.WithLogger(logger.Nop()),
		worker.WithBackend(queue.NewMemoryBackend()),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(app.Handler())
	t.Cleanup(srv.Close)

	bus := app.Manager().Events()
	baseline := bus.Stats().Subscribers

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events?name=" + event.QueueFull
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return bus.Stats().Subscribers > baseline }, time.Second, time.Millisecond)

	bus.Emit(context.Background(), event.RequestEnqueued, event.RequestPayload{Zone: "eu"})
	bus.Emit(context.Background(), event.QueueFull, event.QueueFullPayload{Zone: "eu", Size: 3, MaxSize: 3})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var got struct {
		Name    string         `json:"name"`
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, event.QueueFull, got.Name)
}
