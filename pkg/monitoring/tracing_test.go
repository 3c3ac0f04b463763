package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultTracingConfig(t *testing.T) {
	config := DefaultTracingConfig()

	assert.False(t, config.Enabled)
	assert.Equal(t, "poold", config.ServiceName)
	assert.Equal(t, TracingExporterStdout, config.Exporter)
	assert.Equal(t, 1.0, config.SamplingRatio)
}

func TestNewTracingManager_Disabled(t *testing.T) {
	tm, err := NewTracingManager(context.Background(), nil)
	require.NoError(t, err)

	assert.False(t, tm.Enabled())
	assert.NotNil(t, tm.TracerProvider())

	ctx := context.Background()
	spanCtx, span := tm.StartSpan(ctx, "noop")
	assert.Equal(t, ctx, spanCtx)
	assert.False(t, span.IsRecording())

	assert.NoError(t, tm.Shutdown(ctx))
}

func TestNewTracingManager_StdoutExporter(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = true
	config.Synchronous = true

	tm, err := NewTracingManager(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { tm.Shutdown(context.Background()) })

	assert.True(t, tm.Enabled())

	_, span := tm.StartSpan(context.Background(), "test_operation")
	assert.True(t, span.IsRecording())
	assert.True(t, span.SpanContext().IsValid())
	span.End()

	_, span = tm.TracerProvider().Tracer("other").Start(context.Background(), "from_provider")
	assert.True(t, span.IsRecording())
	span.End()
}

func TestNewTracingManager_InvalidExporter(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = true
	config.Exporter = TracingExporter("zipkin")

	_, err := NewTracingManager(context.Background(), config)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported exporter type")
}

func TestTracingManager_Middleware(t *testing.T) {
	config := DefaultTracingConfig()
	config.Enabled = true
	config.Synchronous = true

	tm, err := NewTracingManager(context.Background(), config)
	require.NoError(t, err)
	t.Cleanup(func() { tm.Shutdown(context.Background()) })

	var sawSpan bool
	handler := tm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSpan = trace.SpanFromContext(r.Context()).SpanContext().IsValid()
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fast", nil))

	assert.True(t, sawSpan)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestTracingManager_MiddlewareDisabled(t *testing.T) {
	tm, err := NewTracingManager(context.Background(), nil)
	require.NoError(t, err)

	called := false
	handler := tm.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fast", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}
