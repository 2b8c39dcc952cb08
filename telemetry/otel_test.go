package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/agentuity/go-cachesync/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestGenerateOTLPBearerToken(t *testing.T) {
	token, err := GenerateOTLPBearerToken("test-shared-secret", "test-token")
	require.NoError(t, err)
	assert.Len(t, strings.Split(token, "."), 2)
	assert.True(t, strings.HasPrefix(token, "test-token."))

	again, err := GenerateOTLPBearerToken("test-shared-secret", "test-token")
	require.NoError(t, err)
	assert.Equal(t, token, again)

	other, err := GenerateOTLPBearerToken("other-secret", "test-token")
	require.NoError(t, err)
	assert.NotEqual(t, token, other)
}

func TestNewInvalidURL(t *testing.T) {
	_, _, err := New(context.Background(), "://bad", "", "cachesync", nil)
	assert.Error(t, err)
	_, _, err = New(context.Background(), "ftp://collector", "", "cachesync", nil)
	assert.Error(t, err)
}

func TestNewExportsOnShutdown(t *testing.T) {
	var logs, traces atomic.Int32
	var auth atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v1/logs":
			logs.Add(1)
		case "/v1/traces":
			traces.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	previous := otel.GetTracerProvider()
	defer otel.SetTracerProvider(previous)

	local := logger.NewTestLogger()
	log, shutdown, err := New(context.Background(), server.URL, "secret-token", "cachesync-test", local)
	require.NoError(t, err)

	log.Info("hello %s", "collector")
	_, span := otel.Tracer("test").Start(context.Background(), "relay.publish")
	span.End()
	shutdown()

	assert.Equal(t, 1, local.Count("INFO", "hello collector"))
	assert.GreaterOrEqual(t, logs.Load(), int32(1))
	assert.GreaterOrEqual(t, traces.Load(), int32(1))
	assert.Equal(t, "Bearer secret-token", auth.Load())
	assert.Equal(t, server.URL, Endpoint(server.URL+"/ignored"))
}
