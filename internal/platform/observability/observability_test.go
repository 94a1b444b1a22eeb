package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"finitefield.org/hanko-history/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	t.Parallel()

	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/1;o=1")
	require.True(t, ok)
	require.Equal(t, "105445aa7843bc8bf206b12000100000", sc.TraceID().String())
	require.Equal(t, "0000000000000001", sc.SpanID().String())
	require.True(t, sc.IsSampled())
	require.True(t, sc.IsRemote())

	sc, ok = parseCloudTraceContext("105445aa7843bc8bf206b12000100000/00f067aa0ba902b7")
	require.True(t, ok)
	require.Equal(t, "00f067aa0ba902b7", sc.SpanID().String())
	require.False(t, sc.IsSampled())

	for _, header := range []string{"", "abc/1", "105445aa7843bc8bf206b12000100000", "105445aa7843bc8bf206b12000100000/0"} {
		_, ok := parseCloudTraceContext(header)
		require.False(t, ok, header)
	}
}

func TestCleanDropsControlCharacters(t *testing.T) {
	t.Parallel()

	require.Equal(t, "GETX", clean("GET\nX", limitMethod))
	require.Empty(t, clean(string(make([]byte, 100)), limitID))
	require.Equal(t, "abc", clean("abcdef", 3))
	require.Equal(t, "版本履", clean("版本履歴", 3))
	require.Equal(t, "user-1", cleanField("user_id", "user-1\r", limitID).String)
}

func TestRecoveryMiddlewareWritesEnvelope(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.ErrorLevel)
	handler := RecoveryMiddleware(zap.New(core))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "internal_server_error", payload["error"])
	require.Equal(t, 1, logs.FilterMessage("panic recovered").Len())
}

func TestRequestLoggerMiddlewareLogsCompletion(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	handler := InjectLoggerMiddleware(zap.New(core))(RequestLoggerMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NotSame(t, requestctx.NoopLogger(), requestctx.Logger(r.Context()))
		w.WriteHeader(http.StatusNotFound)
	})))

	req := httptest.NewRequest(http.MethodGet, "/content/abc", nil)
	req = req.WithContext(requestctx.WithActor(req.Context(), requestctx.Actor{ID: "staff-1"}))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.FilterMessage("request completed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.EqualValues(t, http.StatusNotFound, fields["status"])
	require.Equal(t, "staff-1", fields["user_id"])
	require.Equal(t, "/content/abc", fields["path"])
}

func TestLoggerUsesCloudLoggingSeverities(t *testing.T) {
	t.Parallel()

	require.Equal(t, zapcore.InfoLevel, parseLevel(""))
	require.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
	require.Equal(t, zapcore.DebugLevel, parseLevel(" debug "))

	enc := zapcore.NewJSONEncoder(cloudLoggingEncoder())
	buf, err := enc.EncodeEntry(zapcore.Entry{Level: zapcore.WarnLevel, Message: "stale response dropped"}, nil)
	require.NoError(t, err)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "WARNING", line["severity"])
	require.Equal(t, "stale response dropped", line["message"])
}
