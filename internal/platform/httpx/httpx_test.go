package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/require"

	"finitefield.org/hanko-history/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	t.Parallel()

	ctx := context.WithValue(context.Background(), middleware.RequestIDKey, "req-1")
	ctx = requestctx.WithTrace(ctx, requestctx.TraceInfo{TraceID: "trace-1"})

	rec := httptest.NewRecorder()
	WriteError(ctx, rec, NewError("invalid_query", "bad\nsort", http.StatusBadRequest).WithDetails(map[string]any{
		"field":  "sort",
		"status": 999,
	}))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Equal(t, "invalid_query", payload["error"])
	require.Equal(t, "bad sort", payload["message"])
	require.EqualValues(t, 400, payload["status"])
	require.Equal(t, "req-1", payload["request_id"])
	require.Equal(t, "trace-1", payload["trace_id"])
	require.Equal(t, "sort", payload["field"])
}

func TestDecodeJSON(t *testing.T) {
	t.Parallel()

	var dst struct {
		VersionIDs []string `json:"versionIds"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"versionIds":["v1"]}`))
	require.NoError(t, DecodeJSON(req, &dst))
	require.Equal(t, []string{"v1"}, dst.VersionIDs)

	for _, body := range []string{"", `{"other":1}`, `{"versionIds":[]} {}`, `[`} {
		req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
		err := DecodeJSON(req, &dst)
		require.Error(t, err, body)
		require.True(t, errors.Is(err, ErrInvalidBody), body)
	}
}
