package versions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"finitefield.org/hanko-history/internal/platform/metrics"
	"finitefield.org/hanko-history/internal/platform/requestctx"
)

const defaultMaxExportBytes = 32 << 20

var tracer = otel.Tracer("finitefield.org/hanko-history/internal/versions")

// HTTPClient matches the subset of http.Client used by HTTPService.
type HTTPClient interface {
	Do(*http.Request) (*http.Response, error)
}

// HTTPService implements Service backed by the content service REST endpoints.
type HTTPService struct {
	base         *url.URL
	client       HTTPClient
	serviceToken string
	metrics      *metrics.Metrics
	maxExport    int64
}

// HTTPOption customises an HTTPService.
type HTTPOption func(*HTTPService)

// WithServiceToken sets the bearer token used when the caller supplies none.
func WithServiceToken(token string) HTTPOption {
	return func(s *HTTPService) {
		s.serviceToken = strings.TrimSpace(token)
	}
}

// WithMetrics records request outcomes and latency.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPService) {
		s.metrics = m
	}
}

// WithMaxExportBytes caps the export download size. Larger bodies fail with
// ErrExportTooLarge.
func WithMaxExportBytes(n int64) HTTPOption {
	return func(s *HTTPService) {
		if n > 0 {
			s.maxExport = n
		}
	}
}

// NewHTTPService constructs a Service that talks to the content service at baseURL.
func NewHTTPService(baseURL string, client HTTPClient, opts ...HTTPOption) (*HTTPService, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("versions: base URL is required")
	}
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("versions: parse base URL: %w", err)
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	if client == nil {
		client = http.DefaultClient
	}
	svc := &HTTPService{
		base:      parsed,
		client:    client,
		maxExport: defaultMaxExportBytes,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc, nil
}

// List retrieves one page of versions.
func (s *HTTPService) List(ctx context.Context, token string, query Query) (page Page, err error) {
	query = query.Normalize()
	ctx, finish := s.start(ctx, "list", query.ContentID)
	defer func() { finish(err) }()

	req, err := s.newRequest(ctx, http.MethodGet, versionsPath(query.ContentID), nil, token)
	if err != nil {
		return Page{}, err
	}
	req.URL.RawQuery = query.Values().Encode()

	resp, err := s.do(req)
	if err != nil {
		return Page{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, s.errorFromResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return Page{}, fmt.Errorf("versions: decode list: %w", err)
	}
	if page.Items == nil {
		page.Items = []Version{}
	}
	return page, nil
}

// BulkDelete removes the listed versions.
func (s *HTTPService) BulkDelete(ctx context.Context, token, contentID string, versionIDs []string) (err error) {
	ctx, finish := s.start(ctx, "bulk_delete", contentID)
	defer func() { finish(err) }()
	return s.postIDs(ctx, versionsPath(contentID)+"/bulk-delete", versionIDs, token)
}

// BulkRestore restores the listed versions.
func (s *HTTPService) BulkRestore(ctx context.Context, token, contentID string, versionIDs []string) (err error) {
	ctx, finish := s.start(ctx, "bulk_restore", contentID)
	defer func() { finish(err) }()
	return s.postIDs(ctx, versionsPath(contentID)+"/bulk-restore", versionIDs, token)
}

// Export downloads the history export for the query filters.
func (s *HTTPService) Export(ctx context.Context, token string, query Query) (export Export, err error) {
	query = query.Normalize()
	ctx, finish := s.start(ctx, "export", query.ContentID)
	defer func() { finish(err) }()

	req, err := s.newRequest(ctx, http.MethodGet, versionsPath(query.ContentID)+"/export", nil, token)
	if err != nil {
		return Export{}, err
	}
	params := query.Values()
	params.Del("page")
	params.Del("limit")
	req.URL.RawQuery = params.Encode()

	resp, err := s.do(req)
	if err != nil {
		return Export{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Export{}, s.errorFromResponse(resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.maxExport+1))
	if err != nil {
		return Export{}, fmt.Errorf("versions: read export: %w", err)
	}
	if int64(len(body)) > s.maxExport {
		return Export{}, fmt.Errorf("%w: more than %d bytes", ErrExportTooLarge, s.maxExport)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return Export{ContentType: contentType, Body: body}, nil
}

// Restore restores one version.
func (s *HTTPService) Restore(ctx context.Context, token, contentID, versionID string) (version Version, err error) {
	ctx, finish := s.start(ctx, "restore", contentID)
	defer func() { finish(err) }()

	req, err := s.newRequest(ctx, http.MethodPost, versionPath(contentID, versionID)+"/restore", nil, token)
	if err != nil {
		return Version{}, err
	}
	resp, err := s.do(req)
	if err != nil {
		return Version{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Version{}, s.errorFromResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(&version); err != nil {
		return Version{}, fmt.Errorf("versions: decode restore: %w", err)
	}
	return version, nil
}

// Delete removes one version.
func (s *HTTPService) Delete(ctx context.Context, token, contentID, versionID string) (err error) {
	ctx, finish := s.start(ctx, "delete", contentID)
	defer func() { finish(err) }()

	req, err := s.newRequest(ctx, http.MethodDelete, versionPath(contentID, versionID), nil, token)
	if err != nil {
		return err
	}
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return s.errorFromResponse(resp)
	}
	return nil
}

func (s *HTTPService) postIDs(ctx context.Context, endpoint string, versionIDs []string, token string) error {
	body := struct {
		VersionIDs []string `json:"versionIds"`
	}{VersionIDs: versionIDs}
	if body.VersionIDs == nil {
		body.VersionIDs = []string{}
	}

	req, err := s.newJSONRequest(ctx, http.MethodPost, endpoint, body, token)
	if err != nil {
		return err
	}
	resp, err := s.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return s.errorFromResponse(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (s *HTTPService) start(ctx context.Context, operation, contentID string) (context.Context, func(error)) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "versions."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("content.id", contentID)),
	)
	return ctx, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		s.metrics.ObserveRemote(operation, started, err)
	}
}

func (s *HTTPService) do(req *http.Request) (*http.Response, error) {
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("versions: request failed: %w", err)
	}
	return resp, nil
}

func (s *HTTPService) newRequest(ctx context.Context, method, endpoint string, body io.Reader, token string) (*http.Request, error) {
	urlStr, err := s.resolve(endpoint)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("versions: build request: %w", err)
	}
	if token == "" {
		token = s.serviceToken
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "application/json")
	if actor, ok := requestctx.ActorFrom(ctx); ok {
		if actor.ID != "" {
			req.Header.Set("X-Actor-Id", actor.ID)
		}
		if actor.Name != "" {
			req.Header.Set("X-Actor-Name", actor.Name)
		}
	}
	return req, nil
}

func (s *HTTPService) newJSONRequest(ctx context.Context, method, endpoint string, payload any, token string) (*http.Request, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("versions: encode payload: %w", err)
	}
	req, err := s.newRequest(ctx, method, endpoint, &buf, token)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (s *HTTPService) resolve(endpoint string) (string, error) {
	ref, err := url.Parse(strings.TrimPrefix(endpoint, "/"))
	if err != nil {
		return "", fmt.Errorf("versions: build endpoint: %w", err)
	}
	return s.base.ResolveReference(ref).String(), nil
}

func (s *HTTPService) errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	apiErr := &APIError{Status: resp.StatusCode}
	var payload struct {
		Error   string `json:"error"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
			apiErr.Code = strings.TrimSpace(payload.Error)
			if apiErr.Code == "" {
				apiErr.Code = strings.TrimSpace(payload.Code)
			}
			apiErr.Message = payload.Message
			return apiErr
		}
		apiErr.Message = strings.TrimSpace(string(body))
	}
	return apiErr
}

func versionsPath(contentID string) string {
	return "content/" + url.PathEscape(strings.TrimSpace(contentID)) + "/versions"
}

func versionPath(contentID, versionID string) string {
	return versionsPath(contentID) + "/" + url.PathEscape(strings.TrimSpace(versionID))
}
