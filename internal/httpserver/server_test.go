package httpserver

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablesocial/sable/internal/domain"
)

type staticResolver struct {
	post *domain.ResolvedPost
	err  error
}

func (s *staticResolver) Resolve(_ context.Context, text string) (*domain.ResolvedPost, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.post != nil {
		return s.post, nil
	}
	return &domain.ResolvedPost{Text: text}, nil
}

func newTestServer(t *testing.T, resolver PostResolver) http.Handler {
	t.Helper()
	s := NewServer(0, prometheus.NewRegistry(), resolver, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return s.httpServer.Handler
}

func TestHealth(t *testing.T) {
	handler := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "sable_test_total"})
	registry.MustRegister(counter)
	counter.Inc()

	s := NewServer(0, registry, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sable_test_total 1")
}

func TestDebugResolve(t *testing.T) {
	resolver := &staticResolver{post: &domain.ResolvedPost{
		Text: "hi @alice@remote.example",
		Mentions: []domain.MentionSpan{
			{Start: 3, End: 24, Identifier: "alice@remote.example", Resolved: true, ActorURI: "https://remote.example/users/alice"},
		},
	}}
	handler := newTestServer(t, resolver)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/debug/resolve",
		strings.NewReader(`{"text": "hi @alice@remote.example"}`))
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var post domain.ResolvedPost
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&post))
	require.Len(t, post.Mentions, 1)
	assert.Equal(t, "https://remote.example/users/alice", post.Mentions[0].ActorURI)
}

func TestDebugResolveRejectsEmptyText(t *testing.T) {
	handler := newTestServer(t, &staticResolver{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/debug/resolve", strings.NewReader(`{}`))
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebugResolveDisabledWithoutResolver(t *testing.T) {
	handler := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/debug/resolve", strings.NewReader(`{"text": "x"}`))
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
