package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablesocial/sable/internal/cache"
	"github.com/sablesocial/sable/internal/federation"
	"github.com/sablesocial/sable/internal/metrics"
)

func TestDeliverHandler(t *testing.T) {
	var delivered atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		delivered.Add(1)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	deliverer := federation.NewDeliverer(
		federation.Policy{AllowInsecure: true},
		&http.Client{Timeout: time.Second},
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	handler := NewDeliverHandler(deliverer)

	j, err := New(KindDeliver, DeliverPayload{
		InboxURI: srv.URL + "/inbox",
		Activity: []byte(`{"type": "Create"}`),
	})
	require.NoError(t, err)

	require.NoError(t, handler(context.Background(), j))
	assert.Equal(t, int32(1), delivered.Load())
}

func TestDeliverHandlerRejectionIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	deliverer := federation.NewDeliverer(
		federation.Policy{AllowInsecure: true},
		&http.Client{Timeout: time.Second},
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	handler := NewDeliverHandler(deliverer)

	j, err := New(KindDeliver, DeliverPayload{InboxURI: srv.URL + "/inbox", Activity: []byte(`{}`)})
	require.NoError(t, err)

	err = handler(context.Background(), j)
	require.Error(t, err)
	assert.True(t, IsPermanent(err), "a rejected delivery must not be retried")
}

func TestDeliverHandlerTransientIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	deliverer := federation.NewDeliverer(
		federation.Policy{AllowInsecure: true},
		&http.Client{Timeout: time.Second},
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	handler := NewDeliverHandler(deliverer)

	j, err := New(KindDeliver, DeliverPayload{InboxURI: srv.URL + "/inbox", Activity: []byte(`{}`)})
	require.NoError(t, err)

	err = handler(context.Background(), j)
	require.Error(t, err)
	assert.False(t, IsPermanent(err), "a 5xx delivery failure must stay retryable")
}

func TestDeliverHandlerBadPayload(t *testing.T) {
	handler := NewDeliverHandler(federation.NewDeliverer(
		federation.Policy{AllowInsecure: true},
		&http.Client{Timeout: time.Second},
		nil,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	))

	j := &Job{Kind: KindDeliver, Payload: []byte(`{not json`)}
	err := handler(context.Background(), j)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}

func TestRefreshActorHandler(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		fmt.Fprintf(w, `{
			"id": "http://%[1]s/users/alice",
			"type": "Person",
			"preferredUsername": "alice",
			"inbox": "http://%[1]s/users/alice/inbox"
		}`, r.Host)
	}))
	defer srv.Close()

	fetcher := federation.NewFetcher(
		federation.Config{
			Policy:   federation.Policy{AllowInsecure: true},
			CacheTTL: time.Minute,
		},
		cache.NewNoop(),
		&http.Client{Timeout: time.Second},
		nil,
		nil,
		metrics.New(nil),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	handler := NewRefreshActorHandler(fetcher)

	j, err := New(KindRefreshActor, RefreshActorPayload{ActorURI: srv.URL + "/users/alice"})
	require.NoError(t, err)
	require.NoError(t, handler(context.Background(), j))
}

func TestRefreshActorHandlerGoneActorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	fetcher := federation.NewFetcher(
		federation.Config{
			Policy:      federation.Policy{AllowInsecure: true},
			CacheTTL:    time.Minute,
			NegativeTTL: time.Minute,
		},
		cache.NewNoop(),
		&http.Client{Timeout: time.Second},
		nil,
		nil,
		metrics.New(nil),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	handler := NewRefreshActorHandler(fetcher)

	j, err := New(KindRefreshActor, RefreshActorPayload{ActorURI: srv.URL + "/users/ghost"})
	require.NoError(t, err)

	err = handler(context.Background(), j)
	require.Error(t, err)
	assert.True(t, IsPermanent(err))
}
