package federation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablesocial/sable/internal/cache"
	"github.com/sablesocial/sable/internal/domain"
	"github.com/sablesocial/sable/internal/metrics"
)

func newTestFetcher(t *testing.T, store cache.Store) *Fetcher {
	t.Helper()
	return NewFetcher(
		Config{
			Policy:      Policy{LocalDomain: "sable.test", AllowInsecure: true},
			CacheTTL:    time.Minute,
			NegativeTTL: time.Minute,
		},
		store,
		&http.Client{Timeout: 2 * time.Second},
		nil,
		nil,
		metrics.New(nil),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
}

func noteHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/activity+json")
	fmt.Fprintf(w, `{"id": "http://%s%s", "type": "Note", "content": "hi"}`, r.Host, r.URL.Path)
}

func TestFetchObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(noteHandler))
	defer srv.Close()

	f := newTestFetcher(t, cache.NewNoop())

	obj, err := f.FetchObject(context.Background(), srv.URL+"/notes/1")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/notes/1", obj.URI)
	assert.Equal(t, "Note", obj.Type)
	assert.False(t, obj.FetchedAt.IsZero())
}

func TestFetchObjectCoalescesConcurrentCalls(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		noteHandler(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t, cache.NewNoop())
	uri := srv.URL + "/notes/1"

	const callers = 10
	results := make([]*domain.RemoteObject, callers)
	errs := make([]error, callers)

	var started, done sync.WaitGroup
	for i := 0; i < callers; i++ {
		started.Add(1)
		done.Add(1)
		go func(n int) {
			defer done.Done()
			started.Done()
			results[n], errs[n] = f.FetchObject(context.Background(), uri)
		}(i)
	}

	started.Wait()
	// Give every goroutine time to reach the flight before the remote
	// responds.
	time.Sleep(50 * time.Millisecond)
	close(release)
	done.Wait()

	assert.Equal(t, int32(1), requests.Load(), "concurrent fetches must share one round trip")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].URI, results[i].URI)
	}
}

func TestFetchObjectAbandonedCallerDoesNotCancelFlight(t *testing.T) {
	var requests atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		<-release
		noteHandler(w, r)
	}))
	defer srv.Close()

	f := newTestFetcher(t, cache.NewNoop())
	uri := srv.URL + "/notes/1"

	impatient, cancel := context.WithCancel(context.Background())
	impatientErr := make(chan error, 1)
	go func() {
		_, err := f.FetchObject(impatient, uri)
		impatientErr <- err
	}()

	patientResult := make(chan error, 1)
	go func() {
		_, err := f.FetchObject(context.Background(), uri)
		patientResult <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	require.ErrorIs(t, <-impatientErr, context.Canceled)

	close(release)
	require.NoError(t, <-patientResult, "surviving waiter must still receive the shared result")
	assert.Equal(t, int32(1), requests.Load())
}

func TestFetchObjectUsesCache(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		noteHandler(w, r)
	}))
	defer srv.Close()

	store := cache.NewMemory()
	defer store.Close()
	f := newTestFetcher(t, store)
	uri := srv.URL + "/notes/1"

	for i := 0; i < 3; i++ {
		_, err := f.FetchObject(context.Background(), uri)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), requests.Load())
}

func TestFetchObjectNegativeCache(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	store := cache.NewMemory()
	defer store.Close()
	f := newTestFetcher(t, store)
	uri := srv.URL + "/notes/gone"

	for i := 0; i < 3; i++ {
		_, err := f.FetchObject(context.Background(), uri)
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, int32(1), requests.Load(), "not-found must be served from the tombstone")
}

func TestFetchObjectRejectsForeignID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		fmt.Fprint(w, `{"id": "https://other.example/notes/1", "type": "Note"}`)
	}))
	defer srv.Close()

	store := cache.NewMemory()
	defer store.Close()
	f := newTestFetcher(t, store)

	_, err := f.FetchObject(context.Background(), srv.URL+"/notes/1")
	assert.ErrorIs(t, err, ErrUntrusted)
	assert.Equal(t, 0, store.Len(), "untrusted payloads are never cached")
}

func TestFetchObjectBadContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, "<html></html>")
	}))
	defer srv.Close()

	f := newTestFetcher(t, cache.NewNoop())

	_, err := f.FetchObject(context.Background(), srv.URL+"/notes/1")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestFetchObjectServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(t, cache.NewNoop())

	_, err := f.FetchObject(context.Background(), srv.URL+"/notes/1")
	assert.ErrorIs(t, err, ErrRemoteUnavailable)
}

func TestFetchObjectRejectsPolicyViolations(t *testing.T) {
	f := NewFetcher(
		Config{Policy: Policy{LocalDomain: "sable.test"}, CacheTTL: time.Minute},
		cache.NewNoop(),
		&http.Client{Timeout: time.Second},
		nil,
		nil,
		metrics.New(nil),
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)

	for _, uri := range []string{
		"http://remote.example/notes/1", // plain http
		"https://sable.test/notes/1",    // local domain
		"https://127.0.0.1/notes/1",     // loopback
		"ftp://remote.example/notes/1",  // bad scheme
	} {
		_, err := f.FetchObject(context.Background(), uri)
		assert.ErrorIs(t, err, ErrRejectedURL, "uri %s", uri)
	}
}

type actorRecorder struct {
	mu     sync.Mutex
	actors map[string]*domain.RemoteActor
}

func (r *actorRecorder) SaveActor(_ context.Context, actor *domain.RemoteActor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actors == nil {
		r.actors = make(map[string]*domain.RemoteActor)
	}
	r.actors[actor.URI] = actor
	return nil
}

func (r *actorRecorder) GetActorByURI(_ context.Context, uri string) (*domain.RemoteActor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.actors[uri], nil
}

func TestFetchActor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		fmt.Fprintf(w, `{
			"id": "http://%[1]s/users/alice",
			"type": "Person",
			"preferredUsername": "alice",
			"name": "Alice",
			"inbox": "http://%[1]s/users/alice/inbox",
			"outbox": "http://%[1]s/users/alice/outbox",
			"publicKey": {"id": "http://%[1]s/users/alice#main-key", "publicKeyPem": "-----BEGIN PUBLIC KEY-----"}
		}`, r.Host)
	}))
	defer srv.Close()

	repo := &actorRecorder{}
	f := newTestFetcher(t, cache.NewNoop())
	f.actors = repo

	actor, err := f.FetchActor(context.Background(), srv.URL+"/users/alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", actor.Username)
	assert.Equal(t, "Alice", actor.DisplayName)
	assert.Equal(t, srv.Listener.Addr().String(), actor.Domain)
	assert.Equal(t, srv.URL+"/users/alice/inbox", actor.InboxURI)
	assert.Contains(t, actor.PublicKeyPEM, "BEGIN PUBLIC KEY")

	saved, err := repo.GetActorByURI(context.Background(), actor.URI)
	require.NoError(t, err)
	require.NotNil(t, saved, "refreshed actor must be persisted")
}

func TestFetchActorRejectsNonActor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(noteHandler))
	defer srv.Close()

	f := newTestFetcher(t, cache.NewNoop())

	_, err := f.FetchActor(context.Background(), srv.URL+"/notes/1")
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestRefreshActorBypassesCache(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/activity+json")
		fmt.Fprintf(w, `{
			"id": "http://%[1]s/users/alice",
			"type": "Person",
			"preferredUsername": "alice",
			"inbox": "http://%[1]s/users/alice/inbox"
		}`, r.Host)
	}))
	defer srv.Close()

	store := cache.NewMemory()
	defer store.Close()
	f := newTestFetcher(t, store)
	uri := srv.URL + "/users/alice"

	_, err := f.FetchActor(context.Background(), uri)
	require.NoError(t, err)
	_, err = f.FetchActor(context.Background(), uri)
	require.NoError(t, err)
	require.Equal(t, int32(1), requests.Load())

	_, err = f.RefreshActor(context.Background(), uri)
	require.NoError(t, err)
	assert.Equal(t, int32(2), requests.Load(), "refresh must hit the network")
}
