package relay

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sablesocial/sable/internal/job"
)

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (c *captureEnqueuer) Enqueue(_ context.Context, j *job.Job) error {
	c.mu.Lock()
	c.jobs = append(c.jobs, j)
	c.mu.Unlock()
	return nil
}

func TestParseEnvelope(t *testing.T) {
	env, err := parseEnvelope([]byte(`{
		"id": "https://remote.example/activities/1",
		"type": "Create",
		"actor": "https://remote.example/users/alice",
		"object": "https://remote.example/notes/1"
	}`))
	require.NoError(t, err)
	assert.Equal(t, "Create", env.Type)
	assert.Equal(t, "https://remote.example/users/alice", env.Actor)
	assert.Equal(t, "https://remote.example/notes/1", env.Object)
}

func TestParseEnvelopeEmbeddedObject(t *testing.T) {
	env, err := parseEnvelope([]byte(`{
		"id": "https://remote.example/activities/2",
		"type": "Announce",
		"actor": "https://remote.example/users/alice",
		"object": {"id": "https://other.example/notes/9", "type": "Note", "content": "hi"}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "https://other.example/notes/9", env.Object)
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	_, err := parseEnvelope([]byte(`{broken`))
	assert.Error(t, err)

	_, err = parseEnvelope([]byte(`{"id": "x"}`))
	assert.Error(t, err, "an envelope without a type is useless")
}

func TestHandleEnvelope(t *testing.T) {
	enq := &captureEnqueuer{}
	s := NewSubscriber("ws://relay.example/stream", enq, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	tests := []struct {
		env      envelope
		enqueued bool
	}{
		{envelope{Type: "Create", Object: "https://remote.example/notes/1"}, true},
		{envelope{Type: "Announce", Object: "https://remote.example/notes/2"}, true},
		{envelope{Type: "Update", Object: "https://remote.example/users/alice"}, true},
		{envelope{Type: "Delete", Object: "https://remote.example/notes/1"}, false},
		{envelope{Type: "Like", Object: "https://remote.example/notes/1"}, false},
		{envelope{Type: "Create"}, false}, // no object
	}

	for _, tt := range tests {
		ok, err := s.handleEnvelope(ctx, &tt.env)
		require.NoError(t, err)
		assert.Equal(t, tt.enqueued, ok, "envelope type %s", tt.env.Type)
	}

	require.Len(t, enq.jobs, 3)
	for _, j := range enq.jobs {
		assert.Equal(t, job.KindFetchObject, j.Kind)
	}
}
