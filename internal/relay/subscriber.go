// Package relay ingests activity envelopes from a relay's websocket stream
// and turns them into background fetch work.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sablesocial/sable/internal/job"
)

const reconnectDelay = 5 * time.Second

// announceTypes are the envelope types that reference an object worth
// fetching.
var announceTypes = map[string]bool{
	"Create":   true,
	"Update":   true,
	"Announce": true,
}

// Enqueuer accepts background jobs. Satisfied by *job.Dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, j *job.Job) error
}

// Subscriber connects to a relay stream and enqueues a fetch job for every
// announced remote object.
type Subscriber struct {
	url      string
	enqueuer Enqueuer
	logger   *slog.Logger
}

// NewSubscriber creates a relay subscriber.
func NewSubscriber(relayURL string, enqueuer Enqueuer, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		url:      relayURL,
		enqueuer: enqueuer,
		logger:   logger,
	}
}

// Start connects to the relay and processes envelopes until the context is
// cancelled. It automatically reconnects on transient errors.
func (s *Subscriber) Start(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := s.subscribe(ctx); err != nil {
				s.logger.Error("relay connection error, reconnecting", "error", err)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(reconnectDelay):
				}
			}
		}
	}
}

func (s *Subscriber) subscribe(ctx context.Context) error {
	s.logger.Info("connecting to relay", "url", s.url)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}
	defer conn.Close()

	s.logger.Info("connected to relay")

	var received, enqueued int64
	lastStatsLog := time.Now()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		received++

		env, err := parseEnvelope(message)
		if err != nil {
			s.logger.Error("failed to parse envelope", "error", err)
			continue
		}

		if ok, err := s.handleEnvelope(ctx, env); err != nil {
			s.logger.Error("failed to handle envelope", "type", env.Type, "error", err)
		} else if ok {
			enqueued++
		}

		if time.Since(lastStatsLog) >= 30*time.Second {
			s.logger.Info("relay stats",
				"envelopes_received", received,
				"jobs_enqueued", enqueued,
			)
			lastStatsLog = time.Now()
		}
	}
}

// handleEnvelope enqueues a fetch job for announced objects. Reports whether
// a job was enqueued.
func (s *Subscriber) handleEnvelope(ctx context.Context, env *envelope) (bool, error) {
	if !announceTypes[env.Type] || env.Object == "" {
		return false, nil
	}

	j, err := job.New(job.KindFetchObject, job.FetchObjectPayload{ObjectURI: env.Object})
	if err != nil {
		return false, err
	}
	if err := s.enqueuer.Enqueue(ctx, j); err != nil {
		return false, err
	}

	s.logger.Debug("enqueued object fetch", "object", env.Object, "activity", env.ID)
	return true, nil
}
