package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sablesocial/sable/internal/job"
	"github.com/sablesocial/sable/internal/postgres"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		databaseURL string
		kind        string
		inbox       string
		activity    string
		actor       string
		object      string
		delay       time.Duration
	)

	flag.StringVar(&databaseURL, "database-url", envOrDefault("DATABASE_URL", ""), "Postgres connection string")
	flag.StringVar(&kind, "kind", "", "Job kind: deliver, refresh-actor or fetch-object")
	flag.StringVar(&inbox, "inbox", "", "Remote inbox URI (deliver)")
	flag.StringVar(&activity, "activity", "", "Activity JSON, or @file to read from disk (deliver)")
	flag.StringVar(&actor, "actor", "", "Actor URI (refresh-actor)")
	flag.StringVar(&object, "object", "", "Object URI (fetch-object)")
	flag.DurationVar(&delay, "delay", 0, "Delay before the job becomes due")
	flag.Parse()

	if databaseURL == "" {
		return fmt.Errorf("--database-url is required (or set DATABASE_URL)")
	}

	j, err := buildJob(kind, inbox, activity, actor, object)
	if err != nil {
		return err
	}
	if delay > 0 {
		j.RunAfter = j.RunAfter.Add(delay)
	}

	ctx := context.Background()
	repo, err := postgres.NewRepository(databaseURL)
	if err != nil {
		return err
	}
	defer repo.Close()

	if err := repo.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := repo.Enqueue(ctx, j); err != nil {
		return err
	}

	fmt.Printf("Enqueued %s job %s (due %s)\n", j.Kind, j.ID, j.RunAfter.Format(time.RFC3339))
	return nil
}

func buildJob(kind, inbox, activity, actor, object string) (*job.Job, error) {
	switch kind {
	case job.KindDeliver:
		if inbox == "" || activity == "" {
			return nil, fmt.Errorf("--inbox and --activity are required for deliver jobs")
		}
		raw, err := readActivity(activity)
		if err != nil {
			return nil, err
		}
		return job.New(job.KindDeliver, job.DeliverPayload{InboxURI: inbox, Activity: raw})

	case job.KindRefreshActor:
		if actor == "" {
			return nil, fmt.Errorf("--actor is required for refresh-actor jobs")
		}
		return job.New(job.KindRefreshActor, job.RefreshActorPayload{ActorURI: actor})

	case job.KindFetchObject:
		if object == "" {
			return nil, fmt.Errorf("--object is required for fetch-object jobs")
		}
		return job.New(job.KindFetchObject, job.FetchObjectPayload{ObjectURI: object})

	default:
		return nil, fmt.Errorf("--kind must be one of deliver, refresh-actor, fetch-object")
	}
}

// readActivity reads the activity JSON, from disk when prefixed with @, and
// validates it parses.
func readActivity(arg string) (json.RawMessage, error) {
	data := []byte(arg)
	if strings.HasPrefix(arg, "@") {
		var err error
		data, err = os.ReadFile(strings.TrimPrefix(arg, "@"))
		if err != nil {
			return nil, fmt.Errorf("read activity file: %w", err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("activity is not valid JSON")
	}
	return data, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
