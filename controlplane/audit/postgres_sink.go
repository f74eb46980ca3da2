// Package audit durably records Event Bus history to Postgres so a node's
// or task's lifecycle survives past the bus's bounded ring buffer
// (SPEC_FULL.md's DOMAIN STACK entry for pgx — the teacher's
// store/postgres.go driver usage, repurposed from a Store backend to an
// audit sink; spec.md §4.1 only names two Store backends, so Postgres
// doesn't get to be a third one here).
package audit

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgemesh-io/edgemesh/controlplane/eventbus"
	"github.com/edgemesh-io/edgemesh/controlplane/model"
)

// PostgresSink subscribes to the Event Bus and writes every event to an
// append-only audit table. Connection pool settings mirror the teacher's
// PostgresStore sizing.
type PostgresSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink dials Postgres and ensures the audit table exists.
func NewPostgresSink(ctx context.Context, connString string) (*PostgresSink, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	sink := &PostgresSink{pool: pool}
	if err := sink.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return sink, nil
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS edgemesh_events (
			id BIGSERIAL PRIMARY KEY,
			event_type TEXT NOT NULL,
			task_id TEXT,
			node_id TEXT,
			occurred_at TIMESTAMPTZ NOT NULL,
			detail JSONB
		)
	`)
	return err
}

// Close releases the connection pool.
func (s *PostgresSink) Close() {
	s.pool.Close()
}

// Run subscribes to bus and writes every event until ctx is cancelled or
// the bus closes the subscription channel.
func (s *PostgresSink) Run(ctx context.Context, bus *eventbus.Bus) {
	events, sub := bus.Subscribe()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := s.write(ctx, evt); err != nil {
				log.Printf("audit: failed to write event %s: %v", evt.Type, err)
			}
		}
	}
}

func (s *PostgresSink) write(ctx context.Context, evt model.Event) error {
	detail, err := json.Marshal(evt.Detail)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO edgemesh_events (event_type, task_id, node_id, occurred_at, detail)
		VALUES ($1, $2, $3, $4, $5)
	`, string(evt.Type), nullable(evt.TaskID), nullable(evt.NodeID), evt.At, detail)
	return err
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
