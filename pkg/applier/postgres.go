package applier

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dd0wney/cluso-mail/pkg/cluster"
)

// Postgres records applied entries in the cluster_applied table. The
// primary key on (shard, log_index) makes a repeated Apply a no-op.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to databaseURL and creates the table if needed
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	// Apply is sequential per shard; a small pool is plenty
	config.MaxConns = 4
	config.MinConns = 1
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database unreachable: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}
	return p, nil
}

// Apply inserts the entry unless it is already present
func (p *Postgres) Apply(ctx context.Context, shard cluster.ShardID, index uint64, payload []byte) error {
	query := `
		INSERT INTO cluster_applied (shard, log_index, payload, applied_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (shard, log_index) DO NOTHING
	`
	if _, err := p.pool.Exec(ctx, query, int64(shard), int64(index), payload, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to apply entry %d: %w", index, err)
	}
	return nil
}

// LastAppliedIndex returns the highest applied index for shard, zero when none
func (p *Postgres) LastAppliedIndex(ctx context.Context, shard cluster.ShardID) (uint64, error) {
	var last int64
	err := p.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(log_index), 0) FROM cluster_applied WHERE shard = $1`,
		int64(shard)).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("failed to read last applied index: %w", err)
	}
	return uint64(last), nil
}

// Payload returns the payload applied at index
func (p *Postgres) Payload(ctx context.Context, shard cluster.ShardID, index uint64) ([]byte, error) {
	var payload []byte
	err := p.pool.QueryRow(ctx,
		`SELECT payload FROM cluster_applied WHERE shard = $1 AND log_index = $2`,
		int64(shard), int64(index)).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entry %d not applied", index)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read entry %d: %w", index, err)
	}
	return payload, nil
}

// Ping checks database connectivity
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close closes the connection pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS cluster_applied (
		shard BIGINT NOT NULL,
		log_index BIGINT NOT NULL,
		payload BYTEA NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (shard, log_index)
	);
	`
	_, err := p.pool.Exec(ctx, schema)
	return err
}

var _ cluster.Applier = (*Postgres)(nil)
