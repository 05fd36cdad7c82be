package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PostgresSaver keeps checkpoints in PostgreSQL.
type PostgresSaver struct {
	pool *pgxpool.Pool
}

// NewPostgresSaver connects to connURL and creates the checkpoint table if
// it does not exist.
func NewPostgresSaver(ctx context.Context, connURL string) (*PostgresSaver, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	s := &PostgresSaver{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres migrate: %w", err)
	}
	log.Info().Msg("Postgres checkpoint store initialized")
	return s, nil
}

func (s *PostgresSaver) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS xp_checkpoints (
			thread_id     TEXT NOT NULL,
			checkpoint_ns TEXT NOT NULL DEFAULT '',
			checkpoint_id TEXT NOT NULL,
			parent_id     TEXT NOT NULL DEFAULT '',
			ts            TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			seq           BIGSERIAL,
			data          JSONB NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
		);

		CREATE INDEX IF NOT EXISTS idx_xp_checkpoints_thread ON xp_checkpoints (thread_id, checkpoint_ns, seq DESC);
	`)
	return err
}

func (s *PostgresSaver) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	query := `SELECT checkpoint_id, parent_id, data FROM xp_checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2`
	args := []any{cfg.ThreadID, cfg.CheckpointNS}
	if cfg.CheckpointID != "" {
		query += ` AND checkpoint_id = $3`
		args = append(args, cfg.CheckpointID)
	}
	query += ` ORDER BY seq DESC LIMIT 1`

	var (
		id, parent string
		data       []byte
	)
	err := s.pool.QueryRow(ctx, query, args...).Scan(&id, &parent, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return decodeTuple(cfg, id, parent, data)
}

func (s *PostgresSaver) Put(ctx context.Context, cfg Config, cp Checkpoint) (Config, error) {
	cp = prepare(cp)
	data, err := json.Marshal(cp)
	if err != nil {
		return Config{}, err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO xp_checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, ts, data)
		VALUES ($1, $2, $3,
			COALESCE((SELECT checkpoint_id FROM xp_checkpoints
				WHERE thread_id = $1 AND checkpoint_ns = $2 ORDER BY seq DESC LIMIT 1), ''),
			$4, $5)`,
		cfg.ThreadID, cfg.CheckpointNS, cp.ID, cp.TS, data)
	if err != nil {
		return Config{}, fmt.Errorf("put checkpoint: %w", err)
	}
	return Config{ThreadID: cfg.ThreadID, CheckpointNS: cfg.CheckpointNS, CheckpointID: cp.ID}, nil
}

func (s *PostgresSaver) Close() error {
	s.pool.Close()
	return nil
}
