package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id     TEXT NOT NULL,
	checkpoint_ns TEXT NOT NULL DEFAULT '',
	checkpoint_id TEXT NOT NULL,
	parent_id     TEXT NOT NULL DEFAULT '',
	ts            TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	data          TEXT NOT NULL,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON checkpoints (thread_id, checkpoint_ns, seq);
`

// SQLiteSaver keeps checkpoints in a SQLite database.
type SQLiteSaver struct {
	db *sql.DB
}

// OpenSQLite opens (and creates) the database at dsn, for example a file
// path or ":memory:".
func OpenSQLite(ctx context.Context, dsn string) (*SQLiteSaver, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	log.Info().Str("dsn", dsn).Msg("SQLite checkpoint store initialized")
	return &SQLiteSaver{db: db}, nil
}

func (s *SQLiteSaver) GetTuple(ctx context.Context, cfg Config) (*Tuple, error) {
	query := `SELECT checkpoint_id, parent_id, data FROM checkpoints
		WHERE thread_id = ? AND checkpoint_ns = ?`
	args := []any{cfg.ThreadID, cfg.CheckpointNS}
	if cfg.CheckpointID != "" {
		query += ` AND checkpoint_id = ?`
		args = append(args, cfg.CheckpointID)
	}
	query += ` ORDER BY seq DESC LIMIT 1`

	var id, parent, data string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id, &parent, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return decodeTuple(cfg, id, parent, []byte(data))
}

func (s *SQLiteSaver) Put(ctx context.Context, cfg Config, cp Checkpoint) (Config, error) {
	cp = prepare(cp)
	data, err := json.Marshal(cp)
	if err != nil {
		return Config{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Config{}, err
	}
	defer tx.Rollback()

	var parent string
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT checkpoint_id, seq FROM checkpoints WHERE thread_id = ? AND checkpoint_ns = ? ORDER BY seq DESC LIMIT 1`,
		cfg.ThreadID, cfg.CheckpointNS).Scan(&parent, &seq)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Config{}, fmt.Errorf("put checkpoint: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_id, ts, seq, data) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cfg.ThreadID, cfg.CheckpointNS, cp.ID, parent, cp.TS.Format(time.RFC3339Nano), seq+1, string(data)); err != nil {
		return Config{}, fmt.Errorf("put checkpoint: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Config{}, err
	}
	return Config{ThreadID: cfg.ThreadID, CheckpointNS: cfg.CheckpointNS, CheckpointID: cp.ID}, nil
}

func (s *SQLiteSaver) Close() error { return s.db.Close() }

func decodeTuple(cfg Config, id, parent string, data []byte) (*Tuple, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	t := &Tuple{
		Config:     Config{ThreadID: cfg.ThreadID, CheckpointNS: cfg.CheckpointNS, CheckpointID: id},
		Checkpoint: cp,
	}
	if parent != "" {
		t.ParentConfig = &Config{ThreadID: cfg.ThreadID, CheckpointNS: cfg.CheckpointNS, CheckpointID: parent}
	}
	return t, nil
}
