// Package checkpoint stores the message state of agent threads. The chat
// orchestrator writes a checkpoint when a turn finalizes; execution detail
// reads the latest checkpoint of every thread it shows.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xpertai/control-plane/pkg/models"
)

// Config addresses a thread's checkpoints.
type Config struct {
	ThreadID     string `json:"thread_id"`
	CheckpointNS string `json:"checkpoint_ns"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

type ChannelValues struct {
	Messages []models.StoredMessage `json:"messages"`
}

type Checkpoint struct {
	ID            string        `json:"id"`
	TS            time.Time     `json:"ts"`
	ChannelValues ChannelValues `json:"channel_values"`
}

// Tuple is a stored checkpoint with its address and its predecessor.
type Tuple struct {
	Config       Config     `json:"config"`
	Checkpoint   Checkpoint `json:"checkpoint"`
	ParentConfig *Config    `json:"parent_config,omitempty"`
}

// Saver reads and writes checkpoints.
type Saver interface {
	// GetTuple returns the latest checkpoint of the thread, or the one
	// named by CheckpointID. It returns nil, nil when none exists.
	GetTuple(ctx context.Context, cfg Config) (*Tuple, error)
	// Put stores a new checkpoint and returns its address.
	Put(ctx context.Context, cfg Config, cp Checkpoint) (Config, error)
	Close() error
}

// prepare fills id and timestamp of a checkpoint about to be written.
func prepare(cp Checkpoint) Checkpoint {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.TS.IsZero() {
		cp.TS = time.Now().UTC()
	}
	return cp
}

// ── In-memory saver ─────────────────────────────────────────

type MemorySaver struct {
	mu      sync.RWMutex
	threads map[Config][]Tuple // keyed without CheckpointID, oldest first
}

func NewMemorySaver() *MemorySaver {
	return &MemorySaver{threads: make(map[Config][]Tuple)}
}

func (s *MemorySaver) GetTuple(_ context.Context, cfg Config) (*Tuple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := Config{ThreadID: cfg.ThreadID, CheckpointNS: cfg.CheckpointNS}
	tuples := s.threads[key]
	if len(tuples) == 0 {
		return nil, nil
	}
	if cfg.CheckpointID == "" {
		t := tuples[len(tuples)-1]
		return &t, nil
	}
	for i := range tuples {
		if tuples[i].Config.CheckpointID == cfg.CheckpointID {
			t := tuples[i]
			return &t, nil
		}
	}
	return nil, nil
}

func (s *MemorySaver) Put(_ context.Context, cfg Config, cp Checkpoint) (Config, error) {
	cp = prepare(cp)
	key := Config{ThreadID: cfg.ThreadID, CheckpointNS: cfg.CheckpointNS}
	addr := Config{ThreadID: cfg.ThreadID, CheckpointNS: cfg.CheckpointNS, CheckpointID: cp.ID}

	s.mu.Lock()
	defer s.mu.Unlock()
	t := Tuple{Config: addr, Checkpoint: cp}
	if prev := s.threads[key]; len(prev) > 0 {
		parent := prev[len(prev)-1].Config
		t.ParentConfig = &parent
	}
	s.threads[key] = append(s.threads[key], t)
	return addr, nil
}

func (s *MemorySaver) Close() error { return nil }
