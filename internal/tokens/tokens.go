// Package tokens keeps per-copilot token usage and enforces usage limits.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrNoModel is returned when usage is recorded without a model name.
var ErrNoModel = errors.New("tokens: model is required")

// Usage is the consumption of one completed chat turn.
type Usage struct {
	WorkspaceID string
	UserID      string
	CopilotID   string
	// Global copilots are shared by the workspace; their usage is also
	// counted against the workspace-wide record.
	Global    bool
	Model     string
	TokenUsed int64
}

// LimitExceededError reports that a usage record reached its limit.
type LimitExceededError struct {
	Key   string
	Used  int64
	Limit int64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("token limit exceeded for %s: %d/%d", e.Key, e.Used, e.Limit)
}

// Counter is the storage behind a Recorder.
type Counter interface {
	// IncrBy adds n to key and returns the new total.
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	// Get returns the current total of key, zero when unknown.
	Get(ctx context.Context, key string) (int64, error)
}

// Recorder records token usage per copilot. A zero limit disables limit
// checks.
type Recorder struct {
	counter Counter
	limit   int64
}

func NewRecorder(counter Counter, limit int64) *Recorder {
	return &Recorder{counter: counter, limit: limit}
}

// Record adds the usage of one turn. It returns a *LimitExceededError when
// a record is at or above the limit after the update; the usage is still
// stored.
func (r *Recorder) Record(ctx context.Context, u Usage) error {
	if u.Model == "" {
		return ErrNoModel
	}
	if u.TokenUsed <= 0 {
		return nil
	}

	var exceeded error
	for _, key := range keys(u) {
		used, err := r.counter.IncrBy(ctx, key, u.TokenUsed)
		if err != nil {
			return fmt.Errorf("record tokens %s: %w", key, err)
		}
		log.Debug().Str("key", key).Int64("added", u.TokenUsed).Int64("used", used).Msg("Token usage recorded")
		if r.limit > 0 && used >= r.limit && exceeded == nil {
			exceeded = &LimitExceededError{Key: key, Used: used, Limit: r.limit}
		}
	}
	return exceeded
}

// Allow checks the records of u without changing them.
func (r *Recorder) Allow(ctx context.Context, u Usage) error {
	if r.limit <= 0 {
		return nil
	}
	for _, key := range keys(u) {
		used, err := r.counter.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("check tokens %s: %w", key, err)
		}
		if used >= r.limit {
			return &LimitExceededError{Key: key, Used: used, Limit: r.limit}
		}
	}
	return nil
}

func keys(u Usage) []string {
	out := []string{userKey(u)}
	if u.Global {
		out = append(out, "tokens:org:"+u.WorkspaceID)
	}
	return out
}

func userKey(u Usage) string {
	copilot := u.CopilotID
	if copilot == "" {
		copilot = u.Model
	}
	if u.UserID != "" {
		return "tokens:" + u.WorkspaceID + ":" + copilot + ":" + u.UserID
	}
	return "tokens:" + u.WorkspaceID + ":" + copilot
}

// ── In-memory counter ───────────────────────────────────────

type MemoryCounter struct {
	mu     sync.Mutex
	totals map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{totals: make(map[string]int64)}
}

func (c *MemoryCounter) IncrBy(_ context.Context, key string, n int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.totals[key] += n
	return c.totals[key], nil
}

func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals[key], nil
}
