package checkpoint

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/xpertai/control-plane/pkg/models"
)

func savers(t *testing.T) map[string]Saver {
	t.Helper()
	sq, err := OpenSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	out := map[string]Saver{
		"memory": NewMemorySaver(),
		"sqlite": sq,
	}
	if url := os.Getenv("CHECKPOINT_PG_URL"); url != "" {
		pg, err := NewPostgresSaver(context.Background(), url)
		if err != nil {
			t.Fatalf("NewPostgresSaver() error = %v", err)
		}
		t.Cleanup(func() { pg.Close() })
		out["postgres"] = pg
	}
	return out
}

func messages(texts ...string) []models.StoredMessage {
	var out []models.StoredMessage
	for _, s := range texts {
		out = append(out, models.StoredMessage{Type: "human", Data: models.StoredMessageData{Content: models.StringContent(s)}})
	}
	return out
}

func TestSaver_LatestWins(t *testing.T) {
	for name, s := range savers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// Postgres keeps rows between runs.
			cfg := Config{ThreadID: fmt.Sprintf("thread-%d", time.Now().UnixNano())}

			got, err := s.GetTuple(ctx, cfg)
			if err != nil {
				t.Fatalf("GetTuple() error = %v", err)
			}
			if got != nil {
				t.Fatalf("GetTuple() on empty thread = %+v, want nil", got)
			}

			first, err := s.Put(ctx, cfg, Checkpoint{ChannelValues: ChannelValues{Messages: messages("a")}})
			if err != nil {
				t.Fatalf("Put() error = %v", err)
			}
			if _, err := s.Put(ctx, cfg, Checkpoint{ChannelValues: ChannelValues{Messages: messages("a", "b")}}); err != nil {
				t.Fatalf("Put() error = %v", err)
			}

			got, err = s.GetTuple(ctx, cfg)
			if err != nil {
				t.Fatalf("GetTuple() error = %v", err)
			}
			if got == nil || len(got.Checkpoint.ChannelValues.Messages) != 2 {
				t.Fatalf("GetTuple() = %+v, want latest checkpoint with 2 messages", got)
			}
			if got.ParentConfig == nil || got.ParentConfig.CheckpointID != first.CheckpointID {
				t.Errorf("ParentConfig = %+v, want %s", got.ParentConfig, first.CheckpointID)
			}
			if got.Checkpoint.ChannelValues.Messages[1].Data.Content.PlainText() != "b" {
				t.Errorf("message content = %+v", got.Checkpoint.ChannelValues.Messages[1])
			}

			byID, err := s.GetTuple(ctx, first)
			if err != nil {
				t.Fatalf("GetTuple(first) error = %v", err)
			}
			if byID == nil || len(byID.Checkpoint.ChannelValues.Messages) != 1 {
				t.Errorf("GetTuple(first) = %+v, want the first checkpoint", byID)
			}

			other, err := s.GetTuple(ctx, Config{ThreadID: cfg.ThreadID, CheckpointNS: "sub"})
			if err != nil {
				t.Fatalf("GetTuple(ns) error = %v", err)
			}
			if other != nil {
				t.Errorf("namespaces must be isolated, got %+v", other)
			}
		})
	}
}
