package knowledge

import (
	"context"
	"strings"
	"testing"
)

func TestSearch_RanksByTermOverlap(t *testing.T) {
	s := NewStore()
	s.AddText("kb-faq", "Refunds are issued within 5 days.\n\nShipping takes two weeks.", nil)
	s.AddText("kb-other", "Refunds policy for partners.", nil)

	results, err := s.Retriever([]string{"kb-faq"}).Retrieve(context.Background(), "how long do refunds take", 3)
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1: %+v", len(results), results)
	}
	if !strings.Contains(results[0].Content, "Refunds are issued") {
		t.Errorf("top result = %q", results[0].Content)
	}
	if results[0].KnowledgebaseID != "kb-faq" {
		t.Errorf("result from %q, want kb-faq", results[0].KnowledgebaseID)
	}
}

func TestSearch_EmptyQuery(t *testing.T) {
	s := NewStore()
	s.AddText("kb", "anything", nil)
	results, err := s.Search(context.Background(), []string{"kb"}, "  ", 5)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results for empty query", len(results))
	}
}

func TestSplit(t *testing.T) {
	long := strings.Repeat("word ", 50)
	chunks := split("short para\n\n"+long, 60)
	if len(chunks) < 3 {
		t.Fatalf("split() produced %d chunks, want several", len(chunks))
	}
	for _, c := range chunks {
		if len(c) > 60 {
			t.Errorf("chunk longer than limit: %d", len(c))
		}
	}
	if chunks[0] != "short para" {
		t.Errorf("first chunk = %q", chunks[0])
	}
}
