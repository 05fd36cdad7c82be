// Package knowledge is a small in-memory knowledgebase: documents are split
// into chunks per knowledgebase and retrieved by keyword overlap. Agents
// attached to a knowledgebase query it before answering.
package knowledge

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// DefaultChunkSize is the target chunk length in characters.
const DefaultChunkSize = 800

// Document is one retrievable chunk.
type Document struct {
	ID              string            `json:"id"`
	KnowledgebaseID string            `json:"knowledgebaseId"`
	Content         string            `json:"content"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
}

// Result is a scored match.
type Result struct {
	Document
	Score float64 `json:"score"`
}

// Retriever answers queries over a fixed set of knowledgebases.
type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int) ([]Result, error)
}

// Store holds documents keyed by knowledgebase id.
type Store struct {
	mu        sync.RWMutex
	docs      map[string][]Document
	chunkSize int
}

func NewStore() *Store {
	return &Store{docs: make(map[string][]Document), chunkSize: DefaultChunkSize}
}

// AddText splits text into chunks and stores them under kbID. It returns
// the stored chunks.
func (s *Store) AddText(kbID, text string, metadata map[string]string) []Document {
	now := time.Now().UTC()
	var added []Document
	for _, chunk := range split(text, s.chunkSize) {
		added = append(added, Document{
			ID:              uuid.NewString(),
			KnowledgebaseID: kbID,
			Content:         chunk,
			Metadata:        metadata,
			CreatedAt:       now,
		})
	}
	s.mu.Lock()
	s.docs[kbID] = append(s.docs[kbID], added...)
	s.mu.Unlock()
	return added
}

func (s *Store) Count(kbID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs[kbID])
}

// Search scores every chunk in the given knowledgebases by the fraction of
// query terms it contains and returns the best topK with a positive score.
func (s *Store) Search(_ context.Context, kbIDs []string, query string, topK int) ([]Result, error) {
	terms := tokenize(query)
	if len(terms) == 0 || topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []Result
	for _, kb := range kbIDs {
		for _, d := range s.docs[kb] {
			words := make(map[string]bool)
			for _, w := range tokenize(d.Content) {
				words[w] = true
			}
			hits := 0
			for _, t := range terms {
				if words[t] {
					hits++
				}
			}
			if hits > 0 {
				results = append(results, Result{Document: d, Score: float64(hits) / float64(len(terms))})
			}
		}
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// Retriever scopes the store to a set of knowledgebases.
func (s *Store) Retriever(kbIDs []string) Retriever {
	return &scoped{store: s, ids: append([]string(nil), kbIDs...)}
}

type scoped struct {
	store *Store
	ids   []string
}

func (r *scoped) Retrieve(ctx context.Context, query string, topK int) ([]Result, error) {
	return r.store.Search(ctx, r.ids, query, topK)
}

// split cuts text on paragraph boundaries, packing paragraphs into chunks
// of at most size characters. Oversized paragraphs are cut on words.
func split(text string, size int) []string {
	var (
		chunks []string
		cur    strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
	}
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && cur.Len()+len(para)+2 > size {
			flush()
		}
		if len(para) <= size {
			if cur.Len() > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(para)
			continue
		}
		for _, w := range strings.Fields(para) {
			if cur.Len() > 0 && cur.Len()+len(w)+1 > size {
				flush()
			}
			if cur.Len() > 0 {
				cur.WriteByte(' ')
			}
			cur.WriteString(w)
		}
		flush()
	}
	flush()
	return chunks
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
