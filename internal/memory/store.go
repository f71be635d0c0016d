package memory

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/covenant/internal/vectorstore"
)

// Collection is the qdrant collection holding all memory entries. Isolation
// happens through the namespace payload filter, not through per-tenant
// collections.
const Collection = "memories"

// metaPrefix namespaces caller metadata inside the point payload so it can
// never collide with the reserved keys.
const metaPrefix = "meta_"

// VectorIndex is the slice of the vector store the memory system needs.
// *vectorstore.Client satisfies it.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, name string, dimension uint64) error
	Upsert(ctx context.Context, collection string, id string, vector []float32, payload map[string]string) error
	Search(ctx context.Context, collection string, vector []float32, topK uint64, filter map[string]string) ([]*vectorstore.SearchResult, error)
	Fetch(ctx context.Context, collection string, id string) (*vectorstore.SearchResult, error)
	SetPayload(ctx context.Context, collection string, id string, payload map[string]string) error
}

// Store persists memory entries in a namespace-filtered vector index and
// ranks search results with the hybrid scoring policy.
type Store struct {
	index   VectorIndex
	weights ScoringWeights
	logger  *zap.Logger
}

// NewStore creates a memory store over the given index.
func NewStore(index VectorIndex, weights ScoringWeights, logger *zap.Logger) *Store {
	if weights.Similarity == 0 && weights.Recency == 0 && weights.Reinforcement == 0 {
		weights = DefaultScoringWeights()
	}
	return &Store{index: index, weights: weights, logger: logger}
}

// Init ensures the backing collection exists with the given vector dimension.
func (s *Store) Init(ctx context.Context, dimension uint64) error {
	return s.index.EnsureCollection(ctx, Collection, dimension)
}

// Put stores one entry and returns its ID.
func (s *Store) Put(ctx context.Context, e *Entry) (string, error) {
	if e.Namespace == "" {
		return "", fmt.Errorf("memory entry requires a namespace")
	}
	if len(e.Embedding) == 0 {
		return "", fmt.Errorf("memory entry requires an embedding")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	payload := map[string]string{
		"namespace":    e.Namespace,
		"content":      e.Content,
		"memory_type":  e.MemoryType,
		"access_count": strconv.Itoa(e.AccessCount),
		"created_at":   e.CreatedAt.Format(time.RFC3339Nano),
	}
	if !e.LastAccessedAt.IsZero() {
		payload["last_accessed_at"] = e.LastAccessedAt.Format(time.RFC3339Nano)
	}
	for k, v := range e.Metadata {
		payload[metaPrefix+k] = v
	}

	if err := s.index.Upsert(ctx, Collection, e.ID, e.Embedding, payload); err != nil {
		return "", fmt.Errorf("put memory %s: %w", e.ID, err)
	}
	return e.ID, nil
}

// Search returns at most limit entries from the given namespace ranked by
// hybrid score, ties broken by most recent creation. typeFilter narrows to
// one memory_type when non-empty. The namespace filter is applied inside
// the index; results can never cross namespaces.
func (s *Store) Search(ctx context.Context, namespace string, queryVec []float32, limit int, typeFilter string) ([]ScoredEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	filter := map[string]string{"namespace": namespace}
	if typeFilter != "" {
		filter["memory_type"] = typeFilter
	}

	// Over-fetch so hybrid rescoring has room to reorder the similarity
	// ranking before the cut.
	hits, err := s.index.Search(ctx, Collection, queryVec, uint64(limit*3), filter)
	if err != nil {
		return nil, fmt.Errorf("search namespace %s: %w", namespace, err)
	}

	now := time.Now().UTC()
	entries := make([]ScoredEntry, 0, len(hits))
	for _, h := range hits {
		e := entryFromPayload(h.ID, h.Payload)
		similarity := float64(h.Score)
		entries = append(entries, ScoredEntry{
			Entry:      e,
			Similarity: similarity,
			Score:      s.weights.score(similarity, e.CreatedAt, e.AccessCount, now),
		})
	}
	rank(entries)
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// Touch records one recall of an entry: access_count increments and
// last_accessed_at moves to now. Feeds the reinforcement scoring signal.
func (s *Store) Touch(ctx context.Context, id string) error {
	point, err := s.index.Fetch(ctx, Collection, id)
	if err != nil {
		return err
	}
	if point == nil {
		return fmt.Errorf("touch memory %s: not found", id)
	}
	count, _ := strconv.Atoi(point.Payload["access_count"])
	return s.index.SetPayload(ctx, Collection, id, map[string]string{
		"access_count":     strconv.Itoa(count + 1),
		"last_accessed_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func entryFromPayload(id string, payload map[string]string) Entry {
	e := Entry{
		ID:         id,
		Namespace:  payload["namespace"],
		Content:    payload["content"],
		MemoryType: payload["memory_type"],
	}
	e.AccessCount, _ = strconv.Atoi(payload["access_count"])
	if ts := payload["created_at"]; ts != "" {
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	if ts := payload["last_accessed_at"]; ts != "" {
		e.LastAccessedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	for k, v := range payload {
		if strings.HasPrefix(k, metaPrefix) {
			if e.Metadata == nil {
				e.Metadata = make(map[string]string)
			}
			e.Metadata[strings.TrimPrefix(k, metaPrefix)] = v
		}
	}
	return e
}
