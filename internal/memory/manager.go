package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/covenant/internal/embedding"
	"github.com/nidhogg/covenant/internal/store"
)

// ThreadLog is the slice of the thread manager the memory manager needs.
// *store.Store satisfies it.
type ThreadLog interface {
	AppendMessage(ctx context.Context, threadID, role, content string, metadata map[string]string) (*store.ThreadMessage, int, error)
	RecentMessages(ctx context.Context, threadID string, limit int) ([]store.ThreadMessage, error)
}

// userFanOutCap bounds how many entries the user namespace contributes on
// top of the agent namespace.
const userFanOutCap = 3

// Context is the bundle assembled for one pending turn. An empty bundle
// with zero confidence is a normal outcome, not an error.
type Context struct {
	Retrieved  []ScoredEntry         `json:"retrieved"`
	Recent     []store.ThreadMessage `json:"recent"`
	Confidence float64               `json:"confidence"`
}

// ContextParams identifies what to assemble context for.
type ContextParams struct {
	TenantID string
	AgentID  string
	UserID   string
	ThreadID string
	Input    string
	TopK     int
	Window   int
}

// TurnParams describes one completed exchange to record.
type TurnParams struct {
	TenantID   string
	AgentID    string
	UserID     string
	ThreadID   string
	UserInput  string
	Response   string
	Confidence float64
}

// Manager is a stateless coordinator over the memory store and the thread
// log. It owns namespace construction; callers never pass raw namespaces.
type Manager struct {
	store        *Store
	threads      ThreadLog
	embedder     embedding.Provider
	embedTimeout time.Duration
	logger       *zap.Logger
}

// NewManager creates a memory manager. embedTimeout bounds every embedding
// call; zero means 10s.
func NewManager(memStore *Store, threads ThreadLog, embedder embedding.Provider, embedTimeout time.Duration, logger *zap.Logger) *Manager {
	if embedTimeout <= 0 {
		embedTimeout = 10 * time.Second
	}
	return &Manager{
		store:        memStore,
		threads:      threads,
		embedder:     embedder,
		embedTimeout: embedTimeout,
		logger:       logger,
	}
}

// AssembleContext builds the memory bundle for a pending turn: similarity
// search over the agent namespace (and the user namespace when a user is
// known), plus the thread's recent window. Embedding trouble degrades to an
// empty retrieval set; it never fails the turn.
func (m *Manager) AssembleContext(ctx context.Context, p ContextParams) (*Context, error) {
	bundle := &Context{}

	retrieved := m.retrieve(ctx, p)
	bundle.Retrieved = retrieved
	if len(retrieved) > 0 {
		var sum float64
		for _, e := range retrieved {
			sum += e.Similarity
		}
		bundle.Confidence = sum / float64(len(retrieved))
	}

	if p.ThreadID != "" && p.Window > 0 {
		recent, err := m.threads.RecentMessages(ctx, p.ThreadID, p.Window)
		if err != nil {
			return nil, fmt.Errorf("recent messages: %w", err)
		}
		bundle.Recent = recent
	}

	return bundle, nil
}

func (m *Manager) retrieve(ctx context.Context, p ContextParams) []ScoredEntry {
	if p.TopK <= 0 {
		return nil
	}

	embedCtx, cancel := context.WithTimeout(ctx, m.embedTimeout)
	defer cancel()
	vectors, err := m.embedder.Embed(embedCtx, []string{p.Input})
	if err != nil || len(vectors) == 0 {
		m.logger.Warn("query embedding unavailable, degrading to empty memory context",
			zap.String("agent", p.AgentID), zap.Error(err))
		return nil
	}
	queryVec := vectors[0]

	agentNS := AgentNamespace(p.TenantID, p.AgentID)
	retrieved, err := m.store.Search(ctx, agentNS, queryVec, p.TopK, "")
	if err != nil {
		m.logger.Warn("agent memory search failed", zap.String("namespace", agentNS), zap.Error(err))
		retrieved = nil
	}

	if p.UserID != "" {
		userLimit := p.TopK
		if userLimit > userFanOutCap {
			userLimit = userFanOutCap
		}
		userNS := UserNamespace(p.TenantID, p.AgentID, p.UserID)
		userHits, err := m.store.Search(ctx, userNS, queryVec, userLimit, "")
		if err != nil {
			m.logger.Warn("user memory search failed", zap.String("namespace", userNS), zap.Error(err))
		} else {
			retrieved = union(retrieved, userHits)
		}
	}

	// Reinforce recalled entries; losing a touch only weakens future
	// ranking, so failures are logged and dropped.
	for _, e := range retrieved {
		if err := m.store.Touch(ctx, e.ID); err != nil {
			m.logger.Debug("memory touch failed", zap.String("id", e.ID), zap.Error(err))
		}
	}
	return retrieved
}

// RecordTurn persists both turns through the thread log and then upserts a
// derived memory of the exchange into the agent namespace. This is the only
// write path into long-term memory from a live interaction. Thread append
// failures are fatal; the memory upsert is best-effort and never surfaces.
// Returns the thread's message count after both appends.
func (m *Manager) RecordTurn(ctx context.Context, p TurnParams) (int, error) {
	if _, _, err := m.threads.AppendMessage(ctx, p.ThreadID, "user", p.UserInput, nil); err != nil {
		return 0, fmt.Errorf("append user turn: %w", err)
	}
	meta := map[string]string{"confidence": fmt.Sprintf("%.4f", p.Confidence)}
	_, count, err := m.threads.AppendMessage(ctx, p.ThreadID, "assistant", p.Response, meta)
	if err != nil {
		return 0, fmt.Errorf("append assistant turn: %w", err)
	}

	exchange := fmt.Sprintf("User: %s\nAssistant: %s", p.UserInput, p.Response)
	embedCtx, cancel := context.WithTimeout(ctx, m.embedTimeout)
	defer cancel()
	vectors, err := m.embedder.Embed(embedCtx, []string{exchange})
	if err != nil || len(vectors) == 0 {
		m.logger.Warn("exchange embedding failed, skipping memory write",
			zap.String("thread", p.ThreadID), zap.Error(err))
		return count, nil
	}

	entry := &Entry{
		Namespace:  AgentNamespace(p.TenantID, p.AgentID),
		Content:    exchange,
		MemoryType: "conversation",
		Metadata: map[string]string{
			"thread_id": p.ThreadID,
			"user_id":   p.UserID,
		},
		Embedding: vectors[0],
	}
	if _, err := m.store.Put(ctx, entry); err != nil {
		m.logger.Warn("memory write failed", zap.String("thread", p.ThreadID), zap.Error(err))
	}
	return count, nil
}

// union merges two result sets, dropping duplicate IDs, and re-ranks the
// combined set.
func union(a, b []ScoredEntry) []ScoredEntry {
	seen := make(map[string]bool, len(a))
	out := make([]ScoredEntry, 0, len(a)+len(b))
	for _, e := range a {
		seen[e.ID] = true
		out = append(out, e)
	}
	for _, e := range b {
		if !seen[e.ID] {
			out = append(out, e)
		}
	}
	rank(out)
	return out
}

// FormatPrompt renders a context bundle as a system prompt section.
func FormatPrompt(c *Context) string {
	if c == nil || len(c.Retrieved) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Relevant Memories\n")
	for _, e := range c.Retrieved {
		fmt.Fprintf(&b, "- (%.2f) %s\n", e.Similarity, e.Content)
	}
	return b.String()
}
