package memory

import (
	"fmt"
	"time"
)

// Entry is one unit of recallable content. The embedding dimension is fixed
// by the embedding provider; the namespace is the isolation unit.
type Entry struct {
	ID             string            `json:"id"`
	Namespace      string            `json:"namespace"`
	Content        string            `json:"content"`
	MemoryType     string            `json:"memory_type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Embedding      []float32         `json:"-"`
	AccessCount    int               `json:"access_count"`
	LastAccessedAt time.Time         `json:"last_accessed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ScoredEntry is a search hit: the entry plus its raw cosine similarity and
// the hybrid score it was ranked by.
type ScoredEntry struct {
	Entry
	Similarity float64 `json:"similarity"`
	Score      float64 `json:"score"`
}

// Namespaces are always derived from identity fields here, never accepted
// as raw caller-supplied strings. This is the hard isolation boundary: a
// query scoped to one namespace can never see entries written under another.

// AgentNamespace scopes memory to one agent within a tenant.
func AgentNamespace(tenantID, agentID string) string {
	return fmt.Sprintf("%s:%s", tenantID, agentID)
}

// ThreadNamespace scopes memory to a single conversation thread.
func ThreadNamespace(tenantID, agentID, threadID string) string {
	return fmt.Sprintf("%s:%s:thread:%s", tenantID, agentID, threadID)
}

// UserNamespace scopes memory to one user's interactions with an agent.
func UserNamespace(tenantID, agentID, userID string) string {
	return fmt.Sprintf("%s:%s:user:%s", tenantID, agentID, userID)
}
