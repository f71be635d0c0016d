package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Thread is one persistent conversation between a user and an agent.
type Thread struct {
	ID            string     `json:"id"`
	AgentID       string     `json:"agent_id"`
	UserID        string     `json:"user_id"`
	TenantID      string     `json:"tenant_id"`
	Status        string     `json:"status"`
	MessageCount  int        `json:"message_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ThreadMessage is one write-once conversation turn.
type ThreadMessage struct {
	ID        string            `json:"id"`
	ThreadID  string            `json:"thread_id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

const threadColumns = `id, agent_id, user_id, tenant_id, status, message_count, last_message_at, created_at`

// GetOrCreateThread resolves the supplied thread ID to a live thread owned
// by the same (agent, user, tenant) triple, or creates a fresh one. A stale,
// archived, or foreign thread ID silently falls back to creation: thread
// IDs are an optimization hint, never a capability to read someone else's
// conversation.
func (s *Store) GetOrCreateThread(ctx context.Context, agentID, userID, tenantID, threadID string) (*Thread, error) {
	if threadID != "" {
		// threads.id is a UUID column; a malformed ID would error at the
		// cast instead of falling through, so treat it as a miss up front.
		if _, err := uuid.Parse(threadID); err != nil {
			s.logger.Debug("malformed thread id, creating new",
				zap.String("thread", threadID), zap.String("agent", agentID))
			threadID = ""
		}
	}
	if threadID != "" {
		row := s.db.QueryRow(ctx, `
			SELECT `+threadColumns+` FROM threads
			WHERE id = $1 AND agent_id = $2 AND user_id = $3 AND tenant_id = $4 AND status = 'active'`,
			threadID, agentID, userID, tenantID)
		t, err := scanThread(row)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("resolve thread %s: %w", threadID, err)
		}
		s.logger.Debug("supplied thread not usable, creating new",
			zap.String("thread", threadID), zap.String("agent", agentID))
	}

	row := s.db.QueryRow(ctx, `
		INSERT INTO threads (agent_id, user_id, tenant_id, status)
		VALUES ($1, $2, $3, 'active')
		RETURNING `+threadColumns,
		agentID, userID, tenantID)
	t, err := scanThread(row)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return t, nil
}

// GetThread retrieves a thread by ID.
func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+threadColumns+` FROM threads WHERE id = $1`, threadID)
	t, err := scanThread(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	return t, nil
}

// AppendMessage inserts one turn and bumps the thread's counters in a
// single transaction, so the message row and message_count can never drift
// apart. It returns the stored message and the thread's new message count.
func (s *Store) AppendMessage(ctx context.Context, threadID, role, content string, metadata map[string]string) (*ThreadMessage, int, error) {
	var metaJSON []byte
	if len(metadata) > 0 {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal metadata: %w", err)
		}
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback(ctx)

	msg := &ThreadMessage{ThreadID: threadID, Role: role, Content: content, Metadata: metadata}
	err = tx.QueryRow(ctx, `
		INSERT INTO thread_messages (thread_id, role, content, metadata)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		threadID, role, content, metaJSON,
	).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return nil, 0, fmt.Errorf("append message: %w", err)
	}

	var count int
	err = tx.QueryRow(ctx, `
		UPDATE threads SET message_count = message_count + 1, last_message_at = now()
		WHERE id = $1
		RETURNING message_count`,
		threadID,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("bump thread counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, 0, fmt.Errorf("commit append: %w", err)
	}
	return msg, count, nil
}

// RecentMessages returns the most recent `limit` messages of a thread in
// insertion order, oldest first.
func (s *Store) RecentMessages(ctx context.Context, threadID string, limit int) ([]ThreadMessage, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.Query(ctx, `
		SELECT id, thread_id, role, content, metadata, created_at FROM (
			SELECT id, thread_id, seq, role, content, metadata, created_at
			FROM thread_messages
			WHERE thread_id = $1
			ORDER BY seq DESC
			LIMIT $2
		) recent
		ORDER BY seq ASC`, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []ThreadMessage
	for rows.Next() {
		var m ThreadMessage
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Content, &metaJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(metaJSON) > 0 {
			json.Unmarshal(metaJSON, &m.Metadata)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func scanThread(row pgx.Row) (*Thread, error) {
	var t Thread
	err := row.Scan(&t.ID, &t.AgentID, &t.UserID, &t.TenantID, &t.Status,
		&t.MessageCount, &t.LastMessageAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
