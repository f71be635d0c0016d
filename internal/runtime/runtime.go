// Package runtime is the top-level entry point for one conversational turn:
// it loads the agent contract, resolves a thread, assembles memory context,
// renders the prompt, invokes the completion provider, and persists the
// exchange.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/covenant/internal/contract"
	"github.com/nidhogg/covenant/internal/memory"
	"github.com/nidhogg/covenant/internal/provider"
	"github.com/nidhogg/covenant/internal/store"
)

// ContractSource loads contracts. *store.Store satisfies it.
type ContractSource interface {
	GetContract(ctx context.Context, agentID, tenantID string) (*contract.Contract, error)
}

// ThreadSource resolves threads. *store.Store satisfies it.
type ThreadSource interface {
	GetOrCreateThread(ctx context.Context, agentID, userID, tenantID, threadID string) (*store.Thread, error)
}

// ContextAssembler is the memory manager's surface. *memory.Manager
// satisfies it.
type ContextAssembler interface {
	AssembleContext(ctx context.Context, p memory.ContextParams) (*memory.Context, error)
	RecordTurn(ctx context.Context, p memory.TurnParams) (int, error)
}

// Completer routes completion requests. *provider.Router satisfies it.
type Completer interface {
	Route(ctx context.Context, providerID string, req *provider.ChatRequest) (*provider.ChatResponse, error)
}

// PromptCache is the optional rendered-prompt cache. *promptcache.Cache
// satisfies it.
type PromptCache interface {
	Get(ctx context.Context, tenantID, agentID, version string) (string, error)
	Set(ctx context.Context, tenantID, agentID, version, prompt string) error
}

// Typed failures callers can branch on. Completion faults are retryable
// with backoff; persistence faults mean the turn was not recorded.
var (
	ErrCompletion  = errors.New("completion provider failure")
	ErrPersistence = errors.New("turn persistence failure")
)

// Request identifies one pending turn.
type Request struct {
	AgentID  string `json:"agent_id"`
	TenantID string `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Input    string `json:"message"`
	ThreadID string `json:"thread_id,omitempty"`
}

// Metadata accompanies every reply.
type Metadata struct {
	MemoryConfidence float64 `json:"memory_confidence"`
	MessageCount     int     `json:"message_count"`
}

// Reply is the user-visible outcome of a turn.
type Reply struct {
	ThreadID string   `json:"thread_id"`
	Response string   `json:"response"`
	Metadata Metadata `json:"metadata"`
}

// Runtime orchestrates interactions. It holds no persistent state of its
// own; every operation is safe to invoke concurrently across independent
// (tenant, agent, thread) tuples.
type Runtime struct {
	contracts         ContractSource
	threads           ThreadSource
	memory            ContextAssembler
	completer         Completer
	cache             PromptCache // may be nil
	completionTimeout time.Duration
	threadLocks       [threadLockShards]sync.Mutex
	logger            *zap.Logger
}

// threadLockShards bounds the lock table for a long-lived process. Turns on
// the same thread always serialize; unrelated threads hashing to the same
// shard occasionally serialize too, which is harmless.
const threadLockShards = 64

// New creates a Runtime. cache may be nil; completionTimeout zero means 60s.
func New(contracts ContractSource, threads ThreadSource, mem ContextAssembler, completer Completer, cache PromptCache, completionTimeout time.Duration, logger *zap.Logger) *Runtime {
	if completionTimeout <= 0 {
		completionTimeout = 60 * time.Second
	}
	return &Runtime{
		contracts:         contracts,
		threads:           threads,
		memory:            mem,
		completer:         completer,
		cache:             cache,
		completionTimeout: completionTimeout,
		logger:            logger,
	}
}

// Process runs one full turn. A completion failure aborts before any
// persistence; once the completion has returned, the turn runs to
// completion even if the caller cancels, so the user never sees a response
// that was silently rolled back. Memory faults never fail the turn.
func (r *Runtime) Process(ctx context.Context, req Request) (*Reply, error) {
	c, err := r.contracts.GetContract(ctx, req.AgentID, req.TenantID)
	if err != nil {
		return nil, err
	}
	if c.Status == contract.StatusArchived {
		return nil, fmt.Errorf("agent %s is archived: %w", req.AgentID, store.ErrNotFound)
	}

	thread, err := r.threads.GetOrCreateThread(ctx, req.AgentID, req.UserID, req.TenantID, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}

	bundle := &memory.Context{}
	if c.Configuration.MemoryEnabled {
		bundle, err = r.memory.AssembleContext(ctx, memory.ContextParams{
			TenantID: req.TenantID,
			AgentID:  req.AgentID,
			UserID:   req.UserID,
			ThreadID: thread.ID,
			Input:    req.Input,
			TopK:     c.Configuration.MemoryTopK,
			Window:   c.Configuration.ThreadWindow,
		})
		if err != nil {
			return nil, fmt.Errorf("assemble context: %w", err)
		}
	}

	messages := r.buildMessages(ctx, c, bundle, req.Input)

	resp, err := r.complete(ctx, c, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompletion, err)
	}

	// The user is about to see this response; persist it even if the
	// caller goes away now.
	persistCtx := context.WithoutCancel(ctx)

	mu := r.lockFor(thread.ID)
	mu.Lock()
	count, err := r.memory.RecordTurn(persistCtx, memory.TurnParams{
		TenantID:   req.TenantID,
		AgentID:    req.AgentID,
		UserID:     req.UserID,
		ThreadID:   thread.ID,
		UserInput:  req.Input,
		Response:   resp.Content,
		Confidence: bundle.Confidence,
	})
	mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return &Reply{
		ThreadID: thread.ID,
		Response: resp.Content,
		Metadata: Metadata{
			MemoryConfidence: bundle.Confidence,
			MessageCount:     count,
		},
	}, nil
}

// complete invokes the provider with a hard timeout and one immediate
// retry. Any further retries belong to the caller's backoff policy.
func (r *Runtime) complete(ctx context.Context, c *contract.Contract, messages []provider.Message) (*provider.ChatResponse, error) {
	req := &provider.ChatRequest{
		Model:       c.Configuration.Model,
		Messages:    messages,
		Temperature: c.Configuration.Temperature,
		MaxTokens:   c.Configuration.MaxTokens,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.completionTimeout)
	defer cancel()
	resp, err := r.completer.Route(callCtx, c.Configuration.Provider, req)
	if err == nil {
		return resp, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	r.logger.Warn("completion failed, retrying once",
		zap.String("agent", c.ID), zap.Error(err))

	retryCtx, cancelRetry := context.WithTimeout(ctx, r.completionTimeout)
	defer cancelRetry()
	return r.completer.Route(retryCtx, c.Configuration.Provider, req)
}

// buildMessages assembles the provider message list: rendered system prompt,
// memory context, the recent thread window replayed in order, then the
// pending user input.
func (r *Runtime) buildMessages(ctx context.Context, c *contract.Contract, bundle *memory.Context, input string) []provider.Message {
	messages := []provider.Message{
		{Role: "system", Content: r.systemPrompt(ctx, c)},
	}
	if memCtx := memory.FormatPrompt(bundle); memCtx != "" {
		messages = append(messages, provider.Message{Role: "system", Content: memCtx})
	}
	for _, m := range bundle.Recent {
		if m.Role != "user" && m.Role != "assistant" {
			continue
		}
		messages = append(messages, provider.Message{Role: m.Role, Content: m.Content})
	}
	return append(messages, provider.Message{Role: "user", Content: input})
}

// systemPrompt reads through the prompt cache when one is configured.
// Rendering is pure, so a miss or cache fault just falls back to rendering.
func (r *Runtime) systemPrompt(ctx context.Context, c *contract.Contract) string {
	if r.cache == nil {
		return contract.Render(c).SystemPrompt
	}
	cached, err := r.cache.Get(ctx, c.TenantID, c.ID, c.Version)
	if err == nil && cached != "" {
		return cached
	}
	if err != nil {
		r.logger.Debug("prompt cache read failed", zap.String("agent", c.ID), zap.Error(err))
	}
	prompt := contract.Render(c).SystemPrompt
	if err := r.cache.Set(ctx, c.TenantID, c.ID, c.Version, prompt); err != nil {
		r.logger.Debug("prompt cache write failed", zap.String("agent", c.ID), zap.Error(err))
	}
	return prompt
}

func (r *Runtime) lockFor(threadID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(threadID))
	return &r.threadLocks[h.Sum32()%threadLockShards]
}
