package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/covenant/internal/contract"
	"github.com/nidhogg/covenant/internal/memory"
	"github.com/nidhogg/covenant/internal/provider"
	"github.com/nidhogg/covenant/internal/store"
)

type fakeContracts struct {
	contracts map[string]*contract.Contract
}

func (f *fakeContracts) GetContract(ctx context.Context, agentID, tenantID string) (*contract.Contract, error) {
	c, ok := f.contracts[tenantID+"/"+agentID]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", agentID, store.ErrNotFound)
	}
	return c, nil
}

type fakeThreads struct {
	threads map[string]*store.Thread
	created int
}

func newFakeThreads() *fakeThreads {
	return &fakeThreads{threads: make(map[string]*store.Thread)}
}

func (f *fakeThreads) GetOrCreateThread(ctx context.Context, agentID, userID, tenantID, threadID string) (*store.Thread, error) {
	if threadID != "" {
		if t, ok := f.threads[threadID]; ok &&
			t.AgentID == agentID && t.UserID == userID && t.TenantID == tenantID && t.Status == "active" {
			return t, nil
		}
	}
	t := &store.Thread{
		ID: uuid.New().String(), AgentID: agentID, UserID: userID,
		TenantID: tenantID, Status: "active", CreatedAt: time.Now().UTC(),
	}
	f.threads[t.ID] = t
	f.created++
	return t, nil
}

type recordedTurn struct {
	threadID string
	params   memory.TurnParams
}

type fakeMemory struct {
	bundle     *memory.Context
	turns      []recordedTurn
	recordErr  error
	msgCounter int
}

func (f *fakeMemory) AssembleContext(ctx context.Context, p memory.ContextParams) (*memory.Context, error) {
	if f.bundle != nil {
		return f.bundle, nil
	}
	return &memory.Context{}, nil
}

func (f *fakeMemory) RecordTurn(ctx context.Context, p memory.TurnParams) (int, error) {
	if f.recordErr != nil {
		return 0, f.recordErr
	}
	f.turns = append(f.turns, recordedTurn{threadID: p.ThreadID, params: p})
	f.msgCounter += 2
	return f.msgCounter, nil
}

type fakeCompleter struct {
	response string
	failures int // how many calls fail before succeeding
	calls    int
	requests []*provider.ChatRequest
}

func (f *fakeCompleter) Route(ctx context.Context, providerID string, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	f.calls++
	f.requests = append(f.requests, req)
	if f.calls <= f.failures {
		return nil, errors.New("upstream 503")
	}
	return &provider.ChatResponse{Content: f.response, Model: req.Model}, nil
}

type fakeCache struct {
	store map[string]string
	gets  int
	sets  int
}

func newFakeCache() *fakeCache { return &fakeCache{store: make(map[string]string)} }

func (f *fakeCache) Get(ctx context.Context, tenantID, agentID, version string) (string, error) {
	f.gets++
	return f.store[tenantID+":"+agentID+":"+version], nil
}

func (f *fakeCache) Set(ctx context.Context, tenantID, agentID, version, prompt string) error {
	f.sets++
	f.store[tenantID+":"+agentID+":"+version] = prompt
	return nil
}

func testContract() *contract.Contract {
	c := &contract.Contract{
		ID: "agent-1", TenantID: "acme", Name: "Ada",
		Type: contract.TypeConversational,
		Configuration: contract.Configuration{
			Provider: "openai-main", Model: "gpt-4o",
			MemoryEnabled: true,
		},
	}
	c.Normalize()
	c.SystemPrompt = contract.Render(c).SystemPrompt
	return c
}

type fixture struct {
	rt        *Runtime
	contracts *fakeContracts
	threads   *fakeThreads
	mem       *fakeMemory
	completer *fakeCompleter
	cache     *fakeCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		contracts: &fakeContracts{contracts: map[string]*contract.Contract{"acme/agent-1": testContract()}},
		threads:   newFakeThreads(),
		mem:       &fakeMemory{},
		completer: &fakeCompleter{response: "hello there"},
		cache:     newFakeCache(),
	}
	f.rt = New(f.contracts, f.threads, f.mem, f.completer, f.cache, time.Second, zap.NewNop())
	return f
}

func TestProcessFreshTurn(t *testing.T) {
	f := newFixture(t)

	reply, err := f.rt.Process(context.Background(), Request{
		AgentID: "agent-1", TenantID: "acme", UserID: "u1", Input: "hi",
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if reply.ThreadID == "" {
		t.Error("reply missing thread ID")
	}
	if reply.Response != "hello there" {
		t.Errorf("unexpected response %q", reply.Response)
	}
	if reply.Metadata.MessageCount != 2 {
		t.Errorf("expected message count 2, got %d", reply.Metadata.MessageCount)
	}
	if f.threads.created != 1 {
		t.Errorf("expected 1 thread created, got %d", f.threads.created)
	}
	if len(f.mem.turns) != 1 {
		t.Fatalf("expected 1 recorded turn, got %d", len(f.mem.turns))
	}
	turn := f.mem.turns[0]
	if turn.params.UserInput != "hi" || turn.params.Response != "hello there" {
		t.Errorf("turn recorded wrong content: %+v", turn.params)
	}
}

func TestProcessReusesThread(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.rt.Process(ctx, Request{AgentID: "agent-1", TenantID: "acme", UserID: "u1", Input: "one"})
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	second, err := f.rt.Process(ctx, Request{
		AgentID: "agent-1", TenantID: "acme", UserID: "u1", Input: "two", ThreadID: first.ThreadID,
	})
	if err != nil {
		t.Fatalf("second turn: %v", err)
	}

	if second.ThreadID != first.ThreadID {
		t.Error("second turn should continue the same thread")
	}
	if f.threads.created != 1 {
		t.Errorf("expected 1 thread total, got %d", f.threads.created)
	}
	if second.Metadata.MessageCount != 4 {
		t.Errorf("expected message count 4 after two turns, got %d", second.Metadata.MessageCount)
	}
}

func TestProcessUnknownAgent(t *testing.T) {
	f := newFixture(t)

	_, err := f.rt.Process(context.Background(), Request{AgentID: "ghost", TenantID: "acme", Input: "hi"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessArchivedAgent(t *testing.T) {
	f := newFixture(t)
	f.contracts.contracts["acme/agent-1"].Status = contract.StatusArchived

	_, err := f.rt.Process(context.Background(), Request{AgentID: "agent-1", TenantID: "acme", Input: "hi"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("archived agent should behave as not found, got %v", err)
	}
	if len(f.mem.turns) != 0 {
		t.Error("nothing should be persisted for an archived agent")
	}
}

func TestProcessCompletionFailureAbortsBeforePersistence(t *testing.T) {
	f := newFixture(t)
	f.completer.failures = 10 // fail every attempt

	_, err := f.rt.Process(context.Background(), Request{AgentID: "agent-1", TenantID: "acme", Input: "hi"})
	if !errors.Is(err, ErrCompletion) {
		t.Fatalf("expected ErrCompletion, got %v", err)
	}
	if len(f.mem.turns) != 0 {
		t.Error("failed completion must not persist anything")
	}
	if f.completer.calls != 2 {
		t.Errorf("expected exactly one retry (2 calls), got %d", f.completer.calls)
	}
}

func TestProcessCompletionRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	f.completer.failures = 1 // first call fails, retry succeeds

	reply, err := f.rt.Process(context.Background(), Request{AgentID: "agent-1", TenantID: "acme", Input: "hi"})
	if err != nil {
		t.Fatalf("retry should have recovered the turn: %v", err)
	}
	if reply.Response != "hello there" {
		t.Errorf("unexpected response %q", reply.Response)
	}
	if f.completer.calls != 2 {
		t.Errorf("expected 2 provider calls, got %d", f.completer.calls)
	}
}

func TestProcessPersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.mem.recordErr = errors.New("pg down")

	_, err := f.rt.Process(context.Background(), Request{AgentID: "agent-1", TenantID: "acme", Input: "hi"})
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
}

func TestProcessBuildsMessagesInOrder(t *testing.T) {
	f := newFixture(t)
	f.mem.bundle = &memory.Context{
		Retrieved: []memory.ScoredEntry{
			{Entry: memory.Entry{Content: "likes jazz"}, Similarity: 0.9},
		},
		Recent: []store.ThreadMessage{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
			{Role: "system", Content: "must be skipped"},
		},
		Confidence: 0.9,
	}

	reply, err := f.rt.Process(context.Background(), Request{AgentID: "agent-1", TenantID: "acme", Input: "now"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply.Metadata.MemoryConfidence != 0.9 {
		t.Errorf("confidence not propagated: %f", reply.Metadata.MemoryConfidence)
	}

	msgs := f.completer.requests[0].Messages
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages (system, memory, 2 replayed, input), got %d", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "Behavioral Directives") {
		t.Error("first message should be the rendered system prompt")
	}
	if msgs[1].Role != "system" || !strings.Contains(msgs[1].Content, "likes jazz") {
		t.Error("second message should carry the memory section")
	}
	if msgs[2].Content != "earlier question" || msgs[3].Content != "earlier answer" {
		t.Error("thread window should be replayed in order")
	}
	if msgs[4].Role != "user" || msgs[4].Content != "now" {
		t.Error("final message should be the pending input")
	}
}

func TestProcessPromptCacheReadThrough(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.rt.Process(ctx, Request{AgentID: "agent-1", TenantID: "acme", Input: "one"}); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if f.cache.sets != 1 {
		t.Errorf("first turn should populate the cache, got %d sets", f.cache.sets)
	}

	if _, err := f.rt.Process(ctx, Request{AgentID: "agent-1", TenantID: "acme", Input: "two"}); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if f.cache.sets != 1 {
		t.Errorf("second turn should hit the cache, got %d sets", f.cache.sets)
	}

	// A version bump must miss the old key and re-render.
	f.contracts.contracts["acme/agent-1"].Version = "1.0.1"
	if _, err := f.rt.Process(ctx, Request{AgentID: "agent-1", TenantID: "acme", Input: "three"}); err != nil {
		t.Fatalf("third turn: %v", err)
	}
	if f.cache.sets != 2 {
		t.Errorf("version bump should repopulate under the new key, got %d sets", f.cache.sets)
	}
}

func TestProcessNilCache(t *testing.T) {
	f := newFixture(t)
	f.rt = New(f.contracts, f.threads, f.mem, f.completer, nil, time.Second, zap.NewNop())

	if _, err := f.rt.Process(context.Background(), Request{AgentID: "agent-1", TenantID: "acme", Input: "hi"}); err != nil {
		t.Fatalf("nil cache must render directly: %v", err)
	}
	if !strings.Contains(f.completer.requests[0].Messages[0].Content, "Behavioral Directives") {
		t.Error("system prompt should still be rendered without a cache")
	}
}

func TestProcessMemoryDisabledSkipsAssembly(t *testing.T) {
	f := newFixture(t)
	f.contracts.contracts["acme/agent-1"].Configuration.MemoryEnabled = false
	f.mem.bundle = &memory.Context{
		Retrieved:  []memory.ScoredEntry{{Entry: memory.Entry{Content: "should not appear"}}},
		Confidence: 0.9,
	}

	reply, err := f.rt.Process(context.Background(), Request{AgentID: "agent-1", TenantID: "acme", Input: "hi"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if reply.Metadata.MemoryConfidence != 0 {
		t.Error("memory disabled should report zero confidence")
	}
	for _, m := range f.completer.requests[0].Messages {
		if strings.Contains(m.Content, "should not appear") {
			t.Error("memory section leaked into a memory-disabled turn")
		}
	}
}

func TestLockForIsStableAndBounded(t *testing.T) {
	f := newFixture(t)

	seen := make(map[*sync.Mutex]bool)
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("thread-%d", i)
		if f.rt.lockFor(id) != f.rt.lockFor(id) {
			t.Fatalf("thread %s did not map to a stable lock", id)
		}
		seen[f.rt.lockFor(id)] = true
	}
	if len(seen) > threadLockShards {
		t.Errorf("lock table should stay within %d shards, saw %d", threadLockShards, len(seen))
	}
}
