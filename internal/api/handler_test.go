package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/covenant/internal/contract"
	"github.com/nidhogg/covenant/internal/runtime"
	"github.com/nidhogg/covenant/internal/store"
	"github.com/nidhogg/covenant/internal/validator"
)

type fakeContractStore struct {
	contracts map[string]*contract.Contract
	versions  map[string][]*contract.Version
}

func newFakeContractStore() *fakeContractStore {
	return &fakeContractStore{
		contracts: make(map[string]*contract.Contract),
		versions:  make(map[string][]*contract.Version),
	}
}

func (f *fakeContractStore) key(agentID, tenantID string) string { return tenantID + "/" + agentID }

func (f *fakeContractStore) CreateContract(ctx context.Context, c *contract.Contract) (*contract.Contract, error) {
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	c.SystemPrompt = contract.Render(c).SystemPrompt
	f.contracts[f.key(c.ID, c.TenantID)] = c
	return c, nil
}

func (f *fakeContractStore) GetContract(ctx context.Context, agentID, tenantID string) (*contract.Contract, error) {
	c, ok := f.contracts[f.key(agentID, tenantID)]
	if !ok {
		return nil, fmt.Errorf("contract %s: %w", agentID, store.ErrNotFound)
	}
	return c, nil
}

func (f *fakeContractStore) ListContracts(ctx context.Context, tenantID string, filter store.ListFilter) ([]*contract.Contract, error) {
	var out []*contract.Contract
	for _, c := range f.contracts {
		if c.TenantID != tenantID {
			continue
		}
		if filter.Type != "" && c.Type != filter.Type {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeContractStore) UpdateContract(ctx context.Context, agentID, tenantID string, patch contract.Patch) (*contract.Contract, error) {
	c, err := f.GetContract(ctx, agentID, tenantID)
	if err != nil {
		return nil, err
	}
	next := c.Apply(patch)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version, _ = contract.NextVersion(c.Version)
	f.versions[agentID] = append(f.versions[agentID], &contract.Version{
		AgentID: agentID, Version: c.Version, Payload: c,
	})
	f.contracts[f.key(agentID, tenantID)] = next
	return next, nil
}

func (f *fakeContractStore) ArchiveContract(ctx context.Context, agentID, tenantID string) (bool, error) {
	c, err := f.GetContract(ctx, agentID, tenantID)
	if err != nil {
		return false, err
	}
	c.Status = contract.StatusArchived
	return true, nil
}

func (f *fakeContractStore) ListVersions(ctx context.Context, agentID, tenantID string) ([]*contract.Version, error) {
	if _, ok := f.contracts[f.key(agentID, tenantID)]; !ok {
		return nil, nil
	}
	return f.versions[agentID], nil
}

type fakeChatter struct {
	reply *runtime.Reply
	err   error
}

func (f *fakeChatter) Process(ctx context.Context, req runtime.Request) (*runtime.Reply, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

type fakeValidator struct {
	summary    *validator.Summary
	lastTenant string
	calls      int
}

func (f *fakeValidator) ValidateAll(ctx context.Context, tenantID string, autoRepair bool) (*validator.Summary, error) {
	f.lastTenant = tenantID
	f.calls++
	return f.summary, nil
}

func newTestServer(t *testing.T, chat *fakeChatter) (*httptest.Server, *fakeContractStore) {
	t.Helper()
	contracts := newFakeContractStore()
	h := NewHandler(contracts, chat, &fakeValidator{summary: &validator.Summary{Total: 1, Valid: 1}}, zap.NewNop())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return srv, contracts
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", "acme")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func agentBody() map[string]any {
	return map[string]any{
		"id":   "agent-1",
		"name": "Ada",
		"type": "conversational",
		"traits": map[string]int{
			"confidence": 80,
			"humor":      20,
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("unexpected health body: %v", body)
	}
}

func TestCreateAndGetAgent(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/agents", agentBody())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created contract.Contract
	decodeJSON(t, resp, &created)
	if created.TenantID != "acme" {
		t.Errorf("tenant from header not applied: %q", created.TenantID)
	}
	if created.Version != "1.0.0" {
		t.Errorf("expected initial version 1.0.0, got %q", created.Version)
	}
	if created.SystemPrompt == "" {
		t.Error("created contract missing rendered prompt")
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/agents/agent-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var fetched contract.Contract
	decodeJSON(t, resp, &fetched)
	if fetched.ID != "agent-1" || fetched.Traits["confidence"] != 80 {
		t.Errorf("unexpected contract: %+v", fetched)
	}
}

func TestCreateAgentValidationFailure(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})

	body := agentBody()
	body["type"] = "voice" // voice without voice config must be rejected
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/agents", body)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	var errBody map[string]string
	decodeJSON(t, resp, &errBody)
	if errBody["error"] == "" {
		t.Error("error body missing message")
	}
}

func TestGetAgentNotFound(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/agents/ghost", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestUpdateAgentAndVersions(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})
	doJSON(t, http.MethodPost, srv.URL+"/api/agents", agentBody()).Body.Close()

	resp := doJSON(t, http.MethodPatch, srv.URL+"/api/agents/agent-1", map[string]any{
		"traits": map[string]int{"humor": 95},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var updated contract.Contract
	decodeJSON(t, resp, &updated)
	if updated.Version != "1.0.1" {
		t.Errorf("expected version bump to 1.0.1, got %q", updated.Version)
	}
	if updated.Traits["humor"] != 95 {
		t.Errorf("patch not applied: %d", updated.Traits["humor"])
	}

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/agents/agent-1/versions", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var versions []contract.Version
	decodeJSON(t, resp, &versions)
	if len(versions) != 1 || versions[0].Version != "1.0.0" {
		t.Errorf("expected one snapshot of 1.0.0, got %+v", versions)
	}
}

func TestListVersionsWrongTenant(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})
	doJSON(t, http.MethodPost, srv.URL+"/api/agents", agentBody()).Body.Close()
	doJSON(t, http.MethodPatch, srv.URL+"/api/agents/agent-1", map[string]any{
		"traits": map[string]int{"humor": 95},
	}).Body.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/agents/agent-1/versions", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("X-Tenant-ID", "globex")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET versions: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var versions []contract.Version
	decodeJSON(t, resp, &versions)
	if len(versions) != 0 {
		t.Errorf("another tenant must not see version history, got %+v", versions)
	}
}

func TestUpdateAgentInvalidPatch(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})
	doJSON(t, http.MethodPost, srv.URL+"/api/agents", agentBody()).Body.Close()

	resp := doJSON(t, http.MethodPatch, srv.URL+"/api/agents/agent-1", map[string]any{
		"traits": map[string]int{"humor": 500},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestArchiveAgent(t *testing.T) {
	srv, contracts := newTestServer(t, &fakeChatter{})
	doJSON(t, http.MethodPost, srv.URL+"/api/agents", agentBody()).Body.Close()

	resp := doJSON(t, http.MethodDelete, srv.URL+"/api/agents/agent-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]bool
	decodeJSON(t, resp, &body)
	if !body["archived"] {
		t.Error("expected archived true")
	}
	if contracts.contracts["acme/agent-1"].Status != contract.StatusArchived {
		t.Error("contract not archived in store")
	}
}

func TestListAgentsEmptyIsArray(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/agents", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list []contract.Contract
	decodeJSON(t, resp, &list)
	if list == nil {
		t.Error("empty list should decode as [], not null")
	}
}

func TestChatEndpoint(t *testing.T) {
	chat := &fakeChatter{reply: &runtime.Reply{
		ThreadID: "th1",
		Response: "hello there",
		Metadata: runtime.Metadata{MemoryConfidence: 0.5, MessageCount: 2},
	}}
	srv, _ := newTestServer(t, chat)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/chat", map[string]string{
		"agent_id": "agent-1", "user_id": "u1", "message": "hi",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var reply runtime.Reply
	decodeJSON(t, resp, &reply)
	if reply.Response != "hello there" || reply.Metadata.MessageCount != 2 {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestChatMissingFields(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/chat", map[string]string{"agent_id": "agent-1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestChatErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"not found", fmt.Errorf("agent ghost: %w", store.ErrNotFound), http.StatusNotFound},
		{"completion failure", fmt.Errorf("%w: upstream 503", runtime.ErrCompletion), http.StatusBadGateway},
		{"persistence failure", fmt.Errorf("%w: pg down", runtime.ErrPersistence), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newTestServer(t, &fakeChatter{err: tc.err})
			resp := doJSON(t, http.MethodPost, srv.URL+"/api/chat", map[string]string{
				"agent_id": "agent-1", "message": "hi",
			})
			if resp.StatusCode != tc.status {
				t.Errorf("expected %d, got %d", tc.status, resp.StatusCode)
			}
		})
	}
}

func TestValidateEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &fakeChatter{})

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/validate", map[string]bool{"auto_repair": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var summary validator.Summary
	decodeJSON(t, resp, &summary)
	if summary.Total != 1 || summary.Valid != 1 {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestValidateEndpointWithoutTenantSweeps(t *testing.T) {
	v := &fakeValidator{summary: &validator.Summary{Total: 3, Valid: 3}}
	h := NewHandler(newFakeContractStore(), &fakeChatter{}, v, zap.NewNop())
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)

	// No tenant header: the request stands for a cross-tenant sweep.
	resp, err := http.Post(srv.URL+"/api/validate", "application/json",
		bytes.NewBufferString(`{"auto_repair":false}`))
	if err != nil {
		t.Fatalf("POST /api/validate: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var summary validator.Summary
	decodeJSON(t, resp, &summary)
	if summary.Total != 3 {
		t.Errorf("unexpected summary: %+v", summary)
	}
	if v.calls != 1 || v.lastTenant != "" {
		t.Errorf("expected one sweep with empty tenant, got %d calls for %q", v.calls, v.lastTenant)
	}
}
