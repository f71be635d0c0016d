// Package validator reconciles derived prompt artifacts against the
// authoritative contract store. Any cached rendering (the system_prompt
// column, the Redis prompt cache) is treated as a cache that can go stale;
// this is the single path by which such a copy is declared divergent and
// regenerated or evicted from the store.
package validator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/covenant/internal/contract"
	"github.com/nidhogg/covenant/internal/store"
)

// ContractSource is the slice of the contract store the validator needs.
type ContractSource interface {
	GetContract(ctx context.Context, agentID, tenantID string) (*contract.Contract, error)
	ListContracts(ctx context.Context, tenantID string, filter store.ListFilter) ([]*contract.Contract, error)
	ListTenants(ctx context.Context) ([]string, error)
	UpdateSystemPrompt(ctx context.Context, agentID, tenantID, prompt string) error
}

// PromptCache is the optional secondary artifact location.
type PromptCache interface {
	Get(ctx context.Context, tenantID, agentID, version string) (string, error)
	Delete(ctx context.Context, tenantID, agentID, version string) error
}

// Report describes the outcome of checking or repairing one contract.
type Report struct {
	AgentID     string   `json:"agent_id"`
	Valid       bool     `json:"valid"`
	Differences []string `json:"differences,omitempty"`
	Repaired    bool     `json:"repaired"`
	Action      string   `json:"action"`
}

// Summary aggregates a bulk validation run.
type Summary struct {
	Total    int `json:"total"`
	Valid    int `json:"valid"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
}

// Validator recomputes derived artifacts and heals divergence.
type Validator struct {
	contracts ContractSource
	cache     PromptCache // may be nil when no cache backend is configured
	logger    *zap.Logger
}

// New creates a Validator. cache may be nil.
func New(contracts ContractSource, cache PromptCache, logger *zap.Logger) *Validator {
	return &Validator{contracts: contracts, cache: cache, logger: logger}
}

// Check recomputes the rendering from the stored contract and compares it
// against every derived copy. It mutates nothing.
func (v *Validator) Check(ctx context.Context, agentID, tenantID string) (*Report, error) {
	c, err := v.contracts.GetContract(ctx, agentID, tenantID)
	if err != nil {
		return nil, err
	}
	report := &Report{AgentID: agentID, Valid: true, Action: "none"}

	expected := contract.Render(c).SystemPrompt
	if c.SystemPrompt != expected {
		report.Valid = false
		report.Differences = append(report.Differences, "system_prompt")
	}
	if v.cache != nil {
		cached, err := v.cache.Get(ctx, tenantID, agentID, c.Version)
		if err != nil {
			v.logger.Warn("prompt cache unreachable during check", zap.Error(err))
		} else if cached != "" && cached != expected {
			report.Valid = false
			report.Differences = append(report.Differences, "prompt_cache")
		}
	}
	return report, nil
}

// Repair overwrites every divergent derived copy from the authoritative
// contract. Running it on an already-valid contract performs no mutation,
// so repeated invocations converge after the first.
func (v *Validator) Repair(ctx context.Context, agentID, tenantID string) (*Report, error) {
	report, err := v.Check(ctx, agentID, tenantID)
	if err != nil {
		return nil, err
	}
	if report.Valid {
		return report, nil
	}

	c, err := v.contracts.GetContract(ctx, agentID, tenantID)
	if err != nil {
		return nil, err
	}
	expected := contract.Render(c).SystemPrompt

	for _, diff := range report.Differences {
		switch diff {
		case "system_prompt":
			if err := v.contracts.UpdateSystemPrompt(ctx, agentID, tenantID, expected); err != nil {
				return nil, fmt.Errorf("repair system_prompt: %w", err)
			}
		case "prompt_cache":
			// Drop the stale copy; the runtime's read-through path
			// repopulates it from the store on the next turn.
			if err := v.cache.Delete(ctx, tenantID, agentID, c.Version); err != nil {
				return nil, fmt.Errorf("repair prompt_cache: %w", err)
			}
		}
	}

	report.Repaired = true
	report.Action = "regenerated from contract"
	v.logger.Info("contract artifacts repaired",
		zap.String("agent", agentID),
		zap.Strings("differences", report.Differences))
	return report, nil
}

// ValidateAll checks every contract in a tenant, optionally repairing as it
// goes. An empty tenantID sweeps every tenant in the store and returns the
// aggregated summary. Intended for periodic background invocation, not the
// request path.
func (v *Validator) ValidateAll(ctx context.Context, tenantID string, autoRepair bool) (*Summary, error) {
	if tenantID == "" {
		tenants, err := v.contracts.ListTenants(ctx)
		if err != nil {
			return nil, err
		}
		total := &Summary{}
		for _, t := range tenants {
			s, err := v.validateTenant(ctx, t, autoRepair)
			if err != nil {
				return nil, fmt.Errorf("validate tenant %s: %w", t, err)
			}
			total.Total += s.Total
			total.Valid += s.Valid
			total.Repaired += s.Repaired
			total.Failed += s.Failed
		}
		return total, nil
	}
	return v.validateTenant(ctx, tenantID, autoRepair)
}

func (v *Validator) validateTenant(ctx context.Context, tenantID string, autoRepair bool) (*Summary, error) {
	contracts, err := v.contracts.ListContracts(ctx, tenantID, store.ListFilter{})
	if err != nil {
		return nil, err
	}

	summary := &Summary{Total: len(contracts)}
	for _, c := range contracts {
		report, err := v.Check(ctx, c.ID, tenantID)
		if err != nil {
			summary.Failed++
			v.logger.Warn("contract check failed", zap.String("agent", c.ID), zap.Error(err))
			continue
		}
		if report.Valid {
			summary.Valid++
			continue
		}
		if !autoRepair {
			summary.Failed++
			continue
		}
		if _, err := v.Repair(ctx, c.ID, tenantID); err != nil {
			summary.Failed++
			v.logger.Warn("contract repair failed", zap.String("agent", c.ID), zap.Error(err))
			continue
		}
		summary.Repaired++
	}
	return summary, nil
}
