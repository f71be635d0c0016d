package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/nidhogg/covenant/internal/contract"
)

const contractColumns = `id, tenant_id, owner_id, name, type, version,
	role, mission, interaction_style, traits, configuration, voice,
	status, system_prompt, created_at, updated_at`

// ListFilter narrows ListContracts results. Zero values match everything.
type ListFilter struct {
	Type   contract.AgentType
	Status contract.Status
}

// CreateContract validates and persists a new contract. The rendered system
// prompt (the derived artifact) is generated as part of creation so the
// stored row is internally consistent from the first write. Validation
// failures are returned before anything touches the database.
func (s *Store) CreateContract(ctx context.Context, c *contract.Contract) (*contract.Contract, error) {
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.SystemPrompt = contract.Render(c).SystemPrompt

	traits, configuration, voice, err := marshalContractFields(c)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO contracts (id, tenant_id, owner_id, name, type, version,
			role, mission, interaction_style, traits, configuration, voice,
			status, system_prompt, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $15)`,
		c.ID, c.TenantID, c.OwnerID, c.Name, string(c.Type), c.Version,
		c.Role, c.Mission, c.InteractionStyle, traits, configuration, voice,
		string(c.Status), c.SystemPrompt, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create contract %s: %w", c.ID, err)
	}

	s.logger.Info("contract created",
		zap.String("agent", c.ID),
		zap.String("tenant", c.TenantID),
		zap.String("version", c.Version))
	return c, nil
}

// GetContract retrieves the current contract for an agent within a tenant.
func (s *Store) GetContract(ctx context.Context, agentID, tenantID string) (*contract.Contract, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1 AND tenant_id = $2`,
		agentID, tenantID)
	c, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contract %s/%s: %w", tenantID, agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get contract %s: %w", agentID, err)
	}
	return c, nil
}

// ListContracts returns all contracts for a tenant matching the filter,
// oldest first.
func (s *Store) ListContracts(ctx context.Context, tenantID string, filter ListFilter) ([]*contract.Contract, error) {
	query := `SELECT ` + contractColumns + ` FROM contracts WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list contracts: %w", err)
	}
	defer rows.Close()

	var contracts []*contract.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, fmt.Errorf("scan contract: %w", err)
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

// UpdateContract applies a patch to a contract. Inside one transaction it
// snapshots the current state into contract_versions, then applies the
// patch, re-renders the derived prompt, and bumps the version guarded by a
// compare-and-swap on the version it read. The snapshot always precedes the
// mutation so version history can never miss an entry; a CAS miss means a
// concurrent writer got there first and surfaces as ErrVersionConflict.
func (s *Store) UpdateContract(ctx context.Context, agentID, tenantID string, patch contract.Patch) (*contract.Contract, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM contracts WHERE id = $1 AND tenant_id = $2`,
		agentID, tenantID)
	current, err := scanContract(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("contract %s/%s: %w", tenantID, agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read contract %s: %w", agentID, err)
	}

	snapshot, err := json.Marshal(current)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO contract_versions (agent_id, version, payload, change_summary, created_by)
		VALUES ($1, $2, $3, $4, $5)`,
		agentID, current.Version, snapshot, patch.ChangeSummary, patch.UpdatedBy,
	)
	if err != nil {
		// A concurrent writer snapshotting the same version trips the
		// UNIQUE(agent_id, version) constraint before the CAS does.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("update contract %s: %w", agentID, ErrVersionConflict)
		}
		return nil, fmt.Errorf("write version snapshot %s@%s: %w", agentID, current.Version, err)
	}

	next := current.Apply(patch)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	next.Version, err = contract.NextVersion(current.Version)
	if err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now().UTC()
	next.SystemPrompt = contract.Render(next).SystemPrompt

	traits, configuration, voice, err := marshalContractFields(next)
	if err != nil {
		return nil, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE contracts SET
			name = $3, role = $4, mission = $5, interaction_style = $6,
			traits = $7, configuration = $8, voice = $9,
			version = $10, system_prompt = $11, updated_at = $12
		WHERE id = $1 AND tenant_id = $2 AND version = $13`,
		agentID, tenantID,
		next.Name, next.Role, next.Mission, next.InteractionStyle,
		traits, configuration, voice,
		next.Version, next.SystemPrompt, next.UpdatedAt,
		current.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("update contract %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("update contract %s: %w", agentID, ErrVersionConflict)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", agentID, err)
	}

	s.logger.Info("contract updated",
		zap.String("agent", agentID),
		zap.String("from", current.Version),
		zap.String("to", next.Version))
	return next, nil
}

// ArchiveContract transitions a contract to archived status. Contracts are
// never deleted.
func (s *Store) ArchiveContract(ctx context.Context, agentID, tenantID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE contracts SET status = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2 AND status != $3`,
		agentID, tenantID, string(contract.StatusArchived))
	if err != nil {
		return false, fmt.Errorf("archive contract %s: %w", agentID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateSystemPrompt overwrites only the derived prompt column. This is the
// validator's repair path; it does not bump the version because the
// authoritative fields are untouched.
func (s *Store) UpdateSystemPrompt(ctx context.Context, agentID, tenantID, prompt string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE contracts SET system_prompt = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`,
		agentID, tenantID, prompt)
	if err != nil {
		return fmt.Errorf("update system prompt %s: %w", agentID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("contract %s/%s: %w", tenantID, agentID, ErrNotFound)
	}
	return nil
}

// ListTenants returns every tenant that owns at least one contract. The
// validator uses it for cross-tenant sweeps.
func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT tenant_id FROM contracts ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// ListVersions returns the write-once version history for an agent within a
// tenant, newest first. The tenant predicate rides on the owning contract
// row, so one tenant can never read another tenant's snapshots.
func (s *Store) ListVersions(ctx context.Context, agentID, tenantID string) ([]*contract.Version, error) {
	rows, err := s.db.Query(ctx, `
		SELECT v.id, v.agent_id, v.version, v.payload, v.change_summary, v.created_by, v.created_at
		FROM contract_versions v
		JOIN contracts c ON c.id = v.agent_id
		WHERE v.agent_id = $1 AND c.tenant_id = $2
		ORDER BY v.created_at DESC`, agentID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list versions %s: %w", agentID, err)
	}
	defer rows.Close()

	var versions []*contract.Version
	for rows.Next() {
		var v contract.Version
		var payload []byte
		if err := rows.Scan(&v.ID, &v.AgentID, &v.Version, &payload, &v.ChangeSummary, &v.CreatedBy, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		v.Payload = &contract.Contract{}
		if err := json.Unmarshal(payload, v.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal version payload: %w", err)
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

func marshalContractFields(c *contract.Contract) (traits, configuration, voice []byte, err error) {
	traits, err = json.Marshal(c.Traits)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal traits: %w", err)
	}
	configuration, err = json.Marshal(c.Configuration)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal configuration: %w", err)
	}
	if c.Voice != nil {
		voice, err = json.Marshal(c.Voice)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("marshal voice: %w", err)
		}
	}
	return traits, configuration, voice, nil
}

func scanContract(row pgx.Row) (*contract.Contract, error) {
	var c contract.Contract
	var traits, configuration, voice []byte
	var typ, status string
	err := row.Scan(
		&c.ID, &c.TenantID, &c.OwnerID, &c.Name, &typ, &c.Version,
		&c.Role, &c.Mission, &c.InteractionStyle, &traits, &configuration, &voice,
		&status, &c.SystemPrompt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Type = contract.AgentType(typ)
	c.Status = contract.Status(status)
	if err := json.Unmarshal(traits, &c.Traits); err != nil {
		return nil, fmt.Errorf("unmarshal traits: %w", err)
	}
	if err := json.Unmarshal(configuration, &c.Configuration); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}
	if len(voice) > 0 {
		c.Voice = &contract.VoiceConfig{}
		if err := json.Unmarshal(voice, c.Voice); err != nil {
			return nil, fmt.Errorf("unmarshal voice: %w", err)
		}
	}
	return &c, nil
}
