package contract

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AgentType classifies what kind of agent a contract describes.
type AgentType string

const (
	TypeConversational AgentType = "conversational"
	TypeVoice          AgentType = "voice"
	TypeWorkflow       AgentType = "workflow"
	TypeAutonomous     AgentType = "autonomous"
)

// Status represents a contract's lifecycle state. Contracts are never
// deleted, only archived.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
)

// TraitMin and TraitMax bound every trait dimension.
const (
	TraitMin = 0
	TraitMax = 100
)

// DefaultTraitValue is used for any trait the caller does not supply.
const DefaultTraitValue = 50

// Configuration holds the runtime knobs a contract carries.
type Configuration struct {
	Provider      string  `json:"provider"`
	Model         string  `json:"model"`
	Temperature   float64 `json:"temperature"`
	MaxTokens     int     `json:"max_tokens"`
	MemoryEnabled bool    `json:"memory_enabled"`
	VoiceEnabled  bool    `json:"voice_enabled"`
	ToolsEnabled  bool    `json:"tools_enabled"`
	MemoryTopK    int     `json:"memory_top_k"`
	ThreadWindow  int     `json:"thread_window"`
}

// VoiceConfig is required for voice-typed contracts.
type VoiceConfig struct {
	Provider string  `json:"provider"`
	VoiceID  string  `json:"voice_id"`
	Speed    float64 `json:"speed,omitempty"`
	Language string  `json:"language,omitempty"`
}

// Contract is the authoritative, versioned description of one agent.
// SystemPrompt is a derived artifact: it is always recomputable from the
// rest of the contract via Render and reconciled by the validator.
type Contract struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	OwnerID          string         `json:"owner_id"`
	Name             string         `json:"name"`
	Type             AgentType      `json:"type"`
	Version          string         `json:"version"`
	Role             string         `json:"role"`
	Mission          string         `json:"mission"`
	InteractionStyle string         `json:"interaction_style"`
	Traits           map[string]int `json:"traits"`
	Configuration    Configuration  `json:"configuration"`
	Voice            *VoiceConfig   `json:"voice,omitempty"`
	Status           Status         `json:"status"`
	SystemPrompt     string         `json:"system_prompt"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Version is an immutable snapshot of a contract taken before a mutation.
type Version struct {
	ID            string    `json:"id"`
	AgentID       string    `json:"agent_id"`
	Version       string    `json:"version"`
	Payload       *Contract `json:"payload"`
	ChangeSummary string    `json:"change_summary,omitempty"`
	CreatedBy     string    `json:"created_by,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Patch describes a partial contract update. Nil fields are left untouched.
type Patch struct {
	Name             *string        `json:"name,omitempty"`
	Role             *string        `json:"role,omitempty"`
	Mission          *string        `json:"mission,omitempty"`
	InteractionStyle *string        `json:"interaction_style,omitempty"`
	Traits           map[string]int `json:"traits,omitempty"`
	Configuration    *Configuration `json:"configuration,omitempty"`
	Voice            *VoiceConfig   `json:"voice,omitempty"`
	ChangeSummary    string         `json:"change_summary,omitempty"`
	UpdatedBy        string         `json:"updated_by,omitempty"`
}

// ValidationError rejects a contract at the store boundary, before any
// persistence happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid contract: %s: %s", e.Field, e.Reason)
}

var validTypes = map[AgentType]bool{
	TypeConversational: true,
	TypeVoice:          true,
	TypeWorkflow:       true,
	TypeAutonomous:     true,
}

var validStatuses = map[Status]bool{
	StatusActive:   true,
	StatusArchived: true,
}

// DefaultTraits returns the canonical trait set, every dimension at the
// documented default.
func DefaultTraits() map[string]int {
	traits := make(map[string]int, len(traitOrder))
	for _, name := range traitOrder {
		traits[name] = DefaultTraitValue
	}
	return traits
}

// Normalize fills defaulted fields in place: missing traits, zero version,
// zero status, and unset retrieval tuning.
func (c *Contract) Normalize() {
	if c.Traits == nil {
		c.Traits = make(map[string]int, len(traitOrder))
	}
	for _, name := range traitOrder {
		if _, ok := c.Traits[name]; !ok {
			c.Traits[name] = DefaultTraitValue
		}
	}
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.Configuration.MemoryTopK <= 0 {
		c.Configuration.MemoryTopK = 5
	}
	if c.Configuration.ThreadWindow <= 0 {
		c.Configuration.ThreadWindow = 10
	}
}

// Validate checks the contract invariants. It returns a *ValidationError
// describing the first violation found.
func (c *Contract) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return &ValidationError{Field: "id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.TenantID) == "" {
		return &ValidationError{Field: "tenant_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(c.Name) == "" {
		return &ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if !validTypes[c.Type] {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown agent type %q", c.Type)}
	}
	if !validStatuses[c.Status] {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", c.Status)}
	}
	// A version that NextVersion cannot bump would wedge every later update.
	if _, err := NextVersion(c.Version); err != nil {
		return &ValidationError{Field: "version", Reason: fmt.Sprintf("malformed semantic version %q", c.Version)}
	}
	if c.Type == TypeVoice && c.Voice == nil {
		return &ValidationError{Field: "voice", Reason: "voice-typed contract requires voice configuration"}
	}
	for name, v := range c.Traits {
		if v < TraitMin || v > TraitMax {
			return &ValidationError{
				Field:  "traits." + name,
				Reason: fmt.Sprintf("value %d outside [%d,%d]", v, TraitMin, TraitMax),
			}
		}
	}
	return nil
}

// Apply returns a copy of the contract with the patch applied. The version
// field is not touched here; the store bumps it as part of the
// snapshot-then-mutate transaction.
func (c *Contract) Apply(p Patch) *Contract {
	next := *c
	next.Traits = make(map[string]int, len(c.Traits))
	for k, v := range c.Traits {
		next.Traits[k] = v
	}
	if p.Name != nil {
		next.Name = *p.Name
	}
	if p.Role != nil {
		next.Role = *p.Role
	}
	if p.Mission != nil {
		next.Mission = *p.Mission
	}
	if p.InteractionStyle != nil {
		next.InteractionStyle = *p.InteractionStyle
	}
	for k, v := range p.Traits {
		next.Traits[k] = v
	}
	if p.Configuration != nil {
		next.Configuration = *p.Configuration
	}
	if p.Voice != nil {
		next.Voice = p.Voice
	}
	return &next
}

// NextVersion bumps the patch component of a semantic version string.
func NextVersion(v string) (string, error) {
	parts := strings.Split(v, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("malformed version %q", v)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return "", fmt.Errorf("malformed version %q: %w", v, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", fmt.Errorf("malformed version %q: %w", v, err)
	}
	patch, err := strconv.Atoi(parts[2])
	if err != nil {
		return "", fmt.Errorf("malformed version %q: %w", v, err)
	}
	return fmt.Sprintf("%d.%d.%d", major, minor, patch+1), nil
}
