// Package kip implements tool execution for knowledge-integrated-processing
// agents: a tool catalog, agent genomes with per-tool authorization grants,
// and an executor that gates every call through authorization, daily quotas,
// and the treasury before running it.
package kip

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownAgent is returned when an agent id has no registered genome.
var ErrUnknownAgent = errors.New("kip: unknown agent")

// AuthLevel orders an agent's tool clearance.
type AuthLevel string

const (
	AuthBasic        AuthLevel = "basic"
	AuthIntermediate AuthLevel = "intermediate"
	AuthAdvanced     AuthLevel = "advanced"
	AuthFull         AuthLevel = "full"
)

// authRank maps levels to their ordering; unknown levels rank below basic.
var authRank = map[AuthLevel]int{
	AuthBasic:        1,
	AuthIntermediate: 2,
	AuthAdvanced:     3,
	AuthFull:         4,
}

// IsValid reports whether l is a recognised authorization level.
func (l AuthLevel) IsValid() bool {
	_, ok := authRank[l]
	return ok
}

// AtLeast reports whether l grants clearance for a tool requiring min.
func (l AuthLevel) AtLeast(min AuthLevel) bool {
	return authRank[l] >= authRank[min]
}

// AgentFunction classifies an agent's operating role.
type AgentFunction string

const (
	FunctionDataAnalyst    AgentFunction = "data_analyst"
	FunctionContentCreator AgentFunction = "content_creator"
	FunctionResearcher     AgentFunction = "researcher"
	FunctionCoordinator    AgentFunction = "coordinator"
	FunctionMonitor        AgentFunction = "monitor"
	FunctionExecutor       AgentFunction = "executor"
	FunctionSpecialist     AgentFunction = "specialist"
	FunctionCustom         AgentFunction = "custom"
)

// IsValid reports whether f is a recognised agent function.
func (f AgentFunction) IsValid() bool {
	switch f {
	case FunctionDataAnalyst, FunctionContentCreator, FunctionResearcher,
		FunctionCoordinator, FunctionMonitor, FunctionExecutor,
		FunctionSpecialist, FunctionCustom:
		return true
	}
	return false
}

// AgentStatus is an agent's lifecycle state. Only active agents may
// execute tools.
type AgentStatus string

const (
	StatusInactive    AgentStatus = "inactive"
	StatusActive      AgentStatus = "active"
	StatusBusy        AgentStatus = "busy"
	StatusError       AgentStatus = "error"
	StatusMaintenance AgentStatus = "maintenance"
	StatusRetired     AgentStatus = "retired"
)

// IsValid reports whether s is a recognised lifecycle state.
func (s AgentStatus) IsValid() bool {
	switch s {
	case StatusInactive, StatusActive, StatusBusy, StatusError,
		StatusMaintenance, StatusRetired:
		return true
	}
	return false
}

// ToolGrant authorizes an agent for the tools matching either a concrete
// tool name or a whole category, at the given clearance level.
type ToolGrant struct {
	ToolName  string    `json:"tool_name,omitempty" yaml:"tool_name,omitempty"`
	Category  string    `json:"category,omitempty" yaml:"category,omitempty"`
	AuthLevel AuthLevel `json:"auth_level" yaml:"auth_level"`
	GrantedAt time.Time `json:"granted_at" yaml:"granted_at,omitempty"`
}

// covers reports whether the grant clears the given tool: the grant must
// match the tool's name or category, and its level must reach the tool's
// minimum.
func (g ToolGrant) covers(t *Tool) bool {
	if g.ToolName != t.Name && (g.Category == "" || g.Category != t.Category) {
		return false
	}
	return g.AuthLevel.AtLeast(t.MinAuthLevel)
}

// AgentGenome declares what an agent is and what it may do. Agent IDs are
// canonical (lower-cased, underscored, at least three characters); the
// registry normalizes on registration and lookup.
type AgentGenome struct {
	AgentID         string        `json:"agent_id" yaml:"agent_id"`
	Function        AgentFunction `json:"function" yaml:"function"`
	Status          AgentStatus   `json:"status" yaml:"status"`
	AuthorizedTools []ToolGrant   `json:"authorized_tools,omitempty" yaml:"authorized_tools,omitempty"`

	// MaxConcurrent caps in-flight executions for this agent.
	MaxConcurrent int `json:"max_concurrent" yaml:"max_concurrent"`

	// DefaultTimeout bounds tool bodies whose catalog entry declares none.
	DefaultTimeout   time.Duration `json:"default_timeout" yaml:"-"`
	DefaultTimeoutMS int64         `json:"-" yaml:"default_timeout_ms"`

	// Priority ranks the agent for scheduling and reporting, 1 (lowest)
	// through 10.
	Priority int `json:"priority" yaml:"priority"`
}

// Validate reports every structural problem with the genome.
func (g *AgentGenome) Validate() error {
	var errs []error
	if len(g.AgentID) < 3 {
		errs = append(errs, fmt.Errorf("agent_id %q is shorter than 3 characters", g.AgentID))
	}
	if !g.Function.IsValid() {
		errs = append(errs, fmt.Errorf("function %q is not a recognised agent function", g.Function))
	}
	if !g.Status.IsValid() {
		errs = append(errs, fmt.Errorf("status %q is not a recognised lifecycle state", g.Status))
	}
	for i, grant := range g.AuthorizedTools {
		if grant.ToolName == "" && grant.Category == "" {
			errs = append(errs, fmt.Errorf("authorized_tools[%d]: tool_name or category is required", i))
		}
		if !grant.AuthLevel.IsValid() {
			errs = append(errs, fmt.Errorf("authorized_tools[%d]: auth_level %q is not a recognised level", i, grant.AuthLevel))
		}
	}
	if g.MaxConcurrent < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent %d must be at least 1", g.MaxConcurrent))
	}
	if g.Priority < 1 || g.Priority > 10 {
		errs = append(errs, fmt.Errorf("priority %d is outside [1, 10]", g.Priority))
	}
	return errors.Join(errs...)
}

// authorizes reports whether any grant covers the tool.
func (g *AgentGenome) authorizes(t *Tool) bool {
	for _, grant := range g.AuthorizedTools {
		if grant.covers(t) {
			return true
		}
	}
	return false
}
