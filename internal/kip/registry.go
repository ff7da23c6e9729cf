package kip

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hivemind-ai/hivemind/internal/treasury"
)

// ToolFunc is the executable body of a tool.
type ToolFunc func(ctx context.Context, params map[string]any) (any, error)

// Tool is one catalog entry. Cost is charged per call, before execution.
type Tool struct {
	Name         string    `yaml:"name"`
	Description  string    `yaml:"description"`
	Category     string    `yaml:"category"`
	CostCents    int64     `yaml:"cost_cents"`
	MinAuthLevel AuthLevel `yaml:"min_auth_level"`
	MaxDailyUses int       `yaml:"max_daily_uses"`
	Timeout      time.Duration
	TimeoutMS    int64 `yaml:"timeout_ms"`
	Active       bool  `yaml:"active"`

	fn ToolFunc
}

// Validate reports every structural problem with the tool declaration.
func (t *Tool) Validate() error {
	var errs []error
	if t.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if t.CostCents < 0 {
		errs = append(errs, fmt.Errorf("cost_cents %d is negative", t.CostCents))
	}
	if !t.MinAuthLevel.IsValid() {
		errs = append(errs, fmt.Errorf("min_auth_level %q is not a recognised level", t.MinAuthLevel))
	}
	if t.MaxDailyUses < 0 {
		errs = append(errs, fmt.Errorf("max_daily_uses %d is negative", t.MaxDailyUses))
	}
	return errors.Join(errs...)
}

// Registry holds the tool catalog and the registered agent genomes.
// Safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*Tool
	agents map[string]*AgentGenome
	now    func() time.Time
}

// NewRegistry creates a registry preloaded with the builtin tool set.
func NewRegistry() *Registry {
	r := &Registry{
		tools:  make(map[string]*Tool),
		agents: make(map[string]*AgentGenome),
		now:    time.Now,
	}
	for _, t := range builtinTools() {
		r.tools[t.Name] = t
	}
	return r
}

// RegisterTool adds or replaces a catalog entry.
func (r *Registry) RegisterTool(t *Tool, fn ToolFunc) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("kip: invalid tool %q: %w", t.Name, err)
	}
	if t.Timeout == 0 && t.TimeoutMS > 0 {
		t.Timeout = time.Duration(t.TimeoutMS) * time.Millisecond
	}
	if fn != nil {
		t.fn = fn
	}
	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
	return nil
}

// Tool returns the named catalog entry, or nil.
func (r *Registry) Tool(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Tools returns a snapshot of the catalog.
func (r *Registry) Tools() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}

// RegisterAgent adds or replaces an agent genome. The agent id is normalized
// to its canonical form; omitted fields get serviceable defaults (custom
// function, inactive status, concurrency 1, priority 5).
func (r *Registry) RegisterAgent(g *AgentGenome) error {
	id, err := treasury.NormalizeAgentID(g.AgentID)
	if err != nil {
		return fmt.Errorf("kip: invalid genome %q: %w", g.AgentID, err)
	}
	g.AgentID = id
	if g.Function == "" {
		g.Function = FunctionCustom
	}
	if g.Status == "" {
		g.Status = StatusInactive
	}
	if g.MaxConcurrent == 0 {
		g.MaxConcurrent = 1
	}
	if g.Priority == 0 {
		g.Priority = 5
	}
	if g.DefaultTimeout == 0 && g.DefaultTimeoutMS > 0 {
		g.DefaultTimeout = time.Duration(g.DefaultTimeoutMS) * time.Millisecond
	}
	for i := range g.AuthorizedTools {
		if g.AuthorizedTools[i].GrantedAt.IsZero() {
			g.AuthorizedTools[i].GrantedAt = r.now()
		}
	}
	if err := g.Validate(); err != nil {
		return fmt.Errorf("kip: invalid genome %q: %w", g.AgentID, err)
	}
	r.mu.Lock()
	r.agents[g.AgentID] = g
	r.mu.Unlock()
	return nil
}

// Agent returns the genome for agentID, or nil. The lookup tolerates
// non-canonical spellings of the id.
func (r *Registry) Agent(agentID string) *AgentGenome {
	id, err := treasury.NormalizeAgentID(agentID)
	if err != nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[id]
}

// Agents returns a snapshot of the registered genomes.
func (r *Registry) Agents() []*AgentGenome {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentGenome, 0, len(r.agents))
	for _, g := range r.agents {
		out = append(out, g)
	}
	return out
}

type catalogFile struct {
	Tools []*Tool `yaml:"tools"`
}

// LoadCatalog merges a YAML tool catalog over the registry. Declared tools
// without a builtin body are registered inert (Active as declared, but any
// execution fails with a descriptive error) so operators can stage catalog
// entries ahead of their implementations.
func (r *Registry) LoadCatalog(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("kip: read catalog %s: %w", path, err)
	}
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("kip: parse catalog %s: %w", path, err)
	}
	for _, t := range file.Tools {
		var fn ToolFunc
		if existing := r.Tool(t.Name); existing != nil {
			fn = existing.fn
		}
		if fn == nil {
			name := t.Name
			fn = func(ctx context.Context, params map[string]any) (any, error) {
				return nil, fmt.Errorf("kip: tool %q has no implementation", name)
			}
		}
		if err := r.RegisterTool(t, fn); err != nil {
			return err
		}
	}
	return nil
}

type genomesFile struct {
	Agents []*AgentGenome `yaml:"agents"`
}

// LoadGenomes registers every agent genome declared in a YAML file.
func (r *Registry) LoadGenomes(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("kip: read genomes %s: %w", path, err)
	}
	var file genomesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("kip: parse genomes %s: %w", path, err)
	}
	for _, g := range file.Agents {
		if err := r.RegisterAgent(g); err != nil {
			return err
		}
	}
	return nil
}
