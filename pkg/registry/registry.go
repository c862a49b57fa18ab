// Package registry provides the static sub-agent registry for the AutoYou
// core. The registry maps agent ids to capability tags and transfer
// allow-lists. It is loaded once at process start and never mutated, so
// agent logic can never widen its own allow-list.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Common errors for registry operations.
var (
	// ErrAgentNotFound is returned when an agent id is not registered.
	ErrAgentNotFound = errors.New("agent not found in registry")
	// ErrNoFallback is returned when a registry is built without a fallback agent.
	ErrNoFallback = errors.New("registry has no fallback agent")
)

// Descriptor describes a single sub-agent.
type Descriptor struct {
	// ID is the unique agent identifier (e.g. "robinhood_orders").
	ID string `yaml:"id"`
	// Tags are the agent's capability tags (e.g. "trading", "read_only").
	Tags []string `yaml:"tags,omitempty"`
	// TransferTo is the explicit allow-list of agents this agent may
	// hand off to. Transfers to any other agent are rejected.
	TransferTo []string `yaml:"transfer_to,omitempty"`
}

// HasTag reports whether the descriptor carries the given capability tag.
func (d *Descriptor) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Config is the YAML shape of a registry file.
type Config struct {
	// Fallback is the agent activated when a transfer is rejected.
	Fallback string `yaml:"fallback"`
	// Agents lists every registered sub-agent.
	Agents []Descriptor `yaml:"agents"`
}

// Registry is an immutable lookup of agent descriptors.
// All methods are safe for concurrent use without locking.
type Registry struct {
	agents   map[string]*Descriptor
	fallback string
}

// New builds a registry from a config. The config is validated: agent ids
// must be unique, every allow-list entry must name a registered agent, and
// the fallback agent must exist.
func New(cfg *Config) (*Registry, error) {
	if cfg.Fallback == "" {
		return nil, ErrNoFallback
	}

	agents := make(map[string]*Descriptor, len(cfg.Agents))
	for i := range cfg.Agents {
		d := cfg.Agents[i]
		if d.ID == "" {
			return nil, fmt.Errorf("agent at index %d has empty id", i)
		}
		if _, dup := agents[d.ID]; dup {
			return nil, fmt.Errorf("duplicate agent id: %s", d.ID)
		}
		agents[d.ID] = &d
	}

	if _, ok := agents[cfg.Fallback]; !ok {
		return nil, fmt.Errorf("fallback agent %s: %w", cfg.Fallback, ErrAgentNotFound)
	}

	for _, d := range agents {
		for _, to := range d.TransferTo {
			if _, ok := agents[to]; !ok {
				return nil, fmt.Errorf("agent %s allow-list references unknown agent %s", d.ID, to)
			}
		}
	}

	return &Registry{agents: agents, fallback: cfg.Fallback}, nil
}

// Load reads a registry config from a YAML file and builds the registry.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path) // #nosec G304 - path is from trusted config input
	if err != nil {
		return nil, fmt.Errorf("read registry config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse registry config: %w", err)
	}

	return New(&cfg)
}

// Descriptor returns the descriptor for an agent id.
// Returns ErrAgentNotFound if the id is not registered.
func (r *Registry) Descriptor(agentID string) (*Descriptor, error) {
	d, ok := r.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrAgentNotFound)
	}
	return d, nil
}

// Has reports whether an agent id is registered.
func (r *Registry) Has(agentID string) bool {
	_, ok := r.agents[agentID]
	return ok
}

// CanTransfer reports whether from is allowed to hand off to to.
// Both agents must exist and to must be in from's allow-list.
func (r *Registry) CanTransfer(from, to string) bool {
	d, ok := r.agents[from]
	if !ok {
		return false
	}
	if _, ok := r.agents[to]; !ok {
		return false
	}
	for _, allowed := range d.TransferTo {
		if allowed == to {
			return true
		}
	}
	return false
}

// Fallback returns the designated fallback agent id.
func (r *Registry) Fallback() string {
	return r.fallback
}

// AgentIDs returns all registered agent ids in sorted order.
func (r *Registry) AgentIDs() []string {
	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	return len(r.agents)
}
