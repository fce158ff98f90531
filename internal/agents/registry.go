// Package agents loads and resolves the agent credential registry: the set
// of platform agents this process answers for, with their handles and
// request-signing secrets.
package agents

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Credentials identifies one registered agent.
type Credentials struct {
	AgentID string
	Handle  string
	Secret  string
}

type fileFormat struct {
	Agents map[string]struct {
		Handle string `yaml:"handle"`
		Secret string `yaml:"secret,omitempty"`
	} `yaml:"agents"`
}

// Registry resolves agent identities by id or handle.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]Credentials
	byHandle map[string]string
}

// NewRegistry builds a Registry from explicit credentials.
func NewRegistry(creds []Credentials) *Registry {
	r := &Registry{
		byID:     make(map[string]Credentials, len(creds)),
		byHandle: make(map[string]string, len(creds)),
	}
	for _, c := range creds {
		r.byID[c.AgentID] = c
		if c.Handle != "" {
			r.byHandle[normalizeHandle(c.Handle)] = c.AgentID
		}
	}
	return r
}

// Len reports how many agents are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// LoadFile reads the YAML credential registry at path.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}

	var ff fileFormat
	if err := yaml.Unmarshal(data, &ff); err != nil {
		return nil, fmt.Errorf("parse agents file: %w", err)
	}
	if len(ff.Agents) == 0 {
		return nil, fmt.Errorf("agents file %q defines no agents", path)
	}

	creds := make([]Credentials, 0, len(ff.Agents))
	for id, a := range ff.Agents {
		if a.Handle == "" {
			return nil, fmt.Errorf("agent %q has no handle", id)
		}
		creds = append(creds, Credentials{AgentID: id, Handle: a.Handle, Secret: a.Secret})
	}
	return NewRegistry(creds), nil
}

// Resolve returns the credentials for an agent id.
func (r *Registry) Resolve(agentID string) (Credentials, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[agentID]
	return c, ok
}

// ResolveHandle returns the credentials for an agent handle. The leading "@"
// is optional and matching is case-insensitive.
func (r *Registry) ResolveHandle(handle string) (Credentials, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byHandle[normalizeHandle(handle)]
	if !ok {
		return Credentials{}, false
	}
	return r.byID[id], true
}

func normalizeHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(h, "@"))
}
