package orchestrator

import (
	"slices"
	"sync"

	"github.com/ashita-ai/kobo/internal/model"
)

// DefaultRoles is the built-in persona catalogue.
var DefaultRoles = []model.RoleProfile{
	{
		Key:          "project_manager",
		DisplayName:  "Mira Patel",
		Title:        "Project Manager",
		Tone:         "decisive",
		Character:    "structured and delivery-focused",
		SystemPrompt: "Drive execution, de-risk scope, and produce clear task plans with tradeoffs.",
	},
	{
		Key:          "growth",
		DisplayName:  "Ava Brooks",
		Title:        "Growth",
		Tone:         "analytic",
		Character:    "experiment-driven and metric-oriented",
		SystemPrompt: "Propose growth experiments with measurable hypotheses and instrumentation.",
	},
	{
		Key:          "finance",
		DisplayName:  "Liam Carter",
		Title:        "Finance",
		Tone:         "conservative",
		Character:    "risk-aware and numbers-first",
		SystemPrompt: "Evaluate budgets and financial risks with conservative assumptions.",
	},
	{
		Key:          "legal_officer",
		DisplayName:  "Daniel Reed",
		Title:        "Legal Officer",
		Tone:         "formal",
		Character:    "compliance-minded and exact",
		SystemPrompt: "Flag legal/compliance concerns and demand explicit approvals for write actions.",
	},
	{
		Key:          "critic",
		DisplayName:  "Priya Shah",
		Title:        "Critic",
		Tone:         "skeptical",
		Character:    "red-team and contradiction-focused",
		SystemPrompt: "Stress-test outputs, surface unsupported claims, and challenge weak assumptions.",
	},
	{
		Key:          "researcher",
		DisplayName:  "Iris Moreno",
		Title:        "Researcher",
		Tone:         "curious",
		Character:    "methodical and source-focused",
		SystemPrompt: "Gather and synthesize evidence with provenance and clear confidence bounds.",
	},
}

// Roles is a concurrency-safe role catalogue. Unknown role keys are allowed
// to run; they simply get no system prompt.
type Roles struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]model.RoleProfile
}

// NewRoles builds a catalogue. A nil slice selects DefaultRoles.
func NewRoles(profiles []model.RoleProfile) *Roles {
	if profiles == nil {
		profiles = DefaultRoles
	}
	r := &Roles{byKey: make(map[string]model.RoleProfile, len(profiles))}
	for _, p := range profiles {
		r.put(p)
	}
	return r
}

// Register adds or replaces a profile.
func (r *Roles) Register(p model.RoleProfile) error {
	if err := model.ValidateRoleKey(p.Key); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(p)
	return nil
}

func (r *Roles) put(p model.RoleProfile) {
	if _, ok := r.byKey[p.Key]; !ok {
		r.order = append(r.order, p.Key)
	}
	r.byKey[p.Key] = p
}

// Lookup returns the profile for key.
func (r *Roles) Lookup(key string) (model.RoleProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byKey[key]
	return p, ok
}

// List returns profiles in registration order.
func (r *Roles) List() []model.RoleProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.RoleProfile, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}

// Keys returns the registered role keys, sorted.
func (r *Roles) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := slices.Clone(r.order)
	slices.Sort(keys)
	return keys
}
