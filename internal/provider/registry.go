package provider

import (
	"fmt"

	"switchyard/internal/domain"
)

// Registry binds providers to ladder tiers. One primary provider per tier,
// plus optional lateral alternates at the same cost rank. Populated at
// startup and read-only afterwards, so no locking is needed.
type Registry struct {
	primary    map[domain.Tier]Provider
	alternates map[domain.Tier][]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		primary:    make(map[domain.Tier]Provider),
		alternates: make(map[domain.Tier][]Provider),
	}
}

// Register sets the primary provider for its tier.
// Registering a second primary for the same tier is a configuration bug.
func (r *Registry) Register(p Provider) error {
	if _, ok := r.primary[p.Tier()]; ok {
		return fmt.Errorf("tier %s already has a primary provider", p.Tier())
	}
	r.primary[p.Tier()] = p
	return nil
}

// RegisterAlternate adds a lateral alternate at the provider's tier.
// Alternates share the tier's cost rank; using one is not an escalation
// up the ladder, but it still requires a logged reason.
func (r *Registry) RegisterAlternate(p Provider) {
	r.alternates[p.Tier()] = append(r.alternates[p.Tier()], p)
}

// ForTier returns the primary provider for a tier, or false if the tier
// has no backend configured.
func (r *Registry) ForTier(tier domain.Tier) (Provider, bool) {
	p, ok := r.primary[tier]
	return p, ok
}

// Alternates returns the lateral alternates for a tier.
func (r *Registry) Alternates(tier domain.Tier) []Provider {
	return r.alternates[tier]
}
