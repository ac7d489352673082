// Package fareclass holds the static fare-class reference data.
package fareclass

import (
	"fmt"
	"sort"
)

// Profile is the price envelope of one ticket class.
type Profile struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	MinPrice  float64 `json:"min_price"`
	MaxPrice  float64 `json:"max_price"`
	BasePrice float64 `json:"base_price"`
}

// ExpectedRange formats the accepted price range for display.
func (p Profile) ExpectedRange() string {
	return fmt.Sprintf("%.0f - %.0f", p.MinPrice, p.MaxPrice)
}

// Ticket class ids.
const (
	Economy   = 1
	Business  = 2
	Executive = 3
)

// Registry is an immutable lookup of fare-class profiles.
// The zero value is empty; use Default or New.
type Registry struct {
	profiles map[int]Profile
}

// New builds a registry from the given profiles. Duplicate ids are rejected.
func New(profiles ...Profile) (*Registry, error) {
	m := make(map[int]Profile, len(profiles))
	for _, p := range profiles {
		if _, dup := m[p.ID]; dup {
			return nil, fmt.Errorf("duplicate fare class id %d", p.ID)
		}
		if p.MinPrice < 0 || p.MaxPrice < p.MinPrice || p.BasePrice <= 0 {
			return nil, fmt.Errorf("invalid price bounds for fare class %d", p.ID)
		}
		m[p.ID] = p
	}
	return &Registry{profiles: m}, nil
}

var defaultRegistry = &Registry{profiles: map[int]Profile{
	Economy:   {ID: Economy, Name: "Economy", MinPrice: 80000, MaxPrice: 140000, BasePrice: 100000},
	Business:  {ID: Business, Name: "Business", MinPrice: 150000, MaxPrice: 300000, BasePrice: 200000},
	Executive: {ID: Executive, Name: "Executive", MinPrice: 250000, MaxPrice: 500000, BasePrice: 350000},
}}

// Default returns the built-in registry (Economy, Business, Executive).
func Default() *Registry {
	return defaultRegistry
}

// Lookup returns the profile for a class id.
func (r *Registry) Lookup(classID int) (Profile, bool) {
	p, ok := r.profiles[classID]
	return p, ok
}

// All returns every profile ordered by id.
func (r *Registry) All() []Profile {
	out := make([]Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
