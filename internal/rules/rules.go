// Package rules resolves the labor rule set that applies to a day plan.
package rules

import (
	"context"
	"fmt"
	"sync"

	"github.com/alexanderramin/dayplan/internal/domain"
)

// DefaultJurisdiction is used when a plan names none.
const DefaultJurisdiction = "default"

// Source looks up the rule set for a tenant and jurisdiction.
type Source interface {
	Lookup(ctx context.Context, tenantID, jurisdiction string) (domain.LaborRuleSet, error)
}

// Builtin returns the rule sets compiled into the binary.
func Builtin() map[string]domain.LaborRuleSet {
	return map[string]domain.LaborRuleSet{
		DefaultJurisdiction: {
			Jurisdiction:            DefaultJurisdiction,
			RestBreakIntervalHours:  4,
			RestBreakDurationMin:    15,
			MealBreakThresholdHours: 5,
			MealBreakDurationMin:    30,
			MealBreakDeadlineHours:  5,
			ViolationGraceMin:       15,
		},
		"US-CA": {
			Jurisdiction:            "US-CA",
			RestBreakIntervalHours:  4,
			RestBreakDurationMin:    10,
			MealBreakThresholdHours: 5,
			MealBreakDurationMin:    30,
			MealBreakDeadlineHours:  5,
			ViolationGraceMin:       10,
		},
		"US-WA": {
			Jurisdiction:            "US-WA",
			RestBreakIntervalHours:  4,
			RestBreakDurationMin:    10,
			MealBreakThresholdHours: 5,
			MealBreakDurationMin:    30,
			MealBreakDeadlineHours:  5,
			ViolationGraceMin:       15,
		},
	}
}

// Static serves rule sets from an in-memory table.
type Static struct {
	mu       sync.RWMutex
	sets     map[string]domain.LaborRuleSet
	fallback string
}

// NewStatic builds a table from the builtin sets overlaid with extra.
// Lookups for unknown jurisdictions use fallback.
func NewStatic(fallback string, extra map[string]domain.LaborRuleSet) (*Static, error) {
	if fallback == "" {
		fallback = DefaultJurisdiction
	}
	sets := Builtin()
	for name, rs := range extra {
		if rs.Jurisdiction == "" {
			rs.Jurisdiction = name
		}
		if err := rs.Validate(); err != nil {
			return nil, fmt.Errorf("rule set %s: %w", name, err)
		}
		sets[name] = rs
	}
	if _, ok := sets[fallback]; !ok {
		return nil, fmt.Errorf("fallback jurisdiction %q has no rule set", fallback)
	}
	return &Static{sets: sets, fallback: fallback}, nil
}

func (s *Static) Lookup(_ context.Context, _ string, jurisdiction string) (domain.LaborRuleSet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rs, ok := s.sets[jurisdiction]; ok {
		return rs, nil
	}
	return s.sets[s.fallback], nil
}

// Jurisdictions lists the known jurisdiction names.
func (s *Static) Jurisdictions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.sets))
	for name := range s.sets {
		names = append(names, name)
	}
	return names
}
