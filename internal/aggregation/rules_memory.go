package aggregation

import (
	"context"
	"fmt"
	"sort"
)

// InMemoryRuleRepository serves a fixed rule set. The binary wraps the rules
// resolved at startup in one; tests build their own.
type InMemoryRuleRepository struct {
	rules map[string]StreamRule
}

// NewInMemoryRuleRepository indexes rules by name.
// Rules missing a profile or entity field get the loader's defaults.
func NewInMemoryRuleRepository(rules ...StreamRule) *InMemoryRuleRepository {
	repo := &InMemoryRuleRepository{rules: make(map[string]StreamRule)}
	for _, rule := range rules {
		if rule.Profile == "" {
			rule.Profile = ProfileOAL
		}
		if rule.EntityField == "" {
			rule.EntityField = EntityFromPrincipal
		}
		repo.rules[rule.Name] = rule
	}
	return repo
}

func (r *InMemoryRuleRepository) Get(_ context.Context, name string) (*StreamRule, error) {
	if rule, ok := r.rules[name]; ok {
		return &rule, nil
	}
	return nil, fmt.Errorf("rule not found: %s", name)
}

func (r *InMemoryRuleRepository) List(_ context.Context, sourceEvent string) ([]StreamRule, error) {
	var result []StreamRule
	for _, rule := range r.GetRules() {
		if sourceEvent == "" || rule.SourceEvent == sourceEvent {
			result = append(result, rule)
		}
	}
	return result, nil
}

func (r *InMemoryRuleRepository) GetRules() []StreamRule {
	result := make([]StreamRule, 0, len(r.rules))
	for _, rule := range r.rules {
		result = append(result, rule)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}
