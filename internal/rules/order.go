package rules

import (
	"AuctionLedger/internal/auction"
	"sort"

	"github.com/google/uuid"
)

// dependencyOrder sorts rules so every rule follows the rules it depends
// on. Dependencies outside the set are ignored. Ties break on code so the
// order is stable across runs.
func dependencyOrder(rules []auction.Rule) ([]auction.Rule, error) {
	byID := make(map[uuid.UUID]int, len(rules))
	for i := range rules {
		byID[rules[i].ID] = i
	}

	indegree := make([]int, len(rules))
	dependents := make([][]int, len(rules))
	for i := range rules {
		for _, dep := range rules[i].DependsOn {
			j, ok := byID[dep]
			if !ok {
				continue
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	var ready []int
	for i, d := range indegree {
		if d == 0 {
			ready = append(ready, i)
		}
	}

	out := make([]auction.Rule, 0, len(rules))
	for len(ready) > 0 {
		sort.Slice(ready, func(a, b int) bool { return rules[ready[a]].Code < rules[ready[b]].Code })
		i := ready[0]
		ready = ready[1:]
		out = append(out, rules[i])
		for _, j := range dependents[i] {
			indegree[j]--
			if indegree[j] == 0 {
				ready = append(ready, j)
			}
		}
	}

	if len(out) != len(rules) {
		for i, d := range indegree {
			if d > 0 {
				return nil, auction.NewValidationError("depends_on", auction.CodeInvalidRule,
					"dependency cycle through rule %s", rules[i].Code)
			}
		}
	}
	return out, nil
}
