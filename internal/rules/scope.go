package rules

import (
	"AuctionLedger/internal/auction"
	"time"
)

// matches reports whether c is scoped to t.
func matches(c *auction.RuleConfiguration, t Target) bool {
	switch c.Scope {
	case auction.ScopeGlobal:
		return true
	case auction.ScopeAuctionType:
		return c.ScopeValue == string(t.Mechanism)
	case auction.ScopeAuction:
		return c.ScopeValue == t.AuctionID.String()
	case auction.ScopeUserGroup:
		return t.UserGroup != "" && c.ScopeValue == t.UserGroup
	default:
		return false
	}
}

// outranks orders candidate configurations: scope specificity first, then
// priority, then the most recent update, then the smaller id.
func outranks(a, b *auction.RuleConfiguration) bool {
	if sa, sb := a.Scope.Specificity(), b.Scope.Specificity(); sa != sb {
		return sa > sb
	}
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.ID.String() < b.ID.String()
}

// SelectConfiguration picks the configuration that governs t at now, or
// nil when none is effective.
func SelectConfiguration(configs []auction.RuleConfiguration, t Target, now time.Time) *auction.RuleConfiguration {
	var best *auction.RuleConfiguration
	for i := range configs {
		c := &configs[i]
		if !c.Effective(now) || !matches(c, t) {
			continue
		}
		if best == nil || outranks(c, best) {
			best = c
		}
	}
	return best
}
