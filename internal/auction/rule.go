package auction

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RuleCategory string

const (
	CategoryBidding     RuleCategory = "bidding"
	CategoryTiming      RuleCategory = "timing"
	CategoryEligibility RuleCategory = "eligibility"
	CategoryPayment     RuleCategory = "payment"
	CategoryCompliance  RuleCategory = "compliance"
	CategorySecurity    RuleCategory = "security"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// Blocking reports whether a failure at this severity aborts admission.
func (s Severity) Blocking() bool {
	return s.Rank() >= SeverityError.Rank()
}

// Scope is the level a rule configuration applies at.
type Scope string

const (
	ScopeGlobal      Scope = "global"
	ScopeAuctionType Scope = "auction_type"
	ScopeAuction     Scope = "auction"
	ScopeUserGroup   Scope = "user_group"
)

// Specificity ranks scopes; the most specific matching configuration wins.
func (s Scope) Specificity() int {
	switch s {
	case ScopeGlobal:
		return 1
	case ScopeAuctionType:
		return 2
	case ScopeAuction:
		return 3
	case ScopeUserGroup:
		return 4
	default:
		return 0
	}
}

// Condition is a structured logic tree. Interior nodes combine Args with
// and/or/not; leaves compare a context variable against a literal or
// another variable.
type Condition struct {
	Op    string      `json:"op"`
	Args  []Condition `json:"args,omitempty"`
	Var   string      `json:"var,omitempty"`
	Ref   string      `json:"ref,omitempty"`
	Value any         `json:"value,omitempty"`
}

// Rule is a catalog entry. Params are defaults that configurations
// override.
type Rule struct {
	ID          uuid.UUID       `json:"id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Category    RuleCategory    `json:"category"`
	Severity    Severity        `json:"severity"`
	Mechanisms  []Mechanism     `json:"mechanisms,omitempty"`
	Condition   Condition       `json:"condition"`
	Params      json.RawMessage `json:"params,omitempty"`
	DependsOn   []uuid.UUID     `json:"depends_on,omitempty"`
	ActiveFrom  *time.Time      `json:"active_from,omitempty"`
	ActiveUntil *time.Time      `json:"active_until,omitempty"`
	Enabled     bool            `json:"enabled"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AppliesTo reports whether the rule covers mechanism m.
func (r *Rule) AppliesTo(m Mechanism) bool {
	if len(r.Mechanisms) == 0 {
		return true
	}
	for _, x := range r.Mechanisms {
		if x == m {
			return true
		}
	}
	return false
}

// ActiveAt reports whether the rule is enabled and inside its window.
func (r *Rule) ActiveAt(t time.Time) bool {
	return r.Enabled && inWindow(r.ActiveFrom, r.ActiveUntil, t)
}

// RuleConfiguration overrides a rule's parameters at one scope.
type RuleConfiguration struct {
	ID               uuid.UUID       `json:"id"`
	RuleID           uuid.UUID       `json:"rule_id"`
	Scope            Scope           `json:"scope"`
	ScopeValue       string          `json:"scope_value,omitempty"`
	Params           json.RawMessage `json:"params,omitempty"`
	Priority         int             `json:"priority"`
	Enabled          bool            `json:"enabled"`
	ActiveFrom       *time.Time      `json:"active_from,omitempty"`
	ActiveUntil      *time.Time      `json:"active_until,omitempty"`
	RequiresApproval bool            `json:"requires_approval"`
	ApprovedAt       *time.Time      `json:"approved_at,omitempty"`
	ApprovedBy       string          `json:"approved_by,omitempty"`
	Version          int64           `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Effective reports whether the configuration may be applied at t.
func (c *RuleConfiguration) Effective(t time.Time) bool {
	if !c.Enabled || !inWindow(c.ActiveFrom, c.ActiveUntil, t) {
		return false
	}
	return !c.RequiresApproval || c.ApprovedAt != nil
}

func inWindow(from, until *time.Time, t time.Time) bool {
	if from != nil && t.Before(*from) {
		return false
	}
	if until != nil && !t.Before(*until) {
		return false
	}
	return true
}

type ViolationStatus string

const (
	ViolationDetected     ViolationStatus = "detected"
	ViolationAcknowledged ViolationStatus = "acknowledged"
	ViolationResolved     ViolationStatus = "resolved"
	ViolationDismissed    ViolationStatus = "dismissed"
	ViolationEscalated    ViolationStatus = "escalated"
)

// Open reports whether the violation still needs attention.
func (s ViolationStatus) Open() bool {
	return s == ViolationDetected || s == ViolationAcknowledged || s == ViolationEscalated
}

// RuleViolation records one failed rule evaluation.
type RuleViolation struct {
	ID               uuid.UUID       `json:"id"`
	RuleID           uuid.UUID       `json:"rule_id"`
	RuleCode         string          `json:"rule_code"`
	RuleVersion      int64           `json:"rule_version"`
	AuctionID        uuid.UUID       `json:"auction_id"`
	UserID           string          `json:"user_id"`
	BidID            *uuid.UUID      `json:"bid_id,omitempty"`
	Severity         Severity        `json:"severity"`
	Status           ViolationStatus `json:"status"`
	Expected         string          `json:"expected"`
	Actual           string          `json:"actual"`
	Message          string          `json:"message"`
	EscalationLevel  int             `json:"escalation_level"`
	NextEscalationAt *time.Time      `json:"next_escalation_at,omitempty"`
	DetectedAt       time.Time       `json:"detected_at"`
	AcknowledgedAt   *time.Time      `json:"acknowledged_at,omitempty"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
	ResolvedBy       string          `json:"resolved_by,omitempty"`
	Resolution       string          `json:"resolution,omitempty"`
	Version          int64           `json:"version"`
}

// ViolationFilter narrows violation listings. Zero fields match anything.
type ViolationFilter struct {
	AuctionID *uuid.UUID
	UserID    string
	Status    ViolationStatus
	Limit     int
}
