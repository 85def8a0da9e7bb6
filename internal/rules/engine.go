// Package rules evaluates configurable business rules against bids and
// tracks the violations they raise.
package rules

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/observability"
	"AuctionLedger/internal/persistence"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config controls violation escalation.
type Config struct {
	EscalationThreshold auction.Severity
	EscalationDelay     time.Duration
	MaxEscalationLevel  int
	SweepBatch          int
}

func DefaultConfig() Config {
	return Config{
		EscalationThreshold: auction.SeverityError,
		EscalationDelay:     15 * time.Minute,
		MaxEscalationLevel:  3,
		SweepBatch:          100,
	}
}

// Invalidator drops cached read views of every auction of a mechanism.
type Invalidator interface {
	InvalidateMechanism(ctx context.Context, m auction.Mechanism) (int, error)
}

type Deps struct {
	Store persistence.Store
	// Invalidator is optional; it is told when an auction_type scoped
	// configuration starts to apply.
	Invalidator Invalidator
	Logger      zerolog.Logger
	Metrics     *observability.Metrics
	Clock       func() time.Time
}

type Engine struct {
	store       persistence.Store
	invalidator Invalidator
	cfg         Config
	logger      zerolog.Logger
	metrics     *observability.Metrics
	now         func() time.Time
}

func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("rules: store is required")
	}
	if cfg.EscalationThreshold.Rank() == 0 {
		return nil, fmt.Errorf("rules: unknown escalation threshold %q", cfg.EscalationThreshold)
	}
	if cfg.EscalationDelay <= 0 {
		return nil, errors.New("rules: escalation delay must be positive")
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.NewMetrics(nil)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Engine{
		store:       deps.Store,
		invalidator: deps.Invalidator,
		cfg:         cfg,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		now:         deps.Clock,
	}, nil
}

// RegisterRule validates and stores a single rule.
func (e *Engine) RegisterRule(ctx context.Context, r *auction.Rule) (*auction.Rule, error) {
	out, err := e.RegisterRules(ctx, r)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

// RegisterRules stores a batch of rules atomically. Rules in the batch may
// depend on each other; the combined graph with the existing catalog must
// be acyclic and every dependency must resolve.
func (e *Engine) RegisterRules(ctx context.Context, batch ...*auction.Rule) ([]*auction.Rule, error) {
	now := e.now().UTC()
	for _, r := range batch {
		if err := e.prepareRule(r, now); err != nil {
			return nil, err
		}
	}

	err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		existing, err := tx.ListRules(ctx)
		if err != nil {
			return err
		}
		graph := make([]auction.Rule, 0, len(existing)+len(batch))
		graph = append(graph, existing...)
		known := make(map[uuid.UUID]bool, cap(graph))
		for _, r := range existing {
			known[r.ID] = true
		}
		for _, r := range batch {
			graph = append(graph, *r)
			known[r.ID] = true
		}
		for _, r := range batch {
			for _, dep := range r.DependsOn {
				if !known[dep] {
					return auction.NewValidationError("depends_on", auction.CodeInvalidRule,
						"rule %s depends on unknown rule %s", r.Code, dep)
				}
			}
		}
		if _, err := dependencyOrder(graph); err != nil {
			return err
		}
		for _, r := range batch {
			if err := tx.InsertRule(ctx, r); err != nil {
				if errors.Is(err, persistence.ErrDuplicateKey) {
					return auction.NewValidationError("code", auction.CodeInvalidRule, "rule code %s already registered", r.Code)
				}
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, auction.Infra("register rules", err)
	}

	for _, r := range batch {
		e.logger.Info().Str("rule", r.Code).Str("severity", string(r.Severity)).Msg("rule registered")
	}
	return batch, nil
}

func (e *Engine) prepareRule(r *auction.Rule, now time.Time) error {
	if strings.TrimSpace(r.Code) == "" {
		return auction.NewValidationError("code", auction.CodeInvalidRule, "rule code is required")
	}
	if r.Severity.Rank() == 0 {
		return auction.NewValidationError("severity", auction.CodeInvalidRule, "unknown severity %q", r.Severity)
	}
	for _, m := range r.Mechanisms {
		if !m.Valid() {
			return auction.NewValidationError("mechanisms", auction.CodeInvalidRule, "unknown mechanism %q", m)
		}
	}
	if err := ValidateCondition(r.Condition); err != nil {
		return err
	}
	if r.ActiveFrom != nil && r.ActiveUntil != nil && !r.ActiveUntil.After(*r.ActiveFrom) {
		return auction.NewValidationError("active_until", auction.CodeInvalidRule, "window ends before it starts")
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	for _, dep := range r.DependsOn {
		if dep == r.ID {
			return auction.NewValidationError("depends_on", auction.CodeInvalidRule, "rule %s depends on itself", r.Code)
		}
	}
	if r.Name == "" {
		r.Name = r.Code
	}
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	return nil
}

// AddConfiguration stores a scoped override for an existing rule.
func (e *Engine) AddConfiguration(ctx context.Context, c *auction.RuleConfiguration) (*auction.RuleConfiguration, error) {
	switch c.Scope {
	case auction.ScopeGlobal:
		c.ScopeValue = ""
	case auction.ScopeAuctionType:
		if !auction.Mechanism(c.ScopeValue).Valid() {
			return nil, auction.NewValidationError("scope_value", auction.CodeInvalidScope, "unknown mechanism %q", c.ScopeValue)
		}
	case auction.ScopeAuction:
		if _, err := uuid.Parse(c.ScopeValue); err != nil {
			return nil, auction.NewValidationError("scope_value", auction.CodeInvalidScope, "auction scope needs an auction id")
		}
	case auction.ScopeUserGroup:
		if c.ScopeValue == "" {
			return nil, auction.NewValidationError("scope_value", auction.CodeInvalidScope, "user group scope needs a group name")
		}
	default:
		return nil, auction.NewValidationError("scope", auction.CodeInvalidScope, "unknown scope %q", c.Scope)
	}

	now := e.now().UTC()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now

	err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		if _, err := tx.GetRule(ctx, c.RuleID); err != nil {
			return err
		}
		return tx.InsertRuleConfiguration(ctx, c)
	})
	if err != nil {
		return nil, auction.Infra("add configuration", err)
	}
	if !c.RequiresApproval {
		e.invalidateScope(ctx, c)
	}
	return c, nil
}

// ApproveConfiguration releases a configuration held behind an approval
// gate. Approving twice keeps the first approval.
func (e *Engine) ApproveConfiguration(ctx context.Context, id uuid.UUID, approver string) (*auction.RuleConfiguration, error) {
	if approver == "" {
		return nil, auction.NewValidationError("approved_by", auction.CodeInvalidScope, "approver is required")
	}
	var (
		out     *auction.RuleConfiguration
		changed bool
	)
	err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		c, err := tx.GetRuleConfiguration(ctx, id)
		if err != nil {
			return err
		}
		if c.ApprovedAt != nil {
			out = c
			return nil
		}
		now := e.now().UTC()
		c.ApprovedAt = &now
		c.ApprovedBy = approver
		c.UpdatedAt = now
		if err := tx.UpdateRuleConfiguration(ctx, c, c.Version); err != nil {
			return err
		}
		out, changed = c, true
		return nil
	})
	if err != nil {
		return nil, auction.Infra("approve configuration", err)
	}
	if changed {
		e.invalidateScope(ctx, out)
	}
	return out, nil
}

// invalidateScope drops cached views of the auctions an auction_type
// configuration covers once it can apply. Failures are logged; cache
// entries also expire.
func (e *Engine) invalidateScope(ctx context.Context, c *auction.RuleConfiguration) {
	if e.invalidator == nil || c.Scope != auction.ScopeAuctionType {
		return
	}
	n, err := e.invalidator.InvalidateMechanism(ctx, auction.Mechanism(c.ScopeValue))
	if err != nil {
		e.logger.Warn().Err(err).Str("configuration_id", c.ID.String()).Str("mechanism", c.ScopeValue).Msg("cache invalidation failed")
		return
	}
	e.logger.Debug().Str("mechanism", c.ScopeValue).Int("snapshots", n).Msg("mechanism snapshots invalidated")
}

// GetEffectiveConfiguration returns the configuration governing ruleID for
// a bid on auctionID by a member of userGroup, or nil when only the rule
// defaults apply. The auction's mechanism is read from the store.
func (e *Engine) GetEffectiveConfiguration(ctx context.Context, ruleID, auctionID uuid.UUID, userGroup string) (*auction.RuleConfiguration, error) {
	var out *auction.RuleConfiguration
	err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		a, err := tx.GetAuction(ctx, auctionID)
		if err != nil {
			return err
		}
		configs, err := tx.ListRuleConfigurations(ctx, ruleID)
		if err != nil {
			return err
		}
		out = SelectConfiguration(configs, Target{Mechanism: a.Mechanism, AuctionID: a.ID, UserGroup: userGroup}, e.now())
		return nil
	})
	if err != nil {
		return nil, auction.Infra("effective configuration", err)
	}
	return out, nil
}

// Result is the outcome of one rule against one context.
type Result struct {
	Rule     auction.Rule
	Passed   bool
	Skipped  bool
	Expected string
	Actual   string
}

// Evaluate runs a single rule's condition against vars.
func (e *Engine) Evaluate(r auction.Rule, vars Vars) (Result, error) {
	ok, err := evaluate(r.Condition, vars)
	if err != nil {
		return Result{Rule: r}, fmt.Errorf("rule %s: %w", r.Code, err)
	}
	res := Result{Rule: r, Passed: ok}
	if !ok {
		res.Expected = describe(r.Condition)
		res.Actual = observed(r.Condition, vars)
	}
	return res, nil
}

// Evaluation is the outcome of every applicable rule for one bid.
type Evaluation struct {
	Results []Result
	// Violations holds one unsaved violation per failed rule.
	Violations []*auction.RuleViolation
}

// Blocking returns the first violation that aborts admission, if any.
func (ev *Evaluation) Blocking() *auction.RuleViolation {
	for _, v := range ev.Violations {
		if v.Severity.Blocking() {
			return v
		}
	}
	return nil
}

// EvaluateBid runs the active rules for the bid's mechanism in dependency
// order. A rule whose dependency failed or was skipped is skipped. Nothing
// is written; the caller records the violations.
func (e *Engine) EvaluateBid(ctx context.Context, tx persistence.Tx, bc BidContext) (*Evaluation, error) {
	start := time.Now()
	defer func() { e.metrics.RuleEvalDuration.Observe(time.Since(start).Seconds()) }()

	all, err := tx.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	active := all[:0:0]
	for _, r := range all {
		if r.ActiveAt(bc.Now) && r.AppliesTo(bc.Auction.Mechanism) {
			active = append(active, r)
		}
	}
	ordered, err := dependencyOrder(active)
	if err != nil {
		return nil, err
	}

	base := bc.baseVars()
	target := bc.target()
	failed := make(map[uuid.UUID]bool)
	ev := &Evaluation{}

	for _, r := range ordered {
		if blockedBy(r, failed) {
			failed[r.ID] = true
			ev.Results = append(ev.Results, Result{Rule: r, Skipped: true})
			continue
		}

		configs, err := tx.ListRuleConfigurations(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		var overrides []byte
		if c := SelectConfiguration(configs, target, bc.Now); c != nil {
			overrides = c.Params
		}
		vars, err := withConfig(base, r.Params, overrides)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", r.Code, err)
		}

		res, err := e.Evaluate(r, vars)
		if err != nil {
			// A condition that cannot be evaluated fails closed.
			res = Result{Rule: r, Expected: describe(r.Condition), Actual: err.Error()}
			e.logger.Error().Err(err).Str("rule", r.Code).Msg("rule evaluation error")
		}
		ev.Results = append(ev.Results, res)
		if res.Passed {
			continue
		}
		failed[r.ID] = true
		ev.Violations = append(ev.Violations, &auction.RuleViolation{
			ID:          uuid.New(),
			RuleID:      r.ID,
			RuleCode:    r.Code,
			RuleVersion: r.Version,
			AuctionID:   bc.Auction.ID,
			UserID:      bc.Bid.BidderID,
			Severity:    r.Severity,
			Expected:    res.Expected,
			Actual:      res.Actual,
			Message:     fmt.Sprintf("%s failed for bid of %d", r.Name, bc.Bid.Amount),
		})
	}
	return ev, nil
}

func blockedBy(r auction.Rule, failed map[uuid.UUID]bool) bool {
	for _, dep := range r.DependsOn {
		if failed[dep] {
			return true
		}
	}
	return false
}

// RecordViolation persists v as detected inside tx and schedules its first
// escalation when severity reaches the threshold.
func (e *Engine) RecordViolation(ctx context.Context, tx persistence.Tx, v *auction.RuleViolation) error {
	now := e.now().UTC()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.Status = auction.ViolationDetected
	v.DetectedAt = now
	v.EscalationLevel = 0
	v.NextEscalationAt = nil
	v.Version = 1
	if v.Severity.Rank() >= e.cfg.EscalationThreshold.Rank() && e.cfg.MaxEscalationLevel > 0 {
		next := now.Add(e.cfg.EscalationDelay)
		v.NextEscalationAt = &next
	}
	if err := tx.InsertViolation(ctx, v); err != nil {
		return err
	}
	e.metrics.RuleViolations.WithLabelValues(v.RuleCode, string(v.Severity)).Inc()
	e.logger.Warn().
		Str("rule", v.RuleCode).
		Str("severity", string(v.Severity)).
		Str("auction_id", v.AuctionID.String()).
		Str("user_id", v.UserID).
		Str("expected", v.Expected).
		Str("actual", v.Actual).
		Msg("rule violation")
	return nil
}

// RecordViolations persists vs in a transaction of their own, for
// violations raised by an admission that was rolled back.
func (e *Engine) RecordViolations(ctx context.Context, vs []*auction.RuleViolation) error {
	if len(vs) == 0 {
		return nil
	}
	err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		for _, v := range vs {
			if err := e.RecordViolation(ctx, tx, v); err != nil {
				return err
			}
		}
		return nil
	})
	return auction.Infra("record violations", err)
}
