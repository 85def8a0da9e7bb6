package rules

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/persistence"
	"context"
	"time"

	"github.com/google/uuid"
)

// SweepEscalations promotes open violations whose escalation time has
// passed. Each promotion raises the level and doubles the delay until the
// max level, after which the violation stays escalated without a schedule.
func (e *Engine) SweepEscalations(ctx context.Context) (int, error) {
	now := e.now().UTC()
	promoted := 0
	err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		due, err := tx.ListDueEscalations(ctx, now, e.cfg.SweepBatch)
		if err != nil {
			return err
		}
		for i := range due {
			v := &due[i]
			v.Status = auction.ViolationEscalated
			v.EscalationLevel++
			v.NextEscalationAt = nil
			if v.EscalationLevel < e.cfg.MaxEscalationLevel {
				next := now.Add(e.cfg.EscalationDelay << v.EscalationLevel)
				v.NextEscalationAt = &next
			}
			if err := tx.UpdateViolation(ctx, v, v.Version); err != nil {
				return err
			}
			promoted++
			e.logger.Warn().
				Str("violation_id", v.ID.String()).
				Str("rule", v.RuleCode).
				Int("level", v.EscalationLevel).
				Msg("violation escalated")
		}
		return nil
	})
	if err != nil {
		return 0, auction.Infra("sweep escalations", err)
	}
	e.metrics.RuleEscalations.Add(float64(promoted))
	return promoted, nil
}

// Acknowledge marks an open violation as seen. A detected violation moves
// to acknowledged; an escalated one stays escalated and only records when
// it was seen. Escalation keeps running until it is resolved or dismissed.
func (e *Engine) Acknowledge(ctx context.Context, id uuid.UUID) (*auction.RuleViolation, error) {
	return e.transition(ctx, id, func(v *auction.RuleViolation, now time.Time) error {
		switch v.Status {
		case auction.ViolationDetected:
			v.Status = auction.ViolationAcknowledged
		case auction.ViolationEscalated:
			if v.AcknowledgedAt != nil {
				return auction.NewValidationError("status", auction.CodeInvalidTransition,
					"violation %s is already acknowledged", v.ID)
			}
		default:
			return auction.NewValidationError("status", auction.CodeInvalidTransition,
				"violation %s is already %s", v.ID, v.Status)
		}
		v.AcknowledgedAt = &now
		return nil
	})
}

// Resolve closes a violation with a resolution note.
func (e *Engine) Resolve(ctx context.Context, id uuid.UUID, by, note string) (*auction.RuleViolation, error) {
	return e.transition(ctx, id, func(v *auction.RuleViolation, now time.Time) error {
		v.Status = auction.ViolationResolved
		v.ResolvedAt = &now
		v.ResolvedBy = by
		v.Resolution = note
		v.NextEscalationAt = nil
		return nil
	})
}

// Dismiss closes a violation judged not to need action.
func (e *Engine) Dismiss(ctx context.Context, id uuid.UUID, by, note string) (*auction.RuleViolation, error) {
	return e.transition(ctx, id, func(v *auction.RuleViolation, now time.Time) error {
		v.Status = auction.ViolationDismissed
		v.ResolvedAt = &now
		v.ResolvedBy = by
		v.Resolution = note
		v.NextEscalationAt = nil
		return nil
	})
}

func (e *Engine) transition(ctx context.Context, id uuid.UUID, apply func(v *auction.RuleViolation, now time.Time) error) (*auction.RuleViolation, error) {
	var out *auction.RuleViolation
	err := e.store.InTx(ctx, func(tx persistence.Tx) error {
		v, err := tx.GetViolation(ctx, id)
		if err != nil {
			return err
		}
		if !v.Status.Open() {
			return auction.NewValidationError("status", auction.CodeInvalidTransition,
				"violation %s is already %s", id, v.Status)
		}
		if err := apply(v, e.now().UTC()); err != nil {
			return err
		}
		if err := tx.UpdateViolation(ctx, v, v.Version); err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		return nil, auction.Infra("violation transition", err)
	}
	return out, nil
}
