package persistence

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/event"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = 5 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return auction.Infra("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return auction.Infra("commit tx", mapErr(err))
	}
	committed = true
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// mapErr translates driver errors into the store's sentinels.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return auction.ErrNotFound
	case isUniqueViolation(err):
		return ErrDuplicateKey
	default:
		return err
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

type pgTx struct {
	tx pgx.Tx
}

func rawOrEmpty(b json.RawMessage, empty string) []byte {
	if len(b) == 0 {
		return []byte(empty)
	}
	return b
}

// ===== auctions =====

const auctionColumns = `id, mechanism, seller_id, title, starting_price, reserve_price, min_increment,
	start_time, end_time, status, version, current_price, params, idempotency_key, created_at, updated_at`

func scanAuction(row rowScanner) (*auction.Auction, error) {
	var a auction.Auction
	var params []byte
	var mech, status string
	if err := row.Scan(&a.ID, &mech, &a.SellerID, &a.Title, &a.StartingPrice, &a.ReservePrice, &a.MinIncrement,
		&a.StartTime, &a.EndTime, &status, &a.Version, &a.CurrentPrice, &params, &a.IdempotencyKey,
		&a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	a.Mechanism = auction.Mechanism(mech)
	a.Status = auction.Status(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &a.Params); err != nil {
			return nil, fmt.Errorf("decode auction params: %w", err)
		}
	}
	return &a, nil
}

func (t *pgTx) InsertAuction(ctx context.Context, a *auction.Auction) error {
	params, err := json.Marshal(a.Params)
	if err != nil {
		return fmt.Errorf("encode auction params: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO auction.auctions (`+auctionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		a.ID, string(a.Mechanism), a.SellerID, a.Title, a.StartingPrice, a.ReservePrice, a.MinIncrement,
		a.StartTime, a.EndTime, string(a.Status), a.Version, a.CurrentPrice, params, a.IdempotencyKey,
		a.CreatedAt, a.UpdatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) GetAuction(ctx context.Context, id uuid.UUID) (*auction.Auction, error) {
	return scanAuction(t.tx.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auction.auctions WHERE id = $1`, id))
}

func (t *pgTx) AuctionByIdempotencyKey(ctx context.Context, key string) (*auction.Auction, error) {
	return scanAuction(t.tx.QueryRow(ctx, `SELECT `+auctionColumns+` FROM auction.auctions WHERE idempotency_key = $1`, key))
}

func (t *pgTx) UpdateAuction(ctx context.Context, a *auction.Auction, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE auction.auctions
		SET status = $1, current_price = $2, updated_at = $3, version = version + 1
		WHERE id = $4 AND version = $5`,
		string(a.Status), a.CurrentPrice, a.UpdatedAt, a.ID, expectedVersion,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return t.versionConflict(ctx, "auction", `SELECT version FROM auction.auctions WHERE id = $1`, a.ID, expectedVersion)
	}
	a.Version = expectedVersion + 1
	return nil
}

// versionConflict distinguishes a missing row from a stale version after an
// optimistic update matched nothing.
func (t *pgTx) versionConflict(ctx context.Context, entity, query string, id uuid.UUID, expected int64) error {
	var actual int64
	if err := t.tx.QueryRow(ctx, query, id).Scan(&actual); err != nil {
		return mapErr(err)
	}
	return &auction.ConcurrencyConflict{Entity: entity, ID: id, ExpectedVersion: expected, ActualVersion: actual}
}

func (t *pgTx) ListDueAuctions(ctx context.Context, now time.Time, limit int) ([]auction.Auction, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+auctionColumns+` FROM auction.auctions
		WHERE status = 'active' AND end_time <= $1
		ORDER BY end_time, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []auction.Auction
	for rows.Next() {
		a, err := scanAuction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// ===== bids =====

const bidColumns = `id, auction_id, bidder_id, amount, quantity, side, items, placed_at, status, version, idempotency_key`

func scanBid(row rowScanner) (*auction.Bid, error) {
	var b auction.Bid
	var side, status string
	if err := row.Scan(&b.ID, &b.AuctionID, &b.BidderID, &b.Amount, &b.Quantity, &side, &b.Items,
		&b.Timestamp, &status, &b.Version, &b.IdempotencyKey); err != nil {
		return nil, mapErr(err)
	}
	b.Side = auction.Side(side)
	b.Status = auction.BidStatus(status)
	if len(b.Items) == 0 {
		b.Items = nil
	}
	return &b, nil
}

func (t *pgTx) InsertBid(ctx context.Context, b *auction.Bid) error {
	items := b.Items
	if items == nil {
		items = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO auction.bids (`+bidColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		b.ID, b.AuctionID, b.BidderID, b.Amount, b.Quantity, string(b.Side), items,
		b.Timestamp, string(b.Status), b.Version, b.IdempotencyKey,
	)
	return mapErr(err)
}

func (t *pgTx) GetBid(ctx context.Context, id uuid.UUID) (*auction.Bid, error) {
	return scanBid(t.tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM auction.bids WHERE id = $1`, id))
}

func (t *pgTx) BidByIdempotencyKey(ctx context.Context, key string) (*auction.Bid, error) {
	return scanBid(t.tx.QueryRow(ctx, `SELECT `+bidColumns+` FROM auction.bids WHERE idempotency_key = $1`, key))
}

func (t *pgTx) ListBids(ctx context.Context, auctionID uuid.UUID) ([]auction.Bid, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+bidColumns+` FROM auction.bids
		WHERE auction_id = $1
		ORDER BY placed_at, id`, auctionID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []auction.Bid
	for rows.Next() {
		b, err := scanBid(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

func (t *pgTx) UpdateBidStatus(ctx context.Context, b *auction.Bid, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE auction.bids SET status = $1, version = version + 1
		WHERE id = $2 AND version = $3`,
		string(b.Status), b.ID, expectedVersion,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return t.versionConflict(ctx, "bid", `SELECT version FROM auction.bids WHERE id = $1`, b.ID, expectedVersion)
	}
	b.Version = expectedVersion + 1
	return nil
}

// ===== rules =====

const ruleColumns = `id, code, name, category, severity, mechanisms, condition, params, depends_on,
	active_from, active_until, enabled, version, created_at, updated_at`

func scanRule(row rowScanner) (*auction.Rule, error) {
	var r auction.Rule
	var category, severity string
	var mechs []string
	var cond, params, deps []byte
	if err := row.Scan(&r.ID, &r.Code, &r.Name, &category, &severity, &mechs, &cond, &params, &deps,
		&r.ActiveFrom, &r.ActiveUntil, &r.Enabled, &r.Version, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	r.Category = auction.RuleCategory(category)
	r.Severity = auction.Severity(severity)
	for _, m := range mechs {
		r.Mechanisms = append(r.Mechanisms, auction.Mechanism(m))
	}
	if err := json.Unmarshal(cond, &r.Condition); err != nil {
		return nil, fmt.Errorf("decode rule condition: %w", err)
	}
	r.Params = params
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &r.DependsOn); err != nil {
			return nil, fmt.Errorf("decode rule dependencies: %w", err)
		}
	}
	return &r, nil
}

func (t *pgTx) InsertRule(ctx context.Context, r *auction.Rule) error {
	cond, err := json.Marshal(r.Condition)
	if err != nil {
		return fmt.Errorf("encode rule condition: %w", err)
	}
	deps, err := json.Marshal(r.DependsOn)
	if err != nil {
		return fmt.Errorf("encode rule dependencies: %w", err)
	}
	if r.DependsOn == nil {
		deps = []byte("[]")
	}
	mechs := make([]string, 0, len(r.Mechanisms))
	for _, m := range r.Mechanisms {
		mechs = append(mechs, string(m))
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO auction.rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.Code, r.Name, string(r.Category), string(r.Severity), mechs, cond, rawOrEmpty(r.Params, "{}"), deps,
		r.ActiveFrom, r.ActiveUntil, r.Enabled, r.Version, r.CreatedAt, r.UpdatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) GetRule(ctx context.Context, id uuid.UUID) (*auction.Rule, error) {
	return scanRule(t.tx.QueryRow(ctx, `SELECT `+ruleColumns+` FROM auction.rules WHERE id = $1`, id))
}

func (t *pgTx) ListRules(ctx context.Context) ([]auction.Rule, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+ruleColumns+` FROM auction.rules ORDER BY created_at, id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []auction.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

const configColumns = `id, rule_id, scope, scope_value, params, priority, enabled, active_from, active_until,
	requires_approval, approved_at, approved_by, version, created_at, updated_at`

func scanConfiguration(row rowScanner) (*auction.RuleConfiguration, error) {
	var c auction.RuleConfiguration
	var scope string
	var params []byte
	if err := row.Scan(&c.ID, &c.RuleID, &scope, &c.ScopeValue, &params, &c.Priority, &c.Enabled,
		&c.ActiveFrom, &c.ActiveUntil, &c.RequiresApproval, &c.ApprovedAt, &c.ApprovedBy,
		&c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	c.Scope = auction.Scope(scope)
	c.Params = params
	return &c, nil
}

func (t *pgTx) InsertRuleConfiguration(ctx context.Context, c *auction.RuleConfiguration) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO auction.rule_configurations (`+configColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		c.ID, c.RuleID, string(c.Scope), c.ScopeValue, rawOrEmpty(c.Params, "{}"), c.Priority, c.Enabled,
		c.ActiveFrom, c.ActiveUntil, c.RequiresApproval, c.ApprovedAt, c.ApprovedBy,
		c.Version, c.CreatedAt, c.UpdatedAt,
	)
	return mapErr(err)
}

func (t *pgTx) GetRuleConfiguration(ctx context.Context, id uuid.UUID) (*auction.RuleConfiguration, error) {
	return scanConfiguration(t.tx.QueryRow(ctx, `SELECT `+configColumns+` FROM auction.rule_configurations WHERE id = $1`, id))
}

func (t *pgTx) UpdateRuleConfiguration(ctx context.Context, c *auction.RuleConfiguration, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE auction.rule_configurations
		SET params = $1, priority = $2, enabled = $3, active_from = $4, active_until = $5,
		    requires_approval = $6, approved_at = $7, approved_by = $8, updated_at = $9, version = version + 1
		WHERE id = $10 AND version = $11`,
		rawOrEmpty(c.Params, "{}"), c.Priority, c.Enabled, c.ActiveFrom, c.ActiveUntil,
		c.RequiresApproval, c.ApprovedAt, c.ApprovedBy, c.UpdatedAt, c.ID, expectedVersion,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return t.versionConflict(ctx, "rule_configuration", `SELECT version FROM auction.rule_configurations WHERE id = $1`, c.ID, expectedVersion)
	}
	c.Version = expectedVersion + 1
	return nil
}

func (t *pgTx) ListRuleConfigurations(ctx context.Context, ruleID uuid.UUID) ([]auction.RuleConfiguration, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+configColumns+` FROM auction.rule_configurations
		WHERE rule_id = $1 ORDER BY created_at, id`, ruleID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []auction.RuleConfiguration
	for rows.Next() {
		c, err := scanConfiguration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ===== violations =====

const violationColumns = `id, rule_id, rule_code, rule_version, auction_id, user_id, bid_id, severity, status,
	expected, actual, message, escalation_level, next_escalation_at, detected_at, acknowledged_at,
	resolved_at, resolved_by, resolution, version`

func scanViolation(row rowScanner) (*auction.RuleViolation, error) {
	var v auction.RuleViolation
	var severity, status string
	if err := row.Scan(&v.ID, &v.RuleID, &v.RuleCode, &v.RuleVersion, &v.AuctionID, &v.UserID, &v.BidID,
		&severity, &status, &v.Expected, &v.Actual, &v.Message, &v.EscalationLevel, &v.NextEscalationAt,
		&v.DetectedAt, &v.AcknowledgedAt, &v.ResolvedAt, &v.ResolvedBy, &v.Resolution, &v.Version); err != nil {
		return nil, mapErr(err)
	}
	v.Severity = auction.Severity(severity)
	v.Status = auction.ViolationStatus(status)
	return &v, nil
}

func (t *pgTx) InsertViolation(ctx context.Context, v *auction.RuleViolation) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO auction.rule_violations (`+violationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		v.ID, v.RuleID, v.RuleCode, v.RuleVersion, v.AuctionID, v.UserID, v.BidID,
		string(v.Severity), string(v.Status), v.Expected, v.Actual, v.Message, v.EscalationLevel, v.NextEscalationAt,
		v.DetectedAt, v.AcknowledgedAt, v.ResolvedAt, v.ResolvedBy, v.Resolution, v.Version,
	)
	return mapErr(err)
}

func (t *pgTx) GetViolation(ctx context.Context, id uuid.UUID) (*auction.RuleViolation, error) {
	return scanViolation(t.tx.QueryRow(ctx, `SELECT `+violationColumns+` FROM auction.rule_violations WHERE id = $1`, id))
}

func (t *pgTx) UpdateViolation(ctx context.Context, v *auction.RuleViolation, expectedVersion int64) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE auction.rule_violations
		SET status = $1, escalation_level = $2, next_escalation_at = $3, acknowledged_at = $4,
		    resolved_at = $5, resolved_by = $6, resolution = $7, version = version + 1
		WHERE id = $8 AND version = $9`,
		string(v.Status), v.EscalationLevel, v.NextEscalationAt, v.AcknowledgedAt,
		v.ResolvedAt, v.ResolvedBy, v.Resolution, v.ID, expectedVersion,
	)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return t.versionConflict(ctx, "rule_violation", `SELECT version FROM auction.rule_violations WHERE id = $1`, v.ID, expectedVersion)
	}
	v.Version = expectedVersion + 1
	return nil
}

func (t *pgTx) ListViolations(ctx context.Context, f auction.ViolationFilter) ([]auction.RuleViolation, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}
	rows, err := t.tx.Query(ctx, `
		SELECT `+violationColumns+` FROM auction.rule_violations
		WHERE ($1::uuid IS NULL OR auction_id = $1)
		  AND ($2 = '' OR user_id = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY detected_at, id
		LIMIT $4`, f.AuctionID, f.UserID, string(f.Status), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectViolations(rows)
}

func (t *pgTx) ListDueEscalations(ctx context.Context, now time.Time, limit int) ([]auction.RuleViolation, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT `+violationColumns+` FROM auction.rule_violations
		WHERE status IN ('detected', 'acknowledged', 'escalated')
		  AND next_escalation_at IS NOT NULL AND next_escalation_at <= $1
		ORDER BY next_escalation_at, id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return collectViolations(rows)
}

func collectViolations(rows pgx.Rows) ([]auction.RuleViolation, error) {
	defer rows.Close()
	var out []auction.RuleViolation
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// ===== settlements =====

const settlementColumns = `id, auction_id, mechanism, result_type, winner_bid_id, winner_id, final_price,
	clearing_price, allocations, charges, method, forced, settled_at, digest`

func (t *pgTx) InsertSettlement(ctx context.Context, s *auction.Settlement) error {
	allocs, err := json.Marshal(s.Allocations)
	if err != nil {
		return fmt.Errorf("encode allocations: %w", err)
	}
	charges, err := json.Marshal(s.Charges)
	if err != nil {
		return fmt.Errorf("encode charges: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO auction.settlements (`+settlementColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		s.ID, s.AuctionID, string(s.Mechanism), string(s.ResultType), s.WinnerBidID, s.WinnerID, s.FinalPrice,
		s.ClearingPrice, allocs, charges, s.Method, s.Forced, s.SettledAt, s.Digest,
	)
	return mapErr(err)
}

func (t *pgTx) GetSettlement(ctx context.Context, auctionID uuid.UUID) (*auction.Settlement, error) {
	var s auction.Settlement
	var mech, result string
	var allocs, charges []byte
	err := t.tx.QueryRow(ctx, `SELECT `+settlementColumns+` FROM auction.settlements WHERE auction_id = $1`, auctionID).
		Scan(&s.ID, &s.AuctionID, &mech, &result, &s.WinnerBidID, &s.WinnerID, &s.FinalPrice,
			&s.ClearingPrice, &allocs, &charges, &s.Method, &s.Forced, &s.SettledAt, &s.Digest)
	if err != nil {
		return nil, mapErr(err)
	}
	s.Mechanism = auction.Mechanism(mech)
	s.ResultType = auction.ResultType(result)
	if err := json.Unmarshal(allocs, &s.Allocations); err != nil {
		return nil, fmt.Errorf("decode allocations: %w", err)
	}
	if err := json.Unmarshal(charges, &s.Charges); err != nil {
		return nil, fmt.Errorf("decode charges: %w", err)
	}
	return &s, nil
}

// ===== outbox =====

func (t *pgTx) AppendOutbox(ctx context.Context, e *event.OutboxEvent) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO auction.outbox_events (id, event_type, auction_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		e.ID, e.EventType.String(), e.AuctionID, rawOrEmpty(e.Payload, "{}"), e.CreatedAt,
	).Scan(&e.Sequence)
	return mapErr(err)
}

const outboxColumns = `seq, id, event_type, auction_id, payload, created_at, processed_at, attempts,
	last_error, next_attempt_at, dead_lettered_at`

func (p *PostgresStore) FetchPending(ctx context.Context, limit int) ([]event.OutboxEvent, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+outboxColumns+` FROM auction.outbox_events
		WHERE processed_at IS NULL AND dead_lettered_at IS NULL
		ORDER BY seq
		LIMIT $1`, limit)
	if err != nil {
		return nil, auction.Infra("fetch outbox", err)
	}
	defer rows.Close()
	var out []event.OutboxEvent
	for rows.Next() {
		var e event.OutboxEvent
		var et string
		if err := rows.Scan(&e.Sequence, &e.ID, &et, &e.AuctionID, &e.Payload, &e.CreatedAt, &e.ProcessedAt,
			&e.Attempts, &e.LastError, &e.NextAttemptAt, &e.DeadLetteredAt); err != nil {
			return nil, auction.Infra("scan outbox", err)
		}
		e.EventType = event.ParseEventType(et)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE auction.outbox_events SET processed_at = $1
		WHERE id = $2 AND processed_at IS NULL`, at, id)
	return auction.Infra("mark outbox processed", err)
}

func (p *PostgresStore) RecordFailure(ctx context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) (int, error) {
	var attempts int
	err := p.pool.QueryRow(ctx, `
		UPDATE auction.outbox_events
		SET attempts = attempts + 1, last_error = $1, next_attempt_at = $2
		WHERE id = $3
		RETURNING attempts`, reason, nextAttemptAt, id).Scan(&attempts)
	if err != nil {
		return 0, auction.Infra("record outbox failure", mapErr(err))
	}
	return attempts, nil
}

func (p *PostgresStore) DeadLetter(ctx context.Context, dl event.DeadLetter) error {
	return p.InTxRaw(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO auction.outbox_dead_letters (event_id, event_type, auction_id, payload, reason, attempts, failed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (event_id) DO NOTHING`,
			dl.EventID, dl.EventType.String(), dl.AuctionID, rawOrEmpty(dl.Payload, "{}"), dl.Reason, dl.Attempts, dl.FailedAt,
		); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			UPDATE auction.outbox_events SET dead_lettered_at = $1
			WHERE id = $2 AND dead_lettered_at IS NULL`, dl.FailedAt, dl.EventID)
		return err
	})
}

func (p *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]event.DeadLetter, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT event_id, event_type, auction_id, payload, reason, attempts, failed_at
		FROM auction.outbox_dead_letters
		ORDER BY failed_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, auction.Infra("list dead letters", err)
	}
	defer rows.Close()
	var out []event.DeadLetter
	for rows.Next() {
		var dl event.DeadLetter
		var et string
		if err := rows.Scan(&dl.EventID, &et, &dl.AuctionID, &dl.Payload, &dl.Reason, &dl.Attempts, &dl.FailedAt); err != nil {
			return nil, auction.Infra("scan dead letter", err)
		}
		dl.EventType = event.ParseEventType(et)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// InTxRaw runs fn in a driver transaction for store-internal writes that
// do not go through Tx.
func (p *PostgresStore) InTxRaw(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return auction.Infra("begin tx", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()
	if err := fn(tx); err != nil {
		return auction.Infra("outbox tx", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return auction.Infra("commit tx", err)
	}
	committed = true
	return nil
}

// AcquireLease takes a session-level advisory lock on a dedicated
// connection. The lock is held until Release is called or the connection
// drops, so a crashed relay frees its lease.
func (p *PostgresStore) AcquireLease(ctx context.Context, name string) (Lease, bool, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, false, auction.Infra("acquire lease conn", err)
	}
	key := leaseKey(name)
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, auction.Infra("try advisory lock", err)
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return &advisoryLease{conn: conn, key: key}, true, nil
}

type advisoryLease struct {
	conn *pgxpool.Conn
	key  int64
	once sync.Once
}

// Check asks the holding session whether it still has the lock. A bigint
// advisory key shows in pg_locks split across classid (high half) and
// objid (low half). Any error on the session counts as loss: a dropped
// connection has already freed the lock server-side.
func (l *advisoryLease) Check(ctx context.Context) error {
	var held bool
	err := l.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND granted AND objsubid = 1
			  AND pid = pg_backend_pid()
			  AND classid::bigint = $1 AND objid::bigint = $2
		)`, int64(uint32(uint64(l.key)>>32)), int64(uint32(l.key))).Scan(&held)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLeaseLost, err)
	}
	if !held {
		return ErrLeaseLost
	}
	return nil
}

func (l *advisoryLease) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = l.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, l.key)
		l.conn.Release()
	})
}

func leaseKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("auctionledger:" + name))
	return int64(h.Sum64())
}
