package persistence

import (
	"AuctionLedger/internal/auction"
	"AuctionLedger/internal/event"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store. Transactions are serialised and run
// against a private copy of the state that replaces the committed state
// only when fn succeeds, so a failed transaction leaves nothing behind.
type MemoryStore struct {
	mu        sync.Mutex
	state     *memState
	leases    map[string]uint64
	leaseSeq  uint64
	commitErr error
}

type memState struct {
	auctions    map[uuid.UUID]*auction.Auction
	auctionKeys map[string]uuid.UUID

	bids     map[uuid.UUID]*auction.Bid
	bidOrder map[uuid.UUID][]uuid.UUID
	bidKeys  map[string]uuid.UUID

	rules       map[uuid.UUID]*auction.Rule
	ruleCodes   map[string]uuid.UUID
	ruleOrder   []uuid.UUID
	configs     map[uuid.UUID]*auction.RuleConfiguration
	configOrder []uuid.UUID

	violations     map[uuid.UUID]*auction.RuleViolation
	violationOrder []uuid.UUID

	settlements map[uuid.UUID]*auction.Settlement

	outbox      []*event.OutboxEvent
	outboxSeq   int64
	deadLetters []event.DeadLetter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			auctions:    make(map[uuid.UUID]*auction.Auction),
			auctionKeys: make(map[string]uuid.UUID),
			bids:        make(map[uuid.UUID]*auction.Bid),
			bidOrder:    make(map[uuid.UUID][]uuid.UUID),
			bidKeys:     make(map[string]uuid.UUID),
			rules:       make(map[uuid.UUID]*auction.Rule),
			ruleCodes:   make(map[string]uuid.UUID),
			configs:     make(map[uuid.UUID]*auction.RuleConfiguration),
			violations:  make(map[uuid.UUID]*auction.RuleViolation),
			settlements: make(map[uuid.UUID]*auction.Settlement),
		},
		leases: make(map[string]uint64),
	}
}

// FailNextCommit makes the next transaction fail at commit time with err,
// after fn has run successfully.
func (m *MemoryStore) FailNextCommit(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitErr = err
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	if m.commitErr != nil {
		err := m.commitErr
		m.commitErr = nil
		return auction.Infra("commit", err)
	}
	m.state = work
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *memState) clone() *memState {
	c := &memState{
		auctions:       make(map[uuid.UUID]*auction.Auction, len(s.auctions)),
		auctionKeys:    make(map[string]uuid.UUID, len(s.auctionKeys)),
		bids:           make(map[uuid.UUID]*auction.Bid, len(s.bids)),
		bidOrder:       make(map[uuid.UUID][]uuid.UUID, len(s.bidOrder)),
		bidKeys:        make(map[string]uuid.UUID, len(s.bidKeys)),
		rules:          make(map[uuid.UUID]*auction.Rule, len(s.rules)),
		ruleCodes:      make(map[string]uuid.UUID, len(s.ruleCodes)),
		ruleOrder:      append([]uuid.UUID(nil), s.ruleOrder...),
		configs:        make(map[uuid.UUID]*auction.RuleConfiguration, len(s.configs)),
		configOrder:    append([]uuid.UUID(nil), s.configOrder...),
		violations:     make(map[uuid.UUID]*auction.RuleViolation, len(s.violations)),
		violationOrder: append([]uuid.UUID(nil), s.violationOrder...),
		settlements:    make(map[uuid.UUID]*auction.Settlement, len(s.settlements)),
		outbox:         make([]*event.OutboxEvent, 0, len(s.outbox)),
		outboxSeq:      s.outboxSeq,
		deadLetters:    append([]event.DeadLetter(nil), s.deadLetters...),
	}
	for k, v := range s.auctions {
		c.auctions[k] = v.Clone()
	}
	for k, v := range s.auctionKeys {
		c.auctionKeys[k] = v
	}
	for k, v := range s.bids {
		b := v.Clone()
		c.bids[k] = &b
	}
	for k, v := range s.bidOrder {
		c.bidOrder[k] = append([]uuid.UUID(nil), v...)
	}
	for k, v := range s.bidKeys {
		c.bidKeys[k] = v
	}
	for k, v := range s.rules {
		r := *v
		c.rules[k] = &r
	}
	for k, v := range s.ruleCodes {
		c.ruleCodes[k] = v
	}
	for k, v := range s.configs {
		cfg := *v
		c.configs[k] = &cfg
	}
	for k, v := range s.violations {
		vio := *v
		c.violations[k] = &vio
	}
	for k, v := range s.settlements {
		st := *v
		c.settlements[k] = &st
	}
	for _, e := range s.outbox {
		cp := *e
		c.outbox = append(c.outbox, &cp)
	}
	return c
}

type memTx struct {
	s *memState
}

func (t *memTx) InsertAuction(_ context.Context, a *auction.Auction) error {
	if _, exists := t.s.auctions[a.ID]; exists {
		return ErrDuplicateKey
	}
	if a.IdempotencyKey != nil {
		if _, exists := t.s.auctionKeys[*a.IdempotencyKey]; exists {
			return ErrDuplicateKey
		}
		t.s.auctionKeys[*a.IdempotencyKey] = a.ID
	}
	t.s.auctions[a.ID] = a.Clone()
	return nil
}

func (t *memTx) GetAuction(_ context.Context, id uuid.UUID) (*auction.Auction, error) {
	a, ok := t.s.auctions[id]
	if !ok {
		return nil, auction.ErrNotFound
	}
	return a.Clone(), nil
}

func (t *memTx) AuctionByIdempotencyKey(ctx context.Context, key string) (*auction.Auction, error) {
	id, ok := t.s.auctionKeys[key]
	if !ok {
		return nil, auction.ErrNotFound
	}
	return t.GetAuction(ctx, id)
}

func (t *memTx) UpdateAuction(_ context.Context, a *auction.Auction, expectedVersion int64) error {
	cur, ok := t.s.auctions[a.ID]
	if !ok {
		return auction.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return &auction.ConcurrencyConflict{Entity: "auction", ID: a.ID, ExpectedVersion: expectedVersion, ActualVersion: cur.Version}
	}
	cur.Status = a.Status
	cur.CurrentPrice = a.CurrentPrice
	cur.UpdatedAt = a.UpdatedAt
	cur.Version = expectedVersion + 1
	a.Version = cur.Version
	return nil
}

func (t *memTx) ListDueAuctions(_ context.Context, now time.Time, limit int) ([]auction.Auction, error) {
	var out []auction.Auction
	for _, a := range t.s.auctions {
		if a.Status == auction.StatusActive && !a.EndTime.After(now) {
			out = append(out, *a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndTime.Equal(out[j].EndTime) {
			return out[i].EndTime.Before(out[j].EndTime)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (t *memTx) InsertBid(_ context.Context, b *auction.Bid) error {
	if _, exists := t.s.bids[b.ID]; exists {
		return ErrDuplicateKey
	}
	if _, ok := t.s.auctions[b.AuctionID]; !ok {
		return auction.ErrNotFound
	}
	if b.IdempotencyKey != nil {
		if _, exists := t.s.bidKeys[*b.IdempotencyKey]; exists {
			return ErrDuplicateKey
		}
		t.s.bidKeys[*b.IdempotencyKey] = b.ID
	}
	cp := b.Clone()
	t.s.bids[b.ID] = &cp
	t.s.bidOrder[b.AuctionID] = append(t.s.bidOrder[b.AuctionID], b.ID)
	return nil
}

func (t *memTx) GetBid(_ context.Context, id uuid.UUID) (*auction.Bid, error) {
	b, ok := t.s.bids[id]
	if !ok {
		return nil, auction.ErrNotFound
	}
	cp := b.Clone()
	return &cp, nil
}

func (t *memTx) BidByIdempotencyKey(ctx context.Context, key string) (*auction.Bid, error) {
	id, ok := t.s.bidKeys[key]
	if !ok {
		return nil, auction.ErrNotFound
	}
	return t.GetBid(ctx, id)
}

func (t *memTx) ListBids(_ context.Context, auctionID uuid.UUID) ([]auction.Bid, error) {
	ids := t.s.bidOrder[auctionID]
	out := make([]auction.Bid, 0, len(ids))
	for _, id := range ids {
		out = append(out, t.s.bids[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return auction.Earlier(out[i], out[j]) })
	return out, nil
}

func (t *memTx) UpdateBidStatus(_ context.Context, b *auction.Bid, expectedVersion int64) error {
	cur, ok := t.s.bids[b.ID]
	if !ok {
		return auction.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return &auction.ConcurrencyConflict{Entity: "bid", ID: b.ID, ExpectedVersion: expectedVersion, ActualVersion: cur.Version}
	}
	cur.Status = b.Status
	cur.Version = expectedVersion + 1
	b.Version = cur.Version
	return nil
}

func (t *memTx) InsertRule(_ context.Context, r *auction.Rule) error {
	if _, exists := t.s.rules[r.ID]; exists {
		return ErrDuplicateKey
	}
	if _, exists := t.s.ruleCodes[r.Code]; exists {
		return ErrDuplicateKey
	}
	cp := *r
	t.s.rules[r.ID] = &cp
	t.s.ruleCodes[r.Code] = r.ID
	t.s.ruleOrder = append(t.s.ruleOrder, r.ID)
	return nil
}

func (t *memTx) GetRule(_ context.Context, id uuid.UUID) (*auction.Rule, error) {
	r, ok := t.s.rules[id]
	if !ok {
		return nil, auction.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (t *memTx) ListRules(_ context.Context) ([]auction.Rule, error) {
	out := make([]auction.Rule, 0, len(t.s.ruleOrder))
	for _, id := range t.s.ruleOrder {
		out = append(out, *t.s.rules[id])
	}
	return out, nil
}

func (t *memTx) InsertRuleConfiguration(_ context.Context, c *auction.RuleConfiguration) error {
	if _, exists := t.s.configs[c.ID]; exists {
		return ErrDuplicateKey
	}
	if _, ok := t.s.rules[c.RuleID]; !ok {
		return auction.ErrNotFound
	}
	cp := *c
	t.s.configs[c.ID] = &cp
	t.s.configOrder = append(t.s.configOrder, c.ID)
	return nil
}

func (t *memTx) GetRuleConfiguration(_ context.Context, id uuid.UUID) (*auction.RuleConfiguration, error) {
	c, ok := t.s.configs[id]
	if !ok {
		return nil, auction.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (t *memTx) UpdateRuleConfiguration(_ context.Context, c *auction.RuleConfiguration, expectedVersion int64) error {
	cur, ok := t.s.configs[c.ID]
	if !ok {
		return auction.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return &auction.ConcurrencyConflict{Entity: "rule_configuration", ID: c.ID, ExpectedVersion: expectedVersion, ActualVersion: cur.Version}
	}
	cp := *c
	cp.Version = expectedVersion + 1
	t.s.configs[c.ID] = &cp
	c.Version = cp.Version
	return nil
}

func (t *memTx) ListRuleConfigurations(_ context.Context, ruleID uuid.UUID) ([]auction.RuleConfiguration, error) {
	var out []auction.RuleConfiguration
	for _, id := range t.s.configOrder {
		if c := t.s.configs[id]; c.RuleID == ruleID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (t *memTx) InsertViolation(_ context.Context, v *auction.RuleViolation) error {
	if _, exists := t.s.violations[v.ID]; exists {
		return ErrDuplicateKey
	}
	cp := *v
	t.s.violations[v.ID] = &cp
	t.s.violationOrder = append(t.s.violationOrder, v.ID)
	return nil
}

func (t *memTx) GetViolation(_ context.Context, id uuid.UUID) (*auction.RuleViolation, error) {
	v, ok := t.s.violations[id]
	if !ok {
		return nil, auction.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

func (t *memTx) UpdateViolation(_ context.Context, v *auction.RuleViolation, expectedVersion int64) error {
	cur, ok := t.s.violations[v.ID]
	if !ok {
		return auction.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return &auction.ConcurrencyConflict{Entity: "rule_violation", ID: v.ID, ExpectedVersion: expectedVersion, ActualVersion: cur.Version}
	}
	cp := *v
	cp.Version = expectedVersion + 1
	t.s.violations[v.ID] = &cp
	v.Version = cp.Version
	return nil
}

func (t *memTx) ListViolations(_ context.Context, f auction.ViolationFilter) ([]auction.RuleViolation, error) {
	var out []auction.RuleViolation
	for _, id := range t.s.violationOrder {
		v := t.s.violations[id]
		if f.AuctionID != nil && v.AuctionID != *f.AuctionID {
			continue
		}
		if f.UserID != "" && v.UserID != f.UserID {
			continue
		}
		if f.Status != "" && v.Status != f.Status {
			continue
		}
		out = append(out, *v)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) ListDueEscalations(_ context.Context, now time.Time, limit int) ([]auction.RuleViolation, error) {
	var out []auction.RuleViolation
	for _, id := range t.s.violationOrder {
		v := t.s.violations[id]
		if !v.Status.Open() || v.NextEscalationAt == nil || v.NextEscalationAt.After(now) {
			continue
		}
		out = append(out, *v)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (t *memTx) InsertSettlement(_ context.Context, s *auction.Settlement) error {
	if _, exists := t.s.settlements[s.AuctionID]; exists {
		return ErrDuplicateKey
	}
	cp := *s
	t.s.settlements[s.AuctionID] = &cp
	return nil
}

func (t *memTx) GetSettlement(_ context.Context, auctionID uuid.UUID) (*auction.Settlement, error) {
	s, ok := t.s.settlements[auctionID]
	if !ok {
		return nil, auction.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (t *memTx) AppendOutbox(_ context.Context, e *event.OutboxEvent) error {
	t.s.outboxSeq++
	e.Sequence = t.s.outboxSeq
	cp := *e
	t.s.outbox = append(t.s.outbox, &cp)
	return nil
}

// --- outbox (outside business transactions) ---

func (m *MemoryStore) FetchPending(ctx context.Context, limit int) ([]event.OutboxEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []event.OutboxEvent
	for _, e := range m.state.outbox {
		if !e.Pending() {
			continue
		}
		out = append(out, *e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) findOutbox(id uuid.UUID) (*event.OutboxEvent, error) {
	for _, e := range m.state.outbox {
		if e.ID == id {
			return e, nil
		}
	}
	return nil, auction.ErrNotFound
}

func (m *MemoryStore) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.findOutbox(id)
	if err != nil {
		return err
	}
	if e.ProcessedAt == nil {
		e.ProcessedAt = &at
	}
	return nil
}

func (m *MemoryStore) RecordFailure(_ context.Context, id uuid.UUID, reason string, nextAttemptAt time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.findOutbox(id)
	if err != nil {
		return 0, err
	}
	e.Attempts++
	e.LastError = &reason
	e.NextAttemptAt = &nextAttemptAt
	return e.Attempts, nil
}

func (m *MemoryStore) DeadLetter(_ context.Context, dl event.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.findOutbox(dl.EventID)
	if err != nil {
		return err
	}
	if e.DeadLetteredAt != nil {
		return nil
	}
	at := dl.FailedAt
	e.DeadLetteredAt = &at
	m.state.deadLetters = append(m.state.deadLetters, dl)
	return nil
}

func (m *MemoryStore) ListDeadLetters(_ context.Context, limit int) ([]event.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]event.DeadLetter(nil), m.state.deadLetters...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, name string) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.leases[name]; held {
		return nil, false, nil
	}
	m.leaseSeq++
	m.leases[name] = m.leaseSeq
	return &memoryLease{store: m, name: name, token: m.leaseSeq}, true, nil
}

// RevokeLease drops the current holder of name as if its session had died.
func (m *MemoryStore) RevokeLease(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, name)
}

type memoryLease struct {
	store *MemoryStore
	name  string
	token uint64
	once  sync.Once
}

func (l *memoryLease) Check(context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if l.store.leases[l.name] != l.token {
		return ErrLeaseLost
	}
	return nil
}

func (l *memoryLease) Release() {
	l.once.Do(func() {
		l.store.mu.Lock()
		defer l.store.mu.Unlock()
		if l.store.leases[l.name] == l.token {
			delete(l.store.leases, l.name)
		}
	})
}

// Outbox returns a snapshot of every outbox event, processed or not.
func (m *MemoryStore) Outbox() []event.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]event.OutboxEvent, 0, len(m.state.outbox))
	for _, e := range m.state.outbox {
		out = append(out, *e)
	}
	return out
}
