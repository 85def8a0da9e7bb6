package relay_test

import (
	"AuctionLedger/internal/event"
	"AuctionLedger/internal/persistence"
	"AuctionLedger/internal/relay"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// fakeBus records delivered events and fails the ones fail says to.
type fakeBus struct {
	mu        sync.Mutex
	delivered []uuid.UUID
	fail      func(e event.OutboxEvent) error
}

func (b *fakeBus) Publish(_ context.Context, e event.OutboxEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fail != nil {
		if err := b.fail(e); err != nil {
			return err
		}
	}
	b.delivered = append(b.delivered, e.ID)
	return nil
}

func (b *fakeBus) Delivered() []uuid.UUID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uuid.UUID(nil), b.delivered...)
}

type recordingAlerter struct {
	mu   sync.Mutex
	dead []event.DeadLetter
}

func (a *recordingAlerter) DeadLettered(_ context.Context, dl event.DeadLetter) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dead = append(a.dead, dl)
}

func testConfig() relay.Config {
	cfg := relay.DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.BaseBackoff = time.Second
	cfg.MaxBackoff = 4 * time.Second
	return cfg
}

func newRelay(t *testing.T, store persistence.OutboxStore, bus relay.Publisher, alerter relay.Alerter, clk *clock) *relay.Relay {
	t.Helper()
	r, err := relay.New(relay.Deps{
		Store:     store,
		Publisher: bus,
		Alerter:   alerter,
		Logger:    zerolog.Nop(),
		Clock:     clk.Now,
	}, testConfig())
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	return r
}

// appendEvents commits one bid_placed event per auction id, in order.
func appendEvents(t *testing.T, store *persistence.MemoryStore, auctions ...uuid.UUID) []uuid.UUID {
	t.Helper()
	var ids []uuid.UUID
	err := store.InTx(context.Background(), func(tx persistence.Tx) error {
		for _, a := range auctions {
			e, err := event.New(event.EventTypeBidPlaced, a, event.BidPlaced{AuctionID: a}, t0)
			if err != nil {
				return err
			}
			if err := tx.AppendOutbox(context.Background(), e); err != nil {
				return err
			}
			ids = append(ids, e.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append outbox: %v", err)
	}
	return ids
}

func waitDelivered(t *testing.T, bus *fakeBus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(bus.Delivered()) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := len(bus.Delivered()); got < n {
		t.Fatalf("delivered %d events, want %d", got, n)
	}
}

func outboxByID(store *persistence.MemoryStore) map[uuid.UUID]event.OutboxEvent {
	out := make(map[uuid.UUID]event.OutboxEvent)
	for _, e := range store.Outbox() {
		out[e.ID] = e
	}
	return out
}

// ===== Test: happy path =====

func TestProcessBatch_PublishesInAppendOrder(t *testing.T) {
	store := persistence.NewMemoryStore()
	clk := &clock{t: t0}
	bus := &fakeBus{}
	r := newRelay(t, store, bus, nil, clk)

	a, b := uuid.New(), uuid.New()
	ids := appendEvents(t, store, a, b, a)

	n, err := r.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 published, got %d", n)
	}
	got := bus.Delivered()
	for i := range ids {
		if got[i] != ids[i] {
			t.Errorf("delivery %d: expected %s, got %s", i, ids[i], got[i])
		}
	}
	for _, e := range store.Outbox() {
		if e.ProcessedAt == nil {
			t.Errorf("event %s not marked processed", e.ID)
		}
	}

	n, _ = r.ProcessBatch(context.Background())
	if n != 0 {
		t.Errorf("expected nothing left to publish, got %d", n)
	}
}

// ===== Test: a failed event holds back its auction only =====

func TestProcessBatch_PerAuctionOrdering(t *testing.T) {
	store := persistence.NewMemoryStore()
	clk := &clock{t: t0}
	a, b := uuid.New(), uuid.New()
	ids := appendEvents(t, store, a, a, b)

	failed := false
	bus := &fakeBus{fail: func(e event.OutboxEvent) error {
		if e.ID == ids[0] && !failed {
			failed = true
			return errors.New("bus unavailable")
		}
		return nil
	}}
	r := newRelay(t, store, bus, nil, clk)

	n, err := r.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the other auction's event, got %d", n)
	}
	if got := bus.Delivered(); len(got) != 1 || got[0] != ids[2] {
		t.Fatalf("expected %s delivered first, got %v", ids[2], got)
	}

	// Still inside the backoff window: nothing from auction a moves.
	if n, _ := r.ProcessBatch(context.Background()); n != 0 {
		t.Fatalf("expected auction a held during backoff, got %d", n)
	}

	clk.Advance(time.Second)
	if n, _ := r.ProcessBatch(context.Background()); n != 2 {
		t.Fatalf("expected auction a drained after backoff, got %d", n)
	}
	got := bus.Delivered()
	if got[1] != ids[0] || got[2] != ids[1] {
		t.Errorf("auction a delivered out of order: %v", got)
	}
	if e := outboxByID(store)[ids[0]]; e.Attempts != 1 {
		t.Errorf("expected 1 recorded attempt, got %d", e.Attempts)
	}
}

// ===== Test: backoff doubles up to the cap =====

func TestBackoff_Capped(t *testing.T) {
	r := newRelay(t, persistence.NewMemoryStore(), &fakeBus{}, nil, &clock{t: t0})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := r.Backoff(i + 1); got != w {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

// ===== Test: exhausted events are dead-lettered, never dropped =====

func TestProcessBatch_DeadLettersAfterMaxAttempts(t *testing.T) {
	store := persistence.NewMemoryStore()
	clk := &clock{t: t0}
	bus := &fakeBus{fail: func(event.OutboxEvent) error { return errors.New("poison") }}
	alerter := &recordingAlerter{}
	r := newRelay(t, store, bus, alerter, clk)

	a := uuid.New()
	ids := appendEvents(t, store, a)

	var attempts []int
	for range 3 {
		if _, err := r.ProcessBatch(context.Background()); err != nil {
			t.Fatalf("ProcessBatch: %v", err)
		}
		attempts = append(attempts, outboxByID(store)[ids[0]].Attempts)
		clk.Advance(time.Minute)
	}
	for i := 1; i < len(attempts); i++ {
		if attempts[i] <= attempts[i-1] {
			t.Fatalf("attempts not monotonic: %v", attempts)
		}
	}

	pending, _ := store.FetchPending(context.Background(), 10)
	if len(pending) != 0 {
		t.Fatalf("expected no pending events, got %d", len(pending))
	}
	dead, _ := store.ListDeadLetters(context.Background(), 10)
	if len(dead) != 1 || dead[0].EventID != ids[0] {
		t.Fatalf("expected %s dead-lettered, got %+v", ids[0], dead)
	}
	if dead[0].Attempts != 3 || dead[0].Reason != "poison" {
		t.Errorf("unexpected dead letter: %+v", dead[0])
	}
	if len(alerter.dead) != 1 {
		t.Errorf("expected one alert, got %d", len(alerter.dead))
	}
	if e := outboxByID(store)[ids[0]]; e.DeadLetteredAt == nil {
		t.Error("outbox row must stay, marked dead-lettered")
	}
}

// ===== Test: a new relay replays what a crashed one left =====

func TestRelay_ReplaysBacklogAfterCrash(t *testing.T) {
	store := persistence.NewMemoryStore()
	clk := &clock{t: t0}
	a, b := uuid.New(), uuid.New()
	ids := appendEvents(t, store, a, b)

	down := &fakeBus{fail: func(event.OutboxEvent) error { return errors.New("connection refused") }}
	crashed := newRelay(t, store, down, nil, clk)
	if _, err := crashed.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	before := outboxByID(store)
	for _, id := range ids {
		if before[id].Attempts != 1 || before[id].ProcessedAt != nil {
			t.Fatalf("expected one failed attempt on %s, got %+v", id, before[id])
		}
	}

	clk.Advance(time.Minute)
	up := &fakeBus{}
	restarted := newRelay(t, store, up, nil, clk)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- restarted.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(up.Delivered()) < len(ids) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	after := outboxByID(store)
	for _, id := range ids {
		e := after[id]
		if e.ProcessedAt == nil {
			t.Errorf("event %s not replayed", id)
		}
		if e.Attempts != before[id].Attempts {
			t.Errorf("attempts changed on success: %d -> %d", before[id].Attempts, e.Attempts)
		}
	}
}

// ===== Test: only one relay holds the lease =====

func TestRelay_SingleFlight(t *testing.T) {
	store := persistence.NewMemoryStore()
	clk := &clock{t: t0}
	first, second := &fakeBus{}, &fakeBus{}
	leader := newRelay(t, store, first, nil, clk)
	follower := newRelay(t, store, second, nil, clk)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leaderDone := make(chan error, 1)
	go func() { leaderDone <- leader.Run(ctx) }()

	ids := appendEvents(t, store, uuid.New())
	deadline := time.Now().Add(2 * time.Second)
	for len(first.Delivered()) < len(ids) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(first.Delivered()) != len(ids) {
		t.Fatal("leader never published")
	}

	fctx, fcancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer fcancel()
	appendEvents(t, store, uuid.New())
	if err := follower.Run(fctx); err != nil {
		t.Fatalf("follower Run: %v", err)
	}
	if n := len(second.Delivered()); n != 0 {
		t.Errorf("follower published %d events without the lease", n)
	}

	cancel()
	<-leaderDone
}

// ===== Test: lease lost while running =====

// watchedStore reports the first failed lease check on lost.
type watchedStore struct {
	*persistence.MemoryStore
	lost chan error
}

func (s *watchedStore) AcquireLease(ctx context.Context, name string) (persistence.Lease, bool, error) {
	l, ok, err := s.MemoryStore.AcquireLease(ctx, name)
	if err != nil || !ok {
		return l, ok, err
	}
	return &watchedLease{Lease: l, lost: s.lost}, true, nil
}

type watchedLease struct {
	persistence.Lease
	lost chan error
}

func (l *watchedLease) Check(ctx context.Context) error {
	err := l.Lease.Check(ctx)
	if err != nil {
		select {
		case l.lost <- err:
		default:
		}
	}
	return err
}

func TestRelay_StopsPublishingAfterLeaseLoss(t *testing.T) {
	mem := persistence.NewMemoryStore()
	store := &watchedStore{MemoryStore: mem, lost: make(chan error, 1)}
	clk := &clock{t: t0}
	bus := &fakeBus{}
	r := newRelay(t, store, bus, nil, clk)
	name := testConfig().LeaseName

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	first := appendEvents(t, mem, uuid.New())
	waitDelivered(t, bus, len(first))

	// Another session takes over, as after a dropped connection.
	mem.RevokeLease(name)
	rival, ok, err := mem.AcquireLease(context.Background(), name)
	if err != nil || !ok {
		t.Fatalf("rival acquire: got %v, %v", ok, err)
	}
	select {
	case err := <-store.lost:
		if !errors.Is(err, persistence.ErrLeaseLost) {
			t.Fatalf("lease check: got %v, want ErrLeaseLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("relay never noticed the lost lease")
	}

	second := appendEvents(t, mem, uuid.New())
	time.Sleep(50 * time.Millisecond)
	if n := len(bus.Delivered()); n != len(first) {
		t.Fatalf("delivered %d events after losing the lease, want %d", n, len(first))
	}
	if e := outboxByID(mem)[second[0]]; e.ProcessedAt != nil {
		t.Fatal("event processed while another session held the lease")
	}

	rival.Release()
	waitDelivered(t, bus, len(first)+len(second))

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

// ===== Test: publish timeout =====

// stuckBus never finishes a publish on its own.
type stuckBus struct{}

func (stuckBus) Publish(ctx context.Context, _ event.OutboxEvent) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestProcessBatch_PublishTimeoutBoundsStuckPublisher(t *testing.T) {
	store := persistence.NewMemoryStore()
	clk := &clock{t: t0}
	cfg := testConfig()
	cfg.PublishTimeout = 30 * time.Millisecond
	r, err := relay.New(relay.Deps{
		Store:     store,
		Publisher: stuckBus{},
		Logger:    zerolog.Nop(),
		Clock:     clk.Now,
	}, cfg)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}
	ids := appendEvents(t, store, uuid.New())

	start := time.Now()
	n, err := r.ProcessBatch(context.Background())
	elapsed := time.Since(start)
	if err != nil || n != 0 {
		t.Fatalf("got %d, %v; want 0, nil", n, err)
	}
	if elapsed > time.Second {
		t.Fatalf("ProcessBatch took %v with a 30ms publish timeout", elapsed)
	}

	e := outboxByID(store)[ids[0]]
	if e.Attempts != 1 {
		t.Errorf("got %d attempts, want 1", e.Attempts)
	}
	if e.ProcessedAt != nil {
		t.Error("timed-out event marked processed")
	}
	if e.LastError == nil || *e.LastError != context.DeadlineExceeded.Error() {
		t.Errorf("got last error %v, want %q", e.LastError, context.DeadlineExceeded.Error())
	}
	if e.NextAttemptAt == nil || !e.NextAttemptAt.Equal(t0.Add(cfg.BaseBackoff)) {
		t.Errorf("got next attempt %v, want %v", e.NextAttemptAt, t0.Add(cfg.BaseBackoff))
	}
}

// ===== Test: consumer dedupe =====

func TestConsumer_DropsDuplicateEnvelopes(t *testing.T) {
	var handled int
	fail := true
	c := relay.NewConsumer(nil, relay.ConsumerConfig{Stream: "AUCTION_EVENTS", Durable: "test"},
		func(context.Context, event.Envelope) error {
			if fail {
				fail = false
				return errors.New("projection store down")
			}
			handled++
			return nil
		}, zerolog.Nop(), nil)

	e, err := event.New(event.EventTypeAuctionEnded, uuid.New(), event.AuctionEnded{}, t0)
	if err != nil {
		t.Fatal(err)
	}
	data, err := json.Marshal(e.Envelope())
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.Handle(context.Background(), data); err == nil {
		t.Fatal("expected handler error to surface")
	}
	dup, err := c.Handle(context.Background(), data)
	if err != nil || dup {
		t.Fatalf("redelivery after failure must be handled: dup=%v err=%v", dup, err)
	}
	dup, err = c.Handle(context.Background(), data)
	if err != nil || !dup {
		t.Fatalf("expected duplicate, got dup=%v err=%v", dup, err)
	}
	if handled != 1 {
		t.Errorf("expected one handled delivery, got %d", handled)
	}

	if _, err := c.Handle(context.Background(), []byte(`{"event_type":"nope"}`)); err == nil {
		t.Error("expected malformed envelope error")
	}
}

// ===== Test: reliability wrapper =====

func TestReliablePublisher_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	bus := &fakeBus{fail: func(event.OutboxEvent) error {
		calls++
		if calls < 3 {
			return errors.New("timeout")
		}
		return nil
	}}
	cfg := relay.DefaultReliabilityConfig()
	cfg.Retries = 3
	p := relay.NewReliablePublisher(bus, cfg, zerolog.Nop())

	e, _ := event.New(event.EventTypeBidPlaced, uuid.New(), event.BidPlaced{}, t0)
	if err := p.Publish(context.Background(), *e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if calls != 3 || len(bus.Delivered()) != 1 {
		t.Errorf("expected 3 calls and 1 delivery, got %d and %d", calls, len(bus.Delivered()))
	}
}

func TestReliablePublisher_BreakerOpens(t *testing.T) {
	calls := 0
	bus := &fakeBus{fail: func(event.OutboxEvent) error {
		calls++
		return errors.New("down")
	}}
	cfg := relay.DefaultReliabilityConfig()
	cfg.Retries = 1
	cfg.BreakerFailures = 2
	cfg.BreakerTimeout = time.Minute
	p := relay.NewReliablePublisher(bus, cfg, zerolog.Nop())

	e, _ := event.New(event.EventTypeBidPlaced, uuid.New(), event.BidPlaced{}, t0)
	for range 4 {
		if err := p.Publish(context.Background(), *e); err == nil {
			t.Fatal("expected failure")
		}
	}
	if calls != 2 {
		t.Errorf("expected breaker to stop calls after 2 failures, got %d", calls)
	}
	if p.State().String() != "open" {
		t.Errorf("expected open breaker, got %s", p.State())
	}
}

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subj string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subj)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSAlerter_PublishesNotice(t *testing.T) {
	nc := &fakeConn{}
	a := relay.NewNATSAlerter(nc, zerolog.Nop())
	dl := event.DeadLetter{
		EventID:   uuid.New(),
		EventType: event.EventTypeBidPlaced,
		AuctionID: uuid.New(),
		Reason:    "nats: timeout",
		Attempts:  10,
		FailedAt:  t0,
	}
	a.DeadLettered(context.Background(), dl)

	if len(nc.subjects) != 1 || nc.subjects[0] != relay.AlertSubject {
		t.Fatalf("subjects = %v", nc.subjects)
	}
	var got map[string]any
	if err := json.Unmarshal(nc.payloads[0], &got); err != nil {
		t.Fatal(err)
	}
	if got["event_id"] != dl.EventID.String() || got["attempts"] != float64(10) {
		t.Fatalf("notice = %v", got)
	}

	// A failed alert is logged, never surfaced.
	a = relay.NewNATSAlerter(&fakeConn{err: errors.New("nats: connection closed")}, zerolog.Nop())
	a.DeadLettered(context.Background(), dl)
}
