package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAdd_RejectsBadSpec(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())
	if _, err := s.Add("bad", "every now and then", func(context.Context) (int, error) { return 0, nil }); err == nil {
		t.Fatal("expected parse error")
	}
	for _, spec := range []string{"@every 5s", "*/10 * * * * *", "0 * * * *"} {
		if _, err := s.Add("ok", spec, func(context.Context) (int, error) { return 0, nil }); err != nil {
			t.Fatalf("spec %q: %v", spec, err)
		}
	}
}

func TestRun_UsesBaseContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := New(ctx, zerolog.Nop())

	var calls atomic.Int32
	job := func(ctx context.Context) (int, error) {
		calls.Add(1)
		if ctx.Err() != nil {
			t.Error("job ran with a cancelled context")
		}
		return 1, errors.New("boom")
	}

	s.run("sweep", job)
	if calls.Load() != 1 {
		t.Fatalf("calls = %d, want 1", calls.Load())
	}

	cancel()
	s.run("sweep", job)
	if calls.Load() != 1 {
		t.Fatalf("job ran after cancellation")
	}
}

func TestStartStop(t *testing.T) {
	s := New(context.Background(), zerolog.Nop())
	done := make(chan struct{}, 1)
	if _, err := s.Add("tick", "@every 1s", func(context.Context) (int, error) {
		select {
		case done <- struct{}{}:
		default:
		}
		return 0, nil
	}); err != nil {
		t.Fatal(err)
	}
	s.Start()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("job never ran")
	}
	s.Stop()
}
