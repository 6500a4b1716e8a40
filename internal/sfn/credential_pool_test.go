package sfn

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewPoolRejectsEmpty(t *testing.T) {
	if _, err := NewPool(nil, testLogger()); err == nil {
		t.Fatal("expected error for empty credential list")
	}
}

func TestPoolNextRoundRobin(t *testing.T) {
	p, err := NewPool([][2]string{{"a1", "c1"}, {"a2", "c2"}}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	first := p.Next()
	second := p.Next()
	third := p.Next()
	if first.Index == second.Index {
		t.Fatal("expected round-robin to alternate credentials")
	}
	if first.Index != third.Index {
		t.Fatal("expected round-robin to wrap back to the first credential")
	}
}

func TestPoolSkipsCoolingAndDead(t *testing.T) {
	p, err := NewPool([][2]string{{"a1", "c1"}, {"a2", "c2"}, {"a3", "c3"}}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	fake := time.Now()
	p.now = func() time.Time { return fake }

	first := p.Next() // index 0
	p.MarkRateLimited(first, time.Hour)
	second := p.Next() // index 1
	p.MarkDead(second, "auth failure")

	for i := 0; i < 3; i++ {
		c := p.Next()
		if c == nil || c.Index != 2 {
			t.Fatalf("expected only credential index 2 to remain available, got %+v", c)
		}
	}
}

func TestPoolNextReturnsNilWhenAllUnavailable(t *testing.T) {
	p, err := NewPool([][2]string{{"a1", "c1"}}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	c := p.Next()
	p.MarkDead(c, "dead")
	if got := p.Next(); got != nil {
		t.Fatalf("expected nil when all credentials unavailable, got %+v", got)
	}
}

func TestPoolAvailableAndTotalCount(t *testing.T) {
	p, err := NewPool([][2]string{{"a1", "c1"}, {"a2", "c2"}}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	if p.TotalCount() != 2 || p.AvailableCount() != 2 {
		t.Fatalf("expected 2/2 available, got %d/%d", p.AvailableCount(), p.TotalCount())
	}
	c := p.Next()
	p.MarkDead(c, "")
	if p.AvailableCount() != 1 {
		t.Fatalf("expected 1 available after marking one dead, got %d", p.AvailableCount())
	}
}

func TestPoolStatusMasksToken(t *testing.T) {
	p, err := NewPool([][2]string{{"abcdefgh", "c1"}}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	statuses := p.Status()
	if len(statuses) != 1 {
		t.Fatalf("expected 1 status entry, got %d", len(statuses))
	}
	if statuses[0].AuthTokenHint != "abcd****" {
		t.Fatalf("expected masked token abcd****, got %q", statuses[0].AuthTokenHint)
	}
	if statuses[0].Status != "available" {
		t.Fatalf("expected available status, got %q", statuses[0].Status)
	}
}

func TestPoolWaitForAvailableReturnsImmediatelyWhenFree(t *testing.T) {
	p, err := NewPool([][2]string{{"a1", "c1"}}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	c := p.WaitForAvailable(time.Second, func(time.Duration) {
		t.Fatal("should not sleep when a credential is immediately available")
	})
	if c == nil {
		t.Fatal("expected a credential")
	}
}

func TestPoolWaitForAvailableReturnsNilWhenAllDead(t *testing.T) {
	p, err := NewPool([][2]string{{"a1", "c1"}}, testLogger())
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	c := p.Next()
	p.MarkDead(c, "auth failure")
	got := p.WaitForAvailable(time.Second, func(time.Duration) {
		t.Fatal("should not sleep when all credentials are dead")
	})
	if got != nil {
		t.Fatal("expected nil when all credentials are dead")
	}
}

func TestParseConfigStringSkipsMalformed(t *testing.T) {
	pairs := ParseConfigString("a1:c1;malformed;a2:c2", testLogger())
	if len(pairs) != 2 {
		t.Fatalf("expected 2 valid pairs, got %d: %+v", len(pairs), pairs)
	}
	if pairs[0][0] != "a1" || pairs[0][1] != "c1" {
		t.Fatalf("unexpected first pair: %+v", pairs[0])
	}
}
