package cache

import (
	"testing"
	"time"

	"murmursync/pkg/models"
)

func msgs(ts ...int64) []models.Message {
	out := make([]models.Message, len(ts))
	for i, t := range ts {
		out[i] = models.Message{CreatedTS: t, Kind: models.KindText}
	}
	return out
}

func TestGetMissThenHit(t *testing.T) {
	c := New(4, time.Minute, 10)
	if got := c.Get("grp"); got != nil {
		t.Fatalf("expected miss on empty cache, got %+v", got)
	}
	c.Put("grp", msgs(1, 2, 3))
	got := c.Get("grp")
	if len(got) != 3 {
		t.Fatalf("expected 3 cached messages, got %d", len(got))
	}
}

func TestTTLExpiry(t *testing.T) {
	c := New(4, time.Minute, 10)
	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	c.Put("grp", msgs(1))
	now = base.Add(59 * time.Second)
	if c.Get("grp") == nil {
		t.Fatalf("entry expired before its TTL")
	}
	now = base.Add(61 * time.Second)
	if c.Get("grp") != nil {
		t.Fatalf("entry survived past its TTL")
	}
	// the expired entry was dropped on the way out
	if c.Len() != 0 {
		t.Fatalf("expected expired entry removed, len=%d", c.Len())
	}
}

func TestWindowTrim(t *testing.T) {
	c := New(4, time.Minute, 3)
	c.Put("grp", msgs(1, 2, 3, 4, 5))
	got := c.Get("grp")
	if len(got) != 3 {
		t.Fatalf("expected window of 3, got %d", len(got))
	}
	if got[0].CreatedTS != 3 || got[2].CreatedTS != 5 {
		t.Fatalf("expected the newest window [3 4 5], got %+v", got)
	}
}

func TestCapacityEviction(t *testing.T) {
	c := New(2, time.Minute, 10)
	c.Put("a", msgs(1))
	c.Put("b", msgs(2))
	c.Put("c", msgs(3)) // evicts a, the least recently used
	if c.Get("a") != nil {
		t.Fatalf("expected oldest conversation evicted")
	}
	if c.Get("b") == nil || c.Get("c") == nil {
		t.Fatalf("expected recent conversations retained")
	}
}

func TestInvalidateAndPurge(t *testing.T) {
	c := New(4, time.Minute, 10)
	c.Put("a", msgs(1))
	c.Put("b", msgs(2))
	c.Invalidate("a")
	if c.Get("a") != nil {
		t.Fatalf("expected invalidated entry to miss")
	}
	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after purge, len=%d", c.Len())
	}
}

func TestGetReturnsCopy(t *testing.T) {
	c := New(4, time.Minute, 10)
	c.Put("grp", msgs(1, 2))
	got := c.Get("grp")
	got[0].Body = "mutated"
	again := c.Get("grp")
	if again[0].Body != "" {
		t.Fatalf("cache entry must not alias caller slices")
	}
}
