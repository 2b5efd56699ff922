package resultcache

import (
	"sync"
	"testing"
	"time"
)

func TestDisabledCacheIsAlwaysMiss(t *testing.T) {
	c, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, ok := c.Get("", "SELECT * FROM ks.tbl"); ok {
		t.Fatal("expected disabled cache to always miss")
	}
	c.SetAndNotify("", "SELECT * FROM ks.tbl", []byte("x"))
	if _, ok := c.Get("", "SELECT * FROM ks.tbl"); ok {
		t.Fatal("expected SetAndNotify on a disabled cache to be a no-op")
	}
}

func TestNilCacheIsAlwaysMiss(t *testing.T) {
	var c *Cache
	if _, ok := c.Get("ks", "SELECT 1"); ok {
		t.Fatal("expected nil *Cache to always miss")
	}
	c.SetAndNotify("ks", "SELECT 1", []byte("x"))
	c.CancelInflight("ks", "SELECT 1")
	if err := c.Close(); err != nil {
		t.Fatalf("Close on nil cache: %v", err)
	}
}

func TestKeyIncludesKeyspace(t *testing.T) {
	if key("a", "q") == key("b", "q") {
		t.Fatal("expected distinct keyspaces to produce distinct keys")
	}
	if key("a", "q1") == key("a", "q2") {
		t.Fatal("expected distinct queries to produce distinct keys")
	}
}

func TestGetOrWaitDisabledNeverWaits(t *testing.T) {
	c := &Cache{enabled: false}
	// With caching disabled, GetOrWait must never block.
	_, ok, waited := c.GetOrWait("ks", "SELECT 1")
	if ok || waited {
		t.Fatal("expected disabled cache GetOrWait to report miss, no wait")
	}
}

func TestEnabledCacheRoundTripAndSingleFlight(t *testing.T) {
	c, err := New(Config{Enabled: true, TTL: time.Minute, MaxEntries: 100, Workers: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	const ks, query = "app", "SELECT * FROM widgets"

	// First caller misses and doesn't wait.
	body, ok, waited := c.GetOrWait(ks, query)
	if ok || waited || body != nil {
		t.Fatalf("expected first GetOrWait to report a clean miss, got ok=%v waited=%v body=%v", ok, waited, body)
	}

	var wg sync.WaitGroup
	var secondBody []byte
	var secondOK bool
	wg.Add(1)
	go func() {
		defer wg.Done()
		secondBody, secondOK, _ = c.GetOrWait(ks, query)
	}()

	// Give the second goroutine a chance to register as a waiter before
	// the flight resolves.
	time.Sleep(10 * time.Millisecond)
	c.SetAndNotify(ks, query, []byte("cached-result"))
	wg.Wait()

	if !secondOK || string(secondBody) != "cached-result" {
		t.Fatalf("expected second caller to observe the populated result, got ok=%v body=%q", secondOK, secondBody)
	}

	got, ok := c.Get(ks, query)
	if !ok || string(got) != "cached-result" {
		t.Fatalf("expected subsequent Get to hit, got ok=%v body=%q", ok, got)
	}
}
