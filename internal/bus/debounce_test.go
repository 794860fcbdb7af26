package bus

import (
	"sync"
	"testing"
	"time"
)

func TestInboundDebouncerCoalescesWithinWindow(t *testing.T) {
	var mu sync.Mutex
	var flushes [][]InboundMessage

	d := NewInboundDebouncer(30*time.Millisecond, func(key string, msgs []InboundMessage) {
		mu.Lock()
		defer mu.Unlock()
		flushes = append(flushes, msgs)
	})

	d.Add("sess-1", InboundMessage{Content: "one"})
	d.Add("sess-1", InboundMessage{Content: "two"})
	d.Add("sess-1", InboundMessage{Content: "three"})

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(flushes) != 1 {
		t.Fatalf("expected exactly one flush, got %d", len(flushes))
	}
	if len(flushes[0]) != 3 {
		t.Fatalf("expected 3 coalesced messages, got %d", len(flushes[0]))
	}
	if flushes[0][0].Content != "one" || flushes[0][1].Content != "two" || flushes[0][2].Content != "three" {
		t.Fatalf("messages out of arrival order: %+v", flushes[0])
	}
}

func TestInboundDebouncerResetsTimerOnEachAdd(t *testing.T) {
	var mu sync.Mutex
	fired := 0

	d := NewInboundDebouncer(40*time.Millisecond, func(key string, msgs []InboundMessage) {
		mu.Lock()
		fired++
		mu.Unlock()
	})

	d.Add("sess-1", InboundMessage{Content: "a"})
	time.Sleep(25 * time.Millisecond)
	d.Add("sess-1", InboundMessage{Content: "b"}) // should push the flush out again

	time.Sleep(25 * time.Millisecond)
	mu.Lock()
	if fired != 0 {
		mu.Unlock()
		t.Fatalf("flush fired before the window elapsed since the last Add")
	}
	mu.Unlock()

	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if fired != 1 {
		t.Fatalf("expected exactly one flush after the window settled, got %d", fired)
	}
}

func TestInboundDebouncerTracksKeysIndependently(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}

	d := NewInboundDebouncer(20*time.Millisecond, func(key string, msgs []InboundMessage) {
		mu.Lock()
		seen[key] += len(msgs)
		mu.Unlock()
	})

	d.Add("a", InboundMessage{Content: "1"})
	d.Add("b", InboundMessage{Content: "1"})
	d.Add("b", InboundMessage{Content: "2"})

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if seen["a"] != 1 {
		t.Fatalf("expected key a to flush 1 message, got %d", seen["a"])
	}
	if seen["b"] != 2 {
		t.Fatalf("expected key b to flush 2 messages, got %d", seen["b"])
	}
}

func TestInboundDebouncerFlushBypassesWindow(t *testing.T) {
	var mu sync.Mutex
	flushedAt := map[string]time.Time{}

	d := NewInboundDebouncer(5*time.Second, func(key string, msgs []InboundMessage) {
		mu.Lock()
		flushedAt[key] = time.Now()
		mu.Unlock()
	})

	d.Add("sess-1", InboundMessage{Content: "one"})
	d.Flush("sess-1")

	mu.Lock()
	defer mu.Unlock()
	if _, ok := flushedAt["sess-1"]; !ok {
		t.Fatalf("Flush did not fire the pending batch immediately")
	}
}

func TestInboundDebouncerFlushAllDrainsEveryKey(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}

	d := NewInboundDebouncer(5*time.Second, func(key string, msgs []InboundMessage) {
		mu.Lock()
		seen[key] = true
		mu.Unlock()
	})

	d.Add("a", InboundMessage{Content: "1"})
	d.Add("b", InboundMessage{Content: "1"})
	d.FlushAll()

	mu.Lock()
	defer mu.Unlock()
	if !seen["a"] || !seen["b"] {
		t.Fatalf("FlushAll did not drain every key: %+v", seen)
	}
}

func TestInboundDebouncerStopDropsWithoutFlushing(t *testing.T) {
	fired := false
	d := NewInboundDebouncer(20*time.Millisecond, func(key string, msgs []InboundMessage) {
		fired = true
	})

	d.Add("sess-1", InboundMessage{Content: "one"})
	d.Stop()

	time.Sleep(40 * time.Millisecond)
	if fired {
		t.Fatalf("Stop should discard pending batches without flushing")
	}
}
