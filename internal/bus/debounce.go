package bus

import (
	"sync"
	"time"
)

// InboundDebouncer coalesces rapid-fire inbound messages from the same
// conversation into a single flush, so a user sending three quick
// messages in a row produces one agent turn instead of three.
//
// Keying is by the caller-supplied coalesce key (typically the resolved
// SessionKey); each new message for a key resets that key's timer rather
// than scheduling an additional flush.
type InboundDebouncer struct {
	mu       sync.Mutex
	window   time.Duration
	flush    func(key string, msgs []InboundMessage)
	pending  map[string][]InboundMessage
	timers   map[string]*time.Timer
}

// NewInboundDebouncer creates a debouncer that batches messages sharing a
// key for window, then calls flush with the accumulated batch in arrival
// order. When a key's window expires, flush runs on that key's timer
// goroutine; Flush and FlushAll call it on the caller's goroutine.
func NewInboundDebouncer(window time.Duration, flush func(key string, msgs []InboundMessage)) *InboundDebouncer {
	return &InboundDebouncer{
		window:  window,
		flush:   flush,
		pending: make(map[string][]InboundMessage),
		timers:  make(map[string]*time.Timer),
	}
}

// Add enqueues msg under key, (re)starting the debounce timer for key.
func (d *InboundDebouncer) Add(key string, msg InboundMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pending[key] = append(d.pending[key], msg)

	if t, ok := d.timers[key]; ok {
		t.Stop()
	}
	d.timers[key] = time.AfterFunc(d.window, func() { d.fire(key) })
}

func (d *InboundDebouncer) fire(key string) {
	d.mu.Lock()
	batch := d.pending[key]
	delete(d.pending, key)
	delete(d.timers, key)
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	d.flush(key, batch)
}

// Flush immediately fires the pending batch for key, if any, bypassing
// the remaining window. Used on shutdown to avoid dropping in-flight
// messages.
func (d *InboundDebouncer) Flush(key string) {
	d.mu.Lock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
	batch := d.pending[key]
	delete(d.pending, key)
	d.mu.Unlock()

	if len(batch) > 0 {
		d.flush(key, batch)
	}
}

// FlushAll fires every pending key's batch, for graceful shutdown.
func (d *InboundDebouncer) FlushAll() {
	d.mu.Lock()
	keys := make([]string, 0, len(d.pending))
	for k := range d.pending {
		keys = append(keys, k)
	}
	d.mu.Unlock()

	for _, k := range keys {
		d.Flush(k)
	}
}

// Stop cancels all pending timers without flushing. Used when the process
// is aborting rather than shutting down gracefully.
func (d *InboundDebouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, t := range d.timers {
		t.Stop()
	}
	d.pending = make(map[string][]InboundMessage)
	d.timers = make(map[string]*time.Timer)
}
