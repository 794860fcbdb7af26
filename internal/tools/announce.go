package tools

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

// AnnounceQueueItem is one finished subagent result awaiting delivery back
// to the parent conversation.
type AnnounceQueueItem struct {
	SubagentID string
	Label      string
	Status     string
	Result     string
	Runtime    time.Duration
	Iterations int
}

// AnnounceMetadata carries the originating conversation's identity so a
// batched announce can be routed and attributed correctly.
type AnnounceMetadata struct {
	OriginChannel    string
	OriginChatID     string
	OriginPeerKind   string
	OriginUserID     string
	ParentAgent      string
	OriginTraceID    string
	OriginRootSpanID string
}

type announceBatch struct {
	items []AnnounceQueueItem
	meta  AnnounceMetadata
	timer *time.Timer
}

// AnnounceQueue batches subagent completions that land within a short debounce
// window into a single message, instead of interrupting the parent
// conversation once per subagent. Several subagents finishing within
// milliseconds of each other produce one combined announce.
type AnnounceQueue struct {
	mu       sync.Mutex
	debounce time.Duration
	batches  map[string]*announceBatch
	msgBus   *bus.MessageBus
}

// NewAnnounceQueue creates a queue that flushes each session's pending
// announces debounce after the last one was enqueued.
func NewAnnounceQueue(msgBus *bus.MessageBus, debounce time.Duration) *AnnounceQueue {
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	return &AnnounceQueue{
		debounce: debounce,
		batches:  make(map[string]*announceBatch),
		msgBus:   msgBus,
	}
}

// Enqueue adds item to sessionKey's pending batch, resetting its debounce
// timer. The batch flushes to the message bus once no item arrives within
// the debounce window.
func (q *AnnounceQueue) Enqueue(sessionKey string, item AnnounceQueueItem, meta AnnounceMetadata) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.batches[sessionKey]
	if !ok {
		b = &announceBatch{meta: meta}
		q.batches[sessionKey] = b
	}
	b.items = append(b.items, item)
	b.meta = meta

	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(q.debounce, func() { q.flush(sessionKey) })
}

func (q *AnnounceQueue) flush(sessionKey string) {
	q.mu.Lock()
	b, ok := q.batches[sessionKey]
	if !ok {
		q.mu.Unlock()
		return
	}
	delete(q.batches, sessionKey)
	q.mu.Unlock()

	if q.msgBus == nil || len(b.items) == 0 {
		return
	}

	content := FormatBatchedAnnounce(b.items, 0)
	q.msgBus.PublishInbound(bus.InboundMessage{
		Channel:  "system",
		SenderID: fmt.Sprintf("subagent-announce:%s", b.meta.ParentAgent),
		ChatID:   b.meta.OriginChatID,
		Content:  content,
		UserID:   b.meta.OriginUserID,
		Metadata: map[string]string{
			"origin_channel":      b.meta.OriginChannel,
			"origin_peer_kind":    b.meta.OriginPeerKind,
			"parent_agent":        b.meta.ParentAgent,
			"origin_trace_id":     b.meta.OriginTraceID,
			"origin_root_span_id": b.meta.OriginRootSpanID,
		},
	})
}

// FormatBatchedAnnounce renders one or more finished subagent results into a
// single system message the parent agent sees as its next turn.
// remainingActive, when nonzero, notes how many subagents are still running.
func FormatBatchedAnnounce(items []AnnounceQueueItem, remainingActive int) string {
	var b strings.Builder
	if len(items) == 1 {
		it := items[0]
		fmt.Fprintf(&b, "Subagent '%s' %s in %s (%d iterations).\n\nResult:\n%s",
			it.Label, it.Status, it.Runtime.Round(time.Millisecond), it.Iterations, it.Result)
	} else {
		fmt.Fprintf(&b, "%d subagents finished:\n", len(items))
		for _, it := range items {
			fmt.Fprintf(&b, "\n- '%s' %s in %s (%d iterations):\n%s\n",
				it.Label, it.Status, it.Runtime.Round(time.Millisecond), it.Iterations, it.Result)
		}
	}
	if remainingActive > 0 {
		fmt.Fprintf(&b, "\n\n(%d more subagent(s) still running.)", remainingActive)
	}
	return b.String()
}
