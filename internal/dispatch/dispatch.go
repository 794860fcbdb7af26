// Package dispatch implements the Reply Dispatcher: it takes a raw agent
// reply and turns it into zero or more ordered, channel-sized outbound
// messages, applying reply-threading, renderability filtering,
// reasoning-suppression, and messaging-tool dedupe along the way.
package dispatch

import (
	"context"
	"regexp"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/goclaw/internal/agent"
	"github.com/nextlevelbuilder/goclaw/internal/bus"
)

// defaultChunkLimit is used when a channel has no configured limit.
const defaultChunkLimit = 4000

// replyToTag matches a leading "[[reply-to:<id>]]" directive the agent
// can emit to thread its reply under a specific inbound message.
var replyToTag = regexp.MustCompile(`^\[\[reply-to:([^\]]+)\]\]\s*`)

// SendFunc delivers one chunk to a channel/chatID, returning an error if
// delivery failed (the dispatcher does not retry; callers that need
// retry wrap SendFunc themselves).
type SendFunc func(ctx context.Context, channel, chatID, text string, replyToID string) error

// ChunkLimitFunc resolves the max characters per message for a channel.
type ChunkLimitFunc func(channel string) int

// Dispatcher serializes and formats outbound replies per session, so two
// concurrent runs for the same chat never interleave their chunks.
type Dispatcher struct {
	send       SendFunc
	chunkLimit ChunkLimitFunc
	dedupe     *bus.DedupeCache

	mu    sync.Mutex
	locks map[string]*sync.Mutex // sessionKey -> ordering lock
}

// New builds a Dispatcher. dedupe, if non-nil, is consulted (and
// populated) to suppress re-sending text the messaging tool already sent
// for this turn.
func New(send SendFunc, chunkLimit ChunkLimitFunc, dedupe *bus.DedupeCache) *Dispatcher {
	return &Dispatcher{send: send, chunkLimit: chunkLimit, dedupe: dedupe, locks: make(map[string]*sync.Mutex)}
}

func (d *Dispatcher) lockFor(sessionKey string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[sessionKey]
	if !ok {
		l = &sync.Mutex{}
		d.locks[sessionKey] = l
	}
	return l
}

// Dispatch delivers one agent run's reply to channel/chatID, in order,
// chunked to the channel's limit. Returns the number of chunks sent.
func (d *Dispatcher) Dispatch(ctx context.Context, sessionKey, channel, chatID string, result *agent.RunResult) (int, error) {
	lock := d.lockFor(sessionKey)
	lock.Lock()
	defer lock.Unlock()

	text, replyToID := extractReplyTo(result.Content)
	text = strings.TrimSpace(text)

	if !isRenderable(text) {
		return 0, nil
	}
	if agent.IsSilentReply(text) {
		return 0, nil
	}

	if d.dedupe != nil && d.dedupe.Seen(sessionKey+"|"+text) {
		return 0, nil
	}

	limit := defaultChunkLimit
	if d.chunkLimit != nil {
		if l := d.chunkLimit(channel); l > 0 {
			limit = l
		}
	}

	chunks := chunkText(text, limit)
	for _, chunk := range chunks {
		if err := d.send(ctx, channel, chatID, chunk, replyToID); err != nil {
			return 0, err
		}
	}
	return len(chunks), nil
}

// extractReplyTo strips a leading [[reply-to:<id>]] directive, returning
// the remaining text and the referenced message id (empty if absent).
func extractReplyTo(text string) (string, string) {
	m := replyToTag.FindStringSubmatch(text)
	if m == nil {
		return text, ""
	}
	return replyToTag.ReplaceAllString(text, ""), m[1]
}

// isRenderable rejects empty replies and bare reasoning/thinking traces
// that should never reach a chat surface.
func isRenderable(text string) bool {
	if text == "" {
		return false
	}
	if strings.HasPrefix(text, "<thinking>") && strings.HasSuffix(text, "</thinking>") {
		return false
	}
	return true
}

// chunkText splits text into pieces of at most limit bytes. Each cut is at
// the last paragraph break, else the last space, in the second half of the
// window; a window with neither is cut at exactly limit bytes, which can
// split a word.
func chunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		cut := limit
		if idx := strings.LastIndex(remaining[:limit], "\n\n"); idx > limit/2 {
			cut = idx
		} else if idx := strings.LastIndex(remaining[:limit], " "); idx > limit/2 {
			cut = idx
		}
		chunks = append(chunks, strings.TrimSpace(remaining[:cut]))
		remaining = strings.TrimSpace(remaining[cut:])
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}
