package store

import "time"

// PendingPairing is an unredeemed pairing code offered to an unknown sender.
type PendingPairing struct {
	Code      string            `json:"code"`
	CreatedAt time.Time         `json:"createdAt"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// ChannelPairing holds one channel's allowlist and pending codes, matching
// the on-disk shape `{<channel>: {allowFrom:[...], pending:{<id>:{...}}}}`.
type ChannelPairing struct {
	AllowFrom []string                   `json:"allowFrom"`
	Pending   map[string]PendingPairing `json:"pending"`
}

// PairingStore manages per-channel allowlists and pending pairing codes.
type PairingStore interface {
	// RequestPairing creates (or returns the existing) pending code for
	// (channel, id). At most one open code exists per (channel, id).
	RequestPairing(channel, id string, meta map[string]string) (code string, err error)
	// Approve redeems code for channel, adding the id it was issued to to
	// the channel's allowlist, removing the pending entry, and returning id.
	Approve(channel, code string) (id string, err error)
	// Revoke removes id from the channel's allowlist.
	Revoke(channel, id string) error
	// IsAllowed reports whether id is on the channel's allowlist.
	IsAllowed(channel, id string) bool
	// List returns the allowlist and pending codes for a channel.
	List(channel string) ChannelPairing
	// PruneExpired removes pending codes older than ttl, across all channels.
	PruneExpired(ttl time.Duration) int
}
