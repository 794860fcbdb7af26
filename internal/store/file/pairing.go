package file

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/goclaw/internal/store"
)

// FilePairingStore is a JSON-file-backed store.PairingStore, persisted
// with the same atomic create-temp/write/sync/rename pattern used by the
// session and cron stores.
type FilePairingStore struct {
	path string
	mu   sync.Mutex
	data map[string]store.ChannelPairing // channel -> pairing state
}

// NewFilePairingStore loads (or initializes) the pairing store at path.
func NewFilePairingStore(path string) (*FilePairingStore, error) {
	s := &FilePairingStore{path: path, data: make(map[string]store.ChannelPairing)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FilePairingStore) load() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read pairing store: %w", err)
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return fmt.Errorf("parse pairing store: %w", err)
	}
	return nil
}

func (s *FilePairingStore) saveLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pairing store: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir pairing store dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".pairing-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp pairing store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write pairing store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync pairing store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close pairing store: %w", err)
	}
	return os.Rename(tmp.Name(), s.path)
}

func (s *FilePairingStore) entryLocked(channel string) store.ChannelPairing {
	e, ok := s.data[channel]
	if !ok {
		e = store.ChannelPairing{Pending: make(map[string]store.PendingPairing)}
	}
	if e.Pending == nil {
		e.Pending = make(map[string]store.PendingPairing)
	}
	return e
}

// RequestPairing returns the existing pending code for (channel, id) if
// one is already open, otherwise mints a fresh 8-char code.
func (s *FilePairingStore) RequestPairing(channel, id string, meta map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entryLocked(channel)
	if existing, ok := e.Pending[id]; ok {
		return existing.Code, nil
	}

	code, err := generateCode(8)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	e.Pending[id] = store.PendingPairing{Code: code, CreatedAt: time.Now(), Meta: meta}
	s.data[channel] = e
	if err := s.saveLocked(); err != nil {
		return "", err
	}
	return code, nil
}

// Approve redeems code for channel, adding the matching pending id to the
// allowlist and removing its pending entry.
func (s *FilePairingStore) Approve(channel, code string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entryLocked(channel)
	for id, p := range e.Pending {
		if p.Code == code {
			delete(e.Pending, id)
			if !contains(e.AllowFrom, id) {
				e.AllowFrom = append(e.AllowFrom, id)
			}
			s.data[channel] = e
			if err := s.saveLocked(); err != nil {
				return "", err
			}
			return id, nil
		}
	}
	return "", fmt.Errorf("pairing: no pending code %q for channel %q", code, channel)
}

func (s *FilePairingStore) Revoke(channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entryLocked(channel)
	out := e.AllowFrom[:0]
	for _, a := range e.AllowFrom {
		if a != id {
			out = append(out, a)
		}
	}
	e.AllowFrom = out
	s.data[channel] = e
	return s.saveLocked()
}

func (s *FilePairingStore) IsAllowed(channel, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.data[channel]
	if !ok {
		return false
	}
	return contains(e.AllowFrom, id) || contains(e.AllowFrom, "*")
}

func (s *FilePairingStore) List(channel string) store.ChannelPairing {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entryLocked(channel)
}

// PruneExpired removes pending codes older than ttl across all channels.
func (s *FilePairingStore) PruneExpired(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removed := 0
	for channel, e := range s.data {
		for id, p := range e.Pending {
			if now.Sub(p.CreatedAt) > ttl {
				delete(e.Pending, id)
				removed++
			}
		}
		s.data[channel] = e
	}
	if removed > 0 {
		s.saveLocked()
	}
	return removed
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no ambiguous chars (0/O, 1/I)

func generateCode(n int) (string, error) {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", err
		}
		sb.WriteByte(codeAlphabet[idx.Int64()])
	}
	return sb.String(), nil
}
