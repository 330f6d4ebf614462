package calllog

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryRepo is an in-memory call log for tests and single-device embedding.
type MemoryRepo struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{} }

func (r *MemoryRepo) Append(ctx context.Context, e Entry) error {
	if e.ID == "" {
		return errors.New("calllog: entry id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entries {
		if existing.ID == e.ID {
			return errors.New("calllog: duplicate entry id")
		}
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *MemoryRepo) ListByPeer(ctx context.Context, peerID string, from, to time.Time) ([]Entry, error) {
	if peerID == "" {
		return nil, errors.New("calllog: peer_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0)
	for _, e := range r.entries {
		if e.PeerID != peerID {
			continue
		}
		if e.EndedAt.Before(from) || !e.EndedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// All returns a copy of every entry. Test helper.
func (r *MemoryRepo) All() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
