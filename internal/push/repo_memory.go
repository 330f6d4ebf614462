package push

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryTokenRepo is an in-memory token registry for tests and local runs.
type MemoryTokenRepo struct {
	mu     sync.Mutex
	byUser map[string]map[string]DeviceToken
	clock  func() time.Time
}

func NewMemoryTokenRepo() *MemoryTokenRepo {
	return &MemoryTokenRepo{byUser: make(map[string]map[string]DeviceToken), clock: time.Now}
}

func (r *MemoryTokenRepo) Save(ctx context.Context, tok DeviceToken) error {
	if tok.UserID == "" || tok.Token == "" {
		return errors.New("push: user_id and token required")
	}
	if tok.Platform != PlatformIOS && tok.Platform != PlatformAndroid {
		return errors.New("push: unknown platform")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	m := r.byUser[tok.UserID]
	if m == nil {
		m = make(map[string]DeviceToken)
		r.byUser[tok.UserID] = m
	}
	tok.UpdatedAt = r.clock().UTC()
	m[tok.Token] = tok
	return nil
}

func (r *MemoryTokenRepo) ListByUser(ctx context.Context, userID string) ([]DeviceToken, error) {
	if userID == "" {
		return nil, errors.New("push: user_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceToken, 0, len(r.byUser[userID]))
	for _, tok := range r.byUser[userID] {
		out = append(out, tok)
	}
	return out, nil
}

func (r *MemoryTokenRepo) Delete(ctx context.Context, userID, token string) error {
	if userID == "" || token == "" {
		return errors.New("push: user_id and token required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byUser[userID], token)
	return nil
}
