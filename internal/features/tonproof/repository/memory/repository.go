package memory

import (
	"context"
	"sync"
	"time"
)

type Repository struct {
	mu       sync.Mutex
	payloads map[string]time.Time
	now      func() time.Time
}

func NewRepository() *Repository {
	return &Repository{payloads: make(map[string]time.Time), now: time.Now}
}

func (r *Repository) Save(_ context.Context, payload string, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	// expired payloads are swept on write
	for p, exp := range r.payloads {
		if !now.Before(exp) {
			delete(r.payloads, p)
		}
	}
	r.payloads[payload] = now.Add(ttl)
	return nil
}

func (r *Repository) Consume(_ context.Context, payload string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exp, ok := r.payloads[payload]
	if !ok {
		return false, nil
	}
	delete(r.payloads, payload)
	return r.now().Before(exp), nil
}
