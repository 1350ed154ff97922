package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"referral-ledger-backend/internal/features/session/models"
	"referral-ledger-backend/internal/features/session/repository"
)

type pairKey struct {
	wallet   string
	deviceID string
}

type Repository struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.Session
	active   map[pairKey]uuid.UUID
}

func NewRepository() *Repository {
	return &Repository{
		sessions: make(map[uuid.UUID]*models.Session),
		active:   make(map[pairKey]uuid.UUID),
	}
}

func (r *Repository) Create(_ context.Context, s *models.Session) (*models.Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := pairKey{wallet: s.WalletAddress, deviceID: s.DeviceID}
	if id, ok := r.active[key]; ok {
		cp := *r.sessions[id]
		return &cp, false, nil
	}
	cp := *s
	r.sessions[s.ID] = &cp
	r.active[key] = s.ID
	out := cp
	return &out, true, nil
}

func (r *Repository) Get(_ context.Context, id uuid.UUID) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (r *Repository) GetActive(_ context.Context, wallet, deviceID string) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.active[pairKey{wallet: wallet, deviceID: deviceID}]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	cp := *r.sessions[id]
	return &cp, nil
}

func (r *Repository) Touch(_ context.Context, id uuid.UUID, at time.Time) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.activeLocked(id)
	if err != nil {
		return nil, err
	}
	if at.After(s.LastActive) {
		s.LastActive = at
	}
	cp := *s
	return &cp, nil
}

func (r *Repository) Close(_ context.Context, id uuid.UUID, at time.Time) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.activeLocked(id)
	if err != nil {
		return nil, err
	}
	r.closeLocked(s, at)
	cp := *s
	return &cp, nil
}

func (r *Repository) CloseIdle(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, id := range r.active {
		s := r.sessions[id]
		if s.LastActive.Before(cutoff) {
			r.closeLocked(s, s.LastActive)
			n++
		}
	}
	return n, nil
}

func (r *Repository) activeLocked(id uuid.UUID) (*models.Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, repository.ErrSessionNotFound
	}
	if !s.Active {
		return nil, repository.ErrSessionClosed
	}
	return s, nil
}

func (r *Repository) closeLocked(s *models.Session, at time.Time) {
	end := at
	duration := int64(end.Sub(s.StartTime) / time.Second)
	s.Active = false
	s.EndTime = &end
	s.DurationSeconds = &duration
	delete(r.active, pairKey{wallet: s.WalletAddress, deviceID: s.DeviceID})
}
