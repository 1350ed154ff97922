package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"referral-ledger-backend/internal/features/referral/models"
	"referral-ledger-backend/internal/features/referral/repository"
)

type Repository struct {
	mu            sync.RWMutex
	codes         map[string]*models.ReferralCode
	codeByWallet  map[string]string
	relationships map[uuid.UUID]*models.Relationship
	// active (not rejected) relationship per referred wallet
	activeByReferred map[string]uuid.UUID
}

func NewRepository() *Repository {
	return &Repository{
		codes:            make(map[string]*models.ReferralCode),
		codeByWallet:     make(map[string]string),
		relationships:    make(map[uuid.UUID]*models.Relationship),
		activeByReferred: make(map[string]uuid.UUID),
	}
}

func (r *Repository) CreateCode(_ context.Context, code *models.ReferralCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.codes[code.Code]; ok {
		return repository.ErrCodeTaken
	}
	if _, ok := r.codeByWallet[code.WalletAddress]; ok {
		return repository.ErrCodeTaken
	}
	cp := *code
	r.codes[code.Code] = &cp
	r.codeByWallet[code.WalletAddress] = code.Code
	return nil
}

func (r *Repository) GetCode(_ context.Context, code string) (*models.ReferralCode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.codes[code]
	if !ok {
		return nil, repository.ErrCodeNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *Repository) GetCodeByWallet(ctx context.Context, wallet string) (*models.ReferralCode, error) {
	r.mu.RLock()
	code, ok := r.codeByWallet[wallet]
	r.mu.RUnlock()
	if !ok {
		return nil, repository.ErrCodeNotFound
	}
	return r.GetCode(ctx, code)
}

func (r *Repository) SetCodeActive(_ context.Context, code string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.codes[code]
	if !ok {
		return repository.ErrCodeNotFound
	}
	c.Active = active
	return nil
}

func (r *Repository) CreateRelationship(_ context.Context, rel *models.Relationship) (*models.Relationship, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.activeByReferred[rel.ReferredWallet]; ok {
		cp := *r.relationships[id]
		return &cp, false, nil
	}
	cp := *rel
	r.relationships[rel.ID] = &cp
	if rel.Status != models.StatusRejected {
		r.activeByReferred[rel.ReferredWallet] = rel.ID
	}
	out := cp
	return &out, true, nil
}

func (r *Repository) GetRelationship(_ context.Context, id uuid.UUID) (*models.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rel, ok := r.relationships[id]
	if !ok {
		return nil, repository.ErrRelationshipNotFound
	}
	cp := *rel
	return &cp, nil
}

func (r *Repository) GetActiveByReferred(_ context.Context, referredWallet string) (*models.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.activeByReferred[referredWallet]
	if !ok {
		return nil, repository.ErrRelationshipNotFound
	}
	cp := *r.relationships[id]
	return &cp, nil
}

func (r *Repository) ListByReferrer(_ context.Context, referrerWallet string) ([]*models.Relationship, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.Relationship
	for _, rel := range r.relationships {
		if rel.ReferrerWallet == referrerWallet {
			cp := *rel
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repository) TransitionStatus(_ context.Context, id uuid.UUID, from []models.Status, to models.Status, at time.Time) (*models.Relationship, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rel, ok := r.relationships[id]
	if !ok {
		return nil, repository.ErrRelationshipNotFound
	}
	allowed := false
	for _, s := range from {
		if rel.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, repository.ErrStatusConflict
	}

	rel.Status = to
	reviewed := at
	rel.ReviewedAt = &reviewed
	if to == models.StatusValidated {
		validated := at
		rel.ValidatedAt = &validated
	}
	if to == models.StatusRejected && r.activeByReferred[rel.ReferredWallet] == id {
		delete(r.activeByReferred, rel.ReferredWallet)
	}
	cp := *rel
	return &cp, nil
}

func (r *Repository) CountValidated(_ context.Context, referrerWallet string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, rel := range r.relationships {
		if rel.ReferrerWallet == referrerWallet && rel.Status == models.StatusValidated {
			n++
		}
	}
	return n, nil
}

func (r *Repository) ListReferrersWithValidated(_ context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rel := range r.relationships {
		if rel.Status == models.StatusValidated {
			seen[rel.ReferrerWallet] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out, nil
}
