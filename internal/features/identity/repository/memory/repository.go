package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"referral-ledger-backend/internal/features/identity/models"
	"referral-ledger-backend/internal/features/identity/repository"
)

type linkKey struct {
	wallet   string
	deviceID string
}

// Repository keeps identities in process memory. Transactions hold a single
// store-wide lock and undo their writes when fn fails.
type Repository struct {
	mu         sync.Mutex
	identities map[string]*models.Identity
	devices    map[string]*models.Device
	links      map[linkKey]*models.DeviceLink
}

func NewRepository() *Repository {
	return &Repository{
		identities: make(map[string]*models.Identity),
		devices:    make(map[string]*models.Device),
		links:      make(map[linkKey]*models.DeviceLink),
	}
}

type tx struct {
	r    *Repository
	undo []func()
}

func (r *Repository) WithinTx(ctx context.Context, wallet string, fn func(tx repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	t := &tx{r: r}
	if err := fn(t); err != nil {
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
		return err
	}
	return nil
}

func (t *tx) GetIdentity(_ context.Context, wallet string) (*models.Identity, error) {
	ident, ok := t.r.identities[wallet]
	if !ok {
		return nil, repository.ErrIdentityNotFound
	}
	cp := *ident
	return &cp, nil
}

func (t *tx) CreateIdentity(_ context.Context, identity *models.Identity) error {
	cp := *identity
	cp.Devices = nil
	t.r.identities[identity.WalletAddress] = &cp
	t.undo = append(t.undo, func() { delete(t.r.identities, identity.WalletAddress) })
	return nil
}

func (t *tx) TouchIdentity(_ context.Context, wallet string, at time.Time) error {
	ident, ok := t.r.identities[wallet]
	if !ok {
		return repository.ErrIdentityNotFound
	}
	prev := ident.LastSeenAt
	ident.LastSeenAt = at
	t.undo = append(t.undo, func() { ident.LastSeenAt = prev })
	return nil
}

func (t *tx) UpsertDevice(_ context.Context, device *models.Device) error {
	if existing, ok := t.r.devices[device.DeviceID]; ok {
		prev := *existing
		if device.HardwareFingerprint != "" {
			existing.HardwareFingerprint = device.HardwareFingerprint
		}
		if device.UserAgent != "" {
			existing.UserAgent = device.UserAgent
		}
		if device.LastIP != "" {
			existing.LastIP = device.LastIP
		}
		existing.LastSeenAt = device.LastSeenAt
		t.undo = append(t.undo, func() { *existing = prev })
		return nil
	}
	cp := *device
	t.r.devices[device.DeviceID] = &cp
	t.undo = append(t.undo, func() { delete(t.r.devices, device.DeviceID) })
	return nil
}

func (t *tx) LinkedDevices(_ context.Context, wallet string) ([]models.DeviceLink, error) {
	return t.r.linkedDevices(wallet), nil
}

func (t *tx) OtherWalletCount(_ context.Context, deviceID, wallet string) (int, error) {
	n := 0
	for k := range t.r.links {
		if k.deviceID == deviceID && k.wallet != wallet {
			n++
		}
	}
	return n, nil
}

func (t *tx) Link(_ context.Context, link models.DeviceLink) error {
	key := linkKey{wallet: link.WalletAddress, deviceID: link.DeviceID}
	cp := link
	t.r.links[key] = &cp
	t.undo = append(t.undo, func() { delete(t.r.links, key) })
	return nil
}

func (t *tx) TouchLink(_ context.Context, wallet, deviceID string, at time.Time) error {
	l, ok := t.r.links[linkKey{wallet: wallet, deviceID: deviceID}]
	if !ok {
		return repository.ErrLinkNotFound
	}
	prev := l.LastSeenAt
	l.LastSeenAt = at
	t.undo = append(t.undo, func() { l.LastSeenAt = prev })
	return nil
}

func (r *Repository) Get(_ context.Context, wallet string) (*models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, ok := r.identities[wallet]
	if !ok {
		return nil, repository.ErrIdentityNotFound
	}
	cp := *ident
	cp.Devices = r.linkedDevices(wallet)
	return &cp, nil
}

func (r *Repository) GetByTelegramID(_ context.Context, telegramID int64) (*models.Identity, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for wallet, ident := range r.identities {
		if ident.TelegramID != nil && *ident.TelegramID == telegramID {
			cp := *ident
			cp.Devices = r.linkedDevices(wallet)
			return &cp, nil
		}
	}
	return nil, repository.ErrIdentityNotFound
}

func (r *Repository) LinkedDevices(_ context.Context, wallet string) ([]models.DeviceLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.linkedDevices(wallet), nil
}

func (r *Repository) LinksForDevice(_ context.Context, deviceID string, since time.Time) ([]models.DeviceLink, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.DeviceLink
	for k, l := range r.links {
		if k.deviceID == deviceID && !l.LastSeenAt.Before(since) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkedAt.Before(out[j].LinkedAt) })
	return out, nil
}

func (r *Repository) Unlink(_ context.Context, wallet, deviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := linkKey{wallet: wallet, deviceID: deviceID}
	if _, ok := r.links[key]; !ok {
		return repository.ErrLinkNotFound
	}
	delete(r.links, key)
	return nil
}

func (r *Repository) SetActive(_ context.Context, wallet string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, ok := r.identities[wallet]
	if !ok {
		return repository.ErrIdentityNotFound
	}
	ident.Active = active
	return nil
}

func (r *Repository) SetEmail(_ context.Context, wallet, email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, ok := r.identities[wallet]
	if !ok {
		return repository.ErrIdentityNotFound
	}
	ident.Email = &email
	return nil
}

func (r *Repository) BindTelegram(_ context.Context, wallet string, telegramID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ident, ok := r.identities[wallet]
	if !ok {
		return repository.ErrIdentityNotFound
	}
	for w, other := range r.identities {
		if w != wallet && other.TelegramID != nil && *other.TelegramID == telegramID {
			return repository.ErrTelegramBound
		}
	}
	id := telegramID
	ident.TelegramID = &id
	return nil
}

// linkedDevices expects r.mu to be held.
func (r *Repository) linkedDevices(wallet string) []models.DeviceLink {
	var out []models.DeviceLink
	for k, l := range r.links {
		if k.wallet == wallet {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LinkedAt.Before(out[j].LinkedAt) })
	return out
}
