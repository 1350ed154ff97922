package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrPermanent marks a settlement that will never succeed on retry, e.g. a
// destination the settler cannot pay to.
var ErrPermanent = errors.New("permanent settlement failure")

// ErrNotSent marks a failure before anything was broadcast. Only such orders
// may be sent again; any other error leaves the transfer's outcome unknown.
var ErrNotSent = errors.New("settlement not sent")

// Order is one payout request built from a committed claim.
type Order struct {
	ClaimID       string
	WalletAddress string
	Amount        decimal.Decimal
	Token         string
}

// Settler performs the transfer and returns its transaction hash.
type Settler interface {
	Settle(ctx context.Context, order Order) (string, error)
}

// Reconciler finds a transfer already made for an order, for when Settle
// failed after broadcasting.
type Reconciler interface {
	Lookup(ctx context.Context, order Order) (txHash string, found bool, err error)
}

// NoopSettler marks every order settled without moving funds. Used when
// on-chain settlement is disabled.
type NoopSettler struct{}

func (NoopSettler) Settle(_ context.Context, order Order) (string, error) {
	return fmt.Sprintf("noop:%s", order.ClaimID), nil
}

func permanent(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrPermanent, fmt.Sprintf(format, args...))
}

func notSent(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrNotSent, err)
}
