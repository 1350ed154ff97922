package settlement

import (
	"context"
	"time"

	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/features/claim/models"
)

const publishTimeout = 3 * time.Second

// Stream entry fields.
const (
	FieldClaimID = "claim_id"
	FieldWallet  = "wallet_address"
	FieldAmount  = "amount"
	FieldToken   = "token"
)

type Publisher interface {
	Publish(ctx context.Context, stream string, values map[string]interface{}) error
}

// Dispatcher puts committed claims on the settlement stream.
type Dispatcher struct {
	pub    Publisher
	stream string
}

func NewDispatcher(pub Publisher, stream string) *Dispatcher {
	return &Dispatcher{pub: pub, stream: stream}
}

// Enqueue publishes in the background so the claim response does not wait on
// Redis. A lost entry is picked up by the pending sweep.
func (d *Dispatcher) Enqueue(_ context.Context, rec *models.ClaimRecord) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := d.Publish(ctx, rec); err != nil {
			logger.Warn().Err(err).Str("claim_id", rec.ID).Msg("Failed to enqueue claim for settlement")
		}
	}()
}

func (d *Dispatcher) Publish(ctx context.Context, rec *models.ClaimRecord) error {
	return d.pub.Publish(ctx, d.stream, map[string]interface{}{
		FieldClaimID: rec.ID,
		FieldWallet:  rec.WalletAddress,
		FieldAmount:  rec.SettlementAmount.String(),
		FieldToken:   rec.SettlementToken,
	})
}
