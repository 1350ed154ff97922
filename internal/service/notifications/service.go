package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"referral-ledger-backend/internal/common/config"
	"referral-ledger-backend/internal/common/logger"
)

// Template kinds understood by the mail worker.
const (
	KindReferralValidated = "referral_validated"
	KindClaimCreated      = "claim_created"
	KindClaimSettled      = "claim_settled"
)

// Recipient is where a notification goes. Zero fields are skipped.
type Recipient struct {
	Email      string
	TelegramID int64
}

// To builds a recipient from optional identity contact fields.
func To(email *string, telegramID *int64) Recipient {
	var r Recipient
	if email != nil {
		r.Email = *email
	}
	if telegramID != nil {
		r.TelegramID = *telegramID
	}
	return r
}

func (r Recipient) Empty() bool {
	return r.Email == "" && r.TelegramID == 0
}

// Publisher appends an entry to a stream. Satisfied by the redis platform client.
type Publisher interface {
	Publish(ctx context.Context, stream string, values map[string]interface{}) error
}

// Messenger sends a direct message. Satisfied by the telegram client.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// Service hands email notifications to the mail worker through a Redis
// stream and sends Telegram messages directly. Delivery is fire-and-forget:
// failures are logged and never surface.
type Service struct {
	pub       Publisher
	messenger Messenger
	stream    string
	timeout   time.Duration
}

// NewService accepts nil for either channel.
func NewService(pub Publisher, messenger Messenger, cfg config.NotificationsConfig) *Service {
	return &Service{pub: pub, messenger: messenger, stream: cfg.Stream, timeout: cfg.Timeout}
}

// Notify returns immediately. A nil service is a no-op.
func (s *Service) Notify(to Recipient, kind string, payload map[string]any) {
	if s == nil {
		return
	}
	if s.pub != nil && to.Email != "" {
		go s.publish(to.Email, kind, payload)
	}
	if s.messenger != nil && to.TelegramID != 0 {
		go s.message(to.TelegramID, kind, payload)
	}
}

func (s *Service) deadline() (context.Context, context.CancelFunc) {
	timeout := s.timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

func (s *Service) publish(email, kind string, payload map[string]any) {
	ctx, cancel := s.deadline()
	defer cancel()

	body, err := json.Marshal(payload)
	if err != nil {
		logger.Warn().Err(err).Str("kind", kind).Msg("Failed to encode notification payload")
		return
	}
	err = s.pub.Publish(ctx, s.stream, map[string]interface{}{
		"email":   email,
		"kind":    kind,
		"payload": string(body),
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		logger.Warn().Err(err).Str("kind", kind).Str("stream", s.stream).Msg("Failed to publish notification")
		return
	}
	logger.Debug().Str("kind", kind).Msg("Notification queued")
}

func (s *Service) message(chatID int64, kind string, payload map[string]any) {
	text := Render(kind, payload)
	if text == "" {
		return
	}
	ctx, cancel := s.deadline()
	defer cancel()

	if err := s.messenger.SendMessage(ctx, chatID, text); err != nil {
		logger.Warn().Err(err).Str("kind", kind).Int64("telegram_id", chatID).Msg("Failed to send Telegram notification")
		return
	}
	logger.Debug().Str("kind", kind).Msg("Telegram notification sent")
}

// Render produces the Telegram text for kind. Unknown kinds render empty.
func Render(kind string, payload map[string]any) string {
	switch kind {
	case KindReferralValidated:
		text := fmt.Sprintf("New referral confirmed: %v.", payload["referred_wallet"])
		if total, ok := payload["total_accrued"]; ok {
			text += fmt.Sprintf(" Total rewards: %v.", total)
		}
		return text
	case KindClaimCreated:
		return fmt.Sprintf("Claim of %v accepted, paying out %v %v.",
			payload["amount"], payload["settlement_amount"], payload["settlement_token"])
	case KindClaimSettled:
		return fmt.Sprintf("Claim %v paid out. Transaction: %v", payload["claim_id"], payload["transaction_hash"])
	default:
		return ""
	}
}
