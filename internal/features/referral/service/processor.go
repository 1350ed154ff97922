package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"referral-ledger-backend/internal/common/config"
	apperrors "referral-ledger-backend/internal/common/errors"
	"referral-ledger-backend/internal/common/logger"
	"referral-ledger-backend/internal/common/metrics"
	"referral-ledger-backend/internal/common/retry"
	"referral-ledger-backend/internal/common/validation"
	fraudmodels "referral-ledger-backend/internal/features/fraud/models"
	identitymodels "referral-ledger-backend/internal/features/identity/models"
	"referral-ledger-backend/internal/features/ratelimit"
	"referral-ledger-backend/internal/features/referral/models"
	"referral-ledger-backend/internal/features/referral/repository"
	rewardmodels "referral-ledger-backend/internal/features/reward/models"
	"referral-ledger-backend/internal/service/notifications"
)

const codeLength = 8

// IdentityResolver is the part of the identity feature the processor needs.
type IdentityResolver interface {
	Normalize(address string) (string, validation.WalletType, error)
	Resolve(ctx context.Context, address string, device identitymodels.DeviceInfo) (*identitymodels.Identity, error)
	Get(ctx context.Context, address string) (*identitymodels.Identity, error)
}

type FraudAssessor interface {
	Assess(ctx context.Context, referrer, referred string, device identitymodels.DeviceInfo) (fraudmodels.Assessment, error)
}

type RewardRecomputer interface {
	Recompute(ctx context.Context, wallet string) (*rewardmodels.RewardBalance, error)
}

type Notifier interface {
	Notify(to notifications.Recipient, kind string, payload map[string]any)
}

type Processor struct {
	repo       repository.ReferralRepository
	identities IdentityResolver
	fraud      FraudAssessor
	rewards    RewardRecomputer
	notifier   Notifier
	limiter    ratelimit.Limiter
	limits     config.RateLimitConfig
	retry      retry.Policy
	now        func() time.Time
}

func NewProcessor(
	repo repository.ReferralRepository,
	identities IdentityResolver,
	fraud FraudAssessor,
	rewards RewardRecomputer,
	notifier Notifier,
	limiter ratelimit.Limiter,
	limits config.RateLimitConfig,
	retryPolicy retry.Policy,
) *Processor {
	return &Processor{
		repo:       repo,
		identities: identities,
		fraud:      fraud,
		rewards:    rewards,
		notifier:   notifier,
		limiter:    limiter,
		limits:     limits,
		retry:      retryPolicy,
		now:        time.Now,
	}
}

// IssueCode returns the wallet's referral code, creating one on first call.
func (p *Processor) IssueCode(ctx context.Context, address string) (*models.ReferralCode, error) {
	ident, err := p.identities.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	if !ident.Active {
		return nil, apperrors.NewForbiddenError("identity is deactivated")
	}

	for attempt := 0; attempt < 3; attempt++ {
		existing, err := p.repo.GetCodeByWallet(ctx, ident.WalletAddress)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, repository.ErrCodeNotFound) {
			return nil, p.mapError(err)
		}

		code := &models.ReferralCode{
			Code:          newCode(),
			WalletAddress: ident.WalletAddress,
			Active:        true,
			CreatedAt:     p.now().UTC(),
		}
		err = p.repo.CreateCode(ctx, code)
		if err == nil {
			logger.Info().Str("wallet_address", code.WalletAddress).Str("code", code.Code).Msg("Referral code issued")
			return code, nil
		}
		if !errors.Is(err, repository.ErrCodeTaken) {
			return nil, p.mapError(err)
		}
		// either a race on the same wallet or a code collision: reread
	}
	return nil, apperrors.NewPersistenceConflictError("referral.issue_code", repository.ErrCodeTaken)
}

func newCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:codeLength]
}

func (p *Processor) DeactivateCode(ctx context.Context, code string) error {
	code = validation.NormalizeReferralCode(code)
	if err := p.repo.SetCodeActive(ctx, code, false); err != nil {
		return p.mapError(err)
	}
	return nil
}

func (p *Processor) GetCode(ctx context.Context, code string) (*models.ReferralCode, error) {
	rc, err := p.repo.GetCode(ctx, validation.NormalizeReferralCode(code))
	if err != nil {
		return nil, p.mapError(err)
	}
	return rc, nil
}

// ProcessReferral redeems code for referredAddress seen on device.
//
// A referred wallet holds at most one non-rejected relationship. Resubmitting
// the same pair returns the stored row with OutcomeDuplicate; a different
// referrer fails with DuplicateReferral. A score at or above the threshold
// stores the row as suspicious, which earns nothing until reviewed.
func (p *Processor) ProcessReferral(ctx context.Context, code, referredAddress string, device identitymodels.DeviceInfo) (*models.ProcessResult, error) {
	code = validation.NormalizeReferralCode(code)
	if err := validation.ValidateReferralCode(code); err != nil {
		return nil, apperrors.NewInvalidReferralCodeError(code, err.Error())
	}
	referred, _, err := p.identities.Normalize(referredAddress)
	if err != nil {
		return nil, err
	}

	rc, err := p.repo.GetCode(ctx, code)
	if errors.Is(err, repository.ErrCodeNotFound) {
		return nil, apperrors.NewInvalidReferralCodeError(code, "unknown code")
	}
	if err != nil {
		return nil, p.mapError(err)
	}
	if !rc.Active {
		return nil, apperrors.NewInvalidReferralCodeError(code, "code is inactive")
	}
	referrer, err := p.identities.Get(ctx, rc.WalletAddress)
	if err != nil {
		return nil, err
	}
	if !referrer.Active {
		return nil, apperrors.NewInvalidReferralCodeError(code, "referrer is inactive")
	}

	// a resubmission does not spend velocity limits
	if existing, err := p.repo.GetActiveByReferred(ctx, referred); err == nil {
		return p.duplicate(existing, referrer.WalletAddress)
	} else if !errors.Is(err, repository.ErrRelationshipNotFound) {
		return nil, p.mapError(err)
	}

	if err := p.checkVelocity(ctx, device); err != nil {
		return nil, err
	}

	referredIdent, err := p.identities.Resolve(ctx, referred, device)
	if err != nil {
		return nil, err
	}
	if !referredIdent.Active {
		return nil, apperrors.NewForbiddenError("referred identity is deactivated")
	}

	result, err := retry.Do(ctx, p.retry, "referral.process", func(ctx context.Context) (*models.ProcessResult, error) {
		return p.insert(ctx, rc, referrer.WalletAddress, referred, device)
	})
	if err != nil {
		return nil, err
	}
	if result.Outcome == models.OutcomeDuplicate {
		return result, nil
	}

	rel := result.Relationship
	metrics.ReferralsProcessed.WithLabelValues(string(rel.Status)).Inc()
	switch rel.Status {
	case models.StatusValidated:
		p.afterValidated(ctx, rel, referrer)
	case models.StatusSuspicious:
		logger.Warn().
			Str("referrer_wallet", rel.ReferrerWallet).
			Str("referred_wallet", rel.ReferredWallet).
			Str("device_id", rel.DeviceID).
			Float64("fraud_score", rel.FraudScore).
			Msg("Referral held for review")
	}
	return result, nil
}

func (p *Processor) checkVelocity(ctx context.Context, device identitymodels.DeviceInfo) error {
	if device.IP != "" {
		_, err := retry.Do(ctx, p.retry, "referral.ratelimit_ip", func(ctx context.Context) (ratelimit.Counter, error) {
			return ratelimit.Allow(ctx, p.limiter, ratelimit.ActionReferralIP, device.IP, p.limits.ReferralPerIP, p.limits.ReferralWindow)
		})
		if err != nil {
			return err
		}
	}
	_, err := retry.Do(ctx, p.retry, "referral.ratelimit_device", func(ctx context.Context) (ratelimit.Counter, error) {
		return ratelimit.Allow(ctx, p.limiter, ratelimit.ActionReferralDevice, device.DeviceID, p.limits.ReferralPerDevice, p.limits.ReferralWindow)
	})
	return err
}

// insert scores the attempt and writes the relationship in its final status.
func (p *Processor) insert(ctx context.Context, rc *models.ReferralCode, referrer, referred string, device identitymodels.DeviceInfo) (*models.ProcessResult, error) {
	assessment, err := p.fraud.Assess(ctx, referrer, referred, device)
	if err != nil {
		return nil, apperrors.NewInternalError("referral.assess", err)
	}

	now := p.now().UTC()
	rel := &models.Relationship{
		ID:             uuid.New(),
		ReferrerWallet: referrer,
		ReferredWallet: referred,
		ReferralCode:   rc.Code,
		DeviceID:       device.DeviceID,
		Status:         models.StatusValidated,
		FraudScore:     assessment.Score,
		Signals:        assessment.Signals,
		CreatedAt:      now,
	}
	if assessment.Suspicious {
		rel.Status = models.StatusSuspicious
	} else {
		rel.ValidatedAt = &now
	}

	stored, created, err := p.repo.CreateRelationship(ctx, rel)
	if err != nil {
		return nil, p.mapError(err)
	}
	if !created {
		return p.duplicate(stored, referrer)
	}
	res := &models.ProcessResult{Relationship: stored, Outcome: models.OutcomeCreated}
	if stored.Status == models.StatusSuspicious {
		reason := models.ReasonSuspicious
		res.Reason = &reason
	}
	return res, nil
}

func (p *Processor) duplicate(existing *models.Relationship, referrer string) (*models.ProcessResult, error) {
	if existing.ReferrerWallet != referrer {
		return nil, apperrors.NewDuplicateReferralError(existing.ReferredWallet, existing.ReferrerWallet)
	}
	metrics.ReferralsProcessed.WithLabelValues("duplicate").Inc()
	reason := models.ReasonDuplicate
	return &models.ProcessResult{Relationship: existing, Outcome: models.OutcomeDuplicate, Reason: &reason}, nil
}

// afterValidated recomputes the referrer's reward and notifies. Neither
// failure undoes the referral: reconciliation repairs a missed recompute.
func (p *Processor) afterValidated(ctx context.Context, rel *models.Relationship, referrer *identitymodels.Identity) {
	balance, err := p.rewards.Recompute(ctx, rel.ReferrerWallet)
	if err != nil {
		logger.Warn().Err(err).Str("referrer_wallet", rel.ReferrerWallet).Msg("Reward recompute after referral failed")
	}
	to := notifications.To(referrer.Email, referrer.TelegramID)
	if to.Empty() || p.notifier == nil {
		return
	}
	payload := map[string]any{
		"referred_wallet": rel.ReferredWallet,
		"referral_id":     rel.ID.String(),
	}
	if balance != nil {
		payload["tier_level"] = balance.TierLevel
		payload["total_accrued"] = balance.TotalAccrued.String()
	}
	p.notifier.Notify(to, notifications.KindReferralValidated, payload)
}

// ReviewReferral settles a suspicious relationship exactly once.
func (p *Processor) ReviewReferral(ctx context.Context, id uuid.UUID, approve bool) (*models.Relationship, error) {
	to := models.StatusRejected
	if approve {
		to = models.StatusValidated
	}
	rel, err := p.repo.TransitionStatus(ctx, id,
		[]models.Status{models.StatusSuspicious, models.StatusPending}, to, p.now().UTC())
	if err != nil {
		return nil, p.mapError(err)
	}
	metrics.ReferralsProcessed.WithLabelValues(string(rel.Status)).Inc()
	logger.Info().
		Str("referral_id", id.String()).
		Str("status", string(rel.Status)).
		Msg("Referral reviewed")

	if approve {
		referrer, err := p.identities.Get(ctx, rel.ReferrerWallet)
		if err != nil {
			logger.Warn().Err(err).Str("referrer_wallet", rel.ReferrerWallet).Msg("Referrer lookup after review failed")
			referrer = &identitymodels.Identity{WalletAddress: rel.ReferrerWallet}
		}
		p.afterValidated(ctx, rel, referrer)
	}
	return rel, nil
}

func (p *Processor) ListByReferrer(ctx context.Context, address string) ([]*models.Relationship, error) {
	wallet, _, err := p.identities.Normalize(address)
	if err != nil {
		return nil, err
	}
	rels, err := p.repo.ListByReferrer(ctx, wallet)
	if err != nil {
		return nil, p.mapError(err)
	}
	return rels, nil
}

func (p *Processor) Get(ctx context.Context, id uuid.UUID) (*models.Relationship, error) {
	rel, err := p.repo.GetRelationship(ctx, id)
	if err != nil {
		return nil, p.mapError(err)
	}
	return rel, nil
}

func (p *Processor) mapError(err error) error {
	if _, ok := apperrors.AsAppError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, repository.ErrCodeNotFound):
		return apperrors.NewNotFoundError("referral code", "")
	case errors.Is(err, repository.ErrRelationshipNotFound):
		return apperrors.NewNotFoundError("referral", "")
	case errors.Is(err, repository.ErrStatusConflict):
		return apperrors.NewValidationError("status", "referral has already been reviewed")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return apperrors.NewInternalError("referral", err)
	}
}
