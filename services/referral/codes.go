package referral

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"eduplane/pkg/db"
	"eduplane/pkg/errutil"

	"go.uber.org/zap"
)

const generateRetryBound = 10

var codePattern = regexp.MustCompile(`^[A-Z0-9]{2,8}-[A-Z0-9]{6}-[A-Z0-9]{4}$`)

// ValidateCodeFormat is the structural check only; it never touches storage.
func ValidateCodeFormat(code string) bool {
	return codePattern.MatchString(code)
}

// Generate returns the referrer's shareable code. Without a custom code this
// is get-or-create: an existing non-terminal code is returned as-is instead
// of minting a duplicate. A custom code is used verbatim after a format and
// uniqueness check.
func (s *Service) Generate(ctx context.Context, referrerID, customCode string) (*Referral, error) {
	if referrerID == "" {
		return nil, errutil.BadRequest("referrer_id is required", nil)
	}

	if customCode != "" {
		return s.generateCustom(ctx, referrerID, customCode)
	}

	existing, err := s.findCurrentCode(ctx, referrerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	for attempt := 0; attempt < generateRetryBound; attempt++ {
		code := s.synthesizeCode(referrerID)

		taken, err := s.codeTaken(ctx, code)
		if err != nil {
			return nil, err
		}
		if taken {
			zap.L().Debug("referral code collision, retrying",
				zap.String("code", code),
				zap.Int("attempt", attempt+1),
			)
			continue
		}

		record := s.newIssuedRecord(referrerID, code)
		if err := s.referrals.Create(ctx, record); err != nil {
			// A concurrent issuance can win the race between the taken
			// check and the insert; the partial unique index turns that
			// into one more collision.
			if db.IsUniqueViolation(err) {
				zap.L().Debug("referral code collision on insert, retrying",
					zap.String("code", code),
					zap.Int("attempt", attempt+1),
				)
				continue
			}
			return nil, errutil.Internal("failed to persist referral code", err)
		}
		return record, nil
	}

	return nil, errutil.TooManyRequest("could not find a unique referral code", ErrExhaustedRetries)
}

func (s *Service) generateCustom(ctx context.Context, referrerID, customCode string) (*Referral, error) {
	code := strings.ToUpper(strings.TrimSpace(customCode))
	if !ValidateCodeFormat(code) {
		return nil, errutil.ValidationFailed("referral code format invalid", ErrInvalidCodeFormat,
			errutil.WithDetails(errutil.Detail{Field: "code", Message: code}))
	}

	taken, err := s.codeTaken(ctx, code)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, errutil.Conflict("referral code already in use", nil,
			errutil.WithDetails(errutil.Detail{Field: "code", Message: code}))
	}

	record := s.newIssuedRecord(referrerID, code)
	if err := s.referrals.Create(ctx, record); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, errutil.Conflict("referral code already in use", nil,
				errutil.WithDetails(errutil.Detail{Field: "code", Message: code}))
		}
		return nil, errutil.Internal("failed to persist referral code", err)
	}
	return record, nil
}

// findCurrentCode returns the referrer's oldest still-usable issued record.
func (s *Service) findCurrentCode(ctx context.Context, referrerID string) (*Referral, error) {
	var existing Referral
	err := s.db.WithContext(ctx).
		Where("referrer_id = ? AND status IN ?", referrerID, []Status{
			StatusPending, StatusRegistered, StatusFirstPurchase, StatusCompleted,
		}).
		Order("created_at ASC").
		First(&existing).Error
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, errutil.Internal("failed to query referral codes", err)
	}

	if s.clock.Now().After(existing.ExpiresAt) && !existing.Status.Terminal() {
		// Lazy expiry: a stale code should not be handed back out.
		if err := s.expireCohort(ctx, existing.Code); err != nil {
			return nil, err
		}
		return nil, nil
	}

	return &existing, nil
}

func (s *Service) codeTaken(ctx context.Context, code string) (bool, error) {
	count, err := s.referrals.Count(ctx, &Referral{Code: code})
	if err != nil {
		return false, errutil.Internal("failed to check code uniqueness", err)
	}
	return count > 0, nil
}

func (s *Service) newIssuedRecord(referrerID, code string) *Referral {
	now := s.clock.Now()
	return &Referral{
		ID:             s.node.Generate().String(),
		ReferrerID:     referrerID,
		Code:           code,
		Status:         StatusPending,
		CommissionRate: s.settings.CommissionRate,
		ExpiresAt:      now.AddDate(0, 0, s.settings.ExpiryDays),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// synthesizeCode builds PREFIX-<last 6 of referrer>-<4 random>. Referrer ids
// shorter than six usable characters are padded with random characters so the
// format always validates.
func (s *Service) synthesizeCode(referrerID string) string {
	middle := lastAlphanumeric(referrerID, 6)
	for len(middle) < 6 {
		middle += randomAlphaNumeric(1)
	}
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(s.settings.CodePrefix), middle, randomAlphaNumeric(4))
}

func lastAlphanumeric(id string, n int) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	cleaned := b.String()
	if len(cleaned) > n {
		return cleaned[len(cleaned)-n:]
	}
	return cleaned
}

const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// randomAlphaNumeric is a var so collision behavior is reachable from tests.
var randomAlphaNumeric = func(n int) string {
	b := make([]byte, n)
	for i := range b {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeCharset))))
		if err != nil {
			// crypto/rand only fails when the platform source is broken.
			b[i] = codeCharset[0]
			continue
		}
		b[i] = codeCharset[num.Int64()]
	}
	return string(b)
}
