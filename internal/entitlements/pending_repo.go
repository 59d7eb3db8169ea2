package entitlements

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storyframe/storyframe-backend/pkg/db/models"
)

// PendingRepository stores entitlements parked for emails without an account.
type PendingRepository interface {
	WithTx(tx *gorm.DB) PendingRepository
	Upsert(ctx context.Context, pending *models.PendingEntitlement) error
	FindUnclaimed(ctx context.Context, email string) (*models.PendingEntitlement, error)
	MarkClaimed(ctx context.Context, email string, userID uuid.UUID, at time.Time) error
}

type pendingRepository struct {
	db *gorm.DB
}

func NewPendingRepository(db *gorm.DB) PendingRepository {
	return &pendingRepository{db: db}
}

func (r *pendingRepository) WithTx(tx *gorm.DB) PendingRepository {
	if tx == nil {
		return r
	}
	return &pendingRepository{db: tx}
}

// Upsert replaces the parked state for the email and reopens it for claiming.
func (r *pendingRepository) Upsert(ctx context.Context, pending *models.PendingEntitlement) error {
	pending.Email = strings.ToLower(strings.TrimSpace(pending.Email))
	if pending.Email == "" {
		return errors.New("pending entitlement email is required")
	}
	pending.ClaimedAt = nil
	pending.ClaimedBy = nil
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "email"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"plan", "tier", "status", "credits_to_grant", "stripe_customer_id",
				"stripe_subscription_id", "current_period_end", "reason",
				"claimed_at", "claimed_by", "updated_at",
			}),
		}).
		Create(pending).Error
}

func (r *pendingRepository) FindUnclaimed(ctx context.Context, email string) (*models.PendingEntitlement, error) {
	var row models.PendingEntitlement
	err := r.db.WithContext(ctx).
		Where("email = ? AND claimed_at IS NULL", strings.ToLower(strings.TrimSpace(email))).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *pendingRepository) MarkClaimed(ctx context.Context, email string, userID uuid.UUID, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.PendingEntitlement{}).
		Where("email = ?", strings.ToLower(strings.TrimSpace(email))).
		Updates(map[string]any{
			"claimed_at": at,
			"claimed_by": userID,
		}).Error
}
