package entitlements

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// Repository persists the per-user entitlement row.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Find(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error)
	Lock(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error)
	Upsert(ctx context.Context, ent *models.Entitlement) error
	ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]models.Entitlement, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Find(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error) {
	return r.first(r.db.WithContext(ctx), userID)
}

// Lock reads the row FOR UPDATE; nil means the user has no entitlement yet.
func (r *repository) Lock(ctx context.Context, userID uuid.UUID) (*models.Entitlement, error) {
	return r.first(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), userID)
}

func (r *repository) first(q *gorm.DB, userID uuid.UUID) (*models.Entitlement, error) {
	var ent models.Entitlement
	if err := q.Where("user_id = ?", userID).First(&ent).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &ent, nil
}

var upsertColumns = []string{
	"plan", "tier", "status", "current_period_end", "grace_until", "downgraded_at",
	"is_blocked", "blocked_reason", "stripe_customer_id", "stripe_subscription_id", "last_event_at", "updated_at",
}

// Upsert writes every mutable column of ent keyed by user id.
func (r *repository) Upsert(ctx context.Context, ent *models.Entitlement) error {
	if ent.UserID == uuid.Nil {
		return errors.New("entitlement user id is required")
	}
	if ent.IsBlocked && ent.Plan != enums.PlanFree {
		return errors.New("blocked entitlement must be on the free plan")
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(upsertColumns),
		}).
		Create(ent).Error
}

// ListExpiredGrace returns paid entitlements whose grace window closed before now.
func (r *repository) ListExpiredGrace(ctx context.Context, now time.Time, limit int) ([]models.Entitlement, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []models.Entitlement
	err := r.db.WithContext(ctx).
		Where("grace_until IS NOT NULL AND grace_until < ? AND plan <> ?", now, enums.PlanFree).
		Order("grace_until ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
