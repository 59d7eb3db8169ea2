package customers

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storyframe/storyframe-backend/pkg/db/models"
)

// Repository maps payment-provider customer ids to accounts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByCustomerID(ctx context.Context, customerID string) (*models.StripeCustomer, error)
	FindByEmail(ctx context.Context, email string) (*models.StripeCustomer, error)
	Link(ctx context.Context, customerID string, userID uuid.UUID, email string) (*models.StripeCustomer, error)
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

func (r *repository) FindByCustomerID(ctx context.Context, customerID string) (*models.StripeCustomer, error) {
	return r.first(ctx, r.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID))
}

// FindByEmail returns the oldest mapping for the address.
func (r *repository) FindByEmail(ctx context.Context, email string) (*models.StripeCustomer, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	return r.first(ctx, r.db.WithContext(ctx).Where("email = ?", email).Order("created_at ASC"))
}

// Link persists the mapping; an existing mapping for the customer id wins.
func (r *repository) Link(ctx context.Context, customerID string, userID uuid.UUID, email string) (*models.StripeCustomer, error) {
	row := models.StripeCustomer{
		StripeCustomerID: customerID,
		UserID:           userID,
		Email:            strings.ToLower(strings.TrimSpace(email)),
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "stripe_customer_id"}}, DoNothing: true}).
		Create(&row).Error; err != nil {
		return nil, err
	}
	return r.FindByCustomerID(ctx, customerID)
}

func (r *repository) first(ctx context.Context, q *gorm.DB) (*models.StripeCustomer, error) {
	var row models.StripeCustomer
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
