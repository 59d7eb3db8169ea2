package credits

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// Repository persists wallets, the credit event log, and one-off purchases.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	ClaimEvent(ctx context.Context, userID uuid.UUID, referenceID string, eventType enums.CreditEventType) (bool, error)
	LockWallet(ctx context.Context, userID uuid.UUID) (*models.CreditWallet, error)
	FindWallet(ctx context.Context, userID uuid.UUID) (*models.CreditWallet, error)
	UpdateWallet(ctx context.Context, wallet *models.CreditWallet) error
	FindPurchase(ctx context.Context, sessionID string) (*models.CreditPurchase, error)
	FindPurchaseByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.CreditPurchase, error)
	SavePurchase(ctx context.Context, purchase *models.CreditPurchase) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a credits repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// ClaimEvent inserts the event marker unless it already exists. It reports
// false when another delivery already applied the mutation.
func (r *repository) ClaimEvent(ctx context.Context, userID uuid.UUID, referenceID string, eventType enums.CreditEventType) (bool, error) {
	marker := models.CreditEvent{
		ID:          uuid.New(),
		UserID:      userID,
		ReferenceID: referenceID,
		EventType:   eventType,
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "reference_id"}, {Name: "event_type"}},
			DoNothing: true,
		}).
		Create(&marker)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// LockWallet creates the wallet row on first use and returns it locked for update.
func (r *repository) LockWallet(ctx context.Context, userID uuid.UUID) (*models.CreditWallet, error) {
	seed := models.CreditWallet{UserID: userID}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		Create(&seed).Error; err != nil {
		return nil, err
	}

	var wallet models.CreditWallet
	if err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *repository) FindWallet(ctx context.Context, userID uuid.UUID) (*models.CreditWallet, error) {
	var wallet models.CreditWallet
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wallet, nil
}

func (r *repository) UpdateWallet(ctx context.Context, wallet *models.CreditWallet) error {
	return r.db.WithContext(ctx).
		Model(&models.CreditWallet{}).
		Where("user_id = ?", wallet.UserID).
		Updates(map[string]any{
			"credits_balance":       wallet.CreditsBalance,
			"monthly_allowance":     wallet.MonthlyAllowance,
			"last_refill_reference": wallet.LastRefillReference,
		}).Error
}

func (r *repository) FindPurchase(ctx context.Context, sessionID string) (*models.CreditPurchase, error) {
	return r.findPurchase(ctx, "stripe_session_id = ?", sessionID)
}

func (r *repository) FindPurchaseByPaymentIntent(ctx context.Context, paymentIntentID string) (*models.CreditPurchase, error) {
	if paymentIntentID == "" {
		return nil, nil
	}
	return r.findPurchase(ctx, "payment_intent_id = ?", paymentIntentID)
}

func (r *repository) findPurchase(ctx context.Context, query string, arg any) (*models.CreditPurchase, error) {
	var purchase models.CreditPurchase
	err := r.db.WithContext(ctx).Where(query, arg).First(&purchase).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &purchase, nil
}

// SavePurchase upserts by session id.
func (r *repository) SavePurchase(ctx context.Context, purchase *models.CreditPurchase) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "stripe_session_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"user_id", "package_id", "credits", "amount_paid", "currency",
				"payment_intent_id", "status", "completed_at", "updated_at",
			}),
		}).
		Create(purchase).Error
}
