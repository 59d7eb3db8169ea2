package ledger

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/pkg/db/models"
)

// ErrUnknownCursor is returned when a history cursor names no entry of the user.
var ErrUnknownCursor = errors.New("ledger cursor not found")

// HistoryQuery pages a user's entries newest first. After is the id of the
// last entry of the previous page.
type HistoryQuery struct {
	After *uuid.UUID
	Limit int
}

// Repository persists credit ledger entries. Entries are never updated.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, entry *models.CreditLedgerEntry) error
	History(ctx context.Context, userID uuid.UUID, q HistoryQuery) ([]models.CreditLedgerEntry, error)
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

func (r *repository) Create(ctx context.Context, entry *models.CreditLedgerEntry) error {
	return r.db.WithContext(ctx).Create(entry).Error
}

// History orders by (created_at, id) descending so entries written in the
// same instant still page deterministically.
func (r *repository) History(ctx context.Context, userID uuid.UUID, q HistoryQuery) ([]models.CreditLedgerEntry, error) {
	query := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if q.After != nil {
		var anchor models.CreditLedgerEntry
		err := r.db.WithContext(ctx).
			Select("id", "created_at").
			Where("id = ? AND user_id = ?", *q.After, userID).
			Take(&anchor).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUnknownCursor
		}
		if err != nil {
			return nil, err
		}
		query = query.Where("(created_at < ? OR (created_at = ? AND id < ?))", anchor.CreatedAt, anchor.CreatedAt, anchor.ID)
	}

	var entries []models.CreditLedgerEntry
	err := query.
		Order("created_at DESC").
		Order("id DESC").
		Limit(q.Limit).
		Find(&entries).Error
	return entries, err
}
