package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/storyframe/storyframe-backend/pkg/db/models"
)

const (
	maxDLQErrorLen   = 1024
	defaultDLQListed = 50
)

var (
	ErrDLQEntryNotFound  = errors.New("no open dlq entry for event")
	ErrDLQNotRequeueable = errors.New("dlq entry cannot be requeued")
)

// DLQRepository stores outbox rows the publisher parked.
type DLQRepository struct {
	db *gorm.DB
}

func NewDLQRepository(db *gorm.DB) *DLQRepository {
	return &DLQRepository{db: db}
}

// InsertTx parks an entry. A second open entry for the same event is ignored
// so a crashed publisher replaying its batch does not double-park.
func (r *DLQRepository) InsertTx(tx *gorm.DB, entry models.OutboxDLQ) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}
	if entry.ErrorMessage != nil && len(*entry.ErrorMessage) > maxDLQErrorLen {
		msg := (*entry.ErrorMessage)[:maxDLQErrorLen]
		entry.ErrorMessage = &msg
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
}

// ListOpen returns open entries, newest failure first.
func (r *DLQRepository) ListOpen(ctx context.Context, limit int) ([]models.OutboxDLQ, error) {
	if limit <= 0 {
		limit = defaultDLQListed
	}
	var rows []models.OutboxDLQ
	err := r.db.WithContext(ctx).
		Where("requeued_at IS NULL").
		Order("failed_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

// RequeueTx closes the open entry for eventID and resets the outbox row so the
// publisher picks it up on its next batch.
func (r *DLQRepository) RequeueTx(ctx context.Context, tx *gorm.DB, eventID uuid.UUID, now time.Time) (*models.OutboxDLQ, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	var entry models.OutboxDLQ
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("event_id = ? AND requeued_at IS NULL", eventID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDLQEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	if !entry.ErrorReason.Requeueable() {
		return nil, fmt.Errorf("%w: reason %s", ErrDLQNotRequeueable, entry.ErrorReason)
	}

	var event models.OutboxEvent
	err = tx.WithContext(ctx).Select("id", "published_at").Where("id = ?", eventID).Take(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: outbox row %s was pruned", ErrDLQNotRequeueable, eventID)
	}
	if err != nil {
		return nil, err
	}
	if event.Published() {
		return nil, fmt.Errorf("%w: outbox row %s already published", ErrDLQNotRequeueable, eventID)
	}
	requeuedAt := now.UTC()
	if err := tx.WithContext(ctx).Model(&models.OutboxDLQ{}).
		Where("id = ?", entry.ID).
		Update("requeued_at", requeuedAt).Error; err != nil {
		return nil, err
	}
	if err := tx.WithContext(ctx).Model(&models.OutboxEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]any{"attempt_count": 0, "last_error": nil}).Error; err != nil {
		return nil, err
	}
	entry.RequeuedAt = &requeuedAt
	return &entry, nil
}

// DeleteClosedBefore prunes requeued entries older than cutoff. Open entries
// stay until an operator acts on them.
func (r *DLQRepository) DeleteClosedBefore(ctx context.Context, tx *gorm.DB, cutoff time.Time) (int64, error) {
	if tx == nil {
		return 0, errors.New("transaction required")
	}
	res := tx.WithContext(ctx).
		Where("requeued_at IS NOT NULL AND requeued_at < ?", cutoff).
		Delete(&models.OutboxDLQ{})
	return res.RowsAffected, res.Error
}
