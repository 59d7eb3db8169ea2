package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// CreditLedgerEntry is the append-only audit trail of balance movements.
type CreditLedgerEntry struct {
	ID           uuid.UUID          `gorm:"column:id;type:uuid;primaryKey"`
	UserID       uuid.UUID          `gorm:"column:user_id;type:uuid;not null"`
	Delta        int                `gorm:"column:delta;not null"`
	BalanceAfter int                `gorm:"column:balance_after;not null"`
	Reason       enums.LedgerReason `gorm:"column:reason;not null"`
	ReferenceID  string             `gorm:"column:reference_id;not null"`
	CreatedAt    time.Time          `gorm:"column:created_at;autoCreateTime"`
}
