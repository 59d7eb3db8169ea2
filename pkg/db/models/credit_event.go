package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// CreditEvent marks a credit mutation as applied. The unique key is
// (user_id, reference_id, event_type).
type CreditEvent struct {
	ID          uuid.UUID             `gorm:"column:id;type:uuid;primaryKey"`
	UserID      uuid.UUID             `gorm:"column:user_id;type:uuid;not null"`
	ReferenceID string                `gorm:"column:reference_id;not null"`
	EventType   enums.CreditEventType `gorm:"column:event_type;not null"`
	CreatedAt   time.Time             `gorm:"column:created_at;autoCreateTime"`
}
