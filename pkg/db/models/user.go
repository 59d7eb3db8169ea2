package models

import (
	"time"

	"github.com/google/uuid"
)

// User is the login account. Accounts created by the billing reconciler carry
// an unusable random credential and NeedsSetup until the owner picks a password.
type User struct {
	ID           uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	Email        string    `gorm:"column:email;type:text;not null;uniqueIndex:ux_users_email"`
	PasswordHash string    `gorm:"column:password_hash;not null"`
	NeedsSetup   bool      `gorm:"column:needs_setup;not null;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
