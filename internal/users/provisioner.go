package users

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/db"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/security"
)

const uniqueEmailConstraint = "ux_users_email"

// Provisioner creates accounts on behalf of a payer who has never signed up.
type Provisioner struct {
	repo *Repository
	hash func() (string, error)
}

func NewProvisioner(repo *Repository, password config.PasswordConfig) *Provisioner {
	return &Provisioner{repo: repo, hash: security.NewHasher(password).Unusable}
}

func (p *Provisioner) WithTx(tx *gorm.DB) *Provisioner {
	return &Provisioner{repo: p.repo.WithTx(tx), hash: p.hash}
}

// Provision returns the account for email, creating it with an unusable random
// credential and NeedsSetup when absent. created is false when the email was
// already taken, including by a concurrent writer.
func (p *Provisioner) Provision(ctx context.Context, email string) (user *models.User, created bool, err error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, false, fmt.Errorf("email is required")
	}

	hash, err := p.hash()
	if err != nil {
		return nil, false, fmt.Errorf("hash credential: %w", err)
	}

	candidate := &models.User{Email: email, PasswordHash: hash, NeedsSetup: true}
	created, err = p.repo.CreateIfAbsent(ctx, candidate)
	if err != nil && !db.IsUniqueViolation(err, uniqueEmailConstraint) {
		return nil, false, fmt.Errorf("create account: %w", err)
	}
	if created {
		return candidate, true, nil
	}

	existing, err := p.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, fmt.Errorf("reload account after conflict: %w", err)
	}
	if existing == nil {
		return nil, false, fmt.Errorf("account for %s vanished after conflict", email)
	}
	return existing, false, nil
}
