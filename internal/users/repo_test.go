package users

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyframe/storyframe-backend/pkg/config"
	"github.com/storyframe/storyframe-backend/pkg/db/dbtest"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
)

func fastHash() (string, error) {
	return "$argon2id$v=19$m=8,t=1,p=1$c2FsdA$aGFzaA", nil
}

func TestFindByEmailIsCaseInsensitive(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &models.User{Email: "Ada@Example.COM", PasswordHash: "x"}))

	found, err := repo.FindByEmail(ctx, " ada@example.com ")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "ada@example.com", found.Email)

	byID, err := repo.FindByID(ctx, found.ID)
	require.NoError(t, err)
	require.NotNil(t, byID)

	missing, err := repo.FindByEmail(ctx, "nobody@example.com")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestProvisionCreatesOnceAndReusesExisting(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	p := NewProvisioner(repo, config.PasswordConfig{})
	p.hash = fastHash
	ctx := context.Background()

	user, created, err := p.Provision(ctx, "New@Example.com")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, user.NeedsSetup)
	assert.Equal(t, "new@example.com", user.Email)
	assert.NotEmpty(t, user.PasswordHash)

	again, created, err := p.Provision(ctx, "new@example.com")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, user.ID, again.ID)
}

func TestProvisionSurfacesHashFailure(t *testing.T) {
	p := NewProvisioner(NewRepository(dbtest.Open(t)), config.PasswordConfig{})
	p.hash = func() (string, error) { return "", errors.New("entropy unavailable") }

	_, _, err := p.Provision(context.Background(), "x@example.com")
	assert.Error(t, err)

	_, _, err = p.Provision(context.Background(), "  ")
	assert.Error(t, err)
}

func TestCreateIfAbsentReportsConflict(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	ctx := context.Background()

	created, err := repo.CreateIfAbsent(ctx, &models.User{Email: "race@example.com", PasswordHash: "a"})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = repo.CreateIfAbsent(ctx, &models.User{Email: "RACE@example.com", PasswordHash: "b"})
	require.NoError(t, err)
	assert.False(t, created)
}
