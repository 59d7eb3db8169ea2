package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/pkg/db/dbtest"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
)

type fakeRepository struct {
	createFn  func(ctx context.Context, entry *models.CreditLedgerEntry) error
	lastQuery HistoryQuery
}

func (f *fakeRepository) WithTx(tx *gorm.DB) Repository {
	return f
}

func (f *fakeRepository) Create(ctx context.Context, entry *models.CreditLedgerEntry) error {
	if f.createFn != nil {
		return f.createFn(ctx, entry)
	}
	return nil
}

func (f *fakeRepository) History(_ context.Context, _ uuid.UUID, q HistoryQuery) ([]models.CreditLedgerEntry, error) {
	f.lastQuery = q
	return nil, nil
}

func TestService_Record(t *testing.T) {
	repo := &fakeRepository{}
	svc, err := NewService(repo)
	require.NoError(t, err)

	var created *models.CreditLedgerEntry
	repo.createFn = func(ctx context.Context, entry *models.CreditLedgerEntry) error {
		created = entry
		return nil
	}

	input := RecordEntryInput{
		UserID:       uuid.New(),
		Delta:        -75,
		BalanceAfter: 10,
		Reason:       enums.LedgerDowngradeClamp,
		ReferenceID:  "evt_123",
	}
	got, err := svc.Record(context.Background(), input)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Same(t, created, got)
	assert.NotEqual(t, uuid.Nil, created.ID)
	assert.Equal(t, input.UserID, created.UserID)
	assert.Equal(t, -75, created.Delta)
	assert.Equal(t, 10, created.BalanceAfter)
	assert.Equal(t, enums.LedgerDowngradeClamp, created.Reason)
}

func TestService_RecordValidation(t *testing.T) {
	svc, err := NewService(&fakeRepository{})
	require.NoError(t, err)

	cases := []RecordEntryInput{
		{Reason: enums.LedgerRefill, ReferenceID: "in_1"},
		{UserID: uuid.New(), ReferenceID: "in_1"},
		{UserID: uuid.New(), Reason: enums.LedgerRefill, ReferenceID: " "},
		{UserID: uuid.New(), Reason: enums.LedgerRefill, ReferenceID: "in_1", BalanceAfter: -1},
	}
	for _, input := range cases {
		_, err := svc.Record(context.Background(), input)
		assert.Error(t, err, "input %+v", input)
	}
}

func TestService_RecordPropagatesRepoError(t *testing.T) {
	boom := errors.New("insert failed")
	svc, err := NewService(&fakeRepository{createFn: func(context.Context, *models.CreditLedgerEntry) error { return boom }})
	require.NoError(t, err)

	_, err = svc.Record(context.Background(), RecordEntryInput{UserID: uuid.New(), Reason: enums.LedgerPurchase, ReferenceID: "cs_1", BalanceAfter: 5})
	assert.ErrorIs(t, err, boom)
}

func TestNewServiceRequiresRepository(t *testing.T) {
	_, err := NewService(nil)
	assert.Error(t, err)
}

func seedEntries(t *testing.T, repo Repository, userID uuid.UUID, n int, at time.Time) []models.CreditLedgerEntry {
	t.Helper()
	out := make([]models.CreditLedgerEntry, 0, n)
	for i := range n {
		entry := models.CreditLedgerEntry{
			ID:           uuid.New(),
			UserID:       userID,
			Delta:        i + 1,
			BalanceAfter: i + 1,
			Reason:       enums.LedgerPurchase,
			ReferenceID:  fmt.Sprintf("cs_%d", i),
			CreatedAt:    at.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, repo.Create(context.Background(), &entry))
		out = append(out, entry)
	}
	return out
}

func TestHistoryPagesNewestFirst(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	svc, err := NewService(repo)
	require.NoError(t, err)
	ctx := context.Background()

	userID := uuid.New()
	seeded := seedEntries(t, repo, userID, 3, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	seedEntries(t, repo, uuid.New(), 1, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	first, err := svc.History(ctx, userID, HistoryQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, first.Entries, 2)
	assert.Equal(t, "cs_2", first.Entries[0].ReferenceID)
	assert.Equal(t, "cs_1", first.Entries[1].ReferenceID)
	require.NotNil(t, first.Next)
	assert.Equal(t, seeded[1].ID, *first.Next)

	second, err := svc.History(ctx, userID, HistoryQuery{After: first.Next, Limit: 2})
	require.NoError(t, err)
	require.Len(t, second.Entries, 1)
	assert.Equal(t, "cs_0", second.Entries[0].ReferenceID)
	assert.Nil(t, second.Next)
}

func TestHistoryRejectsForeignCursor(t *testing.T) {
	repo := NewRepository(dbtest.Open(t))
	svc, err := NewService(repo)
	require.NoError(t, err)

	other := seedEntries(t, repo, uuid.New(), 1, time.Now().UTC())
	_, err = svc.History(context.Background(), uuid.New(), HistoryQuery{After: &other[0].ID})
	assert.ErrorIs(t, err, ErrUnknownCursor)
}

func TestHistoryClampsLimit(t *testing.T) {
	repo := &fakeRepository{}
	svc, err := NewService(repo)
	require.NoError(t, err)
	ctx := context.Background()

	for _, tc := range []struct{ asked, sent int }{
		{0, defaultHistoryLimit + 1},
		{-4, defaultHistoryLimit + 1},
		{10, 11},
		{10_000, maxHistoryLimit + 1},
	} {
		_, err := svc.History(ctx, uuid.New(), HistoryQuery{Limit: tc.asked})
		require.NoError(t, err)
		assert.Equal(t, tc.sent, repo.lastQuery.Limit, "asked %d", tc.asked)
	}

	_, err = svc.History(ctx, uuid.Nil, HistoryQuery{})
	assert.Error(t, err)
}
