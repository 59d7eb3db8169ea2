package ledger

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 200
)

// Service records balance movements and reads them back for the audit trail.
type Service interface {
	WithTx(tx *gorm.DB) Service
	Record(ctx context.Context, input RecordEntryInput) (*models.CreditLedgerEntry, error)
	History(ctx context.Context, userID uuid.UUID, q HistoryQuery) (*HistoryPage, error)
}

// HistoryPage is one page of entries, newest first. Next is nil on the last page.
type HistoryPage struct {
	Entries []models.CreditLedgerEntry
	Next    *uuid.UUID
}

type service struct {
	repo Repository
}

// RecordEntryInput captures the immutable data a ledger entry requires.
type RecordEntryInput struct {
	UserID       uuid.UUID
	Delta        int
	BalanceAfter int
	Reason       enums.LedgerReason
	ReferenceID  string
}

// NewService wires a ledger service with the provided repository.
func NewService(repo Repository) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("ledger repository required")
	}
	return &service{repo: repo}, nil
}

func (s *service) WithTx(tx *gorm.DB) Service {
	return &service{repo: s.repo.WithTx(tx)}
}

func (s *service) Record(ctx context.Context, input RecordEntryInput) (*models.CreditLedgerEntry, error) {
	if input.UserID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}
	if input.Reason == "" {
		return nil, fmt.Errorf("ledger reason is required")
	}
	if strings.TrimSpace(input.ReferenceID) == "" {
		return nil, fmt.Errorf("reference id is required")
	}
	if input.BalanceAfter < 0 {
		return nil, fmt.Errorf("balance after must be non-negative, got %d", input.BalanceAfter)
	}

	entry := &models.CreditLedgerEntry{
		ID:           uuid.New(),
		UserID:       input.UserID,
		Delta:        input.Delta,
		BalanceAfter: input.BalanceAfter,
		Reason:       input.Reason,
		ReferenceID:  input.ReferenceID,
	}
	if err := s.repo.Create(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// History clamps the page size and reads one extra row to tell whether
// another page follows.
func (s *service) History(ctx context.Context, userID uuid.UUID, q HistoryQuery) (*HistoryPage, error) {
	if userID == uuid.Nil {
		return nil, fmt.Errorf("user id is required")
	}
	limit := q.Limit
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}

	entries, err := s.repo.History(ctx, userID, HistoryQuery{After: q.After, Limit: limit + 1})
	if err != nil {
		return nil, err
	}
	page := &HistoryPage{Entries: entries}
	if len(entries) > limit {
		page.Entries = entries[:limit]
		next := page.Entries[limit-1].ID
		page.Next = &next
	}
	return page, nil
}
