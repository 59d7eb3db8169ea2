package credits

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/storyframe/storyframe-backend/internal/ledger"
	"github.com/storyframe/storyframe-backend/pkg/db/models"
	"github.com/storyframe/storyframe-backend/pkg/enums"
)

// Wallets applies balance mutations and records a ledger entry for each
// movement. Call WithTx so the wallet write, the ledger entry, and the event
// marker share one transaction.
type Wallets struct {
	repo   Repository
	ledger ledger.Service
}

func NewWallets(repo Repository, ledgerSvc ledger.Service) (*Wallets, error) {
	if repo == nil {
		return nil, fmt.Errorf("credits repository required")
	}
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service required")
	}
	return &Wallets{repo: repo, ledger: ledgerSvc}, nil
}

func (w *Wallets) WithTx(tx *gorm.DB) *Wallets {
	return &Wallets{repo: w.repo.WithTx(tx), ledger: w.ledger.WithTx(tx)}
}

// Repo exposes the underlying repository bound to the same transaction.
func (w *Wallets) Repo() Repository {
	return w.repo
}

// Claim records the event marker; false means the mutation was already applied.
func (w *Wallets) Claim(ctx context.Context, userID uuid.UUID, referenceID string, eventType enums.CreditEventType) (bool, error) {
	if referenceID == "" {
		return false, fmt.Errorf("reference id is required for %s", eventType)
	}
	return w.repo.ClaimEvent(ctx, userID, referenceID, eventType)
}

// Mutation describes the target wallet state. Nil fields are left untouched.
type Mutation struct {
	Balance     func(current int) int
	Allowance   *int
	RefillRef   *string
	Reason      enums.LedgerReason
	ReferenceID string
}

// Apply locks the wallet, applies m and appends a ledger entry when the balance moved.
func (w *Wallets) Apply(ctx context.Context, userID uuid.UUID, m Mutation) (*models.CreditWallet, error) {
	wallet, err := w.repo.LockWallet(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lock wallet: %w", err)
	}

	before := wallet.CreditsBalance
	if m.Balance != nil {
		next := m.Balance(before)
		if next < 0 {
			next = 0
		}
		wallet.CreditsBalance = next
	}
	if m.Allowance != nil {
		allowance := *m.Allowance
		if allowance < 0 {
			allowance = 0
		}
		wallet.MonthlyAllowance = allowance
	}
	if m.RefillRef != nil {
		ref := *m.RefillRef
		wallet.LastRefillReference = &ref
	}

	if err := w.repo.UpdateWallet(ctx, wallet); err != nil {
		return nil, fmt.Errorf("update wallet: %w", err)
	}

	if delta := wallet.CreditsBalance - before; delta != 0 {
		if _, err := w.ledger.Record(ctx, ledger.RecordEntryInput{
			UserID:       userID,
			Delta:        delta,
			BalanceAfter: wallet.CreditsBalance,
			Reason:       m.Reason,
			ReferenceID:  m.ReferenceID,
		}); err != nil {
			return nil, fmt.Errorf("record ledger entry: %w", err)
		}
	}
	return wallet, nil
}

// Add increments the balance by amount.
func Add(amount int) func(int) int {
	return func(current int) int { return current + amount }
}

// Set replaces the balance.
func Set(amount int) func(int) int {
	return func(int) int { return amount }
}

// ClampTo caps the balance at max and never raises it.
func ClampTo(max int) func(int) int {
	return func(current int) int {
		if current > max {
			return max
		}
		return current
	}
}

// IntPtr is a small helper for Mutation.Allowance.
func IntPtr(v int) *int {
	return &v
}
