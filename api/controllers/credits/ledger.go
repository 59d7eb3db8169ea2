package credits

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/storyframe/storyframe-backend/api/middleware"
	"github.com/storyframe/storyframe-backend/api/responses"
	"github.com/storyframe/storyframe-backend/internal/ledger"
	pkgerrors "github.com/storyframe/storyframe-backend/pkg/errors"
	"github.com/storyframe/storyframe-backend/pkg/logger"
)

type LedgerReader interface {
	History(ctx context.Context, userID uuid.UUID, q ledger.HistoryQuery) (*ledger.HistoryPage, error)
}

type entryView struct {
	ID           uuid.UUID `json:"id"`
	Delta        int       `json:"delta"`
	BalanceAfter int       `json:"balance_after"`
	Reason       string    `json:"reason"`
	ReferenceID  string    `json:"reference_id"`
	CreatedAt    time.Time `json:"created_at"`
}

type historyView struct {
	Entries []entryView `json:"entries"`
	Next    *uuid.UUID  `json:"next,omitempty"`
}

// Ledger lists the caller's credit movements, newest first. ?limit sizes the
// page and ?after takes the next cursor of the previous page.
func Ledger(svc LedgerReader, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		caller, ok := middleware.IdentityFromContext(ctx)
		if !ok || caller.UserID == uuid.Nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "missing caller identity"))
			return
		}

		q, err := historyQuery(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		page, err := svc.History(ctx, caller.UserID, q)
		if errors.Is(err, ledger.ErrUnknownCursor) {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "after does not name one of your entries"))
			return
		}
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "read ledger"))
			return
		}

		out := historyView{Entries: make([]entryView, 0, len(page.Entries)), Next: page.Next}
		for _, e := range page.Entries {
			out.Entries = append(out.Entries, entryView{
				ID:           e.ID,
				Delta:        e.Delta,
				BalanceAfter: e.BalanceAfter,
				Reason:       string(e.Reason),
				ReferenceID:  e.ReferenceID,
				CreatedAt:    e.CreatedAt.UTC(),
			})
		}
		responses.WriteSuccess(w, out)
	}
}

func historyQuery(r *http.Request) (ledger.HistoryQuery, error) {
	var q ledger.HistoryQuery
	values := r.URL.Query()
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return q, pkgerrors.New(pkgerrors.CodeValidation, "limit must be a positive integer")
		}
		q.Limit = n
	}
	if raw := values.Get("after"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return q, pkgerrors.New(pkgerrors.CodeValidation, "after must be an entry id")
		}
		q.After = &id
	}
	return q, nil
}
