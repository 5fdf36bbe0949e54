package counters

import (
	"context"
	"fmt"

	"github.com/alfredjeanlab/courier/internal/model"
)

// UserTotals is the recomputed per-user aggregate state.
type UserTotals struct {
	UnreadTotal   int64 `json:"unread_total"`
	UnreadDialogs int64 `json:"unread_dialogs"`
}

// RecalculateUser rebuilds the per-user aggregates from the authoritative
// membership rows and overwrites the stored counters with the result. It is
// idempotent: running it twice in a row writes the same values and the second
// run produces no history rows.
func (e *Engine) RecalculateUser(ctx context.Context, tenantID, userID, actorID string) (UserTotals, error) {
	members, err := e.store.ListUserMemberships(ctx, tenantID, userID)
	if err != nil {
		return UserTotals{}, fmt.Errorf("recalculate user %s: %w", userID, err)
	}

	var totals UserTotals
	for _, m := range members {
		totals.UnreadTotal += m.UnreadCount
		if m.UnreadCount > 0 {
			totals.UnreadDialogs++
		}
	}

	base := Delta{
		TenantID:        tenantID,
		CounterType:     model.CounterUser,
		EntityType:      model.EntityUser,
		EntityID:        userID,
		SourceOperation: "counters.recalculate",
		ActorID:         actorID,
	}

	d := base
	d.Field = model.FieldUnreadTotal
	if _, err := e.Set(ctx, d, totals.UnreadTotal); err != nil {
		return UserTotals{}, err
	}
	d = base
	d.Field = model.FieldUnreadDialogs
	if _, err := e.Set(ctx, d, totals.UnreadDialogs); err != nil {
		return UserTotals{}, err
	}
	return totals, nil
}

// RecalculateDialog rebuilds the user aggregates for every member of a
// dialog, paging through the membership set. Returns the number of members
// processed.
func (e *Engine) RecalculateDialog(ctx context.Context, tenantID, dialogID, actorID string, batchSize int) (int, error) {
	if batchSize <= 0 {
		batchSize = 200
	}
	processed := 0
	afterUserID := ""
	for {
		members, err := e.store.ListDialogMembers(ctx, tenantID, dialogID, afterUserID, batchSize)
		if err != nil {
			return processed, fmt.Errorf("recalculate dialog %s: %w", dialogID, err)
		}
		if len(members) == 0 {
			return processed, nil
		}
		for _, m := range members {
			if _, err := e.RecalculateUser(ctx, tenantID, m.UserID, actorID); err != nil {
				return processed, err
			}
			processed++
		}
		afterUserID = members[len(members)-1].UserID
		if len(members) < batchSize {
			return processed, nil
		}
	}
}
