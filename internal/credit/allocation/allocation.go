package allocation

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	creditdomain "github.com/smallbiznis/creditledger/internal/credit/domain"
)

// Entry is one grant's share of an allocation plan.
type Entry struct {
	GrantID snowflake.ID
	Amount  int64
}

// GrantView is the slice of grant state the draw planner needs.
type GrantView struct {
	GrantID    snowflake.ID
	Available  int64
	ValidUntil *time.Time
	CreatedAt  time.Time
}

// DetailView is one recorded detail row, in insertion order, for return
// planning.
type DetailView struct {
	GrantID snowflake.ID
	Amount  int64
}

// PlanDraw decides which grants absorb a requested draw.
//
// Grants are consumed soonest-expiring first (never-expiring last), ties
// broken by creation time then ID, taking greedily from each until the
// request is covered. If the candidates cannot cover the full amount the
// plan fails with ErrInsufficientCredits and nothing is allocated.
func PlanDraw(grants []GrantView, requested int64) ([]Entry, error) {
	if requested <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	candidates := make([]GrantView, 0, len(grants))
	for _, g := range grants {
		if g.Available > 0 {
			candidates = append(candidates, g)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.ValidUntil == nil && b.ValidUntil == nil:
			// fall through to tie-break
		case a.ValidUntil == nil:
			return false
		case b.ValidUntil == nil:
			return true
		case !a.ValidUntil.Equal(*b.ValidUntil):
			return a.ValidUntil.Before(*b.ValidUntil)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.GrantID < b.GrantID
	})

	remaining := requested
	plan := make([]Entry, 0, len(candidates))
	for _, g := range candidates {
		if remaining == 0 {
			break
		}
		take := g.Available
		if take > remaining {
			take = remaining
		}
		plan = append(plan, Entry{GrantID: g.GrantID, Amount: take})
		remaining -= take
	}

	if remaining > 0 {
		return nil, creditdomain.ErrInsufficientCredits
	}
	return plan, nil
}

// PlanReturn decides how a return (confirm, release or refund) maps back
// onto the grants the originating transaction drew from. Details are
// drained in the order they were recorded until the requested amount is
// satisfied, so a return is always a structural inverse of its origin.
// Requesting more than the details still carry fails with ErrInvalidState.
func PlanReturn(details []DetailView, requested int64) ([]Entry, error) {
	if requested <= 0 {
		return nil, creditdomain.ErrInvalidAmount
	}

	remaining := requested
	plan := make([]Entry, 0, len(details))
	for _, d := range details {
		if remaining == 0 {
			break
		}
		if d.Amount <= 0 {
			continue
		}
		take := d.Amount
		if take > remaining {
			take = remaining
		}
		plan = append(plan, Entry{GrantID: d.GrantID, Amount: take})
		remaining -= take
	}

	if remaining > 0 {
		return nil, creditdomain.ErrInvalidState
	}
	return plan, nil
}

// Total sums the plan's entry amounts.
func Total(plan []Entry) int64 {
	var total int64
	for _, e := range plan {
		total += e.Amount
	}
	return total
}
