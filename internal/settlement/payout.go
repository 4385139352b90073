package settlement

import (
	"fmt"
	"sort"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// Allocation is the settled result of one stake.
type Allocation struct {
	StakeID       string          `json:"stake_id"`
	ParticipantID string          `json:"participant_id"`
	Amount        numeric.Decimal `json:"amount"`
	// Won is nil for a refund.
	Won    *bool           `json:"won"`
	Payout numeric.Decimal `json:"payout"`
}

// Plan is the full payout of a round, computed before anything is written.
type Plan struct {
	Outcome      domain.Outcome
	WinningSide  domain.Side
	WinningRange *int
	// Winning is W, the amount staked on the winning outcome. Losing is L.
	Winning     numeric.Decimal
	Losing      numeric.Decimal
	Forfeited   numeric.Decimal
	Allocations []Allocation
}

// TotalPayout sums every allocation.
func (p Plan) TotalPayout() numeric.Decimal {
	total := numeric.Zero
	for _, a := range p.Allocations {
		total = total.Add(a.Payout)
	}
	return total
}

// PlanBinary settles a BINARY round. An unchanged price refunds everyone.
func PlanBinary(start, final numeric.Decimal, stakes []domain.Stake) (Plan, error) {
	var side domain.Side
	switch final.Cmp(start) {
	case 1:
		side = domain.SideUp
	case -1:
		side = domain.SideDown
	default:
		return Refund(stakes), nil
	}

	plan, err := split(stakes, func(s domain.Stake) bool { return s.Side == side })
	if err != nil {
		return Plan{}, err
	}
	plan.WinningSide = side
	return plan, nil
}

// PlanRange settles a RANGE round. The winning range is the one with
// Min <= final < Max. A price outside every range refunds everyone.
func PlanRange(ranges []domain.RangePool, final numeric.Decimal, stakes []domain.Stake) (Plan, error) {
	winner := -1
	for _, rp := range ranges {
		if rp.Contains(final) {
			winner = rp.Index
			break
		}
	}
	if winner < 0 {
		return Refund(stakes), nil
	}

	plan, err := split(stakes, func(s domain.Stake) bool {
		return s.RangeIndex != nil && *s.RangeIndex == winner
	})
	if err != nil {
		return Plan{}, err
	}
	plan.WinningRange = &winner
	return plan, nil
}

// Refund returns every stake amount unchanged.
func Refund(stakes []domain.Stake) Plan {
	plan := Plan{Outcome: domain.OutcomeRefund, Winning: numeric.Zero, Losing: numeric.Zero, Forfeited: numeric.Zero}
	for _, s := range stakes {
		plan.Allocations = append(plan.Allocations, Allocation{
			StakeID:       s.ID,
			ParticipantID: s.ParticipantID,
			Amount:        s.Amount,
			Payout:        s.Amount,
		})
	}
	return plan
}

// split pays each winner a + floor(a*L/W) at scale 8. The rounding residue
// goes to the first winner ordered by amount descending, then creation time,
// then id, so the payouts always sum to W+L. With no winning stake the losing
// pool is forfeited.
func split(stakes []domain.Stake, won func(domain.Stake) bool) (Plan, error) {
	var winners, losers []domain.Stake
	w, l := numeric.Zero, numeric.Zero
	for _, s := range stakes {
		if won(s) {
			winners = append(winners, s)
			w = w.Add(s.Amount)
		} else {
			losers = append(losers, s)
			l = l.Add(s.Amount)
		}
	}

	plan := Plan{Outcome: domain.OutcomeWin, Winning: w, Losing: l, Forfeited: numeric.Zero}
	if w.IsZero() && l.IsPositive() {
		plan.Outcome = domain.OutcomeForfeit
		plan.Forfeited = l
	}

	sort.SliceStable(winners, func(i, j int) bool {
		a, b := winners[i], winners[j]
		if c := a.Amount.Cmp(b.Amount); c != 0 {
			return c > 0
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	shares := make([]numeric.Decimal, len(winners))
	distributed := numeric.Zero
	for i, s := range winners {
		share, err := s.Amount.MulDiv(l, w)
		if err != nil {
			return Plan{}, fmt.Errorf("settlement: share of stake %s: %w", s.ID, err)
		}
		shares[i] = share
		distributed = distributed.Add(share)
	}
	if len(winners) > 0 {
		shares[0] = shares[0].Add(l.Sub(distributed))
	}

	yes, no := true, false
	for i, s := range winners {
		plan.Allocations = append(plan.Allocations, Allocation{
			StakeID:       s.ID,
			ParticipantID: s.ParticipantID,
			Amount:        s.Amount,
			Won:           &yes,
			Payout:        s.Amount.Add(shares[i]),
		})
	}
	for _, s := range losers {
		plan.Allocations = append(plan.Allocations, Allocation{
			StakeID:       s.ID,
			ParticipantID: s.ParticipantID,
			Amount:        s.Amount,
			Won:           &no,
			Payout:        numeric.Zero,
		})
	}

	if got, want := plan.TotalPayout().Add(plan.Forfeited), w.Add(l); !got.Equal(want) {
		return Plan{}, fmt.Errorf("settlement: payouts %s do not conserve pool %s", got, want)
	}
	return plan, nil
}
