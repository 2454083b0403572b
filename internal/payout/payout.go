// Package payout previews what a player stands to win in an unsettled round.
//
// The winning side splits the win pool (total pool minus the bonus skim) pro
// rata by stake; the bonus pool is split by position weight (package bonus).
// Results are estimates only. Settlement on-chain is authoritative and its
// result/bonus fields are never read here.
package payout

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/betfinio/predict/internal/bonus"
	"github.com/betfinio/predict/internal/fixedpoint"
	"github.com/betfinio/predict/internal/model"
	"github.com/betfinio/predict/internal/pool"
)

// CoefficientScale is the number of decimal places in a quoted coefficient.
const CoefficientScale int32 = 4

// MinStake is the smallest bet the game contract accepts: one token.
var MinStake = fixedpoint.FromTokens(1)

// Estimator previews expected payouts for a fixed bonus rate.
type Estimator struct {
	engine *bonus.Engine
}

// NewEstimator wraps a bonus engine.
func NewEstimator(engine *bonus.Engine) *Estimator {
	return &Estimator{engine: engine}
}

// Estimate sums the player's expected win and bonus on each side, as if that
// side won. A player with no bets gets zeros. While either side is empty the
// round is one-sided: the player's own stake per side is returned as the win
// with zero bonus.
func (e *Estimator) Estimate(bets []model.Bet, player common.Address) (model.ExpectedPayout, error) {
	out := model.NewExpectedPayout()
	if err := model.ValidateBets(bets); err != nil {
		return out, err
	}

	var own []int
	for i, b := range bets {
		if b.Player == player {
			own = append(own, i)
		}
	}
	if len(own) == 0 {
		return out, nil
	}

	p := pool.Aggregate(bets)
	if p.Long.Sign() == 0 || p.Short.Sign() == 0 {
		for _, i := range own {
			win, _ := sideFields(&out, bets[i].Side)
			win.Add(win, bets[i].Amount)
		}
		return out, nil
	}

	total := p.Total()
	winPool := new(big.Int).Sub(total, e.engine.BonusPool(total))

	allocs, err := e.engine.Allocate(bets)
	if err != nil {
		return out, err
	}

	for _, i := range own {
		b := bets[i]
		// Both sides are non-empty here, so the divisor is positive.
		share, err := fixedpoint.MulDiv(winPool, b.Amount, p.Amount(b.Side))
		if err != nil {
			return out, err
		}
		win, bon := sideFields(&out, b.Side)
		win.Add(win, share)
		bon.Add(bon, allocs[i].BonusShare)
	}
	return out, nil
}

func sideFields(p *model.ExpectedPayout, s model.Side) (win, bon *big.Int) {
	if s == model.SideLong {
		return p.LongWin, p.LongBonus
	}
	return p.ShortWin, p.ShortBonus
}

// Quote is the bet form's preview for a prospective stake.
type Quote struct {
	Side            model.Side      `json:"side"`
	Stake           *big.Int        `json:"stake"`
	PotentialReturn *big.Int        `json:"potential_return"`
	Coefficient     decimal.Decimal `json:"coefficient"`
}

// QuoteBet previews a new stake on side against the current pool: the
// stake back plus its pro-rata cut of the opposite side once the stake has
// joined its own side. A non-positive stake quotes a coefficient of 1.
func QuoteBet(p model.Pool, side model.Side, stake *big.Int) (Quote, error) {
	if side != model.SideLong && side != model.SideShort {
		return Quote{}, fmt.Errorf("%w: quote needs a side", model.ErrInvalidInput)
	}
	if stake == nil {
		return Quote{}, fmt.Errorf("%w: quote needs a stake", model.ErrInvalidInput)
	}

	q := Quote{Side: side, Stake: new(big.Int).Set(stake), PotentialReturn: new(big.Int).Set(stake), Coefficient: decimal.NewFromInt(1)}
	if stake.Sign() <= 0 {
		return q, nil
	}

	same := new(big.Int).Add(p.Amount(side), stake)
	gain, err := fixedpoint.MulDiv(p.Amount(side.Opposite()), stake, same)
	if err != nil {
		return Quote{}, err
	}
	q.PotentialReturn.Add(q.PotentialReturn, gain)
	q.Coefficient, err = fixedpoint.Ratio(q.PotentialReturn, stake, CoefficientScale)
	if err != nil {
		return Quote{}, err
	}
	return q, nil
}
