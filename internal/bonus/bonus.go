// Package bonus distributes a round's bonus pool across its bets.
//
// A fixed share of the total pool (the bonus rate, in basis points) is set
// aside and split within each side by position weight: a bet's amount times
// the number of bets from its position to the end of the round. Earlier bets
// therefore earn a larger multiplier than later bets of the same size.
//
// All arithmetic is on scaled integers and truncates, so the sum of a side's
// shares can fall short of the bonus pool by at most one unit per bet.
package bonus

import (
	"math/big"

	"github.com/betfinio/predict/internal/fixedpoint"
	"github.com/betfinio/predict/internal/model"
	"github.com/betfinio/predict/internal/pool"
)

// Engine computes bonus allocations for a fixed rate. It holds no round
// state and is safe for concurrent use.
type Engine struct {
	rateBps int64
}

// NewEngine creates an engine for a bonus rate in basis points (400 = 4%).
func NewEngine(rateBps int64) (*Engine, error) {
	if err := model.ValidateRate(rateBps); err != nil {
		return nil, err
	}
	return &Engine{rateBps: rateBps}, nil
}

// RateBps returns the configured bonus rate.
func (e *Engine) RateBps() int64 {
	return e.rateBps
}

// BonusPool returns total * rate / 10000, truncated.
func (e *Engine) BonusPool(total *big.Int) *big.Int {
	out := new(big.Int).Mul(fixedpoint.OrZero(total), big.NewInt(e.rateBps))
	return out.Quo(out, big.NewInt(model.MaxBasisPoints))
}

// Weights returns amount * (n - i) for each bet, where n is the number of
// bets in the round and i the bet's position in the list.
func Weights(bets []model.Bet) []*big.Int {
	n := len(bets)
	out := make([]*big.Int, n)
	for i, b := range bets {
		out[i] = new(big.Int).Mul(fixedpoint.OrZero(b.Amount), big.NewInt(int64(n-i)))
	}
	return out
}

// SideWeights sums weights per side.
func SideWeights(bets []model.Bet, weights []*big.Int) (long, short *big.Int) {
	long, short = new(big.Int), new(big.Int)
	for i, b := range bets {
		switch b.Side {
		case model.SideLong:
			long.Add(long, weights[i])
		case model.SideShort:
			short.Add(short, weights[i])
		}
	}
	return long, short
}

// Allocate returns one allocation per bet, in input order. Each side shares
// the full bonus pool among its own bets; a side whose total weight is zero
// allocates nothing. Bets must be in submission order.
func (e *Engine) Allocate(bets []model.Bet) ([]model.BonusAllocation, error) {
	if err := model.ValidateBets(bets); err != nil {
		return nil, err
	}

	bonusPool := e.BonusPool(pool.Aggregate(bets).Total())
	weights := Weights(bets)
	longTotal, shortTotal := SideWeights(bets, weights)

	out := make([]model.BonusAllocation, len(bets))
	for i, b := range bets {
		sideTotal := longTotal
		if b.Side == model.SideShort {
			sideTotal = shortTotal
		}
		share := new(big.Int)
		if sideTotal.Sign() > 0 {
			// sideTotal is checked above; MulDiv cannot fail.
			share, _ = fixedpoint.MulDiv(bonusPool, weights[i], sideTotal)
		}
		out[i] = model.BonusAllocation{
			Bet:            b,
			PositionWeight: weights[i],
			BonusShare:     share,
		}
	}
	return out, nil
}
