// Package pool derives per-side stake totals from a round's bet list.
package pool

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/betfinio/predict/internal/fixedpoint"
	"github.com/betfinio/predict/internal/model"
)

// Aggregate sums amounts, bet counts and distinct players per side in one
// pass. An empty list yields a zero pool. Bets with an unknown side are
// skipped; callers validate with model.ValidateBets first.
func Aggregate(bets []model.Bet) model.Pool {
	p := model.Pool{Long: new(big.Int), Short: new(big.Int)}
	longPlayers := make(map[common.Address]struct{})
	shortPlayers := make(map[common.Address]struct{})

	for _, b := range bets {
		amount := fixedpoint.OrZero(b.Amount)
		switch b.Side {
		case model.SideLong:
			p.Long.Add(p.Long, amount)
			p.LongCount++
			longPlayers[b.Player] = struct{}{}
		case model.SideShort:
			p.Short.Add(p.Short, amount)
			p.ShortCount++
			shortPlayers[b.Player] = struct{}{}
		}
	}

	p.LongPlayersCount = len(longPlayers)
	p.ShortPlayersCount = len(shortPlayers)
	return p
}

// Shares returns each side's percentage of the total pool, rounded to two
// places. An empty pool reads as an even 50/50 split.
func Shares(p model.Pool) (long, short decimal.Decimal) {
	total := p.Total()
	if total.Sign() == 0 {
		half := decimal.NewFromInt(50)
		return half, half
	}
	// total is non-zero here, so Ratio cannot fail.
	longPct, _ := fixedpoint.Ratio(new(big.Int).Mul(p.Amount(model.SideLong), big.NewInt(100)), total, 2)
	return longPct, decimal.NewFromInt(100).Sub(longPct)
}
