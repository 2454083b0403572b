package predict

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betfinio/predict/internal/fixedpoint"
	"github.com/betfinio/predict/internal/model"
	"github.com/betfinio/predict/internal/payout"
	"github.com/betfinio/predict/internal/pool"
	"github.com/betfinio/predict/internal/round"
)

// Amounts are sent twice: exact wei as a JSON number for clients that do
// their own math, and a rounded token decimal for display.

// GameView is one configured game with its current round.
type GameView struct {
	model.Game
	CurrentRound int64        `json:"current_round"`
	Status       round.Status `json:"status"`
}

// CurrentRoundView describes the round accepting bets now.
type CurrentRoundView struct {
	Game            string          `json:"game"`
	Round           int64           `json:"round"`
	Status          round.Status    `json:"status"`
	StartsAt        time.Time       `json:"starts_at"`
	BettingClosesAt time.Time       `json:"betting_closes_at"`
	EndsAt          time.Time       `json:"ends_at"`
	Progress        decimal.Decimal `json:"progress"`
	Now             time.Time       `json:"now"`
}

// RoundSummary is one row of the round list.
type RoundSummary struct {
	model.Round
	Status round.Status `json:"status"`
}

// RoundView is the round detail page.
type RoundView struct {
	Game            string           `json:"game"`
	Round           int64            `json:"round"`
	Status          round.Status     `json:"status"`
	StartsAt        time.Time        `json:"starts_at"`
	EndsAt          time.Time        `json:"ends_at"`
	Progress        decimal.Decimal  `json:"progress"`
	Pool            model.Pool       `json:"pool"`
	Total           *big.Int         `json:"total"`
	TotalTokens     decimal.Decimal  `json:"total_tokens"`
	LongShare       decimal.Decimal  `json:"long_share"`
	ShortShare      decimal.Decimal  `json:"short_share"`
	BonusRateBps    int64            `json:"bonus_rate_bps"`
	BonusPool       *big.Int         `json:"bonus_pool"`
	BonusPoolTokens decimal.Decimal  `json:"bonus_pool_tokens"`
	PriceStart      *big.Int         `json:"price_start,omitempty"`
	PriceEnd        *big.Int         `json:"price_end,omitempty"`
	PriceStartValue decimal.Decimal  `json:"price_start_value"`
	PriceEndValue   decimal.Decimal  `json:"price_end_value"`
	PriceChange     *decimal.Decimal `json:"price_change,omitempty"`
	Outcome         round.Outcome    `json:"outcome,omitempty"`
	Calculated      bool             `json:"calculated"`
	CalculatedAt    *time.Time       `json:"calculated_at,omitempty"`
}

// BetView is a bet with display amounts and its settled payout.
type BetView struct {
	model.Bet
	AmountTokens decimal.Decimal `json:"amount_tokens"`
	Payout       *big.Int        `json:"payout"`
	PayoutTokens decimal.Decimal `json:"payout_tokens"`
}

// BetsView is a round's ordered bet list.
type BetsView struct {
	Game  string     `json:"game"`
	Round int64      `json:"round"`
	Pool  model.Pool `json:"pool"`
	Bets  []BetView  `json:"bets"`
}

// AllocationView is one bet's bonus preview.
type AllocationView struct {
	model.BonusAllocation
	BonusTokens decimal.Decimal `json:"bonus_tokens"`
}

// BonusesView lists the bonus preview of every bet in a round.
type BonusesView struct {
	Game         string           `json:"game"`
	Round        int64            `json:"round"`
	BonusRateBps int64            `json:"bonus_rate_bps"`
	BonusPool    *big.Int         `json:"bonus_pool"`
	Allocations  []AllocationView `json:"allocations"`
	Preview      bool             `json:"preview"`
}

// ExpectedView is a player's payout preview under both outcomes.
type ExpectedView struct {
	model.ExpectedPayout
	Game       string          `json:"game"`
	Round      int64           `json:"round"`
	Player     string          `json:"player"`
	LongTotal  decimal.Decimal `json:"long_total"`
	ShortTotal decimal.Decimal `json:"short_total"`
	BetCount   int             `json:"bet_count"`
	Preview    bool            `json:"preview"`
}

// QuoteView is the bet form preview.
type QuoteView struct {
	payout.Quote
	Game                  string          `json:"game"`
	Round                 int64           `json:"round"`
	PotentialReturnTokens decimal.Decimal `json:"potential_return_tokens"`
	Preview               bool            `json:"preview"`
}

// PlayerRoundsView lists the rounds a player bet in for one game.
type PlayerRoundsView struct {
	Game   string  `json:"game"`
	Rounds []int64 `json:"rounds"`
}

// BetDetailView is a bet outside its round page, tagged with its game.
type BetDetailView struct {
	BetView
	Pair        string       `json:"pair,omitempty"`
	RoundStatus round.Status `json:"round_status,omitempty"`
}

// GameStatsView is one game's lifetime bet figures.
type GameStatsView struct {
	model.BetStats
	Game         string          `json:"game"`
	VolumeTokens decimal.Decimal `json:"volume_tokens"`
}

// StatsView sums the bet figures of every configured game.
type StatsView struct {
	Games        []GameStatsView `json:"games"`
	Count        int64           `json:"count"`
	Volume       *big.Int        `json:"volume"`
	VolumeTokens decimal.Decimal `json:"volume_tokens"`
}

// PriceView is a game's latest ingested feed price and its change over the
// preceding day.
type PriceView struct {
	Game        string           `json:"game"`
	Round       int64            `json:"round"`
	Price       *big.Int         `json:"price"`
	PriceValue  decimal.Decimal  `json:"price_value"`
	At          time.Time        `json:"at"`
	DayAgoRound *int64           `json:"day_ago_round,omitempty"`
	DayAgoPrice *big.Int         `json:"day_ago_price,omitempty"`
	Change24h   *decimal.Decimal `json:"change_24h,omitempty"`
}

func newBetView(b model.Bet) BetView {
	p := b.Payout()
	return BetView{
		Bet:          b,
		AmountTokens: fixedpoint.ToTokens(b.Amount, fixedpoint.DisplayDigits),
		Payout:       p,
		PayoutTokens: fixedpoint.ToTokens(p, fixedpoint.DisplayDigits),
	}
}

func (g *game) roundView(rec *model.RoundRecord, bets []model.Bet, now time.Time) RoundView {
	p := pool.Aggregate(bets)
	total := p.Total()
	bonusPool := g.engine.BonusPool(total)
	long, short := pool.Shares(p)

	v := RoundView{
		Game:            g.Pair,
		Round:           rec.Index,
		Status:          g.schedule.Status(rec.Index, now, rec.Calculated),
		StartsAt:        g.schedule.Start(rec.Index),
		EndsAt:          g.schedule.End(rec.Index),
		Progress:        g.schedule.Progress(rec.Index, now),
		Pool:            p,
		Total:           total,
		TotalTokens:     fixedpoint.ToTokens(total, fixedpoint.DisplayDigits),
		LongShare:       long,
		ShortShare:      short,
		BonusRateBps:    g.engine.RateBps(),
		BonusPool:       bonusPool,
		BonusPoolTokens: fixedpoint.ToTokens(bonusPool, fixedpoint.DisplayDigits),
		PriceStart:      rec.PriceStart,
		PriceEnd:        rec.PriceEnd,
		PriceStartValue: fixedpoint.ToDecimal(rec.PriceStart, fixedpoint.PriceDecimals, fixedpoint.DisplayDigits),
		PriceEndValue:   fixedpoint.ToDecimal(rec.PriceEnd, fixedpoint.PriceDecimals, fixedpoint.DisplayDigits),
		Outcome:         round.OutcomeOf(rec.PriceStart, rec.PriceEnd),
		Calculated:      rec.Calculated,
		CalculatedAt:    rec.CalculatedAt,
	}
	if rec.PriceEnd != nil {
		if change, err := round.PriceChange(rec.PriceStart, rec.PriceEnd); err == nil {
			v.PriceChange = &change
		}
	}
	return v
}
