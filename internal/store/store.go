// Package store defines the persistence interface for indexed bets and
// rounds. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/betfinio/predict/internal/model"
)

var (
	// ErrNotFound is returned when a round or bet has no stored record.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateBet is returned when a bet address is indexed twice.
	ErrDuplicateBet = errors.New("store: bet already indexed")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Bets ---

	// InsertBet records a newly indexed bet and makes sure its round exists.
	// A repeated bet address fails with ErrDuplicateBet; a submission index
	// already taken in the round fails with model.ErrInvalidInput.
	InsertBet(ctx context.Context, bet *model.Bet) error

	// GetRoundBets returns a round's bets ordered by submission index. A
	// round without bets yields an empty slice.
	GetRoundBets(ctx context.Context, game common.Address, round int64) ([]model.Bet, error)

	// GetRoundsBets returns the bets of several rounds in one read, keyed by
	// round and ordered by submission index. Rounds without bets are absent.
	GetRoundsBets(ctx context.Context, game common.Address, rounds []int64) (map[int64][]model.Bet, error)

	// GetBet returns one bet by its contract address or ErrNotFound.
	GetBet(ctx context.Context, address common.Address) (*model.Bet, error)

	// RecentBets returns up to limit bets across all games, newest first.
	RecentBets(ctx context.Context, limit int) ([]model.Bet, error)

	// BetStats returns a game's bet count and total staked amount.
	BetStats(ctx context.Context, game common.Address) (model.BetStats, error)

	// GetPlayerBets returns one player's bets in a round, in submission order.
	GetPlayerBets(ctx context.Context, game common.Address, round int64, player common.Address) ([]model.Bet, error)

	// GetPlayerRounds returns the rounds a player bet in, newest first.
	GetPlayerRounds(ctx context.Context, game common.Address, player common.Address) ([]int64, error)

	// --- Rounds ---

	// ListRounds returns up to limit round records, newest first.
	ListRounds(ctx context.Context, game common.Address, limit int) ([]model.RoundRecord, error)

	// LatestPrice returns the newest record at or before round maxRound that
	// has an end price, or ErrNotFound.
	LatestPrice(ctx context.Context, game common.Address, maxRound int64) (*model.RoundRecord, error)

	// GetRound returns one round record or ErrNotFound.
	GetRound(ctx context.Context, game common.Address, round int64) (*model.RoundRecord, error)

	// UpsertRoundPrices stores the feed prices observed for a round. A nil
	// price leaves the stored value unchanged.
	UpsertRoundPrices(ctx context.Context, game common.Address, round int64, priceStart, priceEnd *big.Int) error

	// ApplySettlement writes the on-chain outcome of every listed bet and
	// marks the round calculated, atomically. An unknown bet fails the whole
	// settlement with model.ErrInvalidInput. Amount, side and order are
	// never touched.
	ApplySettlement(ctx context.Context, s *model.Settlement) error
}

// DefaultListLimit bounds ListRounds and RecentBets when the caller passes
// no limit.
const DefaultListLimit = 50

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return DefaultListLimit
	}
	return limit
}

// cloneBet deep-copies the big.Int fields so stored bets cannot be mutated
// through a returned value.
func cloneBet(b model.Bet) model.Bet {
	b.Amount = cloneInt(b.Amount)
	b.Result = cloneInt(b.Result)
	b.Bonus = cloneInt(b.Bonus)
	return b
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func cloneRecord(r model.RoundRecord) model.RoundRecord {
	if r.PriceStart != nil {
		r.PriceStart = new(big.Int).Set(r.PriceStart)
	}
	if r.PriceEnd != nil {
		r.PriceEnd = new(big.Int).Set(r.PriceEnd)
	}
	if r.CalculatedAt != nil {
		t := *r.CalculatedAt
		r.CalculatedAt = &t
	}
	return r
}
