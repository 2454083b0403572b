// Package model defines the core domain types shared across the predict
// service. On-chain amounts are scaled integers held in *big.Int (wei for
// tokens, 10^8 for feed prices); conversion to decimal.Decimal happens only
// at the display boundary (see package fixedpoint).
package model

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ErrInvalidInput marks upstream data-integrity faults in bet lists and
// configuration. It is always wrapped with the specific reason.
var ErrInvalidInput = errors.New("model: invalid input")

// MaxBasisPoints is 100%.
const MaxBasisPoints = 10_000

// Side is a bettor's directional position. The zero value means the side
// was not provided and is rejected by ValidateBets.
type Side uint8

const (
	SideUnknown Side = iota
	SideLong
	SideShort
)

// SideFromBool maps the contract's boolean side flag (true = long).
func SideFromBool(long bool) Side {
	if long {
		return SideLong
	}
	return SideShort
}

// ParseSide accepts "long"/"short" (also "up"/"down"), case-insensitive.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "long", "up":
		return SideLong, nil
	case "short", "down":
		return SideShort, nil
	}
	return SideUnknown, fmt.Errorf("%w: unknown side %q", ErrInvalidInput, s)
}

func (s Side) String() string {
	switch s {
	case SideLong:
		return "long"
	case SideShort:
		return "short"
	}
	return "unknown"
}

// Opposite returns the other side. SideUnknown maps to itself.
func (s Side) Opposite() Side {
	switch s {
	case SideLong:
		return SideShort
	case SideShort:
		return SideLong
	}
	return SideUnknown
}

func (s Side) MarshalText() ([]byte, error) {
	if s == SideUnknown {
		return nil, fmt.Errorf("%w: cannot encode unknown side", ErrInvalidInput)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// BetStatus mirrors the bet contract's status codes.
type BetStatus uint8

const (
	StatusPending  BetStatus = 1
	StatusWon      BetStatus = 2
	StatusLost     BetStatus = 3
	StatusDraw     BetStatus = 4
	StatusRefunded BetStatus = 5
)

var betStatusNames = map[BetStatus]string{
	StatusPending:  "pending",
	StatusWon:      "won",
	StatusLost:     "lost",
	StatusDraw:     "draw",
	StatusRefunded: "refunded",
}

func (s BetStatus) String() string {
	if name, ok := betStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// Valid reports whether s is one of the known contract codes.
func (s BetStatus) Valid() bool {
	_, ok := betStatusNames[s]
	return ok
}

// Settled reports whether the round outcome has been written to the bet.
func (s BetStatus) Settled() bool {
	return s != StatusPending && s.Valid()
}

func (s BetStatus) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("%w: unknown bet status %d", ErrInvalidInput, uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *BetStatus) UnmarshalText(b []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(b)))
	for code, n := range betStatusNames {
		if n == name {
			*s = code
			return nil
		}
	}
	return fmt.Errorf("%w: unknown bet status %q", ErrInvalidInput, name)
}

// Bet is one on-chain bet as indexed from the game contract. The slice order
// of a round's bets is the on-chain acceptance order; it alone drives the
// bonus position weight.
type Bet struct {
	Address         common.Address `json:"address" db:"address"` // bet contract
	Game            common.Address `json:"game" db:"game"`
	Round           int64          `json:"round" db:"round"`
	Player          common.Address `json:"player" db:"player"`
	Amount          *big.Int       `json:"amount" db:"amount"`
	Side            Side           `json:"side" db:"side"`
	SubmissionIndex int            `json:"submission_index" db:"submission_index"`
	Status          BetStatus      `json:"status" db:"status"`
	Result          *big.Int       `json:"result" db:"result"` // 0 until settled
	Bonus           *big.Int       `json:"bonus" db:"bonus"`   // 0 until settled
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// Payout is the settled amount shown to the player: result plus bonus.
func (b Bet) Payout() *big.Int {
	out := new(big.Int)
	if b.Result != nil {
		out.Add(out, b.Result)
	}
	if b.Bonus != nil {
		out.Add(out, b.Bonus)
	}
	return out
}

// Pool is the per-side aggregate of a round's bets.
type Pool struct {
	Long              *big.Int `json:"long"`
	Short             *big.Int `json:"short"`
	LongCount         int      `json:"long_count"`
	ShortCount        int      `json:"short_count"`
	LongPlayersCount  int      `json:"long_players_count"`
	ShortPlayersCount int      `json:"short_players_count"`
}

// Total is Long + Short.
func (p Pool) Total() *big.Int {
	out := new(big.Int)
	if p.Long != nil {
		out.Add(out, p.Long)
	}
	if p.Short != nil {
		out.Add(out, p.Short)
	}
	return out
}

// Amount returns the staked total for one side.
func (p Pool) Amount(s Side) *big.Int {
	var v *big.Int
	switch s {
	case SideLong:
		v = p.Long
	case SideShort:
		v = p.Short
	}
	if v == nil {
		return new(big.Int)
	}
	return v
}

// Game is one configured price pair with its own contract and timing.
type Game struct {
	Pair         string         `json:"pair"`
	Address      common.Address `json:"address"`
	DataFeed     common.Address `json:"data_feed"`
	Interval     int64          `json:"interval"`
	Duration     int64          `json:"duration"`
	BonusRateBps int64          `json:"bonus_rate_bps"`
}

// RoundRecord is the persisted, indexer-fed state of a round. Pool figures
// are never stored; they are always re-derived from the bet list.
type RoundRecord struct {
	Game         common.Address `json:"game" db:"game"`
	Index        int64          `json:"index" db:"round"`
	PriceStart   *big.Int       `json:"price_start" db:"price_start"`
	PriceEnd     *big.Int       `json:"price_end" db:"price_end"`
	Calculated   bool           `json:"calculated" db:"calculated"`
	CalculatedAt *time.Time     `json:"calculated_at,omitempty" db:"calculated_at"`
}

// Round is a round record joined with its derived pool and the requesting
// player's participation.
type Round struct {
	RoundRecord
	Interval              int64 `json:"interval"`
	Duration              int64 `json:"duration"`
	Pool                  Pool  `json:"pool"`
	CurrentPlayerBetCount int   `json:"current_player_bet_count"`
}

// BetStats is a game's lifetime bet count and staked volume.
type BetStats struct {
	Count  int64    `json:"count"`
	Volume *big.Int `json:"volume"`
}

// BonusAllocation is one bet's order-weighted share of its side's bonus pool.
type BonusAllocation struct {
	Bet            Bet      `json:"bet"`
	PositionWeight *big.Int `json:"position_weight"`
	BonusShare     *big.Int `json:"bonus_share"`
}

// ExpectedPayout is a player's preview payout under each hypothetical
// outcome. It is an estimate and never a substitute for settlement.
type ExpectedPayout struct {
	LongWin    *big.Int `json:"long_win"`
	ShortWin   *big.Int `json:"short_win"`
	LongBonus  *big.Int `json:"long_bonus"`
	ShortBonus *big.Int `json:"short_bonus"`
}

// NewExpectedPayout returns an all-zero payout.
func NewExpectedPayout() ExpectedPayout {
	return ExpectedPayout{
		LongWin:    new(big.Int),
		ShortWin:   new(big.Int),
		LongBonus:  new(big.Int),
		ShortBonus: new(big.Int),
	}
}

// BetSettlement is the authoritative on-chain outcome of one bet.
type BetSettlement struct {
	Address common.Address `json:"address"`
	Status  BetStatus      `json:"status"`
	Result  *big.Int       `json:"result"`
	Bonus   *big.Int       `json:"bonus"`
}

// Settlement is the result of a round's calculateBets transaction as seen by
// the indexer.
type Settlement struct {
	Game      common.Address  `json:"game"`
	Round     int64           `json:"round"`
	Bets      []BetSettlement `json:"bets"`
	SettledAt time.Time       `json:"settled_at"`
}

// ValidateBets checks a round's ordered bet list before any math runs on it.
// Submission indexes must be strictly ascending in slice order; gaps are
// allowed.
func ValidateBets(bets []Bet) error {
	prev := -1
	for i, b := range bets {
		if b.Amount == nil {
			return fmt.Errorf("%w: bet %d has no amount", ErrInvalidInput, i)
		}
		if b.Amount.Sign() < 0 {
			return fmt.Errorf("%w: bet %d has negative amount %s", ErrInvalidInput, i, b.Amount)
		}
		if b.Side != SideLong && b.Side != SideShort {
			return fmt.Errorf("%w: bet %d has no side", ErrInvalidInput, i)
		}
		if b.Player == (common.Address{}) {
			return fmt.Errorf("%w: bet %d has no player", ErrInvalidInput, i)
		}
		if b.SubmissionIndex <= prev {
			return fmt.Errorf("%w: bet %d submission index %d not after %d",
				ErrInvalidInput, i, b.SubmissionIndex, prev)
		}
		prev = b.SubmissionIndex
	}
	return nil
}

// ValidateRate checks a bonus rate in basis points.
func ValidateRate(bps int64) error {
	if bps < 0 || bps > MaxBasisPoints {
		return fmt.Errorf("%w: bonus rate %d bps outside 0..%d", ErrInvalidInput, bps, MaxBasisPoints)
	}
	return nil
}

// ValidateSettlement checks an indexed settlement before it is applied.
func ValidateSettlement(s *Settlement) error {
	if len(s.Bets) == 0 {
		return fmt.Errorf("%w: settlement has no bets", ErrInvalidInput)
	}
	seen := make(map[common.Address]bool, len(s.Bets))
	for i, b := range s.Bets {
		if seen[b.Address] {
			return fmt.Errorf("%w: settlement lists bet %s twice", ErrInvalidInput, b.Address.Hex())
		}
		seen[b.Address] = true
		if !b.Status.Settled() {
			return fmt.Errorf("%w: settlement entry %d has status %s", ErrInvalidInput, i, b.Status)
		}
		if (b.Result != nil && b.Result.Sign() < 0) || (b.Bonus != nil && b.Bonus.Sign() < 0) {
			return fmt.Errorf("%w: settlement entry %d has a negative payout", ErrInvalidInput, i)
		}
	}
	return nil
}
