// Package round maps wall-clock time onto a game's round schedule.
//
// Round r starts at r*interval. Bets are accepted during its first interval
// only; the outcome price is taken at (r+duration)*interval, after which the
// round waits for an on-chain calculateBets call. Nothing here is stored:
// status is recomputed from the clock on every call.
package round

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betfinio/predict/internal/fixedpoint"
	"github.com/betfinio/predict/internal/model"
)

// Status is a round's lifecycle state.
type Status uint8

const (
	StatusAccepting Status = iota + 1
	StatusWaiting
	StatusEnded
	StatusCalculated
)

func (s Status) String() string {
	switch s {
	case StatusAccepting:
		return "accepting"
	case StatusWaiting:
		return "waiting"
	case StatusEnded:
		return "ended"
	case StatusCalculated:
		return "calculated"
	}
	return "unknown"
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the side a round's price movement favours.
type Outcome string

const (
	OutcomePending Outcome = ""
	OutcomeLong    Outcome = "long"
	OutcomeShort   Outcome = "short"
	OutcomeDraw    Outcome = "draw"
)

// Schedule is a game's round timing: Interval seconds per slot and Duration
// slots from round start to outcome.
type Schedule struct {
	Interval int64
	Duration int64
}

// NewSchedule validates interval and duration.
func NewSchedule(interval, duration int64) (Schedule, error) {
	if interval <= 0 || duration <= 0 {
		return Schedule{}, fmt.Errorf("%w: schedule needs positive interval and duration, got %d/%d",
			model.ErrInvalidInput, interval, duration)
	}
	return Schedule{Interval: interval, Duration: duration}, nil
}

// maxUnix is 9999-12-31T23:59:59Z, the last second that still encodes as
// an RFC 3339 timestamp.
const maxUnix = 253402300799

// MaxRound is the last round whose outcome time fits the clock.
func (s Schedule) MaxRound() int64 {
	return maxUnix/s.Interval - s.Duration
}

// Valid reports whether r is a round the schedule can place in time.
func (s Schedule) Valid(r int64) bool {
	return r >= 0 && r <= s.MaxRound()
}

// ForGame returns the schedule of a configured game.
func ForGame(g model.Game) (Schedule, error) {
	return NewSchedule(g.Interval, g.Duration)
}

// Current returns the index of the round accepting bets at now.
func (s Schedule) Current(now time.Time) int64 {
	sec := now.Unix()
	r := sec / s.Interval
	if sec < 0 && sec%s.Interval != 0 {
		r--
	}
	return r
}

// Start is the moment round r opens. Start, BettingClosesAt and End expect
// a Valid round.
func (s Schedule) Start(r int64) time.Time {
	return time.Unix(r*s.Interval, 0).UTC()
}

// BettingClosesAt is the end of round r's first interval.
func (s Schedule) BettingClosesAt(r int64) time.Time {
	return time.Unix((r+1)*s.Interval, 0).UTC()
}

// End is the moment round r's outcome price is taken.
func (s Schedule) End(r int64) time.Time {
	return time.Unix((r+s.Duration)*s.Interval, 0).UTC()
}

// Status classifies round r at now. calculated only matters once the round
// has ended. Rounds past MaxRound are always accepting.
func (s Schedule) Status(r int64, now time.Time, calculated bool) Status {
	sec := now.Unix()
	switch {
	case r > s.MaxRound(), sec < (r+1)*s.Interval:
		return StatusAccepting
	case sec < (r+s.Duration)*s.Interval:
		return StatusWaiting
	case calculated:
		return StatusCalculated
	default:
		return StatusEnded
	}
}

// Progress is the elapsed share of round r from start to end, in percent,
// clamped to [0, 100].
func (s Schedule) Progress(r int64, now time.Time) decimal.Decimal {
	if r > s.MaxRound() {
		return decimal.Zero
	}
	start := r * s.Interval
	end := (r + s.Duration) * s.Interval
	sec := now.Unix()
	switch {
	case sec <= start:
		return decimal.Zero
	case sec >= end:
		return decimal.NewFromInt(100)
	}
	return decimal.NewFromInt(sec - start).
		Mul(decimal.NewFromInt(100)).
		DivRound(decimal.NewFromInt(end-start), fixedpoint.DisplayDigits)
}

// OutcomeOf compares start and end feed prices. Missing prices mean the
// outcome is not known yet.
func OutcomeOf(priceStart, priceEnd *big.Int) Outcome {
	if priceStart == nil || priceEnd == nil || priceStart.Sign() == 0 || priceEnd.Sign() == 0 {
		return OutcomePending
	}
	switch priceEnd.Cmp(priceStart) {
	case 1:
		return OutcomeLong
	case -1:
		return OutcomeShort
	}
	return OutcomeDraw
}

// PriceChange returns (to - from) / from in percent, rounded to display
// digits. A zero base price fails with fixedpoint.ErrDivisionByZero.
func PriceChange(from, to *big.Int) (decimal.Decimal, error) {
	if from == nil || to == nil {
		return decimal.Zero, fmt.Errorf("%w: price change needs both prices", model.ErrInvalidInput)
	}
	diff := new(big.Int).Sub(to, from)
	return fixedpoint.Ratio(diff.Mul(diff, big.NewInt(100)), from, fixedpoint.DisplayDigits)
}
