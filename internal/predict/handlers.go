package predict

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/betfinio/predict/internal/fixedpoint"
	"github.com/betfinio/predict/internal/metrics"
	"github.com/betfinio/predict/internal/model"
	"github.com/betfinio/predict/internal/payout"
	"github.com/betfinio/predict/internal/pool"
	"github.com/betfinio/predict/internal/round"
	"github.com/betfinio/predict/internal/store"
)

const dayLength = 24 * time.Hour

// ListGames handles GET /api/v1/games.
func (s *Service) ListGames(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	out := lo.Map(s.pairs, func(pair string, _ int) GameView {
		g := s.games[pair]
		cur := g.schedule.Current(now)
		return GameView{Game: g.Game, CurrentRound: cur, Status: g.schedule.Status(cur, now, false)}
	})
	writeJSON(w, http.StatusOK, out)
}

// GetCurrentRound handles GET /api/v1/games/{pair}/rounds/current.
func (s *Service) GetCurrentRound(w http.ResponseWriter, r *http.Request) {
	g, err := s.gameFor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	now := s.now()
	cur := g.schedule.Current(now)
	writeJSON(w, http.StatusOK, CurrentRoundView{
		Game:            g.Pair,
		Round:           cur,
		Status:          g.schedule.Status(cur, now, false),
		StartsAt:        g.schedule.Start(cur),
		BettingClosesAt: g.schedule.BettingClosesAt(cur),
		EndsAt:          g.schedule.End(cur),
		Progress:        g.schedule.Progress(cur, now),
		Now:             now.UTC(),
	})
}

// ListRounds handles GET /api/v1/games/{pair}/rounds?player=&limit=.
func (s *Service) ListRounds(w http.ResponseWriter, r *http.Request) {
	g, err := s.gameFor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()

	var player common.Address
	if raw := r.URL.Query().Get("player"); raw != "" {
		if player, err = parseAddress(raw, "player"); err != nil {
			fail(w, r, err)
			return
		}
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			fail(w, r, fmt.Errorf("%w: limit %q", model.ErrInvalidInput, raw))
			return
		}
	}

	records, err := s.store.ListRounds(ctx, g.Address, limit)
	if err != nil {
		fail(w, r, err)
		return
	}

	byRound, err := s.roundsBets(ctx, g, lo.Map(records, func(rec model.RoundRecord, _ int) int64 { return rec.Index }))
	if err != nil {
		fail(w, r, err)
		return
	}

	now := s.now()
	out := make([]RoundSummary, 0, len(records))
	for _, rec := range records {
		bets := byRound[rec.Index]
		sum := RoundSummary{Status: g.schedule.Status(rec.Index, now, rec.Calculated)}
		sum.RoundRecord = rec
		sum.Interval = g.Interval
		sum.Duration = g.Duration
		sum.Pool = pool.Aggregate(bets)
		if player != (common.Address{}) {
			sum.CurrentPlayerBetCount = lo.CountBy(bets, func(b model.Bet) bool { return b.Player == player })
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

// GetRound handles GET /api/v1/games/{pair}/rounds/{round}.
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	g, n, ok := s.gameRound(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	rec, err := s.roundRecord(ctx, g, n)
	if err != nil {
		fail(w, r, err)
		return
	}
	bets, err := s.roundBets(ctx, g, n)
	if err != nil {
		fail(w, r, err)
		return
	}
	metrics.Previews.WithLabelValues("round").Inc()
	writeJSON(w, http.StatusOK, g.roundView(rec, bets, s.now()))
}

// GetRoundBets handles GET /api/v1/games/{pair}/rounds/{round}/bets.
func (s *Service) GetRoundBets(w http.ResponseWriter, r *http.Request) {
	g, n, ok := s.gameRound(w, r)
	if !ok {
		return
	}
	bets, err := s.roundBets(r.Context(), g, n)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BetsView{
		Game:  g.Pair,
		Round: n,
		Pool:  pool.Aggregate(bets),
		Bets:  lo.Map(bets, func(b model.Bet, _ int) BetView { return newBetView(b) }),
	})
}

// GetBonuses handles GET /api/v1/games/{pair}/rounds/{round}/bonuses.
func (s *Service) GetBonuses(w http.ResponseWriter, r *http.Request) {
	g, n, ok := s.gameRound(w, r)
	if !ok {
		return
	}
	bets, err := s.roundBets(r.Context(), g, n)
	if err != nil {
		fail(w, r, err)
		return
	}
	allocs, err := g.engine.Allocate(bets)
	if err != nil {
		metrics.PreviewErrors.WithLabelValues("bonuses").Inc()
		fail(w, r, err)
		return
	}
	metrics.Previews.WithLabelValues("bonuses").Inc()

	total := pool.Aggregate(bets).Total()
	writeJSON(w, http.StatusOK, BonusesView{
		Game:         g.Pair,
		Round:        n,
		BonusRateBps: g.engine.RateBps(),
		BonusPool:    g.engine.BonusPool(total),
		Allocations: lo.Map(allocs, func(a model.BonusAllocation, _ int) AllocationView {
			return AllocationView{BonusAllocation: a, BonusTokens: fixedpoint.ToTokens(a.BonusShare, fixedpoint.DisplayDigits)}
		}),
		Preview: true,
	})
}

// GetExpectedPayout handles GET /api/v1/games/{pair}/rounds/{round}/expected/{player}.
func (s *Service) GetExpectedPayout(w http.ResponseWriter, r *http.Request) {
	g, n, ok := s.gameRound(w, r)
	if !ok {
		return
	}
	player, err := parseAddress(chi.URLParam(r, "player"), "player")
	if err != nil {
		fail(w, r, err)
		return
	}
	bets, err := s.roundBets(r.Context(), g, n)
	if err != nil {
		fail(w, r, err)
		return
	}
	exp, err := g.estimator.Estimate(bets, player)
	if err != nil {
		metrics.PreviewErrors.WithLabelValues("expected").Inc()
		fail(w, r, err)
		return
	}
	metrics.Previews.WithLabelValues("expected").Inc()

	writeJSON(w, http.StatusOK, ExpectedView{
		ExpectedPayout: exp,
		Game:           g.Pair,
		Round:          n,
		Player:         player.Hex(),
		LongTotal:      fixedpoint.ToTokens(fixedpoint.Sum(exp.LongWin, exp.LongBonus), fixedpoint.DisplayDigits),
		ShortTotal:     fixedpoint.ToTokens(fixedpoint.Sum(exp.ShortWin, exp.ShortBonus), fixedpoint.DisplayDigits),
		BetCount:       lo.CountBy(bets, func(b model.Bet) bool { return b.Player == player }),
		Preview:        true,
	})
}

// GetQuote handles GET /api/v1/games/{pair}/rounds/{round}/quote?side=&amount=.
// amount is in whole tokens.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	g, n, ok := s.gameRound(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	side, err := model.ParseSide(q.Get("side"))
	if err != nil {
		fail(w, r, err)
		return
	}
	stake, err := fixedpoint.Parse(q.Get("amount"), fixedpoint.TokenDecimals)
	if err != nil {
		fail(w, r, err)
		return
	}
	if stake.Cmp(payout.MinStake) < 0 {
		fail(w, r, fmt.Errorf("%w: amount must be at least %s",
			model.ErrInvalidInput, fixedpoint.ToTokens(payout.MinStake)))
		return
	}

	bets, err := s.roundBets(r.Context(), g, n)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := model.ValidateBets(bets); err != nil {
		metrics.PreviewErrors.WithLabelValues("quote").Inc()
		fail(w, r, err)
		return
	}
	quote, err := payout.QuoteBet(pool.Aggregate(bets), side, stake)
	if err != nil {
		metrics.PreviewErrors.WithLabelValues("quote").Inc()
		fail(w, r, err)
		return
	}
	metrics.Previews.WithLabelValues("quote").Inc()

	writeJSON(w, http.StatusOK, QuoteView{
		Quote:                 quote,
		Game:                  g.Pair,
		Round:                 n,
		PotentialReturnTokens: fixedpoint.ToTokens(quote.PotentialReturn, fixedpoint.DisplayDigits),
		Preview:               true,
	})
}

// GetPlayerRounds handles GET /api/v1/players/{player}/rounds?game=. Without
// a game every configured game is listed.
func (s *Service) GetPlayerRounds(w http.ResponseWriter, r *http.Request) {
	player, err := parseAddress(chi.URLParam(r, "player"), "player")
	if err != nil {
		fail(w, r, err)
		return
	}
	pairs := s.pairs
	if raw := r.URL.Query().Get("game"); raw != "" {
		pair := strings.ToUpper(raw)
		if _, ok := s.games[pair]; !ok {
			fail(w, r, fmt.Errorf("%w: %s", ErrUnknownGame, pair))
			return
		}
		pairs = []string{pair}
	}

	out := make([]PlayerRoundsView, 0, len(pairs))
	for _, pair := range pairs {
		rounds, err := s.store.GetPlayerRounds(r.Context(), s.games[pair].Address, player)
		if err != nil {
			fail(w, r, err)
			return
		}
		if rounds == nil {
			rounds = []int64{}
		}
		out = append(out, PlayerRoundsView{Game: pair, Rounds: rounds})
	}
	writeJSON(w, http.StatusOK, out)
}

// gameRound resolves the {pair} and {round} URL params, writing the error
// response itself when either is bad.
func (s *Service) gameRound(w http.ResponseWriter, r *http.Request) (*game, int64, bool) {
	g, err := s.gameFor(r)
	if err == nil {
		var n int64
		if n, err = roundParam(r); err == nil {
			if err = g.checkRound(n); err == nil {
				return g, n, true
			}
		}
	}
	fail(w, r, err)
	return nil, 0, false
}

// GetPlayerBets handles GET /api/v1/games/{pair}/rounds/{round}/players/{player}/bets.
func (s *Service) GetPlayerBets(w http.ResponseWriter, r *http.Request) {
	g, n, ok := s.gameRound(w, r)
	if !ok {
		return
	}
	player, err := parseAddress(chi.URLParam(r, "player"), "player")
	if err != nil {
		fail(w, r, err)
		return
	}
	bets, err := s.store.GetPlayerBets(r.Context(), g.Address, n, player)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(bets, func(b model.Bet, _ int) BetView { return newBetView(b) }))
}

// GetRecentBets handles GET /api/v1/bets/recent?count=.
func (s *Service) GetRecentBets(w http.ResponseWriter, r *http.Request) {
	count := 0
	if raw := r.URL.Query().Get("count"); raw != "" {
		var err error
		if count, err = strconv.Atoi(raw); err != nil || count < 0 {
			fail(w, r, fmt.Errorf("%w: count %q", model.ErrInvalidInput, raw))
			return
		}
	}
	bets, err := s.store.RecentBets(r.Context(), count)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lo.Map(bets, func(b model.Bet, _ int) BetDetailView {
		v := BetDetailView{BetView: newBetView(b)}
		if g, ok := s.gameAt(b.Game); ok {
			v.Pair = g.Pair
		}
		return v
	}))
}

// GetBet handles GET /api/v1/bets/{address}.
func (s *Service) GetBet(w http.ResponseWriter, r *http.Request) {
	addr, err := parseAddress(chi.URLParam(r, "address"), "address")
	if err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()

	bet, err := s.store.GetBet(ctx, addr)
	if err != nil {
		fail(w, r, err)
		return
	}
	v := BetDetailView{BetView: newBetView(*bet)}
	if g, ok := s.gameAt(bet.Game); ok {
		rec, err := s.roundRecord(ctx, g, bet.Round)
		if err != nil {
			fail(w, r, err)
			return
		}
		v.Pair = g.Pair
		v.RoundStatus = g.schedule.Status(bet.Round, s.now(), rec.Calculated)
	}
	writeJSON(w, http.StatusOK, v)
}

// GetStats handles GET /api/v1/stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	out := StatsView{Games: make([]GameStatsView, 0, len(s.pairs)), Volume: new(big.Int)}
	for _, pair := range s.pairs {
		st, err := s.store.BetStats(r.Context(), s.games[pair].Address)
		if err != nil {
			fail(w, r, err)
			return
		}
		out.Games = append(out.Games, GameStatsView{
			BetStats:     st,
			Game:         pair,
			VolumeTokens: fixedpoint.ToTokens(st.Volume, fixedpoint.DisplayDigits),
		})
		out.Count += st.Count
		out.Volume.Add(out.Volume, st.Volume)
	}
	out.VolumeTokens = fixedpoint.ToTokens(out.Volume, fixedpoint.DisplayDigits)
	writeJSON(w, http.StatusOK, out)
}

// GetLatestPrice handles GET /api/v1/games/{pair}/price. The day-ago price
// is the newest end price at least a day older than the latest one.
func (s *Service) GetLatestPrice(w http.ResponseWriter, r *http.Request) {
	g, err := s.gameFor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()

	latest, err := s.store.LatestPrice(ctx, g.Address, g.schedule.Current(s.now()))
	if err != nil {
		fail(w, r, err)
		return
	}
	v := PriceView{
		Game:       g.Pair,
		Round:      latest.Index,
		Price:      latest.PriceEnd,
		PriceValue: fixedpoint.ToDecimal(latest.PriceEnd, fixedpoint.PriceDecimals, fixedpoint.DisplayDigits),
		At:         g.schedule.End(latest.Index),
	}

	perDay := (int64(dayLength/time.Second) + g.Interval - 1) / g.Interval
	prev, err := s.store.LatestPrice(ctx, g.Address, latest.Index-perDay)
	switch {
	case err == nil:
		v.DayAgoRound = &prev.Index
		v.DayAgoPrice = prev.PriceEnd
		if change, err := round.PriceChange(prev.PriceEnd, latest.PriceEnd); err == nil {
			v.Change24h = &change
		}
	case !errors.Is(err, store.ErrNotFound):
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}
