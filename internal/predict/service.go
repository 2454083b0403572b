// Package predict serves the betting game's HTTP API: round views, payout
// and bonus previews, indexer ingest and the settlement trigger.
//
// Previews are computed from the indexed bet list on every request and are
// never written back. Settled figures only ever come from the indexer.
package predict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/betfinio/predict/internal/bonus"
	"github.com/betfinio/predict/internal/chain"
	"github.com/betfinio/predict/internal/events"
	"github.com/betfinio/predict/internal/fixedpoint"
	"github.com/betfinio/predict/internal/logger"
	"github.com/betfinio/predict/internal/model"
	"github.com/betfinio/predict/internal/payout"
	"github.com/betfinio/predict/internal/round"
	"github.com/betfinio/predict/internal/store"
)

// ErrUnknownGame is returned for a pair that is not configured.
var ErrUnknownGame = errors.New("predict: unknown game")

const (
	betCacheSize = 256
	betCacheTTL  = 5 * time.Second
)

// Settler submits calculateBets for an ended round.
type Settler interface {
	Calculate(ctx context.Context, game model.Game, r int64) (*chain.Calculation, error)
}

// game is a configured game with its derived calculators.
type game struct {
	model.Game
	schedule  round.Schedule
	engine    *bonus.Engine
	estimator *payout.Estimator
}

type roundKey struct {
	game  common.Address
	round int64
}

// Service holds the dependencies of the HTTP handlers.
type Service struct {
	store     store.Store
	games     map[string]*game
	pairs     []string
	hub       *Hub
	publisher events.Publisher
	settler   Settler
	bets      *expirable.LRU[roundKey, []model.Bet]
	validate  *validator.Validate
	now       func() time.Time

	// last current round seen per pair by the status ticker
	lastRound map[string]int64
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sends lifecycle events to p.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithSettler enables the calculate endpoint.
func WithSettler(st Settler) Option {
	return func(s *Service) { s.settler = st }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a service for games. hub may be nil.
func NewService(st store.Store, games []model.Game, hub *Hub, opts ...Option) (*Service, error) {
	s := &Service{
		store:     st,
		games:     make(map[string]*game, len(games)),
		hub:       hub,
		publisher: events.Nop{},
		bets:      expirable.NewLRU[roundKey, []model.Bet](betCacheSize, nil, betCacheTTL),
		validate:  validator.New(),
		now:       time.Now,
		lastRound: make(map[string]int64),
	}
	for _, g := range games {
		pair := strings.ToUpper(g.Pair)
		if _, dup := s.games[pair]; dup {
			return nil, fmt.Errorf("%w: game %s configured twice", model.ErrInvalidInput, pair)
		}
		sched, err := round.ForGame(g)
		if err != nil {
			return nil, fmt.Errorf("game %s: %w", pair, err)
		}
		engine, err := bonus.NewEngine(g.BonusRateBps)
		if err != nil {
			return nil, fmt.Errorf("game %s: %w", pair, err)
		}
		g.Pair = pair
		s.games[pair] = &game{Game: g, schedule: sched, engine: engine, estimator: payout.NewEstimator(engine)}
		s.pairs = append(s.pairs, pair)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Routes registers the API on r. Mount it under /api/v1.
func (s *Service) Routes(r chi.Router) {
	r.Get("/games", s.ListGames)
	r.Route("/games/{pair}", func(r chi.Router) {
		r.Post("/bets", s.IngestBet)
		r.Get("/rounds", s.ListRounds)
		r.Get("/rounds/current", s.GetCurrentRound)
		r.Get("/price", s.GetLatestPrice)
		r.Route("/rounds/{round}", func(r chi.Router) {
			r.Get("/", s.GetRound)
			r.Get("/bets", s.GetRoundBets)
			r.Get("/bonuses", s.GetBonuses)
			r.Get("/players/{player}/bets", s.GetPlayerBets)
			r.Get("/expected/{player}", s.GetExpectedPayout)
			r.Get("/quote", s.GetQuote)
			r.Post("/prices", s.IngestPrices)
			r.Post("/settlement", s.IngestSettlement)
			r.Post("/calculate", s.Calculate)
		})
	})
	r.Get("/players/{player}/rounds", s.GetPlayerRounds)
	r.Get("/bets/recent", s.GetRecentBets)
	r.Get("/bets/{address}", s.GetBet)
	r.Get("/stats", s.GetStats)
	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
}

// gameAt finds the configured game whose contract is addr.
func (s *Service) gameAt(addr common.Address) (*game, bool) {
	for _, pair := range s.pairs {
		if g := s.games[pair]; g.Address == addr {
			return g, true
		}
	}
	return nil, false
}

func (s *Service) gameFor(r *http.Request) (*game, error) {
	pair := strings.ToUpper(chi.URLParam(r, "pair"))
	g, ok := s.games[pair]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGame, pair)
	}
	return g, nil
}

func roundParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "round")
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: round %q", model.ErrInvalidInput, raw)
	}
	return n, nil
}

// checkRound rejects rounds the game's schedule cannot place in time.
func (g *game) checkRound(n int64) error {
	if !g.schedule.Valid(n) {
		return fmt.Errorf("%w: round %d out of range, max %d", model.ErrInvalidInput, n, g.schedule.MaxRound())
	}
	return nil
}

func parseAddress(raw, field string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%w: %s %q is not an address", model.ErrInvalidInput, field, raw)
	}
	return common.HexToAddress(raw), nil
}

// roundBets returns a round's ordered bets through a short-lived cache.
// Callers must not modify the returned slice.
func (s *Service) roundBets(ctx context.Context, g *game, r int64) ([]model.Bet, error) {
	key := roundKey{game: g.Address, round: r}
	if bets, ok := s.bets.Get(key); ok {
		return bets, nil
	}
	bets, err := s.store.GetRoundBets(ctx, g.Address, r)
	if err != nil {
		return nil, err
	}
	s.bets.Add(key, bets)
	return bets, nil
}

// roundsBets is roundBets for many rounds. Cache misses are read from the
// store in a single call. Every requested round is present in the result.
func (s *Service) roundsBets(ctx context.Context, g *game, rounds []int64) (map[int64][]model.Bet, error) {
	out := make(map[int64][]model.Bet, len(rounds))
	var missing []int64
	for _, r := range rounds {
		if bets, ok := s.bets.Get(roundKey{game: g.Address, round: r}); ok {
			out[r] = bets
			continue
		}
		missing = append(missing, r)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := s.store.GetRoundsBets(ctx, g.Address, missing)
	if err != nil {
		return nil, err
	}
	for _, r := range missing {
		bets := fetched[r]
		if bets == nil {
			bets = []model.Bet{}
		}
		s.bets.Add(roundKey{game: g.Address, round: r}, bets)
		out[r] = bets
	}
	return out, nil
}

// roundRecord returns the stored record, or an empty one for a round the
// indexer has not seen yet.
func (s *Service) roundRecord(ctx context.Context, g *game, r int64) (*model.RoundRecord, error) {
	rec, err := s.store.GetRound(ctx, g.Address, r)
	if errors.Is(err, store.ErrNotFound) {
		return &model.RoundRecord{Game: g.Address, Index: r}, nil
	}
	return rec, err
}

func (s *Service) broadcast(msg WSMessage) {
	if s.hub == nil {
		return
	}
	if msg.Time.IsZero() {
		msg.Time = s.now().UTC()
	}
	s.hub.Broadcast(msg)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		logger.FromContext(ctx).Warn("event publish failed", "type", e.Type, "game", e.Game, "round", e.Round, "err", err)
	}
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput), errors.Is(err, fixedpoint.ErrInvalidAmount):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrUnknownGame), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicateBet), errors.Is(err, chain.ErrRoundNotEnded):
		return http.StatusConflict
	case errors.Is(err, chain.ErrNoSigner):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err as a JSON error. Server errors are logged and their
// detail withheld from the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		logger.FromContext(r.Context()).Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseWei parses a non-negative base-10 integer amount.
func parseWei(raw, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q", model.ErrInvalidInput, field, raw)
	}
	return v, nil
}
