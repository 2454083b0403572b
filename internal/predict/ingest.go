package predict

import (
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/betfinio/predict/internal/chain"
	"github.com/betfinio/predict/internal/events"
	"github.com/betfinio/predict/internal/logger"
	"github.com/betfinio/predict/internal/metrics"
	"github.com/betfinio/predict/internal/model"
	"github.com/betfinio/predict/internal/pool"
	"github.com/betfinio/predict/internal/round"
)

// BetRequest is the indexer's payload for one accepted bet. Amounts are wei
// as base-10 strings.
type BetRequest struct {
	Address         string    `json:"address" validate:"required,eth_addr"`
	Round           *int64    `json:"round" validate:"required,gte=0"`
	Player          string    `json:"player" validate:"required,eth_addr"`
	Amount          string    `json:"amount" validate:"required,number"`
	Side            *bool     `json:"side" validate:"required"` // true = long
	SubmissionIndex *int      `json:"submission_index" validate:"required,gte=0"`
	CreatedAt       time.Time `json:"created_at"`
}

// PricesRequest carries the feed answers observed for a round.
type PricesRequest struct {
	PriceStart string `json:"price_start" validate:"omitempty,number"`
	PriceEnd   string `json:"price_end" validate:"omitempty,number"`
}

// SettlementRequest is the indexer's view of a mined calculateBets.
type SettlementRequest struct {
	Bets      []BetSettlementRequest `json:"bets" validate:"required,min=1,dive"`
	SettledAt time.Time              `json:"settled_at"`
}

// BetSettlementRequest is one bet's on-chain outcome.
type BetSettlementRequest struct {
	Address string          `json:"address" validate:"required,eth_addr"`
	Status  model.BetStatus `json:"status" validate:"required"`
	Result  string          `json:"result" validate:"required,number"`
	Bonus   string          `json:"bonus" validate:"omitempty,number"`
}

// SettlementResponse acknowledges an applied settlement.
type SettlementResponse struct {
	Game    string    `json:"game"`
	Round   int64     `json:"round"`
	Settled int       `json:"settled"`
	Time    time.Time `json:"settled_at"`
}

// CalculateResponse is returned once calculateBets has been sent.
type CalculateResponse struct {
	Game  string `json:"game"`
	Round int64  `json:"round"`
	*chain.Calculation
}

// decode reads a JSON body into v and validates it.
func (s *Service) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", model.ErrInvalidInput, err)
	}
	if err := s.validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrInvalidInput, err)
	}
	return nil
}

// IngestBet handles POST /api/v1/games/{pair}/bets.
func (s *Service) IngestBet(w http.ResponseWriter, r *http.Request) {
	g, err := s.gameFor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()

	var req BetRequest
	if err := s.decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := g.checkRound(*req.Round); err != nil {
		fail(w, r, err)
		return
	}
	amount, err := parseWei(req.Amount, "amount")
	if err != nil {
		fail(w, r, err)
		return
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	bet := model.Bet{
		Address:         common.HexToAddress(req.Address),
		Game:            g.Address,
		Round:           *req.Round,
		Player:          common.HexToAddress(req.Player),
		Amount:          amount,
		Side:            model.SideFromBool(*req.Side),
		SubmissionIndex: *req.SubmissionIndex,
		Status:          model.StatusPending,
		Result:          new(big.Int),
		Bonus:           new(big.Int),
		CreatedAt:       created.UTC(),
	}
	if err := model.ValidateBets([]model.Bet{bet}); err != nil {
		fail(w, r, err)
		return
	}
	if err := s.store.InsertBet(ctx, &bet); err != nil {
		fail(w, r, err)
		return
	}
	s.bets.Remove(roundKey{game: g.Address, round: bet.Round})
	metrics.BetsIndexed.WithLabelValues(g.Pair, bet.Side.String()).Inc()

	logger.FromContext(ctx).Info("bet indexed",
		"game", g.Pair,
		"round", bet.Round,
		"bet", bet.Address.Hex(),
		"player", bet.Player.Hex(),
		"side", bet.Side.String(),
		"amount", bet.Amount.String(),
	)

	s.broadcast(WSMessage{Type: MsgBetIndexed, Game: g.Pair, Round: bet.Round, Bet: &bet})
	if bets, err := s.roundBets(ctx, g, bet.Round); err == nil {
		p := pool.Aggregate(bets)
		s.broadcast(WSMessage{Type: MsgPoolUpdated, Game: g.Pair, Round: bet.Round, Pool: &p})
	} else {
		logger.FromContext(ctx).Warn("pool re-read failed, pool_updated skipped", "game", g.Pair, "round", bet.Round, "err", err)
	}
	s.publish(ctx, events.New(events.TypeBetIndexed, g.Pair, bet.Round, bet))

	writeJSON(w, http.StatusCreated, newBetView(bet))
}

// IngestPrices handles POST /api/v1/games/{pair}/rounds/{round}/prices.
func (s *Service) IngestPrices(w http.ResponseWriter, r *http.Request) {
	g, n, ok := s.gameRound(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req PricesRequest
	if err := s.decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if req.PriceStart == "" && req.PriceEnd == "" {
		fail(w, r, fmt.Errorf("%w: no price given", model.ErrInvalidInput))
		return
	}
	var start, end *big.Int
	var err error
	if req.PriceStart != "" {
		if start, err = parseWei(req.PriceStart, "price_start"); err != nil {
			fail(w, r, err)
			return
		}
	}
	if req.PriceEnd != "" {
		if end, err = parseWei(req.PriceEnd, "price_end"); err != nil {
			fail(w, r, err)
			return
		}
	}
	if err := s.store.UpsertRoundPrices(ctx, g.Address, n, start, end); err != nil {
		fail(w, r, err)
		return
	}

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
	writeJSON(w, http.StatusOK, g.roundView(rec, bets, s.now()))
}

// IngestSettlement handles POST /api/v1/games/{pair}/rounds/{round}/settlement.
// The per-bet figures are the contract's; nothing is recomputed here.
func (s *Service) IngestSettlement(w http.ResponseWriter, r *http.Request) {
	g, n, ok := s.gameRound(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	var req SettlementRequest
	if err := s.decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}

	settled := req.SettledAt
	if settled.IsZero() {
		settled = s.now()
	}
	st := &model.Settlement{Game: g.Address, Round: n, SettledAt: settled.UTC()}
	for _, b := range req.Bets {
		result, err := parseWei(b.Result, "result")
		if err != nil {
			fail(w, r, err)
			return
		}
		bonus := new(big.Int)
		if b.Bonus != "" {
			if bonus, err = parseWei(b.Bonus, "bonus"); err != nil {
				fail(w, r, err)
				return
			}
		}
		st.Bets = append(st.Bets, model.BetSettlement{
			Address: common.HexToAddress(b.Address),
			Status:  b.Status,
			Result:  result,
			Bonus:   bonus,
		})
	}
	if err := model.ValidateSettlement(st); err != nil {
		fail(w, r, err)
		return
	}
	if err := s.store.ApplySettlement(ctx, st); err != nil {
		metrics.Settlements.WithLabelValues(g.Pair, "rejected").Inc()
		fail(w, r, err)
		return
	}
	s.bets.Remove(roundKey{game: g.Address, round: n})
	metrics.Settlements.WithLabelValues(g.Pair, "applied").Inc()

	won := lo.CountBy(st.Bets, func(b model.BetSettlement) bool { return b.Status == model.StatusWon })
	logger.FromContext(ctx).Info("round settled",
		"game", g.Pair,
		"round", n,
		"bets", len(st.Bets),
		"won", won,
	)

	s.broadcast(WSMessage{Type: MsgRoundSettled, Game: g.Pair, Round: n, Status: round.StatusCalculated.String()})
	s.publish(ctx, events.New(events.TypeRoundSettled, g.Pair, n, st))

	writeJSON(w, http.StatusOK, SettlementResponse{Game: g.Pair, Round: n, Settled: len(st.Bets), Time: st.SettledAt})
}

// Calculate handles POST /api/v1/games/{pair}/rounds/{round}/calculate. It
// sends calculateBets for a round that has ended and is not yet calculated.
func (s *Service) Calculate(w http.ResponseWriter, r *http.Request) {
	g, n, ok := s.gameRound(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if s.settler == nil {
		fail(w, r, chain.ErrNoSigner)
		return
	}
	rec, err := s.roundRecord(ctx, g, n)
	if err != nil {
		fail(w, r, err)
		return
	}
	if status := g.schedule.Status(n, s.now(), rec.Calculated); status != round.StatusEnded {
		fail(w, r, fmt.Errorf("%w: round %d is %s", chain.ErrRoundNotEnded, n, status))
		return
	}

	calc, err := s.settler.Calculate(ctx, g.Game, n)
	if err != nil {
		metrics.Settlements.WithLabelValues(g.Pair, "failed").Inc()
		logger.FromContext(ctx).Error("calculateBets failed", "game", g.Pair, "round", n, "err", err)
		writeError(w, "calculateBets failed", http.StatusBadGateway)
		return
	}
	metrics.Settlements.WithLabelValues(g.Pair, "requested").Inc()

	if err := s.store.UpsertRoundPrices(ctx, g.Address, n, calc.Start.Answer, calc.End.Answer); err != nil {
		logger.FromContext(ctx).Warn("storing feed prices failed", "game", g.Pair, "round", n, "err", err)
	}
	logger.FromContext(ctx).Info("calculateBets sent",
		"game", g.Pair,
		"round", n,
		"tx", calc.TxHash.Hex(),
	)
	s.publish(ctx, events.New(events.TypeCalculateRequested, g.Pair, n, calc))

	writeJSON(w, http.StatusAccepted, CalculateResponse{Game: g.Pair, Round: n, Calculation: calc})
}
