package predict_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betfinio/predict/internal/chain"
	"github.com/betfinio/predict/internal/fixedpoint"
	"github.com/betfinio/predict/internal/model"
	"github.com/betfinio/predict/internal/predict"
	"github.com/betfinio/predict/internal/round"
	"github.com/betfinio/predict/internal/store"
)

const (
	bobAddr   = "0x0000000000000000000000000000000000000b0b"
	aliceAddr = "0x00000000000000000000000000000000000a11ce"
	carolAddr = "0x00000000000000000000000000000000000ca201"
	daveAddr  = "0x0000000000000000000000000000000000000da7"
)

var btcGame = model.Game{
	Pair:         "BTCUSDT",
	Address:      common.HexToAddress("0x00000000000000000000000000000000000000b7"),
	DataFeed:     common.HexToAddress("0x00000000000000000000000000000000000000fd"),
	Interval:     270,
	Duration:     4,
	BonusRateBps: 400,
}

// Round 100 opens at 27000, closes for bets at 27270 and ends at 28080.
var (
	accepting = time.Unix(27_010, 0)
	ended     = time.Unix(28_100, 0)
)

type fakeSettler struct {
	calls []int64
	err   error
}

func (f *fakeSettler) Calculate(_ context.Context, g model.Game, r int64) (*chain.Calculation, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, r)
	return &chain.Calculation{
		TxHash: common.HexToHash("0xfeed"),
		Start:  chain.FeedRound{RoundID: big.NewInt(11), Answer: big.NewInt(6_000_000_000_000)},
		End:    chain.FeedRound{RoundID: big.NewInt(12), Answer: big.NewInt(6_100_000_000_000)},
	}, nil
}

// spyStore counts bet-list reads and can fail single-round reads.
type spyStore struct {
	*store.MemoryStore
	roundReads   int
	batchReads   int
	roundBetsErr error
}

func (s *spyStore) GetRoundBets(ctx context.Context, game common.Address, r int64) ([]model.Bet, error) {
	s.roundReads++
	if s.roundBetsErr != nil {
		return nil, s.roundBetsErr
	}
	return s.MemoryStore.GetRoundBets(ctx, game, r)
}

func (s *spyStore) GetRoundsBets(ctx context.Context, game common.Address, rounds []int64) (map[int64][]model.Bet, error) {
	s.batchReads++
	return s.MemoryStore.GetRoundsBets(ctx, game, rounds)
}

type testEnv struct {
	ms     *store.MemoryStore
	router chi.Router
	now    time.Time
}

// newTestEnv creates a Service over an in-memory store mounted on a chi
// router, with the clock pinned to env.now.
func newTestEnv(t *testing.T, opts ...predict.Option) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	return newTestEnvWith(t, ms, ms, opts...)
}

// newTestEnvWith serves st, which must be backed by ms.
func newTestEnvWith(t *testing.T, st store.Store, ms *store.MemoryStore, opts ...predict.Option) *testEnv {
	t.Helper()
	env := &testEnv{ms: ms, now: accepting}
	opts = append(opts, predict.WithClock(func() time.Time { return env.now }))
	svc, err := predict.NewService(st, []model.Game{btcGame}, nil, opts...)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	env.router = r
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func tokens(n int64) string {
	return fixedpoint.FromTokens(n).String()
}

func betBody(addr, player string, amount int64, long bool, idx int) map[string]any {
	return map[string]any{
		"address":          addr,
		"round":            100,
		"player":           player,
		"amount":           tokens(amount),
		"side":             long,
		"submission_index": idx,
	}
}

// seedConcreteRound indexes alice long 100, bob short 100, carol long 300
// (tokens) into round 100.
func seedConcreteRound(t *testing.T, env *testEnv) {
	t.Helper()
	for _, b := range []map[string]any{
		betBody("0x0000000000000000000000000000000000000001", aliceAddr, 100, true, 0),
		betBody("0x0000000000000000000000000000000000000002", bobAddr, 100, false, 1),
		betBody("0x0000000000000000000000000000000000000003", carolAddr, 300, true, 2),
	} {
		w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets", b)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func requireWei(t *testing.T, want string, got *big.Int) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want, got.String())
}

// --- Games and schedule ---

func TestListGames(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/games", nil)
	require.Equal(t, http.StatusOK, w.Code)

	games := decode[[]map[string]any](t, w)
	require.Len(t, games, 1)
	assert.Equal(t, "BTCUSDT", games[0]["pair"])
	assert.EqualValues(t, 100, games[0]["current_round"])
	assert.Equal(t, "accepting", games[0]["status"])
}

func TestGetCurrentRound(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/games/btcusdt/rounds/current", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Round           int64           `json:"round"`
		Status          string          `json:"status"`
		StartsAt        time.Time       `json:"starts_at"`
		BettingClosesAt time.Time       `json:"betting_closes_at"`
		EndsAt          time.Time       `json:"ends_at"`
		Progress        decimal.Decimal `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(100), resp.Round)
	assert.Equal(t, "accepting", resp.Status)
	assert.Equal(t, int64(27_000), resp.StartsAt.Unix())
	assert.Equal(t, int64(27_270), resp.BettingClosesAt.Unix())
	assert.Equal(t, int64(28_080), resp.EndsAt.Unix())
	// 10s of 1080s.
	assert.Equal(t, "0.93", resp.Progress.String())
}

func TestUnknownGame(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/games/DOGEUSDT/rounds/current", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "unknown game")
}

// --- Bet ingest ---

func TestIngestBet(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets",
		betBody("0x0000000000000000000000000000000000000001", aliceAddr, 100, true, 0))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decode[predict.BetView](t, w)
	assert.Equal(t, model.SideLong, resp.Side)
	assert.Equal(t, model.StatusPending, resp.Status)
	assert.Equal(t, btcGame.Address, resp.Game)
	assert.Equal(t, "100", resp.AmountTokens.String())
	requireWei(t, "0", resp.Payout)

	stored, err := env.ms.GetRoundBets(context.Background(), btcGame.Address, 100)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, common.HexToAddress(aliceAddr), stored[0].Player)
}

func TestIngestBet_Duplicate(t *testing.T) {
	env := newTestEnv(t)
	body := betBody("0x0000000000000000000000000000000000000001", aliceAddr, 100, true, 0)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets", body).Code)

	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestIngestBet_Invalid(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"bad bet address", func(b map[string]any) { b["address"] = "0x123" }},
		{"bad player", func(b map[string]any) { b["player"] = "alice" }},
		{"missing side", func(b map[string]any) { delete(b, "side") }},
		{"missing round", func(b map[string]any) { delete(b, "round") }},
		{"negative amount", func(b map[string]any) { b["amount"] = "-5" }},
		{"fractional amount", func(b map[string]any) { b["amount"] = "1.5" }},
		{"zero player", func(b map[string]any) { b["player"] = "0x0000000000000000000000000000000000000000" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := betBody("0x0000000000000000000000000000000000000001", aliceAddr, 100, true, 0)
			tt.mutate(body)
			w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets", body)
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/games/BTCUSDT/bets", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestIngestBet_SubmissionIndexTaken(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets",
		betBody("0x0000000000000000000000000000000000000001", aliceAddr, 100, true, 0)).Code)

	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets",
		betBody("0x0000000000000000000000000000000000000002", bobAddr, 100, false, 0))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// --- Round views ---

func TestIngestBet_PoolReadFailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	spy := &spyStore{MemoryStore: store.NewMemoryStore(), roundBetsErr: errors.New("connection reset")}
	env := newTestEnvWith(t, spy, spy.MemoryStore)

	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets",
		betBody("0x0000000000000000000000000000000000000001", aliceAddr, 100, true, 0))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 1, spy.roundReads)

	logged := buf.String()
	assert.Contains(t, logged, `"level":"WARN"`)
	assert.Contains(t, logged, "pool re-read failed")
	assert.Contains(t, logged, "connection reset")

	stored, err := spy.MemoryStore.GetRoundBets(context.Background(), btcGame.Address, 100)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestGetRound(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)

	w := env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Status          string          `json:"status"`
		Pool            model.Pool      `json:"pool"`
		TotalTokens     decimal.Decimal `json:"total_tokens"`
		LongShare       decimal.Decimal `json:"long_share"`
		ShortShare      decimal.Decimal `json:"short_share"`
		BonusPool       *big.Int        `json:"bonus_pool"`
		BonusPoolTokens decimal.Decimal `json:"bonus_pool_tokens"`
		Outcome         string          `json:"outcome"`
		Calculated      bool            `json:"calculated"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.Equal(t, "accepting", resp.Status)
	requireWei(t, tokens(400), resp.Pool.Long)
	requireWei(t, tokens(100), resp.Pool.Short)
	assert.Equal(t, 2, resp.Pool.LongCount)
	assert.Equal(t, 1, resp.Pool.ShortPlayersCount)
	assert.Equal(t, "500", resp.TotalTokens.String())
	assert.Equal(t, "80", resp.LongShare.String())
	assert.Equal(t, "20", resp.ShortShare.String())
	requireWei(t, tokens(20), resp.BonusPool)
	assert.Equal(t, "20", resp.BonusPoolTokens.String())
	assert.Empty(t, resp.Outcome)
	assert.False(t, resp.Calculated)
}

func TestGetRound_Empty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/42", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[map[string]any](t, w)
	assert.Equal(t, "ended", body["status"])
	assert.Equal(t, "50", body["long_share"])
	assert.Equal(t, "50", body["short_share"])
}

func TestGetRound_BadIndex(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/-1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/abc", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestRound_OutOfRange(t *testing.T) {
	settler := &fakeSettler{}
	env := newTestEnv(t, predict.WithSettler(settler))
	env.now = ended

	for _, path := range []string{
		"/api/v1/games/BTCUSDT/rounds/9223372036854775807",
		"/api/v1/games/BTCUSDT/rounds/1152921504606846976/bets",
		"/api/v1/games/BTCUSDT/rounds/1152921504606846976/quote?side=long&amount=10",
	} {
		w := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, path)
		assert.Contains(t, w.Body.String(), "out of range", path)
	}

	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/9223372036854775807/calculate", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Empty(t, settler.calls, "calculateBets must not be sent for an unschedulable round")

	body := betBody("0x0000000000000000000000000000000000000001", aliceAddr, 100, true, 0)
	body["round"] = int64(1) << 60
	w = env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// The last schedulable round is far in the future.
	last := round.Schedule{Interval: btcGame.Interval, Duration: btcGame.Duration}.MaxRound()
	w = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/games/BTCUSDT/rounds/%d", last), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "accepting", decode[map[string]any](t, w)["status"])
}

func TestGetRoundBets(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)

	w := env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/bets", nil)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decode[predict.BetsView](t, w)
	require.Len(t, resp.Bets, 3)
	for i, b := range resp.Bets {
		assert.Equal(t, i, b.SubmissionIndex)
	}
	assert.Equal(t, common.HexToAddress(aliceAddr), resp.Bets[0].Player)
	assert.Equal(t, common.HexToAddress(carolAddr), resp.Bets[2].Player)
	requireWei(t, tokens(400), resp.Pool.Long)
}

func TestGetBonuses(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)

	w := env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/bonuses", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[predict.BonusesView](t, w)
	assert.True(t, resp.Preview)
	assert.Equal(t, int64(400), resp.BonusRateBps)
	requireWei(t, tokens(20), resp.BonusPool)
	require.Len(t, resp.Allocations, 3)

	// Weights 100*3, 100*2, 300*1; each side shares the whole bonus pool.
	want := []struct {
		weight string
		bonus  int64
	}{
		{tokens(300), 10},
		{tokens(200), 20},
		{tokens(300), 10},
	}
	for i, a := range resp.Allocations {
		requireWei(t, want[i].weight, a.PositionWeight)
		requireWei(t, tokens(want[i].bonus), a.BonusShare)
	}
}

func TestGetExpectedPayout(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)

	w := env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/expected/"+aliceAddr, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	alice := decode[predict.ExpectedView](t, w)
	assert.True(t, alice.Preview)
	assert.Equal(t, 1, alice.BetCount)
	// Win pool 480: alice takes 480*100/400 if long wins.
	requireWei(t, tokens(120), alice.LongWin)
	requireWei(t, tokens(10), alice.LongBonus)
	requireWei(t, "0", alice.ShortWin)
	requireWei(t, "0", alice.ShortBonus)
	assert.Equal(t, "130", alice.LongTotal.String())

	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/expected/"+bobAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	bob := decode[predict.ExpectedView](t, w)
	requireWei(t, tokens(480), bob.ShortWin)
	requireWei(t, tokens(20), bob.ShortBonus)

	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/expected/"+daveAddr, nil)
	require.Equal(t, http.StatusOK, w.Code)
	dave := decode[predict.ExpectedView](t, w)
	assert.Equal(t, 0, dave.BetCount)
	requireWei(t, "0", dave.LongWin)
	requireWei(t, "0", dave.ShortWin)

	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/expected/nobody", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetExpectedPayout_IgnoresSettledFigures(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)
	env.now = ended
	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/settlement", map[string]any{
		"bets": []map[string]any{
			{"address": "0x0000000000000000000000000000000000000001", "status": "won", "result": tokens(999), "bonus": tokens(1)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	after := decode[predict.ExpectedView](t, env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/expected/"+aliceAddr, nil))
	requireWei(t, tokens(120), after.LongWin)
	requireWei(t, tokens(10), after.LongBonus)
}

func TestGetQuote(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)

	// 100 short joins 100 short against 400 long: 100 + 400*100/200 = 300.
	w := env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/quote?side=short&amount=100", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	q := decode[predict.QuoteView](t, w)
	assert.True(t, q.Preview)
	assert.Equal(t, model.SideShort, q.Side)
	requireWei(t, tokens(300), q.PotentialReturn)
	assert.True(t, decimal.NewFromInt(3).Equal(q.Coefficient), "coefficient %s", q.Coefficient)
	assert.Equal(t, "300", q.PotentialReturnTokens.String())
}

func TestGetQuote_Invalid(t *testing.T) {
	env := newTestEnv(t)
	for _, query := range []string{
		"side=short&amount=0.5",
		"side=short&amount=abc",
		"side=sideways&amount=10",
		"amount=10",
		"side=long",
	} {
		w := env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/quote?"+query, nil)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code, query)
	}
}

func TestListRounds(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)
	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets", map[string]any{
		"address": "0x0000000000000000000000000000000000000004", "round": 101, "player": aliceAddr,
		"amount": tokens(5), "side": false, "submission_index": 0,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds?player="+carolAddr, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rows := decode[[]map[string]any](t, w)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 101, rows[0]["index"])
	assert.EqualValues(t, 0, rows[0]["current_player_bet_count"])
	assert.EqualValues(t, 100, rows[1]["index"])
	assert.EqualValues(t, 1, rows[1]["current_player_bet_count"])
	assert.EqualValues(t, 270, rows[1]["interval"])

	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds?limit=1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]any](t, w), 1)

	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds?limit=x", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestListRounds_BatchesBetReads(t *testing.T) {
	ctx := context.Background()
	spy := &spyStore{MemoryStore: store.NewMemoryStore()}
	env := newTestEnvWith(t, spy, spy.MemoryStore)

	// Written straight to the store so the service cache starts cold.
	for r := int64(90); r < 95; r++ {
		require.NoError(t, spy.MemoryStore.InsertBet(ctx, &model.Bet{
			Address:   common.BigToAddress(big.NewInt(0x100 + r)),
			Game:      btcGame.Address,
			Round:     r,
			Player:    common.HexToAddress(aliceAddr),
			Amount:    fixedpoint.FromTokens(r),
			Side:      model.SideLong,
			Status:    model.StatusPending,
			CreatedAt: accepting,
		}))
	}

	w := env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rows := decode[[]struct {
		Index int64      `json:"index"`
		Pool  model.Pool `json:"pool"`
	}](t, w)
	require.Len(t, rows, 5)
	assert.Equal(t, int64(94), rows[0].Index)
	requireWei(t, tokens(94), rows[0].Pool.Long)
	assert.Equal(t, 1, rows[0].Pool.LongCount)
	assert.Equal(t, 1, spy.batchReads)
	assert.Zero(t, spy.roundReads)

	// Cached rounds are not read again.
	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, spy.batchReads)
}

func TestGetPlayerRounds(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)

	w := env.do(t, http.MethodGet, "/api/v1/players/"+bobAddr+"/rounds?game=btcusdt", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decode[[]predict.PlayerRoundsView](t, w)
	require.Len(t, resp, 1)
	assert.Equal(t, []int64{100}, resp[0].Rounds)

	w = env.do(t, http.MethodGet, "/api/v1/players/"+daveAddr+"/rounds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = decode[[]predict.PlayerRoundsView](t, w)
	require.Len(t, resp, 1)
	assert.Empty(t, resp[0].Rounds)

	w = env.do(t, http.MethodGet, "/api/v1/players/"+daveAddr+"/rounds?game=ETHUSDT", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetPlayerBets(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)
	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/bets",
		betBody("0x0000000000000000000000000000000000000005", aliceAddr, 50, false, 3))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/players/"+aliceAddr+"/bets", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bets := decode[[]predict.BetView](t, w)
	require.Len(t, bets, 2)
	assert.Equal(t, 0, bets[0].SubmissionIndex)
	assert.Equal(t, "100", bets[0].AmountTokens.String())
	assert.Equal(t, 3, bets[1].SubmissionIndex)
	assert.Equal(t, model.SideShort, bets[1].Side)

	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/players/"+daveAddr+"/bets", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/players/nobody/bets", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// --- Bet browsing and stats ---

func TestGetRecentBets(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)

	w := env.do(t, http.MethodGet, "/api/v1/bets/recent?count=2", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bets := decode[[]map[string]any](t, w)
	require.Len(t, bets, 2)
	// Same creation time, so the latest submission comes first.
	assert.Equal(t, common.HexToAddress(carolAddr).Hex(), bets[0]["player"])
	assert.Equal(t, common.HexToAddress(bobAddr).Hex(), bets[1]["player"])
	assert.Equal(t, "BTCUSDT", bets[0]["pair"])
	assert.Equal(t, "300", bets[0]["amount_tokens"])

	w = env.do(t, http.MethodGet, "/api/v1/bets/recent", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]map[string]any](t, w), 3)

	w = env.do(t, http.MethodGet, "/api/v1/bets/recent?count=-1", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetBet(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)

	w := env.do(t, http.MethodGet, "/api/v1/bets/0x0000000000000000000000000000000000000003", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	bet := decode[map[string]any](t, w)
	assert.Equal(t, common.HexToAddress(carolAddr).Hex(), bet["player"])
	assert.Equal(t, "BTCUSDT", bet["pair"])
	assert.EqualValues(t, 100, bet["round"])
	assert.Equal(t, "accepting", bet["round_status"])

	env.now = ended
	w = env.do(t, http.MethodGet, "/api/v1/bets/0x0000000000000000000000000000000000000003", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ended", decode[map[string]any](t, w)["round_status"])

	w = env.do(t, http.MethodGet, "/api/v1/bets/0x00000000000000000000000000000000000000ff", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/api/v1/bets/not-an-address", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetStats(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	empty := decode[predict.StatsView](t, w)
	assert.Zero(t, empty.Count)
	requireWei(t, "0", empty.Volume)

	seedConcreteRound(t, env)
	w = env.do(t, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[predict.StatsView](t, w)
	assert.Equal(t, int64(3), stats.Count)
	requireWei(t, tokens(500), stats.Volume)
	assert.Equal(t, "500", stats.VolumeTokens.String())
	require.Len(t, stats.Games, 1)
	assert.Equal(t, "BTCUSDT", stats.Games[0].Game)
	assert.Equal(t, int64(3), stats.Games[0].Count)
}

// --- Prices and settlement ---

func TestIngestPrices(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)

	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/prices",
		map[string]any{"price_start": "6000000000000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, decode[map[string]any](t, w)["outcome"])

	w = env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/prices",
		map[string]any{"price_end": "6030000000000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, "long", body["outcome"])
	assert.Equal(t, "0.5", body["price_change"])
	assert.Equal(t, "60000", body["price_start_value"])

	w = env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/prices", map[string]any{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestGetLatestPrice(t *testing.T) {
	env := newTestEnv(t)
	env.now = time.Unix(500*270, 0) // current round 500

	w := env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/price", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	for _, p := range []struct {
		round int64
		body  map[string]any
	}{
		{130, map[string]any{"price_end": "6000000000000"}},
		{200, map[string]any{"price_end": "5000000000000"}},
		{450, map[string]any{"price_end": "6060000000000"}},
		{499, map[string]any{"price_start": "7000000000000"}},
		{600, map[string]any{"price_end": "9000000000000"}},
	} {
		w := env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/games/BTCUSDT/rounds/%d/prices", p.round), p.body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/price", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	// Round 600 is in the future and 499 has no end price.
	assert.EqualValues(t, 450, body["round"])
	assert.Equal(t, "60600", body["price_value"])
	// 320 rounds of 270s make a day; round 200 is too recent.
	assert.EqualValues(t, 130, body["day_ago_round"])
	assert.Equal(t, "1", body["change_24h"])
}

func TestIngestSettlement(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)
	env.now = ended

	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/settlement", map[string]any{
		"bets": []map[string]any{
			{"address": "0x0000000000000000000000000000000000000001", "status": "won", "result": tokens(120), "bonus": tokens(10)},
			{"address": "0x0000000000000000000000000000000000000002", "status": "lost", "result": "0"},
			{"address": "0x0000000000000000000000000000000000000003", "status": "won", "result": tokens(360), "bonus": tokens(10)},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 3, decode[predict.SettlementResponse](t, w).Settled)

	bets := decode[predict.BetsView](t, env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/bets", nil))
	require.Len(t, bets.Bets, 3)
	assert.Equal(t, model.StatusWon, bets.Bets[0].Status)
	requireWei(t, tokens(130), bets.Bets[0].Payout)
	assert.Equal(t, "130", bets.Bets[0].PayoutTokens.String())
	assert.Equal(t, model.StatusLost, bets.Bets[1].Status)
	requireWei(t, "0", bets.Bets[1].Payout)
	// Settlement never touches stake or order.
	requireWei(t, tokens(300), bets.Bets[2].Amount)
	assert.Equal(t, 2, bets.Bets[2].SubmissionIndex)

	detail := decode[map[string]any](t, env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100", nil))
	assert.Equal(t, "calculated", detail["status"])
	assert.Equal(t, true, detail["calculated"])
}

func TestIngestSettlement_Invalid(t *testing.T) {
	env := newTestEnv(t)
	seedConcreteRound(t, env)

	tests := []struct {
		name string
		bets []map[string]any
	}{
		{"empty", []map[string]any{}},
		{"unknown bet", []map[string]any{
			{"address": "0x00000000000000000000000000000000000000ff", "status": "won", "result": "1"},
		}},
		{"still pending", []map[string]any{
			{"address": "0x0000000000000000000000000000000000000001", "status": "pending", "result": "0"},
		}},
		{"listed twice", []map[string]any{
			{"address": "0x0000000000000000000000000000000000000001", "status": "won", "result": "1"},
			{"address": "0x0000000000000000000000000000000000000001", "status": "won", "result": "1"},
		}},
		{"negative result", []map[string]any{
			{"address": "0x0000000000000000000000000000000000000001", "status": "won", "result": "-1"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/settlement", map[string]any{"bets": tt.bets})
			assert.Equal(t, http.StatusUnprocessableEntity, w.Code, w.Body.String())
		})
	}

	// A rejected settlement leaves every bet pending.
	bets := decode[predict.BetsView](t, env.do(t, http.MethodGet, "/api/v1/games/BTCUSDT/rounds/100/bets", nil))
	for _, b := range bets.Bets {
		assert.Equal(t, model.StatusPending, b.Status)
	}
}

// --- Calculate trigger ---

func TestCalculate_NoSigner(t *testing.T) {
	env := newTestEnv(t)
	env.now = ended
	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/calculate", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCalculate(t *testing.T) {
	settler := &fakeSettler{}
	env := newTestEnv(t, predict.WithSettler(settler))
	seedConcreteRound(t, env)

	// Still accepting bets.
	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/calculate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, settler.calls)

	env.now = ended
	w = env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/calculate", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	assert.Equal(t, []int64{100}, settler.calls)

	body := decode[map[string]any](t, w)
	assert.Equal(t, common.HexToHash("0xfeed").Hex(), body["tx_hash"])

	rec, err := env.ms.GetRound(context.Background(), btcGame.Address, 100)
	require.NoError(t, err)
	requireWei(t, "6000000000000", rec.PriceStart)
	requireWei(t, "6100000000000", rec.PriceEnd)
}

func TestCalculate_AlreadyCalculated(t *testing.T) {
	settler := &fakeSettler{}
	env := newTestEnv(t, predict.WithSettler(settler))
	seedConcreteRound(t, env)
	env.now = ended

	require.NoError(t, env.ms.ApplySettlement(context.Background(), &model.Settlement{
		Game:  btcGame.Address,
		Round: 100,
		Bets: []model.BetSettlement{{
			Address: common.HexToAddress("0x0000000000000000000000000000000000000001"),
			Status:  model.StatusWon,
			Result:  big.NewInt(1),
			Bonus:   big.NewInt(0),
		}},
	}))

	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/calculate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Empty(t, settler.calls)
}

func TestCalculate_ChainError(t *testing.T) {
	env := newTestEnv(t, predict.WithSettler(&fakeSettler{err: errors.New("rpc down")}))
	env.now = ended
	w := env.do(t, http.MethodPost, "/api/v1/games/BTCUSDT/rounds/100/calculate", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "rpc down")
}

func TestNewService_Errors(t *testing.T) {
	_, err := predict.NewService(store.NewMemoryStore(), []model.Game{btcGame, btcGame}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	bad := btcGame
	bad.BonusRateBps = 10_001
	_, err = predict.NewService(store.NewMemoryStore(), []model.Game{bad}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	bad = btcGame
	bad.Interval = 0
	_, err = predict.NewService(store.NewMemoryStore(), []model.Game{bad}, nil)
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
