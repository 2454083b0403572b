package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/betfinio/predict/internal/model"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded goose migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Token amounts and prices are NUMERIC(78,0), wide enough for any uint256.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const betColumns = `address, game, round, player, amount::TEXT, side_long,
	submission_index, status, result::TEXT, bonus::TEXT, created_at`

func (s *PostgresStore) InsertBet(ctx context.Context, b *model.Bet) error {
	createdAt := b.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	status := b.Status
	if status == 0 {
		status = model.StatusPending
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO rounds (game, round) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			hexAddr(b.Game), b.Round); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO bets (address, game, round, player, amount, side_long,
			                   submission_index, status, result, bonus, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9::NUMERIC, $10::NUMERIC, $11)`,
			hexAddr(b.Address), hexAddr(b.Game), b.Round, hexAddr(b.Player),
			cloneInt(b.Amount).String(), b.Side == model.SideLong,
			b.SubmissionIndex, int16(status),
			cloneInt(b.Result).String(), cloneInt(b.Bonus).String(),
			createdAt,
		)
		return err
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if pgErr.ConstraintName == "bets_round_order_key" {
			return fmt.Errorf("%w: submission index %d already used in round %d", model.ErrInvalidInput, b.SubmissionIndex, b.Round)
		}
		return fmt.Errorf("%w: %s", ErrDuplicateBet, b.Address.Hex())
	}
	if err != nil {
		return fmt.Errorf("insert bet %s: %w", b.Address.Hex(), err)
	}
	return nil
}

func (s *PostgresStore) GetRoundBets(ctx context.Context, game common.Address, round int64) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE game = $1 AND round = $2 ORDER BY submission_index`,
		hexAddr(game), round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) GetRoundsBets(ctx context.Context, game common.Address, rounds []int64) (map[int64][]model.Bet, error) {
	out := make(map[int64][]model.Bet, len(rounds))
	if len(rounds) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE game = $1 AND round = ANY($2) ORDER BY round, submission_index`,
		hexAddr(game), rounds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bets, err := scanBets(rows)
	if err != nil {
		return nil, err
	}
	for _, b := range bets {
		out[b.Round] = append(out[b.Round], b)
	}
	return out, nil
}

func (s *PostgresStore) GetBet(ctx context.Context, address common.Address) (*model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE address = $1`,
		hexAddr(address))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bets, err := scanBets(rows)
	if err != nil {
		return nil, fmt.Errorf("get bet %s: %w", address.Hex(), err)
	}
	if len(bets) == 0 {
		return nil, fmt.Errorf("bet %s: %w", address.Hex(), ErrNotFound)
	}
	return &bets[0], nil
}

func (s *PostgresStore) RecentBets(ctx context.Context, limit int) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets
		 ORDER BY created_at DESC, round DESC, submission_index DESC, address
		 LIMIT $1`,
		normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) BetStats(ctx context.Context, game common.Address) (model.BetStats, error) {
	var volume string
	st := model.BetStats{}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(SUM(amount), 0)::TEXT FROM bets WHERE game = $1`,
		hexAddr(game)).Scan(&st.Count, &volume)
	if err != nil {
		return model.BetStats{}, fmt.Errorf("bet stats: %w", err)
	}
	if st.Volume, err = parseNumeric(volume); err != nil {
		return model.BetStats{}, err
	}
	return st, nil
}

func (s *PostgresStore) GetPlayerBets(ctx context.Context, game common.Address, round int64, player common.Address) ([]model.Bet, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+betColumns+` FROM bets
		 WHERE game = $1 AND round = $2 AND player = $3 ORDER BY submission_index`,
		hexAddr(game), round, hexAddr(player))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) GetPlayerRounds(ctx context.Context, game common.Address, player common.Address) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT round FROM bets
		 WHERE game = $1 AND player = $2 ORDER BY round DESC`,
		hexAddr(game), hexAddr(player))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rounds := []int64{}
	for rows.Next() {
		var r int64
		if err := rows.Scan(&r); err != nil {
			return nil, err
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

func (s *PostgresStore) ListRounds(ctx context.Context, game common.Address, limit int) ([]model.RoundRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT game, round, price_start::TEXT, price_end::TEXT, calculated, calculated_at
		 FROM rounds WHERE game = $1 ORDER BY round DESC LIMIT $2`,
		hexAddr(game), normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RoundRecord
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestPrice(ctx context.Context, game common.Address, maxRound int64) (*model.RoundRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT game, round, price_start::TEXT, price_end::TEXT, calculated, calculated_at
		 FROM rounds WHERE game = $1 AND round <= $2 AND price_end IS NOT NULL
		 ORDER BY round DESC LIMIT 1`,
		hexAddr(game), maxRound)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("price at or before round %d: %w", maxRound, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest price: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) GetRound(ctx context.Context, game common.Address, round int64) (*model.RoundRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT game, round, price_start::TEXT, price_end::TEXT, calculated, calculated_at
		 FROM rounds WHERE game = $1 AND round = $2`,
		hexAddr(game), round)
	r, err := scanRound(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("round %d: %w", round, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get round %d: %w", round, err)
	}
	return r, nil
}

func (s *PostgresStore) UpsertRoundPrices(ctx context.Context, game common.Address, round int64, priceStart, priceEnd *big.Int) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rounds (game, round, price_start, price_end)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
		 ON CONFLICT (game, round) DO UPDATE
		 SET price_start = COALESCE(EXCLUDED.price_start, rounds.price_start),
		     price_end   = COALESCE(EXCLUDED.price_end, rounds.price_end)`,
		hexAddr(game), round, numeric(priceStart), numeric(priceEnd))
	return err
}

func (s *PostgresStore) ApplySettlement(ctx context.Context, st *model.Settlement) error {
	settledAt := st.SettledAt
	if settledAt.IsZero() {
		settledAt = time.Now().UTC()
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		for _, b := range st.Bets {
			tag, err := tx.Exec(ctx,
				`UPDATE bets SET status = $1, result = $2::NUMERIC, bonus = $3::NUMERIC
				 WHERE address = $4 AND game = $5 AND round = $6`,
				int16(b.Status), cloneInt(b.Result).String(), cloneInt(b.Bonus).String(),
				hexAddr(b.Address), hexAddr(st.Game), st.Round)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: bet %s is not in round %d", model.ErrInvalidInput, b.Address.Hex(), st.Round)
			}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO rounds (game, round, calculated, calculated_at) VALUES ($1, $2, TRUE, $3)
			 ON CONFLICT (game, round) DO UPDATE SET calculated = TRUE, calculated_at = EXCLUDED.calculated_at`,
			hexAddr(st.Game), st.Round, settledAt)
		return err
	})
}

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...any) error
}

func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	bets := []model.Bet{}
	for rows.Next() {
		var b model.Bet
		var addr, game, player, amount, result, bonus string
		var long bool
		var status int16
		if err := rows.Scan(&addr, &game, &b.Round, &player, &amount, &long,
			&b.SubmissionIndex, &status, &result, &bonus, &b.CreatedAt); err != nil {
			return nil, err
		}
		b.Address = common.HexToAddress(addr)
		b.Game = common.HexToAddress(game)
		b.Player = common.HexToAddress(player)
		b.Side = model.SideFromBool(long)
		b.Status = model.BetStatus(status)

		var err error
		if b.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		if b.Result, err = parseNumeric(result); err != nil {
			return nil, err
		}
		if b.Bonus, err = parseNumeric(bonus); err != nil {
			return nil, err
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

func scanRound(row pgxRow) (*model.RoundRecord, error) {
	var r model.RoundRecord
	var game string
	var start, end *string
	if err := row.Scan(&game, &r.Index, &start, &end, &r.Calculated, &r.CalculatedAt); err != nil {
		return nil, err
	}
	r.Game = common.HexToAddress(game)

	var err error
	if start != nil {
		if r.PriceStart, err = parseNumeric(*start); err != nil {
			return nil, err
		}
	}
	if end != nil {
		if r.PriceEnd, err = parseNumeric(*end); err != nil {
			return nil, err
		}
	}
	return &r, nil
}

func parseNumeric(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("store: bad numeric %q", s)
	}
	return v, nil
}

// numeric renders v for a $n::NUMERIC parameter; nil becomes SQL NULL.
func numeric(v *big.Int) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func hexAddr(a common.Address) string {
	return strings.ToLower(a.Hex())
}
