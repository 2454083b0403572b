package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/betfinio/predict/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) InsertBet(ctx context.Context, b *model.Bet) error {
	if err := s.primary.InsertBet(ctx, b); err != nil {
		return err
	}
	// The round row may have been created by this insert.
	s.rdb.Del(ctx, betsKey(b.Game, b.Round), roundKeyOf(b.Game, b.Round))
	return nil
}

func (s *CachedStore) UpsertRoundPrices(ctx context.Context, game common.Address, round int64, priceStart, priceEnd *big.Int) error {
	if err := s.primary.UpsertRoundPrices(ctx, game, round, priceStart, priceEnd); err != nil {
		return err
	}
	s.rdb.Del(ctx, roundKeyOf(game, round))
	return nil
}

func (s *CachedStore) ApplySettlement(ctx context.Context, st *model.Settlement) error {
	if err := s.primary.ApplySettlement(ctx, st); err != nil {
		return err
	}
	s.rdb.Del(ctx, betsKey(st.Game, st.Round), roundKeyOf(st.Game, st.Round))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRoundBets(ctx context.Context, game common.Address, round int64) ([]model.Bet, error) {
	data, err := s.rdb.Get(ctx, betsKey(game, round)).Bytes()
	if err == nil {
		var bets []model.Bet
		if json.Unmarshal(data, &bets) == nil {
			return bets, nil
		}
	}

	// Cache miss: read from primary.
	bets, err := s.primary.GetRoundBets(ctx, game, round)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(bets); err == nil {
		s.rdb.Set(ctx, betsKey(game, round), data, s.ttl)
	}
	return bets, nil
}

func (s *CachedStore) GetRound(ctx context.Context, game common.Address, round int64) (*model.RoundRecord, error) {
	data, err := s.rdb.Get(ctx, roundKeyOf(game, round)).Bytes()
	if err == nil {
		var r model.RoundRecord
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	}

	r, err := s.primary.GetRound(ctx, game, round)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, roundKeyOf(game, round), data, s.ttl)
	}
	return r, nil
}

// GetRoundsBets reads every round's cached list in one MGET and fetches the
// misses from the primary in one batch.
func (s *CachedStore) GetRoundsBets(ctx context.Context, game common.Address, rounds []int64) (map[int64][]model.Bet, error) {
	out := make(map[int64][]model.Bet, len(rounds))
	if len(rounds) == 0 {
		return out, nil
	}

	keys := lo.Map(rounds, func(r int64, _ int) string { return betsKey(game, r) })
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	var missing []int64
	for i, r := range rounds {
		if err == nil {
			var bets []model.Bet
			if data, ok := vals[i].(string); ok && json.Unmarshal([]byte(data), &bets) == nil {
				if len(bets) > 0 {
					out[r] = bets
				}
				continue
			}
		}
		missing = append(missing, r)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := s.primary.GetRoundsBets(ctx, game, missing)
	if err != nil {
		return nil, err
	}
	pipe := s.rdb.Pipeline()
	for _, r := range missing {
		bets := fetched[r]
		if bets == nil {
			bets = []model.Bet{}
		}
		if data, err := json.Marshal(bets); err == nil {
			pipe.Set(ctx, betsKey(game, r), data, s.ttl)
		}
		if len(bets) > 0 {
			out[r] = bets
		}
	}
	pipe.Exec(ctx)
	return out, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetBet(ctx context.Context, address common.Address) (*model.Bet, error) {
	return s.primary.GetBet(ctx, address)
}

func (s *CachedStore) RecentBets(ctx context.Context, limit int) ([]model.Bet, error) {
	return s.primary.RecentBets(ctx, limit)
}

func (s *CachedStore) BetStats(ctx context.Context, game common.Address) (model.BetStats, error) {
	return s.primary.BetStats(ctx, game)
}

func (s *CachedStore) LatestPrice(ctx context.Context, game common.Address, maxRound int64) (*model.RoundRecord, error) {
	return s.primary.LatestPrice(ctx, game, maxRound)
}

func (s *CachedStore) GetPlayerBets(ctx context.Context, game common.Address, round int64, player common.Address) ([]model.Bet, error) {
	return s.primary.GetPlayerBets(ctx, game, round, player)
}

func (s *CachedStore) GetPlayerRounds(ctx context.Context, game common.Address, player common.Address) ([]int64, error) {
	return s.primary.GetPlayerRounds(ctx, game, player)
}

func (s *CachedStore) ListRounds(ctx context.Context, game common.Address, limit int) ([]model.RoundRecord, error) {
	return s.primary.ListRounds(ctx, game, limit)
}

// --- Cache helpers ---

func betsKey(game common.Address, round int64) string {
	return fmt.Sprintf("predict:bets:%s:%d", hexAddr(game), round)
}

func roundKeyOf(game common.Address, round int64) string {
	return fmt.Sprintf("predict:round:%s:%d", hexAddr(game), round)
}
