package store

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/betfinio/predict/internal/model"
)

type roundKey struct {
	game  common.Address
	round int64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.RWMutex
	bets   map[roundKey][]model.Bet // kept sorted by submission index
	byAddr map[common.Address]roundKey
	rounds map[roundKey]*model.RoundRecord
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		bets:   make(map[roundKey][]model.Bet),
		byAddr: make(map[common.Address]roundKey),
		rounds: make(map[roundKey]*model.RoundRecord),
	}
}

func (s *MemoryStore) InsertBet(_ context.Context, b *model.Bet) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byAddr[b.Address]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBet, b.Address.Hex())
	}
	key := roundKey{b.Game, b.Round}
	bets := s.bets[key]
	pos := sort.Search(len(bets), func(i int) bool { return bets[i].SubmissionIndex >= b.SubmissionIndex })
	if pos < len(bets) && bets[pos].SubmissionIndex == b.SubmissionIndex {
		return fmt.Errorf("%w: submission index %d already used in round %d", model.ErrInvalidInput, b.SubmissionIndex, b.Round)
	}

	// Store a copy to avoid external mutation.
	bets = append(bets, model.Bet{})
	copy(bets[pos+1:], bets[pos:])
	bets[pos] = cloneBet(*b)
	s.bets[key] = bets
	s.byAddr[b.Address] = key
	s.ensureRound(key)
	return nil
}

func (s *MemoryStore) GetRoundBets(_ context.Context, game common.Address, round int64) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.Map(s.bets[roundKey{game, round}], func(b model.Bet, _ int) model.Bet { return cloneBet(b) }), nil
}

func (s *MemoryStore) GetRoundsBets(_ context.Context, game common.Address, rounds []int64) (map[int64][]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64][]model.Bet, len(rounds))
	for _, r := range rounds {
		if bets := s.bets[roundKey{game, r}]; len(bets) > 0 {
			out[r] = lo.Map(bets, func(b model.Bet, _ int) model.Bet { return cloneBet(b) })
		}
	}
	return out, nil
}

func (s *MemoryStore) GetBet(_ context.Context, address common.Address) (*model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byAddr[address]
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", address.Hex(), ErrNotFound)
	}
	b, ok := lo.Find(s.bets[key], func(b model.Bet) bool { return b.Address == address })
	if !ok {
		return nil, fmt.Errorf("bet %s: %w", address.Hex(), ErrNotFound)
	}
	b = cloneBet(b)
	return &b, nil
}

func (s *MemoryStore) RecentBets(_ context.Context, limit int) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Bet
	for _, bets := range s.bets {
		for _, b := range bets {
			out = append(out, cloneBet(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case !a.CreatedAt.Equal(b.CreatedAt):
			return a.CreatedAt.After(b.CreatedAt)
		case a.Round != b.Round:
			return a.Round > b.Round
		case a.SubmissionIndex != b.SubmissionIndex:
			return a.SubmissionIndex > b.SubmissionIndex
		}
		return bytes.Compare(a.Address[:], b.Address[:]) < 0
	})
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) BetStats(_ context.Context, game common.Address) (model.BetStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := model.BetStats{Volume: new(big.Int)}
	for key, bets := range s.bets {
		if key.game != game {
			continue
		}
		for _, b := range bets {
			st.Count++
			st.Volume.Add(st.Volume, b.Amount)
		}
	}
	return st, nil
}

func (s *MemoryStore) GetPlayerBets(_ context.Context, game common.Address, round int64, player common.Address) ([]model.Bet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return lo.FilterMap(s.bets[roundKey{game, round}], func(b model.Bet, _ int) (model.Bet, bool) {
		return cloneBet(b), b.Player == player
	}), nil
}

func (s *MemoryStore) GetPlayerRounds(_ context.Context, game common.Address, player common.Address) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rounds []int64
	for key, bets := range s.bets {
		if key.game != game {
			continue
		}
		if lo.ContainsBy(bets, func(b model.Bet) bool { return b.Player == player }) {
			rounds = append(rounds, key.round)
		}
	}
	sort.Slice(rounds, func(i, j int) bool { return rounds[i] > rounds[j] })
	return rounds, nil
}

func (s *MemoryStore) ListRounds(_ context.Context, game common.Address, limit int) ([]model.RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.RoundRecord
	for key, r := range s.rounds {
		if key.game == game {
			out = append(out, cloneRecord(*r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index > out[j].Index })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LatestPrice(_ context.Context, game common.Address, maxRound int64) (*model.RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.RoundRecord
	for key, r := range s.rounds {
		if key.game != game || key.round > maxRound || r.PriceEnd == nil {
			continue
		}
		if best == nil || r.Index > best.Index {
			best = r
		}
	}
	if best == nil {
		return nil, fmt.Errorf("price at or before round %d: %w", maxRound, ErrNotFound)
	}
	rec := cloneRecord(*best)
	return &rec, nil
}

func (s *MemoryStore) GetRound(_ context.Context, game common.Address, round int64) (*model.RoundRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rounds[roundKey{game, round}]
	if !ok {
		return nil, fmt.Errorf("round %d: %w", round, ErrNotFound)
	}
	rec := cloneRecord(*r)
	return &rec, nil
}

func (s *MemoryStore) UpsertRoundPrices(_ context.Context, game common.Address, round int64, priceStart, priceEnd *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.ensureRound(roundKey{game, round})
	if priceStart != nil {
		r.PriceStart = new(big.Int).Set(priceStart)
	}
	if priceEnd != nil {
		r.PriceEnd = new(big.Int).Set(priceEnd)
	}
	return nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, st *model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := roundKey{st.Game, st.Round}
	bets := s.bets[key]

	// Resolve every bet before writing anything so a bad entry leaves the
	// round untouched.
	positions := make([]int, len(st.Bets))
	for i, bs := range st.Bets {
		_, pos, ok := lo.FindIndexOf(bets, func(b model.Bet) bool { return b.Address == bs.Address })
		if !ok {
			return fmt.Errorf("%w: bet %s is not in round %d", model.ErrInvalidInput, bs.Address.Hex(), st.Round)
		}
		positions[i] = pos
	}

	for i, bs := range st.Bets {
		b := &bets[positions[i]]
		b.Status = bs.Status
		b.Result = cloneInt(bs.Result)
		b.Bonus = cloneInt(bs.Bonus)
	}

	r := s.ensureRound(key)
	r.Calculated = true
	at := st.SettledAt
	if at.IsZero() {
		at = time.Now().UTC()
	}
	r.CalculatedAt = &at
	return nil
}

// ensureRound returns the record for key, creating it if needed. Caller
// holds the write lock.
func (s *MemoryStore) ensureRound(key roundKey) *model.RoundRecord {
	r, ok := s.rounds[key]
	if !ok {
		r = &model.RoundRecord{Game: key.game, Index: key.round}
		s.rounds[key] = r
	}
	return r
}
