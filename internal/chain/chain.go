// Package chain submits round settlement to the game contract.
//
// Settlement needs the price feed's round ids at the round's start and end
// timestamps. Those are read with latestRoundData at the last block mined at
// or before each timestamp, then passed to calculateBets. The contract
// computes every payout itself; nothing from the local estimator is sent.
package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/betfinio/predict/internal/model"
	"github.com/betfinio/predict/internal/round"
)

var (
	// ErrNoSigner is returned when settlement is requested but no RPC
	// endpoint or signing key is configured.
	ErrNoSigner = errors.New("chain: no signer configured")

	// ErrRoundNotEnded is returned when calculateBets is requested for a
	// round that is still open or already calculated.
	ErrRoundNotEnded = errors.New("chain: round is not awaiting calculation")

	// ErrNoBlock is returned when no block exists at or before a timestamp.
	ErrNoBlock = errors.New("chain: no block at timestamp")
)

const gameABIJSON = `[{"type":"function","name":"calculateBets","stateMutability":"nonpayable",
	"inputs":[{"name":"round","type":"uint256"},{"name":"priceStart","type":"uint256"},{"name":"priceEnd","type":"uint256"}],
	"outputs":[]}]`

const feedABIJSON = `[{"type":"function","name":"latestRoundData","stateMutability":"view","inputs":[],
	"outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},
	{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},
	{"name":"answeredInRound","type":"uint80"}]}]`

// gasHeadroom pads estimated gas by 20%.
const gasHeadroom = 120

// Backend is the subset of *ethclient.Client the settler needs.
type Backend interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// FeedRound is one latestRoundData answer.
type FeedRound struct {
	RoundID   *big.Int  `json:"round_id"`
	Answer    *big.Int  `json:"answer"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Calculation is the outcome of a submitted calculateBets transaction.
type Calculation struct {
	TxHash common.Hash `json:"tx_hash"`
	Start  FeedRound   `json:"start"`
	End    FeedRound   `json:"end"`
}

// Settler builds, signs and sends calculateBets transactions.
type Settler struct {
	backend Backend
	key     *ecdsa.PrivateKey
	from    common.Address
	gameABI abi.ABI
	feedABI abi.ABI
}

// Dial connects to rpcURL and returns a settler signing with hexKey.
func Dial(ctx context.Context, rpcURL, hexKey string) (*Settler, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return NewSettler(client, hexKey)
}

// NewSettler returns a settler over backend signing with hexKey.
func NewSettler(backend Backend, hexKey string) (*Settler, error) {
	if hexKey == "" {
		return nil, ErrNoSigner
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("chain: invalid signer key: %w", err)
	}
	gameABI, err := abi.JSON(strings.NewReader(gameABIJSON))
	if err != nil {
		return nil, err
	}
	feedABI, err := abi.JSON(strings.NewReader(feedABIJSON))
	if err != nil {
		return nil, err
	}
	return &Settler{
		backend: backend,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		gameABI: gameABI,
		feedABI: feedABI,
	}, nil
}

// From is the signer's address.
func (s *Settler) From() common.Address {
	return s.from
}

// BlockAt returns the number of the last block with a timestamp at or
// before ts.
func (s *Settler) BlockAt(ctx context.Context, ts time.Time) (*big.Int, error) {
	head, err := s.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	target := uint64(ts.Unix())
	if head.Time <= target {
		return new(big.Int).Set(head.Number), nil
	}

	// Invariant: block lo has time <= target (checked below), block hi > target.
	lo, hi := uint64(0), head.Number.Uint64()
	genesis, err := s.backend.HeaderByNumber(ctx, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("genesis header: %w", err)
	}
	if genesis.Time > target {
		return nil, fmt.Errorf("%w: %s", ErrNoBlock, ts.UTC().Format(time.RFC3339))
	}
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		h, err := s.backend.HeaderByNumber(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			return nil, fmt.Errorf("header %d: %w", mid, err)
		}
		if h.Time <= target {
			lo = mid
		} else {
			hi = mid
		}
	}
	return new(big.Int).SetUint64(lo), nil
}

// FeedAt reads the price feed's latest round as of ts.
func (s *Settler) FeedAt(ctx context.Context, feed common.Address, ts time.Time) (FeedRound, error) {
	block, err := s.BlockAt(ctx, ts)
	if err != nil {
		return FeedRound{}, err
	}
	data, err := s.feedABI.Pack("latestRoundData")
	if err != nil {
		return FeedRound{}, err
	}
	out, err := s.backend.CallContract(ctx, ethereum.CallMsg{To: &feed, Data: data}, block)
	if err != nil {
		return FeedRound{}, fmt.Errorf("latestRoundData at block %s: %w", block, err)
	}
	vals, err := s.feedABI.Unpack("latestRoundData", out)
	if err != nil {
		return FeedRound{}, fmt.Errorf("decode latestRoundData: %w", err)
	}
	if len(vals) != 5 {
		return FeedRound{}, fmt.Errorf("decode latestRoundData: got %d values", len(vals))
	}
	roundID, ok1 := vals[0].(*big.Int)
	answer, ok2 := vals[1].(*big.Int)
	updated, ok3 := vals[3].(*big.Int)
	if !ok1 || !ok2 || !ok3 {
		return FeedRound{}, errors.New("decode latestRoundData: unexpected types")
	}
	return FeedRound{RoundID: roundID, Answer: answer, UpdatedAt: time.Unix(updated.Int64(), 0).UTC()}, nil
}

// Calculate submits calculateBets for round r of game and returns the
// transaction hash with the feed rounds it used. It does not wait for the
// transaction to be mined.
func (s *Settler) Calculate(ctx context.Context, game model.Game, r int64) (*Calculation, error) {
	sched, err := round.ForGame(game)
	if err != nil {
		return nil, err
	}
	start, err := s.FeedAt(ctx, game.DataFeed, sched.Start(r))
	if err != nil {
		return nil, fmt.Errorf("start price: %w", err)
	}
	end, err := s.FeedAt(ctx, game.DataFeed, sched.End(r))
	if err != nil {
		return nil, fmt.Errorf("end price: %w", err)
	}

	data, err := s.gameABI.Pack("calculateBets", big.NewInt(r), start.RoundID, end.RoundID)
	if err != nil {
		return nil, fmt.Errorf("pack calculateBets: %w", err)
	}
	tx, err := s.send(ctx, game.Address, data)
	if err != nil {
		return nil, err
	}
	return &Calculation{TxHash: tx.Hash(), Start: start, End: end}, nil
}

func (s *Settler) send(ctx context.Context, to common.Address, data []byte) (*types.Transaction, error) {
	chainID, err := s.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	nonce, err := s.backend.PendingNonceAt(ctx, s.from)
	if err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	gasPrice, err := s.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	gas, err := s.backend.EstimateGas(ctx, ethereum.CallMsg{From: s.from, To: &to, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gas * gasHeadroom / 100,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := s.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send calculateBets: %w", err)
	}
	return signed, nil
}
