package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betfinio/predict/internal/model"
)

const (
	genesisTime = 1_000
	blockTime   = 10
	headBlock   = 100_000
)

// fakeBackend mines one block every blockTime seconds from genesisTime and
// serves a feed whose round id is the queried block number plus 7.
type fakeBackend struct {
	settler *Settler
	sent    []*types.Transaction
	calls   []*big.Int
	sendErr error
}

func (b *fakeBackend) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	n := uint64(headBlock)
	if number != nil {
		n = number.Uint64()
	}
	return &types.Header{Number: new(big.Int).SetUint64(n), Time: genesisTime + n*blockTime}, nil
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	b.calls = append(b.calls, block)
	roundID := new(big.Int).Add(block, big.NewInt(7))
	answer := new(big.Int).Mul(block, big.NewInt(1_000))
	updated := big.NewInt(int64(genesisTime + block.Uint64()*blockTime))
	return b.settler.feedABI.Methods["latestRoundData"].Outputs.Pack(roundID, answer, updated, updated, roundID)
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 5, nil }
func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error)             { return big.NewInt(3_000_000_000), nil }
func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error)   { return 100_000, nil }
func (b *fakeBackend) ChainID(context.Context) (*big.Int, error)                      { return big.NewInt(137), nil }

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func newTestSettler(t *testing.T) (*Settler, *fakeBackend) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	backend := &fakeBackend{}
	s, err := NewSettler(backend, "0x"+hex.EncodeToString(crypto.FromECDSA(key)))
	require.NoError(t, err)
	backend.settler = s
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.From())
	return s, backend
}

func TestNewSettler_Errors(t *testing.T) {
	_, err := NewSettler(&fakeBackend{}, "")
	assert.ErrorIs(t, err, ErrNoSigner)

	_, err = NewSettler(&fakeBackend{}, "zz")
	assert.Error(t, err)
}

func TestBlockAt(t *testing.T) {
	s, _ := newTestSettler(t)
	ctx := context.Background()

	tests := []struct {
		ts   int64
		want uint64
	}{
		{genesisTime, 0},
		{genesisTime + 9, 0},
		{genesisTime + 10, 1},
		{genesisTime + 12_345, 1_234},
		{genesisTime + headBlock*blockTime + 500, headBlock},
	}
	for _, tt := range tests {
		got, err := s.BlockAt(ctx, time.Unix(tt.ts, 0))
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Uint64(), "timestamp %d", tt.ts)
	}

	_, err := s.BlockAt(ctx, time.Unix(genesisTime-1, 0))
	assert.ErrorIs(t, err, ErrNoBlock)
}

func TestCalculate(t *testing.T) {
	s, backend := newTestSettler(t)
	game := model.Game{
		Pair:     "BTCUSDT",
		Address:  common.HexToAddress("0x00000000000000000000000000000000000000b7"),
		DataFeed: common.HexToAddress("0x00000000000000000000000000000000000000fd"),
		Interval: 270,
		Duration: 4,
	}

	// Round 100 runs from 27000 to 28080.
	calc, err := s.Calculate(context.Background(), game, 100)
	require.NoError(t, err)

	startBlock := uint64((27_000 - genesisTime) / blockTime)
	endBlock := uint64((28_080 - genesisTime) / blockTime)
	require.Len(t, backend.calls, 2)
	assert.Equal(t, startBlock, backend.calls[0].Uint64())
	assert.Equal(t, endBlock, backend.calls[1].Uint64())
	assert.Equal(t, startBlock+7, calc.Start.RoundID.Uint64())
	assert.Equal(t, endBlock+7, calc.End.RoundID.Uint64())

	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	assert.Equal(t, calc.TxHash, tx.Hash())
	assert.Equal(t, game.Address, *tx.To())
	assert.Equal(t, uint64(5), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(137)), tx)
	require.NoError(t, err)
	assert.Equal(t, s.From(), sender)

	method := s.gameABI.Methods["calculateBets"]
	assert.Equal(t, method.ID, tx.Data()[:4])
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, int64(100), args[0].(*big.Int).Int64())
	assert.Zero(t, calc.Start.RoundID.Cmp(args[1].(*big.Int)))
	assert.Zero(t, calc.End.RoundID.Cmp(args[2].(*big.Int)))
}

func TestCalculate_SendError(t *testing.T) {
	s, backend := newTestSettler(t)
	backend.sendErr = errors.New("nonce too low")
	game := model.Game{Interval: 270, Duration: 4}

	_, err := s.Calculate(context.Background(), game, 100)
	assert.ErrorIs(t, err, backend.sendErr)
}
