package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/agentmarket/paynet/pkg/payments"
	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimulated_OpenClose(t *testing.T) {
	s := NewSimulated(time.Hour)
	ctx := context.Background()

	tx, err := s.Open(ctx, payments.OpenRequest{ChannelID: "a", Deposit: 100, Network: "dev"})
	require.NoError(t, err)
	assert.Len(t, tx, 66)

	_, err = s.Open(ctx, payments.OpenRequest{ChannelID: "a", Deposit: 100})
	require.Error(t, err)

	_, err = s.Close(ctx, payments.CloseRequest{ChannelID: "a", Claim: payments.Payment{CumulativeAmount: 101}})
	require.Error(t, err)

	rc, err := s.Close(ctx, payments.CloseRequest{ChannelID: "a", Claim: payments.Payment{CumulativeAmount: 40}})
	require.NoError(t, err)
	assert.True(t, rc.Final)
	assert.NotEqual(t, tx, rc.TxID)

	amt, ok := s.Claimed("a")
	require.True(t, ok)
	assert.Equal(t, uint64(40), amt)

	_, err = s.Close(ctx, payments.CloseRequest{ChannelID: "a"})
	require.Error(t, err)

	_, err = s.Close(ctx, payments.CloseRequest{ChannelID: "unknown"})
	require.Error(t, err)
}

func TestSimulated_ForceCloseOpensWindow(t *testing.T) {
	s := NewSimulated(2 * time.Hour)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	_, err := s.Open(context.Background(), payments.OpenRequest{ChannelID: "a", Deposit: 10})
	require.NoError(t, err)

	rc, err := s.Close(context.Background(), payments.CloseRequest{ChannelID: "a", Force: true})
	require.NoError(t, err)
	assert.False(t, rc.Final)
	assert.Equal(t, now.Add(2*time.Hour), rc.DisputeDeadline)
}

type fakeBackend struct {
	chainID *big.Int
	nonce   uint64
	sendErr error
	sent    []*coretypes.Transaction
	calls   []gethcore.CallMsg
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return f.chainID, nil }

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) EstimateGas(_ context.Context, call gethcore.CallMsg) (uint64, error) {
	f.calls = append(f.calls, call)
	return 120_000, nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *coretypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func newTestEVM(t *testing.T) (*EVM, *fakeBackend, common.Address) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	b := &fakeBackend{chainID: big.NewInt(84532)}
	e, err := NewEVM(b, key, EVMConfig{
		Contract:      "0x00000000000000000000000000000000000000c1",
		DisputeWindow: time.Hour,
	})
	require.NoError(t, err)
	return e, b, crypto.PubkeyToAddress(key.PublicKey)
}

func TestEVM_Open(t *testing.T) {
	e, b, from := newTestEVM(t)

	tx, err := e.Open(context.Background(), payments.OpenRequest{
		ChannelID: "ch-1",
		Recipient: "0x000000000000000000000000000000000000dEaD",
		Token:     "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Deposit:   5_000_000,
		Duration:  time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	sent := b.sent[0]
	assert.Equal(t, sent.Hash().Hex(), tx)
	assert.Equal(t, uint64(120_000), sent.Gas())
	assert.Equal(t, 0, sent.Value().Sign())

	sender, err := coretypes.Sender(coretypes.LatestSignerForChainID(b.chainID), sent)
	require.NoError(t, err)
	assert.Equal(t, from, sender)

	args, err := e.abi.Methods["open"].Inputs.Unpack(sent.Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, "ch-1", args[0])
	assert.Equal(t, common.HexToAddress("0x000000000000000000000000000000000000dEaD"), args[1])
	assert.Equal(t, int64(5_000_000), args[3].(*big.Int).Int64())
	assert.Equal(t, uint64(3600), args[4])
}

func TestEVM_OpenNativeCarriesValue(t *testing.T) {
	e, b, _ := newTestEVM(t)

	_, err := e.Open(context.Background(), payments.OpenRequest{
		ChannelID: "ch-1",
		Recipient: "0x000000000000000000000000000000000000dEaD",
		Deposit:   777,
		Duration:  time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(777), b.sent[0].Value().Int64())
	assert.Equal(t, int64(777), b.calls[0].Value.Int64())
}

func TestEVM_OpenRejectsBadAddress(t *testing.T) {
	e, b, _ := newTestEVM(t)

	_, err := e.Open(context.Background(), payments.OpenRequest{ChannelID: "x", Recipient: "bob", Deposit: 1})
	require.Error(t, err)
	assert.Empty(t, b.sent)
}

func TestEVM_CloseAndForceClose(t *testing.T) {
	e, b, _ := newTestEVM(t)

	claim := payments.Payment{
		ChannelID:        "ch-1",
		Sequence:         3,
		Amount:           500_000,
		CumulativeAmount: 4_000_000,
		Resource:         "toolA",
		Recipient:        "0x000000000000000000000000000000000000dEaD",
		Timestamp:        time.UnixMilli(1_760_000_000_000).UTC(),
		Signature:        []byte{1, 2, 3},
	}

	rc, err := e.Close(context.Background(), payments.CloseRequest{ChannelID: "ch-1", Claim: claim})
	require.NoError(t, err)
	assert.True(t, rc.Final)
	assert.True(t, rc.DisputeDeadline.IsZero())

	args, err := e.abi.Methods["close"].Inputs.Unpack(b.sent[0].Data()[4:])
	require.NoError(t, err)
	assert.Equal(t, uint64(3), args[1])
	assert.Equal(t, uint64(4_000_000), args[3])
	assert.Equal(t, claim.Timestamp.UnixMilli(), args[6])
	assert.Equal(t, []byte{1, 2, 3}, args[7])

	rc, err = e.Close(context.Background(), payments.CloseRequest{ChannelID: "ch-1", Claim: claim, Force: true})
	require.NoError(t, err)
	assert.False(t, rc.Final)
	assert.WithinDuration(t, time.Now().Add(time.Hour), rc.DisputeDeadline, time.Minute)
	assert.Equal(t, e.abi.Methods["forceClose"].ID, b.sent[1].Data()[:4])
	assert.Equal(t, uint64(1), b.sent[1].Nonce())
}

func TestEVM_SendFailure(t *testing.T) {
	e, b, _ := newTestEVM(t)
	b.sendErr = errors.New("replacement transaction underpriced")

	_, err := e.Close(context.Background(), payments.CloseRequest{ChannelID: "ch-1"})
	require.ErrorContains(t, err, "underpriced")
}

func TestNewEVM_BadContract(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = NewEVM(&fakeBackend{}, key, EVMConfig{Contract: "nope"})
	require.Error(t, err)
}
