package wallet

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/agentmarket/paynet/pkg/payments"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEthSigner_SignVerify(t *testing.T) {
	s, err := GenerateEthSigner()
	require.NoError(t, err)

	msg := []byte("payment message")
	sig, err := s.Sign(context.Background(), msg)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	require.NoError(t, s.Verify(msg, sig))
	require.Error(t, s.Verify([]byte("payment messagE"), sig))
	require.Error(t, s.Verify(msg, sig[:64]))

	other, err := GenerateEthSigner()
	require.NoError(t, err)
	require.ErrorIs(t, other.Verify(msg, sig), ErrSignatureMismatch)
}

func TestEthSigner_FromHex(t *testing.T) {
	s, err := GenerateEthSigner()
	require.NoError(t, err)

	restored, err := EthSignerFromHex("0x" + s.HexKey())
	require.NoError(t, err)
	assert.Equal(t, s.Address(), restored.Address())

	_, err = EthSignerFromHex("zz")
	require.Error(t, err)
}

func TestEthSigner_CanceledContext(t *testing.T) {
	s, err := GenerateEthSigner()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Sign(ctx, []byte("x"))
	require.ErrorIs(t, err, context.Canceled)
}

func TestEd25519Signer_SignVerify(t *testing.T) {
	seed := make([]byte, 32)
	_, err := rand.Read(seed)
	require.NoError(t, err)

	s, err := NewEd25519Signer(seed)
	require.NoError(t, err)
	assert.Len(t, s.Address(), 64)

	sig, err := s.Sign(context.Background(), []byte("hello"))
	require.NoError(t, err)
	require.NoError(t, s.Verify([]byte("hello"), sig))
	require.ErrorIs(t, s.Verify([]byte("hellO"), sig), ErrSignatureMismatch)

	_, err = NewEd25519Signer(seed[:10])
	require.Error(t, err)
}

type noopSettlement struct{}

func (noopSettlement) Open(_ context.Context, req payments.OpenRequest) (string, error) {
	return "tx-" + req.ChannelID, nil
}

func (noopSettlement) Close(_ context.Context, req payments.CloseRequest) (payments.CloseReceipt, error) {
	return payments.CloseReceipt{TxID: "tx-close", Final: true}, nil
}

func TestEthSigner_ChannelVerifiesSignatures(t *testing.T) {
	s, err := GenerateEthSigner()
	require.NoError(t, err)

	ch, err := payments.NewChannel(payments.ChannelConfig{
		Recipient: "0x000000000000000000000000000000000000dEaD",
		Network:   "base-sepolia",
		Deposit:   1_000_000,
		Duration:  time.Hour,
	}, s, noopSettlement{})
	require.NoError(t, err)
	require.NoError(t, ch.Open(context.Background()))

	p, err := ch.Pay(context.Background(), 1500, "inference")
	require.NoError(t, err)
	require.NoError(t, ch.VerifyPayment(p))

	forged := *p
	forged.Amount, forged.CumulativeAmount = 2000, 2000
	require.ErrorIs(t, ch.VerifyPayment(&forged), payments.ErrInvalidPayment)
}
