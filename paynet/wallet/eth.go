package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/agentmarket/paynet/pkg/payments"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrSignatureMismatch = errors.New("signature does not belong to signer")

var _ payments.Signer = (*EthSigner)(nil)
var _ payments.Verifier = (*EthSigner)(nil)

// EthSigner signs payment messages with secp256k1 key using EIP-191 personal message hash,
// so the same signature can be checked by ecrecover in a channel contract.
type EthSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewEthSigner(key *ecdsa.PrivateKey) *EthSigner {
	return &EthSigner{
		key:  key,
		addr: crypto.PubkeyToAddress(key.PublicKey),
	}
}

func EthSignerFromHex(hexKey string) (*EthSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewEthSigner(key), nil
}

func GenerateEthSigner() (*EthSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return NewEthSigner(key), nil
}

func (s *EthSigner) Address() string {
	return s.addr.Hex()
}

func (s *EthSigner) EthAddress() common.Address {
	return s.addr
}

// PrivateKey is exposed for settlement transactions signing.
func (s *EthSigner) PrivateKey() *ecdsa.PrivateKey {
	return s.key
}

// HexKey returns private key in a form accepted by EthSignerFromHex.
func (s *EthSigner) HexKey() string {
	return common.Bytes2Hex(crypto.FromECDSA(s.key))
}

func (s *EthSigner) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sig, err := crypto.Sign(accounts.TextHash(msg), s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return sig, nil
}

func (s *EthSigner) Verify(msg, sig []byte) error {
	return VerifyEth(s.addr, msg, sig)
}

// VerifyEth recovers signer of personal message and compares it with addr.
func VerifyEth(addr common.Address, msg, sig []byte) error {
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("incorrect signature length %d", len(sig))
	}

	pub, err := crypto.SigToPub(accounts.TextHash(msg), sig)
	if err != nil {
		return fmt.Errorf("failed to recover public key: %w", err)
	}

	if got := crypto.PubkeyToAddress(*pub); got != addr {
		return fmt.Errorf("%w: recovered %s, expected %s", ErrSignatureMismatch, got.Hex(), addr.Hex())
	}
	return nil
}
