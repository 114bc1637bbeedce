package wallet

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/agentmarket/paynet/pkg/payments"
	"golang.org/x/crypto/ed25519"
)

var _ payments.Signer = (*Ed25519Signer)(nil)
var _ payments.Verifier = (*Ed25519Signer)(nil)

// Ed25519Signer is used for networks where channel contract checks ed25519 signatures,
// address is a hex public key.
type Ed25519Signer struct {
	key ed25519.PrivateKey
	pub ed25519.PublicKey
}

func NewEd25519Signer(seed []byte) (*Ed25519Signer, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("incorrect seed size %d", len(seed))
	}

	key := ed25519.NewKeyFromSeed(seed)
	return &Ed25519Signer{
		key: key,
		pub: key.Public().(ed25519.PublicKey),
	}, nil
}

func (s *Ed25519Signer) Address() string {
	return hex.EncodeToString(s.pub)
}

func (s *Ed25519Signer) PublicKey() ed25519.PublicKey {
	return s.pub
}

func (s *Ed25519Signer) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ed25519.Sign(s.key, msg), nil
}

func (s *Ed25519Signer) Verify(msg, sig []byte) error {
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("incorrect signature length %d", len(sig))
	}
	if !ed25519.Verify(s.pub, msg, sig) {
		return ErrSignatureMismatch
	}
	return nil
}
