package settlement

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentmarket/paynet/pkg/log"
	"github.com/agentmarket/paynet/pkg/payments"
	"github.com/ethereum/go-ethereum/crypto"
)

var _ payments.Settlement = (*Simulated)(nil)

type simChannel struct {
	deposit uint64
	closed  bool
	claim   payments.Payment
}

// Simulated settles channels in memory and fabricates transaction ids,
// it is used for development networks and tests.
type Simulated struct {
	disputeWindow time.Duration
	clock         func() time.Time

	channels map[string]*simChannel
	nonce    uint64
	mx       sync.Mutex
}

func NewSimulated(disputeWindow time.Duration) *Simulated {
	if disputeWindow <= 0 {
		disputeWindow = payments.DefaultDisputeWindow
	}
	return &Simulated{
		disputeWindow: disputeWindow,
		clock:         time.Now,
		channels:      map[string]*simChannel{},
	}
}

func (s *Simulated) SetClock(f func() time.Time) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.clock = f
}

func (s *Simulated) Open(ctx context.Context, req payments.OpenRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Deposit == 0 {
		return "", fmt.Errorf("zero deposit")
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	if _, ok := s.channels[req.ChannelID]; ok {
		return "", fmt.Errorf("channel %s is already registered", req.ChannelID)
	}
	s.channels[req.ChannelID] = &simChannel{deposit: req.Deposit}

	tx := s.txID("open", req.ChannelID)
	log.Debug().Str("channel", req.ChannelID).Str("network", req.Network).
		Uint64("deposit", req.Deposit).Str("tx", tx).Msg("simulated deposit registered")
	return tx, nil
}

func (s *Simulated) Close(ctx context.Context, req payments.CloseRequest) (payments.CloseReceipt, error) {
	if err := ctx.Err(); err != nil {
		return payments.CloseReceipt{}, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()

	ch, ok := s.channels[req.ChannelID]
	if !ok {
		return payments.CloseReceipt{}, fmt.Errorf("channel %s is not registered", req.ChannelID)
	}
	if ch.closed {
		return payments.CloseReceipt{}, fmt.Errorf("channel %s is already closed", req.ChannelID)
	}
	if req.Claim.CumulativeAmount > ch.deposit {
		return payments.CloseReceipt{}, fmt.Errorf("claim %d is above deposit %d", req.Claim.CumulativeAmount, ch.deposit)
	}

	ch.closed = true
	ch.claim = req.Claim

	rc := payments.CloseReceipt{
		TxID:  s.txID("close", req.ChannelID),
		Final: !req.Force,
	}
	if req.Force {
		rc.DisputeDeadline = s.clock().Add(s.disputeWindow)
	}
	return rc, nil
}

// Claimed returns the amount settled for channel, if it was closed.
func (s *Simulated) Claimed(channelID string) (uint64, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()

	ch, ok := s.channels[channelID]
	if !ok || !ch.closed {
		return 0, false
	}
	return ch.claim.CumulativeAmount, true
}

func (s *Simulated) txID(op, channelID string) string {
	s.nonce++
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%s:%d", op, channelID, s.nonce))).Hex()
}
