package payments

import (
	"context"
	"fmt"
	"time"
)

type ChannelState string

const (
	StateOpening  ChannelState = "opening"
	StateOpen     ChannelState = "open"
	StateClosing  ChannelState = "closing"
	StateClosed   ChannelState = "closed"
	StateDisputed ChannelState = "disputed"
)

func (s ChannelState) Valid() bool {
	switch s {
	case StateOpening, StateOpen, StateClosing, StateClosed, StateDisputed:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s ChannelState) Terminal() bool {
	return s == StateClosed || s == StateDisputed
}

// Payment is a single signed, sequenced increment of a channel.
// Amounts are in the smallest token unit.
type Payment struct {
	ID               string    `json:"id"`
	ChannelID        string    `json:"channel_id"`
	Sequence         uint64    `json:"sequence"`
	Amount           uint64    `json:"amount"`
	CumulativeAmount uint64    `json:"cumulative_amount"`
	Resource         string    `json:"resource"`
	Recipient        string    `json:"recipient"`
	Timestamp        time.Time `json:"timestamp"`
	Signature        []byte    `json:"signature"`
}

func PaymentID(channelID string, seq uint64) string {
	return fmt.Sprintf("%s-%d", channelID, seq)
}

type Signer interface {
	// Address is the stable identity signatures are bound to.
	Address() string
	Sign(ctx context.Context, msg []byte) ([]byte, error)
}

// Verifier is implemented by signers able to check a signature
// against their own identity.
type Verifier interface {
	Verify(msg, sig []byte) error
}

type OpenRequest struct {
	ChannelID string
	Sender    string
	Recipient string
	Deposit   uint64
	Duration  time.Duration
	Network   string
	Token     string
}

type CloseRequest struct {
	ChannelID string
	Claim     Payment
	Sender    string
	Recipient string
	Network   string
	// Force marks a unilateral close, settlement is expected
	// to open a dispute window instead of finalizing.
	Force bool
}

type CloseReceipt struct {
	TxID string
	// Final is false when the claim is pending a dispute window.
	Final           bool
	DisputeDeadline time.Time
}

type Settlement interface {
	Open(ctx context.Context, req OpenRequest) (txID string, err error)
	Close(ctx context.Context, req CloseRequest) (CloseReceipt, error)
}

// Archive is a cold storage for settled payment history.
type Archive interface {
	ArchivePayments(ctx context.Context, channelID string, list []Payment) error
	GetArchivedPayments(ctx context.Context, channelID string) ([]Payment, error)
}

// Proof is the minimal bundle needed to assert channel final state on-chain.
type Proof struct {
	ChannelID  string
	Latest     *Payment
	TotalSpent uint64
	Signature  []byte
}

// ChannelInfo is a public snapshot of channel.
type ChannelInfo struct {
	ID           string       `json:"id"`
	State        ChannelState `json:"state"`
	Sender       string       `json:"sender"`
	Recipient    string       `json:"recipient"`
	Network      string       `json:"network"`
	Deposit      uint64       `json:"deposit"`
	Spent        uint64       `json:"spent"`
	Remaining    uint64       `json:"remaining"`
	PaymentCount uint64       `json:"payment_count"`
	ExpiresAt    time.Time    `json:"expires_at"`
	CreatedAt    time.Time    `json:"created_at"`
	OpenTxID     string       `json:"open_tx_id,omitempty"`
	CloseTxID    string       `json:"close_tx_id,omitempty"`
}

type EventType string

const (
	EventChannelOpened   EventType = "channel-opened"
	EventPaymentMade     EventType = "payment-made"
	EventChannelClosing  EventType = "channel-closing"
	EventChannelClosed   EventType = "channel-closed"
	EventChannelDisputed EventType = "channel-disputed"
	EventError           EventType = "error"
)

type Event struct {
	Type        EventType   `json:"type"`
	Channel     ChannelInfo `json:"channel"`
	Payment     *Payment    `json:"payment,omitempty"`
	FinalAmount uint64      `json:"final_amount,omitempty"`
	Reason      string      `json:"reason,omitempty"`
	Error       string      `json:"error,omitempty"`
	At          time.Time   `json:"at"`
}
