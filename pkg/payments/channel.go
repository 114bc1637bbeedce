package payments

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agentmarket/paynet/pkg/log"
	"github.com/google/uuid"
)

// DefaultDisputeWindow is used when settlement opens a dispute window
// without reporting its deadline.
const DefaultDisputeWindow = 24 * time.Hour

type ChannelConfig struct {
	// ID is generated when empty.
	ID        string
	Recipient string
	Network   string
	Token     string
	Deposit   uint64
	Duration  time.Duration
}

// Channel is a single sender to recipient relationship backed by on-chain deposit.
// All mutations are serialized by channel lock, including collaborator calls.
type Channel struct {
	id        string
	sender    string
	recipient string
	network   string
	token     string

	state    ChannelState
	deposit  uint64
	sequence uint64
	spent    uint64

	// payments hot history, sequences archivedCount+1..sequence
	payments      []Payment
	archivedCount uint64
	archivedTotal uint64

	createdAt time.Time
	expiresAt time.Time

	openTxID        string
	closeTxID       string
	closingClaim    *Payment
	disputeDeadline *time.Time
	disputedBy      *Payment

	signer     Signer
	settlement Settlement
	onEvent    func(Event)
	clock      func() time.Time

	mx sync.Mutex
}

func NewChannel(cfg ChannelConfig, signer Signer, settlement Settlement) (*Channel, error) {
	if signer == nil || settlement == nil {
		return nil, fmt.Errorf("signer and settlement should be set")
	}
	if cfg.Recipient == "" {
		return nil, fmt.Errorf("recipient is empty")
	}
	if cfg.Network == "" {
		return nil, fmt.Errorf("network is empty")
	}
	if cfg.Deposit == 0 {
		return nil, fmt.Errorf("deposit should be positive")
	}
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("duration should be positive")
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}

	c := &Channel{
		id:         id,
		sender:     signer.Address(),
		recipient:  cfg.Recipient,
		network:    cfg.Network,
		token:      cfg.Token,
		state:      StateOpening,
		deposit:    cfg.Deposit,
		signer:     signer,
		settlement: settlement,
		clock:      time.Now,
	}
	c.createdAt = c.now()
	c.expiresAt = c.createdAt.Add(cfg.Duration)

	return c, nil
}

// SetClock replaces time source, used by manager and tests.
func (c *Channel) SetClock(f func() time.Time) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.clock = f
}

// SetOnEvent sets a callback invoked after every transition, outside of channel lock.
func (c *Channel) SetOnEvent(f func(Event)) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.onEvent = f
}

func (c *Channel) now() time.Time {
	return c.clock().UTC().Truncate(time.Millisecond)
}

func (c *Channel) ID() string        { return c.id }
func (c *Channel) Sender() string    { return c.sender }
func (c *Channel) Recipient() string { return c.recipient }
func (c *Channel) Network() string   { return c.network }

func (c *Channel) State() ChannelState {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

func (c *Channel) Deposit() uint64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.deposit
}

func (c *Channel) Spent() uint64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.spent
}

func (c *Channel) Sequence() uint64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.sequence
}

func (c *Channel) Remaining() uint64 {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.deposit - c.spent
}

func (c *Channel) ExpiresAt() time.Time {
	return c.expiresAt
}

// Payments returns a copy of hot payment history.
func (c *Channel) Payments() []Payment {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]Payment(nil), c.payments...)
}

// IsActive - channel accepts payments only when open and not expired.
func (c *Channel) IsActive(now time.Time) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.isActive(now)
}

func (c *Channel) isActive(now time.Time) bool {
	return c.state == StateOpen && now.Before(c.expiresAt)
}

func (c *Channel) Open(ctx context.Context) (err error) {
	var events []Event
	defer func() { c.emit(events) }()

	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state != StateOpening {
		return fmt.Errorf("%w: cannot open channel %s in state %s", ErrInvalidState, c.id, c.state)
	}

	txID, err := c.settlement.Open(ctx, OpenRequest{
		ChannelID: c.id,
		Sender:    c.sender,
		Recipient: c.recipient,
		Deposit:   c.deposit,
		Duration:  c.expiresAt.Sub(c.createdAt),
		Network:   c.network,
		Token:     c.token,
	})
	if err != nil {
		events = append(events, c.errorEvent(err))
		return fmt.Errorf("failed to register deposit: %w", err)
	}

	c.openTxID = txID
	c.state = StateOpen
	events = append(events, c.event(EventChannelOpened))

	log.Info().Str("channel", c.id).Str("recipient", c.recipient).
		Uint64("deposit", c.deposit).Str("tx", txID).Msg("channel opened")
	return nil
}

// Pay signs next payment, sequence and spent are committed only after successful signature.
func (c *Channel) Pay(ctx context.Context, amount uint64, resource string) (*Payment, error) {
	var events []Event
	defer func() { c.emit(events) }()

	c.mx.Lock()
	defer c.mx.Unlock()

	now := c.now()
	if !c.isActive(now) {
		if c.state == StateOpen {
			return nil, fmt.Errorf("%w: channel %s expired at %s", ErrChannelNotActive, c.id, c.expiresAt.Format(time.RFC3339))
		}
		return nil, fmt.Errorf("%w: channel %s is %s", ErrChannelNotActive, c.id, c.state)
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	if amount > c.deposit-c.spent {
		return nil, fmt.Errorf("%w: remaining %d, requested %d", ErrInsufficientCapacity, c.deposit-c.spent, amount)
	}

	p := Payment{
		ID:               PaymentID(c.id, c.sequence+1),
		ChannelID:        c.id,
		Sequence:         c.sequence + 1,
		Amount:           amount,
		CumulativeAmount: c.spent + amount,
		Resource:         resource,
		Recipient:        c.recipient,
		Timestamp:        now,
	}

	msg, err := CanonicalMessage(&p)
	if err != nil {
		return nil, err
	}

	sig, err := c.signer.Sign(ctx, msg)
	if err != nil {
		events = append(events, c.errorEvent(err))
		return nil, fmt.Errorf("%w: %w", ErrSignature, err)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("%w: empty signature", ErrSignature)
	}
	p.Signature = sig

	c.payments = append(c.payments, p)
	c.sequence = p.Sequence
	c.spent = p.CumulativeAmount

	res := p
	ev := c.event(EventPaymentMade)
	ev.Payment = &res
	events = append(events, ev)

	cp := p
	return &cp, nil
}

// Close - cooperative close, claim is finalized by settlement immediately.
func (c *Channel) Close(ctx context.Context) (uint64, error) {
	return c.close(ctx, false)
}

// ForceClose - unilateral close, used when recipient is unresponsive.
// Settlement opens a dispute window, channel stays closing until FinalizeClose.
func (c *Channel) ForceClose(ctx context.Context) (uint64, error) {
	return c.close(ctx, true)
}

func (c *Channel) close(ctx context.Context, force bool) (uint64, error) {
	var events []Event
	defer func() { c.emit(events) }()

	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state != StateOpen {
		return 0, fmt.Errorf("%w: cannot close channel %s in state %s", ErrInvalidState, c.id, c.state)
	}

	claim := c.latestClaim()
	c.state = StateClosing
	c.closingClaim = &claim

	receipt, err := c.settlement.Close(ctx, CloseRequest{
		ChannelID: c.id,
		Claim:     claim,
		Sender:    c.sender,
		Recipient: c.recipient,
		Network:   c.network,
		Force:     force,
	})
	if err != nil {
		// nothing was submitted, channel is usable again
		c.state = StateOpen
		c.closingClaim = nil
		events = append(events, c.errorEvent(err))
		return 0, fmt.Errorf("failed to submit closing claim: %w", err)
	}

	c.closeTxID = receipt.TxID
	events = append(events, c.event(EventChannelClosing))

	if force && !receipt.Final {
		deadline := receipt.DisputeDeadline
		if deadline.IsZero() {
			deadline = c.now().Add(DefaultDisputeWindow)
		}
		deadline = deadline.UTC().Truncate(time.Millisecond)
		c.disputeDeadline = &deadline

		log.Info().Str("channel", c.id).Str("tx", receipt.TxID).
			Time("dispute_deadline", deadline).Msg("channel force close submitted, waiting for dispute window")
		return claim.CumulativeAmount, nil
	}

	c.state = StateClosed
	ev := c.event(EventChannelClosed)
	ev.FinalAmount = claim.CumulativeAmount
	events = append(events, ev)

	log.Info().Str("channel", c.id).Str("tx", receipt.TxID).
		Uint64("amount", claim.CumulativeAmount).Msg("channel closed")
	return claim.CumulativeAmount, nil
}

// FinalizeClose completes forced close when dispute window has passed without dispute.
func (c *Channel) FinalizeClose(now time.Time) (bool, error) {
	var events []Event
	defer func() { c.emit(events) }()

	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state != StateClosing {
		return false, fmt.Errorf("%w: cannot finalize channel %s in state %s", ErrInvalidState, c.id, c.state)
	}
	if c.disputeDeadline == nil || now.Before(*c.disputeDeadline) {
		return false, nil
	}

	c.state = StateClosed
	ev := c.event(EventChannelClosed)
	ev.FinalAmount = c.closingClaim.CumulativeAmount
	events = append(events, ev)
	return true, nil
}

// Dispute overrides stale closing claim with a newer signed state.
func (c *Channel) Dispute(newer Payment) error {
	var events []Event
	defer func() { c.emit(events) }()

	c.mx.Lock()
	defer c.mx.Unlock()

	if c.state != StateClosing {
		return fmt.Errorf("%w: cannot dispute channel %s in state %s", ErrInvalidState, c.id, c.state)
	}
	if newer.Sequence <= c.closingClaim.Sequence {
		return fmt.Errorf("%w: submitted %d, closing claim %d", ErrStaleDispute, newer.Sequence, c.closingClaim.Sequence)
	}
	if err := c.verify(&newer); err != nil {
		return err
	}

	cp := newer
	c.disputedBy = &cp
	c.state = StateDisputed

	ev := c.event(EventChannelDisputed)
	ev.Payment = &cp
	ev.Reason = fmt.Sprintf("state %d with cumulative %d overrides closing claim %d with cumulative %d",
		newer.Sequence, newer.CumulativeAmount, c.closingClaim.Sequence, c.closingClaim.CumulativeAmount)
	events = append(events, ev)

	log.Warn().Str("channel", c.id).Str("reason", ev.Reason).Msg("channel disputed")
	return nil
}

// VerifyPayment checks payment structure and bounds, and the signature
// when channel signer is able to verify it.
func (c *Channel) VerifyPayment(p *Payment) error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.verify(p)
}

func (c *Channel) verify(p *Payment) error {
	if p == nil {
		return fmt.Errorf("%w: nil payment", ErrInvalidPayment)
	}
	if p.ChannelID != c.id {
		return fmt.Errorf("%w: belongs to channel %s", ErrInvalidPayment, p.ChannelID)
	}
	if p.Sequence == 0 {
		return fmt.Errorf("%w: zero sequence", ErrInvalidPayment)
	}
	if len(p.Signature) == 0 {
		return fmt.Errorf("%w: no signature", ErrInvalidPayment)
	}
	if p.Amount > p.CumulativeAmount {
		return fmt.Errorf("%w: amount is above cumulative amount", ErrInvalidPayment)
	}
	if p.CumulativeAmount > c.deposit {
		return fmt.Errorf("%w: cumulative amount %d is above deposit %d", ErrInvalidPayment, p.CumulativeAmount, c.deposit)
	}

	if v, ok := c.signer.(Verifier); ok {
		msg, err := CanonicalMessage(p)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidPayment, err)
		}
		if err = v.Verify(msg, p.Signature); err != nil {
			return fmt.Errorf("%w: signature verification failed: %w", ErrInvalidPayment, err)
		}
	}
	return nil
}

func (c *Channel) SettlementProof() Proof {
	c.mx.Lock()
	defer c.mx.Unlock()

	pf := Proof{
		ChannelID:  c.id,
		TotalSpent: c.spent,
	}
	if len(c.payments) > 0 {
		latest := c.payments[len(c.payments)-1]
		pf.Latest = &latest
		pf.Signature = latest.Signature
	}
	return pf
}

func (c *Channel) Info() ChannelInfo {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.info()
}

func (c *Channel) info() ChannelInfo {
	return ChannelInfo{
		ID:           c.id,
		State:        c.state,
		Sender:       c.sender,
		Recipient:    c.recipient,
		Network:      c.network,
		Deposit:      c.deposit,
		Spent:        c.spent,
		Remaining:    c.deposit - c.spent,
		PaymentCount: c.sequence,
		ExpiresAt:    c.expiresAt,
		CreatedAt:    c.createdAt,
		OpenTxID:     c.openTxID,
		CloseTxID:    c.closeTxID,
	}
}

// ArchivablePayments returns hot payments which can be moved to cold storage,
// the newest keep payments are never returned.
func (c *Channel) ArchivablePayments(keep int) []Payment {
	if keep < 1 {
		keep = 1
	}

	c.mx.Lock()
	defer c.mx.Unlock()

	if len(c.payments) <= keep {
		return nil
	}
	return append([]Payment(nil), c.payments[:len(c.payments)-keep]...)
}

// TrimArchived drops hot payments up to seqno, they should be already stored in archive.
func (c *Channel) TrimArchived(seqno uint64) error {
	c.mx.Lock()
	defer c.mx.Unlock()

	if seqno <= c.archivedCount {
		return nil
	}

	n := seqno - c.archivedCount
	if n >= uint64(len(c.payments)) {
		return fmt.Errorf("cannot archive latest payment of channel %s", c.id)
	}

	last := c.payments[n-1]
	if last.Sequence != seqno {
		return fmt.Errorf("%w: hot history of %s is not contiguous", ErrInvalidRecord, c.id)
	}

	c.archivedCount = seqno
	c.archivedTotal = last.CumulativeAmount
	c.payments = append([]Payment(nil), c.payments[n:]...)
	return nil
}

func (c *Channel) latestClaim() Payment {
	if len(c.payments) == 0 {
		return Payment{
			ChannelID: c.id,
			Recipient: c.recipient,
			Timestamp: c.now(),
		}
	}
	return c.payments[len(c.payments)-1]
}

func (c *Channel) event(typ EventType) Event {
	return Event{
		Type:    typ,
		Channel: c.info(),
		At:      c.now(),
	}
}

func (c *Channel) errorEvent(err error) Event {
	ev := c.event(EventError)
	ev.Error = err.Error()
	return ev
}

func (c *Channel) emit(events []Event) {
	if len(events) == 0 {
		return
	}

	c.mx.Lock()
	f := c.onEvent
	c.mx.Unlock()

	if f == nil {
		return
	}
	for _, e := range events {
		f(e)
	}
}
