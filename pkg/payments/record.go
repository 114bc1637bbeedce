package payments

import (
	"fmt"
	"time"
)

// ChannelRecord is a serializable form of channel, signer and settlement are not part of it
// and should be attached again on restore.
type ChannelRecord struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	Network   string `json:"network"`
	Token     string `json:"token,omitempty"`

	State    ChannelState `json:"state"`
	Deposit  uint64       `json:"deposit"`
	Sequence uint64       `json:"sequence"`
	Spent    uint64       `json:"spent"`

	Payments      []Payment `json:"payments"`
	ArchivedCount uint64    `json:"archived_count,omitempty"`
	ArchivedTotal uint64    `json:"archived_total,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	OpenTxID        string     `json:"open_tx_id,omitempty"`
	CloseTxID       string     `json:"close_tx_id,omitempty"`
	ClosingClaim    *Payment   `json:"closing_claim,omitempty"`
	DisputeDeadline *time.Time `json:"dispute_deadline,omitempty"`
	DisputedBy      *Payment   `json:"disputed_by,omitempty"`
}

func (c *Channel) Record() ChannelRecord {
	c.mx.Lock()
	defer c.mx.Unlock()

	rec := ChannelRecord{
		ID:            c.id,
		Sender:        c.sender,
		Recipient:     c.recipient,
		Network:       c.network,
		Token:         c.token,
		State:         c.state,
		Deposit:       c.deposit,
		Sequence:      c.sequence,
		Spent:         c.spent,
		Payments:      append([]Payment(nil), c.payments...),
		ArchivedCount: c.archivedCount,
		ArchivedTotal: c.archivedTotal,
		CreatedAt:     c.createdAt,
		ExpiresAt:     c.expiresAt,
		OpenTxID:      c.openTxID,
		CloseTxID:     c.closeTxID,
	}
	if c.closingClaim != nil {
		cl := *c.closingClaim
		rec.ClosingClaim = &cl
	}
	if c.disputeDeadline != nil {
		dl := *c.disputeDeadline
		rec.DisputeDeadline = &dl
	}
	if c.disputedBy != nil {
		d := *c.disputedBy
		rec.DisputedBy = &d
	}
	return rec
}

// RestoreChannel rebuilds channel from record, history is checked
// to be gapless and consistent with accounting before channel is returned.
func RestoreChannel(rec ChannelRecord, signer Signer, settlement Settlement) (*Channel, error) {
	if signer == nil || settlement == nil {
		return nil, fmt.Errorf("signer and settlement should be set")
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if signer.Address() != rec.Sender {
		return nil, fmt.Errorf("signer %s is not a sender of channel %s (%s)", signer.Address(), rec.ID, rec.Sender)
	}

	c := &Channel{
		id:            rec.ID,
		sender:        rec.Sender,
		recipient:     rec.Recipient,
		network:       rec.Network,
		token:         rec.Token,
		state:         rec.State,
		deposit:       rec.Deposit,
		sequence:      rec.Sequence,
		spent:         rec.Spent,
		payments:      append([]Payment(nil), rec.Payments...),
		archivedCount: rec.ArchivedCount,
		archivedTotal: rec.ArchivedTotal,
		createdAt:     rec.CreatedAt,
		expiresAt:     rec.ExpiresAt,
		openTxID:      rec.OpenTxID,
		closeTxID:     rec.CloseTxID,
		signer:        signer,
		settlement:    settlement,
		clock:         time.Now,
	}
	if rec.ClosingClaim != nil {
		cl := *rec.ClosingClaim
		c.closingClaim = &cl
	}
	if rec.DisputeDeadline != nil {
		dl := *rec.DisputeDeadline
		c.disputeDeadline = &dl
	}
	if rec.DisputedBy != nil {
		d := *rec.DisputedBy
		c.disputedBy = &d
	}
	return c, nil
}

func (rec *ChannelRecord) Validate() error {
	if rec.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRecord)
	}
	if !rec.State.Valid() {
		return fmt.Errorf("%w: unknown state %q of %s", ErrInvalidRecord, rec.State, rec.ID)
	}
	if rec.State != StateOpening && rec.OpenTxID == "" {
		return fmt.Errorf("%w: channel %s left opening without open tx", ErrInvalidRecord, rec.ID)
	}
	if (rec.State == StateClosing || rec.State == StateDisputed) && rec.ClosingClaim == nil {
		return fmt.Errorf("%w: channel %s is %s without closing claim", ErrInvalidRecord, rec.ID, rec.State)
	}
	if rec.State == StateDisputed && rec.DisputedBy == nil {
		return fmt.Errorf("%w: channel %s is disputed without newer state", ErrInvalidRecord, rec.ID)
	}
	if rec.ArchivedCount > 0 && len(rec.Payments) == 0 {
		return fmt.Errorf("%w: channel %s has no latest payment in hot history", ErrInvalidRecord, rec.ID)
	}

	seq, cum := rec.ArchivedCount, rec.ArchivedTotal
	for _, p := range rec.Payments {
		if p.ChannelID != rec.ID {
			return fmt.Errorf("%w: payment %s belongs to another channel", ErrInvalidRecord, p.ID)
		}
		if p.Sequence != seq+1 {
			return fmt.Errorf("%w: payment sequence %d after %d in %s", ErrInvalidRecord, p.Sequence, seq, rec.ID)
		}
		if p.Amount == 0 || cum+p.Amount < cum || p.CumulativeAmount != cum+p.Amount {
			return fmt.Errorf("%w: cumulative amount mismatch at sequence %d in %s", ErrInvalidRecord, p.Sequence, rec.ID)
		}
		seq, cum = p.Sequence, p.CumulativeAmount
	}

	if seq != rec.Sequence || cum != rec.Spent {
		return fmt.Errorf("%w: accounting of %s does not match history (seq %d/%d, spent %d/%d)",
			ErrInvalidRecord, rec.ID, rec.Sequence, seq, rec.Spent, cum)
	}
	if rec.Spent > rec.Deposit {
		return fmt.Errorf("%w: spent %d is above deposit %d in %s", ErrInvalidRecord, rec.Spent, rec.Deposit, rec.ID)
	}
	return nil
}

// ValidateHistory checks full history from sequence 1 as produced by archive replay.
func ValidateHistory(channelID string, list []Payment) error {
	var seq, cum uint64
	for _, p := range list {
		if p.ChannelID != channelID || p.Sequence != seq+1 || p.CumulativeAmount != cum+p.Amount {
			return fmt.Errorf("%w: history of %s breaks at sequence %d", ErrInvalidRecord, channelID, p.Sequence)
		}
		seq, cum = p.Sequence, p.CumulativeAmount
	}
	return nil
}
