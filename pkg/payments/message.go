package payments

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// canonicalArgs is the ABI layout of a payment message,
// the same tuple can be rebuilt by an on-chain verifier with abi.encode.
var canonicalArgs = func() abi.Arguments {
	mustType := func(t string) abi.Type {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(err)
		}
		return typ
	}

	return abi.Arguments{
		{Name: "channelId", Type: mustType("string")},
		{Name: "sequence", Type: mustType("uint64")},
		{Name: "amount", Type: mustType("uint64")},
		{Name: "cumulativeAmount", Type: mustType("uint64")},
		{Name: "resource", Type: mustType("string")},
		{Name: "recipient", Type: mustType("string")},
		{Name: "timestamp", Type: mustType("int64")},
	}
}()

// CanonicalMessage - deterministic encoding of payment fields covered by signature.
func CanonicalMessage(p *Payment) ([]byte, error) {
	msg, err := canonicalArgs.Pack(
		p.ChannelID,
		p.Sequence,
		p.Amount,
		p.CumulativeAmount,
		p.Resource,
		p.Recipient,
		p.Timestamp.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to pack payment message: %w", err)
	}
	return msg, nil
}
