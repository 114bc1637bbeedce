package config

import (
	"fmt"
	"math/big"

	"github.com/xssnick/tonutils-go/tlb"
)

// Token describes settlement token, amounts are kept in its smallest units.
type Token struct {
	Symbol   string
	Decimals uint8
	// Address of token contract, empty for native coin.
	Address string
}

// ParseAmount converts decimal string like "2.5" to smallest units.
func (t Token) ParseAmount(s string) (uint64, error) {
	c, err := tlb.FromDecimal(s, int(t.Decimals))
	if err != nil {
		return 0, fmt.Errorf("failed to parse amount %q: %w", s, err)
	}

	n := c.Nano()
	if n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("amount %q is out of range", s)
	}
	return n.Uint64(), nil
}

func (t Token) FormatAmount(units uint64) string {
	return tlb.MustFromNano(new(big.Int).SetUint64(units), int(t.Decimals)).String()
}

// Display is amount with symbol, for logs and cli.
func (t Token) Display(units uint64) string {
	return t.FormatAmount(units) + " " + t.Symbol
}
