package indexer

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	"holder-indexer/internal/fetcher"
)

// Change is the holder-set effect of one observed balance.
type Change int

const (
	ChangeNone Change = iota
	ChangeInsert
	ChangeDelete
)

func (c Change) String() string {
	switch c {
	case ChangeInsert:
		return "insert"
	case ChangeDelete:
		return "delete"
	default:
		return "none"
	}
}

// Classify reports whether tx can move a sender across the threshold: a
// successful call whose function name starts with one of prefixes.
func Classify(tx fetcher.Transaction, prefixes []string) bool {
	if tx.TxReceiptStatus != "1" {
		return false
	}
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(tx.FunctionName, p) {
			return true
		}
	}
	return false
}

// Decide applies the threshold rule to a balance in whole token units.
func Decide(balance, threshold decimal.Decimal, present bool) Change {
	above := balance.GreaterThanOrEqual(threshold)
	switch {
	case above && !present:
		return ChangeInsert
	case !above && present:
		return ChangeDelete
	default:
		return ChangeNone
	}
}

// ToUnits scales a raw token amount down by decimals.
func ToUnits(raw *big.Int, decimals int32) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -decimals)
}
