package storage

import (
	"time"

	"github.com/shopspring/decimal"
)

// HolderRecord is an address currently counted as a holder of a series' token.
type HolderRecord struct {
	Series    string
	Address   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DailySnapshot is the aggregate metric of a series for one calendar day.
type DailySnapshot struct {
	Series    string
	Day       time.Time
	Amount    decimal.Decimal
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HolderChanges is the staged holder-set mutation of one day window.
type HolderChanges struct {
	Inserts []string
	Deletes []string
}

// Empty reports whether there is nothing to apply.
func (c HolderChanges) Empty() bool {
	return len(c.Inserts) == 0 && len(c.Deletes) == 0
}
