package types

import (
	"time"

	"gorm.io/gorm"
)

// Taxable event types
const (
	TaxEventDividend           = "dividend"
	TaxEventInterest           = "interest"
	TaxEventCapitalGain        = "capital_gain"
	TaxEventCapitalLoss        = "capital_loss"
	TaxEventPredictionWinnings = "prediction_winnings"
)

// TaxableEvent is one income or gain/loss row, written by trades and payouts.
// Amount is always non-negative; the event type carries the sign.
type TaxableEvent struct {
	gorm.Model  `json:"-"`
	EventID     string    `gorm:"uniqueIndex" json:"id"`
	UserID      string    `gorm:"index:idx_taxable_events_user_year" json:"user_id"`
	TaxYear     int       `gorm:"index:idx_taxable_events_user_year" json:"tax_year"`
	EventType   string    `json:"event_type"`
	Amount      float64   `json:"amount"`
	ItemType    string    `json:"item_type,omitempty"`
	ItemID      string    `json:"item_id,omitempty"`
	ReferenceID string    `json:"reference_id,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
	CreatedAt   time.Time `json:"created_at"`
}
