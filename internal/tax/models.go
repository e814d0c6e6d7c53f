package tax

import (
	"time"

	"gorm.io/gorm"
)

// QualifiedDividendRatio estimates the share of dividends taxed at the qualified rate
const QualifiedDividendRatio = 0.75

// Year-end form types
const (
	Form1099DIV  = "1099-DIV"
	Form1099INT  = "1099-INT"
	Form1099B    = "1099-B"
	Form1099MISC = "1099-MISC"
)

const DocumentAvailable = "available"

// TaxDocument is a generated year-end form (1099-DIV, 1099-INT, 1099-B, K-1)
type TaxDocument struct {
	gorm.Model   `json:"-"`
	DocumentID   string    `gorm:"uniqueIndex" json:"id"`
	UserID       string    `gorm:"index:idx_tax_documents_user_year" json:"user_id"`
	TaxYear      int       `gorm:"index:idx_tax_documents_user_year" json:"tax_year"`
	DocumentType string    `json:"document_type"`
	Status       string    `json:"status"` // pending, available
	FileURL      string    `json:"file_url,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summary is the per-year aggregate shown on the tax center
type Summary struct {
	TaxYear                     int                `json:"tax_year"`
	Dividends                   float64            `json:"dividends"`
	Interest                    float64            `json:"interest"`
	CapitalGains                float64            `json:"capital_gains"`
	CapitalLosses               float64            `json:"capital_losses"`
	PredictionWinnings          float64            `json:"prediction_winnings"`
	NetCapitalGainLoss          float64            `json:"net_capital_gain_loss"`
	TotalIncome                 float64            `json:"total_income"`
	EstimatedQualifiedDividends float64            `json:"estimated_qualified_dividends"`
	EventCount                  int                `json:"event_count"`
	ByCategory                  map[string]float64 `json:"by_category"`
}
