package tax

import (
	"context"

	"github.com/ksred/blineit-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetEvents(ctx context.Context, userID string, year int) ([]types.TaxableEvent, error) {
	var events []types.TaxableEvent
	if err := d.db.WithContext(ctx).
		Where("user_id = ? AND tax_year = ?", userID, year).
		Order("occurred_at DESC").
		Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (d *Database) GetDocuments(ctx context.Context, userID string, year int) ([]TaxDocument, error) {
	var docs []TaxDocument
	if err := d.db.WithContext(ctx).
		Where("user_id = ? AND tax_year = ?", userID, year).
		Order("document_type").
		Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// UsersWithEvents returns every user with at least one taxable event in year
func (d *Database) UsersWithEvents(ctx context.Context, year int) ([]string, error) {
	var users []string
	if err := d.db.WithContext(ctx).
		Model(&types.TaxableEvent{}).
		Where("tax_year = ?", year).
		Distinct().
		Order("user_id").
		Pluck("user_id", &users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (d *Database) CreateDocument(ctx context.Context, doc *TaxDocument) error {
	return d.db.WithContext(ctx).Create(doc).Error
}
