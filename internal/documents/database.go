package documents

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateEnvelope(ctx context.Context, e *Envelope) error {
	return d.db.WithContext(ctx).Create(e).Error
}

func (d *Database) GetEnvelope(ctx context.Context, envelopeID string) (*Envelope, error) {
	return findEnvelope(d.db.WithContext(ctx), envelopeID)
}

// ListForUser returns envelopes the user sent or received, newest first
func (d *Database) ListForUser(ctx context.Context, userID string) ([]Envelope, error) {
	var out []Envelope
	if err := d.db.WithContext(ctx).
		Where("sender_id = ? OR recipient_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func findEnvelope(tx *gorm.DB, envelopeID string) (*Envelope, error) {
	var e Envelope
	if err := tx.Where("envelope_id = ?", envelopeID).First(&e).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEnvelopeNotFound
		}
		return nil, err
	}
	return &e, nil
}

// moveFromSent applies fields only while the envelope is still sent and
// reports whether it did
func moveFromSent(tx *gorm.DB, envelopeID string, fields map[string]interface{}) (bool, error) {
	res := tx.Model(&Envelope{}).
		Where("envelope_id = ? AND status = ?", envelopeID, StatusSent).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
