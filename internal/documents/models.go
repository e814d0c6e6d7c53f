package documents

import (
	"time"

	"gorm.io/gorm"
)

// Envelope statuses
const (
	StatusSent   = "sent"
	StatusSigned = "signed"
	StatusVoided = "voided"
)

// Envelope is a document sent to one recipient for signature
type Envelope struct {
	gorm.Model    `json:"-"`
	EnvelopeID    string     `gorm:"uniqueIndex" json:"id"`
	SenderID      string     `gorm:"index" json:"sender_id"`
	RecipientID   string     `gorm:"index" json:"recipient_id"`
	DocumentType  string     `json:"document_type"`
	Title         string     `json:"title"`
	ItemType      string     `json:"item_type,omitempty"`
	ItemID        string     `json:"item_id,omitempty"`
	ContentHash   string     `json:"content_hash"`
	Status        string     `json:"status"`
	SignedName    string     `json:"signed_name,omitempty"`
	SignatureHash string     `json:"signature_hash,omitempty"`
	SignedAt      *time.Time `json:"signed_at,omitempty"`
	VoidedAt      *time.Time `json:"voided_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (Envelope) TableName() string { return "document_envelopes" }

type CreateEnvelopeRequest struct {
	RecipientID  string `json:"recipient_id" binding:"required"`
	DocumentType string `json:"document_type" binding:"required"`
	Title        string `json:"title" binding:"required"`
	Content      string `json:"content" binding:"required"`
	ItemType     string `json:"item_type"`
	ItemID       string `json:"item_id"`
}

type SignRequest struct {
	SignedName string `json:"signed_name" binding:"required"`
}
