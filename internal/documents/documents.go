package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/pkg/apperr"
	"github.com/ksred/blineit-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

var (
	ErrEnvelopeNotFound = apperr.New(apperr.KindNotFound, "envelope not found")
	ErrNotRecipient     = apperr.New(apperr.KindForbidden, "only the recipient can sign this document")
	ErrAlreadySigned    = apperr.New(apperr.KindConflict, "document is already signed")
	ErrNotSignable      = apperr.New(apperr.KindConflict, "document can no longer be signed")
	ErrEmptySignature   = apperr.New(apperr.KindValidation, "signed_name is required")
	ErrNotSender        = apperr.New(apperr.KindForbidden, "only the sender can void this document")
	ErrNotVoidable      = apperr.New(apperr.KindConflict, "only unsigned documents can be voided")
)

// SignatureHash binds a signature to the envelope, the signer and the typed name
func SignatureHash(envelopeID, userID, signedName string) string {
	sum := sha256.Sum256([]byte(envelopeID + "|" + userID + "|" + signedName))
	return hex.EncodeToString(sum[:])
}

// Verify recomputes the signature hash of a signed envelope
func Verify(e *Envelope) bool {
	return e.Status == StatusSigned && e.SignatureHash == SignatureHash(e.EnvelopeID, e.RecipientID, e.SignedName)
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Service handles document envelopes and signatures
type Service struct {
	gorm *gorm.DB
	db   *Database
}

// NewService creates a new document service
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		gorm: gormDB,
		db:   NewDatabase(gormDB),
	}
}

// CreateEnvelope stores a document for the recipient to sign
func (s *Service) CreateEnvelope(ctx context.Context, senderID string, req CreateEnvelopeRequest) (*Envelope, error) {
	now := time.Now()
	e := &Envelope{
		EnvelopeID:   uuid.New().String(),
		SenderID:     senderID,
		RecipientID:  req.RecipientID,
		DocumentType: req.DocumentType,
		Title:        req.Title,
		ItemType:     req.ItemType,
		ItemID:       req.ItemID,
		ContentHash:  contentHash(req.Content),
		Status:       StatusSent,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.db.CreateEnvelope(ctx, e); err != nil {
		return nil, err
	}

	log.Info().
		Str("envelope_id", e.EnvelopeID).
		Str("recipient_id", e.RecipientID).
		Str("document_type", e.DocumentType).
		Msg("envelope created")
	return e, nil
}

// List returns envelopes the user sent or received
func (s *Service) List(ctx context.Context, userID string) ([]Envelope, error) {
	return s.db.ListForUser(ctx, userID)
}

// Get returns an envelope visible to the user
func (s *Service) Get(ctx context.Context, userID, envelopeID string) (*Envelope, error) {
	e, err := s.db.GetEnvelope(ctx, envelopeID)
	if err != nil {
		return nil, err
	}
	if e.SenderID != userID && e.RecipientID != userID {
		return nil, ErrEnvelopeNotFound
	}
	return e, nil
}

// SignDocument signs an envelope as its recipient. Each envelope is signed once.
func (s *Service) SignDocument(ctx context.Context, userID, envelopeID string, req SignRequest) (*Envelope, error) {
	name := strings.TrimSpace(req.SignedName)
	if name == "" {
		return nil, ErrEmptySignature
	}

	var signed *Envelope
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := findEnvelope(tx, envelopeID)
		if err != nil {
			return err
		}
		if e.RecipientID != userID {
			return ErrNotRecipient
		}
		switch e.Status {
		case StatusSigned:
			return ErrAlreadySigned
		case StatusSent:
		default:
			return ErrNotSignable
		}

		now := time.Now()
		hash := SignatureHash(envelopeID, userID, name)
		moved, err := moveFromSent(tx, envelopeID, map[string]interface{}{
			"status":         StatusSigned,
			"signed_name":    name,
			"signature_hash": hash,
			"signed_at":      now,
			"updated_at":     now,
		})
		if err != nil {
			return err
		}
		if !moved {
			return ErrAlreadySigned
		}

		e.Status = StatusSigned
		e.SignedName = name
		e.SignatureHash = hash
		e.SignedAt = &now
		e.UpdatedAt = now
		signed = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("envelope_id", envelopeID).Str("user_id", userID).Msg("document signed")
	return signed, nil
}

// VoidEnvelope withdraws an unsigned envelope. Only its sender may void it,
// and a voided envelope can no longer be signed.
func (s *Service) VoidEnvelope(ctx context.Context, userID, envelopeID string) (*Envelope, error) {
	var voided *Envelope
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		e, err := findEnvelope(tx, envelopeID)
		if err != nil {
			return err
		}
		if e.SenderID != userID {
			if e.RecipientID != userID {
				return ErrEnvelopeNotFound
			}
			return ErrNotSender
		}
		if e.Status != StatusSent {
			return ErrNotVoidable
		}

		now := time.Now()
		moved, err := moveFromSent(tx, envelopeID, map[string]interface{}{
			"status":     StatusVoided,
			"voided_at":  now,
			"updated_at": now,
		})
		if err != nil {
			return err
		}
		if !moved {
			return ErrNotVoidable
		}

		e.Status = StatusVoided
		e.VoidedAt = &now
		e.UpdatedAt = now
		voided = e
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info().Str("envelope_id", envelopeID).Str("user_id", userID).Msg("envelope voided")
	return voided, nil
}

// GinHandlers contains HTTP handlers for document endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for document endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// CreateEnvelopeHandler handles POST /documents/envelopes
func (h *GinHandlers) CreateEnvelopeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateEnvelopeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		e, err := h.service.CreateEnvelope(c.Request.Context(), auth.UserID(c), req)
		response.Handle(c, e, err)
	}
}

// ListHandler handles GET /documents/envelopes
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.service.List(c.Request.Context(), auth.UserID(c))
		response.Handle(c, list, err)
	}
}

// GetHandler handles GET /documents/envelopes/:envelope_id
func (h *GinHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := h.service.Get(c.Request.Context(), auth.UserID(c), c.Param("envelope_id"))
		response.Handle(c, e, err)
	}
}

// SignHandler handles POST /documents/envelopes/:envelope_id/sign
func (h *GinHandlers) SignHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req SignRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		e, err := h.service.SignDocument(c.Request.Context(), auth.UserID(c), c.Param("envelope_id"), req)
		response.Handle(c, e, err)
	}
}

// VoidHandler handles POST /documents/envelopes/:envelope_id/void
func (h *GinHandlers) VoidHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		e, err := h.service.VoidEnvelope(c.Request.Context(), auth.UserID(c), c.Param("envelope_id"))
		response.Handle(c, e, err)
	}
}
