package governance

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/internal/portfolio"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/ksred/blineit-api/pkg/apperr"
	"github.com/ksred/blineit-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrProposalNotFound = apperr.New(apperr.KindNotFound, "proposal not found")
	ErrProposalClosed   = apperr.New(apperr.KindConflict, "proposal is closed for voting")
	ErrInvalidChoice    = apperr.New(apperr.KindValidation, "choice must be for, against or abstain")
	ErrInvalidEndsAt    = apperr.New(apperr.KindValidation, "ends_at must be in the future")
	ErrAlreadyVoted     = apperr.New(apperr.KindConflict, "you have already voted on this proposal")
	ErrNoVotingPower    = apperr.New(apperr.KindForbidden, "you hold no tokens of this asset")
	ErrDelegated        = apperr.New(apperr.KindConflict, "your voting power for this asset is delegated")
	ErrSelfDelegation   = apperr.New(apperr.KindValidation, "cannot delegate to yourself")
	ErrDelegationChain  = apperr.New(apperr.KindConflict, "delegate has delegated their own voting power")
	ErrDelegationLocked = apperr.New(apperr.KindConflict, "voting power for this asset is counted in a vote on an open proposal")
)

func validChoice(c string) bool {
	return c == ChoiceFor || c == ChoiceAgainst || c == ChoiceAbstain
}

// Tally sums vote weights per choice. Outcome compares for against against;
// abstentions only count towards the total.
func Tally(p *Proposal, votes []Vote, now time.Time) Results {
	var forW, againstW, abstainW decimal.Decimal
	for _, v := range votes {
		w := decimal.NewFromFloat(v.Weight)
		switch v.Choice {
		case ChoiceFor:
			forW = forW.Add(w)
		case ChoiceAgainst:
			againstW = againstW.Add(w)
		case ChoiceAbstain:
			abstainW = abstainW.Add(w)
		}
	}

	outcome := "tied"
	switch forW.Cmp(againstW) {
	case 1:
		outcome = "passing"
	case -1:
		outcome = "failing"
	}

	status := p.Status
	if !p.IsOpen(now) {
		status = StatusClosed
	}

	return Results{
		ProposalID:  p.ProposalID,
		Status:      status,
		For:         forW.InexactFloat64(),
		Against:     againstW.InexactFloat64(),
		Abstain:     abstainW.InexactFloat64(),
		TotalWeight: forW.Add(againstW).Add(abstainW).InexactFloat64(),
		VoterCount:  len(votes),
		Outcome:     outcome,
	}
}

// Service runs token-weighted governance per asset
type Service struct {
	gorm   *gorm.DB
	db     *Database
	broker *realtime.Broker
}

// NewService creates a new governance service
func NewService(gormDB *gorm.DB, broker *realtime.Broker) *Service {
	return &Service{
		gorm:   gormDB,
		db:     NewDatabase(gormDB),
		broker: broker,
	}
}

func (s *Service) ListProposals(ctx context.Context, itemType, itemID string) ([]Proposal, error) {
	return s.db.ListProposals(ctx, itemType, itemID)
}

func (s *Service) Delegations(ctx context.Context, userID string) ([]Delegation, error) {
	return s.db.GetDelegations(ctx, userID)
}

// CreateProposal opens a vote for the holders of an asset
func (s *Service) CreateProposal(ctx context.Context, createdBy string, req CreateProposalRequest) (*Proposal, error) {
	if !req.EndsAt.After(time.Now()) {
		return nil, ErrInvalidEndsAt
	}

	now := time.Now()
	p := &Proposal{
		ProposalID:  uuid.New().String(),
		ItemType:    req.ItemType,
		ItemID:      req.ItemID,
		Title:       req.Title,
		Description: req.Description,
		Status:      StatusActive,
		EndsAt:      req.EndsAt,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := portfolio.FindAsset(tx, req.ItemType, req.ItemID); err != nil {
			return err
		}
		return tx.Create(p).Error
	})
	if err != nil {
		return nil, err
	}

	s.broker.PublishChange("governance_proposals", realtime.EventInsert, nil, p)
	log.Info().Str("proposal_id", p.ProposalID).Str("item_id", p.ItemID).Msg("proposal created")
	return p, nil
}

// CastVote records the caller's ballot weighted by their own tokens plus the
// tokens of holders who delegated to them
func (s *Service) CastVote(ctx context.Context, userID, proposalID string, req CastVoteRequest) (*Vote, error) {
	logger := log.With().
		Str("proposal_id", proposalID).
		Str("user_id", userID).
		Str("service", "governance").
		Logger()

	if !validChoice(req.Choice) {
		return nil, ErrInvalidChoice
	}

	var (
		vote     *Vote
		proposal *Proposal
	)
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if proposal, err = findProposal(tx, proposalID); err != nil {
			return err
		}
		now := time.Now()
		if !proposal.IsOpen(now) {
			return ErrProposalClosed
		}

		own, err := findDelegation(tx, userID, proposal.ItemType, proposal.ItemID)
		if err != nil {
			return err
		}
		if own != nil {
			return ErrDelegated
		}

		weight, err := votingPower(tx, userID, proposal)
		if err != nil {
			return err
		}
		if weight <= 0 {
			return ErrNoVotingPower
		}

		vote = &Vote{
			VoteID:     uuid.New().String(),
			ProposalID: proposalID,
			VoterID:    userID,
			Choice:     req.Choice,
			Weight:     weight,
			CreatedAt:  now,
		}
		return tx.Create(vote).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return nil, ErrAlreadyVoted
	}
	if err != nil {
		logger.Warn().Err(err).Msg("vote rejected")
		return nil, err
	}

	if results, err := s.Results(ctx, proposalID); err == nil {
		s.broker.PublishChange("governance_proposals", realtime.EventUpdate, nil, map[string]interface{}{
			"id":           proposal.ProposalID,
			"item_type":    proposal.ItemType,
			"item_id":      proposal.ItemID,
			"status":       results.Status,
			"for":          results.For,
			"against":      results.Against,
			"abstain":      results.Abstain,
			"total_weight": results.TotalWeight,
		})
	}

	logger.Info().Str("choice", vote.Choice).Float64("weight", vote.Weight).Msg("vote cast")
	return vote, nil
}

// votingPower is the user's own balance plus balances delegated to them.
// Delegators who already voted on p themselves are left out.
func votingPower(tx *gorm.DB, userID string, p *Proposal) (float64, error) {
	var delegators []string
	if err := tx.Model(&Delegation{}).
		Where("delegate_id = ? AND item_type = ? AND item_id = ?", userID, p.ItemType, p.ItemID).
		Where("delegator_id NOT IN (?)", tx.Model(&Vote{}).Select("voter_id").Where("proposal_id = ?", p.ProposalID)).
		Pluck("delegator_id", &delegators).Error; err != nil {
		return 0, err
	}

	var total float64
	if err := tx.Model(&types.Holding{}).
		Where("item_type = ? AND item_id = ?", p.ItemType, p.ItemID).
		Where("user_id IN ?", append(delegators, userID)).
		Select("COALESCE(SUM(token_quantity), 0)").
		Scan(&total).Error; err != nil {
		return 0, err
	}
	return total, nil
}

// Delegate hands the caller's voting power for an asset to another user, or
// revokes it when DelegateID is empty
func (s *Service) Delegate(ctx context.Context, userID string, req DelegateRequest) (*Delegation, error) {
	if req.DelegateID == userID {
		return nil, ErrSelfDelegation
	}

	var result *Delegation
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := portfolio.FindAsset(tx, req.ItemType, req.ItemID); err != nil {
			return err
		}
		existing, err := findDelegation(tx, userID, req.ItemType, req.ItemID)
		if err != nil {
			return err
		}
		if req.DelegateID == "" && existing == nil {
			return nil
		}

		voters := []string{userID}
		if existing != nil {
			voters = append(voters, existing.DelegateID)
		}
		counted, err := votedOnOpenProposal(tx, voters, req.ItemType, req.ItemID, time.Now())
		if err != nil {
			return err
		}
		if counted {
			return ErrDelegationLocked
		}

		if req.DelegateID == "" {
			return tx.Unscoped().Delete(existing).Error
		}

		upstream, err := findDelegation(tx, req.DelegateID, req.ItemType, req.ItemID)
		if err != nil {
			return err
		}
		if upstream != nil {
			return ErrDelegationChain
		}
		var incoming int64
		if err := tx.Model(&Delegation{}).
			Where("delegate_id = ? AND item_type = ? AND item_id = ?", userID, req.ItemType, req.ItemID).
			Count(&incoming).Error; err != nil {
			return err
		}
		if incoming > 0 {
			return ErrDelegationChain
		}

		now := time.Now()
		if existing != nil {
			existing.DelegateID = req.DelegateID
			existing.UpdatedAt = now
			result = existing
			return tx.Model(existing).Updates(map[string]interface{}{
				"delegate_id": req.DelegateID,
				"updated_at":  now,
			}).Error
		}

		result = &Delegation{
			DelegationID: uuid.New().String(),
			DelegatorID:  userID,
			ItemType:     req.ItemType,
			ItemID:       req.ItemID,
			DelegateID:   req.DelegateID,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		return tx.Create(result).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID).
		Str("item_id", req.ItemID).
		Str("delegate_id", req.DelegateID).
		Msg("delegation updated")
	return result, nil
}

// votedOnOpenProposal reports whether any of voters has a vote on a proposal
// for the asset that is still open at now. The caller's balance is part of
// that vote's weight, so the delegation can't move until the proposal ends.
func votedOnOpenProposal(tx *gorm.DB, voters []string, itemType, itemID string, now time.Time) (bool, error) {
	var proposals []Proposal
	if err := tx.Where("item_type = ? AND item_id = ? AND status = ?", itemType, itemID, StatusActive).
		Where("proposal_id IN (?)", tx.Model(&Vote{}).Select("proposal_id").Where("voter_id IN ?", voters)).
		Find(&proposals).Error; err != nil {
		return false, err
	}
	for i := range proposals {
		if proposals[i].IsOpen(now) {
			return true, nil
		}
	}
	return false, nil
}

// Results tallies a proposal
func (s *Service) Results(ctx context.Context, proposalID string) (*Results, error) {
	p, err := s.db.GetProposal(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	votes, err := s.db.GetVotes(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	r := Tally(p, votes, time.Now())
	return &r, nil
}

// GinHandlers contains HTTP handlers for governance endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for governance endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListProposalsHandler handles GET /governance/proposals?item_type=&item_id=
func (h *GinHandlers) ListProposalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		proposals, err := h.service.ListProposals(c.Request.Context(), c.Query("item_type"), c.Query("item_id"))
		response.Handle(c, proposals, err)
	}
}

// CreateProposalHandler handles POST /internal/governance/proposals
func (h *GinHandlers) CreateProposalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateProposalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		p, err := h.service.CreateProposal(c.Request.Context(), "operator", req)
		response.Handle(c, p, err)
	}
}

// CastVoteHandler handles POST /governance/proposals/:proposal_id/votes
func (h *GinHandlers) CastVoteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CastVoteRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		vote, err := h.service.CastVote(c.Request.Context(), auth.UserID(c), c.Param("proposal_id"), req)
		response.Handle(c, vote, err)
	}
}

// ResultsHandler handles GET /governance/proposals/:proposal_id/results
func (h *GinHandlers) ResultsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		results, err := h.service.Results(c.Request.Context(), c.Param("proposal_id"))
		response.Handle(c, results, err)
	}
}

// DelegationsHandler handles GET /governance/delegations
func (h *GinHandlers) DelegationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		delegations, err := h.service.Delegations(c.Request.Context(), auth.UserID(c))
		response.Handle(c, delegations, err)
	}
}

// DelegateHandler handles PUT /governance/delegations
func (h *GinHandlers) DelegateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DelegateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		d, err := h.service.Delegate(c.Request.Context(), auth.UserID(c), req)
		response.Handle(c, d, err)
	}
}
