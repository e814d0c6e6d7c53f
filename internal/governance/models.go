package governance

import (
	"time"

	"gorm.io/gorm"
)

// Proposal statuses
const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// Vote choices
const (
	ChoiceFor     = "for"
	ChoiceAgainst = "against"
	ChoiceAbstain = "abstain"
)

// Proposal is a decision put to the token holders of one asset
type Proposal struct {
	gorm.Model  `json:"-"`
	ProposalID  string    `gorm:"uniqueIndex" json:"id"`
	ItemType    string    `gorm:"index:idx_proposals_item" json:"item_type"`
	ItemID      string    `gorm:"index:idx_proposals_item" json:"item_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      string    `json:"status"`
	EndsAt      time.Time `json:"ends_at"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Proposal) TableName() string { return "governance_proposals" }

// IsOpen reports whether votes are still accepted at now
func (p *Proposal) IsOpen(now time.Time) bool {
	return p.Status == StatusActive && now.Before(p.EndsAt)
}

// Vote is one holder's ballot. Weight is fixed when the vote is cast.
type Vote struct {
	gorm.Model `json:"-"`
	VoteID     string    `gorm:"uniqueIndex" json:"id"`
	ProposalID string    `gorm:"uniqueIndex:idx_votes_voter" json:"proposal_id"`
	VoterID    string    `gorm:"uniqueIndex:idx_votes_voter" json:"voter_id"`
	Choice     string    `json:"choice"`
	Weight     float64   `json:"weight"`
	CreatedAt  time.Time `json:"created_at"`
}

func (Vote) TableName() string { return "governance_votes" }

// Delegation hands a holder's voting power for one asset to another user
type Delegation struct {
	gorm.Model   `json:"-"`
	DelegationID string    `gorm:"uniqueIndex" json:"id"`
	DelegatorID  string    `gorm:"uniqueIndex:idx_delegations_owner" json:"delegator_id"`
	ItemType     string    `gorm:"uniqueIndex:idx_delegations_owner" json:"item_type"`
	ItemID       string    `gorm:"uniqueIndex:idx_delegations_owner" json:"item_id"`
	DelegateID   string    `gorm:"index" json:"delegate_id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Delegation) TableName() string { return "governance_delegates" }

type CreateProposalRequest struct {
	ItemType    string    `json:"item_type" binding:"required"`
	ItemID      string    `json:"item_id" binding:"required"`
	Title       string    `json:"title" binding:"required"`
	Description string    `json:"description"`
	EndsAt      time.Time `json:"ends_at" binding:"required"`
}

type CastVoteRequest struct {
	Choice string `json:"choice" binding:"required"`
}

// DelegateRequest assigns voting power; an empty DelegateID revokes it
type DelegateRequest struct {
	ItemType   string `json:"item_type" binding:"required"`
	ItemID     string `json:"item_id" binding:"required"`
	DelegateID string `json:"delegate_id"`
}

// Results is the weighted tally of a proposal
type Results struct {
	ProposalID  string  `json:"proposal_id"`
	Status      string  `json:"status"`
	For         float64 `json:"for"`
	Against     float64 `json:"against"`
	Abstain     float64 `json:"abstain"`
	TotalWeight float64 `json:"total_weight"`
	VoterCount  int     `json:"voter_count"`
	Outcome     string  `json:"outcome"` // passing, failing, tied
}
