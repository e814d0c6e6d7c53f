package governance

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

func (d *Database) ListProposals(ctx context.Context, itemType, itemID string) ([]Proposal, error) {
	q := d.db.WithContext(ctx).Order("created_at DESC")
	if itemType != "" {
		q = q.Where("item_type = ?", itemType)
	}
	if itemID != "" {
		q = q.Where("item_id = ?", itemID)
	}
	var proposals []Proposal
	if err := q.Find(&proposals).Error; err != nil {
		return nil, err
	}
	return proposals, nil
}

func (d *Database) GetProposal(ctx context.Context, proposalID string) (*Proposal, error) {
	return findProposal(d.db.WithContext(ctx), proposalID)
}

func (d *Database) GetVotes(ctx context.Context, proposalID string) ([]Vote, error) {
	var votes []Vote
	if err := d.db.WithContext(ctx).Where("proposal_id = ?", proposalID).Find(&votes).Error; err != nil {
		return nil, err
	}
	return votes, nil
}

func (d *Database) GetDelegations(ctx context.Context, userID string) ([]Delegation, error) {
	var delegations []Delegation
	if err := d.db.WithContext(ctx).
		Where("delegator_id = ? OR delegate_id = ?", userID, userID).
		Order("item_type, item_id").
		Find(&delegations).Error; err != nil {
		return nil, err
	}
	return delegations, nil
}

func findProposal(tx *gorm.DB, proposalID string) (*Proposal, error) {
	var p Proposal
	if err := tx.Where("proposal_id = ?", proposalID).First(&p).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	return &p, nil
}

// findDelegation returns nil, nil when the user has not delegated for the asset
func findDelegation(tx *gorm.DB, delegatorID, itemType, itemID string) (*Delegation, error) {
	var dl Delegation
	if err := tx.Where("delegator_id = ? AND item_type = ? AND item_id = ?", delegatorID, itemType, itemID).
		First(&dl).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &dl, nil
}
