package portfolio

import (
	"fmt"
	"time"

	"github.com/ksred/blineit-api/internal/types"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// qtyEpsilon absorbs float noise in quantity guards
const qtyEpsilon = 1e-9

// Credit adds qty acquired at price to a position, creating it if needed and
// recomputing the average cost. Must run inside a transaction.
func Credit(tx *gorm.DB, userID, itemType, itemID string, qty, price float64) (*types.Holding, error) {
	h, err := FindHolding(tx, userID, itemType, itemID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if h == nil {
		h = &types.Holding{
			UserID:        userID,
			ItemType:      itemType,
			ItemID:        itemID,
			TokenQuantity: qty,
			AverageCost:   price,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.Create(h).Error; err != nil {
			return nil, fmt.Errorf("create holding: %w", err)
		}
		return h, nil
	}

	h.AverageCost = AverageCost(h.TokenQuantity, h.AverageCost, qty, price)
	h.TokenQuantity += qty
	h.UpdatedAt = now
	if err := tx.Model(h).Updates(map[string]interface{}{
		"token_quantity": h.TokenQuantity,
		"average_cost":   h.AverageCost,
		"updated_at":     now,
	}).Error; err != nil {
		return nil, fmt.Errorf("credit holding: %w", err)
	}
	return h, nil
}

// Debit removes qty from a position. With fromLocked the tokens come out of the
// quantity reserved by a listing; otherwise only unlocked tokens may be used.
func Debit(tx *gorm.DB, userID, itemType, itemID string, qty float64, fromLocked bool) (*types.Holding, error) {
	updates := map[string]interface{}{
		"token_quantity": gorm.Expr("token_quantity - ?", qty),
		"updated_at":     time.Now(),
	}
	q := tx.Model(&types.Holding{}).
		Where("user_id = ? AND item_type = ? AND item_id = ?", userID, itemType, itemID)
	if fromLocked {
		updates["locked_quantity"] = gorm.Expr("locked_quantity - ?", qty)
		q = q.Where("locked_quantity >= ?", qty-qtyEpsilon)
	} else {
		q = q.Where("token_quantity - locked_quantity >= ?", qty-qtyEpsilon)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("debit holding: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrInsufficientTokens
	}
	return FindHolding(tx, userID, itemType, itemID)
}

// Lock reserves qty of the unlocked balance for an open listing
func Lock(tx *gorm.DB, userID, itemType, itemID string, qty float64) (*types.Holding, error) {
	res := tx.Model(&types.Holding{}).
		Where("user_id = ? AND item_type = ? AND item_id = ?", userID, itemType, itemID).
		Where("token_quantity - locked_quantity >= ?", qty-qtyEpsilon).
		Updates(map[string]interface{}{
			"locked_quantity": gorm.Expr("locked_quantity + ?", qty),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("lock holding: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrInsufficientTokens
	}
	return FindHolding(tx, userID, itemType, itemID)
}

// Unlock releases up to qty of reserved tokens
func Unlock(tx *gorm.DB, userID, itemType, itemID string, qty float64) (*types.Holding, error) {
	if qty <= 0 {
		return FindHolding(tx, userID, itemType, itemID)
	}
	res := tx.Model(&types.Holding{}).
		Where("user_id = ? AND item_type = ? AND item_id = ?", userID, itemType, itemID).
		Updates(map[string]interface{}{
			"locked_quantity": gorm.Expr("MAX(locked_quantity - ?, 0)", qty),
			"updated_at":      time.Now(),
		})
	if res.Error != nil {
		return nil, fmt.Errorf("unlock holding: %w", res.Error)
	}
	return FindHolding(tx, userID, itemType, itemID)
}

// AverageCost blends an existing position with a new lot
func AverageCost(qty, avg, addQty, addPrice float64) float64 {
	total := decimal.NewFromFloat(qty).Add(decimal.NewFromFloat(addQty))
	if total.IsZero() {
		return 0
	}
	cost := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(avg)).
		Add(decimal.NewFromFloat(addQty).Mul(decimal.NewFromFloat(addPrice)))
	return cost.Div(total).Round(6).InexactFloat64()
}
