package portfolio

import (
	"context"
	"errors"

	"github.com/ksred/blineit-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) ListAssets(ctx context.Context, category string) ([]types.Asset, error) {
	q := d.db.WithContext(ctx).Order("name")
	if category != "" {
		q = q.Where("category = ?", category)
	}
	var assets []types.Asset
	if err := q.Find(&assets).Error; err != nil {
		return nil, err
	}
	return assets, nil
}

func (d *Database) GetAsset(ctx context.Context, itemType, itemID string) (*types.Asset, error) {
	return FindAsset(d.db.WithContext(ctx), itemType, itemID)
}

func (d *Database) UpdateAssetPrice(ctx context.Context, asset *types.Asset) error {
	return d.db.WithContext(ctx).Model(asset).
		Updates(map[string]interface{}{
			"token_price": asset.TokenPrice,
			"updated_at":  asset.UpdatedAt,
		}).Error
}

func (d *Database) ListHoldings(ctx context.Context, userID string) ([]types.Holding, error) {
	var holdings []types.Holding
	if err := d.db.WithContext(ctx).
		Where("user_id = ? AND token_quantity > 0", userID).
		Order("item_type, item_id").
		Find(&holdings).Error; err != nil {
		return nil, err
	}
	return holdings, nil
}

func (d *Database) AssetsByKey(ctx context.Context, holdings []types.Holding) (map[string]types.Asset, error) {
	out := make(map[string]types.Asset, len(holdings))
	if len(holdings) == 0 {
		return out, nil
	}
	ids := make([]string, 0, len(holdings))
	for _, h := range holdings {
		ids = append(ids, h.ItemID)
	}
	var assets []types.Asset
	if err := d.db.WithContext(ctx).Where("item_id IN ?", ids).Find(&assets).Error; err != nil {
		return nil, err
	}
	for _, a := range assets {
		out[key(a.ItemType, a.ItemID)] = a
	}
	return out, nil
}

// FindAsset loads one asset with the given handle, which may be a transaction
func FindAsset(tx *gorm.DB, itemType, itemID string) (*types.Asset, error) {
	var asset types.Asset
	if err := tx.Where("item_type = ? AND item_id = ?", itemType, itemID).First(&asset).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssetNotFound
		}
		return nil, err
	}
	return &asset, nil
}

// FindHolding loads a position; a missing position is returned as nil, nil
func FindHolding(tx *gorm.DB, userID, itemType, itemID string) (*types.Holding, error) {
	var h types.Holding
	if err := tx.Where("user_id = ? AND item_type = ? AND item_id = ?", userID, itemType, itemID).
		First(&h).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &h, nil
}

func key(itemType, itemID string) string {
	return itemType + "/" + itemID
}
