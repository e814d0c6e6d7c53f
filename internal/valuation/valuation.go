// Package valuation is a mock appraisal feed for development. It moves asset
// token prices by a bounded random step, which exercises the price-change
// events clients flash up or down.
package valuation

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ksred/blineit-api/internal/portfolio"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// minPrice keeps a revalued token from reaching zero
const minPrice = 0.01

// Appraiser prices one class of asset
type Appraiser struct {
	Name string
	// MaxDrift bounds the relative move per revaluation, e.g. 0.02 for 2%
	MaxDrift float64
	// UpdateRate is the probability an asset is revalued on a pass
	UpdateRate float64
}

var defaultAppraisers = map[string]*Appraiser{
	types.ItemTypeProperty: {Name: "Property Appraisal", MaxDrift: 0.02, UpdateRate: 0.5},
	types.ItemTypeLoan:     {Name: "Loan Book Valuation", MaxDrift: 0.005, UpdateRate: 0.3},
}

var fallbackAppraiser = &Appraiser{Name: "General Valuation", MaxDrift: 0.01, UpdateRate: 0.4}

// AppraiserFor returns the appraiser used for itemType
func AppraiserFor(itemType string) *Appraiser {
	if a, ok := defaultAppraisers[itemType]; ok {
		return a
	}
	return fallbackAppraiser
}

// Quote returns a new price within MaxDrift of price, rounded to cents
func (a *Appraiser) Quote(rng *rand.Rand, price float64) float64 {
	step := (rng.Float64()*2 - 1) * a.MaxDrift
	next := decimal.NewFromFloat(price).
		Mul(decimal.NewFromFloat(1 + step)).
		Round(2).
		InexactFloat64()
	if next < minPrice {
		return minPrice
	}
	return next
}

// Feed revalues every asset on a fixed interval
type Feed struct {
	service  *portfolio.Service
	interval time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFeed creates a feed. seed makes the walk reproducible in tests.
func NewFeed(service *portfolio.Service, interval time.Duration, seed int64) *Feed {
	return &Feed{
		service:  service,
		interval: interval,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Start runs the feed until ctx is cancelled
func (f *Feed) Start(ctx context.Context) {
	logger := log.With().Str("component", "valuation_feed").Logger()
	logger.Info().Dur("interval", f.interval).Msg("starting valuation feed")

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down valuation feed")
			return
		case <-ticker.C:
			n, err := f.Revalue(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("failed to revalue assets")
				continue
			}
			logger.Debug().Int("revalued", n).Msg("valuation pass complete")
		}
	}
}

// Revalue runs one pass over the catalogue and returns how many prices moved
func (f *Feed) Revalue(ctx context.Context) (int, error) {
	assets, err := f.service.ListAssets(ctx, "")
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, a := range assets {
		appraiser := AppraiserFor(a.ItemType)

		f.mu.Lock()
		skip := f.rng.Float64() > appraiser.UpdateRate
		next := appraiser.Quote(f.rng, a.TokenPrice)
		f.mu.Unlock()

		if skip || next == a.TokenPrice {
			continue
		}

		if _, err := f.service.UpdateAssetPrice(ctx, a.ItemType, a.ItemID, next); err != nil {
			log.Warn().Err(err).
				Str("item_type", a.ItemType).
				Str("item_id", a.ItemID).
				Msg("revaluation failed")
			continue
		}
		log.Debug().
			Str("appraiser", appraiser.Name).
			Str("item_id", a.ItemID).
			Float64("old_price", a.TokenPrice).
			Float64("new_price", next).
			Msg("asset revalued")
		moved++
	}
	return moved, nil
}
