package market

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor expires stale listings and buy orders on a fixed interval
type Processor struct {
	service  *Service
	interval time.Duration
}

func NewProcessor(service *Service, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Processor{
		service:  service,
		interval: interval,
	}
}

// Start runs the expiry loop until ctx is cancelled
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "market_expiry_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting market expiry processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down market expiry processor")
			return
		case now := <-ticker.C:
			n, err := p.service.ExpireStale(ctx, now)
			if err != nil {
				logger.Error().Err(err).Msg("failed to expire stale orders")
				continue
			}
			if n > 0 {
				logger.Info().Int("expired", n).Msg("expired stale orders")
			}
		}
	}
}
