package drip

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Processor settles pending dividend payouts on a fixed interval
type Processor struct {
	service   *Service
	interval  time.Duration
	batchSize int
}

func NewProcessor(service *Service, interval time.Duration) *Processor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Processor{
		service:   service,
		interval:  interval,
		batchSize: defaultBatchSize,
	}
}

// Start begins the payout processing loop
func (p *Processor) Start(ctx context.Context) {
	logger := log.With().Str("component", "drip_processor").Logger()
	logger.Info().Dur("interval", p.interval).Msg("starting drip processor")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down drip processor")
			return
		case <-ticker.C:
			n, err := p.service.ProcessPending(ctx, p.batchSize)
			if err != nil {
				logger.Error().Err(err).Msg("failed to process pending payouts")
				continue
			}
			if n > 0 {
				logger.Info().Int("processed", n).Msg("processed pending payouts")
			}
		}
	}
}
