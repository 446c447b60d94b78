package worker

import (
	"context"
	"time"

	"github.com/obligohq/notifier/internal/service/dispatcher"
	"github.com/obligohq/notifier/pkg/logger"
)

// DispatchProcessorConfig configures the polling loop.
type DispatchProcessorConfig struct {
	BatchSize    int
	PollInterval time.Duration
}

// DispatchProcessor periodically drains due notifications through the
// dispatcher until its context is cancelled.
type DispatchProcessor struct {
	dispatcher dispatcher.Servicer
	config     DispatchProcessorConfig
	logger     *logger.Logger
}

func NewDispatchProcessor(d dispatcher.Servicer, config DispatchProcessorConfig, log *logger.Logger) *DispatchProcessor {
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}

	return &DispatchProcessor{
		dispatcher: d,
		config:     config,
		logger:     log,
	}
}

func (p *DispatchProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("starting dispatch processor",
		"batch_size", p.config.BatchSize,
		"poll_interval", p.config.PollInterval.String())

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("shutting down dispatch processor")
			return
		case <-ticker.C:
			result, err := p.dispatcher.RunBatch(ctx, p.config.BatchSize)
			if err != nil {
				p.logger.Error(err, "failed to run dispatch batch")
				continue
			}
			if result.Picked > 0 {
				p.logger.Info("dispatch batch complete",
					"picked", result.Picked,
					"sent", result.Sent,
					"deferred", result.Deferred,
					"failed", result.Failed,
					"cancelled", result.Cancelled,
					"digested", result.Digested)
			}
		}
	}
}
