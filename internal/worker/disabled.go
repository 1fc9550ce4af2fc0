package worker

import (
	"context"
	"log/slog"
)

// Disabled replaces the processor when no queue broker is configured.
// It logs once and idles until shutdown.
type Disabled struct {
	log *slog.Logger
}

func NewDisabled(log *slog.Logger) *Disabled {
	if log == nil {
		log = slog.Default()
	}
	return &Disabled{log: log}
}

func (d *Disabled) Run(ctx context.Context) error {
	d.log.Warn("REDIS_HOST not set, video worker disabled")
	<-ctx.Done()
	return nil
}
