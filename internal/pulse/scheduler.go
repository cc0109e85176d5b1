package pulse

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Start runs ticks on cfg.TickInterval until Stop is called. The first tick
// runs immediately.
func (o *Orchestrator) Start(ctx context.Context) {
	o.ctx, o.cancel = context.WithCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(o.cfg.TickInterval)
		defer ticker.Stop()

		o.tick()
		for {
			select {
			case <-o.ctx.Done():
				return
			case <-ticker.C:
				o.tick()
			}
		}
	}()
}

// Stop cancels the loop and waits for the current tick to finish.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
}

// Running reports whether the tick loop is active.
func (o *Orchestrator) Running() bool {
	return o.ctx != nil && o.ctx.Err() == nil
}

// tick never propagates failure; the next tick retries independently.
func (o *Orchestrator) tick() {
	_, err := o.RunTick(o.ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrTickInProgress):
		o.logger.Debug("skipping tick, previous tick still running")
	default:
		o.logger.Warn("tick failed, retrying next interval", zap.Error(err))
	}
}
