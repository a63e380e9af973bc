package alert

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher fans out alert events to matching webhook configurations.
// A nil *Dispatcher is valid and drops every event.
type Dispatcher struct {
	configs []Config
	log     *zap.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher from webhook configurations.
// Returns nil if configs is empty.
func NewDispatcher(configs []Config, logger *zap.Logger) *Dispatcher {
	if len(configs) == 0 {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{configs: configs, log: logger}
}

// Dispatch sends the event to all webhooks subscribed to its type.
// Sends run in the background; the caller never waits on a webhook.
func (d *Dispatcher) Dispatch(event Event) {
	if d == nil {
		return
	}
	for _, cfg := range d.configs {
		if !matches(cfg.Events, event) {
			continue
		}
		d.wg.Add(1)
		go func(cfg Config) {
			defer d.wg.Done()
			if err := Send(context.Background(), cfg, event); err != nil {
				d.log.Warn("alert delivery failed",
					zap.String("url", cfg.URL),
					zap.String("type", event.Type),
					zap.Error(err))
			}
		}(cfg)
	}
}

// Wait blocks until every in-flight send has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func matches(events []string, event Event) bool {
	for _, e := range events {
		if e == event.Type {
			return true
		}
	}
	return false
}
