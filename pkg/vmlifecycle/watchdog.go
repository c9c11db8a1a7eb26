/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vmlifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Sweep inspects the service's running rows and reclaims timed-out VMs. It
// never retries stage logic; it only fails rows and schedules recycles.
type Sweep func(ctx context.Context) error

// Watchdog periodically runs a sweep. Cadence is a third of the agent
// timeout so a stuck VM is reclaimed promptly after its deadline.
type Watchdog struct {
	interval time.Duration
	sweep    Sweep
	logger   *zap.Logger
}

// NewWatchdog builds a watchdog for the given agent timeout.
func NewWatchdog(vmTimeout time.Duration, sweep Sweep, logger *zap.Logger) *Watchdog {
	interval := vmTimeout / 3
	if interval < time.Second {
		interval = time.Second
	}
	return &Watchdog{interval: interval, sweep: sweep, logger: logger}
}

// Run blocks until ctx is canceled, sweeping on every tick. Sweep errors are
// logged, never fatal.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Info("watchdog started", zap.Duration("interval", w.interval))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			if err := w.sweep(ctx); err != nil {
				w.logger.Error("watchdog sweep failed", zap.Error(err))
			}
		}
	}
}
