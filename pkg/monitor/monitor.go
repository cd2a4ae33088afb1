package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/comfycord/comfycord/pkg/comfy"
)

// Backend is the slice of the backend client the monitor needs.
type Backend interface {
	SystemStats(ctx context.Context) (*comfy.SystemStats, error)
	Interrupt(ctx context.Context) error
}

// Monitor samples backend VRAM usage and exposes an admission signal. It
// fails open: when usage cannot be measured, work is admitted anyway.
type Monitor struct {
	backend     Backend
	thresholdGB float64
	interval    time.Duration
	logger      zerolog.Logger
}

func New(backend Backend, thresholdGB float64, interval time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{backend: backend, thresholdGB: thresholdGB, interval: interval, logger: logger}
}

// Admissible reports whether current VRAM usage is at or below the
// threshold. Query errors, malformed payloads and an empty device list all
// log a warning and admit.
func (m *Monitor) Admissible(ctx context.Context) bool {
	stats, err := m.backend.SystemStats(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("monitor: stats query failed, admitting")
		return true
	}
	if len(stats.Devices) == 0 {
		m.logger.Warn().Msg("monitor: no devices reported, admitting")
		return true
	}
	used := stats.Devices[0].VramUsedGB()
	m.logger.Debug().Float64("used_gb", used).Float64("threshold_gb", m.thresholdGB).Msg("monitor: vram sampled")
	return used <= m.thresholdGB
}

// Watch samples usage at the configured interval while a job is in flight.
// When a sample crosses the threshold it requests a best-effort backend
// interrupt, invokes cancel and returns. Returns silently once ctx is done.
// Never blocks the caller; run it in its own goroutine.
func (m *Monitor) Watch(ctx context.Context, cancel context.CancelFunc) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.Admissible(ctx) == false {
				m.logger.Warn().Msg("monitor: vram threshold exceeded, cancelling job")
				if err := m.backend.Interrupt(ctx); err != nil {
					m.logger.Warn().Err(err).Msg("monitor: interrupt failed")
				}
				cancel()
				return
			}
		}
	}
}
