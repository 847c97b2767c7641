package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide relay traffic/connection counter.
var Stats = &stats{}

type stats struct {
	UpstreamSessions atomic.Int64 // cumulative count of established upstream producers
	ClientsAccepted  atomic.Int64 // cumulative count of accepted downstream clients
	ClientsEvicted   atomic.Int64 // cumulative count of clients dropped on send failure
	BytesRelayed     atomic.Int64 // cumulative bytes forwarded upstream → downstream
}

func (s *stats) AddUpstreamSession() { s.UpstreamSessions.Add(1) }
func (s *stats) AddClient()          { s.ClientsAccepted.Add(1) }
func (s *stats) AddEvicted()         { s.ClientsEvicted.Add(1) }
func (s *stats) AddRelayed(n int)    { s.BytesRelayed.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs relay statistics
// every 10 seconds. Quiet periods produce no output. It stops when ctx
// is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevBytes, prevAccepted, prevEvicted int64
		for {
			select {
			case <-ticker.C:
				bytes := Stats.BytesRelayed.Load()
				accepted := Stats.ClientsAccepted.Load()
				evicted := Stats.ClientsEvicted.Load()

				rate := float64(bytes-prevBytes) / 10.0
				inC := accepted - prevAccepted
				outC := evicted - prevEvicted

				if inC > 0 || outC > 0 || rate > 10 {
					pterm.DefaultLogger.Info(formatStats(rate, inC, outC))
				}

				prevBytes = bytes
				prevAccepted = accepted
				prevEvicted = evicted

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(rate float64, inC, outC int64) string {
	return fmt.Sprintf("Relayed: %s/s | Clients: %2d↑ %2d↓",
		formatBytes(rate),
		inC,
		outC,
	)
}
