package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// Stats is the process-wide counter set for one hublink runtime. Unlike a
// single TCP tunnel's byte counters, this tracks the full transport
// stack: peer lifecycle, DataChannel bytes, and multiplexed streams.
var Stats = &stats{}

type stats struct {
	PeersConnected   atomic.Int64
	PeersDisconnected atomic.Int64
	StreamsOpened    atomic.Int64
	StreamsClosed    atomic.Int64
	BytesSent        atomic.Int64
	BytesRecv        atomic.Int64
	BundleRefreshes  atomic.Int64
}

func (s *stats) AddPeerConnected()    { s.PeersConnected.Add(1) }
func (s *stats) AddPeerDisconnected() { s.PeersDisconnected.Add(1) }
func (s *stats) AddStreamOpened()     { s.StreamsOpened.Add(1) }
func (s *stats) AddStreamClosed()     { s.StreamsClosed.Add(1) }
func (s *stats) AddSent(n int)        { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int)        { s.BytesRecv.Add(int64(n)) }
func (s *stats) AddBundleRefresh()    { s.BundleRefreshes.Add(1) }

// StartReporter launches a goroutine that logs traffic/session stats every
// interval, but only when something actually happened in the window, so
// an idle process stays quiet. Stops when ctx is cancelled.
func StartReporter(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prevSent, prevRecv, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				opened := Stats.StreamsOpened.Load()
				closed := Stats.StreamsClosed.Load()

				secs := interval.Seconds()
				inS := float64(recv-prevRecv) / secs
				outS := float64(sent-prevSent) / secs
				newStreams := opened - prevOpened
				endedStreams := closed - prevClosed

				if newStreams > 0 || endedStreams > 0 || inS > 10 || outS > 10 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, newStreams, endedStreams))
				}

				prevSent, prevRecv, prevOpened, prevClosed = sent, recv, opened, closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count to a fixed 8-char width, e.g. " 1.5 KiB".
func formatBytes(b float64) string {
	unitIdx := 0
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}
	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

func formatStats(inS, outS float64, opened, closed int64) string {
	return fmt.Sprintf("In: %s/s | Out: %s/s | Streams: %2d↑ %2d↓",
		formatBytes(inS), formatBytes(outS), opened, closed)
}
