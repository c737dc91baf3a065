package replication

import (
	"context"
	"sync/atomic"
	"time"

	"driftpursuit/replication/internal/config"
	"driftpursuit/replication/internal/logging"
)

// FrameFunc runs one replication frame.
type FrameFunc func() error

// Driver schedules replication frames on a fixed timestep. When the host
// stalls, missed frames run back-to-back so the server tick keeps pace with
// wall time; frame errors are logged and the schedule keeps going.
type Driver struct {
	interval time.Duration
	frame    FrameFunc
	logger   *logging.Logger

	frames atomic.Uint64
	ticker *time.Ticker
	done   chan struct{}
}

// NewDriver builds a driver running frame at the given tick rate. A
// non-positive rate falls back to the configured default.
func NewDriver(targetHz float64, logger *logging.Logger, frame FrameFunc) *Driver {
	if targetHz <= 0 {
		targetHz = config.DefaultTickRate
	}
	if frame == nil {
		frame = func() error { return nil }
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Driver{
		interval: time.Duration(float64(time.Second) / targetHz),
		frame:    frame,
		logger:   logger,
	}
}

// Driver returns a driver running this server's frames at the given rate.
func (s *Server) Driver(targetHz float64, logger *logging.Logger) *Driver {
	if s == nil {
		return nil
	}
	return NewDriver(targetHz, logger, s.Tick)
}

// Driver returns a driver running this client's frames at the given rate.
func (c *Client) Driver(targetHz float64, logger *logging.Logger) *Driver {
	if c == nil {
		return nil
	}
	return NewDriver(targetHz, logger, c.Tick)
}

// Start begins running frames until the context is cancelled.
func (d *Driver) Start(ctx context.Context) {
	if d == nil || d.frame == nil {
		return
	}

	d.ticker = time.NewTicker(d.interval)
	d.done = make(chan struct{})
	go func() {
		defer close(d.done)
		defer d.ticker.Stop()
		last := time.Now()
		backlog := time.Duration(0)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-d.ticker.C:
				//1.- Accumulate elapsed time and catch up frame by frame.
				backlog += now.Sub(last)
				last = now
				for backlog >= d.interval {
					backlog -= d.interval
					d.frames.Add(1)
					if err := d.frame(); err != nil {
						//2.- A failed frame is local to its tick; later
						// frames repair state through retransmits.
						d.logger.Error("replication frame error", logging.Error(err))
					}
				}
			}
		}
	}()
}

// Stop waits for the frame goroutine to exit after context cancellation.
func (d *Driver) Stop() {
	if d == nil {
		return
	}
	if d.ticker != nil {
		d.ticker.Stop()
	}
	if d.done != nil {
		<-d.done
		d.done = nil
	}
}

// Frames reports how many frames have run.
func (d *Driver) Frames() uint64 {
	if d == nil {
		return 0
	}
	return d.frames.Load()
}

// Interval exposes the configured timestep.
func (d *Driver) Interval() time.Duration {
	if d == nil {
		return 0
	}
	return d.interval
}
