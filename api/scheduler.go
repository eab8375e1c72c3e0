/*
scheduler.go - Automated expiration sweep scheduler

PURPOSE:
  Periodically runs the expiration sweeper so credits whose expiration
  date has passed are transitioned to EXPIRED even when nobody touches
  them. Lazy expiration in the engine already covers credits that are
  read or mutated; the scheduler covers the rest.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Each pass is idempotent: already-expired credits are skipped
  - A pass that finds nothing to do is silent except for one log line

CONFIGURATION:
  - CheckInterval: How often to sweep (default: 1 hour)
  - Enabled: Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewSweepScheduler(sweeper)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - ledger/sweeper.go: The sweep itself
  - handlers.go: TriggerSweep endpoint (manual sweep)
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/credit-engine/ledger"
)

// SweepScheduler runs periodic expiration sweeps.
type SweepScheduler struct {
	Sweeper       *ledger.Sweeper
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweepScheduler creates a new scheduler.
func NewSweepScheduler(sweeper *ledger.Sweeper) *SweepScheduler {
	return &SweepScheduler{
		Sweeper:       sweeper,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ss *SweepScheduler) Start() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if !ss.Enabled {
		log.Println("[Sweeper] Disabled, not starting")
		return
	}

	ss.ticker = time.NewTicker(ss.CheckInterval)
	ss.wg.Add(1)

	go ss.run()

	log.Printf("[Sweeper] Started with check interval: %v", ss.CheckInterval)
}

// Stop stops the scheduler.
func (ss *SweepScheduler) Stop() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	if ss.ticker != nil {
		ss.ticker.Stop()
		close(ss.stop)
		ss.wg.Wait()
		log.Println("[Sweeper] Stopped")
	}
}

// RunNow executes one sweep immediately, outside the ticker cadence.
func (ss *SweepScheduler) RunNow() {
	ss.sweepOnce()
}

func (ss *SweepScheduler) run() {
	defer ss.wg.Done()

	// Run immediately on start
	ss.sweepOnce()

	for {
		select {
		case <-ss.ticker.C:
			ss.sweepOnce()
		case <-ss.stop:
			return
		}
	}
}

func (ss *SweepScheduler) sweepOnce() {
	ctx := context.Background()
	now := ss.Sweeper.Engine.Now()

	count, err := ss.Sweeper.Sweep(ctx, now)
	if err != nil {
		log.Printf("[Sweeper] Sweep failed: %v", err)
		return
	}
	log.Printf("[Sweeper] Sweep complete at %v, expired %d credit(s)", now, count)
}
