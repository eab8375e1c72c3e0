/*
sweeper.go - Batch expiration of stale credits

PURPOSE:
  Transitions ACTIVE credits whose expiration date has passed to EXPIRED,
  one atomic unit of work per credit (status change + EXPIRE record commit
  together). A scheduler external to this package decides when to run.

IDEMPOTENCY:
  Re-running against already-expired credits is a no-op, not an error: a
  credit that expired between the listing read and the per-credit write
  (lazy expiration on a concurrent redeem, or a competing sweeper
  instance) is simply skipped and not counted.

SEE ALSO:
  - engine.go: expireLocked, the shared transition
  - api/scheduler.go: The interval scheduler driving Sweep
*/
package ledger

import (
	"context"
	"errors"
	"time"
)

// DefaultSweepBatch is the listing page size per sweep pass.
const DefaultSweepBatch = 200

// Sweeper batch-expires stale credits through the engine's store.
type Sweeper struct {
	Engine    *Engine
	BatchSize int // 0 = DefaultSweepBatch
}

// NewSweeper creates a sweeper over the same store as the engine.
func NewSweeper(engine *Engine) *Sweeper {
	return &Sweeper{Engine: engine, BatchSize: DefaultSweepBatch}
}

// Sweep expires every ACTIVE credit with expiration at or before now and
// returns the number of credits transitioned. Credits that turn out to be
// already expired (or extended) by the time their row is locked are
// skipped without error.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = DefaultSweepBatch
	}

	count := 0
	for {
		stale, err := s.Engine.store.ListExpired(ctx, now, batch)
		if err != nil {
			return count, err
		}
		if len(stale) == 0 {
			return count, nil
		}

		for _, c := range stale {
			swept, err := s.expireOne(ctx, c.ID, now)
			if err != nil {
				return count, err
			}
			if swept {
				count++
			}
		}

		// A full page may mean more stale credits remain; a short page is
		// the end of the set.
		if len(stale) < batch {
			return count, nil
		}
	}
}

// expireOne transitions a single credit, re-checking state under the row
// lock. Returns false when there was nothing to do.
func (s *Sweeper) expireOne(ctx context.Context, id CreditID, now time.Time) (bool, error) {
	swept := false
	for attempt := 0; ; attempt++ {
		swept = false
		err := s.Engine.store.WithTx(ctx, func(tx Tx) error {
			c, err := tx.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			// Re-check under the lock: another writer may have expired,
			// cancelled, drained, or extended this credit since the listing.
			if c.Status != StatusActive || !c.ExpiredAt(now) {
				return nil
			}
			if err := expireLocked(ctx, tx, c, now); err != nil {
				return err
			}
			swept = true
			return nil
		})

		if IsRetryable(err) && attempt < maxConflictRetries {
			continue
		}
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return swept, err
	}
}
