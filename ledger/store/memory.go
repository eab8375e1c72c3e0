// Package store provides ledger.TxStore implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/credit-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory is an in-memory TxStore. Units of work are simulated with a
// snapshot that is restored when the callback fails, so rollback
// semantics match the SQL backends.
type Memory struct {
	mu      sync.RWMutex
	credits map[ledger.CreditID]*ledger.Credit
	byCode  map[string]ledger.CreditID
	txlog   map[ledger.CreditID][]ledger.Transaction
}

func NewMemory() *Memory {
	return &Memory{
		credits: make(map[ledger.CreditID]*ledger.Credit),
		byCode:  make(map[string]ledger.CreditID),
		txlog:   make(map[ledger.CreditID][]ledger.Transaction),
	}
}

// =============================================================================
// READ SIDE (ledger.Store)
// =============================================================================

func (m *Memory) GetByID(_ context.Context, id ledger.CreditID) (*ledger.Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) GetByCode(_ context.Context, code string) (*ledger.Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byCode[code]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return m.getLocked(id)
}

func (m *Memory) List(_ context.Context, f ledger.ListFilter) ([]ledger.Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Credit
	for _, c := range m.credits {
		if f.OwnerID != "" && c.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.IssuedFrom != nil && c.CreatedAt.Before(*f.IssuedFrom) {
			continue
		}
		if f.IssuedTo != nil && c.CreatedAt.After(*f.IssuedTo) {
			continue
		}
		out = append(out, *cloneCredit(c))
	}

	sortCredits(out, f.SortBy, f.SortDesc)

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) CountExpiringWithin(_ context.Context, now time.Time, days int) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := now.AddDate(0, 0, days)
	count := 0
	for _, c := range m.credits {
		if c.Status != ledger.StatusActive || c.ExpiresAt == nil {
			continue
		}
		if c.ExpiresAt.After(now) && !c.ExpiresAt.After(cutoff) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) ListExpired(_ context.Context, now time.Time, limit int) ([]ledger.Credit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Credit
	for _, c := range m.credits {
		if c.Status != ledger.StatusActive || c.ExpiresAt == nil || c.ExpiresAt.After(now) {
			continue
		}
		out = append(out, *cloneCredit(c))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) Transactions(_ context.Context, id ledger.CreditID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := m.txlog[id]
	out := make([]ledger.Transaction, len(txs))
	copy(out, txs)
	return out, nil
}

// =============================================================================
// UNIT OF WORK (ledger.TxStore)
// =============================================================================

// WithTx executes fn under the store lock with snapshot/rollback.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryTx{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memoryTx struct {
	parent *Memory
}

func (t *memoryTx) GetForUpdate(_ context.Context, id ledger.CreditID) (*ledger.Credit, error) {
	return t.parent.getLocked(id)
}

func (t *memoryTx) GetByCode(_ context.Context, code string) (*ledger.Credit, error) {
	id, ok := t.parent.byCode[code]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return t.parent.getLocked(id)
}

func (t *memoryTx) InsertCredit(_ context.Context, c *ledger.Credit) error {
	if _, taken := t.parent.byCode[c.Code]; taken {
		return ledger.ErrDuplicateCode
	}
	c.Version = 1
	t.parent.credits[c.ID] = cloneCredit(c)
	t.parent.byCode[c.Code] = c.ID
	return nil
}

func (t *memoryTx) UpdateCredit(_ context.Context, c *ledger.Credit) error {
	stored, ok := t.parent.credits[c.ID]
	if !ok {
		return ledger.ErrNotFound
	}
	// Compare-and-swap on the version token, like the SQL backends.
	if stored.Version != c.Version {
		return ledger.ErrConcurrencyConflict
	}
	c.Version++
	t.parent.credits[c.ID] = cloneCredit(c)
	return nil
}

func (t *memoryTx) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	tx.Metadata = cloneMetadata(tx.Metadata)
	t.parent.txlog[tx.CreditID] = append(t.parent.txlog[tx.CreditID], tx)
	return nil
}

// =============================================================================
// SNAPSHOT / HELPERS
// =============================================================================

type memorySnapshot struct {
	credits map[ledger.CreditID]*ledger.Credit
	byCode  map[string]ledger.CreditID
	txlog   map[ledger.CreditID][]ledger.Transaction
}

func (m *Memory) snapshot() memorySnapshot {
	credits := make(map[ledger.CreditID]*ledger.Credit, len(m.credits))
	for k, v := range m.credits {
		credits[k] = cloneCredit(v)
	}
	byCode := make(map[string]ledger.CreditID, len(m.byCode))
	for k, v := range m.byCode {
		byCode[k] = v
	}
	txlog := make(map[ledger.CreditID][]ledger.Transaction, len(m.txlog))
	for k, v := range m.txlog {
		txlog[k] = append([]ledger.Transaction{}, v...)
	}
	return memorySnapshot{credits: credits, byCode: byCode, txlog: txlog}
}

func (m *Memory) restore(s memorySnapshot) {
	m.credits = s.credits
	m.byCode = s.byCode
	m.txlog = s.txlog
}

func (m *Memory) getLocked(id ledger.CreditID) (*ledger.Credit, error) {
	c, ok := m.credits[id]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return cloneCredit(c), nil
}

func cloneCredit(c *ledger.Credit) *ledger.Credit {
	out := *c
	if c.ExpiresAt != nil {
		t := *c.ExpiresAt
		out.ExpiresAt = &t
	}
	return &out
}

func cloneMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func sortCredits(cs []ledger.Credit, field string, desc bool) {
	less := func(i, j int) bool { return cs[i].CreatedAt.Before(cs[j].CreatedAt) }
	switch field {
	case "expires_at":
		less = func(i, j int) bool {
			// Credits without expiration sort last.
			a, b := cs[i].ExpiresAt, cs[j].ExpiresAt
			switch {
			case a == nil:
				return false
			case b == nil:
				return true
			default:
				return a.Before(*b)
			}
		}
	case "amount":
		less = func(i, j int) bool { return cs[i].Amount.LessThan(cs[j].Amount) }
	case "balance":
		less = func(i, j int) bool { return cs[i].Balance.LessThan(cs[j].Balance) }
	case "status":
		less = func(i, j int) bool { return cs[i].Status < cs[j].Status }
	}
	if desc {
		inner := less
		less = func(i, j int) bool { return inner(j, i) }
	}
	sort.SliceStable(cs, less)
}
