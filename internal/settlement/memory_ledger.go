package settlement

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type MemoryLedger struct {
	mu sync.Mutex

	nowFn func() time.Time

	records map[common.Hash]Record
}

func NewMemoryLedger(nowFn func() time.Time) *MemoryLedger {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &MemoryLedger{
		nowFn:   nowFn,
		records: make(map[common.Hash]Record),
	}
}

func (l *MemoryLedger) State(_ context.Context, key common.Hash) (State, error) {
	if l == nil {
		return "", fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return StateUnset, nil
	}
	return rec.State, nil
}

func (l *MemoryLedger) Get(_ context.Context, key common.Hash) (Record, error) {
	if l == nil {
		return Record{}, fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

func (l *MemoryLedger) Transition(_ context.Context, w Withdrawal, from, to State) error {
	if l == nil {
		return fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	if err := w.Validate(); err != nil {
		return err
	}
	if from == to {
		return fmt.Errorf("%w: no-op transition %q", ErrInvalidConfig, from)
	}

	key := w.Key()
	now := l.nowFn().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[key]
	current := StateUnset
	if ok {
		current = rec.State
	}
	if current != from {
		return fmt.Errorf("%w: key %s is %q, expected %q", ErrConflict, key, current, from)
	}

	if to == StateUnset {
		delete(l.records, key)
		return nil
	}
	if !ok {
		rec = Record{Withdrawal: cloneWithdrawal(w), CreatedAt: now}
	}
	rec.State = to
	rec.UpdatedAt = now
	l.records[key] = rec
	return nil
}

func (l *MemoryLedger) ListByState(_ context.Context, state State, limit int) ([]Record, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil ledger", ErrInvalidConfig)
	}
	if limit <= 0 {
		return nil, fmt.Errorf("%w: limit must be > 0", ErrInvalidConfig)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Record, 0, limit)
	for _, rec := range l.records {
		if rec.State != state {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	// Oldest first, for stable keeper scans.
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func cloneRecord(r Record) Record {
	out := r
	out.Withdrawal = cloneWithdrawal(r.Withdrawal)
	return out
}
