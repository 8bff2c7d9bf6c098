// Package ledger keeps the monthly API and server cost totals.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cafgpt/cafgpt/pkg/models"
)

// DateLayout is the format of UsageRecord.LastResetDate.
const DateLayout = "2006-01-02"

// ErrNotExist is returned by a Store that has no persisted record yet.
var ErrNotExist = errors.New("ledger record does not exist")

// Store persists the ledger record.
type Store interface {
	Load(ctx context.Context) (models.UsageRecord, error)
	Save(ctx context.Context, rec models.UsageRecord) error
}

// Options configures a Ledger.
type Options struct {
	ServerCostUSD float64
	PerTokenUSD   float64
	// Now defaults to time.Now in UTC.
	Now func() time.Time
}

// Ledger tracks cumulative spend for the current billing month.
// Every mutation is persisted before the call returns.
type Ledger struct {
	mu         sync.Mutex
	store      Store
	rec        models.UsageRecord
	serverCost float64
	perToken   float64
	now        func() time.Time
}

// New loads the ledger from store. A store without a record starts a fresh
// month and persists it immediately; any other load error is returned.
func New(ctx context.Context, store Store, opts Options) (*Ledger, error) {
	l := &Ledger{
		store:      store,
		serverCost: opts.ServerCostUSD,
		perToken:   opts.PerTokenUSD,
		now:        opts.Now,
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}

	rec, err := store.Load(ctx)
	switch {
	case errors.Is(err, ErrNotExist):
		rec = l.freshRecord()
		if err := store.Save(ctx, rec); err != nil {
			return nil, fmt.Errorf("init ledger: %w", err)
		}
		log.Printf("ledger: no record found, started fresh for %s", rec.LastResetDate)
	case err != nil:
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	l.rec = rec

	l.CheckMonthlyReset(ctx)
	return l, nil
}

// RecordCost adds amountUSD to the API cost and persists the record.
// Persistence failures are logged, never returned.
func (l *Ledger) RecordCost(ctx context.Context, amountUSD float64) {
	if amountUSD <= 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfDueLocked(ctx)
	l.rec.APICostUSD += amountUSD
	l.rec.LastUpdated = l.now()
	l.persistLocked(ctx)
}

// RecordTokenUsage estimates the cost of usage at the per-token rate and
// records it.
func (l *Ledger) RecordTokenUsage(ctx context.Context, usage models.Usage) {
	l.RecordCost(ctx, l.EstimateCost(usage))
}

// EstimateCost returns the USD cost of usage at the per-token rate.
func (l *Ledger) EstimateCost(usage models.Usage) float64 {
	total := usage.TotalTokens
	if total == 0 {
		total = usage.PromptTokens + usage.CompletionTokens
	}
	return float64(total) * l.perToken
}

// Snapshot returns a copy of the current record, applying a pending monthly
// reset first.
func (l *Ledger) Snapshot(ctx context.Context) models.UsageRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfDueLocked(ctx)
	return l.rec
}

// MonthlyTotal returns API plus server cost for the current month.
func (l *Ledger) MonthlyTotal(ctx context.Context) float64 {
	rec := l.Snapshot(ctx)
	return rec.APICostUSD + rec.ServerCostUSD
}

// CheckMonthlyReset resets the totals when today is the first of a month
// later than the last reset. It reports whether a reset happened and is a
// no-op when called again on the same day.
func (l *Ledger) CheckMonthlyReset(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetIfDueLocked(ctx)
}

func (l *Ledger) resetIfDueLocked(ctx context.Context) bool {
	now := l.now()
	if now.Day() != 1 {
		return false
	}
	if last, err := time.Parse(DateLayout, l.rec.LastResetDate); err == nil {
		if monthIndex(now) <= monthIndex(last) {
			return false
		}
	}

	log.Printf("ledger: monthly reset (previous api cost $%.4f)", l.rec.APICostUSD)
	l.rec = l.freshRecord()
	l.persistLocked(ctx)
	return true
}

func (l *Ledger) persistLocked(ctx context.Context) {
	if err := l.store.Save(ctx, l.rec); err != nil {
		log.Printf("ledger persist failed: %v", err)
	}
}

func (l *Ledger) freshRecord() models.UsageRecord {
	now := l.now()
	return models.UsageRecord{
		APICostUSD:    0,
		ServerCostUSD: l.serverCost,
		LastResetDate: monthStart(now).Format(DateLayout),
		LastUpdated:   now,
	}
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
}

func monthIndex(t time.Time) int {
	return t.Year()*12 + int(t.Month())
}
