// Package budget denies completions once spend or token budgets run out.
package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cafgpt/cafgpt/pkg/models"
	"github.com/cafgpt/cafgpt/pkg/tracker"
)

// ErrBudgetExceeded is returned when a request exceeds the budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// SpendSource reports the current month's ledger.
type SpendSource interface {
	Snapshot(ctx context.Context) models.UsageRecord
}

// Enforcer checks the monthly API spend cap and per-client token policies.
type Enforcer struct {
	policies        []models.BudgetPolicy
	tracker         tracker.Tracker
	spend           SpendSource
	monthlyLimitUSD float64
	now             func() time.Time
}

// New creates an Enforcer. A zero monthlyLimitUSD or nil spend disables the
// spend cap; a nil tracker disables token policies.
func New(policies []models.BudgetPolicy, t tracker.Tracker, spend SpendSource, monthlyLimitUSD float64) *Enforcer {
	return &Enforcer{
		policies:        policies,
		tracker:         t,
		spend:           spend,
		monthlyLimitUSD: monthlyLimitUSD,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Check returns an error wrapping ErrBudgetExceeded if the month's API spend
// has reached the cap or the client has exhausted an applicable policy.
func (e *Enforcer) Check(ctx context.Context, clientKey, model string) error {
	if e.spend != nil && e.monthlyLimitUSD > 0 {
		if spent := e.spend.Snapshot(ctx).APICostUSD; spent >= e.monthlyLimitUSD {
			return fmt.Errorf("monthly spend $%.2f of $%.2f: %w", spent, e.monthlyLimitUSD, ErrBudgetExceeded)
		}
	}
	if e.tracker == nil {
		return nil
	}

	for _, p := range e.applicablePolicies(clientKey, model) {
		used, err := e.used(ctx, clientKey, p)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if used >= p.MaxTokens {
			return fmt.Errorf("%s token policy: %w", p.Period, ErrBudgetExceeded)
		}
	}
	return nil
}

// Status returns the budget status for a client across all applicable policies.
func (e *Enforcer) Status(ctx context.Context, clientKey string) ([]models.BudgetStatus, error) {
	if e.tracker == nil {
		return nil, nil
	}
	policies := e.policiesForClient(clientKey)
	statuses := make([]models.BudgetStatus, 0, len(policies))

	for _, p := range policies {
		used, err := e.used(ctx, clientKey, p)
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		remaining := p.MaxTokens - used
		if remaining < 0 {
			remaining = 0
		}
		statuses = append(statuses, models.BudgetStatus{
			Policy:    p,
			Used:      used,
			Remaining: remaining,
		})
	}
	return statuses, nil
}

func (e *Enforcer) used(ctx context.Context, clientKey string, p models.BudgetPolicy) (int64, error) {
	since := periodStart(p.Period, e.now())
	if p.Model != "" {
		return e.tracker.TotalByClientAndModel(ctx, clientKey, p.Model, since)
	}
	return e.tracker.TotalByClient(ctx, clientKey, since)
}

// policiesForClient returns all policies matching a client (ignoring model filter).
func (e *Enforcer) policiesForClient(clientKey string) []models.BudgetPolicy {
	var result []models.BudgetPolicy
	for _, p := range e.policies {
		if p.ClientKey == "*" || p.ClientKey == clientKey {
			result = append(result, p)
		}
	}
	return result
}

func (e *Enforcer) applicablePolicies(clientKey, model string) []models.BudgetPolicy {
	var result []models.BudgetPolicy
	for _, p := range e.policiesForClient(clientKey) {
		if p.Model == "" || p.Model == model {
			result = append(result, p)
		}
	}
	return result
}

func periodStart(period models.BudgetPeriod, now time.Time) time.Time {
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}
