// Package breaker caps the number of tool calls an agent may make in one
// turn.
//
// A Breaker is not reset automatically. Callers must call Reset, or create a
// fresh Breaker, between independent turns; otherwise the cap carries over.
package breaker

import (
	"context"
	"fmt"
	"sync"
)

// DefaultMaxCalls is the cap used when none is configured.
const DefaultMaxCalls = 3

// UnknownCallID replaces a missing tool call id in synthetic results.
const UnknownCallID = "unknown"

// Call is one tool invocation requested by the model.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Result is the outcome of a tool invocation.
type Result struct {
	CallID  string
	Content string
	// Limited is set on synthetic results returned instead of running the tool.
	Limited bool
}

// Handler executes a tool call.
type Handler func(ctx context.Context, call Call) (Result, error)

// Breaker counts guarded calls and stops delegating once the count exceeds
// its cap.
type Breaker struct {
	mu       sync.Mutex
	maxCalls int
	count    int
}

// New returns a Breaker allowing maxCalls calls between resets.
func New(maxCalls int) *Breaker {
	if maxCalls <= 0 {
		maxCalls = DefaultMaxCalls
	}
	return &Breaker{maxCalls: maxCalls}
}

// Guard counts call and runs handler while the count is within the cap.
// Beyond it, Guard returns LimitResult without running handler.
func (b *Breaker) Guard(ctx context.Context, call Call, handler Handler) (Result, error) {
	b.mu.Lock()
	b.count++
	tripped := b.count > b.maxCalls
	b.mu.Unlock()

	if tripped {
		return b.LimitResult(call.ID), nil
	}
	return handler(ctx, call)
}

// LimitResult is the terminal result returned once the cap is exceeded.
func (b *Breaker) LimitResult(callID string) Result {
	if callID == "" {
		callID = UnknownCallID
	}
	return Result{
		CallID: callID,
		Content: fmt.Sprintf("Research limit reached (%d tool calls maximum). "+
			"Please compose your final response using the information gathered so far.", b.maxCalls),
		Limited: true,
	}
}

// Tripped reports whether the cap has been exceeded.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count > b.maxCalls
}

// Count returns the number of guarded calls since the last reset.
func (b *Breaker) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Reset sets the count back to zero.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.count = 0
	b.mu.Unlock()
}

type ctxKey struct{}

var (
	defaultOnce sync.Once
	defaultB    *Breaker
)

// Default returns the process-wide Breaker used when a context carries none.
func Default() *Breaker {
	defaultOnce.Do(func() { defaultB = New(DefaultMaxCalls) })
	return defaultB
}

// WithBreaker returns a context scoped to b.
func WithBreaker(ctx context.Context, b *Breaker) context.Context {
	return context.WithValue(ctx, ctxKey{}, b)
}

// Attached returns the Breaker attached to ctx, if any.
func Attached(ctx context.Context) (*Breaker, bool) {
	b, ok := ctx.Value(ctxKey{}).(*Breaker)
	return b, ok && b != nil
}

// FromContext returns the Breaker attached to ctx, or Default.
func FromContext(ctx context.Context) *Breaker {
	if b, ok := Attached(ctx); ok {
		return b
	}
	return Default()
}
