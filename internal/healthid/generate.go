package healthid

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Checker reports whether a number is already taken.
type Checker interface {
	Exists(ctx context.Context, number string) (bool, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, number string) (bool, error)

func (f CheckerFunc) Exists(ctx context.Context, number string) (bool, error) {
	return f(ctx, number)
}

// Result is a generated number.
type Result struct {
	Number string
	// Unchecked is set when uniqueness could not be confirmed because the
	// check timed out or failed, and the number was accepted anyway.
	Unchecked bool
	// TimedOut is set when the unconfirmed check hit its timeout.
	TimedOut bool
}

// Generator produces numbers that are unique according to its Checker.
type Generator struct {
	Checker  Checker
	Timeout  time.Duration // per uniqueness check (default 3s)
	Attempts int           // default 10

	rand *rand.Rand
}

// NewGenerator returns a Generator with default limits.
func NewGenerator(c Checker) *Generator {
	return &Generator{Checker: c, Timeout: 3 * time.Second, Attempts: 10}
}

// Generate draws candidates for stateCode until one is unused.
//
// A check that times out or fails ends the search optimistically with the
// current candidate. Only cancellation of ctx itself is returned as an error,
// along with ErrExhausted when every attempt collided.
func (g *Generator) Generate(ctx context.Context, stateCode string) (Result, error) {
	if len(stateCode) != 2 {
		stateCode = DefaultStateCode
	}
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	attempts := g.Attempts
	if attempts <= 0 {
		attempts = 10
	}

	district := g.intN(9000) + 1000
	for i := 0; i < attempts; i++ {
		unique := g.intN(90000000) + 10000000
		u := fmt.Sprintf("%08d", unique)
		number := fmt.Sprintf("%s-%04d-%s-%s", stateCode, district, u[:4], u[4:])

		if g.Checker == nil {
			return Result{Number: number, Unchecked: true}, nil
		}

		exists, err := g.check(ctx, number, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			return Result{
				Number:    number,
				Unchecked: true,
				TimedOut:  errors.Is(err, context.DeadlineExceeded),
			}, nil
		}
		if !exists {
			return Result{Number: number}, nil
		}
	}

	return Result{}, ErrExhausted
}

// check runs the checker against a deadline. A checker that ignores its
// context is abandoned when the deadline passes.
func (g *Generator) check(ctx context.Context, number string, timeout time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		exists bool
		err    error
	}
	done := make(chan result, 1)
	go func() {
		exists, err := g.Checker.Exists(ctx, number)
		done <- result{exists, err}
	}()

	select {
	case r := <-done:
		return r.exists, r.err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (g *Generator) intN(n int) int {
	if g.rand != nil {
		return g.rand.IntN(n)
	}
	return rand.IntN(n)
}
