package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/MrWong99/phonebridge/internal/resilience"
)

// Registry returns a checker named "registry" that fails when the code space
// is exhausted or the registry lock cannot be taken before the deadline.
// With every code live, a new game client would spin in allocation forever.
func Registry(size func() int, capacity int) Checker {
	return Checker{
		Name: "registry",
		Check: func(ctx context.Context) error {
			done := make(chan int, 1)
			go func() { done <- size() }()
			select {
			case n := <-done:
				if n >= capacity {
					return fmt.Errorf("code space exhausted (%d/%d)", n, capacity)
				}
				return nil
			case <-ctx.Done():
				return fmt.Errorf("registry unresponsive: %w", ctx.Err())
			}
		},
	}
}

// Breakers returns a checker that fails when every breaker reported by states
// is open. A half-open breaker counts as available because it admits probes.
func Breakers(name string, states func() map[string]resilience.State) Checker {
	return Checker{
		Name: name,
		Check: func(_ context.Context) error {
			st := states()
			if len(st) == 0 {
				return errors.New("no providers configured")
			}
			var open []string
			for provider, s := range st {
				if s != resilience.StateOpen {
					return nil
				}
				open = append(open, provider)
			}
			sort.Strings(open)
			return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
		},
	}
}
