package app

import (
	"fmt"
	"time"
)

// ResponseTime sets an x-response-time header with the time the inner
// layers took, in milliseconds.
func ResponseTime() Middleware {
	return func(c *Context, next Next) error {
		start := time.Now()
		if err := next(); err != nil {
			return err
		}
		if c.Res.Sent() {
			return nil
		}
		return c.Res.SetHeader("x-response-time", fmt.Sprintf("%dms", time.Since(start).Milliseconds()))
	}
}

// Compose folds several middleware into one that runs them in order.
func Compose(mw ...Middleware) Middleware {
	chain := append([]Middleware(nil), mw...)
	return func(c *Context, next Next) error {
		var run func(i int) error
		run = func(i int) error {
			if i == len(chain) {
				return next()
			}
			called := false
			return invoke(chain[i], c, func() error {
				if called {
					return ErrNextCalledTwice
				}
				called = true
				return run(i + 1)
			})
		}
		return run(0)
	}
}
