// Package flight collapses concurrent calls for the same key into a single
// execution where every caller waits on its own context.
//
// The shared work runs under a context that is only canceled once every
// caller waiting for it has returned, so one caller giving up does not fail
// the others.
package flight

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

type call struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// Group collapses calls that return a T. The zero value is ready for use.
type Group[T any] struct {
	sf singleflight.Group

	mtx   sync.Mutex
	calls map[string]*call
}

// join registers a waiter for key and returns the channel with the result of
// the execution, which is started if none is in progress.
func (g *Group[T]) join(ctx context.Context, key string, fn func(context.Context) (T, error)) (*call, <-chan singleflight.Result) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	if g.calls == nil {
		g.calls = make(map[string]*call)
	}
	c, ok := g.calls[key]
	if !ok {
		wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call{ctx: wctx, cancel: cancel}
		g.calls[key] = c
	}
	c.waiters++
	res := g.sf.DoChan(key, func() (interface{}, error) {
		return fn(c.ctx)
	})
	return c, res
}

// leave unregisters a waiter. The last one to leave cancels the execution and
// makes the next call for key start a new one.
func (g *Group[T]) leave(key string, c *call) {
	g.mtx.Lock()
	defer g.mtx.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return
	}
	c.cancel()
	if g.calls[key] == c {
		delete(g.calls, key)
		g.sf.Forget(key)
	}
}

// Do executes fn for key, unless an execution is already in progress, and
// returns its result. It returns ctx.Err() as soon as ctx is done, without
// waiting for fn.
func (g *Group[T]) Do(ctx context.Context, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	c, resC := g.join(ctx, key, fn)
	defer g.leave(key, c)

	select {
	case res := <-resC:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
