package flight

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/companyzero/arlekin/internal/assert"
)

// waitWaiters waits until n callers are waiting on key.
func waitWaiters[T any](t testing.TB, g *Group[T], key string, n int) {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		g.mtx.Lock()
		var got int
		if c := g.calls[key]; c != nil {
			got = c.waiters
		}
		g.mtx.Unlock()
		if got == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %d waiters", n)
}

type result struct {
	v   int
	err error
}

func goDo(ctx context.Context, g *Group[int], key string, fn func(context.Context) (int, error)) chan result {
	c := make(chan result, 1)
	go func() {
		v, err := g.Do(ctx, key, fn)
		c <- result{v, err}
	}()
	return c
}

// TestDoCollapses asserts concurrent calls for the same key share one
// execution.
func TestDoCollapses(t *testing.T) {
	var g Group[int]
	var execs atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		execs.Add(1)
		<-release
		return 42, nil
	}

	const nb = 5
	results := make([]chan result, nb)
	for i := range results {
		results[i] = goDo(context.Background(), &g, "k", fn)
	}
	waitWaiters(t, &g, "k", nb)
	close(release)
	for i := range results {
		res := assert.ChanWritten(t, results[i])
		assert.NilErr(t, res.err)
		assert.DeepEqual(t, res.v, 42)
	}
	assert.DeepEqual(t, execs.Load(), int32(1))

	// Keys are independent.
	v, err := g.Do(context.Background(), "other", func(context.Context) (int, error) {
		return 7, nil
	})
	assert.NilErr(t, err)
	assert.DeepEqual(t, v, 7)
}

// TestCanceledCallerDoesNotFailOthers asserts a caller that gives up does
// not cancel the execution another caller is still waiting for.
func TestCanceledCallerDoesNotFailOthers(t *testing.T) {
	var g Group[int]
	release := make(chan struct{})
	fn := func(ctx context.Context) (int, error) {
		select {
		case <-release:
			return 1, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	defer cancelA()
	resA := goDo(ctxA, &g, "k", fn)
	waitWaiters(t, &g, "k", 1)
	resB := goDo(context.Background(), &g, "k", fn)
	waitWaiters(t, &g, "k", 2)

	cancelA()
	res := assert.ChanWritten(t, resA)
	assert.ErrorIs(t, res.err, context.Canceled)
	waitWaiters(t, &g, "k", 1)
	assert.ChanNotWritten(t, resB, 50*time.Millisecond)

	close(release)
	res = assert.ChanWritten(t, resB)
	assert.NilErr(t, res.err)
	assert.DeepEqual(t, res.v, 1)
}

// TestLastWaiterCancels asserts the execution is canceled once nobody waits
// for it and that the next call starts a new one.
func TestLastWaiterCancels(t *testing.T) {
	var g Group[int]
	var execs atomic.Int32
	workDone := make(chan error, 1)
	blocking := func(ctx context.Context) (int, error) {
		execs.Add(1)
		<-ctx.Done()
		workDone <- ctx.Err()
		return 0, ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	res := goDo(ctx, &g, "k", blocking)
	waitWaiters(t, &g, "k", 1)
	cancel()
	assert.ErrorIs(t, assert.ChanWritten(t, res).err, context.Canceled)
	assert.ErrorIs(t, assert.ChanWritten(t, workDone), context.Canceled)

	v, err := g.Do(context.Background(), "k", func(context.Context) (int, error) {
		execs.Add(1)
		return 2, nil
	})
	assert.NilErr(t, err)
	assert.DeepEqual(t, v, 2)
	assert.DeepEqual(t, execs.Load(), int32(2))
}

func TestDoErrorsShared(t *testing.T) {
	var g Group[*int]
	errTest := errors.New("test error")
	v, err := g.Do(context.Background(), "k", func(context.Context) (*int, error) {
		return nil, errTest
	})
	assert.ErrorIs(t, err, errTest)
	assert.BoolIs(t, v == nil, true)
}

func TestDoContextAlreadyDone(t *testing.T) {
	var g Group[int]
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := g.Do(ctx, "k", func(context.Context) (int, error) {
		t.Fatal("unexpected execution")
		return 0, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}
