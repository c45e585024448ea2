// Package testutil provides test helpers shared by the possync packages.
//
// t.Fatal must not be called from a goroutine other than the test's own;
// GoroutineTest collects errors from helper goroutines and reports them
// from the test goroutine instead.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Error Channel Pattern
// =============================================================================

// GoroutineTest runs functions in goroutines and reports their errors on
// Wait.
//
//	gt := testutil.NewGoroutineTest(t, 5*time.Second)
//	gt.Go(func(ctx context.Context) error {
//	    _, err := orch.Run(ctx, req)
//	    return err
//	})
//	gt.Wait()
type GoroutineTest struct {
	t      *testing.T
	wg     sync.WaitGroup
	errors chan error
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a GoroutineTest whose context expires after
// timeout.
func NewGoroutineTest(t *testing.T, timeout time.Duration) *GoroutineTest {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return &GoroutineTest{
		t:      t,
		errors: make(chan error, 100),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs fn in a goroutine. fn returns an error instead of calling t.Fatal.
func (gt *GoroutineTest) Go(fn func(ctx context.Context) error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(gt.ctx); err != nil {
			select {
			case gt.errors <- err:
			default:
			}
		}
	}()
}

// Wait waits for every goroutine and reports their errors. A goroutine
// still running when the timeout expires fails the test.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	defer gt.cancel()

	done := make(chan struct{})
	go func() {
		gt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-gt.ctx.Done():
		gt.t.Errorf("goroutines did not finish: %v", gt.ctx.Err())
		<-done
	}

	close(gt.errors)
	for err := range gt.errors {
		gt.t.Error(err)
	}
}

// =============================================================================
// Polling
// =============================================================================

// Eventually polls condition until it holds or timeout expires.
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	if condition() {
		return nil
	}
	return fmt.Errorf("condition not met within %v", timeout)
}
