package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, cfg DispatcherConfig) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg, nil)
	t.Cleanup(d.Close)
	return d
}

func TestDoReturnsJobResult(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 4})

	if err := d.Do(context.Background(), "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	boom := errors.New("boom")
	if err := d.Do(context.Background(), "k", func(context.Context) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected job error, got %v", err)
	}
}

func TestSameKeyJobsRunSeriallyInOrder(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 4, MaxWorkers: 4, QueueSize: 64})

	var (
		mu      sync.Mutex
		order   []int
		active  int32
		overlap int32
	)
	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Do(context.Background(), "thread-1", func(context.Context) error {
				if atomic.AddInt32(&active, 1) > 1 {
					atomic.StoreInt32(&overlap, 1)
				}
				time.Sleep(time.Millisecond)
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
		// stagger submissions so the intake order is deterministic
		time.Sleep(2 * time.Millisecond)
	}
	wg.Wait()

	if overlap != 0 {
		t.Fatalf("jobs with the same key overlapped")
	}
	if len(order) != n {
		t.Fatalf("expected %d jobs, got %d", n, len(order))
	}
	for i := range order {
		if order[i] != i {
			t.Fatalf("jobs ran out of order: %v", order)
		}
	}
}

func TestDistinctKeysRunConcurrently(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 8})

	release := make(chan struct{})
	started := make(chan string, 2)
	errs := make(chan error, 2)
	for _, key := range []string{"a", "b"} {
		key := key
		go func() {
			errs <- d.Do(context.Background(), key, func(context.Context) error {
				started <- key
				<-release
				return nil
			})
		}()
	}

	timeout := time.After(2 * time.Second)
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-timeout:
			t.Fatalf("distinct keys did not run concurrently")
		}
	}
	close(release)
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

func TestBlockedKeyDoesNotStallOthers(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 2, MaxWorkers: 2, QueueSize: 8})

	release := make(chan struct{})
	firstStarted := make(chan struct{})
	go func() {
		_ = d.Do(context.Background(), "slow", func(context.Context) error {
			close(firstStarted)
			<-release
			return nil
		})
	}()
	<-firstStarted
	// queued behind the running job of the same key
	go func() {
		_ = d.Do(context.Background(), "slow", func(context.Context) error { return nil })
	}()

	done := make(chan error, 1)
	go func() {
		done <- d.Do(context.Background(), "fast", func(context.Context) error { return nil })
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("other key stalled behind a busy key")
	}
	close(release)
}

func TestDoReportsBusyWhenQueueFull(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	hold := func(context.Context) error {
		<-release
		return nil
	}
	go func() {
		_ = d.Do(context.Background(), "a", func(ctx context.Context) error {
			close(started)
			return hold(ctx)
		})
	}()
	<-started

	// the run loop takes "b" and blocks waiting for the only worker
	go func() { _ = d.Do(context.Background(), "b", hold) }()
	waitFor(t, func() bool { return d.Pending() == 2 && len(d.JobQueue) == 0 })
	// "c" fills the intake buffer
	go func() { _ = d.Do(context.Background(), "c", hold) }()
	waitFor(t, func() bool { return len(d.JobQueue) == 1 })

	err := d.Do(context.Background(), "d", hold)
	close(release)
	if !errors.Is(err, ErrDispatcherBusy) {
		t.Fatalf("expected ErrDispatcherBusy, got %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestDoAfterCloseFails(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 2}, nil)
	d.Close()
	d.Close()

	err := d.Do(context.Background(), "k", func(context.Context) error { return nil })
	if !errors.Is(err, ErrDispatcherClosed) {
		t.Fatalf("expected ErrDispatcherClosed, got %v", err)
	}
}

func TestCloseFailsJobWaitingForWorker(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 2})

	release := make(chan struct{})
	started := make(chan struct{})
	aDone := make(chan error, 1)
	go func() {
		aDone <- d.Do(context.Background(), "a", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var bRan atomic.Bool
	bDone := make(chan error, 1)
	go func() {
		bDone <- d.Do(context.Background(), "b", func(context.Context) error {
			bRan.Store(true)
			return nil
		})
	}()
	// "b" has left its queue and the run loop waits for the busy worker
	waitFor(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		q := d.queues["b"]
		return q != nil && q.running
	})

	closed := make(chan struct{})
	go func() {
		d.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatal("Close blocked behind a running job")
	}

	select {
	case err := <-bDone:
		if !errors.Is(err, ErrDispatcherClosed) {
			t.Fatalf("expected ErrDispatcherClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiting job was never failed")
	}

	close(release)
	if err := <-aDone; err != nil {
		t.Fatalf("running job: %v", err)
	}
	if bRan.Load() {
		t.Fatal("job ran after Close")
	}
}

func TestDoHonoursCallerContext(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 2})

	release := make(chan struct{})
	ran := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := d.Do(ctx, "k", func(context.Context) error {
		<-release
		close(ran)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	close(release)
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatalf("job abandoned after caller gave up")
	}
}

func TestPanickingJobReturnsError(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 1, QueueSize: 2})

	err := d.Do(context.Background(), "k", func(context.Context) error { panic("kaboom") })
	if err == nil {
		t.Fatalf("expected error from panicking job")
	}
	if err := d.Do(context.Background(), "k", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("key not released after panic: %v", err)
	}
	if n := d.Pending(); n != 0 {
		t.Fatalf("expected no pending jobs, got %d", n)
	}
}

func TestPoolShrinksToMinimum(t *testing.T) {
	d := newTestDispatcher(t, DispatcherConfig{MinWorkers: 1, MaxWorkers: 3, QueueSize: 8, IdleTimeout: time.Hour})

	release := make(chan struct{})
	var wg sync.WaitGroup
	for _, key := range []string{"a", "b", "c"} {
		key := key
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = d.Do(context.Background(), key, func(context.Context) error {
				<-release
				return nil
			})
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if running, _ := d.pool.size(); running == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool did not grow to max workers")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()
	waitFor(t, func() bool {
		_, idle := d.pool.size()
		return idle == 3
	})

	d.pool.shutdownExpired(time.Now().Add(2 * time.Hour))
	deadline = time.Now().Add(2 * time.Second)
	for {
		if running, _ := d.pool.size(); running == 1 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool did not shrink to min workers")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
