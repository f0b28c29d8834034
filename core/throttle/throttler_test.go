package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capacityFunc func(ctx context.Context) (bool, string)

func (f capacityFunc) Check(ctx context.Context) (bool, string) { return f(ctx) }

func fastConfig(max int) Config {
	return Config{
		MaxConcurrentAgents: max,
		QueueTimeout:        2 * time.Second,
		PollInterval:        5 * time.Millisecond,
		QueueCapacity:       64,
	}
}

func startThrottler(t *testing.T, cfg Config, opts ...Option) *Throttler {
	t.Helper()
	th := New(cfg, opts...)
	th.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = th.Shutdown(ctx)
	})
	return th
}

func TestThrottler_SubmitReturnsValue(t *testing.T) {
	th := startThrottler(t, fastConfig(2))

	res := th.Submit(context.Background(), &Request{
		AgentID: "a1",
		Run:     func(ctx context.Context) (any, error) { return 7, nil },
	})

	require.NoError(t, res.Err)
	assert.True(t, res.Admitted)
	assert.Equal(t, 7, res.Value)
	assert.Equal(t, 0, th.Active())
}

func TestThrottler_ThirdTaskWaitsForSlot(t *testing.T) {
	th := startThrottler(t, fastConfig(2))

	var (
		mu      sync.Mutex
		started []string
	)
	startedCount := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(started)
	}
	release := map[string]chan struct{}{
		"t1": make(chan struct{}),
		"t2": make(chan struct{}),
		"t3": make(chan struct{}),
	}

	var wg sync.WaitGroup
	submit := func(id string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := th.Submit(context.Background(), &Request{
				AgentID: id,
				Run: func(ctx context.Context) (any, error) {
					mu.Lock()
					started = append(started, id)
					mu.Unlock()
					<-release[id]
					return id, nil
				},
			})
			assert.NoError(t, res.Err)
		}()
	}

	submit("t1")
	require.Eventually(t, func() bool { return startedCount() == 1 }, time.Second, time.Millisecond)
	submit("t2")
	require.Eventually(t, func() bool { return startedCount() == 2 }, time.Second, time.Millisecond)
	submit("t3")
	require.Eventually(t, func() bool { return th.QueueSize() == 1 }, time.Second, time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, startedCount())
	assert.Equal(t, 2, th.Active())

	close(release["t1"])

	require.Eventually(t, func() bool { return startedCount() == 3 }, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"t1", "t2", "t3"}, started)
	mu.Unlock()

	close(release["t2"])
	close(release["t3"])
	wg.Wait()
}

func TestThrottler_ActiveNeverExceedsMaxUnderConcurrentSubmitters(t *testing.T) {
	const max = 3
	th := startThrottler(t, fastConfig(max))

	var current, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := th.Submit(context.Background(), &Request{
				AgentID: fmt.Sprintf("agent-%d", i),
				Run: func(ctx context.Context) (any, error) {
					n := current.Add(1)
					for {
						p := peak.Load()
						if n <= p || peak.CompareAndSwap(p, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					current.Add(-1)
					return nil, nil
				},
			})
			assert.NoError(t, res.Err)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(max))
	assert.Equal(t, 30, th.Stats().Admitted)
}

func TestThrottler_QueueFull(t *testing.T) {
	cfg := fastConfig(1)
	cfg.QueueCapacity = 1
	th := startThrottler(t, cfg)

	block := make(chan struct{})
	defer close(block)
	blocking := func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}

	go th.Submit(context.Background(), &Request{AgentID: "running", Run: blocking})
	require.Eventually(t, func() bool { return th.Active() == 1 }, time.Second, time.Millisecond)

	go th.Submit(context.Background(), &Request{AgentID: "queued", Run: blocking})
	require.Eventually(t, func() bool { return th.QueueSize() == 1 }, time.Second, time.Millisecond)

	start := time.Now()
	res := th.Submit(context.Background(), &Request{AgentID: "rejected", Run: blocking})
	assert.ErrorIs(t, res.Err, ErrQueueFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestThrottler_QueueTimeout(t *testing.T) {
	cfg := fastConfig(2)
	cfg.QueueTimeout = 30 * time.Millisecond
	never := capacityFunc(func(context.Context) (bool, string) { return false, "cpu busy" })
	th := startThrottler(t, cfg, WithCapacity(never))

	var ran atomic.Bool
	res := th.Submit(context.Background(), &Request{
		AgentID: "a1",
		Run: func(ctx context.Context) (any, error) {
			ran.Store(true)
			return nil, nil
		},
	})

	assert.ErrorIs(t, res.Err, ErrQueueTimeout)
	assert.False(t, res.Admitted)
	assert.False(t, ran.Load())
	assert.Equal(t, 0, th.QueueSize())
	assert.Equal(t, 1, th.Stats().TimedOut)
}

func TestThrottler_CallerCancellationRemovesRequest(t *testing.T) {
	never := capacityFunc(func(context.Context) (bool, string) { return false, "no" })
	th := startThrottler(t, fastConfig(1), WithCapacity(never))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := th.Submit(ctx, &Request{AgentID: "a1", Run: func(ctx context.Context) (any, error) { return nil, nil }})
	assert.ErrorIs(t, res.Err, ErrQueueCancelled)
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, 0, th.QueueSize())
}

func TestThrottler_AdmissionFilterDoesNotBlockHead(t *testing.T) {
	errOpen := errors.New("capability open")
	filter := func(req *Request) error {
		if req.AgentType == "broken" {
			return errOpen
		}
		return nil
	}
	th := New(fastConfig(1), WithAdmissionFilter(filter))

	var wg sync.WaitGroup
	results := make(map[string]Result)
	var mu sync.Mutex
	for _, r := range []struct{ id, typ string }{{"a", "broken"}, {"b", "ok"}} {
		wg.Add(1)
		go func(id, typ string) {
			defer wg.Done()
			res := th.Submit(context.Background(), &Request{
				AgentID:   id,
				AgentType: typ,
				Run:       func(ctx context.Context) (any, error) { return id, nil },
			})
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}(r.id, r.typ)
	}
	require.Eventually(t, func() bool { return th.QueueSize() == 2 }, time.Second, time.Millisecond)

	th.Tick(context.Background())
	wg.Wait()

	assert.ErrorIs(t, results["a"].Err, errOpen)
	assert.NoError(t, results["b"].Err)
	assert.Equal(t, "b", results["b"].Value)
}

func TestThrottler_ReleaseFreesSlotAndCancelsTask(t *testing.T) {
	th := startThrottler(t, fastConfig(1))

	cancelled := make(chan struct{})
	go th.Submit(context.Background(), &Request{
		AgentID: "stuck",
		Run: func(ctx context.Context) (any, error) {
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		},
	})
	require.Eventually(t, func() bool { return th.Active() == 1 }, time.Second, time.Millisecond)

	assert.True(t, th.Release("stuck"))
	assert.False(t, th.Release("stuck"))
	assert.Equal(t, 0, th.Active())

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("task context was not cancelled")
	}

	res := th.Submit(context.Background(), &Request{AgentID: "next", Run: func(ctx context.Context) (any, error) { return "ran", nil }})
	require.NoError(t, res.Err)
	assert.Equal(t, "ran", res.Value)
	assert.Equal(t, 0, th.Active(), "late completion of a released task does not double-release")
}

func TestThrottler_PanicReleasesSlot(t *testing.T) {
	th := startThrottler(t, fastConfig(1))

	res := th.Submit(context.Background(), &Request{
		AgentID: "p",
		Run:     func(ctx context.Context) (any, error) { panic("bad") },
	})
	assert.ErrorIs(t, res.Err, ErrTaskPanicked)
	assert.Equal(t, 0, th.Active())
}

func TestThrottler_AdmitHookError(t *testing.T) {
	errRegister := errors.New("register failed")
	th := startThrottler(t, fastConfig(1), WithAdmitHook(func(req *Request) error { return errRegister }))

	var ran atomic.Bool
	res := th.Submit(context.Background(), &Request{
		AgentID: "a",
		Run: func(ctx context.Context) (any, error) {
			ran.Store(true)
			return nil, nil
		},
	})
	assert.ErrorIs(t, res.Err, errRegister)
	assert.False(t, ran.Load())
	assert.Equal(t, 0, th.Active())
}

func TestThrottler_DuplicateAgent(t *testing.T) {
	th := startThrottler(t, fastConfig(1))

	block := make(chan struct{})
	defer close(block)
	go th.Submit(context.Background(), &Request{AgentID: "dup", Run: func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}})
	require.Eventually(t, func() bool { return th.Active() == 1 }, time.Second, time.Millisecond)

	res := th.Submit(context.Background(), &Request{AgentID: "dup", Run: func(ctx context.Context) (any, error) { return nil, nil }})
	assert.ErrorIs(t, res.Err, ErrDuplicateAgent)
}

func TestThrottler_ShutdownFailsQueued(t *testing.T) {
	never := capacityFunc(func(context.Context) (bool, string) { return false, "no" })
	th := New(fastConfig(1), WithCapacity(never))
	th.Start(context.Background())

	done := make(chan Result, 1)
	go func() {
		done <- th.Submit(context.Background(), &Request{AgentID: "q", Run: func(ctx context.Context) (any, error) { return nil, nil }})
	}()
	require.Eventually(t, func() bool { return th.QueueSize() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, th.Shutdown(ctx))

	res := <-done
	assert.ErrorIs(t, res.Err, ErrShuttingDown)

	res = th.Submit(context.Background(), &Request{AgentID: "late", Run: func(ctx context.Context) (any, error) { return nil, nil }})
	assert.ErrorIs(t, res.Err, ErrShuttingDown)
}

func TestThrottler_ShutdownGracePeriod(t *testing.T) {
	th := New(fastConfig(1))
	th.Start(context.Background())

	block := make(chan struct{})
	defer close(block)
	go th.Submit(context.Background(), &Request{AgentID: "slow", Run: func(ctx context.Context) (any, error) {
		<-block
		return nil, nil
	}})
	require.Eventually(t, func() bool { return th.Active() == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := th.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestThrottler_SetConfigRaisesLimit(t *testing.T) {
	th := startThrottler(t, fastConfig(1))

	block := make(chan struct{})
	defer close(block)
	for _, id := range []string{"a", "b"} {
		go th.Submit(context.Background(), &Request{AgentID: id, Run: func(ctx context.Context) (any, error) {
			<-block
			return nil, nil
		}})
	}
	require.Eventually(t, func() bool { return th.Active() == 1 && th.QueueSize() == 1 }, time.Second, time.Millisecond)

	cfg := th.Config()
	cfg.MaxConcurrentAgents = 2
	th.SetConfig(cfg)

	require.Eventually(t, func() bool { return th.Active() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, th.Stats().MaxConcurrent)
}
