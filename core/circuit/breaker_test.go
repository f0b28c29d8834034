package circuit

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

	"github.com/adalundhe/agentgate/core/resources"
)

var errExpected = errors.New("upstream refused")

func failing(ctx context.Context) (any, error) { return nil, errExpected }

func succeeding(ctx context.Context) (any, error) { return "ok", nil }

func testBreaker(threshold int, recovery time.Duration, opts ...Option) *Breaker {
	return New("test", Config{
		FailureThreshold:  threshold,
		RecoveryTimeout:   recovery,
		MemoryThresholdMB: DefaultMemoryThresholdMB,
	}, opts...)
}

func TestBreaker_StartsClosed(t *testing.T) {
	b := testBreaker(3, time.Second)

	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.True(t, snap.LastFailure.IsZero())
}

func TestBreaker_TripsOnExactlyNthFailure(t *testing.T) {
	for _, threshold := range []int{1, 2, 3, 5} {
		b := testBreaker(threshold, time.Minute)

		for i := 1; i < threshold; i++ {
			res := b.Call(context.Background(), failing)
			assert.Equal(t, KindOperationFailed, res.Kind)
			assert.Equal(t, Closed, b.State(), "threshold %d, failure %d", threshold, i)
		}

		res := b.Call(context.Background(), failing)
		assert.ErrorIs(t, res.Err, errExpected)
		assert.Equal(t, Open, b.State(), "threshold %d", threshold)
		assert.Equal(t, threshold, b.Snapshot().FailureCount)
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := testBreaker(3, time.Minute)

	b.Call(context.Background(), failing)
	b.Call(context.Background(), failing)
	require.Equal(t, 2, b.Snapshot().FailureCount)

	res := b.Call(context.Background(), succeeding)
	require.True(t, res.Success)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 0, b.Snapshot().FailureCount)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_OpenFailsFastWithoutRunningOp(t *testing.T) {
	b := testBreaker(1, time.Minute)
	b.Call(context.Background(), failing)
	require.Equal(t, Open, b.State())

	var calls atomic.Int32
	for i := 0; i < 5; i++ {
		res := b.Call(context.Background(), func(ctx context.Context) (any, error) {
			calls.Add(1)
			return nil, nil
		})
		assert.Equal(t, KindCircuitOpen, res.Kind)
		assert.True(t, IsOpen(res.Err))
		assert.Contains(t, res.Error(), "retry in")
	}
	assert.Equal(t, int32(0), calls.Load())
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	b := testBreaker(1, 30*time.Millisecond)
	b.Call(context.Background(), failing)
	require.Equal(t, Open, b.State())

	time.Sleep(40 * time.Millisecond)

	var calls atomic.Int32
	res := b.Call(context.Background(), func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, nil
	})
	require.True(t, res.Success)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(3, 30*time.Millisecond)
	b.ForceOpen()

	time.Sleep(40 * time.Millisecond)

	res := b.Call(context.Background(), failing)
	assert.Equal(t, KindOperationFailed, res.Kind)
	assert.Equal(t, Open, b.State(), "a single failed trial reopens below threshold")

	res = b.Call(context.Background(), succeeding)
	assert.Equal(t, KindCircuitOpen, res.Kind)
}

func TestBreaker_HalfOpenAdmitsExactlyOneTrial(t *testing.T) {
	b := testBreaker(1, 20*time.Millisecond)
	b.Call(context.Background(), failing)
	time.Sleep(30 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var calls atomic.Int32

	done := make(chan Result[any])
	go func() {
		done <- b.Call(context.Background(), func(ctx context.Context) (any, error) {
			calls.Add(1)
			close(started)
			<-release
			return nil, nil
		})
	}()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := b.Call(context.Background(), func(ctx context.Context) (any, error) {
				calls.Add(1)
				return nil, nil
			})
			assert.Equal(t, KindCircuitOpen, res.Kind)
		}()
	}
	wg.Wait()
	assert.Equal(t, HalfOpen, b.State())

	close(release)
	res := <-done
	assert.True(t, res.Success)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_UnexpectedErrorsNeverTrip(t *testing.T) {
	b := testBreaker(2, time.Minute)

	for i := 0; i < 10; i++ {
		res := b.Call(context.Background(), func(ctx context.Context) (any, error) {
			panic("nil map write")
		})
		assert.Equal(t, KindUnexpected, res.Kind)
		var pe *PanicError
		require.ErrorAs(t, res.Err, &pe)
		assert.Equal(t, "nil map write", pe.Value)
		assert.Equal(t, Closed, b.State())
		assert.Equal(t, 0, b.Snapshot().FailureCount)
	}
}

func TestBreaker_CustomClassifier(t *testing.T) {
	errBug := errors.New("bug")
	b := testBreaker(1, time.Minute, WithClassifier(func(err error) bool {
		return errors.Is(err, errExpected)
	}))

	for i := 0; i < 10; i++ {
		res := b.Call(context.Background(), func(ctx context.Context) (any, error) { return nil, errBug })
		assert.Equal(t, KindUnexpected, res.Kind)
	}
	assert.Equal(t, Closed, b.State())

	b.Call(context.Background(), failing)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_CancellationIsUnexpected(t *testing.T) {
	b := testBreaker(1, time.Minute)

	res := b.Call(context.Background(), func(ctx context.Context) (any, error) {
		return nil, context.Canceled
	})
	assert.Equal(t, KindUnexpected, res.Kind)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_UnexpectedTrialStaysHalfOpen(t *testing.T) {
	b := testBreaker(1, 20*time.Millisecond)
	b.Call(context.Background(), failing)
	time.Sleep(30 * time.Millisecond)

	res := b.Call(context.Background(), func(ctx context.Context) (any, error) { panic("boom") })
	assert.Equal(t, KindUnexpected, res.Kind)
	assert.Equal(t, HalfOpen, b.State())
	assert.True(t, b.Allow(), "trial slot is released")

	res = b.Call(context.Background(), succeeding)
	assert.True(t, res.Success)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_ScenarioThresholdTwo(t *testing.T) {
	b := testBreaker(2, 50*time.Millisecond)

	b.Call(context.Background(), failing)
	b.Call(context.Background(), failing)
	require.Equal(t, Open, b.State())

	res := b.Call(context.Background(), succeeding)
	assert.Equal(t, KindCircuitOpen, res.Kind)
	assert.Contains(t, res.Error(), "circuit test is OPEN, retry in")

	time.Sleep(60 * time.Millisecond)

	res = b.Call(context.Background(), succeeding)
	assert.True(t, res.Success)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 0, b.Snapshot().FailureCount)
}

func TestBreaker_ProcessMemoryAboveThreshold(t *testing.T) {
	sampler := resources.SamplerFunc(func(context.Context) (resources.Snapshot, error) {
		return resources.Snapshot{ProcessMemoryMB: 900, AvailableMemoryMB: 8000}, nil
	})
	b := testBreaker(2, time.Minute, WithSampler(sampler))

	var ran bool
	res := b.Call(context.Background(), func(ctx context.Context) (any, error) {
		ran = true
		return nil, nil
	})

	assert.False(t, ran)
	assert.Equal(t, KindResourceExhausted, res.Kind)
	assert.ErrorIs(t, res.Err, ErrResourceExhausted)
	snap := b.Snapshot()
	assert.Equal(t, 1, snap.FailureCount)
	assert.Equal(t, 1, snap.ResourceFailures)
	assert.Equal(t, 0, snap.OperationFailures)
}

func TestBreaker_EvaluatorAndGuard(t *testing.T) {
	sampler := resources.SamplerFunc(func(context.Context) (resources.Snapshot, error) {
		return resources.Snapshot{ProcessMemoryMB: 10}, nil
	})
	reject := evaluatorFunc(func(resources.Snapshot) (bool, string) { return false, "cpu usage high" })

	b := testBreaker(5, time.Minute, WithSampler(sampler), WithEvaluator(reject))
	res := b.Call(context.Background(), succeeding)
	assert.Equal(t, KindResourceExhausted, res.Kind)
	assert.Contains(t, res.Error(), "cpu usage high")

	unsafe := resources.MemoryGuardFunc(func() bool { return false })
	b = testBreaker(5, time.Minute, WithMemoryGuard(unsafe))
	res = b.Call(context.Background(), succeeding)
	assert.Equal(t, KindResourceExhausted, res.Kind)
}

func TestBreaker_SamplerErrorDoesNotBlock(t *testing.T) {
	sampler := resources.SamplerFunc(func(context.Context) (resources.Snapshot, error) {
		return resources.Snapshot{}, errors.New("unsupported")
	})
	b := testBreaker(1, time.Minute, WithSampler(sampler))

	res := b.Call(context.Background(), succeeding)
	assert.True(t, res.Success)
}

func TestBreaker_ReportFailure(t *testing.T) {
	b := testBreaker(2, time.Minute)

	b.ReportFailure("agent a1 failed")
	assert.Equal(t, Closed, b.State())
	b.ReportFailure("agent a2 failed")
	assert.Equal(t, Open, b.State())
	assert.Equal(t, 2, b.Snapshot().OperationFailures)
}

func TestBreaker_AlreadyCountedErrorIsNotCountedTwice(t *testing.T) {
	b := testBreaker(2, time.Minute)

	b.ReportFailure("agent a1 failed")
	res := b.Call(context.Background(), func(ctx context.Context) (any, error) {
		return nil, fmt.Errorf("%w: %w", ErrAlreadyCounted, errExpected)
	})

	assert.Equal(t, KindOperationFailed, res.Kind)
	assert.ErrorIs(t, res.Err, errExpected)
	assert.Equal(t, Closed, b.State())
	assert.Equal(t, 1, b.Snapshot().FailureCount)
}

func TestBreaker_ForceOpenAndClose(t *testing.T) {
	b := testBreaker(3, time.Minute)

	b.ForceOpen()
	assert.Equal(t, Open, b.State())
	assert.False(t, b.Allow())
	assert.Greater(t, b.Snapshot().TimeUntilRetry, time.Duration(0))

	b.ForceClose()
	assert.Equal(t, Closed, b.State())
	assert.True(t, b.Allow())
	assert.Equal(t, time.Duration(0), b.Snapshot().TimeUntilRetry)
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var (
		mu          sync.Mutex
		transitions []string
	)
	b := testBreaker(1, 20*time.Millisecond, WithStateChange(func(name string, from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
	}))

	b.Call(context.Background(), failing)
	time.Sleep(30 * time.Millisecond)
	b.Call(context.Background(), succeeding)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestBreaker_SetConfig(t *testing.T) {
	b := testBreaker(5, time.Minute)
	b.SetConfig(Config{FailureThreshold: 1})

	cfg := b.Config()
	assert.Equal(t, 1, cfg.FailureThreshold)
	assert.Equal(t, DefaultRecoveryTimeout, cfg.RecoveryTimeout)

	b.Call(context.Background(), failing)
	assert.Equal(t, Open, b.State())
}

func TestExecuteAndWrap(t *testing.T) {
	b := testBreaker(3, time.Minute)

	count := Wrap(b, func(ctx context.Context) (int, error) { return 42, nil })
	res := count(context.Background())
	require.True(t, res.Success)
	assert.Equal(t, 42, res.Value)
	assert.GreaterOrEqual(t, res.ExecutionTimeMS(), 0.0)

	res = Execute(context.Background(), b, func(ctx context.Context) (int, error) { return 0, errExpected })
	assert.False(t, res.Success)
	assert.Equal(t, KindOperationFailed, res.Kind)
}

func TestKindAndStateStrings(t *testing.T) {
	assert.Equal(t, "HALF_OPEN", HalfOpen.String())
	assert.Equal(t, "resource_exhausted", KindResourceExhausted.String())
	assert.Equal(t, "unknown", Kind(99).String())
}

type evaluatorFunc func(resources.Snapshot) (bool, string)

func (f evaluatorFunc) Evaluate(s resources.Snapshot) (bool, string) { return f(s) }
