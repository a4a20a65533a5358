//nolint:testpackage // tests access unexported settings fields
package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errStore = errors.New("store unavailable")

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "presence"})

	assert.Equal(t, "presence", cb.Name())
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, int64(5), cb.settings.MaxFailures)
	assert.Equal(t, 30*time.Second, cb.settings.ResetTimeout)
	assert.Equal(t, int64(3), cb.settings.HalfOpenMaxRequests)
}

func TestNewCircuitBreaker_InvalidSettings(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		MaxFailures:         -1,
		ResetTimeout:        -1,
		HalfOpenMaxRequests: 0,
	})

	// Should use defaults for invalid values
	assert.Equal(t, int64(5), cb.settings.MaxFailures)
	assert.Equal(t, 30*time.Second, cb.settings.ResetTimeout)
	assert.Equal(t, int64(3), cb.settings.HalfOpenMaxRequests)
}

func TestCircuitBreaker_ClosedState_Success(t *testing.T) {
	cb := NewCircuitBreaker(DefaultSettings("presence"))

	err := cb.Execute(func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "presence", MaxFailures: 3})

	for range 3 {
		err := cb.Execute(func() error { return errStore })
		require.ErrorIs(t, err, errStore)
	}

	assert.Equal(t, StateOpen, cb.State())

	// Subsequent calls are rejected without invoking the function.
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "presence", MaxFailures: 3})

	_ = cb.Execute(func() error { return errStore })
	_ = cb.Execute(func() error { return errStore })
	require.NoError(t, cb.Execute(func() error { return nil }))

	// Two more failures should not trip the breaker.
	_ = cb.Execute(func() error { return errStore })
	_ = cb.Execute(func() error { return errStore })
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:                "presence",
		MaxFailures:         1,
		ResetTimeout:        20 * time.Millisecond,
		HalfOpenMaxRequests: 1,
	})

	_ = cb.Execute(func() error { return errStore })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// A success in half-open closes the circuit again.
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(Settings{
		Name:         "presence",
		MaxFailures:  1,
		ResetTimeout: 20 * time.Millisecond,
	})

	_ = cb.Execute(func() error { return errStore })
	time.Sleep(30 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Execute(func() error { return errStore })
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_StateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	cb := NewCircuitBreaker(Settings{
		Name:        "presence",
		MaxFailures: 1,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	_ = cb.Execute(func() error { return errStore })

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, "closed->open", transitions[0])
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "presence", MaxFailures: 2})

	require.NoError(t, cb.Execute(func() error { return nil }))
	_ = cb.Execute(func() error { return errStore })
	_ = cb.Execute(func() error { return errStore })
	_ = cb.Execute(func() error { return nil }) // rejected, circuit open

	m := cb.Metrics()
	assert.Equal(t, "presence", m.Name)
	assert.Equal(t, StateOpen, m.State)
	assert.Equal(t, int64(4), m.TotalRequests)
	assert.Equal(t, int64(1), m.TotalRejected)
	assert.Equal(t, int64(1), m.TotalSuccesses)
	assert.Equal(t, int64(2), m.TotalFailures)
}

func TestCircuitBreaker_ConcurrentExecute(t *testing.T) {
	cb := NewCircuitBreaker(DefaultSettings("presence"))

	var wg sync.WaitGroup
	wg.Add(20)
	for range 20 {
		go func() {
			defer wg.Done()
			for range 50 {
				_ = cb.Execute(func() error { return nil })
			}
		}()
	}
	wg.Wait()

	m := cb.Metrics()
	assert.Equal(t, int64(1000), m.TotalRequests)
	assert.Equal(t, int64(1000), m.TotalSuccesses)
	assert.Equal(t, StateClosed, cb.State())
}
