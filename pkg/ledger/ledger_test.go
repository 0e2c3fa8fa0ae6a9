package ledger

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var target = common.HexToAddress("0x1111111111111111111111111111111111111111")

func TestIdentityDeterministic(t *testing.T) {
	a := Identity(target, "full_analysis")
	b := Identity(target, "full_analysis")
	assert.Equal(t, a, b)

	// Different work type, different identity.
	assert.NotEqual(t, a, Identity(target, "probe"))

	// Address casing does not change the identity.
	mixed := common.HexToAddress("0x1111111111111111111111111111111111111111")
	assert.Equal(t, a, Identity(mixed, "full_analysis"))
}

func TestDoExecutesOncePerWindow(t *testing.T) {
	l := New()
	calls := 0

	ran, err := l.Do(target, "w", time.Hour, func() error { calls++; return nil })
	require.NoError(t, err)
	assert.True(t, ran)

	ran, err = l.Do(target, "w", time.Hour, func() error { calls++; return nil })
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 1, calls)
}

func TestDoReEligibleAfterTTL(t *testing.T) {
	l := New()
	current := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return current }

	calls := 0
	_, _ = l.Do(target, "w", 10*time.Second, func() error { calls++; return nil })
	require.Equal(t, 1, calls)

	current = current.Add(9 * time.Second)
	assert.True(t, l.IsProcessed(target, "w", 10*time.Second))

	current = current.Add(2 * time.Second)
	assert.False(t, l.IsProcessed(target, "w", 10*time.Second))

	ran, _ := l.Do(target, "w", 10*time.Second, func() error { calls++; return nil })
	assert.True(t, ran)
	assert.Equal(t, 2, calls)
}

func TestZeroTTLIsPermanent(t *testing.T) {
	l := New()
	current := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return current }

	_, _ = l.Do(target, "w", 0, func() error { return nil })

	current = current.Add(1000 * time.Hour)
	assert.True(t, l.IsProcessed(target, "w", 0))
}

func TestFailedWorkIsNotRecorded(t *testing.T) {
	l := New()

	ran, err := l.Do(target, "w", time.Hour, func() error { return errors.New("backend down") })
	assert.True(t, ran)
	assert.Error(t, err)

	// Failure leaves the identity re-eligible.
	assert.False(t, l.IsProcessed(target, "w", time.Hour))
}

// TestConcurrentDoAtMostOnce: concurrent callers for the same identity
// within the window must run fn at most once.
func TestConcurrentDoAtMostOnce(t *testing.T) {
	l := New()
	var calls int64

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, _ = l.Do(target, "w", time.Hour, func() error {
				atomic.AddInt64(&calls, 1)
				time.Sleep(10 * time.Millisecond)
				return nil
			})
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestClear(t *testing.T) {
	l := New()
	_, _ = l.Do(target, "w", 0, func() error { return nil })
	require.True(t, l.IsProcessed(target, "w", 0))

	l.Clear()
	assert.False(t, l.IsProcessed(target, "w", 0))
}
