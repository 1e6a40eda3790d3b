package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(capacity int, now *time.Time) *Limiter {
	l := New(capacity, time.Minute)
	l.now = func() time.Time { return *now }
	return l
}

func TestCapacityPlusOneIsRejected(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	l := newTestLimiter(20, &now)

	for i := 0; i < 20; i++ {
		d := l.Admit("openai")
		require.True(t, d.Allowed, "request %d", i+1)
		now = now.Add(time.Second)
	}

	d := l.Admit("openai")
	assert.False(t, d.Allowed)
	// Oldest request was 20s ago; the window frees up 40s from now.
	assert.Equal(t, 40, d.WaitSeconds)
	assert.GreaterOrEqual(t, d.WaitSeconds, 0)

	used, capacity := l.Usage("openai")
	assert.Equal(t, 20, used)
	assert.Equal(t, 20, capacity)
}

func TestWindowSlides(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	l := newTestLimiter(2, &now)

	require.True(t, l.Admit("p").Allowed)
	now = now.Add(30 * time.Second)
	require.True(t, l.Admit("p").Allowed)
	assert.False(t, l.Check("p").Allowed)

	now = now.Add(30*time.Second + time.Millisecond)
	assert.True(t, l.Check("p").Allowed)
}

func TestWaitSecondsRoundsUp(t *testing.T) {
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	l := newTestLimiter(1, &now)

	l.Record("p")
	now = now.Add(59*time.Second + 500*time.Millisecond)

	d := l.Check("p")
	assert.False(t, d.Allowed)
	assert.Equal(t, 1, d.WaitSeconds)
}

func TestProvidersAreIndependent(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(1, &now)
	l.SetCapacity("anthropic", 2)

	assert.True(t, l.Admit("openai").Allowed)
	assert.False(t, l.Admit("openai").Allowed)
	assert.True(t, l.Admit("anthropic").Allowed)
	assert.True(t, l.Admit("anthropic").Allowed)
	assert.False(t, l.Admit("anthropic").Allowed)
}

func TestCheckDoesNotRecord(t *testing.T) {
	now := time.Now()
	l := newTestLimiter(1, &now)

	for i := 0; i < 5; i++ {
		assert.True(t, l.Check("p").Allowed)
	}
	l.Record("p")
	assert.False(t, l.Check("p").Allowed)
}

func TestAdmitConcurrentNeverExceedsCapacity(t *testing.T) {
	l := New(10, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Admit("p").Allowed {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, admitted)
}
