package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/research-engine/internal/resilience"
)

func TestNew_RejectsInvalidProfiles(t *testing.T) {
	_, err := New(Profile{Rate: 0}, nil)
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindConfiguration))

	_, err = New(Profile{Rate: 1}, map[string]Profile{"arxiv.org": {Rate: -2}})
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindConfiguration))

	_, err = New(Profile{Rate: 1}, map[string]Profile{"": {Rate: 2}})
	require.Error(t, err)
}

func TestRegistry_LongestPrefixWins(t *testing.T) {
	r, err := New(Profile{Rate: 5}, map[string]Profile{
		"api.":            {Rate: 10},
		"api.example.com": {Rate: 2, Burst: 4},
	})
	require.NoError(t, err)

	assert.Equal(t, Profile{Rate: 2, Burst: 4}, r.ProfileFor("api.example.com/v1"))
	assert.Equal(t, Profile{Rate: 10}, r.ProfileFor("api.other.org"))
	assert.Equal(t, Profile{Rate: 5}, r.ProfileFor("example.com"))
}

func TestRegistry_BucketIsLazyAndShared(t *testing.T) {
	r, err := New(Profile{Rate: 5}, nil)
	require.NoError(t, err)

	assert.Empty(t, r.Limits())
	b1 := r.Bucket("example.com")
	b2 := r.Bucket("example.com")
	assert.Same(t, b1, b2)
	assert.Len(t, r.Limits(), 1)
}

func TestRegistry_AcquireThrottles(t *testing.T) {
	// 20 tokens/s with burst 1: the 5 acquisitions after the first wait ~50ms each.
	r, err := New(Profile{Rate: 20, Burst: 1}, nil)
	require.NoError(t, err)

	start := time.Now()
	for range 6 {
		require.NoError(t, r.Acquire(context.Background(), "example.com"))
	}
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
}

func TestRegistry_KeysAreIndependent(t *testing.T) {
	r, err := New(Profile{Rate: 1, Burst: 1}, nil)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, r.Acquire(context.Background(), "a.org"))
	require.NoError(t, r.Acquire(context.Background(), "b.org"))
	require.NoError(t, r.Acquire(context.Background(), "c.org"))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRegistry_AcquireFailsOnlyOnCancel(t *testing.T) {
	r, err := New(Profile{Rate: 0.001, Burst: 1}, nil)
	require.NoError(t, err)

	require.NoError(t, r.Acquire(context.Background(), "slow.org"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, r.Acquire(ctx, "slow.org"))
}

func TestRegistry_ConcurrentWaitersAllServed(t *testing.T) {
	r, err := New(Profile{Rate: 200, Burst: 1}, nil)
	require.NoError(t, err)

	var served atomic.Int32
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Acquire(context.Background(), "shared.org"); err == nil {
				served.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(20), served.Load())
}

func TestBucket_RewardCapsAt2x(t *testing.T) {
	b := newBucket(Profile{Rate: 10, Burst: 10})

	b.Reward()
	assert.InDelta(t, 12.0, float64(b.Limit()), 0.1)

	for range 20 {
		b.Reward()
	}
	assert.InDelta(t, 20.0, float64(b.Limit()), 0.1)
}

func TestBucket_PenalizeFloorsAtQuarter(t *testing.T) {
	b := newBucket(Profile{Rate: 10, Burst: 10})

	b.Penalize()
	assert.InDelta(t, 5.0, float64(b.Limit()), 0.1)

	for range 10 {
		b.Penalize()
	}
	assert.InDelta(t, 2.5, float64(b.Limit()), 0.1)
}

func TestRegistry_PenalizeAndReward(t *testing.T) {
	r, err := New(Profile{Rate: 8}, nil)
	require.NoError(t, err)

	r.Penalize("example.com")
	assert.InDelta(t, 4.0, r.Limits()["example.com"], 0.01)
	r.Reward("example.com")
	assert.InDelta(t, 4.8, r.Limits()["example.com"], 0.01)
}

func TestProfile_DefaultBurst(t *testing.T) {
	assert.Equal(t, 1, Profile{Rate: 0.5}.burst())
	assert.Equal(t, 3, Profile{Rate: 2.5}.burst())
	assert.Equal(t, 7, Profile{Rate: 2.5, Burst: 7}.burst())
}

func TestKeyForURL(t *testing.T) {
	cases := map[string]string{
		"https://www.Example.com/people?x=1": "example.com",
		"http://cs.mit.edu:8080/faculty":     "cs.mit.edu",
		"not a url":                          "not a url",
		"":                                   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, KeyForURL(in), in)
	}
}
