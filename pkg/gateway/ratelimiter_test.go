package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientRateLimiter_Concurrency(t *testing.T) {
	l := NewClientRateLimiter(0, 2)

	ok, _ := l.Acquire()
	assert.True(t, ok)
	ok, _ = l.Acquire()
	assert.True(t, ok)

	ok, code := l.Acquire()
	assert.False(t, ok)
	assert.Equal(t, TooManyConcurrent, code)
	assert.Equal(t, 2, l.InFlight())

	l.Release()
	ok, _ = l.Acquire()
	assert.True(t, ok)
}

func TestClientRateLimiter_Rate(t *testing.T) {
	l := NewClientRateLimiter(3, 0)

	for range 3 {
		ok, _ := l.Acquire()
		assert.True(t, ok)
		l.Release()
	}
	ok, code := l.Acquire()
	assert.False(t, ok)
	assert.Equal(t, RateLimitExceeded, code)
}

func TestClientRateLimiter_ReleaseNeverNegative(t *testing.T) {
	l := NewClientRateLimiter(0, 1)
	l.Release()
	assert.Equal(t, 0, l.InFlight())
}

func TestLimiterSet_PerKey(t *testing.T) {
	set := newLimiterSet(0, 1)
	a := set.get("10.0.0.1")
	assert.Same(t, a, set.get("10.0.0.1"))

	ok, _ := a.Acquire()
	assert.True(t, ok)
	ok, _ = set.get("10.0.0.2").Acquire()
	assert.True(t, ok)
}
