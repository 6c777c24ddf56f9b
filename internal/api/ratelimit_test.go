package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterPerKey(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(0.001, 2)
	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "keys are limited independently")
}

func TestRateLimiterDisabled(t *testing.T) {
	t.Parallel()

	l := NewRateLimiter(0, 0)
	for i := 0; i < 1000; i++ {
		assert.True(t, l.Allow("a"))
	}
}
