package signal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRoomRateLimiter(2, 10*time.Second)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("alice"))
	assert.False(t, rl.Allow("alice"))
	assert.True(t, rl.Allow("bob"))

	now = now.Add(11 * time.Second)
	assert.True(t, rl.Allow("alice"))
}

func TestRateLimiterSweep(t *testing.T) {
	rl := NewRoomRateLimiter(1, time.Second)
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	rl.Allow("alice")

	now = now.Add(2 * time.Second)
	rl.Sweep()
	assert.Empty(t, rl.history)
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRoomRateLimiter(0, time.Second)
	for i := 0; i < 10; i++ {
		assert.True(t, rl.Allow("alice"))
	}
}
