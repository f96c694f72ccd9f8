package multipart

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_Sync(t *testing.T) {
	local := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	clock := &Clock{local: func() time.Time { return local }}

	assert.Equal(t, local, clock.Now())

	offset := clock.Sync(local.Add(15*time.Minute + 400*time.Millisecond))
	assert.Equal(t, 15*time.Minute, offset)
	assert.Equal(t, 15*time.Minute, clock.Offset())
	assert.Equal(t, local.Add(15*time.Minute), clock.Now())

	// last write wins
	clock.Sync(local.Add(-2 * time.Hour))
	assert.Equal(t, -2*time.Hour, clock.Offset())
}

func TestClock_SetOffset(t *testing.T) {
	clock := NewClock()
	clock.SetOffset(-time.Hour)

	skew := time.Since(clock.Now())
	assert.InDelta(t, time.Hour.Seconds(), skew.Seconds(), 5)
}

func TestClock_Nil(t *testing.T) {
	var clock *Clock

	assert.WithinDuration(t, time.Now(), clock.Now(), time.Second)
	assert.Zero(t, clock.Offset())
	assert.Zero(t, clock.Sync(time.Now().Add(time.Hour)))
	clock.SetOffset(time.Hour)
	assert.Zero(t, clock.Offset())
}
