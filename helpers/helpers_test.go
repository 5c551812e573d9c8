package helpers

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/temoto/telenode/helpers/atomic_clock"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	b := &Backoff{Min: 1 * time.Second, Max: 5 * time.Second, K: 2}
	const s = atomic_clock.Second
	assert.Equal(t, time.Duration(0), b.Remaining(0))
	b.Failure(10 * s)
	assert.Equal(t, 1*time.Second, b.Delay())
	assert.Equal(t, 500*time.Millisecond, b.Remaining(10*s+s/2))
	assert.Equal(t, time.Duration(0), b.Remaining(11*s))
	b.Failure(11 * s)
	b.Failure(13 * s)
	assert.Equal(t, 4*time.Second, b.Delay())
	b.Failure(17 * s)
	assert.Equal(t, 5*time.Second, b.Delay(), "limited by Max")
	b.Update(30*s, true)
	assert.Equal(t, time.Duration(0), b.Remaining(30*s))
}

func TestBackoffDisabled(t *testing.T) {
	t.Parallel()

	var b Backoff
	b.Failure(1)
	b.Failure(2)
	assert.False(t, b.Enabled())
	assert.Equal(t, time.Duration(0), b.Remaining(3))
	var nilb *Backoff
	assert.Equal(t, time.Duration(0), nilb.Remaining(3))
}

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	e1 := fmt.Errorf("first")
	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	assert.Equal(t, e1, FoldErrors([]error{nil, e1}))
	assert.EqualError(t, FoldErrors([]error{e1, fmt.Errorf("second")}), "first\nsecond")
}

func TestIntDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 3*time.Second, IntSecondDefault(0, 3*time.Second))
	assert.Equal(t, 7*time.Second, IntSecondDefault(7, 3*time.Second))
	assert.Equal(t, 100*time.Millisecond, IntMillisecondDefault(-1, 100*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, IntMillisecondDefault(250, 100*time.Millisecond))
	stop := make(chan struct{})
	close(stop)
	assert.False(t, SleepStop(time.Hour, stop))
	assert.True(t, SleepStop(0, stop))
}
