package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func closed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestVirtualClock_ReleasesWaitersInDeadlineOrder(t *testing.T) {
	c := NewVirtualClock(epoch)
	late := c.Until(context.Background(), epoch.Add(2*time.Minute))
	early := c.Until(context.Background(), epoch.Add(time.Minute))
	assert.Equal(t, 2, c.Pending())

	next, ok := c.Next()
	require.True(t, ok)
	assert.Equal(t, epoch.Add(time.Minute), next)

	c.Advance(time.Minute)
	assert.True(t, closed(early))
	assert.False(t, closed(late))
	assert.Equal(t, 1, c.Pending())

	c.Set(epoch.Add(time.Hour))
	assert.True(t, closed(late))
	_, ok = c.Next()
	assert.False(t, ok)
}

func TestVirtualClock_PastDeadlineIsImmediate(t *testing.T) {
	c := NewVirtualClock(epoch)
	assert.True(t, closed(c.Until(context.Background(), epoch)))
	assert.Zero(t, c.Pending())
}

func TestVirtualClock_SetBackwardsIsIgnored(t *testing.T) {
	c := NewVirtualClock(epoch)
	c.Set(epoch.Add(-time.Hour))
	assert.Equal(t, epoch, c.Now())
}

func TestVirtualClock_CancelReleasesWaiter(t *testing.T) {
	c := NewVirtualClock(epoch)
	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Until(ctx, epoch.Add(time.Hour))
	cancel()

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("waiter not released on cancel")
	}
	assert.Eventually(t, func() bool { return c.Pending() == 0 }, time.Second, time.Millisecond)
}

func TestVirtualClock_WaitForWaiters(t *testing.T) {
	c := NewVirtualClock(epoch)
	go func() {
		time.Sleep(10 * time.Millisecond)
		c.Until(context.Background(), epoch.Add(time.Second))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, c.WaitForWaiters(ctx, 1))

	short, cancelShort := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, c.WaitForWaiters(short, 5), context.DeadlineExceeded)
}

func TestRealClock_Until(t *testing.T) {
	var c RealClock
	assert.True(t, closed(c.Until(context.Background(), time.Now().Add(-time.Second))))

	ctx, cancel := context.WithCancel(context.Background())
	ch := c.Until(ctx, time.Now().Add(time.Hour))
	cancel()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("real clock waiter not released on cancel")
	}
}
