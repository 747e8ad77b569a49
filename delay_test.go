package stash

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

func newDelayQueue() (*JobQueue, *testingclock.FakeClock) {
	fc := testingclock.NewFakeClock(time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC))
	q := newStillQueue()
	q.clock = fc
	return q, fc
}

func TestDelayUntilStartTime(t *testing.T) {
	q, fc := newDelayQueue()
	j := namedJob("later", 10)
	j.ScheduledTime = fc.Now().Add(time.Hour)
	require.NoError(t, q.Submit(j))

	require.Eventually(t, fc.HasWaiters, waitFor, tick)
	assert.Equal(t, JobWaitStartTime, j.Status())
	assert.Equal(t, 2, j.Refs())
	assert.Equal(t, 0, q.Stats().Waiting)

	// it still waits after a poll.
	fc.Step(DefaultDelayPoll)
	require.Eventually(t, fc.HasWaiters, waitFor, tick)
	assert.Equal(t, 0, q.Stats().Waiting)

	fc.Step(time.Hour)
	require.Eventually(t, func() bool {
		return q.Stats().Waiting == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return j.Refs() == 1
	}, waitFor, tick)
}

func TestDelayPastStartTime(t *testing.T) {
	q, fc := newDelayQueue()
	j := namedJob("overdue", 10)
	j.ScheduledTime = fc.Now().Add(-time.Minute)
	require.NoError(t, q.Submit(j))
	assert.Equal(t, 1, q.Stats().Waiting)
	assert.Equal(t, 1, j.Refs())
}

func TestDelayCanceled(t *testing.T) {
	q, fc := newDelayQueue()
	j := namedJob("later", 10)
	j.ScheduledTime = fc.Now().Add(time.Hour)
	require.NoError(t, q.Submit(j))
	require.Eventually(t, fc.HasWaiters, waitFor, tick)

	j.Cancel()
	require.Eventually(t, func() bool {
		return q.Stats().Ready == 1
	}, waitFor, tick)
	assert.Equal(t, JobCanceled, j.Status())
}

func TestDelayShutdown(t *testing.T) {
	q, fc := newDelayQueue()
	j := namedJob("later", 10)
	j.ScheduledTime = fc.Now().Add(time.Hour)
	freed := make(chan struct{})
	j.free = func(*Job) { close(freed) }
	require.NoError(t, q.Submit(j))
	require.Eventually(t, fc.HasWaiters, waitFor, tick)

	require.NoError(t, q.Shutdown(context.Background()))
	// Shutdown returns after the delayed job is released.
	select {
	case <-freed:
	default:
		t.Fatal("delayed job wasn't released")
	}
	assert.Equal(t, JobCanceled, j.Status())

	late := namedJob("late", 10)
	late.ScheduledTime = fc.Now().Add(time.Hour)
	assert.Equal(t, ErrQueueShutdown, q.Submit(late))
	assert.Equal(t, 1, late.Refs())
}
