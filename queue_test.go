package stash

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/imagvfx/stash/lib/container"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"
)

// newStillQueue creates a queue which never starts workers,
// so tests can drive admission by hand.
func newStillQueue() *JobQueue {
	q := NewJobQueue(QueueConfig{}, EngineFunc(func(ctx context.Context, j *Job) {}), NewLedger())
	q.maxWorkers = 0
	return q
}

func namedJob(name string, priority int) *Job {
	j := NewJob(nil)
	j.Name = name
	j.Priority = priority
	return j
}

func listNames(l *container.UniqueList[*Job]) []string {
	names := make([]string, 0)
	for _, j := range l.Values() {
		names = append(names, j.Name)
	}
	return names
}

func TestQueueSubmitOrder(t *testing.T) {
	q := newStillQueue()
	jobs := []*Job{
		namedJob("c", 10),
		namedJob("a", 1),
		namedJob("d", 10),
		namedJob("b", 5),
		namedJob("e", 20),
	}
	for _, j := range jobs {
		require.NoError(t, q.Submit(j))
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, listNames(q.waiting))
	assert.Equal(t, QueueStats{Waiting: 5}, q.Stats())

	err := q.Submit(jobs[0])
	assert.True(t, errors.Is(err, ErrAlreadyQueued))
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := newStillQueue()
	s := &Storage{Name: "tape", MaxConcurrentJobs: 1}
	a := namedJob("a", 1)
	b := namedJob("b", 2)
	a.WriteStorage = s
	b.WriteStorage = s
	require.NoError(t, q.Submit(b))
	require.NoError(t, q.Submit(a))

	q.mu.Lock()
	defer q.mu.Unlock()
	q.admit()
	assert.Equal(t, []string{"a"}, listNames(q.ready))
	assert.Equal(t, []string{"b"}, listNames(q.waiting))
	assert.Equal(t, JobWaitPriority, b.Status())

	q.ready.PopFront()
	q.ledger.ReleaseAll(a)
	q.admit()
	assert.Equal(t, []string{"b"}, listNames(q.ready))
	assert.Equal(t, 0, q.waiting.Len())
}

func TestQueueFIFOAmongEquals(t *testing.T) {
	q := newStillQueue()
	s := &Storage{Name: "tape", MaxConcurrentJobs: 1}
	a := namedJob("a", 10)
	b := namedJob("b", 10)
	a.WriteStorage = s
	b.WriteStorage = s
	require.NoError(t, q.Submit(a))
	require.NoError(t, q.Submit(b))

	q.mu.Lock()
	defer q.mu.Unlock()
	q.admit()
	assert.Equal(t, []string{"a"}, listNames(q.ready))
	assert.Equal(t, JobWaitStoreRes, b.Status())

	q.ready.PopFront()
	q.ledger.ReleaseAll(a)
	q.admit()
	assert.Equal(t, []string{"b"}, listNames(q.ready))
}

func TestQueueMixedPriority(t *testing.T) {
	// Lower priority values run earlier, so the waiting job is the more urgent one.
	cases := []struct {
		name    string
		running []*Job
		waiting *Job
		want    bool
	}{
		{
			name:    "all allow mix",
			running: []*Job{mixJob("r1", 7, true)},
			waiting: mixJob("w", 5, true),
			want:    true,
		},
		{
			name:    "a running job doesn't allow mix",
			running: []*Job{mixJob("r1", 7, true), mixJob("r2", 7, false)},
			waiting: mixJob("w", 5, true),
			want:    false,
		},
		{
			name:    "waiting job doesn't allow mix",
			running: []*Job{mixJob("r1", 7, true)},
			waiting: mixJob("w", 5, false),
			want:    false,
		},
		{
			name:    "waiting job comes later",
			running: []*Job{mixJob("r1", 5, true)},
			waiting: mixJob("w", 7, true),
			want:    false,
		},
		{
			name:    "same priority",
			running: []*Job{mixJob("r1", 5, false)},
			waiting: mixJob("w", 5, false),
			want:    true,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			q := newStillQueue()
			for _, r := range c.running {
				q.running.PushBack(r)
			}
			require.NoError(t, q.Submit(c.waiting))

			q.mu.Lock()
			q.admit()
			got := q.ready.Has(c.waiting)
			q.mu.Unlock()
			assert.Equal(t, c.want, got)
			if !c.want {
				assert.Equal(t, JobWaitPriority, c.waiting.Status())
			}
		})
	}
}

func mixJob(name string, priority int, allowMix bool) *Job {
	j := namedJob(name, priority)
	j.AllowMixedPriority = allowMix
	return j
}

func TestQueueCanceledFastPath(t *testing.T) {
	q := newStillQueue()
	s := &Storage{Name: "tape", MaxConcurrentJobs: 0}

	waiting := namedJob("waiting", 10)
	waiting.WriteStorage = s
	require.NoError(t, q.Submit(waiting))

	canceled := namedJob("canceled", 10)
	canceled.WriteStorage = s
	canceled.Cancel()
	require.NoError(t, q.Submit(canceled))
	assert.Equal(t, []string{"canceled"}, listNames(q.ready))

	q.mu.Lock()
	q.admit()
	assert.Equal(t, JobWaitStoreRes, waiting.Status())
	waiting.Cancel()
	q.admit()
	q.mu.Unlock()

	assert.Equal(t, []string{"canceled", "waiting"}, listNames(q.ready))
	assert.False(t, waiting.hasAcquiredLocks())
	assert.False(t, canceled.hasAcquiredLocks())
	assert.Equal(t, JobCanceled, waiting.Status())
}

func TestQueueRemove(t *testing.T) {
	q := newStillQueue()
	a := namedJob("a", 10)
	b := namedJob("b", 10)
	require.NoError(t, q.Submit(a))
	require.NoError(t, q.Submit(b))

	require.NoError(t, q.Remove(b))
	assert.Equal(t, []string{"b"}, listNames(q.ready))
	assert.Equal(t, []string{"a"}, listNames(q.waiting))

	err := q.Remove(b)
	assert.True(t, errors.Is(err, ErrNotWaiting))

	jobs := q.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, b, jobs[0])
	assert.Equal(t, a, jobs[1])
}

func TestQueueShutdownCancelsWaiting(t *testing.T) {
	q := newStillQueue()
	freed := make([]string, 0)
	jobs := []*Job{namedJob("a", 1), namedJob("b", 2)}
	for _, j := range jobs {
		j.free = func(j *Job) { freed = append(freed, j.Name) }
		require.NoError(t, q.Submit(j))
	}
	require.NoError(t, q.Shutdown(context.Background()))

	assert.Equal(t, []string{"a", "b"}, freed)
	for _, j := range jobs {
		assert.Equal(t, JobCanceled, j.Status())
		assert.Equal(t, 0, j.Refs())
	}
	assert.Equal(t, 0, q.Stats().Waiting)

	assert.Equal(t, ErrQueueShutdown, q.Submit(namedJob("late", 1)))
	assert.Equal(t, ErrQueueShutdown, q.Shutdown(context.Background()))
}

// gate is an engine which blocks each job until it is let go.
type gate struct {
	started chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (g *gate) Run(ctx context.Context, j *Job) {
	g.started <- j.Name
	select {
	case <-g.release:
		j.SetStatus(JobTerminated)
	case <-ctx.Done():
		j.SetStatus(JobCanceled)
	}
}

func (g *gate) next(t *testing.T) string {
	t.Helper()
	select {
	case name := <-g.started:
		return name
	case <-time.After(5 * time.Second):
		t.Fatal("no job started")
	}
	return ""
}

func (g *gate) idle(t *testing.T) {
	t.Helper()
	select {
	case name := <-g.started:
		t.Fatalf("unexpected job started: %s", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQueueEndToEnd(t *testing.T) {
	g := newGate()
	q := NewJobQueue(QueueConfig{
		MaxWorkers:  3,
		IdleTimeout: time.Second,
		Backoff:     time.Minute,
	}, g, NewLedger())
	s := &Storage{Name: "tape", MaxConcurrentJobs: 1}
	j1 := namedJob("j1", 1)
	j2 := namedJob("j2", 1)
	j3 := namedJob("j3", 5)
	for _, j := range []*Job{j1, j2, j3} {
		j.WriteStorage = s
		require.NoError(t, q.Submit(j))
	}

	assert.Equal(t, "j1", g.next(t))
	require.Eventually(t, func() bool {
		return j2.Status() == JobWaitStoreRes && j3.Status() == JobWaitPriority
	}, 5*time.Second, 10*time.Millisecond)
	g.idle(t)

	// the release wakes workers long before their back off ends.
	g.release <- struct{}{}
	assert.Equal(t, "j2", g.next(t))
	assert.Equal(t, JobTerminated, j1.Status())
	g.idle(t)
	assert.Equal(t, JobWaitPriority, j3.Status())

	g.release <- struct{}{}
	assert.Equal(t, "j3", g.next(t))
	g.release <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	for _, j := range []*Job{j1, j2, j3} {
		assert.Equal(t, JobTerminated, j.Status())
		assert.Equal(t, 0, j.Refs())
	}
	assert.Equal(t, 0, q.Ledger().StorageJobs(s))
}

func TestQueueWorkerBounds(t *testing.T) {
	var cur, peak atomic.Int32
	engine := EngineFunc(func(ctx context.Context, j *Job) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		cur.Add(-1)
		j.SetStatus(JobTerminated)
	})
	q := NewJobQueue(QueueConfig{
		MaxWorkers:  2,
		IdleTimeout: 50 * time.Millisecond,
		Backoff:     10 * time.Millisecond,
	}, engine, NewLedger())

	var wg sync.WaitGroup
	jobs := make([]*Job, 20)
	for i := range jobs {
		jobs[i] = namedJob("burst", 10)
		wg.Add(1)
		jobs[i].free = func(*Job) { wg.Done() }
	}
	for _, j := range jobs {
		require.NoError(t, q.Submit(j))
		assert.LessOrEqual(t, q.Stats().Workers, 2)
	}
	wg.Wait()
	assert.LessOrEqual(t, int(peak.Load()), 2)

	// workers leave the pool after the idle timeout.
	require.Eventually(t, func() bool {
		return q.Stats().Workers == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestQueueEnginePanic(t *testing.T) {
	engine := EngineFunc(func(ctx context.Context, j *Job) {
		if j.Name == "bad" {
			panic("tape jammed")
		}
		j.SetStatus(JobTerminated)
	})
	q := NewJobQueue(QueueConfig{
		MaxWorkers:  1,
		IdleTimeout: 50 * time.Millisecond,
		Backoff:     10 * time.Millisecond,
	}, engine, NewLedger())
	def := &JobDef{Name: "def", MaxConcurrentJobs: 1}

	var wg sync.WaitGroup
	bad := namedJob("bad", 1)
	good := namedJob("good", 2)
	for _, j := range []*Job{bad, good} {
		j.Def = def
		wg.Add(1)
		j.free = func(*Job) { wg.Done() }
	}
	require.NoError(t, q.Submit(bad))
	require.NoError(t, q.Submit(good))
	wg.Wait()

	assert.Equal(t, JobFatalError, bad.Status())
	assert.Equal(t, JobTerminated, good.Status())
	assert.Equal(t, 0, q.Ledger().JobDefJobs(def))
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestQueueCancelRunning(t *testing.T) {
	g := newGate()
	q := NewJobQueue(QueueConfig{MaxWorkers: 1, IdleTimeout: 50 * time.Millisecond}, g, NewLedger())
	j := namedJob("long", 10)
	done := make(chan struct{})
	j.free = func(*Job) { close(done) }
	require.NoError(t, q.Submit(j))
	assert.Equal(t, "long", g.next(t))

	j.Cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("canceled job didn't finish")
	}
	assert.Equal(t, JobCanceled, j.Status())
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestQueueGrowsWithIdleWorker(t *testing.T) {
	g := newGate()
	q := NewJobQueue(QueueConfig{
		MaxWorkers:  3,
		IdleTimeout: time.Minute,
		Backoff:     time.Minute,
	}, g, NewLedger())

	require.NoError(t, q.Submit(namedJob("warm", 10)))
	assert.Equal(t, "warm", g.next(t))
	g.release <- struct{}{}
	require.Eventually(t, func() bool {
		return q.Stats().IdleWorkers == 1
	}, waitFor, tick)

	// both jobs run at once, even though one worker was idle when they came.
	require.NoError(t, q.Submit(namedJob("a", 10)))
	require.NoError(t, q.Submit(namedJob("b", 10)))
	started := []string{g.next(t), g.next(t)}
	assert.ElementsMatch(t, []string{"a", "b"}, started)
	assert.Equal(t, 2, q.Stats().Running)

	g.release <- struct{}{}
	g.release <- struct{}{}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
}

func TestQueueIdleWorkerKeepsWaitingJobs(t *testing.T) {
	g := newGate()
	fc := testingclock.NewFakeClock(time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC))
	q := NewJobQueue(QueueConfig{
		MaxWorkers:  1,
		IdleTimeout: time.Second,
		Backoff:     time.Minute,
	}, g, NewLedger(), WithClock(fc))

	require.NoError(t, q.Submit(namedJob("warm", 10)))
	assert.Equal(t, "warm", g.next(t))
	g.release <- struct{}{}
	require.Eventually(t, func() bool {
		return q.Stats().IdleWorkers == 1
	}, waitFor, tick)

	// a restore outside of the queue holds the only drive.
	s := &Storage{Name: "tape", MaxConcurrentJobs: 1}
	restore := namedJob("restore", 10)
	restore.Type = JobRestore
	restore.ReadStorage = s
	require.True(t, q.Ledger().IncReadStore(restore))

	// the job lands in waiting without waking the worker,
	// then the worker's idle timeout fires.
	j := namedJob("verify", 10)
	j.ReadStorage = s
	q.mu.Lock()
	q.insertWaiting(j)
	q.mu.Unlock()
	fc.Step(time.Second)

	require.Eventually(t, func() bool {
		return j.Status() == JobWaitStoreRes
	}, waitFor, tick)
	// the worker holds the lock until it waits for a release.
	q.mu.Lock()
	q.mu.Unlock()
	assert.Equal(t, 1, q.Stats().Workers)

	q.Ledger().DecReadStore(restore)
	assert.Equal(t, "verify", g.next(t))
	g.release <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, q.Shutdown(ctx))
	assert.Equal(t, JobTerminated, j.Status())
	assert.Equal(t, 0, q.Ledger().StorageJobs(s))
}
