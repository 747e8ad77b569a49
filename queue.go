package stash

import (
	"context"
	"sync"
	"time"

	"github.com/imagvfx/stash/lib/container"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

var (
	// ErrQueueShutdown is returned when the queue is already shut down.
	ErrQueueShutdown = errors.New("job queue is shut down")

	// ErrNotWaiting is returned by Remove when the job isn't waiting.
	ErrNotWaiting = errors.New("job is not waiting")

	// ErrAlreadyQueued is returned by Submit when the job is already in the queue.
	ErrAlreadyQueued = errors.New("job is already queued")
)

const (
	DefaultIdleTimeout = 4 * time.Second
	DefaultBackoff     = 2 * time.Second
	DefaultDelayPoll   = 30 * time.Second
)

// QueueConfig configures a JobQueue.
type QueueConfig struct {
	// MaxWorkers limits the number of jobs running at once.
	MaxWorkers int

	// IdleTimeout is how long an idle worker waits for work before it exits.
	IdleTimeout time.Duration

	// Backoff is how long a worker waits between admission scans,
	// when jobs wait for resources. A release of resources wakes it earlier.
	Backoff time.Duration

	// DelayPoll is the longest single sleep of a job waiting for it's start time.
	DelayPoll time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 1
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.Backoff <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.DelayPoll <= 0 {
		c.DelayPoll = DefaultDelayPoll
	}
	return c
}

// QueueOption customizes a JobQueue.
type QueueOption func(q *JobQueue)

// WithClock sets the clock the queue uses for timeouts and start times.
func WithClock(c clock.Clock) QueueOption {
	return func(q *JobQueue) {
		q.clock = c
	}
}

// WithRunner sets the run path of jobs cloned by reschedule.
func WithRunner(r Runner) QueueOption {
	return func(q *JobQueue) {
		q.runner = r
	}
}

// WithMetrics sets metrics the queue reports to.
func WithMetrics(m *Metrics) QueueOption {
	return func(q *JobQueue) {
		q.metrics = m
	}
}

// WithLogger sets the queue's logger.
func WithLogger(l *log.Entry) QueueOption {
	return func(q *JobQueue) {
		q.log = l
	}
}

// QueueStats is a snapshot of the queue.
type QueueStats struct {
	Waiting     int `json:"waiting"`
	Ready       int `json:"ready"`
	Running     int `json:"running"`
	Workers     int `json:"workers"`
	IdleWorkers int `json:"idle_workers"`
	MaxWorkers  int `json:"max_workers"`
}

// JobQueue holds submitted jobs until their resources are free, then runs them.
//
// A job is in one of the three lists at a time.
// Jobs in waiting are ordered by priority. They move to ready when the ledger
// reserves their resources, then to running when a worker picks them.
type JobQueue struct {
	engine  Engine
	ledger  *Ledger
	runner  Runner
	clock   clock.Clock
	cfg     QueueConfig
	metrics *Metrics
	log     *log.Entry

	// wake wakes idle workers and workers backing off.
	wake *broadcaster

	// delays tracks jobs waiting for their start time.
	delays sync.WaitGroup

	// mu guards every field below.
	mu          sync.Mutex
	waiting     *container.UniqueList[*Job]
	ready       *container.UniqueList[*Job]
	running     *container.UniqueList[*Job]
	quit        bool
	quitCh      chan struct{}
	drained     chan struct{}
	drainOnce   sync.Once
	numWorkers  int
	idleWorkers int
	maxWorkers  int
}

// NewJobQueue creates a new JobQueue.
// Workers are started on demand, when jobs are submitted.
func NewJobQueue(cfg QueueConfig, engine Engine, ledger *Ledger, opts ...QueueOption) *JobQueue {
	cfg = cfg.withDefaults()
	if ledger == nil {
		ledger = NewLedger()
	}
	q := &JobQueue{
		engine:     engine,
		ledger:     ledger,
		clock:      clock.RealClock{},
		cfg:        cfg,
		log:        log.WithField("component", "jobqueue"),
		wake:       newBroadcaster(),
		waiting:    container.NewUniqueList[*Job](),
		ready:      container.NewUniqueList[*Job](),
		running:    container.NewUniqueList[*Job](),
		quitCh:     make(chan struct{}),
		drained:    make(chan struct{}),
		maxWorkers: cfg.MaxWorkers,
	}
	for _, opt := range opts {
		opt(q)
	}
	// released resources could let waiting jobs run.
	ledger.OnRelease(q.wake.Broadcast)
	return q
}

// Ledger returns the ledger the queue reserves resources with.
func (q *JobQueue) Ledger() *Ledger {
	return q.ledger
}

// Submit submits a job to the queue.
//
// A job scheduled in the future waits for it's time without entering the queue.
// A canceled job goes to the front of ready, so it finishes fast.
// Others are inserted to waiting by their priority, after jobs having the same priority.
//
// Submit takes over the caller's reference of the job. On error, the caller keeps it.
func (q *JobQueue) Submit(j *Job) error {
	if j == nil {
		return errors.New("nil job cannot be submitted")
	}
	if !j.IsCanceled() && j.ScheduledTime.After(q.clock.Now()) {
		q.mu.Lock()
		if q.quit {
			q.mu.Unlock()
			return ErrQueueShutdown
		}
		q.delays.Add(1)
		q.mu.Unlock()
		j.IncRef()
		go q.delay(j)
		return nil
	}
	return q.enqueue(j)
}

// enqueue adds the job to the queue without looking at it's scheduled time.
func (q *JobQueue) enqueue(j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.quit {
		return ErrQueueShutdown
	}
	if q.waiting.Has(j) || q.ready.Has(j) || q.running.Has(j) {
		return errors.Wrapf(ErrAlreadyQueued, "job %v", j)
	}
	if j.IsCanceled() {
		q.ready.PushFront(j)
	} else {
		q.insertWaiting(j)
	}
	q.log.WithField("job", j.Name).Debug("job queued")
	q.ensureWorker()
	q.observe()
	return nil
}

// insertWaiting inserts the job before the first waiting job having greater priority value.
func (q *JobQueue) insertWaiting(j *Job) {
	for w, ok := q.waiting.Front(); ok; w, ok = q.waiting.Next(w) {
		if w.Priority > j.Priority {
			q.waiting.InsertBefore(j, w)
			return
		}
	}
	q.waiting.PushBack(j)
}

// Remove moves a waiting job to the front of ready, so it runs without waiting any more.
// It is used to cancel a waiting job.
func (q *JobQueue) Remove(j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.quit {
		return ErrQueueShutdown
	}
	if !q.waiting.Remove(j) {
		return errors.Wrapf(ErrNotWaiting, "job %v", j)
	}
	q.ready.PushFront(j)
	q.ensureWorker()
	q.observe()
	return nil
}

// ensureWorker makes sure a worker will look at the queue.
// It wakes all idle workers if there are any, or starts a new worker
// if the pool isn't full yet. Otherwise a busy worker will find the work
// after it finishes it's current job.
// q.mu should be held.
func (q *JobQueue) ensureWorker() {
	if q.idleWorkers > 0 {
		q.wake.Broadcast()
		return
	}
	if q.numWorkers < q.maxWorkers {
		q.numWorkers++
		go q.work(xid.New().String())
	}
}

// admit walks waiting jobs in order, and moves those whose resources are
// reserved to ready. A job with different priority than the reference
// stops the walk, unless it and all running jobs allow mixed priority
// and the job's priority comes earlier.
// q.mu should be held.
func (q *JobQueue) admit() {
	first, ok := q.waiting.Front()
	if !ok {
		return
	}
	priority := first.Priority
	runningAllowMix := false
	if r, ok := q.running.Front(); ok {
		priority = r.Priority
		runningAllowMix = true
		for ; ok; r, ok = q.running.Next(r) {
			if !r.AllowMixedPriority {
				runningAllowMix = false
				break
			}
		}
	}
	for j, ok := first, true; ok; {
		next, more := q.waiting.Next(j)
		if j.Priority != priority && !(j.Priority < priority && j.AllowMixedPriority && runningAllowMix) {
			j.setWaitStatus(JobWaitPriority)
			break
		}
		// canceled jobs don't need resources to finish.
		if j.IsCanceled() || q.ledger.AcquireAll(j) {
			q.waiting.Remove(j)
			q.ready.PushBack(j)
			q.metrics.admit()
		}
		j, ok = next, more
	}
}

func (q *JobQueue) hasWork() bool {
	return q.ready.Len() != 0 || q.waiting.Len() != 0
}

// Stats returns a snapshot of the queue.
func (q *JobQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats()
}

func (q *JobQueue) stats() QueueStats {
	return QueueStats{
		Waiting:     q.waiting.Len(),
		Ready:       q.ready.Len(),
		Running:     q.running.Len(),
		Workers:     q.numWorkers,
		IdleWorkers: q.idleWorkers,
		MaxWorkers:  q.maxWorkers,
	}
}

// observe reports the queue's state to metrics.
// q.mu should be held.
func (q *JobQueue) observe() {
	q.metrics.observe(q.stats())
}

// Jobs returns jobs in the queue. Running jobs come first, then ready and waiting jobs.
func (q *JobQueue) Jobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	jobs := make([]*Job, 0, q.running.Len()+q.ready.Len()+q.waiting.Len())
	jobs = append(jobs, q.running.Values()...)
	jobs = append(jobs, q.ready.Values()...)
	jobs = append(jobs, q.waiting.Values()...)
	return jobs
}

// Shutdown stops the queue.
// It lets workers finish jobs which are running or ready, and waits them to exit.
// Jobs still waiting, including those waiting for their start time,
// are canceled and released before it returns.
func (q *JobQueue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.quit {
		q.mu.Unlock()
		return ErrQueueShutdown
	}
	q.quit = true
	close(q.quitCh)
	n := q.numWorkers
	q.mu.Unlock()
	q.wake.Broadcast()

	if n > 0 {
		select {
		case <-q.drained:
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "wait for queue workers")
		}
	}

	delayed := make(chan struct{})
	go func() {
		q.delays.Wait()
		close(delayed)
	}()
	select {
	case <-delayed:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for delayed jobs")
	}

	q.mu.Lock()
	left := q.waiting.Values()
	for _, j := range left {
		q.waiting.Remove(j)
	}
	q.observe()
	q.mu.Unlock()
	for _, j := range left {
		q.log.WithField("job", j.Name).Info("job canceled by shutdown")
		j.Cancel()
		j.DecRef()
	}
	return nil
}

// retire accounts for a worker which exits.
// q.mu should be held.
func (q *JobQueue) retire() {
	q.numWorkers--
	if q.numWorkers < 0 {
		panic("negative number of queue workers")
	}
	if q.quit && q.numWorkers == 0 {
		q.drainOnce.Do(func() { close(q.drained) })
	}
	q.observe()
}

// broadcaster wakes every goroutine waiting on it at once.
type broadcaster struct {
	mu sync.Mutex
	ch chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{ch: make(chan struct{})}
}

// Wait returns a channel which is closed by the next Broadcast.
func (b *broadcaster) Wait() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ch
}

// Broadcast wakes all waiters.
func (b *broadcaster) Broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()
	close(b.ch)
	b.ch = make(chan struct{})
}
