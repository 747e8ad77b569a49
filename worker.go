package stash

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// work is the loop of a queue worker.
//
// It runs ready jobs, then scans waiting jobs for those it can admit.
// It exits when the queue is shut down and nothing is ready,
// or when it was idle for the idle timeout and no job is left.
func (q *JobQueue) work(name string) {
	logger := q.log.WithField("worker", name)
	logger.Debug("worker started")
	defer logger.Debug("worker exited")

	q.mu.Lock()
	defer q.mu.Unlock()
	// a new worker was started for some work.
	work := true
	for {
		timedOut := false
		if !work && !q.quit {
			timer := q.clock.NewTimer(q.cfg.IdleTimeout)
			for !work && !q.quit {
				wake := q.wake.Wait()
				q.idleWorkers++
				q.observe()
				q.mu.Unlock()
				select {
				case <-wake:
				case <-timer.C():
					timedOut = true
				}
				q.mu.Lock()
				q.idleWorkers--
				if timedOut {
					break
				}
				work = q.hasWork()
			}
			timer.Stop()
		}

		for {
			j, ok := q.ready.PopFront()
			if !ok {
				break
			}
			if !q.run(logger, j) {
				// the engine panicked, leave the pool to a new worker.
				q.retire()
				if !q.quit && q.hasWork() {
					q.ensureWorker()
				}
				return
			}
		}

		if !q.quit {
			q.admit()
			q.observe()
		}

		if q.quit && q.ready.Len() == 0 {
			q.retire()
			return
		}
		if timedOut && !q.hasWork() {
			q.retire()
			return
		}

		work = q.hasWork()
		if work && q.ready.Len() == 0 {
			// jobs wait for resources. Don't spin on them,
			// but wake up early when a job releases it's resources.
			wake := q.wake.Wait()
			q.mu.Unlock()
			select {
			case <-wake:
			case <-q.clock.After(q.cfg.Backoff):
			}
			q.mu.Lock()
			work = q.hasWork()
		}
	}
}

// run runs a job popped from ready, then releases it's resources and reference.
// It returns false when the engine panicked.
// q.mu should be held. It is released while the engine runs.
func (q *JobQueue) run(logger *log.Entry, j *Job) bool {
	q.running.PushBack(j)
	q.observe()
	if !j.IsCanceled() {
		j.SetStatus(JobRunning)
	}
	jlog := logger.WithField("job", j.Name).WithField("jobid", j.ID())
	jlog.Info("job started")

	// this worker is busy until the engine returns.
	// Other ready jobs need their own workers.
	if q.ready.Len() != 0 {
		q.ensureWorker()
	}
	ctx, disarm := j.arm(context.Background(), q.clock.Now())
	q.mu.Unlock()
	ok := q.runEngine(ctx, jlog, j)
	disarm()
	q.mu.Lock()

	q.running.Remove(j)
	q.ledger.ReleaseAll(j)
	status := j.Status()
	q.metrics.finish(status)
	jlog.WithField("status", status).Info("job finished")

	q.reschedule(jlog, j)
	q.observe()

	// the last reference could write the job to a catalog.
	q.mu.Unlock()
	j.DecRef()
	q.mu.Lock()
	return ok
}

// runEngine runs the engine, and recovers it's panic.
func (q *JobQueue) runEngine(ctx context.Context, logger *log.Entry, j *Job) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithError(fmt.Errorf("%v", r)).Error("engine panicked")
			j.SetStatus(JobFatalError)
			ok = false
		}
	}()
	q.engine.Run(ctx, j)
	return true
}
