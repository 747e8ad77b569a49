package stash

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// RescheduleKind tells whether and how a finished job runs again.
type RescheduleKind int

const (
	NoReschedule = RescheduleKind(iota)

	// RescheduleSameIdentity runs the job again under it's id.
	// The job didn't write anything yet, so it's catalog record can be reused.
	RescheduleSameIdentity

	// RescheduleNewIdentity runs a clone of the job under a new id.
	// Reusing the id would mix the clone's data with what the job already wrote.
	RescheduleNewIdentity
)

// String represents RescheduleKind as string.
func (k RescheduleKind) String() string {
	return map[RescheduleKind]string{
		NoReschedule:           "none",
		RescheduleSameIdentity: "same",
		RescheduleNewIdentity:  "new",
	}[k]
}

// Reschedule is a reschedule decision for a finished job.
type Reschedule struct {
	Kind RescheduleKind

	// Job is the job to run again.
	// It is the finished job itself for RescheduleSameIdentity,
	// and an unregistered clone of it for RescheduleNewIdentity.
	Job *Job

	// Count is the reschedule count of the next run.
	Count int

	// ScheduledTime is when the next run starts.
	ScheduledTime time.Time
}

// DecideReschedule decides whether a job that finished at now should run again.
// It doesn't change the job.
func DecideReschedule(j *Job, now time.Time) Reschedule {
	if j.MaxRescheduleTimes != 0 && j.RescheduleCount >= j.MaxRescheduleTimes {
		return Reschedule{Kind: NoReschedule}
	}
	if j.cancelRequested() {
		return Reschedule{Kind: NoReschedule}
	}
	status := j.Status()
	incomplete := j.RescheduleIncompleteJobs && status == JobIncomplete && j.Type == JobBackup && j.Level != LevelBase
	failed := j.RescheduleOnError && status != JobTerminated && status != JobCanceled && j.Type == JobBackup
	if !incomplete && !failed {
		return Reschedule{Kind: NoReschedule}
	}
	r := Reschedule{
		Count:         j.RescheduleCount + 1,
		ScheduledTime: now.Add(j.RescheduleInterval),
	}
	if j.BytesWritten() == 0 {
		r.Kind = RescheduleSameIdentity
		r.Job = j
		return r
	}
	r.Kind = RescheduleNewIdentity
	r.Job = j.cloneForRerun(r.Count, r.ScheduledTime)
	return r
}

// reschedule runs a finished job again if it should.
// When it reuses the job, the queue takes a fresh reference of it,
// so the worker's reference can be released as usual.
// q.mu should be held. It is released while submitting.
func (q *JobQueue) reschedule(logger *log.Entry, j *Job) RescheduleKind {
	r := DecideReschedule(j, q.clock.Now())
	switch r.Kind {
	case RescheduleSameIdentity:
		j.resetForRerun(r.Count, r.ScheduledTime)
		j.IncRef()
		q.mu.Unlock()
		err := q.Submit(j)
		q.mu.Lock()
		if err != nil {
			logger.WithError(err).Error("couldn't reschedule job")
			j.DecRef()
			return NoReschedule
		}
	case RescheduleNewIdentity:
		q.mu.Unlock()
		err := q.runNew(r.Job)
		q.mu.Lock()
		if err != nil {
			logger.WithError(err).Error("couldn't reschedule job as a new job")
			r.Job.DecRef()
			return NoReschedule
		}
	default:
		return NoReschedule
	}
	q.metrics.reschedule(r.Kind)
	logger.WithFields(log.Fields{
		"identity": r.Kind.String(),
		"count":    r.Count,
		"at":       r.ScheduledTime,
	}).Info("job rescheduled")
	return r.Kind
}

// runNew runs a new job through the runner,
// or submits it directly when the queue doesn't have one.
func (q *JobQueue) runNew(j *Job) error {
	if q.runner == nil {
		return q.Submit(j)
	}
	_, err := q.runner.Run(j)
	return err
}
