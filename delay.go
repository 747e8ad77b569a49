package stash

// delay waits until the job's scheduled time, then queues it.
// It holds it's own reference of the job while waiting.
//
// It sleeps in chunks no longer than DelayPoll, so a changed clock
// is noticed, and wakes up right away when the job is canceled.
func (q *JobQueue) delay(j *Job) {
	defer q.delays.Done()
	defer j.DecRef()
	logger := q.log.WithField("job", j.Name)

	wait := j.ScheduledTime.Sub(q.clock.Now())
	if wait > 0 {
		j.setWaitStatus(JobWaitStartTime)
		logger.WithField("wait", wait).Debug("job waits for it's start time")
	}
	for wait > 0 && !j.IsCanceled() {
		d := min(wait, q.cfg.DelayPoll)
		select {
		case <-q.clock.After(d):
		case <-j.canceledC():
		case <-q.quitCh:
		}
		wait = j.ScheduledTime.Sub(q.clock.Now())
		select {
		case <-q.quitCh:
			wait = 0
		default:
		}
	}

	err := q.enqueue(j)
	if err != nil {
		logger.WithError(err).Warn("couldn't queue job after it's start time")
		j.Cancel()
		// the caller's reference was handed to the queue through Submit.
		j.DecRef()
	}
}
