package stash

import (
	"sync"
)

// Ledger reserves the resources a job needs before it runs.
//
// Each resource guards it's own counters, so IncReadStore and DecReadStore
// can be called from outside of job admission without the queue lock.
// AcquireAll always reserves in the order of read storage, write storage,
// client and job definition, and never keeps a partial reservation.
type Ledger struct {
	mu        sync.Mutex
	onRelease []func()
}

// NewLedger creates a new Ledger.
func NewLedger() *Ledger {
	return &Ledger{}
}

// OnRelease registers fn to be called after a job releases it's resources.
func (l *Ledger) OnRelease(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRelease = append(l.onRelease, fn)
}

func (l *Ledger) released() {
	l.mu.Lock()
	fns := l.onRelease
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// IncReadStore reserves the job's read storage.
// A job without read storage needs nothing, so it succeeds.
func (l *Ledger) IncReadStore(j *Job) bool {
	s := j.ReadStorage
	if s == nil {
		return true
	}
	s.jobs.Lock()
	defer s.jobs.Unlock()
	if s.jobs.n >= s.MaxConcurrentJobs {
		return false
	}
	// restores are never held back by the read job limit.
	if j.Type == JobRestore || s.numReadJobs == 0 || s.MaxConcurrentReadJobs == 0 || s.numReadJobs < s.MaxConcurrentReadJobs {
		s.jobs.n++
		s.numReadJobs++
		return true
	}
	return false
}

// DecReadStore releases the job's read storage reserved by IncReadStore.
func (l *Ledger) DecReadStore(j *Job) {
	if j.ReadStorage == nil {
		return
	}
	l.decReadStore(j)
	l.released()
}

func (l *Ledger) decReadStore(j *Job) {
	s := j.ReadStorage
	if s == nil {
		return
	}
	s.jobs.Lock()
	defer s.jobs.Unlock()
	s.jobs.n--
	s.numReadJobs--
	if s.jobs.n < 0 || s.numReadJobs < 0 {
		panic("storage " + s.Name + ": negative concurrent read job count")
	}
}

// AcquireAll reserves all resources the job needs.
// When one of them isn't available, it releases what it reserved so far,
// sets the job's status to tell what it waits for, and returns false.
func (l *Ledger) AcquireAll(j *Job) bool {
	if j.hasAcquiredLocks() {
		return true
	}
	if !l.IncReadStore(j) {
		j.setWaitStatus(JobWaitStoreRes)
		return false
	}
	if j.WriteStorage != nil && !j.WriteStorage.jobs.tryInc(j.WriteStorage.MaxConcurrentJobs) {
		l.decReadStore(j)
		j.setWaitStatus(JobWaitStoreRes)
		return false
	}
	if j.Client != nil && !j.Client.jobs.tryInc(j.Client.MaxConcurrentJobs) {
		l.decWriteStore(j)
		l.decReadStore(j)
		j.setWaitStatus(JobWaitClientRes)
		return false
	}
	if j.Def != nil && !j.Def.jobs.tryInc(j.Def.MaxConcurrentJobs) {
		l.decClient(j)
		l.decWriteStore(j)
		l.decReadStore(j)
		j.setWaitStatus(JobWaitJobRes)
		return false
	}
	j.setAcquiredLocks(true)
	return true
}

// ReleaseAll releases all resources reserved by AcquireAll.
// It does nothing when the job doesn't hold them, so it is safe to call more than once.
func (l *Ledger) ReleaseAll(j *Job) {
	if !j.takeAcquiredLocks() {
		return
	}
	l.decWriteStore(j)
	l.decReadStore(j)
	l.decClient(j)
	if j.Def != nil {
		j.Def.jobs.dec("job " + j.Def.Name)
	}
	l.released()
}

func (l *Ledger) decWriteStore(j *Job) {
	if j.WriteStorage == nil {
		return
	}
	j.WriteStorage.jobs.dec("storage " + j.WriteStorage.Name)
}

func (l *Ledger) decClient(j *Job) {
	if j.Client == nil {
		return
	}
	j.Client.jobs.dec("client " + j.Client.Name)
}

// StorageJobs returns number of jobs using the storage.
func (l *Ledger) StorageJobs(s *Storage) int {
	return s.jobs.count()
}

// StorageReadJobs returns number of jobs reading from the storage.
func (l *Ledger) StorageReadJobs(s *Storage) int {
	s.jobs.Lock()
	defer s.jobs.Unlock()
	return s.numReadJobs
}

// ClientJobs returns number of jobs using the client.
func (l *Ledger) ClientJobs(c *Client) int {
	return c.jobs.count()
}

// JobDefJobs returns number of running jobs made from the definition.
func (l *Ledger) JobDefJobs(d *JobDef) int {
	return d.jobs.count()
}
