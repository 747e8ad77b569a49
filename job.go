package stash

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/xid"
)

// JobID is the catalog id of a job.
// It is 0 until the job is registered to a catalog.
type JobID int64

// JobType is the kind of work a job does.
type JobType int

const (
	JobBackup = JobType(iota)
	JobRestore
	JobVerify
	JobAdmin
	JobCopy
	JobMigrate
)

var jobTypeNames = map[JobType]string{
	JobBackup:  "backup",
	JobRestore: "restore",
	JobVerify:  "verify",
	JobAdmin:   "admin",
	JobCopy:    "copy",
	JobMigrate: "migrate",
}

// String represents JobType as string.
func (t JobType) String() string {
	return jobTypeNames[t]
}

// ParseJobType parses a JobType from it's name.
func ParseJobType(s string) (JobType, error) {
	for t, name := range jobTypeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, errors.Errorf("unknown job type: %q", s)
}

// JobLevel is a backup level.
type JobLevel int

const (
	LevelNone = JobLevel(iota)
	LevelFull
	LevelIncremental
	LevelDifferential
	LevelBase
)

var jobLevelNames = map[JobLevel]string{
	LevelNone:         "",
	LevelFull:         "full",
	LevelIncremental:  "incremental",
	LevelDifferential: "differential",
	LevelBase:         "base",
}

// String represents JobLevel as string.
func (l JobLevel) String() string {
	return jobLevelNames[l]
}

// ParseJobLevel parses a JobLevel from it's name.
// An empty string is LevelNone.
func ParseJobLevel(s string) (JobLevel, error) {
	for l, name := range jobLevelNames {
		if name == s {
			return l, nil
		}
	}
	return 0, errors.Errorf("unknown job level: %q", s)
}

// JobStatus is a job status.
// The Wait statuses are advisory. They tell why a job isn't running yet.
type JobStatus int

const (
	JobCreated = JobStatus(iota)
	JobRunning
	JobTerminated
	JobIncomplete
	JobErrorTerminated
	JobFatalError
	JobCanceled
	JobWaitStartTime
	JobWaitPriority
	JobWaitStoreRes
	JobWaitClientRes
	JobWaitJobRes
)

var jobStatusNames = map[JobStatus]string{
	JobCreated:         "created",
	JobRunning:         "running",
	JobTerminated:      "terminated",
	JobIncomplete:      "incomplete",
	JobErrorTerminated: "error",
	JobFatalError:      "fatal",
	JobCanceled:        "canceled",
	JobWaitStartTime:   "wait start time",
	JobWaitPriority:    "wait priority",
	JobWaitStoreRes:    "wait storage",
	JobWaitClientRes:   "wait client",
	JobWaitJobRes:      "wait job",
}

// String represents JobStatus as string.
func (s JobStatus) String() string {
	return jobStatusNames[s]
}

// IsTerminal reports whether the status is one an engine leaves a finished job in.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobTerminated, JobIncomplete, JobErrorTerminated, JobFatalError, JobCanceled:
		return true
	}
	return false
}

// Job is a unit of work, a director runs when it's resources are free.
//
// Scheduling attributes are plain fields. They are copied from the job's
// definition and should not be changed after the job is submitted.
// Runtime state is guarded by the job's own lock, since an engine,
// the queue and operators look at it concurrently.
type Job struct {
	// Name is the unique name of the job.
	Name string

	// Def is the definition the job was made from.
	// The definition also holds the per definition concurrency slot.
	Def *JobDef

	Type  JobType
	Level JobLevel

	// Pool overrides the definition's pool when not empty.
	Pool string

	// Priority orders jobs in the queue.
	// Lower values run earlier.
	Priority int

	// ScheduledTime is when the job should start.
	// The zero time means right away.
	ScheduledTime time.Time

	// AllowMixedPriority lets the job run together with running jobs
	// having different priority, when all of those allow it too.
	AllowMixedPriority bool

	RescheduleOnError        bool
	RescheduleIncompleteJobs bool
	RescheduleInterval       time.Duration

	// MaxRescheduleTimes limits how many times the job is rescheduled.
	// Zero means unlimited.
	MaxRescheduleTimes int
	RescheduleCount    int

	ReadStorage  *Storage
	WriteStorage *Storage
	Client       *Client

	// refs is the reference count of the job.
	// free is called once when it drops to zero.
	refs atomic.Int32
	free func(*Job)

	mu            sync.Mutex
	id            JobID
	status        JobStatus
	canceled      bool
	canceledCh    chan struct{}
	acquiredLocks bool
	bytesWritten  int64
	files         int64
	errors        int
	startTime     time.Time

	// cancelRun interrupts the engine running the job.
	// It is only set while the job is killable.
	cancelRun context.CancelFunc

	// initialSchedTime is the scheduled time before any reschedule.
	initialSchedTime time.Time
}

// NewJob creates a new job from a job definition.
// The returned job holds a reference, that belongs to the caller.
func NewJob(def *JobDef) *Job {
	j := &Job{
		Name:       "job." + xid.New().String(),
		canceledCh: make(chan struct{}),
	}
	j.refs.Store(1)
	if def == nil {
		return j
	}
	j.Name = def.Name + "." + xid.New().String()
	j.Def = def
	j.Type = def.Type
	j.Level = def.Level
	j.Pool = def.Pool
	j.Priority = def.Priority
	j.AllowMixedPriority = def.AllowMixedPriority
	j.RescheduleOnError = def.RescheduleOnError
	j.RescheduleIncompleteJobs = def.RescheduleIncompleteJobs
	j.RescheduleInterval = def.RescheduleInterval
	j.MaxRescheduleTimes = def.MaxRescheduleTimes
	j.ReadStorage = def.ReadStorage
	j.WriteStorage = def.WriteStorage
	j.Client = def.Client
	return j
}

// String returns the job's name with it's id.
func (j *Job) String() string {
	return fmt.Sprintf("%s(%d)", j.Name, j.ID())
}

// ID returns the job's catalog id.
func (j *Job) ID() JobID {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.id
}

func (j *Job) setID(id JobID) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.id = id
}

// Status returns the job's current status.
func (j *Job) Status() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// SetStatus sets the job's status.
// Engines should set a terminal status before they return.
func (j *Job) SetStatus(s JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = s
}

// setWaitStatus sets an advisory status, unless the job is canceled.
func (j *Job) setWaitStatus(s JobStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.canceled {
		return
	}
	j.status = s
}

// Cancel cancels the job.
// A waiting job will skip the rest of it's wait,
// and a running job's engine context is canceled.
func (j *Job) Cancel() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.canceled {
		return
	}
	j.canceled = true
	j.status = JobCanceled
	close(j.canceledCh)
	if j.cancelRun != nil {
		j.cancelRun()
	}
}

// IsCanceled reports whether the job is canceled
// or already failed in a way it shouldn't do more work.
func (j *Job) IsCanceled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.canceled {
		return true
	}
	return j.status == JobCanceled || j.status == JobErrorTerminated || j.status == JobFatalError
}

// cancelRequested reports whether Cancel was called,
// regardless of the status an engine left.
func (j *Job) cancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.canceled
}

// IsCanceled is the cancellation predicate consulted by the scheduler.
func IsCanceled(j *Job) bool {
	return j.IsCanceled()
}

// canceledC returns a channel closed when the job is canceled.
func (j *Job) canceledC() <-chan struct{} {
	return j.canceledCh
}

// BytesWritten returns how many bytes the job wrote to storage under it's id.
func (j *Job) BytesWritten() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.bytesWritten
}

// AddBytesWritten adds n to the job's written bytes.
func (j *Job) AddBytesWritten(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.bytesWritten += n
}

// Files returns number of files the job handled.
func (j *Job) Files() int64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.files
}

// AddFiles adds n to the job's file count.
func (j *Job) AddFiles(n int64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.files += n
}

// Errors returns number of errors the job met.
func (j *Job) Errors() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.errors
}

// AddError counts an error of the job.
func (j *Job) AddError() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.errors++
}

func (j *Job) hasAcquiredLocks() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.acquiredLocks
}

func (j *Job) setAcquiredLocks(v bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.acquiredLocks = v
}

// takeAcquiredLocks clears acquiredLocks and returns it's previous value.
func (j *Job) takeAcquiredLocks() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	v := j.acquiredLocks
	j.acquiredLocks = false
	return v
}

// IncRef takes a reference of the job.
func (j *Job) IncRef() {
	j.refs.Add(1)
}

// DecRef releases a reference of the job.
// It returns true when it was the last reference.
func (j *Job) DecRef() bool {
	n := j.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("job %v: negative reference count", j.Name))
	}
	if n > 0 {
		return false
	}
	if j.free != nil {
		j.free(j)
	}
	return true
}

// Refs returns the job's current reference count.
func (j *Job) Refs() int {
	return int(j.refs.Load())
}

// arm makes the job killable while an engine runs it.
// The returned context carries the job, and is canceled when the job is canceled.
// disarm should be called after the engine returns.
func (j *Job) arm(parent context.Context, now time.Time) (ctx context.Context, disarm func()) {
	ctx, cancel := context.WithCancel(ContextWithJob(parent, j))
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.canceled {
		cancel()
	}
	j.cancelRun = cancel
	j.startTime = now
	return ctx, func() {
		j.mu.Lock()
		j.cancelRun = nil
		j.mu.Unlock()
		cancel()
	}
}

// resetForRerun prepares the job to run again with the same identity.
func (j *Job) resetForRerun(count int, at time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.initialSchedTime.IsZero() {
		j.initialSchedTime = j.ScheduledTime
	}
	j.RescheduleCount = count
	j.ScheduledTime = at
	j.status = JobWaitStartTime
	j.errors = 0
	j.files = 0
	j.bytesWritten = 0
	j.startTime = time.Time{}
}

// cloneForRerun creates a job that runs the same work under a fresh identity.
// The clone isn't registered yet, so it's id is 0.
func (j *Job) cloneForRerun(count int, at time.Time) *Job {
	n := NewJob(j.Def)
	n.Type = j.Type
	n.Level = j.Level
	n.Pool = j.Pool
	n.Priority = j.Priority
	n.AllowMixedPriority = j.AllowMixedPriority
	n.RescheduleOnError = j.RescheduleOnError
	n.RescheduleIncompleteJobs = j.RescheduleIncompleteJobs
	n.RescheduleInterval = j.RescheduleInterval
	n.MaxRescheduleTimes = j.MaxRescheduleTimes
	n.RescheduleCount = count
	n.ScheduledTime = at
	n.initialSchedTime = j.initialSchedTime
	if n.initialSchedTime.IsZero() {
		n.initialSchedTime = j.ScheduledTime
	}
	n.ReadStorage = j.ReadStorage
	n.WriteStorage = j.WriteStorage
	n.Client = j.Client
	n.status = JobWaitStartTime
	return n
}

// JobInfo is a snapshot of a job for listings.
type JobInfo struct {
	ID              JobID     `json:"id"`
	Name            string    `json:"name"`
	Type            string    `json:"type"`
	Level           string    `json:"level,omitempty"`
	Status          string    `json:"status"`
	Priority        int       `json:"priority"`
	ScheduledTime   time.Time `json:"scheduled_time,omitempty"`
	StartTime       time.Time `json:"start_time,omitempty"`
	RescheduleCount int       `json:"reschedule_count"`
	BytesWritten    int64     `json:"bytes_written"`
	Files           int64     `json:"files"`
	Errors          int       `json:"errors"`
}

// Info takes a snapshot of the job.
func (j *Job) Info() JobInfo {
	j.mu.Lock()
	defer j.mu.Unlock()
	return JobInfo{
		ID:              j.id,
		Name:            j.Name,
		Type:            j.Type.String(),
		Level:           j.Level.String(),
		Status:          j.status.String(),
		Priority:        j.Priority,
		ScheduledTime:   j.ScheduledTime,
		StartTime:       j.startTime,
		RescheduleCount: j.RescheduleCount,
		BytesWritten:    j.bytesWritten,
		Files:           j.files,
		Errors:          j.errors,
	}
}

type jobContextKey struct{}

// ContextWithJob returns a context carrying the job.
func ContextWithJob(ctx context.Context, j *Job) context.Context {
	return context.WithValue(ctx, jobContextKey{}, j)
}

// JobFromContext returns the job an engine is running with ctx.
// It returns nil if ctx doesn't carry a job.
func JobFromContext(ctx context.Context) *Job {
	j, _ := ctx.Value(jobContextKey{}).(*Job)
	return j
}
