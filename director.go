package stash

import (
	"context"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"
)

var (
	// ErrUnknownJob is returned when a job id isn't known to the director.
	ErrUnknownJob = errors.New("unknown job")

	// ErrUnknownJobDef is returned when a job definition isn't configured.
	ErrUnknownJobDef = errors.New("unknown job definition")
)

type directorOptions struct {
	clock      clock.Clock
	registerer prometheus.Registerer
}

// DirectorOption customizes a Director.
type DirectorOption func(o *directorOptions)

// WithDirectorClock sets the clock of the director and it's queue.
func WithDirectorClock(c clock.Clock) DirectorOption {
	return func(o *directorOptions) {
		o.clock = c
	}
}

// WithRegisterer registers the director's metrics to reg.
func WithRegisterer(reg prometheus.Registerer) DirectorOption {
	return func(o *directorOptions) {
		o.registerer = reg
	}
}

// Director runs jobs. It registers them to a catalog, queues them,
// and keeps track of them until they are finished.
type Director struct {
	sync.Mutex

	catalog Catalog
	engine  Engine
	ledger  *Ledger
	queue   *JobQueue
	clock   clock.Clock
	log     *log.Entry

	// defs are read-only after the director is created.
	defs map[string]*JobDef

	// job has jobs which are not finished yet.
	// history has snapshots of finished jobs.
	job     map[JobID]*Job
	history *lru.Cache
}

// NewDirector creates a new Director.
// It uses an in-memory catalog when catalog is nil.
func NewDirector(cfg Config, engine Engine, catalog Catalog, opts ...DirectorOption) (*Director, error) {
	if engine == nil {
		return nil, errors.New("director needs an engine")
	}
	o := &directorOptions{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(o)
	}
	defs, err := cfg.JobDefs()
	if err != nil {
		return nil, errors.Wrap(err, "invalid job definitions")
	}
	history, err := lru.New(orDefault(cfg.Director.HistorySize, defaultHistorySize))
	if err != nil {
		return nil, errors.Wrap(err, "create job history")
	}
	if catalog == nil {
		catalog = NewMemCatalog()
	}
	d := &Director{
		catalog: catalog,
		engine:  engine,
		ledger:  NewLedger(),
		clock:   o.clock,
		log:     log.WithField("component", "director"),
		defs:    defs,
		job:     make(map[JobID]*Job),
		history: history,
	}
	d.queue = NewJobQueue(
		cfg.Director.QueueConfig(),
		EngineFunc(d.runJob),
		d.ledger,
		WithClock(o.clock),
		WithRunner(d),
		WithMetrics(NewMetrics(o.registerer)),
	)
	return d, nil
}

// Queue returns the director's job queue.
func (d *Director) Queue() *JobQueue {
	return d.queue
}

// Ledger returns the director's resource ledger.
func (d *Director) Ledger() *Ledger {
	return d.ledger
}

// JobDef returns a job definition by it's name.
func (d *Director) JobDef(name string) *JobDef {
	return d.defs[name]
}

// RunOverride overrides a job definition for a single run.
type RunOverride struct {
	Priority *int
	Level    *JobLevel
	Pool     string

	// When is the start time of the job. The zero time means now.
	When time.Time
}

// RunDef creates a job from a job definition and runs it.
func (d *Director) RunDef(name string, o RunOverride) (JobID, error) {
	def := d.defs[name]
	if def == nil {
		return 0, errors.Wrapf(ErrUnknownJobDef, "%q", name)
	}
	j := NewJob(def)
	if o.Priority != nil {
		j.Priority = *o.Priority
	}
	if o.Level != nil {
		j.Level = *o.Level
	}
	if o.Pool != "" {
		j.Pool = o.Pool
	}
	j.ScheduledTime = o.When
	id, err := d.Run(j)
	if err != nil {
		j.DecRef()
		return 0, err
	}
	return id, nil
}

// Run registers a new job to the catalog, so it has an id, then submits it to the queue.
// Run takes over the caller's reference of the job when it succeeds.
func (d *Director) Run(j *Job) (JobID, error) {
	if j.ID() != 0 {
		return 0, errors.Errorf("job %v is already registered", j)
	}
	id, err := d.catalog.CreateJob(catalogRecord(j))
	if err != nil {
		return 0, errors.Wrapf(err, "register job %v", j.Name)
	}
	j.setID(id)
	j.free = d.forget

	d.Lock()
	d.job[id] = j
	d.Unlock()

	err = d.queue.Submit(j)
	if err != nil {
		j.free = nil
		d.Lock()
		delete(d.job, id)
		d.Unlock()
		if uerr := d.catalog.UpdateJob(JobUpdater{ID: id, Status: ptr(JobCanceled)}); uerr != nil {
			d.log.WithError(uerr).WithField("jobid", id).Warn("couldn't update catalog")
		}
		return 0, errors.Wrapf(err, "submit job %v", j)
	}
	d.log.WithFields(log.Fields{
		"job":      j.Name,
		"jobid":    id,
		"priority": j.Priority,
	}).Info("job submitted")
	return id, nil
}

// runJob records the job's start, then runs it with the engine.
func (d *Director) runJob(ctx context.Context, j *Job) {
	now := d.clock.Now()
	err := d.catalog.UpdateJob(JobUpdater{
		ID:              j.ID(),
		Status:          ptr(JobRunning),
		StartTime:       &now,
		RescheduleCount: ptr(j.RescheduleCount),
	})
	if err != nil {
		d.log.WithError(err).WithField("jobid", j.ID()).Warn("couldn't update catalog")
	}
	d.engine.Run(ctx, j)
}

// forget is called when the last reference of a job is released.
// It writes the job's result to the catalog, and moves the job to the history.
func (d *Director) forget(j *Job) {
	id := j.ID()
	end := d.clock.Now()
	err := d.catalog.UpdateJob(JobUpdater{
		ID:              id,
		Status:          ptr(j.Status()),
		EndTime:         &end,
		Bytes:           ptr(j.BytesWritten()),
		Files:           ptr(j.Files()),
		Errors:          ptr(j.Errors()),
		RescheduleCount: ptr(j.RescheduleCount),
	})
	if err != nil {
		d.log.WithError(err).WithField("jobid", id).Warn("couldn't update catalog")
	}
	d.Lock()
	defer d.Unlock()
	delete(d.job, id)
	d.history.Add(id, j.Info())
}

// Cancel cancels a job.
// A waiting job is moved to run right away, so it finishes without waiting for resources.
func (d *Director) Cancel(id JobID) error {
	j := d.Get(id)
	if j == nil {
		return errors.Wrapf(ErrUnknownJob, "%v", id)
	}
	j.Cancel()
	err := d.queue.Remove(j)
	if err != nil && !errors.Is(err, ErrNotWaiting) {
		return err
	}
	d.log.WithField("jobid", id).Info("job canceled")
	return nil
}

// Get returns an unfinished job by it's id.
// It returns nil if there isn't such a job.
func (d *Director) Get(id JobID) *Job {
	d.Lock()
	defer d.Unlock()
	return d.job[id]
}

// Jobs returns unfinished jobs ordered by their id.
func (d *Director) Jobs() []JobInfo {
	d.Lock()
	jobs := make([]*Job, 0, len(d.job))
	for _, j := range d.job {
		jobs = append(jobs, j)
	}
	d.Unlock()
	infos := make([]JobInfo, 0, len(jobs))
	for _, j := range jobs {
		infos = append(infos, j.Info())
	}
	sort.Slice(infos, func(i, k int) bool {
		return infos[i].ID < infos[k].ID
	})
	return infos
}

// History returns recently finished jobs, the latest first.
func (d *Director) History() []JobInfo {
	keys := d.history.Keys()
	infos := make([]JobInfo, 0, len(keys))
	for i := len(keys) - 1; i >= 0; i-- {
		v, ok := d.history.Peek(keys[i])
		if !ok {
			continue
		}
		infos = append(infos, v.(JobInfo))
	}
	return infos
}

// Close shuts down the queue and closes the catalog.
func (d *Director) Close(ctx context.Context) error {
	var errs error
	if err := d.queue.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := d.catalog.Close(); err != nil {
		errs = multierror.Append(errs, errors.Wrap(err, "close catalog"))
	}
	return errs
}
