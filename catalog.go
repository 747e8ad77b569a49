package stash

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Catalog records jobs. Registering a job gives it an id.
type Catalog interface {
	CreateJob(*CatalogJob) (JobID, error)
	UpdateJob(JobUpdater) error
	FindJobs(JobFilter) ([]*CatalogJob, error)
	Close() error
}

// CatalogJob is a job record of a catalog.
type CatalogJob struct {
	ID              JobID
	Name            string
	Type            JobType
	Level           JobLevel
	Status          JobStatus
	Priority        int
	SchedTime       time.Time
	StartTime       time.Time
	EndTime         time.Time
	Bytes           int64
	Files           int64
	Errors          int
	RescheduleCount int
}

// JobUpdater has information for updating a catalog job.
// Nil fields are left as they are.
type JobUpdater struct {
	ID              JobID
	Status          *JobStatus
	StartTime       *time.Time
	EndTime         *time.Time
	Bytes           *int64
	Files           *int64
	Errors          *int
	RescheduleCount *int
}

// JobFilter is a job filter for searching catalog jobs.
// Zero values match every job.
type JobFilter struct {
	Name   string
	Status *JobStatus
}

// catalogRecord makes a catalog record of a job which isn't registered yet.
func catalogRecord(j *Job) *CatalogJob {
	return &CatalogJob{
		Name:            j.Name,
		Type:            j.Type,
		Level:           j.Level,
		Status:          j.Status(),
		Priority:        j.Priority,
		SchedTime:       j.ScheduledTime,
		RescheduleCount: j.RescheduleCount,
	}
}

// MemCatalog is a Catalog which keeps jobs in memory.
type MemCatalog struct {
	sync.Mutex
	nextID JobID
	job    map[JobID]*CatalogJob
}

// NewMemCatalog creates a new MemCatalog. Ids start from 1.
func NewMemCatalog() *MemCatalog {
	return &MemCatalog{
		nextID: 1,
		job:    make(map[JobID]*CatalogJob),
	}
}

// CreateJob adds a job and returns it's new id.
func (c *MemCatalog) CreateJob(j *CatalogJob) (JobID, error) {
	if j == nil {
		return 0, errors.New("nil job cannot be added")
	}
	c.Lock()
	defer c.Unlock()
	id := c.nextID
	c.nextID++
	rec := *j
	rec.ID = id
	c.job[id] = &rec
	return id, nil
}

// UpdateJob updates a job.
func (c *MemCatalog) UpdateJob(u JobUpdater) error {
	c.Lock()
	defer c.Unlock()
	j, ok := c.job[u.ID]
	if !ok {
		return errors.Errorf("cannot find the job: %v", u.ID)
	}
	if u.Status != nil {
		j.Status = *u.Status
	}
	if u.StartTime != nil {
		j.StartTime = *u.StartTime
	}
	if u.EndTime != nil {
		j.EndTime = *u.EndTime
	}
	if u.Bytes != nil {
		j.Bytes = *u.Bytes
	}
	if u.Files != nil {
		j.Files = *u.Files
	}
	if u.Errors != nil {
		j.Errors = *u.Errors
	}
	if u.RescheduleCount != nil {
		j.RescheduleCount = *u.RescheduleCount
	}
	return nil
}

// FindJobs finds jobs those matched with given filter, ordered by id.
func (c *MemCatalog) FindJobs(f JobFilter) ([]*CatalogJob, error) {
	c.Lock()
	defer c.Unlock()
	jobs := make([]*CatalogJob, 0)
	for _, j := range c.job {
		if f.Name != "" && f.Name != j.Name {
			continue
		}
		if f.Status != nil && *f.Status != j.Status {
			continue
		}
		rec := *j
		jobs = append(jobs, &rec)
	}
	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].ID < jobs[k].ID
	})
	return jobs, nil
}

// Close does nothing.
func (c *MemCatalog) Close() error {
	return nil
}
