package stash

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Director: DirectorConfig{
			MaxConcurrentJobs: 2,
			IdleTimeout:       50 * time.Millisecond,
			Backoff:           10 * time.Millisecond,
		},
		Storage: map[string]StorageConfig{
			"tape": {MaxConcurrentJobs: 1},
		},
		Client: map[string]ClientConfig{
			"web-fd": {MaxConcurrentJobs: 2},
		},
		Job: map[string]JobConfig{
			"web": {
				Type:         "backup",
				Level:        "incremental",
				Client:       "web-fd",
				WriteStorage: "tape",
				// two jobs of the definition can compete for the tape.
				MaxConcurrentJobs: 2,
			},
			"retry": {
				Type:              "backup",
				Level:             "full",
				RescheduleOnError: true,
				RescheduleTimes:   1,
			},
		},
	}
}

func newTestDirector(t *testing.T, engine Engine, opts ...DirectorOption) *Director {
	t.Helper()
	d, err := NewDirector(testConfig(), engine, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Close(ctx)
	})
	return d
}

func waitFinished(t *testing.T, d *Director, n int) []JobInfo {
	t.Helper()
	var infos []JobInfo
	require.Eventually(t, func() bool {
		infos = d.History()
		return len(infos) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return infos
}

func TestDirectorRunDef(t *testing.T) {
	engine := EngineFunc(func(ctx context.Context, j *Job) {
		j.AddBytesWritten(512)
		j.AddFiles(3)
		j.SetStatus(JobTerminated)
	})
	reg := prometheus.NewRegistry()
	d := newTestDirector(t, engine, WithRegisterer(reg))

	_, err := d.RunDef("missing", RunOverride{})
	assert.True(t, errors.Is(err, ErrUnknownJobDef))

	id, err := d.RunDef("web", RunOverride{Priority: ptr(3), Pool: "offsite"})
	require.NoError(t, err)
	assert.Equal(t, JobID(1), id)

	infos := waitFinished(t, d, 1)
	assert.Equal(t, id, infos[0].ID)
	assert.Equal(t, "terminated", infos[0].Status)
	assert.Equal(t, 3, infos[0].Priority)
	assert.Nil(t, d.Get(id))
	assert.Empty(t, d.Jobs())

	jobs, err := d.catalog.FindJobs(JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, JobTerminated, jobs[0].Status)
	assert.Equal(t, int64(512), jobs[0].Bytes)
	assert.Equal(t, int64(3), jobs[0].Files)
	assert.False(t, jobs[0].StartTime.IsZero())
	assert.False(t, jobs[0].EndTime.IsZero())

	assert.Equal(t, float64(1), testutil.ToFloat64(d.queue.metrics.finished.WithLabelValues("terminated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(d.queue.metrics.admitted))
}

func TestDirectorCancelWaiting(t *testing.T) {
	g := newGate()
	d := newTestDirector(t, g)

	first, err := d.RunDef("web", RunOverride{})
	require.NoError(t, err)
	second, err := d.RunDef("web", RunOverride{})
	require.NoError(t, err)
	firstName := d.Get(first).Name
	secondName := d.Get(second).Name

	assert.Equal(t, firstName, g.next(t))
	require.Eventually(t, func() bool {
		j := d.Get(second)
		return j != nil && j.Status() == JobWaitStoreRes
	}, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, d.Jobs(), 2)

	require.NoError(t, d.Cancel(second))
	// the canceled job runs to clean up, without the tape.
	assert.Equal(t, secondName, g.next(t))
	infos := waitFinished(t, d, 1)
	assert.Equal(t, second, infos[0].ID)
	assert.Equal(t, "canceled", infos[0].Status)

	g.release <- struct{}{}
	infos = waitFinished(t, d, 2)
	assert.Equal(t, first, infos[0].ID)
	assert.Equal(t, "terminated", infos[0].Status)

	err = d.Cancel(second)
	assert.True(t, errors.Is(err, ErrUnknownJob))
}

func TestDirectorRescheduleNewIdentity(t *testing.T) {
	engine := EngineFunc(func(ctx context.Context, j *Job) {
		if j.RescheduleCount == 0 {
			j.AddBytesWritten(1 << 10)
			j.SetStatus(JobFatalError)
			return
		}
		j.SetStatus(JobTerminated)
	})
	d := newTestDirector(t, engine)

	id, err := d.RunDef("retry", RunOverride{Level: ptr(LevelDifferential)})
	require.NoError(t, err)
	waitFinished(t, d, 2)

	jobs, err := d.catalog.FindJobs(JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, id, jobs[0].ID)
	assert.Equal(t, JobFatalError, jobs[0].Status)
	assert.Equal(t, 0, jobs[0].RescheduleCount)

	assert.NotEqual(t, id, jobs[1].ID)
	assert.Equal(t, JobTerminated, jobs[1].Status)
	assert.Equal(t, LevelDifferential, jobs[1].Level)
	assert.Equal(t, 1, jobs[1].RescheduleCount)
}

func TestDirectorScheduledRun(t *testing.T) {
	d := newTestDirector(t, EngineFunc(func(ctx context.Context, j *Job) {
		if ctx.Err() != nil {
			j.SetStatus(JobCanceled)
			return
		}
		j.SetStatus(JobTerminated)
	}))
	id, err := d.RunDef("web", RunOverride{When: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	j := d.Get(id)
	require.NotNil(t, j)
	require.Eventually(t, func() bool {
		return j.Status() == JobWaitStartTime
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, d.Queue().Stats().Waiting)

	require.NoError(t, d.Cancel(id))
	infos := waitFinished(t, d, 1)
	assert.Equal(t, "canceled", infos[0].Status)
}

func TestNewDirectorErrors(t *testing.T) {
	_, err := NewDirector(testConfig(), nil, nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Job["broken"] = JobConfig{Type: "backup", WriteStorage: "missing"}
	_, err = NewDirector(cfg, EngineFunc(func(ctx context.Context, j *Job) {}), nil)
	assert.Error(t, err)
}

// closingCatalog counts updates made after it is closed.
type closingCatalog struct {
	*MemCatalog
	closed atomic.Bool
	late   atomic.Int32
}

func (c *closingCatalog) UpdateJob(u JobUpdater) error {
	if c.closed.Load() {
		c.late.Add(1)
		return errors.New("catalog is closed")
	}
	return c.MemCatalog.UpdateJob(u)
}

func (c *closingCatalog) Close() error {
	c.closed.Store(true)
	return nil
}

func TestDirectorCloseScheduledJobs(t *testing.T) {
	c := &closingCatalog{MemCatalog: NewMemCatalog()}
	d, err := NewDirector(testConfig(), EngineFunc(func(ctx context.Context, j *Job) {
		j.SetStatus(JobTerminated)
	}), c)
	require.NoError(t, err)

	when := time.Now().Add(time.Hour)
	for i := 0; i < 10; i++ {
		_, err := d.RunDef("web", RunOverride{When: when})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.Equal(t, int32(0), c.late.Load())
	assert.Empty(t, d.Jobs())

	jobs, err := c.FindJobs(JobFilter{})
	require.NoError(t, err)
	require.Len(t, jobs, 10)
	for _, j := range jobs {
		assert.Equal(t, JobCanceled, j.Status)
		assert.False(t, j.EndTime.IsZero())
	}
}
