package stash

import "context"

// Engine runs a job.
//
// Run is called from any worker without the queue lock, and may take hours.
// It should leave a terminal status in the job before it returns,
// and return soon after ctx is canceled, which happens when the job is canceled.
// JobFromContext(ctx) returns the job.
type Engine interface {
	Run(ctx context.Context, j *Job)
}

// EngineFunc is an adapter to use an ordinary function as an Engine.
type EngineFunc func(ctx context.Context, j *Job)

// Run calls f(ctx, j).
func (f EngineFunc) Run(ctx context.Context, j *Job) {
	f(ctx, j)
}

// Runner is the full run path of a new job.
// It registers the job so it gets an id, then submits it to the queue.
// Run takes over the caller's reference of the job, but only on success.
type Runner interface {
	Run(j *Job) (JobID, error)
}
