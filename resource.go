package stash

import (
	"fmt"
	"sync"
	"time"
)

// slot counts concurrent jobs of a resource.
// Limits live in the resource, so they can be read without the lock.
type slot struct {
	sync.Mutex
	n int
}

// tryInc increments the count if it is under max.
func (s *slot) tryInc(max int) bool {
	s.Lock()
	defer s.Unlock()
	if s.n >= max {
		return false
	}
	s.n++
	return true
}

// dec decrements the count. A negative count is a bug in the caller.
func (s *slot) dec(what string) {
	s.Lock()
	defer s.Unlock()
	s.n--
	if s.n < 0 {
		panic(fmt.Sprintf("%s: negative concurrent job count", what))
	}
}

func (s *slot) count() int {
	s.Lock()
	defer s.Unlock()
	return s.n
}

// Storage is a storage device jobs read from or write to.
type Storage struct {
	Name string

	// MaxConcurrentJobs limits jobs using the storage, for both reading and writing.
	MaxConcurrentJobs int

	// MaxConcurrentReadJobs limits jobs reading from the storage.
	// Zero means no limit other than MaxConcurrentJobs.
	MaxConcurrentReadJobs int

	// jobs.n counts all jobs using the storage.
	// numReadJobs counts the readers among them, guarded by jobs.
	jobs        slot
	numReadJobs int
}

// Client is a file daemon a job backs up or restores.
type Client struct {
	Name              string
	MaxConcurrentJobs int

	jobs slot
}

// JobDef is a job definition which jobs are made from.
// MaxConcurrentJobs limits how many jobs of the definition run at once.
type JobDef struct {
	Name  string
	Type  JobType
	Level JobLevel
	Pool  string

	Priority           int
	AllowMixedPriority bool
	MaxConcurrentJobs  int

	RescheduleOnError        bool
	RescheduleIncompleteJobs bool
	RescheduleInterval       time.Duration
	MaxRescheduleTimes       int

	Client       *Client
	ReadStorage  *Storage
	WriteStorage *Storage

	// Command is run by an exec engine for jobs of this definition.
	Command []string

	jobs slot
}
