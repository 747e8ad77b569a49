// Package engine has engines which do the actual work of stash jobs.
package engine

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/imagvfx/stash"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const waitDelay = 5 * time.Second

// Exec is a stash.Engine which runs the command of a job's definition.
//
// The command reports it's progress by printing lines to stdout.
//
//	JobBytes=<n>        n more bytes are written to storage
//	JobFiles=<n>        n more files are handled
//	JobStatus=incomplete
//
// Other lines are logged. A non-zero exit status fails the job.
type Exec struct {
	// Env is added to the environment of every command.
	Env []string
}

// Run runs the job's command. Canceling ctx kills the command.
func (e *Exec) Run(ctx context.Context, j *stash.Job) {
	logger := log.WithFields(log.Fields{
		"job":   j.Name,
		"jobid": j.ID(),
	})
	if ctx.Err() != nil {
		j.SetStatus(stash.JobCanceled)
		return
	}
	if j.Def == nil || len(j.Def.Command) == 0 {
		logger.Error("job doesn't have a command to run")
		j.AddError()
		j.SetStatus(stash.JobFatalError)
		return
	}
	incomplete, err := e.run(ctx, logger, j)
	switch {
	case ctx.Err() != nil:
		j.SetStatus(stash.JobCanceled)
	case err != nil:
		logger.WithError(err).Warn("job command failed")
		j.AddError()
		j.SetStatus(stash.JobErrorTerminated)
	case incomplete:
		j.SetStatus(stash.JobIncomplete)
	default:
		j.SetStatus(stash.JobTerminated)
	}
}

func (e *Exec) run(ctx context.Context, logger *log.Entry, j *stash.Job) (incomplete bool, err error) {
	args := j.Def.Command
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.Env = append(cmd.Env, jobEnv(j)...)
	// children of a killed command could keep the output open.
	cmd.WaitDelay = waitDelay
	stderr := logger.WriterLevel(log.WarnLevel)
	defer stderr.Close()
	cmd.Stderr = stderr
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	reported := make(chan bool)
	go func() {
		incomplete := false
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			if parseReport(j, sc.Text()) {
				incomplete = true
			}
		}
		if err := sc.Err(); err != nil {
			logger.WithError(err).Warn("couldn't read command output")
		}
		io.Copy(io.Discard, pr)
		reported <- incomplete
	}()
	err = cmd.Run()
	pw.Close()
	incomplete = <-reported
	if err != nil {
		return incomplete, errors.Wrapf(err, "run %s", args[0])
	}
	return incomplete, nil
}

// jobEnv returns environment variables describing the job to it's command.
func jobEnv(j *stash.Job) []string {
	return []string{
		"STASH_JOB=" + j.Name,
		"STASH_JOBID=" + strconv.FormatInt(int64(j.ID()), 10),
		"STASH_TYPE=" + j.Type.String(),
		"STASH_LEVEL=" + j.Level.String(),
		"STASH_POOL=" + j.Pool,
	}
}

// parseReport applies a report line of a command to the job.
// It returns true when the command reported that the job is incomplete.
func parseReport(j *stash.Job, line string) bool {
	k, v, ok := strings.Cut(strings.TrimSpace(line), "=")
	if !ok {
		log.WithField("job", j.Name).Info(line)
		return false
	}
	switch k {
	case "JobBytes":
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.WithField("job", j.Name).Warnf("invalid JobBytes: %q", v)
			return false
		}
		j.AddBytesWritten(n)
	case "JobFiles":
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			log.WithField("job", j.Name).Warnf("invalid JobFiles: %q", v)
			return false
		}
		j.AddFiles(n)
	case "JobStatus":
		return v == "incomplete"
	default:
		log.WithField("job", j.Name).Info(line)
	}
	return false
}
