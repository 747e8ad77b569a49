package stash

import (
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Config is the configuration of a director.
// It is usually decoded from a config file by viper.
type Config struct {
	Director DirectorConfig           `mapstructure:"director"`
	Storage  map[string]StorageConfig `mapstructure:"storage"`
	Client   map[string]ClientConfig  `mapstructure:"client"`
	Job      map[string]JobConfig     `mapstructure:"job"`
}

// DirectorConfig configures the director itself.
type DirectorConfig struct {
	// MaxConcurrentJobs limits jobs running at once. It is the size of the worker pool.
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	Backoff           time.Duration `mapstructure:"backoff"`
	DelayPoll         time.Duration `mapstructure:"delay_poll"`

	// HistorySize is number of finished jobs the director remembers.
	HistorySize int `mapstructure:"history_size"`

	GRPCAddr string `mapstructure:"grpc_addr"`
	HTTPAddr string `mapstructure:"http_addr"`
	Catalog  string `mapstructure:"catalog"`
	LogLevel string `mapstructure:"log_level"`
}

// StorageConfig configures a storage.
type StorageConfig struct {
	MaxConcurrentJobs     int `mapstructure:"max_concurrent_jobs"`
	MaxConcurrentReadJobs int `mapstructure:"max_concurrent_read_jobs"`
}

// ClientConfig configures a client.
type ClientConfig struct {
	MaxConcurrentJobs int `mapstructure:"max_concurrent_jobs"`
}

// JobConfig configures a job definition.
type JobConfig struct {
	Type                     string        `mapstructure:"type"`
	Level                    string        `mapstructure:"level"`
	Pool                     string        `mapstructure:"pool"`
	Client                   string        `mapstructure:"client"`
	ReadStorage              string        `mapstructure:"read_storage"`
	WriteStorage             string        `mapstructure:"write_storage"`
	Priority                 int           `mapstructure:"priority"`
	AllowMixedPriority       bool          `mapstructure:"allow_mixed_priority"`
	MaxConcurrentJobs        int           `mapstructure:"max_concurrent_jobs"`
	RescheduleOnError        bool          `mapstructure:"reschedule_on_error"`
	RescheduleIncompleteJobs bool          `mapstructure:"reschedule_incomplete_jobs"`
	RescheduleInterval       time.Duration `mapstructure:"reschedule_interval"`
	RescheduleTimes          int           `mapstructure:"reschedule_times"`
	Command                  []string      `mapstructure:"command"`
}

const (
	defaultPriority          = 10
	defaultMaxConcurrentJobs = 1
	defaultHistorySize       = 100
)

// QueueConfig returns configuration of the director's job queue.
func (c DirectorConfig) QueueConfig() QueueConfig {
	return QueueConfig{
		MaxWorkers:  c.MaxConcurrentJobs,
		IdleTimeout: c.IdleTimeout,
		Backoff:     c.Backoff,
		DelayPoll:   c.DelayPoll,
	}
}

// orDefault returns v, or def when v isn't set.
func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// JobDefs creates job definitions and the resources they refer to.
// All the problems found are returned together.
func (c Config) JobDefs() (map[string]*JobDef, error) {
	storages := make(map[string]*Storage)
	for name, sc := range c.Storage {
		storages[name] = &Storage{
			Name:                  name,
			MaxConcurrentJobs:     orDefault(sc.MaxConcurrentJobs, defaultMaxConcurrentJobs),
			MaxConcurrentReadJobs: sc.MaxConcurrentReadJobs,
		}
	}
	clients := make(map[string]*Client)
	for name, cc := range c.Client {
		clients[name] = &Client{
			Name:              name,
			MaxConcurrentJobs: orDefault(cc.MaxConcurrentJobs, defaultMaxConcurrentJobs),
		}
	}

	var errs error
	names := make([]string, 0, len(c.Job))
	for name := range c.Job {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make(map[string]*JobDef)
	for _, name := range names {
		jc := c.Job[name]
		typ, err := ParseJobType(jc.Type)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "job %s", name))
			continue
		}
		level, err := ParseJobLevel(jc.Level)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "job %s", name))
			continue
		}
		d := &JobDef{
			Name:                     name,
			Type:                     typ,
			Level:                    level,
			Pool:                     jc.Pool,
			Priority:                 jc.Priority,
			AllowMixedPriority:       jc.AllowMixedPriority,
			MaxConcurrentJobs:        orDefault(jc.MaxConcurrentJobs, defaultMaxConcurrentJobs),
			RescheduleOnError:        jc.RescheduleOnError,
			RescheduleIncompleteJobs: jc.RescheduleIncompleteJobs,
			RescheduleInterval:       jc.RescheduleInterval,
			MaxRescheduleTimes:       jc.RescheduleTimes,
			Command:                  jc.Command,
		}
		if d.Priority == 0 {
			d.Priority = defaultPriority
		}
		if jc.Client != "" {
			d.Client = clients[jc.Client]
			if d.Client == nil {
				errs = multierror.Append(errs, errors.Errorf("job %s: unknown client %q", name, jc.Client))
			}
		}
		if jc.ReadStorage != "" {
			d.ReadStorage = storages[jc.ReadStorage]
			if d.ReadStorage == nil {
				errs = multierror.Append(errs, errors.Errorf("job %s: unknown read storage %q", name, jc.ReadStorage))
			}
		}
		if jc.WriteStorage != "" {
			d.WriteStorage = storages[jc.WriteStorage]
			if d.WriteStorage == nil {
				errs = multierror.Append(errs, errors.Errorf("job %s: unknown write storage %q", name, jc.WriteStorage))
			}
		}
		defs[name] = d
	}
	if errs != nil {
		return nil, errs
	}
	return defs, nil
}
