package main

import (
	"strings"

	"github.com/imagvfx/stash"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// setDefaults sets defaults of director settings.
// Every key having a default can also be set from a STASH_ environment variable,
// like STASH_DIRECTOR_MAX_CONCURRENT_JOBS.
func setDefaults(v *viper.Viper) {
	v.SetDefault("director.max_concurrent_jobs", 1)
	v.SetDefault("director.idle_timeout", stash.DefaultIdleTimeout)
	v.SetDefault("director.backoff", stash.DefaultBackoff)
	v.SetDefault("director.delay_poll", stash.DefaultDelayPoll)
	v.SetDefault("director.history_size", 100)
	v.SetDefault("director.grpc_addr", "localhost:9101")
	v.SetDefault("director.http_addr", "localhost:9102")
	v.SetDefault("director.catalog", "stash.db")
	v.SetDefault("director.log_level", "info")
}

// loadConfig loads the director's config from path.
// When path is empty, it looks for stashd.toml in ./config and /etc/stash.
func loadConfig(path string) (stash.Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("stash")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("stashd")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/stash")
	}
	var cfg stash.Config
	if err := v.ReadInConfig(); err != nil {
		return cfg, errors.Wrap(err, "read config")
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}
