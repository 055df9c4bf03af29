package pgbridge

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pgbridge/pgbridge/elog"
	"github.com/pgbridge/pgbridge/gate"
)

// Config is the configuration for a Backend. It is created by ParseConfig and
// may be modified before use.
type Config struct {
	// RuntimePath locates the guest runtime's shared library.
	RuntimePath string

	// MinRuntimeVersion is a semver constraint the guest runtime's reported
	// version must satisfy, e.g. ">= 1.1".
	MinRuntimeVersion string

	// ThreadPolicy is "allow", "error", or "block". See gate.ParsePolicy.
	ThreadPolicy string

	// Enabled gates whether initialization proceeds past the enabled check.
	Enabled bool

	// Options is the finalized option list handed to the runtime at start.
	Options []string

	// ShutdownTimeout bounds how long backend exit waits for the runtime to
	// stop before abandoning it.
	ShutdownTimeout time.Duration

	Logger   Logger
	LogLevel LogLevel

	policy gate.Policy
}

const defaultShutdownTimeout = 5 * time.Second

// ParseConfig builds a Config from a keyword=value settings string, with
// environment variables supplying defaults:
//
//	PGBRIDGE_RUNTIME_PATH    runtime_path
//	PGBRIDGE_THREAD_POLICY   thread_policy
//	PGBRIDGE_ENABLED         enabled
//
// An empty settings string is valid.
func ParseConfig(settings string) (*Config, error) {
	config := &Config{
		ThreadPolicy:    "allow",
		Enabled:         true,
		ShutdownTimeout: defaultShutdownTimeout,
		LogLevel:        LogLevelInfo,
	}

	if v := os.Getenv("PGBRIDGE_RUNTIME_PATH"); v != "" {
		config.RuntimePath = v
	}
	if v := os.Getenv("PGBRIDGE_THREAD_POLICY"); v != "" {
		config.ThreadPolicy = v
	}
	if v := os.Getenv("PGBRIDGE_ENABLED"); v != "" {
		config.Enabled = v == "on" || v == "true" || v == "1"
	}

	for _, field := range strings.Fields(settings) {
		key, value, found := strings.Cut(field, "=")
		if !found {
			return nil, fmt.Errorf("invalid settings entry %q", field)
		}
		switch key {
		case "runtime_path":
			config.RuntimePath = value
		case "min_runtime_version":
			config.MinRuntimeVersion = value
		case "thread_policy":
			config.ThreadPolicy = value
		case "enabled":
			config.Enabled = value == "on" || value == "true" || value == "1"
		case "shutdown_timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return nil, fmt.Errorf("invalid shutdown_timeout %q: %w", value, err)
			}
			config.ShutdownTimeout = d
		case "log_level":
			ll, err := LogLevelFromString(value)
			if err != nil {
				return nil, fmt.Errorf("invalid log_level %q: %w", value, err)
			}
			config.LogLevel = ll
		default:
			return nil, fmt.Errorf("unknown setting %q", key)
		}
	}

	policy, err := gate.ParsePolicy(config.ThreadPolicy)
	if err != nil {
		return nil, err
	}
	config.policy = policy

	return config, nil
}

// Validate checks the parts of the configuration that are only needed once
// initialization proceeds past option registration.
func (c *Config) Validate() error {
	if _, err := gate.ParsePolicy(c.ThreadPolicy); err != nil {
		return err
	}
	if c.ShutdownTimeout <= 0 {
		return &elog.ServerError{Data: elog.New(elog.ConfigFileErrorCode,
			"shutdown_timeout must be positive")}
	}
	return nil
}
