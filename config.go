package lockstep

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"lockstep/internal/channel"
	"lockstep/internal/sched"
	"lockstep/internal/telemetry"
	"lockstep/logging"
)

// Config is the file and environment facing configuration of a peer.
type Config struct {
	TickRate             int              `yaml:"tickRate" json:"tickRate" jsonschema:"minimum=1,default=10"`
	FrameRate            int              `yaml:"frameRate" json:"frameRate" jsonschema:"minimum=1,default=60"`
	MaxFrame             int              `yaml:"maxFrame" json:"maxFrame" jsonschema:"minimum=32,default=4096"`
	CatchUpBudget        logging.Duration `yaml:"catchUpBudget" json:"catchUpBudget" jsonschema:"type=string,description=Go duration string such as 250ms"`
	FrameBudget          logging.Duration `yaml:"frameBudget" json:"frameBudget" jsonschema:"type=string,description=Go duration string such as 250ms"`
	CatchUpThreshold     int              `yaml:"catchUpThreshold" json:"catchUpThreshold" jsonschema:"minimum=1,default=5"`
	TickSyncInterval     logging.Duration `yaml:"tickSyncInterval" json:"tickSyncInterval" jsonschema:"type=string,description=Go duration string such as 250ms"`
	RetryFloor           logging.Duration `yaml:"retryFloor" json:"retryFloor" jsonschema:"type=string,description=Go duration string such as 250ms"`
	RetryCap             logging.Duration `yaml:"retryCap" json:"retryCap" jsonschema:"type=string,description=Go duration string such as 250ms"`
	LateJoinerTimeout    logging.Duration `yaml:"lateJoinerTimeout" json:"lateJoinerTimeout" jsonschema:"type=string,description=Go duration string such as 250ms"`
	ElectionWindow       logging.Duration `yaml:"electionWindow" json:"electionWindow" jsonschema:"type=string,description=Go duration string such as 250ms"`
	ElectionRestartLimit int              `yaml:"electionRestartLimit" json:"electionRestartLimit" jsonschema:"minimum=1,default=3"`
	WorldName            string           `yaml:"worldName" json:"worldName"`
	DisplayName          string           `yaml:"displayName" json:"displayName"`
	Logging              logging.Config   `yaml:"logging" json:"logging"`
}

// DefaultConfig mirrors the scheduler defaults and renders at 60 frames per second.
func DefaultConfig() Config {
	def := sched.DefaultConfig()
	return Config{
		TickRate:             def.TickRate,
		FrameRate:            60,
		MaxFrame:             def.MaxFrame,
		CatchUpBudget:        logging.Duration(def.CatchUpBudget),
		FrameBudget:          logging.Duration(def.FrameBudget),
		CatchUpThreshold:     def.CatchUpThreshold,
		TickSyncInterval:     logging.Duration(def.TickSyncInterval),
		RetryFloor:           logging.Duration(def.Retry.Floor),
		RetryCap:             logging.Duration(def.Retry.Cap),
		LateJoinerTimeout:    logging.Duration(def.LateJoinerTimeout),
		ElectionWindow:       logging.Duration(def.ElectionWindow),
		ElectionRestartLimit: def.ElectionRestartLimit,
		WorldName:            def.WorldName,
		Logging:              logging.DefaultConfig(),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig. Keys missing from the file keep
// their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the scheduler cannot run with.
func (c Config) Validate() error {
	switch {
	case c.TickRate <= 0:
		return fmt.Errorf("tickRate must be positive, got %d", c.TickRate)
	case c.FrameRate <= 0:
		return fmt.Errorf("frameRate must be positive, got %d", c.FrameRate)
	case c.MaxFrame != 0 && c.MaxFrame < channel.MinFrameSize:
		return fmt.Errorf("maxFrame must be at least %d, got %d", channel.MinFrameSize, c.MaxFrame)
	case c.RetryFloor > 0 && c.RetryCap > 0 && c.RetryCap < c.RetryFloor:
		return fmt.Errorf("retryCap %s is below retryFloor %s", c.RetryCap, c.RetryFloor)
	}
	return nil
}

// ApplyEnv overrides fields from LOCKSTEP_* environment variables. Values that fail to
// parse are reported through logger and leave the field unchanged.
func (c *Config) ApplyEnv(logger telemetry.Logger) {
	c.applyEnv(os.Getenv, logger)
}

func (c *Config) applyEnv(getenv func(string) string, logger telemetry.Logger) {
	if logger == nil {
		logger = telemetry.Discard()
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"LOCKSTEP_TICK_RATE", &c.TickRate},
		{"LOCKSTEP_FRAME_RATE", &c.FrameRate},
		{"LOCKSTEP_MAX_FRAME", &c.MaxFrame},
		{"LOCKSTEP_CATCHUP_THRESHOLD", &c.CatchUpThreshold},
		{"LOCKSTEP_ELECTION_RESTART_LIMIT", &c.ElectionRestartLimit},
	}
	for _, o := range ints {
		raw := getenv(o.key)
		if raw == "" {
			continue
		}
		if value, err := strconv.Atoi(raw); err == nil {
			*o.dst = value
		} else {
			logger.Printf("invalid %s=%q: %v", o.key, raw, err)
		}
	}
	durations := []struct {
		key string
		dst *logging.Duration
	}{
		{"LOCKSTEP_CATCHUP_BUDGET", &c.CatchUpBudget},
		{"LOCKSTEP_FRAME_BUDGET", &c.FrameBudget},
		{"LOCKSTEP_TICK_SYNC_INTERVAL", &c.TickSyncInterval},
		{"LOCKSTEP_RETRY_FLOOR", &c.RetryFloor},
		{"LOCKSTEP_RETRY_CAP", &c.RetryCap},
		{"LOCKSTEP_LATE_JOINER_TIMEOUT", &c.LateJoinerTimeout},
		{"LOCKSTEP_ELECTION_WINDOW", &c.ElectionWindow},
	}
	for _, o := range durations {
		raw := getenv(o.key)
		if raw == "" {
			continue
		}
		if value, err := time.ParseDuration(raw); err == nil {
			*o.dst = logging.Duration(value)
		} else {
			logger.Printf("invalid %s=%q: %v", o.key, raw, err)
		}
	}
	if raw := getenv("LOCKSTEP_WORLD_NAME"); raw != "" {
		c.WorldName = raw
	}
	if raw := getenv("LOCKSTEP_DISPLAY_NAME"); raw != "" {
		c.DisplayName = raw
	}
	if raw := getenv("LOCKSTEP_LOG_SINKS"); raw != "" {
		var sinks []string
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				sinks = append(sinks, name)
			}
		}
		c.Logging.EnabledSinks = sinks
	}
}

func (c Config) scheduler() sched.Config {
	return sched.Config{
		TickRate:             c.TickRate,
		MaxFrame:             c.MaxFrame,
		CatchUpBudget:        c.CatchUpBudget.Std(),
		FrameBudget:          c.FrameBudget.Std(),
		CatchUpThreshold:     c.CatchUpThreshold,
		TickSyncInterval:     c.TickSyncInterval.Std(),
		Retry:                channel.RetryConfig{Floor: c.RetryFloor.Std(), Cap: c.RetryCap.Std()},
		LateJoinerTimeout:    c.LateJoinerTimeout.Std(),
		ElectionWindow:       c.ElectionWindow.Std(),
		ElectionRestartLimit: c.ElectionRestartLimit,
		WorldName:            c.WorldName,
		DisplayName:          c.DisplayName,
	}
}
