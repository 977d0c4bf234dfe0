package logging

import (
	"slices"
	"time"
)

// Sink names understood by the relay and peer processes.
const (
	SinkConsole = "console"
	SinkJSON    = "json"
	SinkMemory  = "memory"
)

// Config selects sinks and tunes the router.
type Config struct {
	EnabledSinks []string `yaml:"enabledSinks" json:"enabledSinks"`
	// BufferSize bounds the router inbox. Events published while it is full are dropped.
	BufferSize      int            `yaml:"bufferSize" json:"bufferSize"`
	MinimumSeverity Severity       `yaml:"minimumSeverity" json:"minimumSeverity" jsonschema:"type=string,enum=debug,enum=info,enum=warn,enum=error"`
	Fields          map[string]any `yaml:"fields" json:"fields,omitempty"`
	JSON            JSONConfig     `yaml:"json" json:"json"`
	Console         ConsoleConfig  `yaml:"console" json:"console"`
	// DropWarnInterval rate-limits the fallback warning about dropped events.
	DropWarnInterval Duration `yaml:"dropWarnInterval" json:"dropWarnInterval" jsonschema:"type=string,description=Go duration string such as 5s"`
}

type JSONConfig struct {
	// FilePath appends JSON lines to a file instead of stdout.
	FilePath      string   `yaml:"filePath" json:"filePath,omitempty"`
	FlushInterval Duration `yaml:"flushInterval" json:"flushInterval" jsonschema:"type=string,description=Go duration string such as 2s"`
}

type ConsoleConfig struct {
	UseColor bool `yaml:"useColor" json:"useColor"`
}

// DefaultConfig logs info and above to the console.
func DefaultConfig() Config {
	return Config{
		EnabledSinks:     []string{SinkConsole},
		BufferSize:       512,
		MinimumSeverity:  SeverityInfo,
		DropWarnInterval: Duration(5 * time.Second),
		JSON:             JSONConfig{FlushInterval: Duration(2 * time.Second)},
	}
}

func (c Config) HasSink(name string) bool {
	return slices.Contains(c.EnabledSinks, name)
}
