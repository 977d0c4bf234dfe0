package logging

import (
	"fmt"
	"strconv"
	"time"
)

// Duration is a time.Duration that reads and writes Go duration strings such as "250ms"
// in YAML and JSON. Bare integers are accepted as nanoseconds when decoding.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDuration accepts the time.ParseDuration syntax or an integer nanosecond count.
func ParseDuration(raw string) (Duration, error) {
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Duration(n), nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return Duration(parsed), nil
}
