package storage

import (
	"strconv"
	"strings"
	"time"
)

// DefaultFlushWALMinutes is used when no flush interval is configured.
const DefaultFlushWALMinutes = 1

// Config holds engine settings as the host framework provides them.
type Config struct {
	ConnectString   string `json:"connectString,omitempty"`   // Database file; empty means in-memory.
	KeyPrefix       string `json:"keyPrefix,omitempty"`       // Prepended to every key.
	FlushWALMinutes string `json:"flushWalMinutes,omitempty"` // Minutes between WAL checkpoints.
}

// DefaultConfig returns an in-memory configuration with no prefix.
func DefaultConfig() Config {
	return Config{}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.ConnectString != "" {
		c.ConnectString = source.ConnectString
	}
	if source.KeyPrefix != "" {
		c.KeyPrefix = source.KeyPrefix
	}
	if source.FlushWALMinutes != "" {
		c.FlushWALMinutes = source.FlushWALMinutes
	}
}

// DSN returns the driver connect string.
func (c Config) DSN() string {
	if c.ConnectString == "" {
		return ":memory:"
	}
	return c.ConnectString
}

// InMemory reports whether the database is ephemeral.
func (c Config) InMemory() bool {
	return c.ConnectString == "" || c.ConnectString == ":memory:"
}

// FlushInterval parses FlushWALMinutes. Empty means the default of one
// minute. A non-positive or unparsable value yields 0: checkpoint after
// every write.
func (c Config) FlushInterval() time.Duration {
	s := strings.TrimSpace(c.FlushWALMinutes)
	if s == "" {
		return DefaultFlushWALMinutes * time.Minute
	}
	minutes, err := strconv.ParseFloat(s, 64)
	if err != nil || minutes <= 0 {
		return 0
	}
	return time.Duration(minutes * float64(time.Minute))
}
