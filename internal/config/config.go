package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultTickRate is the replication frequency in ticks per second.
	DefaultTickRate = 30.0
	// DefaultMaxPacketBytes bounds one mutation message so it fits a
	// conservative transport MTU.
	DefaultMaxPacketBytes = 1200
	// DefaultMutationsTimeout evicts unacknowledged mutation records; their
	// contents resend naturally because the mutation tick never advanced.
	DefaultMutationsTimeout = 10 * time.Second
	// DefaultCompressThreshold is the frame size above which transport
	// backends compress payloads.
	DefaultCompressThreshold = 512

	// DefaultLogLevel controls verbosity for engine logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "replication.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// Config captures all runtime tunables for the replication engines.
type Config struct {
	TickRate          float64
	MaxPacketBytes    int
	MutationsTimeout  time.Duration
	ChannelMaxBytes   int64
	CompressThreshold int
	Logging           LoggingConfig
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the engine configuration from environment variables, applying
// sane defaults and returning descriptive errors for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		TickRate:          DefaultTickRate,
		MaxPacketBytes:    DefaultMaxPacketBytes,
		MutationsTimeout:  DefaultMutationsTimeout,
		CompressThreshold: DefaultCompressThreshold,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("REPLICATION_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("REPLICATION_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("REPLICATION_TICK_RATE")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("REPLICATION_TICK_RATE must be a positive number, got %q", raw))
		} else {
			cfg.TickRate = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REPLICATION_MAX_PACKET_BYTES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("REPLICATION_MAX_PACKET_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPacketBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REPLICATION_MUTATIONS_TIMEOUT")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration <= 0 {
			problems = append(problems, fmt.Sprintf("REPLICATION_MUTATIONS_TIMEOUT must be a positive duration, got %q", raw))
		} else {
			cfg.MutationsTimeout = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REPLICATION_CHANNEL_MAX_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("REPLICATION_CHANNEL_MAX_BYTES must be a non-negative integer, got %q", raw))
		} else {
			cfg.ChannelMaxBytes = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REPLICATION_COMPRESS_THRESHOLD")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("REPLICATION_COMPRESS_THRESHOLD must be a positive integer, got %q", raw))
		} else {
			cfg.CompressThreshold = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REPLICATION_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("REPLICATION_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REPLICATION_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("REPLICATION_LOG_MAX_BACKUPS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REPLICATION_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("REPLICATION_LOG_MAX_AGE_DAYS must be a non-negative integer, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("REPLICATION_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("REPLICATION_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

// TickInterval converts the configured rate into a frame duration.
func (c *Config) TickInterval() time.Duration {
	if c == nil || c.TickRate <= 0 {
		rate := float64(DefaultTickRate)
		return time.Duration(float64(time.Second) / rate)
	}
	return time.Duration(float64(time.Second) / c.TickRate)
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
