package meter

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Transport modes.
const (
	TransportSync  = "sync"
	TransportAsync = "async"
	TransportBatch = "batch"
)

// Config drives one Client. The zero value is usable: NewClient fills in
// the same defaults ConfigFromEnv would.
type Config struct {
	APIURL        string
	APIKey        string
	TransportMode string

	BatchSize     int
	BatchInterval time.Duration

	RetryMaxAttempts int
	Timeout          time.Duration

	QueueSize int
}

// ConfigFromEnv reads the METERING_* environment variables.
func ConfigFromEnv() Config {
	return Config{
		APIURL:           getEnv("METERING_API_URL", "http://localhost:8000"),
		APIKey:           strings.TrimSpace(os.Getenv("METERING_API_KEY")),
		TransportMode:    getEnv("METERING_TRANSPORT_MODE", TransportAsync),
		BatchSize:        getEnvInt("METERING_BATCH_SIZE", 100),
		BatchInterval:    time.Duration(getEnvInt("METERING_BATCH_INTERVAL_SECONDS", 5)) * time.Second,
		RetryMaxAttempts: getEnvInt("METERING_RETRY_MAX_ATTEMPTS", 3),
		Timeout:          time.Duration(getEnvInt("METERING_TIMEOUT", 5)) * time.Second,
		QueueSize:        getEnvInt("METERING_QUEUE_SIZE", 10000),
	}
}

func (c *Config) withDefaults() {
	if c.APIURL == "" {
		c.APIURL = "http://localhost:8000"
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.TransportMode == "" {
		c.TransportMode = TransportAsync
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = 5 * time.Second
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 10000
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
