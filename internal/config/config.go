package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds shared runtime configuration for the worker, scheduler and api processes.
type Config struct {
	Env                string
	HTTPPort           string
	MetricsAddr        string
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	JobLogDSN          string
	SystemConfigPath   string
	WorkerPollInterval time.Duration
	ResultPollInterval time.Duration
	ResultTTL          time.Duration
	LeaseTimeout       time.Duration
	StalenessSettle    time.Duration
	StatusStoreTimeout time.Duration
	TempDir            string
	WorkerJobs         []string
	RateLimitCapacity  int
	RateLimitRefill    float64
}

// Load reads configuration from environment variables with sane defaults for a shipboard install.
func Load() Config {
	return Config{
		Env:                getEnv("APP_ENV", "dev"),
		HTTPPort:           getEnv("HTTP_PORT", "8081"),
		MetricsAddr:        getEnv("METRICS_ADDR", ":9090"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		JobLogDSN:          getEnv("JOBLOG_DSN", ""),
		SystemConfigPath:   getEnv("OPENVDM_CONFIG", "/opt/openvdm/server/etc/openvdm.yaml"),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", time.Second),
		ResultPollInterval: getEnvDuration("RESULT_POLL_INTERVAL", 500*time.Millisecond),
		ResultTTL:          getEnvDuration("QUEUE_RESULT_TTL", 24*time.Hour),
		LeaseTimeout:       getEnvDuration("LEASE_TIMEOUT", 2*time.Minute),
		StalenessSettle:    getEnvDuration("STALENESS_SETTLE", 5*time.Second),
		StatusStoreTimeout: getEnvDuration("STATUS_STORE_TIMEOUT", 30*time.Second),
		TempDir:            getEnv("OPENVDM_TMPDIR", os.TempDir()),
		WorkerJobs:         getEnvList("WORKER_JOBS", nil),
		RateLimitCapacity:  getEnvInt("RATE_LIMIT_CAPACITY", 30),
		RateLimitRefill:    getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 1),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
