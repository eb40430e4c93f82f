package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	Postgres     PostgresConfig
	ControlPlane ControlPlaneConfig
	Lease        LeaseConfig
	Worker       WorkerConfig
	Metrics      MetricsConfig
}

type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	Addr     string
	User     string
	Password string
	Database string
}

// ControlPlaneConfig selects and tunes the provisioning driver. Driver is
// one of "http", "docker", "fake".
type ControlPlaneConfig struct {
	Driver         string
	BaseURL        string
	Timeout        time.Duration
	CommandTimeout time.Duration
	// RatePerSecond and RateBurst feed the per-instance request limiter.
	RatePerSecond float64
	RateBurst     int

	// Docker driver settings.
	DockerAddress  string
	DockerImages   map[string]string
	DockerCapacity int
}

type LeaseConfig struct {
	Default         time.Duration
	ConfirmGrace    time.Duration
	CleanupInterval time.Duration
}

type WorkerConfig struct {
	Concurrency int
}

type MetricsConfig struct {
	Addr string
}

// Load reads configuration from the environment (after a best-effort .env
// load) with sensible defaults.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Addr:         getEnv("SERVER_ADDR", ":8080"),
			ReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getIntEnv("REDIS_DB", 0),
		},
		Postgres: PostgresConfig{
			Addr:     getEnv("POSTGRES_ADDR", "localhost:5432"),
			User:     getEnv("POSTGRES_USER", "postgres"),
			Password: getEnv("POSTGRES_PASSWORD", "postgres"),
			Database: getEnv("POSTGRES_DB", "machine_broker"),
		},
		ControlPlane: ControlPlaneConfig{
			Driver:         getEnv("CONTROLPLANE_DRIVER", "http"),
			BaseURL:        getEnv("CONTROLPLANE_URL", "http://localhost:5000"),
			Timeout:        getDurationEnv("CONTROLPLANE_TIMEOUT", 15*time.Second),
			CommandTimeout: getDurationEnv("CONTROLPLANE_COMMAND_TIMEOUT", 30*time.Second),
			RatePerSecond:  getFloatEnv("CONTROLPLANE_RATE_PER_SECOND", 5),
			RateBurst:      getIntEnv("CONTROLPLANE_RATE_BURST", 10),
			DockerAddress:  getEnv("CONTROLPLANE_DOCKER_ADDRESS", "localhost"),
			DockerImages:   getImagesEnv("CONTROLPLANE_DOCKER_IMAGES", map[string]string{"01": "zephius/vulnnet"}),
			DockerCapacity: getIntEnv("CONTROLPLANE_DOCKER_CAPACITY", 5),
		},
		Lease: LeaseConfig{
			Default:         getDurationEnv("LEASE_DEFAULT", 2*time.Hour),
			ConfirmGrace:    getDurationEnv("LEASE_CONFIRM_GRACE", 5*time.Second),
			CleanupInterval: getDurationEnv("LEASE_CLEANUP_INTERVAL", time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency: getIntEnv("WORKER_CONCURRENCY", 5),
		},
		Metrics: MetricsConfig{
			Addr: getEnv("METRICS_ADDR", ":9090"),
		},
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getImagesEnv parses "01=image/one,02=image/two" into a machine-type map.
func getImagesEnv(key string, defaultVal map[string]string) map[string]string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	images := make(map[string]string)
	for _, pair := range strings.Split(val, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		images[k] = v
	}
	if len(images) == 0 {
		return defaultVal
	}
	return images
}
