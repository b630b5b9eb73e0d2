package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type Redis struct {
	Addr     string // e.g. redis:6379
	Password string
	DB       int
}

type NSQ struct {
	NsqdTCPAddr      string // e.g. nsqd:4150
	LookupHTTPAddr   string // e.g. http://nsqlookupd:4161
	EventsTopic      string // inbound platform events consumed by the publisher
	DeliveriesTopic  string // delivery messages consumed by the worker
	PublisherChannel string
	WorkerChannel    string
}

type Worker struct {
	MaxAttempts        int             // Delivery attempt ceiling
	BackoffSchedule    []time.Duration // Retry delays indexed by attempt
	DirectDelayCeiling time.Duration   // Longest delay the queue's native deferral can carry
	RequestTimeout     time.Duration   // Outbound HTTP request timeout
	DialTimeout        time.Duration   // Outbound connection-establishment timeout
	HTTPPort           string          // Worker metrics/health port
}

type Scheduler struct {
	PollInterval time.Duration // How often due triggers are scanned
	BatchSize    int           // Max triggers fired per scan
	HTTPPort     string
}

type API struct {
	Port            string
	JWTPublicKeyPEM string
	JWTIssuer       string
	JWTAudience     string
}

type Config struct {
	AppName   string
	HTTPPort  string // publisher metrics/health port
	DB        DB
	Redis     Redis
	NSQ       NSQ
	Worker    Worker
	Scheduler Scheduler
	API       API
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// defaultBackoff is the fixed retry schedule: 1m, 5m, 15m, 1h, 6h.
func defaultBackoff() []time.Duration {
	return []time.Duration{
		time.Minute,
		5 * time.Minute,
		15 * time.Minute,
		time.Hour,
		6 * time.Hour,
	}
}

// parseBackoffSchedule parses a comma-separated list of durations,
// falling back to the default schedule on empty or unparseable input.
func parseBackoffSchedule(schedule string) []time.Duration {
	if schedule == "" {
		return defaultBackoff()
	}

	parts := strings.Split(schedule, ",")
	durations := make([]time.Duration, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if d, err := time.ParseDuration(part); err == nil {
			durations = append(durations, d)
		}
	}
	if len(durations) == 0 {
		return defaultBackoff()
	}
	return durations
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "hookd"),
		HTTPPort: ":" + getenv("PUBLISHER_HTTP_PORT", "8082"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "postgres"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "hookd"),
		},
		Redis: Redis{
			Addr:     getenv("REDIS_ADDR", "redis:6379"),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		NSQ: NSQ{
			NsqdTCPAddr:      getenv("NSQD_TCP_ADDR", "nsqd:4150"),
			LookupHTTPAddr:   getenv("NSQ_LOOKUP_HTTP_ADDR", "http://nsqlookupd:4161"),
			EventsTopic:      getenv("NSQ_EVENTS_TOPIC", "webhook.events"),
			DeliveriesTopic:  getenv("NSQ_DELIVERIES_TOPIC", "webhook.deliveries"),
			PublisherChannel: getenv("NSQ_PUBLISHER_CHANNEL", "publisher"),
			WorkerChannel:    getenv("NSQ_WORKER_CHANNEL", "workers"),
		},
		Worker: Worker{
			MaxAttempts:        getenvInt("MAX_ATTEMPTS", 5),
			BackoffSchedule:    parseBackoffSchedule(getenv("BACKOFF_SCHEDULE", "")),
			DirectDelayCeiling: getenvDuration("DIRECT_DELAY_CEILING", 15*time.Minute),
			RequestTimeout:     getenvDuration("DELIVERY_REQUEST_TIMEOUT", 30*time.Second),
			DialTimeout:        getenvDuration("DELIVERY_DIAL_TIMEOUT", 10*time.Second),
			HTTPPort:           ":" + getenv("WORKER_HTTP_PORT", "8083"),
		},
		Scheduler: Scheduler{
			PollInterval: getenvDuration("SCHEDULER_POLL_INTERVAL", 5*time.Second),
			BatchSize:    getenvInt("SCHEDULER_BATCH_SIZE", 100),
			HTTPPort:     ":" + getenv("SCHEDULER_HTTP_PORT", "8084"),
		},
		API: API{
			Port:            ":" + getenv("API_PORT", "8080"),
			JWTPublicKeyPEM: getenv("JWT_PUBLIC_KEY_PEM", ""),
			JWTIssuer:       getenv("JWT_ISSUER", "hookd"),
			JWTAudience:     getenv("JWT_AUDIENCE", "hookd-api"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}
