package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds configuration for the trading core binaries.
type Config struct {
	// Service name
	ServiceName string

	// Log level: debug, info, warn, error
	LogLevel string

	// gRPC health server port
	GRPCPort int

	// HTTP health server port
	HTTPPort int

	// Event bus queue capacity per channel
	BusQueueSize int

	// Grace period for draining the bus on stop
	BusStopGrace time.Duration

	// Deadline after which a SUBMITTED order with no venue response
	// moves to UNKNOWN
	SubmitTimeout time.Duration

	// How long terminal orders stay in memory before archive + eviction
	OrderRetention time.Duration

	// Interval of the coordinator timer loop (timeout scan, eviction,
	// heartbeat checks)
	TimerInterval time.Duration

	// Heartbeat staleness threshold for gateway sessions
	HeartbeatTimeout time.Duration

	// Interval between simulated orders in the paper trader; 0
	// disables order generation
	PaperOrderInterval time.Duration

	// Kafka brokers (comma-separated) for the audit stream
	KafkaBrokers string

	// Directory for the sqlite archive store
	DataDir string
}

// LoadConfig loads configuration from environment variables with defaults.
func LoadConfig(serviceName string) *Config {
	return &Config{
		ServiceName:        serviceName,
		LogLevel:           getEnvAsString("LOG_LEVEL", "info"),
		GRPCPort:           getEnvAsInt("PORT_GRPC", 50051),
		HTTPPort:           getEnvAsInt("PORT_HTTP", 8080),
		BusQueueSize:       getEnvAsInt("EVENTBUS_QUEUE_SIZE", 4096),
		BusStopGrace:       getEnvAsDuration("EVENTBUS_STOP_GRACE_MS", 5000),
		SubmitTimeout:      getEnvAsDuration("ORDER_SUBMIT_TIMEOUT_MS", 3000),
		OrderRetention:     getEnvAsDuration("ORDER_RETENTION_MS", 600000),
		TimerInterval:      getEnvAsDuration("TIMER_INTERVAL_MS", 1000),
		HeartbeatTimeout:   getEnvAsDuration("HEARTBEAT_TIMEOUT_MS", 10000),
		PaperOrderInterval: getEnvAsDuration("PAPER_ORDER_INTERVAL_MS", 2000),
		KafkaBrokers:       getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092"),
		DataDir:            getEnvAsString("DATA_DIR", "./data"),
	}
}

// Brokers returns the Kafka broker list.
func (c *Config) Brokers() []string {
	brokers := strings.Split(c.KafkaBrokers, ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}
	return brokers
}

// GRPCAddr returns the gRPC server address.
func (c *Config) GRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}

// HTTPAddr returns the HTTP server address.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMillis)) * time.Millisecond
}
