// Package stream carries the durable audit stream: Kafka wrappers and
// the wire schemas for archived order and trade events.
package stream

import (
	"os"
	"strings"
)

// Topic names for the audit stream.
const (
	TopicOrdersAudit = "orders.audit"
	TopicTradesAudit = "trades.audit"
)

// Config holds Kafka configuration.
type Config struct {
	Brokers  []string
	ClientID string
}

// LoadConfig loads Kafka configuration from environment variables.
func LoadConfig() *Config {
	brokers := strings.Split(getEnvAsString("KAFKA_BROKERS", "127.0.0.1:9092"), ",")
	for i := range brokers {
		brokers[i] = strings.TrimSpace(brokers[i])
	}

	return &Config{
		Brokers:  brokers,
		ClientID: getEnvAsString("KAFKA_CLIENT_ID", "trading-core"),
	}
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
