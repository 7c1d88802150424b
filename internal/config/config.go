package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// RecurringEvent is one cron-driven event emission registered with the
// scheduler at startup.
type RecurringEvent struct {
	Name string
	Cron string
}

// Config holds all application configuration
type Config struct {
	// MongoDB Configuration
	MongoURI      string
	MongoDatabase string
	MongoTimeout  time.Duration

	// Ops HTTP Server Configuration
	OpsPort string

	// Event Dispatcher Configuration
	DispatcherWorkers      int
	DispatcherPollInterval time.Duration
	DispatcherClaimTTL     time.Duration

	// Lock Configuration
	LockDefaultTTL time.Duration

	// Logging Configuration
	LogLevel  string
	LogFormat string

	// Scheduler Configuration
	SchedulerEnabled      bool
	SchedulerTickInterval time.Duration
	SchedulerLockTTL      time.Duration
	RecurringEvents       []RecurringEvent
}

// Load reads configuration from environment variables with sensible defaults
func Load() *Config {
	return &Config{
		// MongoDB
		MongoURI:      getEnv("MONGO_URI", "mongodb://localhost:27017/batchbus?authSource=admin"),
		MongoDatabase: getEnv("MONGO_DATABASE", "batchbus"),
		MongoTimeout:  getDurationEnv("MONGO_TIMEOUT_SEC", 10) * time.Second,

		// Ops server
		OpsPort: getEnv("OPS_PORT", "9090"),

		// Dispatcher
		DispatcherWorkers:      getIntEnv("DISPATCHER_WORKERS", 10),
		DispatcherPollInterval: getDurationEnv("DISPATCHER_POLL_INTERVAL_MS", 500) * time.Millisecond,
		DispatcherClaimTTL:     getDurationEnv("DISPATCHER_CLAIM_TTL_SEC", 120) * time.Second,

		// Locks
		LockDefaultTTL: getDurationEnv("LOCK_DEFAULT_TTL_SEC", 300) * time.Second,

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Scheduler
		SchedulerEnabled:      getBoolEnv("SCHEDULER_ENABLED", true),
		SchedulerTickInterval: getDurationEnv("SCHEDULER_TICK_INTERVAL_SEC", 60) * time.Second,
		SchedulerLockTTL:      getDurationEnv("SCHEDULER_LOCK_TTL_SEC", 55) * time.Second,
		RecurringEvents:       getRecurringEnv("RECURRING_EVENTS"),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
		log.Printf("Warning: Invalid integer value for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal)
		}
		log.Printf("Warning: Invalid duration value for %s, using default %d", key, defaultValue)
	}
	return time.Duration(defaultValue)
}

// getRecurringEnv parses recurring event registrations from an env
// variable of the form "name=cron;name=cron", e.g.
// "inventory.sync=0 * * * *;report.daily=@daily".
func getRecurringEnv(key string) []RecurringEvent {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var events []RecurringEvent
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			log.Printf("Warning: Invalid recurring event entry %q in %s, skipping", entry, key)
			continue
		}

		events = append(events, RecurringEvent{
			Name: strings.TrimSpace(parts[0]),
			Cron: strings.TrimSpace(parts[1]),
		})
	}

	return events
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
		log.Printf("Warning: Invalid boolean value for %s, using default %t", key, defaultValue)
	}
	return defaultValue
}
