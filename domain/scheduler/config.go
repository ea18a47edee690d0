package scheduler

import (
	"os"
	"strconv"
	"time"
)

// Config holds scheduler configuration
type Config struct {
	// Enabled controls whether the scheduler runs
	Enabled bool

	// StaleJobRecoveryInterval is the interval for recovering stale provisioning jobs
	StaleJobRecoveryInterval time.Duration

	// StaleJobMinutes is how long a job can be running before it's considered stale
	StaleJobMinutes int

	// AutoSyncInterval is the interval for syncing all ready branches with main
	// (zero disables automatic syncing)
	AutoSyncInterval time.Duration

	// MergedRetention is how long merged branch schemas are kept before
	// being dropped (zero disables automatic cleanup)
	MergedRetention time.Duration

	// MergedCleanupInterval is the interval for the merged-schema cleanup task
	MergedCleanupInterval time.Duration

	// Cron schedule overrides (take precedence over intervals when set)
	// Standard cron format: "minute hour day-of-month month day-of-week"
	StaleJobRecoverySchedule string
	AutoSyncSchedule         string
	MergedCleanupSchedule    string
}

// NewConfig creates a new Config from environment variables
func NewConfig() *Config {
	return &Config{
		Enabled:                  getEnvBool("SCHEDULER_ENABLED", true),
		StaleJobRecoveryInterval: getEnvDuration("STALE_JOB_RECOVERY_INTERVAL_MS", 10*time.Minute),
		StaleJobMinutes:          getEnvInt("STALE_JOB_MINUTES", 30),
		AutoSyncInterval:         getEnvDuration("BRANCH_AUTO_SYNC_INTERVAL_MS", 0),
		MergedRetention:          getEnvDuration("MERGED_BRANCH_RETENTION_MS", 0),
		MergedCleanupInterval:    getEnvDuration("MERGED_BRANCH_CLEANUP_INTERVAL_MS", time.Hour),
		// Cron schedule overrides (empty string means use interval)
		StaleJobRecoverySchedule: getEnvString("STALE_JOB_RECOVERY_SCHEDULE", ""),
		AutoSyncSchedule:         getEnvString("BRANCH_AUTO_SYNC_SCHEDULE", ""),
		MergedCleanupSchedule:    getEnvString("MERGED_BRANCH_CLEANUP_SCHEDULE", ""),
	}
}

// getEnvBool returns a boolean from an environment variable
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvInt returns an integer from an environment variable
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvDuration returns a duration from an environment variable (in milliseconds)
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}

// getEnvString returns a string from an environment variable
func getEnvString(key string, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
