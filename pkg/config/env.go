package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/models"
	"github.com/autosync-hq/actual-autosync/pkg/notify"
)

const (
	// DefaultConfigFile is the JSON file holding the server list
	DefaultConfigFile = "config.json"

	// DefaultSyncSchedule runs every four hours
	DefaultSyncSchedule = "0 */4 * * *"

	// DefaultMaxRetries defines the number of retries after the first attempt of a remote call
	DefaultMaxRetries = models.DefaultMaxRetries

	// DefaultBaseRetryDelayMs defines the delay before the first retry
	DefaultBaseRetryDelayMs = models.DefaultBaseRetryDelayMs

	// DefaultOperationTimeout bounds a single remote call
	DefaultOperationTimeout = 5 * time.Minute

	// DefaultHealthPort defines the default port for the health and metrics server
	DefaultHealthPort = "3000"

	// DefaultHistoryDBPath is where sync history is stored
	DefaultHistoryDBPath = "data/sync-history.db"

	// DefaultHistoryRetentionDays is how long history records are kept
	DefaultHistoryRetentionDays = 90

	// DefaultNotifyFailureThreshold is the failure streak that triggers a notification
	DefaultNotifyFailureThreshold = 1

	// DefaultNotifyCooldown is the minimum time between alerts for one server
	DefaultNotifyCooldown = time.Hour

	// DefaultLogColoring enables colored server prefixes
	DefaultLogColoring = true

	// DefaultServerName is used for the single server built from ACTUAL_* variables
	DefaultServerName = "Main"
)

// GetEnvConfigFile returns the path of the server list file and whether it was set explicitly
func GetEnvConfigFile() (string, bool) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		return DefaultConfigFile, false
	}
	return path, true
}

// GetEnvSyncSchedule returns the global cron schedule
func GetEnvSyncSchedule() string {
	schedule := os.Getenv("SYNC_SCHEDULE")
	if schedule == "" {
		return DefaultSyncSchedule
	}
	return schedule
}

// GetEnvMaxRetries returns the maximum number of retries from environment variables
func GetEnvMaxRetries() (int, error) {
	n, err := getEnvNonNegativeInt("MAX_RETRIES", DefaultMaxRetries)
	if err != nil {
		return 0, err
	}
	if n > models.MaxRetriesLimit {
		return 0, fmt.Errorf("MAX_RETRIES must be at most %d, got %d", models.MaxRetriesLimit, n)
	}
	return n, nil
}

// GetEnvBaseRetryDelay returns the base backoff delay from environment variables
func GetEnvBaseRetryDelay() (time.Duration, error) {
	ms, err := getEnvNonNegativeInt("BASE_RETRY_DELAY_MS", DefaultBaseRetryDelayMs)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// GetEnvOperationTimeout returns the per-call timeout from environment variables
func GetEnvOperationTimeout() (time.Duration, error) {
	return getEnvDuration("OPERATION_TIMEOUT", DefaultOperationTimeout)
}

// GetEnvHealthPort returns the health server port from environment variables
func GetEnvHealthPort() (string, error) {
	port := os.Getenv("HEALTH_PORT")
	if port == "" {
		return DefaultHealthPort, nil
	}

	// Validate port format
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return "", fmt.Errorf("invalid HEALTH_PORT value: %s, must be a valid port number", port)
	}
	return port, nil
}

// GetEnvHistoryDBPath returns the SQLite history path
func GetEnvHistoryDBPath() string {
	path := os.Getenv("HISTORY_DB_PATH")
	if path == "" {
		return DefaultHistoryDBPath
	}
	return path
}

// GetEnvHistoryRetentionDays returns how many days of history to keep. 0 keeps everything.
func GetEnvHistoryRetentionDays() (int, error) {
	return getEnvNonNegativeInt("HISTORY_RETENTION_DAYS", DefaultHistoryRetentionDays)
}

// GetEnvLogLevel returns the log level from environment variables
func GetEnvLogLevel() (logger.Level, error) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return logger.InfoLevel, fmt.Errorf("invalid LOG_LEVEL value: %w", err)
	}
	return level, nil
}

// GetEnvLogColoring returns whether log coloring is enabled
func GetEnvLogColoring() (bool, error) {
	return getEnvBool("LOG_COLORING", DefaultLogColoring)
}

// GetEnvWebhookFormat returns the webhook payload format
func GetEnvWebhookFormat() (string, error) {
	format := os.Getenv("WEBHOOK_FORMAT")
	switch format {
	case "":
		return notify.FormatGeneric, nil
	case notify.FormatGeneric, notify.FormatSlack, notify.FormatDiscord:
		return format, nil
	}
	return "", fmt.Errorf("invalid WEBHOOK_FORMAT value: %s, must be 'generic', 'slack' or 'discord'", format)
}

// GetEnvNotifyFailureThreshold returns the failure streak that triggers a notification
func GetEnvNotifyFailureThreshold() (int, error) {
	threshold, err := getEnvNonNegativeInt("NOTIFY_FAILURE_THRESHOLD", DefaultNotifyFailureThreshold)
	if err != nil {
		return 0, err
	}
	if threshold == 0 {
		return 0, fmt.Errorf("NOTIFY_FAILURE_THRESHOLD must be greater than 0")
	}
	return threshold, nil
}

// GetEnvNotifyCooldown returns the per-server notification cooldown
func GetEnvNotifyCooldown() (time.Duration, error) {
	return getEnvDuration("NOTIFY_COOLDOWN", DefaultNotifyCooldown)
}

// GetEnvNotifyOnSuccess returns whether plain successes are notified
func GetEnvNotifyOnSuccess() (bool, error) {
	return getEnvBool("NOTIFY_ON_SUCCESS", false)
}

// GetEnvRunOnStartup returns whether the daemon syncs once right after starting
func GetEnvRunOnStartup() (bool, error) {
	return getEnvBool("RUN_ON_STARTUP", false)
}

// GetEnvServer builds a single server from the ACTUAL_* variables
func GetEnvServer() (models.ServerConfig, bool) {
	server := models.ServerConfig{
		Name:               os.Getenv("ACTUAL_SERVER_NAME"),
		URL:                os.Getenv("ACTUAL_SERVER_URL"),
		Password:           os.Getenv("ACTUAL_SERVER_PASSWORD"),
		SyncID:             os.Getenv("ACTUAL_SYNC_ID"),
		DataDir:            os.Getenv("ACTUAL_DATA_DIR"),
		EncryptionPassword: os.Getenv("ACTUAL_ENCRYPTION_PASSWORD"),
	}
	if server.URL == "" && server.Password == "" && server.SyncID == "" {
		return server, false
	}
	if server.Name == "" {
		server.Name = DefaultServerName
	}
	return server, true
}

func getEnvNonNegativeInt(key string, def int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be an integer", key, value)
	}
	if n < 0 {
		return 0, fmt.Errorf("%s must be greater than or equal to 0", key)
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}

	// Validate duration format
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value: %s, must be a valid duration string", key, value)
	}
	if parsed < 0 {
		return 0, fmt.Errorf("%s must not be negative", key)
	}
	return parsed, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return def, nil
	}
	if value == "true" {
		return true, nil
	} else if value == "false" {
		return false, nil
	}
	return false, fmt.Errorf("invalid %s value: %s, must be 'true' or 'false'", key, value)
}
