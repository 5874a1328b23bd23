package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/autosync-hq/actual-autosync/pkg/logger"
	"github.com/autosync-hq/actual-autosync/pkg/models"
)

// Config holds the configuration for the sync service
type Config struct {
	ConfigFile       string
	Servers          []models.ServerConfig
	Retry            models.RetryPolicy
	SyncSchedule     string
	OperationTimeout time.Duration
	HealthPort       string
	MetricsAPIKey    string
	RunOnStartup     bool
	History          HistoryConfig
	Notify           NotifyConfig
	LoggerConfig     LoggerConfig
}

// HistoryConfig holds the history store configuration
type HistoryConfig struct {
	Path          string
	RetentionDays int
}

// NotifyConfig holds the notification configuration
type NotifyConfig struct {
	WebhookURL       string
	WebhookFormat    string
	TelegramBotToken string
	TelegramChatID   string
	FailureThreshold int
	Cooldown         time.Duration
	OnSuccess        bool
}

// LoggerConfig holds the configuration for logging
type LoggerConfig struct {
	Level    logger.Level
	Coloring bool
}

// serverFile is the layout of the JSON server list
type serverFile struct {
	Servers []models.ServerConfig `json:"servers"`
}

// LoadConfig loads the configuration from the environment and the server list file
func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found, using environment variables")
	}
	return loadFromEnv()
}

func loadFromEnv() (*Config, error) {
	maxRetries, err := GetEnvMaxRetries()
	if err != nil {
		return nil, err
	}

	baseDelay, err := GetEnvBaseRetryDelay()
	if err != nil {
		return nil, err
	}

	opTimeout, err := GetEnvOperationTimeout()
	if err != nil {
		return nil, err
	}

	healthPort, err := GetEnvHealthPort()
	if err != nil {
		return nil, err
	}

	retentionDays, err := GetEnvHistoryRetentionDays()
	if err != nil {
		return nil, err
	}

	logLevel, err := GetEnvLogLevel()
	if err != nil {
		return nil, err
	}

	logColoring, err := GetEnvLogColoring()
	if err != nil {
		return nil, err
	}

	webhookFormat, err := GetEnvWebhookFormat()
	if err != nil {
		return nil, err
	}

	threshold, err := GetEnvNotifyFailureThreshold()
	if err != nil {
		return nil, err
	}

	cooldown, err := GetEnvNotifyCooldown()
	if err != nil {
		return nil, err
	}

	notifyOnSuccess, err := GetEnvNotifyOnSuccess()
	if err != nil {
		return nil, err
	}

	runOnStartup, err := GetEnvRunOnStartup()
	if err != nil {
		return nil, err
	}

	configFile, explicit := GetEnvConfigFile()
	servers, err := LoadServers(configFile)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		servers = nil
		if server, ok := GetEnvServer(); ok {
			servers = []models.ServerConfig{server}
		}
	} else if err != nil {
		return nil, err
	}

	cfg := &Config{
		ConfigFile:       configFile,
		Servers:          servers,
		Retry:            models.RetryPolicy{MaxRetries: maxRetries, BaseDelay: baseDelay},
		SyncSchedule:     GetEnvSyncSchedule(),
		OperationTimeout: opTimeout,
		HealthPort:       healthPort,
		MetricsAPIKey:    os.Getenv("METRICS_API_KEY"),
		RunOnStartup:     runOnStartup,
		History: HistoryConfig{
			Path:          GetEnvHistoryDBPath(),
			RetentionDays: retentionDays,
		},
		Notify: NotifyConfig{
			WebhookURL:       os.Getenv("WEBHOOK_URL"),
			WebhookFormat:    webhookFormat,
			TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
			TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
			FailureThreshold: threshold,
			Cooldown:         cooldown,
			OnSuccess:        notifyOnSuccess,
		},
		LoggerConfig: LoggerConfig{
			Level:    logLevel,
			Coloring: logColoring,
		},
	}

	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadServers reads the server list. The file holds either {"servers": [...]} or a bare array.
func LoadServers(path string) ([]models.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read server config %s: %w", path, err)
	}

	var file serverFile
	if err := json.Unmarshal(data, &file); err == nil && file.Servers != nil {
		return file.Servers, nil
	}

	var servers []models.ServerConfig
	if err := json.Unmarshal(data, &servers); err != nil {
		return nil, fmt.Errorf("failed to parse server config %s: %w", path, err)
	}
	return servers, nil
}

// validateConfig validates the configuration and fills per-server defaults
func validateConfig(cfg *Config) error {
	if len(cfg.Servers) == 0 {
		return fmt.Errorf("at least one server is required: add servers to %s or set ACTUAL_SERVER_URL, ACTUAL_SERVER_PASSWORD and ACTUAL_SYNC_ID", cfg.ConfigFile)
	}
	if _, err := cron.ParseStandard(cfg.SyncSchedule); err != nil {
		return fmt.Errorf("invalid SYNC_SCHEDULE %q: %w", cfg.SyncSchedule, err)
	}
	if cfg.Notify.TelegramBotToken != "" && cfg.Notify.TelegramChatID == "" {
		return fmt.Errorf("TELEGRAM_CHAT_ID is required when TELEGRAM_BOT_TOKEN is set")
	}
	if cfg.Notify.WebhookURL != "" {
		if _, err := url.ParseRequestURI(cfg.Notify.WebhookURL); err != nil {
			return fmt.Errorf("invalid WEBHOOK_URL value: %s, must be a valid URL", cfg.Notify.WebhookURL)
		}
	}

	var errs []error
	names := make(map[string]bool)
	dataDirs := make(map[string]string)
	for i := range cfg.Servers {
		server := &cfg.Servers[i]
		if server.Name == "" {
			errs = append(errs, fmt.Errorf("server #%d: name is required", i+1))
			continue
		}
		if names[server.Name] {
			errs = append(errs, fmt.Errorf("server %q: duplicate name", server.Name))
			continue
		}
		names[server.Name] = true

		if server.DataDir == "" {
			server.DataDir = filepath.Join("data", server.Name)
		}
		dir := filepath.Clean(server.DataDir)
		if other, ok := dataDirs[dir]; ok {
			errs = append(errs, fmt.Errorf("server %q: dataDir %s is already used by %q", server.Name, server.DataDir, other))
		} else {
			dataDirs[dir] = server.Name
		}

		errs = append(errs, validateServer(server)...)
	}
	return errors.Join(errs...)
}

func validateServer(server *models.ServerConfig) []error {
	var errs []error
	if server.URL == "" {
		errs = append(errs, fmt.Errorf("server %q: url is required", server.Name))
	} else if u, err := url.ParseRequestURI(server.URL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("server %q: invalid url %s", server.Name, server.URL))
	}
	if server.Password == "" {
		errs = append(errs, fmt.Errorf("server %q: password is required", server.Name))
	}
	if server.SyncID == "" {
		errs = append(errs, fmt.Errorf("server %q: syncId is required", server.Name))
	}

	if o := server.Sync; o != nil {
		if o.MaxRetries != nil && *o.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("server %q: sync.maxRetries must be greater than or equal to 0", server.Name))
		}
		if o.MaxRetries != nil && *o.MaxRetries > models.MaxRetriesLimit {
			errs = append(errs, fmt.Errorf("server %q: sync.maxRetries must be at most %d", server.Name, models.MaxRetriesLimit))
		}
		if o.BaseRetryDelayMs != nil && *o.BaseRetryDelayMs < 0 {
			errs = append(errs, fmt.Errorf("server %q: sync.baseRetryDelayMs must be greater than or equal to 0", server.Name))
		}
		if o.Schedule != "" {
			if _, err := cron.ParseStandard(o.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("server %q: invalid sync.schedule %q: %w", server.Name, o.Schedule, err))
			}
		}
	}
	return errs
}
