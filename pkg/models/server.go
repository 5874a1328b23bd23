package models

// ServerConfig describes one configured budgeting server instance
type ServerConfig struct {
	Name               string        `json:"name"`
	URL                string        `json:"url"`
	Password           string        `json:"password"`
	SyncID             string        `json:"syncId"`
	DataDir            string        `json:"dataDir"`
	EncryptionPassword string        `json:"encryptionPassword,omitempty"`
	Sync               *SyncOverride `json:"sync,omitempty"`
}

// SyncOverride holds optional per-server replacements for the global sync settings.
// A nil field means "use the global value".
type SyncOverride struct {
	MaxRetries       *int   `json:"maxRetries,omitempty"`
	BaseRetryDelayMs *int   `json:"baseRetryDelayMs,omitempty"`
	Schedule         string `json:"schedule,omitempty"`
}

// HasSchedule reports whether the server runs on its own cron schedule
func (s ServerConfig) HasSchedule() bool {
	return s.Sync != nil && s.Sync.Schedule != ""
}
