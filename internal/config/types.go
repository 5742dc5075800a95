package config

// Config is the full bot configuration.
//
// All duration fields are Go duration strings (e.g. "2s", "5m").
// The Telegram token may be left empty here and supplied via the
// TELEGRAM_BOT_TOKEN environment variable (or a .env file).
type Config struct {
	Telegram    TelegramConfig    `yaml:"telegram"`
	Logging     LoggingConfig     `yaml:"logging"`
	Storage     StorageConfig     `yaml:"storage"`
	Driver      DriverConfig      `yaml:"driver"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type TelegramConfig struct {
	Token        string  `yaml:"token"`
	OwnerUserIDs []int64 `yaml:"owner_user_ids"`
	PollTimeout  string  `yaml:"poll_timeout"`
}

type LoggingConfig struct {
	Level   string      `yaml:"level"`
	Console bool        `yaml:"console"`
	File    LoggingFile `yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type StorageConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

// DriverConfig points at the browser automation sidecar that actually
// drives WhatsApp Web. One sidecar session is created per account.
type DriverConfig struct {
	BaseURL        string `yaml:"base_url"`
	EntryURL       string `yaml:"entry_url"`
	RequestTimeout string `yaml:"request_timeout"`
}

// SchedulerConfig controls join pipeline pacing. The defaults (5 links
// per 5 minutes per account) are deliberately conservative; raising them
// increases the risk of the platform flagging the accounts.
type SchedulerConfig struct {
	MaxPerBatch  int    `yaml:"max_per_batch"`
	CycleDelay   string `yaml:"cycle_delay"`
	RequestPause string `yaml:"request_pause"`
	AccountPause string `yaml:"account_pause"`
	ErrorBackoff string `yaml:"error_backoff"`
}

type NotifierConfig struct {
	QueueSize  int `yaml:"queue_size"`
	RatePerSec int `yaml:"rate_per_sec"`
}

// MaintenanceConfig controls the cron jobs that run outside the join
// pipeline: the nightly statistics summary and queue cleanup.
type MaintenanceConfig struct {
	Enabled        bool   `yaml:"enabled"`
	SummarySpec    string `yaml:"summary_spec"`
	CleanupSpec    string `yaml:"cleanup_spec"`
	QueueRetainFor string `yaml:"queue_retain_for"`
}
