package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server struct {
		Host         string        `yaml:"host"`
		Port         int           `yaml:"port"`
		ReadTimeout  time.Duration `yaml:"read_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
		// LockFile keeps a second orchestrator from running against the same data
		LockFile string `yaml:"lock_file"`
	} `yaml:"server"`

	Database struct {
		// Path is a SQLite file (ending in .db) or a MySQL DSN
		Path string `yaml:"path"`
	} `yaml:"database"`

	Logging struct {
		Dir    string `yaml:"dir"`
		AppLog string `yaml:"app_log"`
		Level  string `yaml:"level"`
		// Console switches stdout to the human-readable zerolog console writer
		Console bool `yaml:"console"`
	} `yaml:"logging"`

	Scheduler struct {
		PollInterval   time.Duration `yaml:"poll_interval"`
		SettleInterval time.Duration `yaml:"settle_interval"`
		NotifyTimeout  time.Duration `yaml:"notify_timeout"`
	} `yaml:"scheduler"`

	Pipeline struct {
		// File is the pipeline definition; empty selects the built-in one
		File string `yaml:"file"`
	} `yaml:"pipeline"`

	Scenes struct {
		Workers          int           `yaml:"workers"`
		ImageConcurrency int           `yaml:"image_concurrency"`
		RetryPasses      int           `yaml:"retry_passes"`
		Variants         int           `yaml:"variants"`
		PollInterval     time.Duration `yaml:"poll_interval"`
		PollTimeout      time.Duration `yaml:"poll_timeout"`
		ImageCommand     string        `yaml:"image_command"`
		Providers        []Provider    `yaml:"providers"`
	} `yaml:"scenes"`

	Notify struct {
		WebhookURL string        `yaml:"webhook_url"`
		Format     string        `yaml:"format"`
		Title      string        `yaml:"title"`
		Timeout    time.Duration `yaml:"timeout"`
	} `yaml:"notify"`

	Inbox struct {
		Enabled bool   `yaml:"enabled"`
		Dir     string `yaml:"dir"`
	} `yaml:"inbox"`

	Tools struct {
		Dir     string            `yaml:"dir"`
		WorkDir string            `yaml:"work_dir"`
		Env     map[string]string `yaml:"env"`
	} `yaml:"tools"`
}

// Provider is one video backend. Capacity 0 means unlimited.
type Provider struct {
	Name          string `yaml:"name"`
	Capacity      int    `yaml:"capacity"`
	Command       string `yaml:"command"`
	StatusCommand string `yaml:"status_command"`
	Fallback      bool   `yaml:"fallback"`
}

// Load loads configuration from a YAML file. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.LockFile == "" {
		cfg.Server.LockFile = "./data/reelflow.lock"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/reelflow.db"
	}
	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "./data/logs"
	}
	if cfg.Logging.AppLog == "" {
		cfg.Logging.AppLog = filepath.Join(cfg.Logging.Dir, "app.log")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Scheduler.PollInterval == 0 {
		cfg.Scheduler.PollInterval = 2 * time.Second
	}
	if cfg.Scheduler.SettleInterval == 0 {
		cfg.Scheduler.SettleInterval = 500 * time.Millisecond
	}
	if cfg.Scheduler.NotifyTimeout == 0 {
		cfg.Scheduler.NotifyTimeout = 10 * time.Second
	}
	if cfg.Scenes.Workers == 0 {
		cfg.Scenes.Workers = 32
	}
	if cfg.Scenes.ImageConcurrency == 0 {
		cfg.Scenes.ImageConcurrency = 2
	}
	if cfg.Scenes.RetryPasses == 0 {
		cfg.Scenes.RetryPasses = 2
	}
	if cfg.Scenes.Variants == 0 {
		cfg.Scenes.Variants = 3
	}
	if cfg.Scenes.PollInterval == 0 {
		cfg.Scenes.PollInterval = 5 * time.Second
	}
	if cfg.Scenes.PollTimeout == 0 {
		cfg.Scenes.PollTimeout = 20 * time.Minute
	}
	if cfg.Scenes.ImageCommand == "" {
		cfg.Scenes.ImageCommand = `${{ tools_dir }}/scene-image.sh "${{ work_dir }}" "${{ scene_id }}" "${{ variant }}"`
	}
	if len(cfg.Scenes.Providers) == 0 {
		cfg.Scenes.Providers = []Provider{
			{Name: "cloud", Capacity: 0, Command: `${{ tools_dir }}/scene-video.sh cloud "${{ work_dir }}" "${{ scene_id }}" "${{ image_path }}"`},
			{Name: "local", Capacity: 1, Command: `${{ tools_dir }}/scene-video.sh local "${{ work_dir }}" "${{ scene_id }}" "${{ image_path }}"`, Fallback: true},
		}
	}
	if cfg.Notify.Timeout == 0 {
		cfg.Notify.Timeout = 10 * time.Second
	}
	if cfg.Inbox.Dir == "" {
		cfg.Inbox.Dir = "./data/inbox"
	}
	if cfg.Tools.Dir == "" {
		cfg.Tools.Dir = "./tools"
	}
	if cfg.Tools.WorkDir == "" {
		cfg.Tools.WorkDir = "./data/work"
	}
}

// PrimaryProvider returns the first non-fallback provider
func (cfg *Config) PrimaryProvider() (Provider, bool) {
	for _, p := range cfg.Scenes.Providers {
		if !p.Fallback {
			return p, true
		}
	}
	return Provider{}, false
}

// FallbackProvider returns the first provider marked as fallback
func (cfg *Config) FallbackProvider() (Provider, bool) {
	for _, p := range cfg.Scenes.Providers {
		if p.Fallback {
			return p, true
		}
	}
	return Provider{}, false
}

// LoadFromEnv loads configuration with environment variable overrides
func LoadFromEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	// Override with environment variables if set
	if dbPath := os.Getenv("DB_PATH"); dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if logDir := os.Getenv("LOG_DIR"); logDir != "" {
		cfg.Logging.Dir = logDir
		cfg.Logging.AppLog = filepath.Join(logDir, "app.log")
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if webhook := os.Getenv("NOTIFY_WEBHOOK_URL"); webhook != "" {
		cfg.Notify.WebhookURL = webhook
	}
	if pipelineFile := os.Getenv("PIPELINE_FILE"); pipelineFile != "" {
		cfg.Pipeline.File = pipelineFile
	}
	if inbox := os.Getenv("INBOX_DIR"); inbox != "" {
		cfg.Inbox.Dir = inbox
		cfg.Inbox.Enabled = true
	}
	if port := os.Getenv("PORT"); port != "" {
		if val, err := strconv.Atoi(port); err == nil && val > 0 {
			cfg.Server.Port = val
		}
	}

	return cfg, nil
}
