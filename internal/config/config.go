package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost                 = "127.0.0.1"
	DefaultPort                 = 18791
	DefaultBufSize              = 100
	DefaultBubbleOffsetX        = 65
	DefaultPauseMinMs           = 100
	DefaultPauseMaxMs           = 150
	DefaultVisualThreshold      = 8
	DefaultWatchIntervalSeconds = 2.0
	DefaultBrowserTimeoutMs     = 10000
	DefaultPageURL              = "https://web.wechat.com/"
	DefaultLogLevel             = "error"
)

type Config struct {
	State    StateConfig    `json:"state" yaml:"state"`
	Reader   ReaderConfig   `json:"reader" yaml:"reader"`
	Visual   VisualConfig   `json:"visual" yaml:"visual"`
	Browser  BrowserConfig  `json:"browser" yaml:"browser"`
	Watch    WatchConfig    `json:"watch" yaml:"watch"`
	Channels ChannelsConfig `json:"channels" yaml:"channels"`
	Gateway  GatewayConfig  `json:"gateway" yaml:"gateway"`
	History  HistoryConfig  `json:"history" yaml:"history"`
	Log      LogConfig      `json:"log" yaml:"log"`
}

type StateConfig struct {
	Dir string `json:"dir" yaml:"dir" validate:"required"`
}

type ReaderConfig struct {
	BubbleOffsetX int `json:"bubbleOffsetX" yaml:"bubbleOffsetX" validate:"gte=0"`
	PauseMinMs    int `json:"pauseMinMs" yaml:"pauseMinMs" validate:"gte=0"`
	PauseMaxMs    int `json:"pauseMaxMs" yaml:"pauseMaxMs" validate:"gtefield=PauseMinMs"`
}

type VisualConfig struct {
	Threshold int `json:"threshold" yaml:"threshold" validate:"gte=1,lte=64"`
}

type BrowserConfig struct {
	// ControlURL attaches to a running browser. When empty and Launch is
	// set, a browser is started.
	ControlURL string          `json:"controlUrl,omitempty" yaml:"controlUrl,omitempty"`
	Launch     bool            `json:"launch" yaml:"launch"`
	Headless   bool            `json:"headless" yaml:"headless"`
	PageURL    string          `json:"pageUrl" yaml:"pageUrl" validate:"required,url"`
	PageMatch  string          `json:"pageMatch,omitempty" yaml:"pageMatch,omitempty"`
	TimeoutMs  int             `json:"timeoutMs" yaml:"timeoutMs" validate:"gt=0"`
	Selectors  SelectorsConfig `json:"selectors" yaml:"selectors"`
}

type SelectorsConfig struct {
	ContactName  string `json:"contactName" yaml:"contactName" validate:"required"`
	ChatPane     string `json:"chatPane" yaml:"chatPane" validate:"required"`
	Avatar       string `json:"avatar" yaml:"avatar" validate:"required"`
	Bubble       string `json:"bubble" yaml:"bubble" validate:"required"`
	SearchInput  string `json:"searchInput" yaml:"searchInput" validate:"required"`
	SearchResult string `json:"searchResult" yaml:"searchResult" validate:"required"`
	Input        string `json:"input" yaml:"input" validate:"required"`
	SendButton   string `json:"sendButton,omitempty" yaml:"sendButton,omitempty"`
	FileInput    string `json:"fileInput" yaml:"fileInput" validate:"required"`
}

type WatchConfig struct {
	IntervalSeconds float64  `json:"intervalSeconds" yaml:"intervalSeconds" validate:"gt=0"`
	JobsPath        string   `json:"jobsPath,omitempty" yaml:"jobsPath,omitempty"`
	Contacts        []string `json:"contacts,omitempty" yaml:"contacts,omitempty" validate:"dive,required"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Token     string   `json:"token" yaml:"token" validate:"required_if=Enabled true"`
	ChatID    int64    `json:"chatId" yaml:"chatId" validate:"required_if=Enabled true"`
	AllowFrom []string `json:"allowFrom" yaml:"allowFrom"`
	Proxy     string   `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

type GatewayConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port" validate:"gte=0,lte=65535"`
	HTTPEnabled bool   `json:"httpEnabled" yaml:"httpEnabled"`
}

type HistoryConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath,omitempty" yaml:"dbPath,omitempty"`
}

type LogConfig struct {
	Level    string            `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	File     string            `json:"file,omitempty" yaml:"file,omitempty"`
	Telegram LogTelegramConfig `json:"telegram" yaml:"telegram"`
}

// LogTelegramConfig sends error logs to a Telegram chat.
type LogTelegramConfig struct {
	Token  string `json:"token,omitempty" yaml:"token,omitempty"`
	ChatID string `json:"chatId,omitempty" yaml:"chatId,omitempty" validate:"required_with=Token"`
}

func DefaultConfig() *Config {
	return &Config{
		State: StateConfig{
			Dir: filepath.Join(ConfigDir(), "state"),
		},
		Reader: ReaderConfig{
			BubbleOffsetX: DefaultBubbleOffsetX,
			PauseMinMs:    DefaultPauseMinMs,
			PauseMaxMs:    DefaultPauseMaxMs,
		},
		Visual: VisualConfig{
			Threshold: DefaultVisualThreshold,
		},
		Browser: BrowserConfig{
			Launch:    true,
			PageURL:   DefaultPageURL,
			PageMatch: "wechat",
			TimeoutMs: DefaultBrowserTimeoutMs,
			Selectors: SelectorsConfig{
				ContactName:  ".box_hd .title_name",
				ChatPane:     ".box_bd",
				Avatar:       ".message:not(.me) .avatar",
				Bubble:       ".bubble",
				SearchInput:  "#search_bar input",
				SearchResult: ".contact_item .nickname",
				Input:        "#editArea",
				SendButton:   ".btn_send",
				FileInput:    "input[type=file]",
			},
		},
		Watch: WatchConfig{
			IntervalSeconds: DefaultWatchIntervalSeconds,
		},
		Gateway: GatewayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".chatsync")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom("")
}

// LoadConfigFrom reads path, or the default location when path is empty.
// Files ending in .yaml or .yml are parsed as YAML, anything else as JSON.
// A missing file yields the defaults.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = ConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, oops.In("config").With("path", path).Wrapf(err, "read config")
		}
	} else if err := unmarshal(path, data, cfg); err != nil {
		return nil, oops.In("config").With("path", path).Wrapf(err, "parse config")
	}

	applyEnv(cfg)

	if cfg.State.Dir == "" {
		cfg.State.Dir = DefaultConfig().State.Dir
	}
	if cfg.Watch.JobsPath == "" {
		cfg.Watch.JobsPath = filepath.Join(cfg.State.Dir, "watch_jobs.json")
	}
	if cfg.History.DBPath == "" {
		cfg.History.DBPath = filepath.Join(cfg.State.Dir, "history.db")
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Validate(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(cfg); err != nil {
		return oops.In("config").Wrapf(err, "invalid config")
	}
	return nil
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func applyEnv(cfg *Config) {
	if dir := os.Getenv("CHATSYNC_STATE_DIR"); dir != "" {
		cfg.State.Dir = dir
	}
	if u := os.Getenv("CHATSYNC_BROWSER_URL"); u != "" {
		cfg.Browser.ControlURL = u
	}
	if headless := os.Getenv("CHATSYNC_BROWSER_HEADLESS"); headless != "" {
		if parsed, err := strconv.ParseBool(headless); err == nil {
			cfg.Browser.Headless = parsed
		}
	}
	if interval := os.Getenv("CHATSYNC_WATCH_INTERVAL_SECONDS"); interval != "" {
		if parsed, err := strconv.ParseFloat(interval, 64); err == nil && parsed > 0 {
			cfg.Watch.IntervalSeconds = parsed
		}
	}
	if threshold := os.Getenv("CHATSYNC_VISUAL_THRESHOLD"); threshold != "" {
		if parsed, err := strconv.Atoi(threshold); err == nil {
			cfg.Visual.Threshold = parsed
		}
	}
	if token := os.Getenv("CHATSYNC_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if chatID := os.Getenv("CHATSYNC_TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Channels.Telegram.ChatID = parsed
		}
	}
	if enabled := os.Getenv("CHATSYNC_HISTORY_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.History.Enabled = parsed
		}
	}
	if level := os.Getenv("CHATSYNC_LOG_LEVEL"); level != "" {
		cfg.Log.Level = strings.ToLower(level)
	}
}

func SaveConfig(cfg *Config) error {
	return SaveConfigTo(cfg, ConfigPath())
}

// SaveConfigTo writes cfg to path in the format its extension selects.
func SaveConfigTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return oops.In("config").Wrapf(err, "create config dir")
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return oops.In("config").Wrapf(err, "marshal config")
	}

	return os.WriteFile(path, data, 0644)
}
