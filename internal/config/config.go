package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/streambot/internal/env"
	"github.com/loykin/streambot/internal/logger"
)

// DefaultPath is the settings file used when none is given.
const DefaultPath = "bot_config.json"

// Placeholder values written by Bootstrap. A settings file still holding
// them is rejected by Validate.
const (
	PlaceholderToken  = "REPLACE_WITH_YOUR_BOT_TOKEN"
	PlaceholderChatID = 0
)

// ErrBootstrapped is returned after a default settings file has been written.
// The operator must edit it and restart.
var ErrBootstrapped = errors.New("default settings written; edit the file and restart")

// InvalidError reports a settings file that cannot be used.
type InvalidError struct {
	Path     string
	Problems []string
	Err      error
}

func (e *InvalidError) Error() string {
	msg := "invalid settings"
	if e.Path != "" {
		msg += " in " + e.Path
	}
	if len(e.Problems) > 0 {
		msg += ": " + strings.Join(e.Problems, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvalidError) Unwrap() error { return e.Err }

// Settings is the operator-supplied configuration, loaded once at startup.
type Settings struct {
	TelegramBotToken string        `mapstructure:"telegram_bot_token"`
	AllowedChatID    int64         `mapstructure:"allowed_chat_id"`
	StreamScriptPath string        `mapstructure:"stream_script_path"`
	PIDFile          string        `mapstructure:"pid_file"`
	LogFile          string        `mapstructure:"log_file"`
	LockTimeout      time.Duration `mapstructure:"lock_timeout"`
	MaxLogBytes      int64         `mapstructure:"max_log_bytes"`

	Worker  WorkerConfig  `mapstructure:"worker"`
	Stop    StopConfig    `mapstructure:"stop"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	HTTP    HTTPConfig    `mapstructure:"http"`
	History HistoryConfig `mapstructure:"history"`

	// Path is the file the settings were read from.
	Path string `mapstructure:"-"`
}

type WorkerConfig struct {
	Interpreter string   `mapstructure:"interpreter"`
	WorkDir     string   `mapstructure:"workdir"`
	Output      string   `mapstructure:"output"`
	Env         []string `mapstructure:"env"`
	EnvFiles    []string `mapstructure:"env_files"`
}

type StopConfig struct {
	Grace        time.Duration `mapstructure:"grace"`
	KillTimeout  time.Duration `mapstructure:"kill_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	Color      bool   `mapstructure:"color"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

type HTTPConfig struct {
	Listen   string    `mapstructure:"listen"`
	BasePath string    `mapstructure:"base_path"`
	Token    string    `mapstructure:"token"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig serves the HTTP control API over TLS. Either CertFile and KeyFile
// or Dir (holding tls.crt and tls.key) must be set when Enabled.
type TLSConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	CertFile     string `mapstructure:"cert_file"`
	KeyFile      string `mapstructure:"key_file"`
	Dir          string `mapstructure:"dir"`
	AutoGenerate bool   `mapstructure:"auto_generate"` // self-signed into Dir when missing
	MinVersion   string `mapstructure:"min_version"`   // "1.2" or "1.3"
}

type HistoryConfig struct {
	DSN []string `mapstructure:"dsn"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix("STREAMBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("telegram_bot_token", PlaceholderToken)
	v.SetDefault("allowed_chat_id", PlaceholderChatID)
	v.SetDefault("stream_script_path", "streamer.py")
	v.SetDefault("pid_file", "stream_process.pid")
	v.SetDefault("log_file", "ffmpeg_log.txt")
	v.SetDefault("lock_timeout", "5s")
	v.SetDefault("max_log_bytes", 49<<20)

	v.SetDefault("worker.interpreter", "python3")
	v.SetDefault("worker.workdir", "")
	v.SetDefault("worker.output", "")
	v.SetDefault("worker.env", []string{})
	v.SetDefault("worker.env_files", []string{})

	v.SetDefault("stop.grace", "2s")
	v.SetDefault("stop.kill_timeout", "3s")
	v.SetDefault("stop.poll_interval", "100ms")

	v.SetDefault("log.level", logger.LevelInfo)
	v.SetDefault("log.file", "")
	v.SetDefault("log.color", true)
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.listen", "")

	v.SetDefault("http.listen", "")
	v.SetDefault("http.base_path", "/api")
	v.SetDefault("http.token", "")
	v.SetDefault("http.tls.enabled", false)
	v.SetDefault("http.tls.cert_file", "")
	v.SetDefault("http.tls.key_file", "")
	v.SetDefault("http.tls.dir", "")
	v.SetDefault("http.tls.auto_generate", false)
	v.SetDefault("http.tls.min_version", "1.2")

	v.SetDefault("history.dsn", []string{})
	return v
}

// Load reads the settings file at path. A missing file is bootstrapped with
// defaults and ErrBootstrapped is returned. Malformed or incomplete settings
// yield *InvalidError.
func Load(path string) (*Settings, error) {
	if path == "" {
		path = DefaultPath
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if berr := Bootstrap(path); berr != nil {
			return nil, berr
		}
		return nil, fmt.Errorf("%s: %w", path, ErrBootstrapped)
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, &InvalidError{Path: path, Err: err}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, &InvalidError{Path: path, Err: err}
	}
	s.Path = path
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Bootstrap writes a settings file holding the defaults and placeholders.
// It refuses to overwrite an existing file.
func Bootstrap(path string) error {
	if path == "" {
		path = DefaultPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create settings dir: %w", err)
		}
	}
	v := newViper()
	// the file carries a secret once edited
	v.SetConfigPermissions(0o600)
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("write default settings: %w", err)
	}
	return nil
}

// Validate checks that every required field is set and not a placeholder.
func (s *Settings) Validate() error {
	var problems []string
	if strings.TrimSpace(s.TelegramBotToken) == "" || s.TelegramBotToken == PlaceholderToken {
		problems = append(problems, "telegram_bot_token is not set")
	}
	if s.AllowedChatID == PlaceholderChatID {
		problems = append(problems, "allowed_chat_id is not set")
	}
	if strings.TrimSpace(s.StreamScriptPath) == "" {
		problems = append(problems, "stream_script_path is empty")
	}
	if strings.TrimSpace(s.PIDFile) == "" {
		problems = append(problems, "pid_file is empty")
	}
	if strings.TrimSpace(s.LogFile) == "" {
		problems = append(problems, "log_file is empty")
	}
	if s.LockTimeout <= 0 {
		problems = append(problems, "lock_timeout must be positive")
	}
	if s.MaxLogBytes <= 0 {
		problems = append(problems, "max_log_bytes must be positive")
	}
	if s.Stop.Grace < 0 || s.Stop.KillTimeout < 0 {
		problems = append(problems, "stop timeouts must not be negative")
	}
	if s.Stop.PollInterval <= 0 {
		problems = append(problems, "stop.poll_interval must be positive")
	}
	if _, err := logger.ParseLevel(s.Log.Level); err != nil {
		problems = append(problems, "log.level: "+err.Error())
	}
	if s.HTTP.Listen != "" && strings.TrimSpace(s.HTTP.Token) == "" {
		problems = append(problems, "http.token is required when http.listen is set")
	}
	if t := s.HTTP.TLS; t.Enabled {
		if (t.CertFile == "") != (t.KeyFile == "") {
			problems = append(problems, "http.tls.cert_file and http.tls.key_file must be set together")
		}
		if t.CertFile == "" && t.Dir == "" {
			problems = append(problems, "http.tls needs cert_file/key_file or dir")
		}
		switch t.MinVersion {
		case "", "1.2", "1.3":
		default:
			problems = append(problems, "http.tls.min_version must be 1.2 or 1.3")
		}
	}
	if len(problems) > 0 {
		return &InvalidError{Path: s.Path, Problems: problems}
	}
	return nil
}

// LoggerConfig maps the log section onto logger.Config.
func (s *Settings) LoggerConfig() logger.Config {
	return logger.Config{
		Level:      s.Log.Level,
		File:       s.Log.File,
		Color:      s.Log.Color,
		MaxSizeMB:  s.Log.MaxSizeMB,
		MaxBackups: s.Log.MaxBackups,
		MaxAgeDays: s.Log.MaxAgeDays,
		Compress:   s.Log.Compress,
	}
}

// WorkerEnv merges worker.env_files in order, then worker.env on top.
// The result is sorted by key; ${VAR} references are left for the launcher.
func (s *Settings) WorkerEnv() ([]string, error) {
	e := env.New()
	if err := e.Load(s.Worker.EnvFiles...); err != nil {
		return nil, fmt.Errorf("worker %w", err)
	}
	return e.Pairs(s.Worker.Env), nil
}
