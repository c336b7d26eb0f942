// Package config holds the drivesync process configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/spf13/viper"
)

const (
	BackendS3 = "s3"
	BackendFS = "fs"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigDir  = filepath.Join(home, ".drivesync")
	DefaultConfigPath = filepath.Join(DefaultConfigDir, "config.json")
	DefaultLedgerPath = filepath.Join(DefaultConfigDir, "ledger.json")
	DefaultLogPath    = filepath.Join(DefaultConfigDir, "logs", "drivesync.log")
	DefaultDebounce   = 50 * time.Millisecond
)

type S3Config struct {
	Bucket        string `mapstructure:"bucket" json:"bucket"`
	Region        string `mapstructure:"region" json:"region"`
	Endpoint      string `mapstructure:"endpoint" json:"endpoint,omitempty"`
	AccessKey     string `mapstructure:"access_key" json:"access_key,omitempty"`
	SecretKey     string `mapstructure:"secret_key" json:"secret_key,omitempty"`
	Prefix        string `mapstructure:"prefix" json:"prefix,omitempty"`
	UseAccelerate bool   `mapstructure:"use_accelerate" json:"use_accelerate,omitempty"`
}

type FSConfig struct {
	Dir string `mapstructure:"dir" json:"dir"`
}

type NotifyConfig struct {
	Sound        string   `mapstructure:"sound" json:"sound,omitempty"`
	SoundCommand []string `mapstructure:"sound_command" json:"sound_command,omitempty"`
	Webhook      string   `mapstructure:"webhook" json:"webhook,omitempty"`
	Log          bool     `mapstructure:"log" json:"log,omitempty"`
}

type Config struct {
	RootDir    string        `mapstructure:"root_dir" json:"root_dir"`
	LedgerPath string        `mapstructure:"ledger_path" json:"ledger_path"`
	Backend    string        `mapstructure:"backend" json:"backend"`
	S3         S3Config      `mapstructure:"s3" json:"s3"`
	FS         FSConfig      `mapstructure:"fs" json:"fs"`
	Watcher    string        `mapstructure:"watcher" json:"watcher,omitempty"`
	Debounce   time.Duration `mapstructure:"debounce" json:"debounce"`
	MirrorTree bool          `mapstructure:"mirror_tree" json:"mirror_tree,omitempty"`
	Exclude    []string      `mapstructure:"exclude" json:"exclude,omitempty"`
	Notify     NotifyConfig  `mapstructure:"notify" json:"notify"`
	LogFile    string        `mapstructure:"log_file" json:"log_file,omitempty"`
	Path       string        `mapstructure:"-" json:"-"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("ledger_path", DefaultLedgerPath)
	v.SetDefault("backend", BackendS3)
	v.SetDefault("watcher", "notify")
	v.SetDefault("debounce", DefaultDebounce)
	v.SetDefault("log_file", DefaultLogPath)
	v.SetDefault("s3.region", "us-east-1")

	// viper only unmarshals environment overrides for keys it knows about
	for _, key := range []string{
		"root_dir", "s3.bucket", "s3.endpoint", "s3.access_key", "s3.secret_key", "s3.prefix",
		"fs.dir", "notify.sound", "notify.webhook",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("s3.use_accelerate", false)
	v.SetDefault("mirror_tree", false)
	v.SetDefault("notify.log", false)
	v.SetDefault("exclude", []string{})
}

// FromViper decodes and validates the configuration held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes paths and checks that the selected backend is usable.
func (c *Config) Validate() error {
	var err error

	if c.RootDir == "" {
		return errors.New("root dir is required")
	}
	if c.RootDir, err = utils.CanonicalPath(c.RootDir); err != nil {
		return fmt.Errorf("root dir: %w", err)
	}
	if !utils.DirExists(c.RootDir) {
		return fmt.Errorf("root dir %s does not exist or is not a directory", c.RootDir)
	}

	if c.LedgerPath == "" {
		c.LedgerPath = DefaultLedgerPath
	}
	if c.LedgerPath, err = utils.CanonicalPath(c.LedgerPath); err != nil {
		return fmt.Errorf("ledger path: %w", err)
	}

	if c.LogFile != "" {
		if c.LogFile, err = utils.CanonicalPath(c.LogFile); err != nil {
			return fmt.Errorf("log file: %w", err)
		}
	}

	if c.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative, got %s", c.Debounce)
	}

	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case BackendS3:
		if c.S3.Bucket == "" {
			return errors.New("s3 backend: bucket is required")
		}
		if (c.S3.AccessKey == "") != (c.S3.SecretKey == "") {
			return errors.New("s3 backend: access key and secret key must be set together")
		}
	case BackendFS:
		if c.FS.Dir == "" {
			return errors.New("fs backend: dir is required")
		}
		if c.FS.Dir, err = utils.CanonicalPath(c.FS.Dir); err != nil {
			return fmt.Errorf("fs backend dir: %w", err)
		}
		if utils.IsWithin(c.RootDir, c.FS.Dir) || utils.IsWithin(c.FS.Dir, c.RootDir) {
			return fmt.Errorf("fs backend dir %s overlaps root dir %s", c.FS.Dir, c.RootDir)
		}
	default:
		return fmt.Errorf("unknown backend %q (want %s or %s)", c.Backend, BackendS3, BackendFS)
	}

	if c.Notify.Sound != "" {
		if c.Notify.Sound, err = utils.ResolvePath(c.Notify.Sound); err != nil {
			return fmt.Errorf("notify sound: %w", err)
		}
	}
	if c.Notify.Webhook != "" && !strings.HasPrefix(c.Notify.Webhook, "http://") && !strings.HasPrefix(c.Notify.Webhook, "https://") {
		return fmt.Errorf("notify webhook must be an http(s) url, got %q", c.Notify.Webhook)
	}

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}
	return nil
}

// Save writes the config as JSON to path.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	// may hold s3 secrets
	return os.WriteFile(path, data, 0o600)
}
