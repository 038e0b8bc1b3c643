package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ubackup/ubackup/internal/cryptoutil"
)

const (
	envPrefix = "UBACKUP"
)

// Load reads configuration from a file (optionally encrypted), env vars, and defaults.
func Load(path string) (*Config, error) {
	vp := viper.New()
	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	setDefaults(vp)

	resolved, err := resolveConfigPath(path)
	if err != nil {
		return nil, err
	}

	if resolved != "" {
		data, readErr := os.ReadFile(resolved)
		if readErr != nil {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
		if isEncryptedPath(resolved) {
			if typ := configTypeFromPath(resolved); typ != "" {
				vp.SetConfigType(typ)
			}
			key := os.Getenv("UBACKUP_CONFIG_KEY")
			if key == "" {
				key = vp.GetString("global.config_passphrase")
			}
			if key == "" {
				return nil, errors.New("config file is encrypted but UBACKUP_CONFIG_KEY is not set")
			}
			plain, decErr := decryptConfig(data, key)
			if decErr != nil {
				return nil, fmt.Errorf("decrypt config: %w", decErr)
			}
			if err := vp.ReadConfig(bytes.NewReader(plain)); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		} else {
			vp.SetConfigFile(resolved)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	expandEnv(&cfg)
	applyPostLoadDefaults(&cfg)
	return &cfg, nil
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	if envPath := os.Getenv("UBACKUP_CONFIG"); envPath != "" {
		return envPath, nil
	}

	candidates := []string{
		"ubackup.yaml",
		"ubackup.yml",
		"ubackup.toml",
		"ubackup.json",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}

	// System-wide install location, then the per-user config dir.
	etcBase := "/etc/ubackup"
	for _, c := range candidates {
		p := filepath.Join(etcBase, c)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	configDir, err := os.UserConfigDir()
	if err == nil {
		base := filepath.Join(configDir, "ubackup")
		for _, c := range candidates {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
		for _, c := range []string{"ubackup.yaml.enc", "ubackup.yml.enc", "ubackup.toml.enc"} {
			p := filepath.Join(base, c)
			if _, err := os.Stat(p); err == nil {
				return p, nil
			}
		}
	}

	return "", nil
}

func isEncryptedPath(path string) bool {
	return strings.HasSuffix(path, ".enc") || strings.HasSuffix(path, ".encrypted")
}

func configTypeFromPath(path string) string {
	switch {
	case strings.HasSuffix(path, ".toml") || strings.HasSuffix(path, ".toml.enc") || strings.HasSuffix(path, ".toml.encrypted"):
		return "toml"
	case strings.HasSuffix(path, ".json") || strings.HasSuffix(path, ".json.enc") || strings.HasSuffix(path, ".json.encrypted"):
		return "json"
	default:
		return "yaml"
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("global.log_level", "info")
	vp.SetDefault("global.log_format", "json")
	vp.SetDefault("global.temp_dir", "/tmp/ubackup")
	vp.SetDefault("global.manifest_dir", "/var/lib/ubackup/manifests")
	vp.SetDefault("global.operation_timeout", "12h")
	vp.SetDefault("backup.type", "full")
	vp.SetDefault("backup.compression", "zstd")
	vp.SetDefault("backup.retry_count", 3)
	vp.SetDefault("backup.retry_backoff", "10s")
	vp.SetDefault("backup.estimated_ratio", 0.6)
	vp.SetDefault("backends.enabled", []string{"s3"})
	vp.SetDefault("backends.prefix", "backups")
	vp.SetDefault("backends.s3.region", "us-east-1")
	vp.SetDefault("backends.gdrive.folder_name", "ServerBackups")
	vp.SetDefault("backends.gcs.storage_class", "NEARLINE")
	vp.SetDefault("retention.keep_daily", 7)
	vp.SetDefault("retention.keep_weekly", 4)
	vp.SetDefault("retention.keep_monthly", 6)
	vp.SetDefault("retention.keep_yearly", 1)
	vp.SetDefault("schedule.timezone", "")
}

func applyPostLoadDefaults(cfg *Config) {
	if cfg.Backup.RetryBackoff == 0 {
		cfg.Backup.RetryBackoff = 10 * time.Second
	}
	if cfg.Global.OperationTimeout == 0 {
		cfg.Global.OperationTimeout = 12 * time.Hour
	}
	if cfg.Backup.EstimatedRatio <= 0 || cfg.Backup.EstimatedRatio > 1 {
		cfg.Backup.EstimatedRatio = 0.6
	}
	if cfg.Source.Host == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Source.Host = host
		} else {
			cfg.Source.Host = "unknown-server"
		}
	}
}

func expandEnv(cfg *Config) {
	cfg.Backup.EncryptionKey = os.ExpandEnv(cfg.Backup.EncryptionKey)
	cfg.Backends.S3.AccessKey = os.ExpandEnv(cfg.Backends.S3.AccessKey)
	cfg.Backends.S3.SecretKey = os.ExpandEnv(cfg.Backends.S3.SecretKey)
	cfg.Backends.S3.SessionToken = os.ExpandEnv(cfg.Backends.S3.SessionToken)
	cfg.Backends.GDrive.ClientID = os.ExpandEnv(cfg.Backends.GDrive.ClientID)
	cfg.Backends.GDrive.ClientSecret = os.ExpandEnv(cfg.Backends.GDrive.ClientSecret)
	cfg.Backends.GDrive.RefreshToken = os.ExpandEnv(cfg.Backends.GDrive.RefreshToken)
	cfg.Backends.GDrive.AccessToken = os.ExpandEnv(cfg.Backends.GDrive.AccessToken)
	cfg.Backends.GCS.AccessKey = os.ExpandEnv(cfg.Backends.GCS.AccessKey)
	cfg.Backends.GCS.SecretKey = os.ExpandEnv(cfg.Backends.GCS.SecretKey)
	cfg.Notifications = expandNotificationEnv(cfg.Notifications)
}

func expandNotificationEnv(cfg NotificationsConfig) NotificationsConfig {
	for i := range cfg.Webhooks {
		cfg.Webhooks[i].URL = os.ExpandEnv(cfg.Webhooks[i].URL)
	}
	for i := range cfg.Mattermost {
		cfg.Mattermost[i].URL = os.ExpandEnv(cfg.Mattermost[i].URL)
	}
	for i := range cfg.Matrix {
		cfg.Matrix[i].ServerURL = os.ExpandEnv(cfg.Matrix[i].ServerURL)
		cfg.Matrix[i].AccessToken = os.ExpandEnv(cfg.Matrix[i].AccessToken)
		cfg.Matrix[i].RoomID = os.ExpandEnv(cfg.Matrix[i].RoomID)
	}
	return cfg
}

func decryptConfig(ciphertext []byte, key string) ([]byte, error) {
	parsed, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return cryptoutil.DecryptConfig(ciphertext, parsed)
}
