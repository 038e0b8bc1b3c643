package config

import "time"

// Config is the root configuration schema.
type Config struct {
	Global        GlobalConfig        `mapstructure:"global"`
	Source        SourceConfig        `mapstructure:"source"`
	Backup        BackupConfig        `mapstructure:"backup"`
	Restore       RestoreConfig       `mapstructure:"restore"`
	Backends      BackendsConfig      `mapstructure:"backends"`
	Retention     RetentionConfig     `mapstructure:"retention"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Schedule      ScheduleConfig      `mapstructure:"schedule"`
}

type GlobalConfig struct {
	LogLevel         string        `mapstructure:"log_level"`
	LogFormat        string        `mapstructure:"log_format"` // json or console
	LockFile         string        `mapstructure:"lock_file"`
	TempDir          string        `mapstructure:"temp_dir"`
	ManifestDir      string        `mapstructure:"manifest_dir"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	ConfigPassphrase string        `mapstructure:"config_passphrase"` // optional; may come from env
}

// SourceConfig identifies the machine and block device being protected.
type SourceConfig struct {
	Host   string `mapstructure:"host"`   // defaults to os.Hostname
	Device string `mapstructure:"device"` // e.g. /dev/sda; auto-detected when empty
}

type BackupConfig struct {
	Type           string        `mapstructure:"type"`        // full, incremental, differential
	Compression    string        `mapstructure:"compression"` // none, gzip, zstd
	Encryption     bool          `mapstructure:"encryption"`
	EncryptionKey  string        `mapstructure:"encryption_key"`
	RetryCount     int           `mapstructure:"retry_count"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	EstimatedRatio float64       `mapstructure:"estimated_ratio"` // temp-space estimate: device size x ratio
	KeepLocalCache bool          `mapstructure:"keep_local_cache"`
}

type RestoreConfig struct {
	DryRun     bool `mapstructure:"dry_run"`
	SkipVerify bool `mapstructure:"skip_verify"`
}

// RetentionConfig holds the grandfather-father-son schedule counts.
type RetentionConfig struct {
	KeepDaily   int `mapstructure:"keep_daily"`
	KeepWeekly  int `mapstructure:"keep_weekly"`
	KeepMonthly int `mapstructure:"keep_monthly"`
	KeepYearly  int `mapstructure:"keep_yearly"`
}

type BackendsConfig struct {
	Enabled []string     `mapstructure:"enabled"` // s3, gdrive, gcs
	Prefix  string       `mapstructure:"prefix"`
	S3      S3Config     `mapstructure:"s3"`
	GDrive  GDriveConfig `mapstructure:"gdrive"`
	GCS     GCSConfig    `mapstructure:"gcs"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKey       string `mapstructure:"access_key"`
	SecretKey       string `mapstructure:"secret_key"`
	SessionToken    string `mapstructure:"session_token"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	TLSInsecureSkip bool   `mapstructure:"tls_insecure_skip"`
}

type GDriveConfig struct {
	FolderName   string `mapstructure:"folder_name"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RefreshToken string `mapstructure:"refresh_token"`
	AccessToken  string `mapstructure:"access_token"`
}

// GCSConfig addresses Google Cloud Storage through its S3-interoperable
// XML API; the keys are HMAC interoperability credentials.
type GCSConfig struct {
	Bucket       string `mapstructure:"bucket"`
	AccessKey    string `mapstructure:"access_key"`
	SecretKey    string `mapstructure:"secret_key"`
	StorageClass string `mapstructure:"storage_class"` // e.g. NEARLINE
}

type NotificationsConfig struct {
	Webhooks   []WebhookConfig  `mapstructure:"webhooks"`
	Mattermost []MattermostHook `mapstructure:"mattermost"`
	Matrix     []MatrixConfig   `mapstructure:"matrix"`
}

type WebhookConfig struct {
	Name    string            `mapstructure:"name"`
	URL     string            `mapstructure:"url"`
	Headers map[string]string `mapstructure:"headers"`
}

type MattermostHook struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

type MatrixConfig struct {
	Name        string `mapstructure:"name"`
	ServerURL   string `mapstructure:"server_url"`
	AccessToken string `mapstructure:"access_token"`
	RoomID      string `mapstructure:"room_id"`
}

type ScheduleConfig struct {
	WindowStart string `mapstructure:"window_start"` // HH:MM local time
	WindowEnd   string `mapstructure:"window_end"`
	Timezone    string `mapstructure:"timezone"`
}
