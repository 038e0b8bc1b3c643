package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ubackup/ubackup/internal/backend"
	"github.com/ubackup/ubackup/internal/config"
	"github.com/ubackup/ubackup/internal/errs"
	"github.com/ubackup/ubackup/internal/imaging"
	"github.com/ubackup/ubackup/internal/logging"
	"github.com/ubackup/ubackup/internal/manifest"
	"github.com/ubackup/ubackup/internal/notify"
	"github.com/ubackup/ubackup/internal/pipeline"
	"github.com/ubackup/ubackup/internal/version"
)

type rootFlags struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string
}

type overrideFlags struct {
	Device        string
	Host          string
	TempDir       string
	S3Endpoint    string
	S3Bucket      string
	S3AccessKey   string
	S3SecretKey   string
	S3Region      string
	GDriveFolder  string
	GCSBucket     string
	GCSAccessKey  string
	GCSSecretKey  string
	EncryptionKey string
}

// exitCodeError carries the documented CLI exit code:
// 0 all backends verified, 1 partial success, 2 total/precondition failure.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit code %d", e.code)
	}
	return e.err.Error()
}

func main() {
	root := &rootFlags{}
	overrides := &overrideFlags{}

	rootCmd := &cobra.Command{
		Use:           "ubackup",
		Short:         "Full-disk backup and disaster recovery to redundant cloud storage",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&root.ConfigPath, "config", "", "Path to config file (yaml/toml/json or .enc)")
	rootCmd.PersistentFlags().StringVar(&root.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&root.LogFormat, "log-format", "", "Log format (json, console)")

	rootCmd.PersistentFlags().StringVar(&overrides.Device, "device", "", "Source block device (e.g. /dev/sda)")
	rootCmd.PersistentFlags().StringVar(&overrides.Host, "host", "", "Host label used in backup names")
	rootCmd.PersistentFlags().StringVar(&overrides.TempDir, "temp-dir", "", "Temp directory for staged artifacts")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Endpoint, "s3-endpoint", "", "S3 endpoint")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Bucket, "s3-bucket", "", "S3 bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.S3AccessKey, "s3-access-key", "", "S3 access key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3SecretKey, "s3-secret-key", "", "S3 secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.S3Region, "s3-region", "", "S3 region")
	rootCmd.PersistentFlags().StringVar(&overrides.GDriveFolder, "gdrive-folder", "", "Google Drive folder name")
	rootCmd.PersistentFlags().StringVar(&overrides.GCSBucket, "gcs-bucket", "", "Google Cloud Storage bucket")
	rootCmd.PersistentFlags().StringVar(&overrides.GCSAccessKey, "gcs-access-key", "", "GCS HMAC access key")
	rootCmd.PersistentFlags().StringVar(&overrides.GCSSecretKey, "gcs-secret-key", "", "GCS HMAC secret key")
	rootCmd.PersistentFlags().StringVar(&overrides.EncryptionKey, "encryption-key", "", "Encryption key (base64 or hex)")

	rootCmd.AddCommand(newBackupCmd(root, overrides))
	rootCmd.AddCommand(newRestoreCmd(root, overrides))
	rootCmd.AddCommand(newListCmd(root, overrides))
	rootCmd.AddCommand(newValidateCmd(root, overrides))
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

func newBackupCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var backendSel string
	var name string
	var backupType string
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a full disk backup and upload it to the configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			if name != "" {
				cfg.Source.Host = name
			}
			if backupType != "" {
				cfg.Backup.Type = strings.ToLower(backupType)
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()

			pl, err := buildPipeline(ctx, cfg, backendSel, logger)
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			res, err := pl.RunBackup(ctx, dryRun)
			if err != nil {
				var pre *errs.PreconditionError
				if errors.As(err, &pre) {
					return &exitCodeError{code: 2, err: err}
				}
				if res != nil {
					return &exitCodeError{code: res.ExitCode(), err: err}
				}
				return &exitCodeError{code: 2, err: err}
			}
			for _, b := range res.Backends {
				state := "verified"
				if !b.Verified() {
					state = "failed: " + b.Err.Error()
				}
				fmt.Printf("%s\t%s\n", b.Backend, state)
			}
			if code := res.ExitCode(); code != 0 {
				return &exitCodeError{code: code, err: fmt.Errorf("backup finished with outcome %s", res.Outcome())}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&backendSel, "backend", "all", "Backend to upload to (s3, gdrive, gcs, all)")
	cmd.Flags().StringVar(&name, "name", "", "Backup name label (defaults to hostname)")
	cmd.Flags().StringVar(&backupType, "type", "", "Backup type (full/incremental/differential)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Check preconditions and report readiness without imaging")
	return cmd
}

func newRestoreCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var backendSel string
	var list bool
	var backupSel string
	var target string
	var dryRun bool
	var yes bool
	var noVerify bool

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore a backup onto a target disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			if !cmd.Flags().Changed("dry-run") {
				dryRun = cfg.Restore.DryRun
			}
			if !cmd.Flags().Changed("no-verify") {
				noVerify = cfg.Restore.SkipVerify
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()

			if backendSel == "" || backendSel == "all" {
				return fmt.Errorf("--backend must name a single backend for restore")
			}
			pl, err := buildPipeline(ctx, cfg, backendSel, logger)
			if err != nil {
				return err
			}
			b := pl.Backends[0]

			if list {
				return printBackups(ctx, pl, b)
			}
			if backupSel == "" {
				return fmt.Errorf("--backup is required (an id or \"latest\"); use --list to see available backups")
			}
			if target == "" && !dryRun {
				printDisks(ctx)
				return fmt.Errorf("--target is required for restoration")
			}

			req := pipeline.RestoreRequest{
				Backend:      b,
				Selector:     backupSel,
				TargetDevice: target,
				DryRun:       dryRun,
				SkipVerify:   noVerify,
				Confirm:      confirmRestore(yes),
			}
			if err := pl.RunRestore(ctx, req); err != nil {
				return err
			}
			logger.Info().Str("device", target).Msg("restore completed; reboot when ready")
			return nil
		},
	}

	cmd.Flags().StringVar(&backendSel, "backend", "", "Backend to restore from (s3, gdrive, gcs)")
	cmd.Flags().BoolVar(&list, "list", false, "List available backups on the backend")
	cmd.Flags().StringVar(&backupSel, "backup", "", "Backup id to restore, or \"latest\"")
	cmd.Flags().StringVar(&target, "target", "", "Target disk (e.g. /dev/sda)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Resolve and report without downloading or writing")
	cmd.Flags().BoolVar(&yes, "yes", false, "Skip the interactive confirmation before the device write")
	cmd.Flags().BoolVar(&noVerify, "no-verify", false, "Skip checksum verification (not recommended)")
	return cmd
}

func newListCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var backendSel string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List available backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return err
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()
			pl, err := buildPipeline(ctx, cfg, backendSel, logger)
			if err != nil {
				return err
			}
			for _, b := range pl.Backends {
				if err := printBackups(ctx, pl, b); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&backendSel, "backend", "all", "Backend to list (s3, gdrive, gcs, all)")
	return cmd
}

func newValidateCmd(root *rootFlags, overrides *overrideFlags) *cobra.Command {
	var backendSel string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration, device access, and backend connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root, overrides)
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			logger := logging.Configure(cfg.Global.LogLevel, cfg.Global.LogFormat)
			ctx, cancel := context.WithTimeout(context.Background(), cfg.Global.OperationTimeout)
			defer cancel()
			pl, err := buildPipeline(ctx, cfg, backendSel, logger)
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			res, err := pl.RunBackup(ctx, true)
			if err != nil {
				return &exitCodeError{code: 2, err: err}
			}
			for _, b := range res.Backends {
				state := "reachable"
				if !b.Verified() {
					state = "unreachable: " + b.Err.Error()
				}
				fmt.Printf("%s\t%s\n", b.Backend, state)
			}
			logger.Info().Msg("validation succeeded")
			return nil
		},
	}
	cmd.Flags().StringVar(&backendSel, "backend", "all", "Backends to probe (s3, gdrive, gcs, all)")
	return cmd
}

func newConfigCmd() *cobra.Command {
	var input string
	var output string
	var key string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Config utilities",
	}

	encrypt := &cobra.Command{
		Use:   "encrypt",
		Short: "Encrypt a config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if input == "" || output == "" || key == "" {
				return fmt.Errorf("--input, --output, and --key are required")
			}
			return config.EncryptConfigFile(input, output, key)
		},
	}
	encrypt.Flags().StringVar(&input, "input", "", "Input config file")
	encrypt.Flags().StringVar(&output, "output", "", "Output encrypted config file")
	encrypt.Flags().StringVar(&key, "key", "", "Encryption key (base64 or hex)")

	cmd.AddCommand(encrypt)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ubackup %s (commit %s, built %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}

func buildPipeline(ctx context.Context, cfg *config.Config, backendSel string, logger zerolog.Logger) (*pipeline.Pipeline, error) {
	backends, err := backend.Build(ctx, cfg.Backends, cfg.Source.Host, backendSel, cfg.Backup.RetryCount, cfg.Backup.RetryBackoff)
	if err != nil {
		return nil, err
	}
	store, err := manifest.NewStore(cfg.Global.ManifestDir)
	if err != nil {
		return nil, err
	}
	return pipeline.New(cfg, imaging.NewDD(), backends, store, logger, notify.FromConfig(cfg.Notifications)), nil
}

func printBackups(ctx context.Context, pl *pipeline.Pipeline, b backend.Backend) error {
	summaries, err := pl.ListBackups(ctx, b)
	if err != nil {
		return err
	}
	for _, s := range summaries {
		fmt.Printf("%s\t%s\t%s\t%s\t%d\t%s\n",
			b.Name(), s.ID, s.BackupType, s.Status, s.SizeBytes, s.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func printDisks(ctx context.Context) {
	disks, err := imaging.ListDisks(ctx)
	if err != nil {
		return
	}
	fmt.Println("Available disks:")
	for _, d := range disks {
		fmt.Printf("  %s\t%d bytes\n", d.Device, d.SizeBytes)
	}
}

// confirmRestore builds the confirmation gate for the destructive write.
func confirmRestore(yes bool) func(device, backupID string) bool {
	return func(device, backupID string) bool {
		if yes {
			return true
		}
		fmt.Printf("WARNING: restoring %s will ERASE ALL DATA on %s.\nType 'YES' to continue: ", backupID, device)
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return false
		}
		return strings.TrimSpace(scanner.Text()) == "YES"
	}
}

func loadConfig(root *rootFlags, overrides *overrideFlags) (*config.Config, error) {
	cfg, err := config.Load(root.ConfigPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, root, overrides)
	return cfg, nil
}

func applyOverrides(cfg *config.Config, root *rootFlags, overrides *overrideFlags) {
	if root.LogLevel != "" {
		cfg.Global.LogLevel = root.LogLevel
	}
	if root.LogFormat != "" {
		cfg.Global.LogFormat = root.LogFormat
	}
	if overrides.Device != "" {
		cfg.Source.Device = overrides.Device
	}
	if overrides.Host != "" {
		cfg.Source.Host = overrides.Host
	}
	if overrides.TempDir != "" {
		cfg.Global.TempDir = overrides.TempDir
	}
	if overrides.S3Endpoint != "" {
		cfg.Backends.S3.Endpoint = overrides.S3Endpoint
	}
	if overrides.S3Bucket != "" {
		cfg.Backends.S3.Bucket = overrides.S3Bucket
	}
	if overrides.S3AccessKey != "" {
		cfg.Backends.S3.AccessKey = overrides.S3AccessKey
	}
	if overrides.S3SecretKey != "" {
		cfg.Backends.S3.SecretKey = overrides.S3SecretKey
	}
	if overrides.S3Region != "" {
		cfg.Backends.S3.Region = overrides.S3Region
	}
	if overrides.GDriveFolder != "" {
		cfg.Backends.GDrive.FolderName = overrides.GDriveFolder
	}
	if overrides.GCSBucket != "" {
		cfg.Backends.GCS.Bucket = overrides.GCSBucket
	}
	if overrides.GCSAccessKey != "" {
		cfg.Backends.GCS.AccessKey = overrides.GCSAccessKey
	}
	if overrides.GCSSecretKey != "" {
		cfg.Backends.GCS.SecretKey = overrides.GCSSecretKey
	}
	if overrides.EncryptionKey != "" {
		cfg.Backup.EncryptionKey = overrides.EncryptionKey
		cfg.Backup.Encryption = true
	}
	cfg.Backup.Type = strings.ToLower(cfg.Backup.Type)
	cfg.Backup.Compression = strings.ToLower(cfg.Backup.Compression)
}
