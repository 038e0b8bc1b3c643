package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ubackup/ubackup/internal/config"
)

// Build constructs the backend set for one invocation. selector is a backend
// name or "all"; every returned backend is wrapped with transfer retries.
func Build(ctx context.Context, cfg config.BackendsConfig, host, selector string, retryCount int, retryBackoff time.Duration) ([]Backend, error) {
	names, err := selectNames(cfg.Enabled, selector)
	if err != nil {
		return nil, err
	}
	backends := make([]Backend, 0, len(names))
	for _, name := range names {
		var b Backend
		switch name {
		case "s3":
			b, err = NewS3(cfg.S3)
		case "gdrive":
			b, err = NewGDrive(ctx, cfg.GDrive, host)
		case "gcs":
			b, err = NewGCS(cfg.GCS)
		default:
			err = fmt.Errorf("unsupported backend: %s", name)
		}
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", name, err)
		}
		backends = append(backends, WithRetry(b, retryCount, retryBackoff))
	}
	return backends, nil
}

func selectNames(enabled []string, selector string) ([]string, error) {
	if len(enabled) == 0 {
		return nil, fmt.Errorf("no backends enabled")
	}
	selector = strings.ToLower(strings.TrimSpace(selector))
	if selector == "" || selector == "all" {
		return enabled, nil
	}
	for _, name := range enabled {
		if strings.EqualFold(name, selector) {
			return []string{name}, nil
		}
	}
	return nil, fmt.Errorf("backend %s is not enabled (enabled: %s)", selector, strings.Join(enabled, ", "))
}
