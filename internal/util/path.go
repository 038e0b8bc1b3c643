package util

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// BuildObjectKey constructs a normalized remote key for one artifact.
func BuildObjectKey(prefix, host, backupType string, when time.Time, extension string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	parts = append(parts, host)
	name := fmt.Sprintf("%s_%s_%s", host, backupType, when.UTC().Format("20060102T150405Z"))
	if extension != "" {
		name = name + "." + extension
	}
	parts = append(parts, name)
	return path.Join(parts...)
}

// BuildPrefix builds the listing prefix for one host's backups.
func BuildPrefix(prefix, host string) string {
	parts := []string{}
	if prefix != "" {
		parts = append(parts, strings.Trim(prefix, "/"))
	}
	if host != "" {
		parts = append(parts, host)
	}
	return path.Join(parts...)
}
