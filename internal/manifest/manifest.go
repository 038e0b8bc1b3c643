// Package manifest defines the metadata record that describes one backup
// artifact. The remote manifest copy is the durable source of truth for a
// backup's existence; the local store is an advisory cache.
package manifest

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/ubackup/ubackup/internal/checksum"
)

const Suffix = ".manifest.json"

type Status string

const (
	StatusPending   Status = "pending"
	StatusUploading Status = "uploading"
	StatusVerified  Status = "verified"
	StatusFailed    Status = "failed"
	StatusDeleted   Status = "deleted"
)

type Type string

const (
	TypeFull         Type = "full"
	TypeIncremental  Type = "incremental"
	TypeDifferential Type = "differential"
)

// Encryption records how the artifact payload was encrypted, if at all.
type Encryption struct {
	Algorithm string `json:"algorithm"`            // none, aes-256-gcm
	KeySource string `json:"key_source,omitempty"` // config
}

type Manifest struct {
	ID                  string            `json:"id"`
	CreatedAt           time.Time         `json:"created_at"`
	SourceHost          string            `json:"source_host"`
	SourceDevice        string            `json:"source_device,omitempty"`
	BackupType          Type              `json:"backup_type"`
	Compression         string            `json:"compression"`
	RawSizeBytes        int64             `json:"raw_size_bytes"`
	CompressedSizeBytes int64             `json:"compressed_size_bytes"`
	Checksum            string            `json:"checksum"`
	ChecksumAlgorithm   string            `json:"checksum_algorithm,omitempty"`
	Encryption          Encryption        `json:"encryption"`
	BackendLocations    map[string]string `json:"backend_locations"`
	Status              Status            `json:"status"`
	ToolVersion         string            `json:"tool_version,omitempty"`
}

// NewID derives an identifier from the creation time and source host.
func NewID(when time.Time, host string) string {
	return fmt.Sprintf("%s_%s", host, when.UTC().Format("20060102T150405Z"))
}

// Key returns the sibling manifest object key for an artifact key.
func Key(artifactKey string) string {
	return artifactKey + Suffix
}

// IsManifestKey reports whether a remote key names a manifest object.
func IsManifestKey(key string) bool {
	return len(key) > len(Suffix) && key[len(key)-len(Suffix):] == Suffix
}

// Decode parses a manifest, tolerating records written by older versions:
// unknown fields are ignored and optional fields get defaults.
func Decode(r io.Reader) (Manifest, error) {
	var m Manifest
	if err := json.NewDecoder(r).Decode(&m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	applyDefaults(&m)
	return m, nil
}

func (m Manifest) Encode() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

func applyDefaults(m *Manifest) {
	if m.ChecksumAlgorithm == "" {
		m.ChecksumAlgorithm = checksum.Algorithm
	}
	if m.Encryption.Algorithm == "" {
		m.Encryption.Algorithm = "none"
	}
	if m.BackupType == "" {
		m.BackupType = TypeFull
	}
	if m.BackendLocations == nil {
		m.BackendLocations = map[string]string{}
	}
}

// Summary is the listing view of a manifest on one backend.
type Summary struct {
	ID         string    `json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	BackupType Type      `json:"backup_type"`
	Status     Status    `json:"status"`
	SizeBytes  int64     `json:"size_bytes"`
	Location   string    `json:"location"` // artifact key on the listed backend
}

func Summarize(m Manifest, backendName string) Summary {
	return Summary{
		ID:         m.ID,
		CreatedAt:  m.CreatedAt,
		BackupType: m.BackupType,
		Status:     m.Status,
		SizeBytes:  m.CompressedSizeBytes,
		Location:   m.BackendLocations[backendName],
	}
}

// Latest returns the most recent verified manifest from the list.
// Pending and failed manifests never win, regardless of recency.
func Latest(list []Manifest) (Manifest, bool) {
	verified := make([]Manifest, 0, len(list))
	for _, m := range list {
		if m.Status == StatusVerified {
			verified = append(verified, m)
		}
	}
	if len(verified) == 0 {
		return Manifest{}, false
	}
	sort.Slice(verified, func(i, j int) bool { return verified[i].CreatedAt.After(verified[j].CreatedAt) })
	return verified[0], true
}
