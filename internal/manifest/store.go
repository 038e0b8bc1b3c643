package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store is the local manifest cache. Saves are atomic (write then rename) so
// a crash never leaves a half-written manifest claiming to describe a backup.
type Store struct {
	Dir string
}

func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create manifest dir: %w", err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.Dir, id+Suffix)
}

func (s *Store) Save(m Manifest) error {
	payload, err := m.Encode()
	if err != nil {
		return err
	}
	tmp := s.path(m.ID) + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(m.ID))
}

func (s *Store) Load(id string) (Manifest, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return Manifest{}, err
	}
	return Decode(bytes.NewReader(data))
}

func (s *Store) List() ([]Manifest, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var out []Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Suffix) {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(s.Dir, entry.Name()))
		if readErr != nil {
			continue
		}
		m, decErr := Decode(bytes.NewReader(data))
		if decErr != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *Store) Remove(id string) error {
	err := os.Remove(s.path(id))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// SweepUnverified drops cached manifests that never reached a terminal
// verified state. An interrupted run must not leave a record that looks like
// a usable backup.
func (s *Store) SweepUnverified() ([]string, error) {
	list, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, m := range list {
		if m.Status == StatusVerified || m.Status == StatusDeleted {
			continue
		}
		if err := s.Remove(m.ID); err == nil {
			removed = append(removed, m.ID)
		}
	}
	return removed, nil
}
