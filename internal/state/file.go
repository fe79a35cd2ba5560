package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"calnotify/internal/config"
)

// FileStore keeps one JSON file per key under a directory.
type FileStore struct {
	dir string
}

// NewFileStore creates dir (0700) if needed. A leading "~/" is expanded.
func NewFileStore(dir string) (*FileStore, error) {
	if strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		dir = filepath.Join(home, dir[2:])
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// pathFor maps a key to a file name. Calendar names are often e-mail
// addresses or URLs, so anything outside a safe alphabet is hashed.
func (s *FileStore) pathFor(key string) string {
	safe := true
	for _, r := range key {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '.' || r == '@') {
			safe = false
			break
		}
	}
	name := key
	if !safe || strings.HasPrefix(key, ".") {
		sum := sha256.Sum256([]byte(key))
		name = hex.EncodeToString(sum[:8])
	}
	return filepath.Join(s.dir, name+".json")
}

// Load reads the record for key.
func (s *FileStore) Load(_ context.Context, key string) (Record, error) {
	if err := validKey(key); err != nil {
		return Record{}, err
	}
	data, err := os.ReadFile(s.pathFor(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return emptyRecord(), nil
		}
		return Record{}, fmt.Errorf("reading state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parsing state: %w", err)
	}
	return fixup(rec), nil
}

// Save writes the record atomically.
func (s *FileStore) Save(_ context.Context, key string, rec Record) error {
	if err := validKey(key); err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(fixup(rec), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}
	if err := config.WriteFileAtomic(s.pathFor(key), data); err != nil {
		return fmt.Errorf("writing state: %w", err)
	}
	return nil
}

// HealthCheck reports whether the state directory is still there.
func (s *FileStore) HealthCheck(_ context.Context) error {
	info, err := os.Stat(s.dir)
	if err != nil {
		return fmt.Errorf("state directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("state directory %s is not a directory", s.dir)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}
