package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"catalogscan/internal/platform"
	"catalogscan/pkg/types"
)

const fileSuffix = ".txt"

// FileStore keeps one text file per domain under a directory.
type FileStore struct {
	dir     string
	lockTTL time.Duration
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string, lockTTL time.Duration) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("file store requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	return &FileStore{dir: dir, lockTTL: lockTTL}, nil
}

// Path returns the discovery file for domain.
func (s *FileStore) Path(domain string) string {
	return filepath.Join(s.dir, fileName(domain)+fileSuffix)
}

// Load returns the stored products for domain, or nil when none exist.
func (s *FileStore) Load(ctx context.Context, domain string) ([]types.Product, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path(domain))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open discoveries: %w", err)
	}
	defer f.Close()
	products, err := ReadRecords(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", domain, err)
	}
	return products, nil
}

// LastIdentifier returns the highest product id recoverable from the stored URLs.
func (s *FileStore) LastIdentifier(ctx context.Context, domain string) (int64, error) {
	products, err := s.Load(ctx, domain)
	if err != nil {
		return 0, err
	}
	return MaxIdentifier(products), nil
}

// Save replaces the domain file atomically via a temp file and rename.
func (s *FileStore) Save(ctx context.Context, domain string, products []types.Product) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "."+fileName(domain)+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if err := WriteRecords(tmp, products); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write discoveries: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync discoveries: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close discoveries: %w", err)
	}
	if err := s.quarantineUnreadable(domain); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.Path(domain)); err != nil {
		return fmt.Errorf("replace discoveries: %w", err)
	}
	committed = true
	return nil
}

// quarantineUnreadable moves a domain file that no longer parses to
// <file>.bad-<unix> so a save never overwrites records it could not read.
func (s *FileStore) quarantineUnreadable(domain string) error {
	path := s.Path(domain)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open discoveries: %w", err)
	}
	_, perr := ReadRecords(f)
	f.Close()
	if !errors.Is(perr, ErrMalformedRecord) {
		return nil
	}
	aside := fmt.Sprintf("%s.bad-%d", path, time.Now().UnixNano())
	if err := os.Rename(path, aside); err != nil {
		return fmt.Errorf("move unreadable discoveries aside: %w", err)
	}
	return nil
}

// Lock takes the cross-process lock for domain.
func (s *FileStore) Lock(_ context.Context, domain string) (Unlocker, error) {
	lock, err := AcquireDomainLock(filepath.Join(s.dir, fileName(domain)+".lock"), s.lockTTL)
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

// fileName maps a domain key to a safe file stem.
func fileName(domain string) string {
	domain = platform.DomainKey(domain)
	replacer := strings.NewReplacer(":", "_", "/", "_", "\\", "_", "..", "_")
	if domain = replacer.Replace(domain); domain == "" {
		domain = "_"
	}
	return domain
}
