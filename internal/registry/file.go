package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/splax/permadeploy/internal/domain"
)

// FileStore keeps the registry as a JSON array in a single file. Writes go
// through a temporary file that is synced and renamed over the original.
type FileStore struct {
	path string
	now  func() time.Time

	mu sync.RWMutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore returns a store persisted at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

// Init creates an empty registry when none exists.
func (s *FileStore) Init(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if _, err := os.Stat(s.path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat registry: %w", err)
	}
	return s.writeLocked([]domain.DeploymentRecord{})
}

// Global returns a snapshot of every record.
func (s *FileStore) Global(ctx context.Context) ([]domain.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.readLocked()
}

// Get returns the record for owner and repoName.
func (s *FileStore) Get(ctx context.Context, owner, repoName string) (domain.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, err := s.readLocked()
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	if idx := indexOf(records, owner, repoName); idx >= 0 {
		return records[idx], nil
	}
	return domain.DeploymentRecord{}, ErrNotFound
}

// FindByOwner returns the owner's record regardless of repository.
func (s *FileStore) FindByOwner(ctx context.Context, owner string) (domain.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, err := s.readLocked()
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	for _, rec := range records {
		if rec.Owner == owner {
			return rec, nil
		}
	}
	return domain.DeploymentRecord{}, ErrNotFound
}

// Add appends a new record.
func (s *FileStore) Add(ctx context.Context, record domain.DeploymentRecord) error {
	record, err := Prepare(record, s.now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.readLocked()
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Owner != record.Owner {
			continue
		}
		if rec.RepoName == record.RepoName {
			return ErrExists
		}
		return fmt.Errorf("%w: %s has %s", ErrOwnerConflict, rec.Owner, rec.RepoName)
	}
	return s.writeLocked(append(records, record))
}

// Update merges patch into the existing record.
func (s *FileStore) Update(ctx context.Context, owner, repoName string, patch Patch) (domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.readLocked()
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	idx := indexOf(records, owner, repoName)
	if idx < 0 {
		return domain.DeploymentRecord{}, ErrNotFound
	}
	patch.Apply(&records[idx], s.now())
	if err := s.writeLocked(records); err != nil {
		return domain.DeploymentRecord{}, err
	}
	return records[idx], nil
}

// DeployCount returns the deploy count for the current day.
func (s *FileStore) DeployCount(ctx context.Context, owner, repoName string) (int, error) {
	rec, err := s.Get(ctx, owner, repoName)
	if err != nil {
		return 0, err
	}
	return rec.EffectiveDeployCount(s.now()), nil
}

// IndividualConfig returns the stored configuration for one deployment.
func (s *FileStore) IndividualConfig(ctx context.Context, owner, repoName string) (domain.DeploymentRecord, error) {
	return s.Get(ctx, owner, repoName)
}

// Remove deletes the record.
func (s *FileStore) Remove(ctx context.Context, owner, repoName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, err := s.readLocked()
	if err != nil {
		return err
	}
	idx := indexOf(records, owner, repoName)
	if idx < 0 {
		return ErrNotFound
	}
	records = append(records[:idx], records[idx+1:]...)
	return s.writeLocked(records)
}

func (s *FileStore) readLocked() ([]domain.DeploymentRecord, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.DeploymentRecord{}, nil
		}
		return nil, fmt.Errorf("read registry: %w", err)
	}
	records := make([]domain.DeploymentRecord, 0)
	if len(data) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	return records, nil
}

func (s *FileStore) writeLocked(records []domain.DeploymentRecord) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".registry-*.json")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write registry: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync registry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close registry: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace registry: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		d.Close()
	}
	return nil
}

func indexOf(records []domain.DeploymentRecord, owner, repoName string) int {
	for i, rec := range records {
		if rec.Owner == owner && rec.RepoName == repoName {
			return i
		}
	}
	return -1
}
