package workspace

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/splax/permadeploy/internal/domain"
)

// ErrLogNotFound indicates no build log exists for the requested area.
var ErrLogNotFound = errors.New("workspace: build log not found")

// Manager owns the owner/repository build areas under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// AreaPath returns the build area for an address.
func (m *Manager) AreaPath(addr domain.Address) string {
	return filepath.Join(m.root, addr.Owner, addr.RepoName)
}

// OwnerFolders lists the repository folders present in the owner's build area.
func (m *Manager) OwnerFolders(owner string) ([]string, error) {
	if err := domain.ValidSegment(owner); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(m.root, owner))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list owner area: %w", err)
	}
	folders := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			folders = append(folders, entry.Name())
		}
	}
	sort.Strings(folders)
	return folders, nil
}

// Prepare creates the build area and clears stale source and output directories.
// The build log is left for the executor to truncate.
func (m *Manager) Prepare(addr domain.Address) (string, error) {
	dir := m.AreaPath(addr)
	if err := m.confined(dir); err != nil {
		return "", err
	}
	for _, name := range []string{domain.SourceDirName, domain.OutputDirName} {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return "", fmt.Errorf("cleanup workspace: %w", err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes a path inside the workspace root.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if err := m.confined(path); err != nil {
		return err
	}
	return os.RemoveAll(path)
}

// RemoveArea deletes the whole owner/repository build area, including the log,
// and drops the owner directory once it is empty.
func (m *Manager) RemoveArea(addr domain.Address) error {
	if err := m.Cleanup(m.AreaPath(addr)); err != nil {
		return err
	}
	ownerDir := filepath.Join(m.root, addr.Owner)
	if err := os.Remove(ownerDir); err != nil && !errors.Is(err, fs.ErrNotExist) && !isNotEmpty(err) {
		return fmt.Errorf("remove owner area: %w", err)
	}
	return nil
}

// ReadLog returns the build log for an address.
func (m *Manager) ReadLog(addr domain.Address) ([]byte, error) {
	path := filepath.Join(m.AreaPath(addr), domain.LogFileName)
	if err := m.confined(path); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrLogNotFound
		}
		return nil, fmt.Errorf("read build log: %w", err)
	}
	return data, nil
}

// confined refuses paths that escape the configured root or name the root itself.
func (m *Manager) confined(path string) error {
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("refusing to touch path outside workspace root")
	}
	return nil
}

func isNotEmpty(err error) bool {
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr.Err, fs.ErrExist) || strings.Contains(pathErr.Err.Error(), "not empty")
	}
	return false
}
