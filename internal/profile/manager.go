package profile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/otiai10/copy"

	"github.com/agentworkforce/projectfs/internal/catalog"
)

const (
	DefaultProfile = "primary"
	LockFileName   = ".projectfs.lock"
)

// Root is the handle for one profile's directory. Every store and index
// operation is addressed through a Root; there is no implicit current
// profile.
type Root struct {
	Name string `json:"name"`
	Dir  string `json:"dir"`
	Info Info   `json:"info"`
}

func (r Root) LocalPath() string {
	return filepath.Join(r.Dir, catalog.LocalStateFileName)
}

func (r Root) SnapshotPath() string {
	return filepath.Join(r.Dir, catalog.SnapshotFileName)
}

func (r Root) MetadataPath() string {
	return filepath.Join(r.Dir, MetadataFileName)
}

// Files lists the backing files that make up the profile.
func (r Root) Files() []string {
	return []string{r.MetadataPath(), r.LocalPath(), r.SnapshotPath()}
}

// Lock takes the profile's advisory lock. It fails with ErrProfileLocked
// while another process holds it.
func (r Root) Lock() (*Lock, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, err
	}
	return acquireLock(filepath.Join(r.Dir, LockFileName))
}

// WorkspaceOptions wires the profile's file stores and change detection.
func (r Root) WorkspaceOptions(logger *slog.Logger) catalog.WorkspaceOptions {
	return catalog.WorkspaceOptions{
		Profile:       r.Name,
		LocalStore:    catalog.NewJSONFileLocalStore(r.LocalPath()),
		SnapshotStore: catalog.NewJSONFileSnapshotStore(r.SnapshotPath()),
		LocalPath:     r.LocalPath(),
		SnapshotPath:  r.SnapshotPath(),
		Logger:        logger,
	}
}

// OpenWorkspace opens the profile's workspace. A non-empty snapshotDSN
// replaces the profile's snapshot file with the named backend, keyed by the
// profile name. Only a file backend is watched for external changes.
func (r Root) OpenWorkspace(snapshotDSN string, logger *slog.Logger) (*catalog.Workspace, error) {
	opts := r.WorkspaceOptions(logger)
	if strings.TrimSpace(snapshotDSN) != "" {
		store, err := catalog.BuildSnapshotStoreFromDSN(snapshotDSN, r.Name)
		if err != nil {
			return nil, fmt.Errorf("snapshot store for profile %s: %w", r.Name, err)
		}
		opts.SnapshotStore = store
		opts.SnapshotPath = ""
		if fileStore, ok := store.(*catalog.JSONFileSnapshotStore); ok {
			opts.SnapshotPath = fileStore.Path
		}
	}
	return catalog.Open(opts)
}

// Manager enumerates and administers the profiles under one root
// directory.
type Manager struct {
	root   string
	logger *slog.Logger
	mu     sync.Mutex
}

func NewManager(root string, logger *slog.Logger) (*Manager, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("%w: profile root is required", catalog.ErrInvalidInput)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{root: abs, logger: logger}, nil
}

func (m *Manager) RootDir() string {
	return m.root
}

func (m *Manager) registryPath() string {
	return filepath.Join(m.root, RegistryFileName)
}

func (m *Manager) resolve(path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(m.root, path)
}

func (m *Manager) relative(dir string) string {
	rel, err := filepath.Rel(m.root, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return dir
	}
	return rel
}

// List returns the registered profiles plus any profile directory found
// directly under the root, sorted by name.
func (m *Manager) List() ([]Root, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, err := loadRegistry(m.registryPath())
	if err != nil {
		return nil, err
	}
	dirs := map[string]string{}
	for name, path := range reg.Profiles {
		dirs[name] = m.resolve(path)
	}
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || ValidateName(name) != nil {
			continue
		}
		if _, ok := dirs[name]; ok {
			continue
		}
		if dir := filepath.Join(m.root, name); isProfileDir(dir) {
			dirs[name] = dir
		}
	}
	out := make([]Root, 0, len(dirs))
	for name, dir := range dirs {
		root, err := m.rootFor(name, dir)
		if err != nil {
			return nil, err
		}
		out = append(out, root)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) rootFor(name, dir string) (Root, error) {
	info, err := loadInfo(filepath.Join(dir, MetadataFileName), name)
	if err != nil {
		return Root{}, err
	}
	return Root{Name: name, Dir: dir, Info: info}, nil
}

func (m *Manager) Select(name string) (Root, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, err := loadRegistry(m.registryPath())
	if err != nil {
		return Root{}, err
	}
	return m.selectLocked(reg, name)
}

func (m *Manager) selectLocked(reg registryFile, name string) (Root, error) {
	if err := ValidateName(name); err != nil {
		return Root{}, err
	}
	if path, ok := reg.Profiles[name]; ok {
		return m.rootFor(name, m.resolve(path))
	}
	if dir := filepath.Join(m.root, name); isProfileDir(dir) {
		return m.rootFor(name, dir)
	}
	return Root{}, &NotFoundError{Name: name}
}

// Create makes a new, empty profile directory under the root. The first
// profile created becomes the active one.
func (m *Manager) Create(name string, info Info) (Root, error) {
	if err := ValidateName(name); err != nil {
		return Root{}, err
	}
	if err := info.Validate(); err != nil {
		return Root{}, fmt.Errorf("%w: %v", catalog.ErrInvalidInput, err)
	}
	if info.DisplayName == "" {
		info.DisplayName = name
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, err := loadRegistry(m.registryPath())
	if err != nil {
		return Root{}, err
	}
	if path, ok := reg.Profiles[name]; ok {
		return Root{}, &ExistsError{Name: name, Path: m.resolve(path)}
	}
	dir := filepath.Join(m.root, name)
	if _, err := os.Stat(dir); err == nil {
		return Root{}, &ExistsError{Name: name, Path: dir}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Root{}, err
	}
	root := Root{Name: name, Dir: dir, Info: info}
	if err := saveInfo(root.MetadataPath(), info); err != nil {
		_ = os.RemoveAll(dir)
		return Root{}, err
	}
	reg.Profiles[name] = name
	if reg.Active == "" {
		reg.Active = name
	}
	if err := saveRegistry(m.registryPath(), reg); err != nil {
		_ = os.RemoveAll(dir)
		return Root{}, err
	}
	m.logger.Info("profile created", "profile", name, "dir", dir)
	return root, nil
}

// Active returns the profile marked active in the registry.
func (m *Manager) Active() (Root, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, err := loadRegistry(m.registryPath())
	if err != nil {
		return Root{}, err
	}
	if reg.Active == "" {
		return Root{}, &NotFoundError{Name: "(active)"}
	}
	return m.selectLocked(reg, reg.Active)
}

func (m *Manager) SetActive(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, err := loadRegistry(m.registryPath())
	if err != nil {
		return err
	}
	root, err := m.selectLocked(reg, name)
	if err != nil {
		return err
	}
	if _, ok := reg.Profiles[name]; !ok {
		reg.Profiles[name] = m.relative(root.Dir)
	}
	reg.Active = name
	return saveRegistry(m.registryPath(), reg)
}

// EnsureDefault returns the active profile, creating the default profile
// first when the root has none.
func (m *Manager) EnsureDefault(info Info) (Root, error) {
	root, err := m.Active()
	if err == nil {
		return root, nil
	}
	if !errors.Is(err, ErrProfileNotFound) {
		return Root{}, err
	}
	profiles, err := m.List()
	if err != nil {
		return Root{}, err
	}
	if len(profiles) > 0 {
		if err := m.SetActive(profiles[0].Name); err != nil {
			return Root{}, err
		}
		return profiles[0], nil
	}
	root, err = m.Create(DefaultProfile, info)
	if err != nil {
		return Root{}, err
	}
	return root, m.SetActive(DefaultProfile)
}

// Move relocates a profile directory. The files are copied, compared with
// the originals, and only then is the registry updated and the original
// removed. A failure before the registry update leaves the profile where it
// was.
func (m *Manager) Move(name, newPath string) (Root, error) {
	newPath = strings.TrimSpace(newPath)
	if newPath == "" {
		return Root{}, fmt.Errorf("%w: destination path is required", catalog.ErrInvalidInput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, err := loadRegistry(m.registryPath())
	if err != nil {
		return Root{}, err
	}
	src, err := m.selectLocked(reg, name)
	if err != nil {
		return Root{}, err
	}
	dst := m.resolve(newPath)
	if dst == src.Dir {
		return src, nil
	}
	if rel, err := filepath.Rel(src.Dir, dst); err == nil && !strings.HasPrefix(rel, "..") {
		return Root{}, fmt.Errorf("%w: cannot move profile into itself", catalog.ErrInvalidInput)
	}
	if entries, err := os.ReadDir(dst); err == nil && len(entries) > 0 {
		return Root{}, &ExistsError{Name: name, Path: dst}
	}

	lock, err := src.Lock()
	if err != nil {
		return Root{}, err
	}
	defer lock.Unlock()

	if err := copy.Copy(src.Dir, dst); err != nil {
		_ = os.RemoveAll(dst)
		return Root{}, fmt.Errorf("copy profile %s: %w", name, err)
	}
	moved := Root{Name: name, Dir: dst, Info: src.Info}
	if err := verifyCopy(src, moved); err != nil {
		_ = os.RemoveAll(dst)
		return Root{}, err
	}
	reg.Profiles[name] = m.relative(dst)
	if err := saveRegistry(m.registryPath(), reg); err != nil {
		_ = os.RemoveAll(dst)
		return Root{}, err
	}
	if err := os.RemoveAll(src.Dir); err != nil {
		m.logger.Warn("profile moved but original could not be removed", "profile", name, "dir", src.Dir, "err", err)
	}
	m.logger.Info("profile moved", "profile", name, "from", src.Dir, "to", dst)
	return moved, nil
}

func verifyCopy(src, dst Root) error {
	srcFiles, dstFiles := src.Files(), dst.Files()
	for i := range srcFiles {
		want, err := catalog.FingerprintFile(srcFiles[i])
		if err != nil {
			return err
		}
		got, err := catalog.FingerprintFile(dstFiles[i])
		if err != nil {
			return err
		}
		if !want.SameContent(got) {
			return fmt.Errorf("%w: %s", ErrMoveVerify, filepath.Base(srcFiles[i]))
		}
	}
	return nil
}
