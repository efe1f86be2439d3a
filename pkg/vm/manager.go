package vm

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/diff"
	"github.com/walteh/vm-curator/pkg/launchscript"
	"github.com/walteh/vm-curator/pkg/qemuconfig"
	"github.com/walteh/vm-curator/pkg/qemuimg"
)

var (
	ErrNotFound             = errors.Base("vm not found")
	ErrSnapshotsUnsupported = errors.Base("primary disk does not support snapshots")
	ErrNoQemuImg            = errors.Base("qemu-img is not available")
	ErrDiskExists           = errors.Base("disk image already exists")
)

// Manager is the library as the CLI and the MCP server see it.
type Manager interface {
	Refresh(ctx context.Context) ([]*VM, error)
	ListVMs(ctx context.Context) ([]*VM, error)
	GetVM(ctx context.Context, id string) (*VM, error)
	PreviewChange(ctx context.Context, id string, change launchscript.Change) (*Preview, error)
	ApplyChange(ctx context.Context, id string, change launchscript.Change) (*VM, error)

	ListSnapshots(ctx context.Context, id string) ([]qemuimg.Snapshot, error)
	CreateSnapshot(ctx context.Context, id, name string) error
	RestoreSnapshot(ctx context.Context, id, name string) error
	DeleteSnapshot(ctx context.Context, id, name string) error
	CreateDisk(ctx context.Context, id string, spec DiskSpec) (*VM, error)
}

// Preview is what ApplyChange would do, without doing it.
type Preview struct {
	ID      string                `json:"id"`
	Field   string                `json:"field"`
	Before  qemuconfig.QemuConfig `json:"before"`
	After   qemuconfig.QemuConfig `json:"after"`
	Diff    string                `json:"diff"`
	Stat    diff.Stat             `json:"stat"`
	Script  string                `json:"-"`
	Changed bool                  `json:"changed"`
}

// DiskSpec describes an image to create inside a VM directory.
type DiskSpec struct {
	Name      string
	Format    qemuconfig.DiskFormat
	Size      string
	Interface string
}

var _ Manager = (*LocalManager)(nil)

// LocalManager serves a library directory on the local filesystem. The VM
// list is cached between Refresh calls.
type LocalManager struct {
	Root    string
	QemuImg qemuimg.Tool

	mu     sync.Mutex
	vms    []*VM
	loaded bool
}

// NewLocalManager serves root. qemuImg may be nil, in which case snapshot and
// disk operations fail with ErrNoQemuImg.
func NewLocalManager(root string, qemuImg qemuimg.Tool) *LocalManager {
	return &LocalManager{
		Root:    root,
		QemuImg: qemuImg,
	}
}

func (m *LocalManager) Refresh(ctx context.Context) ([]*VM, error) {
	vms, err := Discover(ctx, m.Root)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.vms = vms
	m.loaded = true
	return vms, nil
}

// Watch keeps the cached list current with edits made outside the manager,
// until ctx is done.
func (m *LocalManager) Watch(ctx context.Context) error {
	return Watch(ctx, m.Root, func(vms []*VM) {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.vms = vms
		m.loaded = true
	})
}

func (m *LocalManager) ListVMs(ctx context.Context) ([]*VM, error) {
	m.mu.Lock()
	vms, loaded := m.vms, m.loaded
	m.mu.Unlock()

	if loaded {
		return vms, nil
	}
	return m.Refresh(ctx)
}

func (m *LocalManager) GetVM(ctx context.Context, id string) (*VM, error) {
	vms, err := m.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	for _, v := range vms {
		if v.ID == id {
			return v, nil
		}
	}
	return nil, errors.Errorf("%w: %s", ErrNotFound, id)
}

// rewrite runs change against the script as it is on disk now, not as it was
// when the library was last scanned.
func (m *LocalManager) rewrite(ctx context.Context, id string, change launchscript.Change) (*VM, string, string, error) {
	v, err := m.GetVM(ctx, id)
	if err != nil {
		return nil, "", "", err
	}
	content, err := os.ReadFile(v.ScriptPath)
	if err != nil {
		return nil, "", "", errors.Errorf("reading launch script: %w", err)
	}
	out, err := launchscript.Rewrite(ctx, string(content), change)
	if err != nil {
		return nil, "", "", errors.Errorf("changing %s of %s: %w", change.Field(), id, err)
	}
	return v, string(content), out, nil
}

func (m *LocalManager) PreviewChange(ctx context.Context, id string, change launchscript.Change) (*Preview, error) {
	v, before, after, err := m.rewrite(ctx, id, change)
	if err != nil {
		return nil, err
	}

	p := &Preview{
		ID:      id,
		Field:   change.Field(),
		Before:  launchscript.Extract(ctx, v.ScriptPath, before).Config,
		After:   launchscript.Extract(ctx, v.ScriptPath, after).Config,
		Diff:    diff.Unified(launchscript.ScriptName, before, after),
		Script:  after,
		Changed: before != after,
	}
	if p.Changed {
		ud, err := diff.ParseUnifiedDiff(p.Diff)
		if err != nil {
			return nil, err
		}
		p.Stat = ud.Stat()
	}
	return p, nil
}

// ApplyChange rewrites the VM's launch script and rescans the library. The
// script is replaced whole or not at all.
func (m *LocalManager) ApplyChange(ctx context.Context, id string, change launchscript.Change) (*VM, error) {
	logger := zerolog.Ctx(ctx)

	v, before, after, err := m.rewrite(ctx, id, change)
	if err != nil {
		return nil, err
	}
	if before == after {
		logger.Info().Str("id", id).Str("field", change.Field()).Msg("launch script already up to date")
		return v, nil
	}

	if err := replaceFile(v.ScriptPath, []byte(after)); err != nil {
		return nil, errors.Errorf("writing launch script: %w", err)
	}
	logger.Info().Str("id", id).Str("field", change.Field()).Msg("launch script updated")

	if _, err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m.GetVM(ctx, id)
}

// replaceFile writes data next to path and renames it into place, keeping
// path's permission bits.
func replaceFile(path string, data []byte) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(fi.Mode().Perm()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// snapshotDisk is the image snapshot commands act on.
func (m *LocalManager) snapshotDisk(ctx context.Context, id string) (string, error) {
	if m.QemuImg == nil {
		return "", errors.WithStack(ErrNoQemuImg)
	}
	v, err := m.GetVM(ctx, id)
	if err != nil {
		return "", err
	}
	if !v.SupportsSnapshots() {
		return "", errors.Errorf("%w: %s", ErrSnapshotsUnsupported, id)
	}
	d, _ := v.Config.PrimaryDisk()
	return d.Path, nil
}

func (m *LocalManager) ListSnapshots(ctx context.Context, id string) ([]qemuimg.Snapshot, error) {
	disk, err := m.snapshotDisk(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.QemuImg.ListSnapshots(ctx, disk)
}

func (m *LocalManager) CreateSnapshot(ctx context.Context, id, name string) error {
	disk, err := m.snapshotDisk(ctx, id)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("id", id).Str("snapshot", name).Msg("creating snapshot")
	return m.QemuImg.CreateSnapshot(ctx, disk, name)
}

func (m *LocalManager) RestoreSnapshot(ctx context.Context, id, name string) error {
	disk, err := m.snapshotDisk(ctx, id)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("id", id).Str("snapshot", name).Msg("restoring snapshot")
	return m.QemuImg.RestoreSnapshot(ctx, disk, name)
}

func (m *LocalManager) DeleteSnapshot(ctx context.Context, id, name string) error {
	disk, err := m.snapshotDisk(ctx, id)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("id", id).Str("snapshot", name).Msg("deleting snapshot")
	return m.QemuImg.DeleteSnapshot(ctx, disk, name)
}

// CreateDisk creates an image in the VM directory and attaches it to the
// launch script. The image is removed again if the script cannot be changed.
func (m *LocalManager) CreateDisk(ctx context.Context, id string, spec DiskSpec) (*VM, error) {
	if m.QemuImg == nil {
		return nil, errors.WithStack(ErrNoQemuImg)
	}
	v, err := m.GetVM(ctx, id)
	if err != nil {
		return nil, err
	}
	if spec.Name == "" || filepath.Base(spec.Name) != spec.Name {
		return nil, errors.Errorf("creating disk: invalid name %q", spec.Name)
	}
	if spec.Format == "" {
		spec.Format = qemuconfig.DiskFormatFromPath(spec.Name)
	}

	path := filepath.Join(v.Dir, spec.Name)
	if _, err := os.Stat(path); err == nil {
		return nil, errors.Errorf("%w: %s", ErrDiskExists, path)
	}
	if err := m.QemuImg.CreateDisk(ctx, path, spec.Format, spec.Size); err != nil {
		return nil, err
	}

	updated, err := m.ApplyChange(ctx, id, launchscript.AddDisk{Path: path, Format: spec.Format, Interface: spec.Interface})
	if err != nil {
		if rmErr := os.Remove(path); rmErr != nil {
			zerolog.Ctx(ctx).Warn().Err(rmErr).Str("path", path).Msg("removing new disk image")
		}
		return nil, err
	}
	return updated, nil
}
