package vm_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/launchscript"
	"github.com/walteh/vm-curator/pkg/qemuconfig"
	"github.com/walteh/vm-curator/pkg/qemuimg"
	"github.com/walteh/vm-curator/pkg/vm"
)

type fakeQemuImg struct {
	calls []string
	fail  error
}

var _ qemuimg.Tool = (*fakeQemuImg)(nil)

func (f *fakeQemuImg) record(parts ...string) error {
	f.calls = append(f.calls, strings.Join(parts, " "))
	return f.fail
}

func (f *fakeQemuImg) ListSnapshots(_ context.Context, image string) ([]qemuimg.Snapshot, error) {
	if err := f.record("list", image); err != nil {
		return nil, err
	}
	return []qemuimg.Snapshot{{ID: "1", Name: "fresh-install"}}, nil
}

func (f *fakeQemuImg) CreateSnapshot(_ context.Context, image, name string) error {
	return f.record("create", image, name)
}

func (f *fakeQemuImg) RestoreSnapshot(_ context.Context, image, name string) error {
	return f.record("restore", image, name)
}

func (f *fakeQemuImg) DeleteSnapshot(_ context.Context, image, name string) error {
	return f.record("delete", image, name)
}

func (f *fakeQemuImg) CreateDisk(_ context.Context, path string, format qemuconfig.DiskFormat, size string) error {
	if err := f.record("disk", path, string(format), size); err != nil {
		return err
	}
	return os.WriteFile(path, nil, 0o644)
}

func (f *fakeQemuImg) Info(_ context.Context, image string) (*qemuimg.Info, error) {
	return nil, f.record("info", image)
}

func newLibrary(t *testing.T) (*vm.LocalManager, *fakeQemuImg, string) {
	t.Helper()
	root := t.TempDir()
	writeVM(t, root, "windows-98", dosScript)
	writeVM(t, root, "mac-os-9", macScript)
	tool := &fakeQemuImg{}
	return vm.NewLocalManager(root, tool), tool, root
}

func TestManagerGetVM(t *testing.T) {
	ctx := t.Context()
	m, _, _ := newLibrary(t)

	v, err := m.GetVM(ctx, "windows-98")
	require.NoError(t, err, "getting vm")
	assert.Equal(t, "Windows 98", v.DisplayName())

	_, err = m.GetVM(ctx, "beos")
	require.Error(t, err)
	assert.True(t, errors.Is(err, vm.ErrNotFound))
}

func TestManagerListIsCachedUntilRefresh(t *testing.T) {
	ctx := t.Context()
	m, _, root := newLibrary(t)

	vms, err := m.ListVMs(ctx)
	require.NoError(t, err)
	require.Len(t, vms, 2)

	writeVM(t, root, "haiku", macScript)
	vms, err = m.ListVMs(ctx)
	require.NoError(t, err)
	assert.Len(t, vms, 2)

	vms, err = m.Refresh(ctx)
	require.NoError(t, err)
	assert.Len(t, vms, 3)
}

func TestManagerApplyChange(t *testing.T) {
	ctx := t.Context()
	m, _, root := newLibrary(t)
	script := filepath.Join(root, "windows-98", "launch.sh")

	updated, err := m.ApplyChange(ctx, "windows-98", launchscript.SetMemory{MB: 128})
	require.NoError(t, err, "applying change")
	assert.Equal(t, uint32(128), updated.Config.MemoryMB, "library is rescanned")

	data, err := os.ReadFile(script)
	require.NoError(t, err)
	assert.Equal(t, strings.Replace(dosScript, "-m 32", "-m 128", 1), string(data))

	fi, err := os.Stat(script)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm(), "mode is kept")

	entries, err := os.ReadDir(filepath.Join(root, "windows-98"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestManagerApplyChangeFailureLeavesFileUnchanged(t *testing.T) {
	ctx := t.Context()
	m, _, root := newLibrary(t)
	dir := writeVM(t, root, "broken", "#!/bin/sh\necho no emulator here\n")
	_, err := m.Refresh(ctx)
	require.NoError(t, err)

	_, err = m.ApplyChange(ctx, "broken", launchscript.SetMemory{MB: 256})
	require.Error(t, err)
	var rerr *launchscript.RewriteError
	require.True(t, errors.As(err, &rerr))
	assert.True(t, errors.Is(err, launchscript.ErrAnchorNotFound))

	data, err := os.ReadFile(filepath.Join(dir, "launch.sh"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho no emulator here\n", string(data))
}

func TestManagerApplyNoop(t *testing.T) {
	ctx := t.Context()
	m, _, root := newLibrary(t)
	script := filepath.Join(root, "windows-98", "launch.sh")
	before, err := os.Stat(script)
	require.NoError(t, err)

	v, err := m.ApplyChange(ctx, "windows-98", launchscript.SetVGA{VGA: qemuconfig.VgaCirrus})
	require.NoError(t, err)
	assert.Equal(t, qemuconfig.VgaCirrus, v.Config.VGA)

	after, err := os.Stat(script)
	require.NoError(t, err)
	assert.True(t, os.SameFile(before, after), "file is not replaced")
}

func TestManagerPreviewChange(t *testing.T) {
	ctx := t.Context()
	m, _, root := newLibrary(t)

	p, err := m.PreviewChange(ctx, "windows-98", launchscript.SetMemory{MB: 64})
	require.NoError(t, err, "previewing change")
	assert.True(t, p.Changed)
	assert.Equal(t, "memory", p.Field)
	assert.Equal(t, uint32(32), p.Before.MemoryMB)
	assert.Equal(t, uint32(64), p.After.MemoryMB)
	assert.Contains(t, p.Diff, "-  -m 32 \\\n+  -m 64 \\\n")
	assert.Equal(t, int32(1), p.Stat.Changed)

	data, err := os.ReadFile(filepath.Join(root, "windows-98", "launch.sh"))
	require.NoError(t, err)
	assert.Equal(t, dosScript, string(data), "preview does not write")
}

func TestManagerSnapshots(t *testing.T) {
	ctx := t.Context()
	m, tool, root := newLibrary(t)
	disk := filepath.Join(root, "windows-98", "disk.qcow2")

	snaps, err := m.ListSnapshots(ctx, "windows-98")
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
	require.NoError(t, m.CreateSnapshot(ctx, "windows-98", "clean"))
	require.NoError(t, m.RestoreSnapshot(ctx, "windows-98", "clean"))
	require.NoError(t, m.DeleteSnapshot(ctx, "windows-98", "clean"))

	assert.Equal(t, []string{
		"list " + disk,
		"create " + disk + " clean",
		"restore " + disk + " clean",
		"delete " + disk + " clean",
	}, tool.calls)

	err = m.CreateSnapshot(ctx, "mac-os-9", "clean")
	require.Error(t, err)
	assert.True(t, errors.Is(err, vm.ErrSnapshotsUnsupported), "raw disks cannot snapshot")

	bare := vm.NewLocalManager(root, nil)
	_, err = bare.ListSnapshots(ctx, "windows-98")
	assert.True(t, errors.Is(err, vm.ErrNoQemuImg))
}

func TestManagerCreateDisk(t *testing.T) {
	ctx := t.Context()
	m, tool, root := newLibrary(t)
	path := filepath.Join(root, "mac-os-9", "data.qcow2")

	v, err := m.CreateDisk(ctx, "mac-os-9", vm.DiskSpec{Name: "data.qcow2", Size: "2G"})
	require.NoError(t, err, "creating disk")
	assert.Equal(t, []string{"disk " + path + " qcow2 2G"}, tool.calls)
	require.Len(t, v.Config.Disks, 2)
	assert.Equal(t, qemuconfig.DiskConfig{Path: path, Format: qemuconfig.DiskQcow2, Interface: "ide"}, v.Config.Disks[1])

	_, err = m.CreateDisk(ctx, "mac-os-9", vm.DiskSpec{Name: "data.qcow2", Size: "2G"})
	assert.True(t, errors.Is(err, vm.ErrDiskExists))

	_, err = m.CreateDisk(ctx, "mac-os-9", vm.DiskSpec{Name: "../escape.qcow2", Size: "2G"})
	require.Error(t, err)
}

func TestManagerCreateDiskRollsBack(t *testing.T) {
	ctx := t.Context()
	m, _, root := newLibrary(t)
	dir := writeVM(t, root, "broken", "#!/bin/sh\necho nothing\n")
	_, err := m.Refresh(ctx)
	require.NoError(t, err)

	_, err = m.CreateDisk(ctx, "broken", vm.DiskSpec{Name: "data.qcow2", Size: "1G"})
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(dir, "data.qcow2"))
	assert.True(t, os.IsNotExist(statErr), "image is removed when the script cannot be changed")
}
