package vm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/vm-curator/pkg/vm"
)

func TestWatch(t *testing.T) {
	root := t.TempDir()
	dir := writeVM(t, root, "windows-98", dosScript)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	updates := make(chan []*vm.VM, 8)
	done := make(chan error, 1)
	go func() {
		done <- vm.Watch(ctx, root, func(vms []*vm.VM) { updates <- vms })
	}()

	next := func() []*vm.VM {
		t.Helper()
		select {
		case vms := <-updates:
			return vms
		case <-time.After(5 * time.Second):
			require.FailNow(t, "no rescan after library change")
			return nil
		}
	}

	// give the watcher time to register the directories
	time.Sleep(100 * time.Millisecond)

	writeVM(t, root, "mac-os-9", macScript)
	vms := next()
	assert.Len(t, vms, 2, "new vm directory is picked up")

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "launch.sh"), []byte("qemu-system-i386 -m 64\n"), 0o755))
	for {
		vms = next()
		if vms[1].Config.MemoryMB == 64 {
			break
		}
	}
	assert.Equal(t, "windows-98", vms[1].ID)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "watch did not stop")
	}
}

func TestManagerWatch(t *testing.T) {
	root := t.TempDir()
	writeVM(t, root, "windows-98", dosScript)
	m := vm.NewLocalManager(root, nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	vms, err := m.ListVMs(ctx)
	require.NoError(t, err)
	require.Len(t, vms, 1)

	go m.Watch(ctx)
	time.Sleep(100 * time.Millisecond)

	writeVM(t, root, "mac-os-9", macScript)
	assert.Eventually(t, func() bool {
		vms, err := m.ListVMs(ctx)
		return err == nil && len(vms) == 2
	}, 5*time.Second, 50*time.Millisecond, "cached list follows the library")
}
