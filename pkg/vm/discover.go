package vm

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/launchscript"
)

// Discover scans the immediate subdirectories of root for launch scripts.
// A missing root is an empty library. A VM whose script cannot be read or
// extracted is still returned, with ParseSuccess false.
func Discover(ctx context.Context, root string) ([]*VM, error) {
	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("root", root).Msg("discovering VMs")

	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []*VM{}, nil
		}
		return nil, errors.Errorf("reading VM library: %w", err)
	}

	vms := make([]*VM, 0, len(entries))
	for _, entry := range entries {
		dir := filepath.Join(root, entry.Name())
		if !isDir(entry, dir) {
			continue
		}
		script := filepath.Join(dir, launchscript.ScriptName)
		if _, err := os.Stat(script); err != nil {
			continue
		}

		v := newVM(dir, launchscript.ExtractFile(ctx, script))
		if !v.ParseSuccess {
			logger.Warn().Str("id", v.ID).Str("error", v.ParseError).Msg("launch script not parsed")
		}
		vms = append(vms, v)
	}

	sort.SliceStable(vms, func(i, j int) bool {
		return vms[i].DisplayName() < vms[j].DisplayName()
	})

	logger.Debug().Int("count", len(vms)).Msg("discovered VMs")
	return vms, nil
}

// isDir follows symlinks, so a library can link in VMs kept elsewhere.
func isDir(entry os.DirEntry, path string) bool {
	if entry.IsDir() {
		return true
	}
	if entry.Type()&os.ModeSymlink == 0 {
		return false
	}
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
