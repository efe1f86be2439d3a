package vm

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/launchscript"
)

// WatchDebounce is how long Watch waits for the library to settle.
var WatchDebounce = 250 * time.Millisecond

// Watch rescans root whenever a VM directory or launch script changes and
// hands the new list to fn. It blocks until ctx is done. Bursts of events,
// such as the temp-file-and-rename of ApplyChange, cause a single rescan.
func Watch(ctx context.Context, root string, fn func([]*VM)) error {
	logger := zerolog.Ctx(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(root); err != nil {
		return errors.Errorf("watching %s: %w", root, err)
	}

	var (
		mu      sync.Mutex
		pending *time.Timer
	)
	rescan := func() {
		if ctx.Err() != nil {
			return
		}
		vms, err := Discover(ctx, root)
		if err != nil {
			logger.Error().Err(err).Msg("rescanning library")
			return
		}
		watchDirs(ctx, watcher, vms)
		fn(vms)
	}
	trigger := func() {
		mu.Lock()
		defer mu.Unlock()
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(WatchDebounce, rescan)
	}
	defer func() {
		mu.Lock()
		defer mu.Unlock()
		if pending != nil {
			pending.Stop()
		}
	}()

	if vms, err := Discover(ctx, root); err == nil {
		watchDirs(ctx, watcher, vms)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if relevant(root, event) {
				logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("library changed")
				trigger()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error().Err(err).Msg("library watcher error")
		}
	}
}

// watchDirs adds every VM directory so edits to launch.sh are seen.
func watchDirs(ctx context.Context, watcher *fsnotify.Watcher, vms []*VM) {
	for _, v := range vms {
		if err := watcher.Add(v.Dir); err != nil && !os.IsNotExist(err) {
			zerolog.Ctx(ctx).Warn().Err(err).Str("dir", v.Dir).Msg("watching VM directory")
		}
	}
}

// relevant reports whether event can change the discovered library: a direct
// child of root appearing or going away, or a launch script being written.
func relevant(root string, event fsnotify.Event) bool {
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return false
	}
	if filepath.Dir(event.Name) == filepath.Clean(root) {
		return true
	}
	return filepath.Base(event.Name) == launchscript.ScriptName
}
