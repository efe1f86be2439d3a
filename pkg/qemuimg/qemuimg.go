package qemuimg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

// Snapshot is one row of "qemu-img snapshot -l".
type Snapshot struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Size    string `json:"size"`
	Date    string `json:"date"`
	VMClock string `json:"vm_clock"`
}

// Info is the subset of "qemu-img info --output=json" we surface.
type Info struct {
	Format          string `json:"format"`
	VirtualSize     int64  `json:"virtual-size"`
	ActualSize      int64  `json:"actual-size"`
	ClusterSize     int64  `json:"cluster-size,omitempty"`
	BackingFilename string `json:"backing-filename,omitempty"`
}

// Tool is the set of qemu-img operations the library needs.
type Tool interface {
	ListSnapshots(ctx context.Context, image string) ([]Snapshot, error)
	CreateSnapshot(ctx context.Context, image, name string) error
	RestoreSnapshot(ctx context.Context, image, name string) error
	DeleteSnapshot(ctx context.Context, image, name string) error
	CreateDisk(ctx context.Context, path string, format qemuconfig.DiskFormat, size string) error
	Info(ctx context.Context, image string) (*Info, error)
}

var _ Tool = (*Exec)(nil)

// Exec runs the qemu-img binary at Path.
type Exec struct {
	Path string
}

// New locates qemu-img on PATH.
func New() (*Exec, error) {
	path, err := exec.LookPath("qemu-img")
	if err != nil {
		return nil, errors.Errorf("finding qemu-img executable: %w", err)
	}
	return &Exec{Path: path}, nil
}

// Locate returns the qemu-img at configured, or the one on PATH when
// configured is empty, or nil when there is none.
func Locate(ctx context.Context, configured string) Tool {
	if configured != "" {
		return &Exec{Path: configured}
	}
	e, err := New()
	if err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("qemu-img not available")
		return nil
	}
	return e
}

func (e *Exec) run(ctx context.Context, args ...string) ([]byte, error) {
	zerolog.Ctx(ctx).Debug().Str("command", e.Path).Strs("args", args).Msg("running qemu-img")

	cmd := exec.CommandContext(ctx, e.Path, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return output, errors.Errorf("qemu-img %s: %s: %w", args[0], strings.TrimSpace(string(output)), err)
	}
	return output, nil
}

func (e *Exec) ListSnapshots(ctx context.Context, image string) ([]Snapshot, error) {
	output, err := e.run(ctx, "snapshot", "-l", image)
	if err != nil {
		if len(output) == 0 || strings.Contains(string(output), "no snapshots") {
			return nil, nil
		}
		return nil, errors.Errorf("listing snapshots: %w", err)
	}
	return ParseSnapshotList(string(output)), nil
}

func (e *Exec) CreateSnapshot(ctx context.Context, image, name string) error {
	if _, err := e.run(ctx, "snapshot", "-c", name, image); err != nil {
		return errors.Errorf("creating snapshot %q: %w", name, err)
	}
	return nil
}

func (e *Exec) RestoreSnapshot(ctx context.Context, image, name string) error {
	if _, err := e.run(ctx, "snapshot", "-a", name, image); err != nil {
		return errors.Errorf("restoring snapshot %q: %w", name, err)
	}
	return nil
}

func (e *Exec) DeleteSnapshot(ctx context.Context, image, name string) error {
	if _, err := e.run(ctx, "snapshot", "-d", name, image); err != nil {
		return errors.Errorf("deleting snapshot %q: %w", name, err)
	}
	return nil
}

// CreateDisk creates an empty image. size is anything qemu-img accepts ("20G", "512M").
func (e *Exec) CreateDisk(ctx context.Context, path string, format qemuconfig.DiskFormat, size string) error {
	tok, ok := qemuconfig.DiskFormats.Token(format)
	if !ok {
		return errors.Errorf("creating disk: unknown format %q", format)
	}
	if _, err := e.run(ctx, "create", "-f", tok, path, size); err != nil {
		return errors.Errorf("creating disk: %w", err)
	}
	return nil
}

func (e *Exec) Info(ctx context.Context, image string) (*Info, error) {
	output, err := e.run(ctx, "info", "--output=json", image)
	if err != nil {
		return nil, errors.Errorf("getting disk info: %w", err)
	}
	var info Info
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, errors.Errorf("decoding disk info: %w", err)
	}
	return &info, nil
}

// ParseSnapshotList reads the table printed by "qemu-img snapshot -l". Rows
// before the header are ignored, as are rows with too few columns.
func ParseSnapshotList(output string) []Snapshot {
	var snapshots []Snapshot
	inTable := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Snapshot") || strings.HasPrefix(line, "ID") || strings.HasPrefix(line, "--") {
			inTable = true
			continue
		}
		if !inTable || line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 5 {
			continue
		}
		// newer releases print the size as two words ("0 B") and add an ICOUNT column
		size, rest := fields[2], fields[3:]
		if len(rest) > 0 && isSizeUnit(rest[0]) {
			size += " " + rest[0]
			rest = rest[1:]
		}
		if len(rest) < 3 {
			continue
		}
		snapshots = append(snapshots, Snapshot{
			ID:      fields[0],
			Name:    fields[1],
			Size:    size,
			Date:    fmt.Sprintf("%s %s", rest[0], rest[1]),
			VMClock: rest[2],
		})
	}
	return snapshots
}

func isSizeUnit(s string) bool {
	switch s {
	case "B", "KiB", "MiB", "GiB", "TiB":
		return true
	}
	return false
}
