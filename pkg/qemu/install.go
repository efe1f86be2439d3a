package qemu

import (
	"context"
	"os"
	"os/exec"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

// Version runs the emulator binary with --version and returns the first line.
func Version(ctx context.Context, emulator qemuconfig.Emulator) (string, error) {
	if emulator == qemuconfig.EmulatorUnknown {
		return "", errors.New("unknown emulator")
	}
	output, err := exec.CommandContext(ctx, emulator.Binary(), "--version").CombinedOutput()
	if err != nil {
		return "", errors.Errorf("%s is not installed or not in PATH: %w", emulator.Binary(), err)
	}
	line, _, _ := strings.Cut(string(output), "\n")
	return strings.TrimSpace(line), nil
}

// KVMAvailable reports whether /dev/kvm exists.
func KVMAvailable() bool {
	_, err := os.Stat(hostPath("/dev/kvm"))
	return err == nil
}
