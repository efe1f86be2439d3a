package qemu

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/rs/zerolog"
)

// hostRoot prefixes every host path probed here.
var hostRoot = "/"

var bridgeHelperPaths = []string{
	"/usr/lib/qemu/qemu-bridge-helper",
	"/usr/libexec/qemu-bridge-helper",
	"/usr/local/libexec/qemu-bridge-helper",
}

const bridgeConf = "/etc/qemu/bridge.conf"

// NetworkCapabilities is what the host offers the non-user network backends.
type NetworkCapabilities struct {
	BridgeHelperPath string   `json:"bridge_helper_path,omitempty"`
	AllowedBridges   []string `json:"allowed_bridges,omitempty"`
	SystemBridges    []string `json:"system_bridges,omitempty"`
	PasstPath        string   `json:"passt_path,omitempty"`
}

// BridgeHelperConfigured reports whether bridge.conf allows any bridge.
func (c NetworkCapabilities) BridgeHelperConfigured() bool {
	return len(c.AllowedBridges) > 0
}

func (c NetworkCapabilities) allows(bridge string) bool {
	return slices.Contains(c.AllowedBridges, "all") || slices.Contains(c.AllowedBridges, bridge)
}

// BridgeProblems lists what stops a VM from joining bridge, in the order a
// user would fix them. Nil means bridged networking should work.
func (c NetworkCapabilities) BridgeProblems(bridge string) []string {
	var out []string
	if c.BridgeHelperPath == "" {
		out = append(out, "qemu-bridge-helper not found; install the qemu system package")
	}
	if !c.allows(bridge) {
		out = append(out, "add \"allow "+bridge+"\" to "+bridgeConf)
	}
	if !slices.Contains(c.SystemBridges, bridge) {
		out = append(out, "bridge "+bridge+" does not exist on this host")
	}
	return out
}

// DetectNetworkCapabilities probes the host for the bridge helper, its ACL,
// existing bridges and passt.
func DetectNetworkCapabilities(ctx context.Context) NetworkCapabilities {
	logger := zerolog.Ctx(ctx)

	var caps NetworkCapabilities
	for _, p := range bridgeHelperPaths {
		if _, err := os.Stat(hostPath(p)); err == nil {
			caps.BridgeHelperPath = p
			break
		}
	}

	allowed, err := readBridgeACL(hostPath(bridgeConf), 0)
	if err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Str("path", bridgeConf).Msg("reading bridge helper ACL")
	}
	caps.AllowedBridges = allowed

	caps.SystemBridges = systemBridges()

	if p, err := exec.LookPath("passt"); err == nil {
		caps.PasstPath = p
	}

	logger.Debug().Interface("capabilities", caps).Msg("detected network capabilities")
	return caps
}

func hostPath(p string) string {
	return filepath.Join(hostRoot, p)
}

// readBridgeACL collects the "allow" entries of a qemu-bridge-helper ACL,
// following "include" lines.
func readBridgeACL(path string, depth int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var allowed []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		switch fields[0] {
		case "allow":
			allowed = append(allowed, fields[1])
		case "include":
			if depth >= 4 {
				continue
			}
			inc, err := readBridgeACL(hostPath(fields[1]), depth+1)
			if err != nil {
				continue
			}
			allowed = append(allowed, inc...)
		}
	}
	return allowed, scanner.Err()
}

// systemBridges lists interfaces the kernel reports as bridges.
func systemBridges() []string {
	entries, err := os.ReadDir(hostPath("/sys/class/net"))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if _, err := os.Stat(hostPath(filepath.Join("/sys/class/net", e.Name(), "bridge"))); err == nil {
			out = append(out, e.Name())
		}
	}
	return out
}
