package qemu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeHost(t *testing.T, files map[string]string) {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o755))
	}
	prev := hostRoot
	hostRoot = root
	t.Cleanup(func() { hostRoot = prev })
}

func TestDetectNetworkCapabilities(t *testing.T) {
	fakeHost(t, map[string]string{
		"/usr/libexec/qemu-bridge-helper":   "",
		"/etc/qemu/bridge.conf":             "# bridges\nallow qemubr0\ninclude /etc/qemu/extra.conf\n",
		"/etc/qemu/extra.conf":              "allow br1\n",
		"/sys/class/net/qemubr0/bridge/stp": "0",
		"/sys/class/net/eth0/mtu":           "1500",
		"/dev/kvm":                          "",
	})
	bin := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bin, "passt"), []byte("#!/bin/sh\n"), 0o755))
	t.Setenv("PATH", bin)

	caps := DetectNetworkCapabilities(t.Context())
	assert.Equal(t, NetworkCapabilities{
		BridgeHelperPath: "/usr/libexec/qemu-bridge-helper",
		AllowedBridges:   []string{"qemubr0", "br1"},
		SystemBridges:    []string{"qemubr0"},
		PasstPath:        filepath.Join(bin, "passt"),
	}, caps)
	assert.True(t, caps.BridgeHelperConfigured())
	assert.Empty(t, caps.BridgeProblems("qemubr0"))
	assert.Equal(t, []string{"bridge br1 does not exist on this host"}, caps.BridgeProblems("br1"))
	assert.True(t, KVMAvailable())
}

func TestDetectNetworkCapabilitiesBareHost(t *testing.T) {
	fakeHost(t, nil)
	t.Setenv("PATH", t.TempDir())

	caps := DetectNetworkCapabilities(t.Context())
	assert.Equal(t, NetworkCapabilities{}, caps)
	assert.False(t, caps.BridgeHelperConfigured())
	assert.Len(t, caps.BridgeProblems("qemubr0"), 3)
	assert.False(t, KVMAvailable())
}

func TestBridgeAllowAll(t *testing.T) {
	caps := NetworkCapabilities{BridgeHelperPath: "/x", AllowedBridges: []string{"all"}, SystemBridges: []string{"virbr0"}}
	assert.Empty(t, caps.BridgeProblems("virbr0"))
}
