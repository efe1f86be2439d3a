package qemuconfig_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

func TestTokenTable(t *testing.T) {
	tok, ok := qemuconfig.AudioDevices.Token(qemuconfig.AudioAC97)
	assert.True(t, ok)
	assert.Equal(t, "AC97", tok)

	dev, ok := qemuconfig.AudioDevices.Lookup("ac97")
	assert.True(t, ok, "aliases should resolve")
	assert.Equal(t, qemuconfig.AudioAC97, dev)

	_, ok = qemuconfig.AudioDevices.Lookup("Ac97")
	assert.False(t, ok, "lookup is exact")

	dev, ok = qemuconfig.AudioDevices.LookupFold("Ac97")
	assert.True(t, ok)
	assert.Equal(t, qemuconfig.AudioAC97, dev)

	assert.Equal(t,
		[]qemuconfig.AudioDevice{qemuconfig.AudioSB16, qemuconfig.AudioHDA},
		qemuconfig.AudioDevices.Contains("-device hda-duplex -soundhw sb16"),
		"contains reports in table order",
	)

	_, ok = qemuconfig.VgaTypes.Token(qemuconfig.VgaUnknown)
	assert.False(t, ok, "unknown has no spelling")
}

func TestEveryVariantHasOneToken(t *testing.T) {
	for _, e := range qemuconfig.Emulators.Entries() {
		v, ok := qemuconfig.Emulators.Lookup(e.Token)
		assert.True(t, ok)
		assert.Equal(t, e.Value, v, e.Token)
	}
	for _, e := range qemuconfig.VgaTypes.Entries() {
		assert.Equal(t, e.Value, qemuconfig.ParseVgaType(e.Token), e.Token)
	}
	for _, e := range qemuconfig.DiskFormats.Entries() {
		v, ok := qemuconfig.DiskFormats.Lookup(e.Token)
		assert.True(t, ok)
		assert.Equal(t, e.Value, v, e.Token)
	}
}

func TestEmulator(t *testing.T) {
	tests := []struct {
		cmd      string
		want     qemuconfig.Emulator
		firmware string
	}{
		{cmd: "qemu-system-x86_64", want: qemuconfig.EmulatorX86_64, firmware: "/usr/share/ovmf/OVMF.fd"},
		{cmd: "/usr/local/bin/qemu-system-i386", want: qemuconfig.EmulatorI386, firmware: "/usr/share/ovmf/OVMF.fd"},
		{cmd: "qemu-system-aarch64", want: qemuconfig.EmulatorAArch64, firmware: "/usr/share/qemu-efi-aarch64/QEMU_EFI.fd"},
		{cmd: "qemu-system-riscv64", want: qemuconfig.EmulatorUnknown, firmware: "/usr/share/ovmf/OVMF.fd"},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			got := qemuconfig.EmulatorFromCommand(tt.cmd)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.firmware, got.FirmwarePath())
		})
	}
	assert.Equal(t, "unknown", qemuconfig.EmulatorUnknown.String())
	assert.Equal(t, "qemu-system-m68k", qemuconfig.EmulatorM68K.Binary())
}

func TestDiskFormatFromPath(t *testing.T) {
	tests := []struct {
		path      string
		want      qemuconfig.DiskFormat
		snapshots bool
	}{
		{path: "/vms/dos/disk.qcow2", want: qemuconfig.DiskQcow2, snapshots: true},
		{path: "/vms/dos/DISK.QCOW2", want: qemuconfig.DiskQcow2, snapshots: true},
		{path: "hd.img", want: qemuconfig.DiskRaw},
		{path: "install.iso", want: qemuconfig.DiskRaw},
		{path: "legacy.vmdk", want: qemuconfig.DiskVMDK},
		{path: "vbox.vdi", want: qemuconfig.DiskVDI},
		{path: "hyperv.vhdx", want: qemuconfig.DiskVPC},
		{path: "mystery.bin2", want: qemuconfig.DiskRaw},
		{path: "noext", want: qemuconfig.DiskRaw},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := qemuconfig.DiskFormatFromPath(tt.path)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.snapshots, got.SupportsSnapshots())
		})
	}
}

func TestAudioDeviceClauses(t *testing.T) {
	assert.Equal(t, []string{"-device intel-hda", "-device hda-duplex"}, qemuconfig.AudioHDA.DeviceClauses())
	assert.Equal(t, []string{"-device sb16"}, qemuconfig.AudioSB16.DeviceClauses())
	assert.Nil(t, qemuconfig.AudioDevice("gus").DeviceClauses())
}

func TestDefault(t *testing.T) {
	cfg := qemuconfig.Default()
	assert.Equal(t, qemuconfig.EmulatorX86_64, cfg.Emulator)
	assert.Equal(t, uint32(512), cfg.MemoryMB)
	assert.Equal(t, uint32(1), cfg.CPUCores)
	assert.Equal(t, qemuconfig.VgaStd, cfg.VGA)
	assert.Nil(t, cfg.Network)
	assert.False(t, cfg.SupportsSnapshots(), "no disks")

	cfg.Disks = []qemuconfig.DiskConfig{{Path: "/a.qcow2", Format: qemuconfig.DiskQcow2}, {Path: "/b.img", Format: qemuconfig.DiskRaw}}
	assert.True(t, cfg.SupportsSnapshots())
	assert.False(t, cfg.HasAudio(qemuconfig.AudioSB16))
}

func TestParsePortForward(t *testing.T) {
	tests := []struct {
		in      string
		want    qemuconfig.PortForward
		wantErr bool
	}{
		{in: "ssh", want: qemuconfig.PortForward{Protocol: qemuconfig.ProtocolTCP, HostPort: 2222, GuestPort: 22}},
		{in: "RDP", want: qemuconfig.PortForward{Protocol: qemuconfig.ProtocolTCP, HostPort: 13389, GuestPort: 3389}},
		{in: "8080:80", want: qemuconfig.PortForward{Protocol: qemuconfig.ProtocolTCP, HostPort: 8080, GuestPort: 80}},
		{in: "udp:5353:53", want: qemuconfig.PortForward{Protocol: qemuconfig.ProtocolUDP, HostPort: 5353, GuestPort: 53}},
		{in: "sctp:1:2", wantErr: true},
		{in: "0:22", wantErr: true},
		{in: "70000:22", wantErr: true},
		{in: "22", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := qemuconfig.ParsePortForward(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
