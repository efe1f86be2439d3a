package launchscript_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walteh/vm-curator/pkg/launchscript"
	"github.com/walteh/vm-curator/pkg/qemuconfig"
)

const vmDir = "/vms/windows-98"

var scriptPath = filepath.Join(vmDir, launchscript.ScriptName)

func extract(t *testing.T, content string) qemuconfig.QemuConfig {
	t.Helper()
	res := launchscript.Extract(t.Context(), scriptPath, content)
	require.True(t, res.Success, "extraction should succeed: %s", res.Error)
	require.Equal(t, content, res.Config.RawScript, "raw script should be kept verbatim")
	return res.Config
}

func TestExtractMemory(t *testing.T) {
	tests := []struct {
		name string
		flag string
		want uint32
	}{
		{name: "megabytes", flag: "-m 512", want: 512},
		{name: "gigabyte suffix", flag: "-m 2G", want: 2048},
		{name: "lowercase suffix", flag: "-m 3g", want: 3072},
		{name: "small number is gigabytes", flag: "-m 4", want: 4096},
		{name: "boundary is not scaled", flag: "-m 64", want: 64},
		{name: "explicit megabytes", flag: "-m 32M", want: 32},
		{name: "size property", flag: "-m size=8G,slots=2,maxmem=16G", want: 8192},
		{name: "quoted", flag: `-m "1024"`, want: 1024},
		{name: "first wins", flag: "-m 256 -m 1024", want: 256},
		{name: "absent", flag: "-vga std", want: 512},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := extract(t, "qemu-system-x86_64 "+tt.flag)
			assert.Equal(t, tt.want, cfg.MemoryMB)
		})
	}
}

func TestExtractEndToEnd(t *testing.T) {
	content := "qemu-system-i386 -m 512 -vga cirrus"
	res := launchscript.Extract(t.Context(), scriptPath, content)
	require.True(t, res.Success)
	require.Empty(t, res.Error)

	want := qemuconfig.Default()
	want.Emulator = qemuconfig.EmulatorI386
	want.VGA = qemuconfig.VgaCirrus
	want.RawScript = content
	if diff := cmp.Diff(want, res.Config); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, res.Config.Disks)
	assert.Nil(t, res.Config.Network)
}

func TestExtractDefaults(t *testing.T) {
	content := "#!/bin/bash\nqemu-system-x86_64 -hda disk.img\n"
	cfg := extract(t, content)

	assert.Equal(t, uint32(512), cfg.MemoryMB)
	assert.Equal(t, uint32(1), cfg.CPUCores)
	assert.Equal(t, qemuconfig.VgaStd, cfg.VGA)
	assert.Equal(t, qemuconfig.EmulatorX86_64, cfg.Emulator)
	assert.Empty(t, cfg.CPUModel)
	assert.Empty(t, cfg.Machine)
	assert.False(t, cfg.EnableKVM)
	assert.Nil(t, cfg.Network, "no nic flags means no network at all")
}

func TestExtractLastVGAWins(t *testing.T) {
	cfg := extract(t, "qemu-system-x86_64 -vga std \\\n  -m 128 \\\n  -vga cirrus")
	assert.Equal(t, qemuconfig.VgaCirrus, cfg.VGA)

	cfg = extract(t, "qemu-system-x86_64 -vga cirrus -vga tga")
	assert.Equal(t, qemuconfig.VgaUnknown, cfg.VGA)
}

func TestExtractSkipsComments(t *testing.T) {
	content := `#!/bin/sh
# qemu-system-ppc -m 1024 -enable-kvm
    # -vga qxl
qemu-system-m68k -m 128
`
	cfg := extract(t, content)
	assert.Equal(t, qemuconfig.EmulatorM68K, cfg.Emulator)
	assert.Equal(t, uint32(128), cfg.MemoryMB)
	assert.Equal(t, qemuconfig.VgaStd, cfg.VGA)
	assert.False(t, cfg.EnableKVM)
}

func TestExtractUnknownEmulator(t *testing.T) {
	cfg := extract(t, "qemu-system-riscv64 -m 1G")
	assert.Equal(t, qemuconfig.EmulatorUnknown, cfg.Emulator)
	assert.Equal(t, uint32(1024), cfg.MemoryMB)
}

func TestExtractWrappedInvocation(t *testing.T) {
	content := `#!/bin/sh
DIR="$(cd "$(dirname "$0")" && pwd)"
exec qemu-system-x86_64 \
    -machine type=pc-i440fx-2.1,accel=kvm \
    -cpu pentium3 \
    -smp cores=2,cpus=2 \
    -display sdl \
    -usb -usbdevice tablet \
    -rtc base=localtime,clock=host \
    -qmp unix:$DIR/qmp.sock,server,nowait
`
	cfg := extract(t, content)
	assert.Equal(t, "pc-i440fx-2.1", cfg.Machine)
	assert.Equal(t, "pentium3", cfg.CPUModel)
	assert.Equal(t, uint32(2), cfg.CPUCores)
	assert.True(t, cfg.EnableKVM)
	assert.Equal(t, []string{"-display sdl", "-usb", "-rtc base=localtime,clock=host"}, cfg.ExtraArgs)
	assert.Equal(t, filepath.Join(vmDir, "qmp.sock"), cfg.MonitorSocket)
}

func TestExtractCPU(t *testing.T) {
	tests := []struct {
		name      string
		flags     string
		wantCores uint32
		wantModel string
		wantMach  string
	}{
		{name: "plain", flags: "-smp 4 -cpu host -M q35", wantCores: 4, wantModel: "host", wantMach: "q35"},
		{name: "smp properties", flags: "-smp 8,sockets=1,cores=8", wantCores: 8},
		{name: "cpu flags kept", flags: "-cpu qemu64,+ssse3,-svm", wantCores: 1, wantModel: "qemu64,+ssse3,-svm"},
		{name: "machine properties dropped", flags: "-machine pc,accel=tcg", wantCores: 1, wantMach: "pc"},
		{name: "first machine wins", flags: "-M isapc -machine pc", wantCores: 1, wantMach: "isapc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := extract(t, "qemu-system-i386 "+tt.flags)
			assert.Equal(t, tt.wantCores, cfg.CPUCores)
			assert.Equal(t, tt.wantModel, cfg.CPUModel)
			assert.Equal(t, tt.wantMach, cfg.Machine)
		})
	}
}

func TestExtractAudio(t *testing.T) {
	tests := []struct {
		name  string
		flags string
		want  []qemuconfig.AudioDevice
	}{
		{name: "none", flags: "-m 64", want: nil},
		{name: "sound blaster", flags: "-device sb16", want: []qemuconfig.AudioDevice{qemuconfig.AudioSB16}},
		{name: "legacy soundhw", flags: "-soundhw sb16,es1370", want: []qemuconfig.AudioDevice{qemuconfig.AudioSB16, qemuconfig.AudioES1370}},
		{name: "hda pair", flags: "-device intel-hda -device hda-duplex", want: []qemuconfig.AudioDevice{qemuconfig.AudioHDA}},
		{
			name:  "several",
			flags: "-device AC97 -device SB16 -device ES1370",
			want:  []qemuconfig.AudioDevice{qemuconfig.AudioSB16, qemuconfig.AudioAC97, qemuconfig.AudioES1370},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := extract(t, "qemu-system-i386 "+tt.flags)
			assert.Equal(t, tt.want, cfg.AudioDevices)
		})
	}
}

func TestExtractFeatures(t *testing.T) {
	tests := []struct {
		name    string
		content string
		kvm     bool
		uefi    bool
		tpm     bool
	}{
		{name: "none", content: "qemu-system-x86_64 -m 1G"},
		{name: "enable-kvm", content: "qemu-system-x86_64 -enable-kvm", kvm: true},
		{name: "accel flag", content: "qemu-system-x86_64 -accel kvm", kvm: true},
		{name: "accel property", content: "qemu-system-x86_64 -machine q35,accel=kvm", kvm: true},
		{name: "ovmf bios", content: "qemu-system-x86_64 -bios /usr/share/ovmf/OVMF.fd", uefi: true},
		{name: "efi bios", content: "qemu-system-aarch64 -bios /usr/share/qemu-efi-aarch64/QEMU_EFI.fd", uefi: true},
		{name: "pflash", content: "qemu-system-x86_64 -drive if=pflash,format=raw,readonly=on,file=/usr/share/edk2/x64/code.fd", uefi: true},
		{name: "seabios is not uefi", content: "qemu-system-x86_64 -bios bios-256k.bin"},
		{
			name:    "bios and efi on different lines",
			content: "#!/bin/sh\nFW=\"$DIR/efi-vars.fd\"\nqemu-system-x86_64 -m 1G -bios \"$FW\"\n",
			uefi:    true,
		},
		{name: "tpmdev", content: "qemu-system-x86_64 -tpmdev emulator,id=tpm0,chardev=chrtpm", tpm: true},
		{
			name:    "anywhere in the script",
			content: "swtpm socket --tpmstate dir=/tmp/tpm &\n\nqemu-system-x86_64 \\\n  -m 4G \\\n  -enable-kvm",
			kvm:     true,
			tpm:     true,
		},
		{name: "commented out", content: "# -enable-kvm\nqemu-system-x86_64 -m 1G"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := extract(t, tt.content)
			assert.Equal(t, tt.kvm, cfg.EnableKVM, "kvm")
			assert.Equal(t, tt.uefi, cfg.UEFI, "uefi")
			assert.Equal(t, tt.tpm, cfg.TPM, "tpm")
		})
	}
}

func TestExtractDisks(t *testing.T) {
	content := `#!/bin/bash
qemu-system-i386 -hda "$DIR/disk.qcow2" -hdb 'second disk.img' \
  -drive file=${DIR}/data.img,if=virtio \
  -drive "file=$(dirname $0)/cd.iso,media=cdrom" \
  -drive file=/srv/images/legacy.vmdk,format=vmdk,if=scsi \
  -drive if=pflash,format=raw,file=/usr/share/OVMF/OVMF_CODE.fd \
  -hdc /abs/old.vhd
`
	cfg := extract(t, content)
	want := []qemuconfig.DiskConfig{
		{Path: filepath.Join(vmDir, "disk.qcow2"), Format: qemuconfig.DiskQcow2, Interface: "ide"},
		{Path: filepath.Join(vmDir, "second disk.img"), Format: qemuconfig.DiskRaw, Interface: "ide"},
		{Path: filepath.Join(vmDir, "data.img"), Format: qemuconfig.DiskRaw, Interface: "virtio"},
		{Path: filepath.Join(vmDir, "cd.iso"), Format: qemuconfig.DiskRaw, Interface: "ide"},
		{Path: "/srv/images/legacy.vmdk", Format: qemuconfig.DiskVMDK, Interface: "scsi"},
		{Path: "/abs/old.vhd", Format: qemuconfig.DiskVPC, Interface: "ide"},
	}
	if diff := cmp.Diff(want, cfg.Disks); diff != "" {
		t.Errorf("disks mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, cfg.UEFI)
	assert.True(t, cfg.SupportsSnapshots(), "primary disk is qcow2")
}

func TestExtractNetwork(t *testing.T) {
	tests := []struct {
		name  string
		flags string
		want  *qemuconfig.NetworkConfig
	}{
		{name: "absent", flags: "-m 256", want: nil},
		{
			name:  "user nic with forwards",
			flags: "-nic user,model=virtio,hostfwd=tcp::2222-:22,hostfwd=udp:127.0.0.1:5353-:53",
			want: &qemuconfig.NetworkConfig{
				Model:   "virtio",
				UserNet: true,
				Backend: qemuconfig.NetUser,
				PortForwards: []qemuconfig.PortForward{
					{Protocol: qemuconfig.ProtocolTCP, HostPort: 2222, GuestPort: 22},
					{Protocol: qemuconfig.ProtocolUDP, HostPort: 5353, GuestPort: 53},
				},
			},
		},
		{
			name:  "bridged netdev",
			flags: "-netdev bridge,id=n0,br=br0 -device e1000,netdev=n0",
			want:  &qemuconfig.NetworkConfig{Model: "e1000", Bridge: "br0", Backend: qemuconfig.NetBridge},
		},
		{
			name:  "legacy pair",
			flags: "-net nic,model=rtl8139 -net user",
			want:  &qemuconfig.NetworkConfig{Model: "rtl8139", UserNet: true, Backend: qemuconfig.NetUser},
		},
		{
			name:  "passt",
			flags: "-netdev passt,id=n0,tcp-ports=8080:80 -device virtio-net-pci,netdev=n0",
			want: &qemuconfig.NetworkConfig{
				Model:        "virtio-net-pci",
				UserNet:      true,
				Backend:      qemuconfig.NetPasst,
				PortForwards: []qemuconfig.PortForward{{Protocol: qemuconfig.ProtocolTCP, HostPort: 8080, GuestPort: 80}},
			},
		},
		{
			name:  "nic without backend",
			flags: "-net nic,model=ne2k_pci",
			want:  &qemuconfig.NetworkConfig{Model: "ne2k_pci", UserNet: true, Backend: qemuconfig.NetUser},
		},
		{
			name:  "disabled",
			flags: "-nic none",
			want:  &qemuconfig.NetworkConfig{Backend: qemuconfig.NetNone},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := extract(t, "qemu-system-x86_64 "+tt.flags)
			if diff := cmp.Diff(tt.want, cfg.Network); diff != "" {
				t.Errorf("network mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestExtractFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, launchscript.ScriptName)
	content := "#!/bin/sh\nqemu-system-ppc -m 256 -hda mac.qcow2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o755), "should write script")

	res := launchscript.ExtractFile(t.Context(), path)
	require.True(t, res.Success)
	assert.Equal(t, qemuconfig.EmulatorPPC, res.Config.Emulator)
	require.Len(t, res.Config.Disks, 1)
	assert.Equal(t, filepath.Join(dir, "mac.qcow2"), res.Config.Disks[0].Path)

	res = launchscript.ExtractFile(t.Context(), filepath.Join(dir, "missing", launchscript.ScriptName))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "reading launch script")
	assert.Equal(t, qemuconfig.Default(), res.Config)
}
