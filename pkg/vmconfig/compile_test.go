package vmconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopholelabs/vlab/pkg/config"
)

func testTemplate(t *testing.T) *config.Template {
	root := t.TempDir()
	home := t.TempDir()

	return &config.Template{
		BaseName:   "h",
		QemuBinary: "qemu-system-x86_64",
		MiscParams: "-enable-kvm  -nographic",
		MaxRAM:     "256M",
		KernelImage: config.KernelImage{
			Dir:       "/boot",
			ImageName: "vmlinuz",
			InitParams: config.InitParams{
				Init:       "/sbin/init",
				Console:    "ttyS0",
				Mode:       "rw",
				RootFSType: "9p",
				RootFlags:  map[string]string{"trans": "virtio", "version": "9p2000.L"},
			},
		},
		Properties: []config.Property{
			{Chardev: &config.Chardev{Dev: config.DeviceChardev, ID: "mgmt", Type: "serial"}},
			{Chardev: &config.Chardev{Dev: config.DeviceChardev, ID: "monitor", Type: config.ChardevTypeMonitor}},
			{Fsdev: &config.Fsdev{Dev: config.DeviceFsdev, ID: "root", Path: root, MountTag: "/dev/root", ReadOnly: true}},
			{Fsdev: &config.Fsdev{Dev: config.DeviceFsdev, ID: "home", Path: home, MountTag: "home", Home: true}},
			{Netdev: &config.Netdev{Dev: config.DeviceNetdev, ID: "mgmt0"}},
		},
	}
}

func testTopology() *config.Topology {
	return &config.Topology{
		Hosts: []config.NodeSpec{
			{Opts: config.NodeOpts{Hostname: "h1"}},
			{Opts: config.NodeOpts{Hostname: "h2"}},
			{Opts: config.NodeOpts{Hostname: "h3"}},
		},
		Switches: []config.NodeSpec{
			{Opts: config.NodeOpts{Hostname: "s1"}},
		},
		Links: []config.LinkSpec{
			{Src: "h1", Dest: "s1"},
			{Src: "h2", Dest: "s1"},
			{Src: "h3", Dest: "h1"},
			{Src: "h3", Dest: "h1"},
		},
	}
}

func TestCompileOneConfigPerHost(t *testing.T) {
	vms, index, err := Compile(testTemplate(t), testTopology(), Options{StateDir: "/run/vlab"})
	require.NoError(t, err)
	require.Len(t, vms, 3)

	for i, vm := range vms {
		assert.Equal(t, i+1, vm.Index)
		assert.Equal(t, "h"+string(rune('1'+i)), vm.Name)
		assert.Equal(t, filepath.Join("/run/vlab", vm.Name), vm.RunDir)
		assert.Equal(t, filepath.Join("/run/vlab", vm.Name, "vm-monitor-console.socket"), vm.MonitorSocket)
	}

	assert.Len(t, index.Links(), 4)
	for _, link := range index.Links() {
		assert.Contains(t, index[link.Src], link)
		assert.Contains(t, index[link.Dest], link)
	}

	assert.Len(t, index["s1"], 2)
	assert.Len(t, index["h1"], 3)
	assert.Len(t, vms[2].Links, 2)
	assert.NotEqual(t, vms[2].Links[0].ID, vms[2].Links[1].ID)
	assert.Equal(t, KindSwitch, index["h1"][0].KindOf("s1"))
	assert.Equal(t, KindHost, index["h1"][0].KindOf("h1"))
}

func TestCompileRejectsInvalidTopologies(t *testing.T) {
	tests := []struct {
		name     string
		topology *config.Topology
		err      error
	}{
		{
			name: "undeclared endpoint",
			topology: &config.Topology{
				Hosts: []config.NodeSpec{{Opts: config.NodeOpts{Hostname: "h1"}}},
				Links: []config.LinkSpec{{Src: "h1", Dest: "s9"}},
			},
			err: config.ErrUnknownEndpoint,
		},
		{
			name: "self link",
			topology: &config.Topology{
				Hosts: []config.NodeSpec{{Opts: config.NodeOpts{Hostname: "h1"}}},
				Links: []config.LinkSpec{{Src: "h1", Dest: "h1"}},
			},
			err: config.ErrSelfLink,
		},
		{
			name: "switch shadows host",
			topology: &config.Topology{
				Hosts:    []config.NodeSpec{{Opts: config.NodeOpts{Hostname: "h1"}}},
				Switches: []config.NodeSpec{{Opts: config.NodeOpts{Hostname: "h1"}}},
			},
			err: config.ErrDuplicateNode,
		},
		{
			name: "switch name too long for a bridge",
			topology: &config.Topology{
				Hosts:    []config.NodeSpec{{Opts: config.NodeOpts{Hostname: "h1"}}},
				Switches: []config.NodeSpec{{Opts: config.NodeOpts{Hostname: "backbone-switch-1"}}},
				Links:    []config.LinkSpec{{Src: "h1", Dest: "backbone-switch-1"}},
			},
			err: config.ErrInvalidTopology,
		},
		{
			name: "hostname does not match instance name",
			topology: &config.Topology{
				Hosts: []config.NodeSpec{{Opts: config.NodeOpts{Hostname: "web"}}},
			},
			err: config.ErrInvalidTopology,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vms, index, err := Compile(testTemplate(t), tt.topology, Options{})
			assert.ErrorIs(t, err, config.ErrConfig)
			assert.ErrorIs(t, err, tt.err)
			assert.Nil(t, vms)
			assert.Nil(t, index)
		})
	}
}

func TestCompileRejectsMissingPath(t *testing.T) {
	template := testTemplate(t)
	template.Properties[2].Fsdev.Path = filepath.Join(t.TempDir(), "missing")

	_, _, err := Compile(template, testTopology(), Options{})
	assert.ErrorIs(t, err, config.ErrMissingPath)
}

func TestCompileRejectsMissingTemplateField(t *testing.T) {
	template := testTemplate(t)
	template.QemuBinary = ""

	_, _, err := Compile(template, testTopology(), Options{})
	assert.ErrorIs(t, err, config.ErrInvalidTemplate)
}

func TestCompileHostsFromRange(t *testing.T) {
	low, high := 1, 3
	template := testTemplate(t)
	template.RangeLow = &low
	template.RangeHigh = &high

	topology := &config.Topology{
		Switches: []config.NodeSpec{{Opts: config.NodeOpts{Hostname: "s1"}}},
		Links: []config.LinkSpec{
			{Src: "h1", Dest: "s1"},
			{Src: "h2", Dest: "s1"},
		},
	}

	vms, index, err := Compile(template, topology, Options{})
	require.NoError(t, err)
	require.Len(t, vms, 2)
	assert.Equal(t, "h1", vms[0].Name)
	assert.Equal(t, "h2", vms[1].Name)
	assert.Len(t, index["s1"], 2)
}

func TestCommandLine(t *testing.T) {
	template := testTemplate(t)
	vms, _, err := Compile(template, testTopology(), Options{StateDir: "/run/vlab"})
	require.NoError(t, err)

	vm := vms[1]
	args, err := vm.CommandLine("vabcdm2")
	require.NoError(t, err)

	line := strings.Join(args, " ")
	assert.Equal(t, "qemu-system-x86_64", args[0])
	assert.Equal(t, []string{"-enable-kvm", "-nographic"}, args[1:3])
	assert.Contains(t, line, "-m 256M")
	assert.Contains(t, line, "-name h2")
	assert.Contains(t, line, "-chardev socket,id=monitor,path=/run/vlab/h2/vm-monitor-console.socket,server=on,wait=off -mon chardev=monitor,mode=readline,default")
	assert.Contains(t, line, "-chardev socket,id=mgmt,path=/run/vlab/h2/vm-mgmt-console.socket,server=on,wait=off -serial chardev:mgmt")
	assert.Contains(t, line, "readonly=on")
	assert.Contains(t, line, "path="+filepath.Join(template.Properties[3].Fsdev.Path, "h2")+",")
	assert.Contains(t, line, "-kernel /boot/vmlinuz")
	assert.Contains(t, line, "-netdev tap,id=mgmt0,ifname=vabcdm2,script=no,downscript=no")
	assert.Contains(t, line, "-device virtio-net-pci,netdev=mgmt0,mac=52:")

	kernel := args[len(args)-5]
	assert.True(t, strings.HasPrefix(kernel, "init="))
	assert.Contains(t, kernel, "console=tty0 console=ttyS0 uts=h2 root=/dev/root rootflags=trans=virtio,version=9p2000.L rw rootfstype=9p 2")

	assert.Equal(t, filepath.Join(template.Properties[3].Fsdev.Path, "h2", ".ssh", "id_rsa"), vm.KeyPath)
	assert.Equal(t, []string{vm.RunDir, vm.HomeDir}, vm.Directories())
}

func TestHotplugCommands(t *testing.T) {
	vms, _, err := Compile(testTemplate(t), testTopology(), Options{})
	require.NoError(t, err)

	netdevAdd, deviceAdd, err := vms[0].HotplugCommands(0, "vabcdl0a")
	require.NoError(t, err)
	assert.Equal(t, "netdev_add tap,id=vlnet1,ifname=vabcdl0a,script=no,downscript=no", netdevAdd)
	assert.True(t, strings.HasPrefix(deviceAdd, "device_add virtio-net-pci,netdev=vlnet1,mac=52:"))
	assert.True(t, strings.HasSuffix(deviceAdd, ",id=vldev1"))

	_, second, err := vms[0].HotplugCommands(0, "vabcdl0a")
	require.NoError(t, err)
	assert.NotEqual(t, deviceAdd, second)

	assert.Equal(t, "eth1", GuestInterface(0))
}

func TestManagementAddress(t *testing.T) {
	assert.Equal(t, "10.0.3.1/24", HostManagementCIDR(3))
	assert.Equal(t, "10.0.3.2", GuestManagementAddress(3))
}

func TestRandomMAC(t *testing.T) {
	for range 32 {
		mac, err := RandomMAC()
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(mac, "52:"))
		assert.Len(t, mac, 17)
	}
}

func TestKernelCommandLineResolvesInit(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "init.sh")
	require.NoError(t, os.WriteFile(target, []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.Symlink(target, filepath.Join(dir, "init")))

	line := KernelCommandLine(config.InitParams{Init: filepath.Join(dir, "init"), Console: "ttyS0"}, "h1", 1)

	resolved, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	assert.Equal(t, "init="+resolved+" console=tty0 console=ttyS0 uts=h1 root=/dev/root 1", line)
}
