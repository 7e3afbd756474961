package testutil

import (
	"testing"

	"github.com/loopholelabs/vlab/pkg/config"
)

// Template returns a valid template whose passthrough paths exist.
func Template(t *testing.T) *config.Template {
	t.Helper()

	return &config.Template{
		BaseName:   "h",
		QemuBinary: "qemu-system-x86_64",
		MiscParams: "-nographic",
		MaxRAM:     "256M",
		KernelImage: config.KernelImage{
			Dir:       "/boot",
			ImageName: "vmlinuz",
			InitParams: config.InitParams{
				Init:       "/sbin/init",
				Console:    "ttyS0",
				Mode:       "rw",
				RootFSType: "9p",
				RootFlags:  map[string]string{"trans": "virtio"},
			},
		},
		Properties: []config.Property{
			{Chardev: &config.Chardev{Dev: config.DeviceChardev, ID: "monitor", Type: config.ChardevTypeMonitor}},
			{Fsdev: &config.Fsdev{Dev: config.DeviceFsdev, ID: "root", Path: t.TempDir(), MountTag: "/dev/root", ReadOnly: true}},
			{Fsdev: &config.Fsdev{Dev: config.DeviceFsdev, ID: "home", Path: t.TempDir(), MountTag: "home", Home: true}},
			{Netdev: &config.Netdev{Dev: config.DeviceNetdev, ID: "mgmt0"}},
		},
	}
}

// Topology declares hosts h1..hN with no links or switches.
func Topology(hosts int) *config.Topology {
	topology := &config.Topology{}
	for i := 0; i < hosts; i++ {
		topology.Hosts = append(topology.Hosts, config.NodeSpec{})
	}

	return topology
}

func Switches(topology *config.Topology, names ...string) *config.Topology {
	for _, name := range names {
		topology.Switches = append(topology.Switches, config.NodeSpec{Opts: config.NodeOpts{Hostname: name}})
	}

	return topology
}

func LinkPairs(topology *config.Topology, pairs ...[2]string) *config.Topology {
	for _, p := range pairs {
		topology.Links = append(topology.Links, config.LinkSpec{Src: p[0], Dest: p[1]})
	}

	return topology
}
