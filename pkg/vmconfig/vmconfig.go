package vmconfig

import (
	"fmt"
	"path/filepath"
	"slices"

	"github.com/loopholelabs/vlab/pkg/config"
)

const (
	hotplugNetdevPrefix = "vlnet"
	hotplugDevicePrefix = "vldev"
)

// VMConfig is one compiled instance. The management netdev is bound to a tap
// when the command line is rendered.
type VMConfig struct {
	Index int
	Name  string
	UUID  string

	RunDir        string
	MonitorSocket string

	// HomeDir is empty when the template has no home passthrough.
	HomeDir string
	KeyPath string

	Links []Link

	args   []string
	netdev config.Netdev
}

// Directories returns the host directories that must exist before launch.
func (c *VMConfig) Directories() []string {
	dirs := []string{c.RunDir}
	if c.HomeDir != "" {
		dirs = append(dirs, c.HomeDir)
	}

	return dirs
}

func (c *VMConfig) HostManagementCIDR() string {
	return HostManagementCIDR(c.Index)
}

func (c *VMConfig) GuestManagementAddress() string {
	return GuestManagementAddress(c.Index)
}

// CommandLine renders the hypervisor argument vector with the management
// netdev bound to tap and a fresh MAC.
func (c *VMConfig) CommandLine(tap string) ([]string, error) {
	mac, err := RandomMAC()
	if err != nil {
		return nil, err
	}

	return append(slices.Clone(c.args), netdevArgs(c.netdev, c.netdev.ID, tap, mac)...), nil
}

// HotplugCommands returns the monitor commands that attach the test link at
// ordinal to the running VM through tap.
func (c *VMConfig) HotplugCommands(ordinal int, tap string) (netdevAdd string, deviceAdd string, err error) {
	mac, err := RandomMAC()
	if err != nil {
		return "", "", err
	}

	netdevID := fmt.Sprintf("%s%d", hotplugNetdevPrefix, ordinal+1)

	netdevAdd = fmt.Sprintf("netdev_add tap,id=%s,ifname=%s,script=no,downscript=no", netdevID, tap)
	deviceAdd = fmt.Sprintf("device_add %s,netdev=%s,mac=%s,id=%s%d", c.netdev.Model, netdevID, mac, hotplugDevicePrefix, ordinal+1)

	return netdevAdd, deviceAdd, nil
}

// GuestInterface is the guest name of the interface for the test link at
// ordinal. eth0 is the management interface.
func GuestInterface(ordinal int) string {
	return fmt.Sprintf("eth%d", ordinal+1)
}

func chardevArgs(c *config.Chardev, runDir string) []string {
	args := []string{
		"-chardev",
		fmt.Sprintf("socket,id=%s,path=%s,server=on,wait=off", c.ID, chardevSocket(runDir, c.ID)),
	}

	if c.IsMonitor() {
		return append(args, "-mon", fmt.Sprintf("chardev=%s,mode=readline,default", c.ID))
	}

	return append(args, "-"+c.Type, "chardev:"+c.ID)
}

func chardevSocket(runDir string, id string) string {
	return filepath.Join(runDir, fmt.Sprintf("vm-%s-console.socket", id))
}

func fsdevArgs(f *config.Fsdev, path string) []string {
	fsdev := fmt.Sprintf("%s,id=%s,path=%s,security_model=%s", f.Driver, f.ID, path, f.SecurityModel)
	if f.ReadOnly {
		fsdev += ",readonly=on"
	}

	return []string{
		"-fsdev", fsdev,
		"-device", fmt.Sprintf("virtio-9p-pci,fsdev=%s,mount_tag=%s", f.ID, f.MountTag),
	}
}

func netdevArgs(n config.Netdev, id string, tap string, mac string) []string {
	return []string{
		"-netdev", fmt.Sprintf("tap,id=%s,ifname=%s,script=no,downscript=no", id, tap),
		"-device", fmt.Sprintf("%s,netdev=%s,mac=%s", n.Model, id, mac),
	}
}
