package config

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const templateJSON = `{
	"base_name": "h",
	"qemu_binary": "qemu-system-x86_64",
	"misc_params": "-nographic",
	"max_ram": 512,
	"kernel_image": {
		"dir": "/boot",
		"image_name": "vmlinuz",
		"init_params": {"init": "/sbin/init", "console": "ttyS0", "mode": "rw", "rootfstype": "9p", "rootflags": {"trans": "virtio"}}
	},
	"properties": [
		{"dev": "chardev", "id": "mgmt", "type": "serial"},
		{"dev": "chardev", "id": "monitor", "type": "mon"},
		{"dev": "fsdev", "id": "root", "path": "/", "mount_tag": "/dev/root", "readonly": true},
		{"dev": "netdev", "id": "mgmt0"}
	]
}`

func TestLoadTemplate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.json")
	require.NoError(t, os.WriteFile(path, []byte(templateJSON), 0644))

	template, err := LoadTemplate(path)
	require.NoError(t, err)

	assert.Equal(t, RAM("512"), template.MaxRAM)
	assert.Len(t, template.Properties, 4)
	assert.Equal(t, "monitor", template.Monitor().ID)
	assert.Equal(t, DefaultNetdevModel, template.ManagementNetdev().Model)
	assert.Equal(t, DefaultFsdevDriver, template.Properties[2].Fsdev.Driver)
	assert.Nil(t, template.Home())
	assert.Equal(t, DefaultSSHKeyPath, template.KeyPath())
}

func TestLoadTopologyYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topo.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hosts:
  - opts: {hostname: h1}
switches:
  - opts: {hostname: s1}
links:
  - {src: h1, dest: s1}
`), 0644))

	topology, err := LoadTopology(path)
	require.NoError(t, err)
	assert.Equal(t, "s1", topology.Switches[0].Opts.Hostname)
	assert.Equal(t, LinkSpec{Src: "h1", Dest: "s1"}, topology.Links[0])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadTopology(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, ErrConfig)
	assert.ErrorIs(t, err, ErrCouldNotReadFile)
}

func TestPropertyRejectsUnknownDevices(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown kind", `{"dev": "blockdev", "id": "x"}`},
		{"unknown key", `{"dev": "netdev", "id": "mgmt0", "bridge": "br0"}`},
		{"missing kind", `{"id": "mgmt0"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Property
			err := json.Unmarshal([]byte(tt.data), &p)
			assert.ErrorIs(t, err, ErrInvalidProperty)
		})
	}
}

func TestTemplateValidate(t *testing.T) {
	valid := func() *Template {
		var template Template
		require.NoError(t, json.Unmarshal([]byte(templateJSON), &template))

		return &template
	}

	require.NoError(t, valid().Validate())

	noMonitor := valid()
	noMonitor.Properties = noMonitor.Properties[2:]
	assert.ErrorIs(t, noMonitor.Validate(), ErrInvalidProperty)

	duplicate := valid()
	duplicate.Properties = append(duplicate.Properties, Property{Netdev: &Netdev{Dev: DeviceNetdev, ID: "mgmt"}})
	assert.ErrorIs(t, duplicate.Validate(), ErrInvalidProperty)

	badID := valid()
	badID.Properties[0].Chardev.ID = "mgmt,server"
	assert.ErrorIs(t, badID.Validate(), ErrInvalidProperty)

	low, high := 3, 1
	badRange := valid()
	badRange.RangeLow, badRange.RangeHigh = &low, &high
	assert.ErrorIs(t, badRange.Validate(), ErrInvalidTemplate)

	for _, bounds := range [][2]int{{-1, 2}, {0, MaxHostIndex + 2}, {1, math.MaxInt}} {
		low, high := bounds[0], bounds[1]
		unbounded := valid()
		unbounded.RangeLow, unbounded.RangeHigh = &low, &high
		assert.ErrorIs(t, unbounded.Validate(), ErrInvalidTemplate, "range %d..%d", low, high)
	}

	low, high = 0, MaxHostIndex+1
	full := valid()
	full.RangeLow, full.RangeHigh = &low, &high
	require.NoError(t, full.Validate())
	indices, ok := full.Range()
	require.True(t, ok)
	assert.Len(t, indices, MaxHostIndex+1)

	missing := valid()
	missing.KernelImage.InitParams.Console = ""
	assert.ErrorIs(t, missing.Validate(), ErrInvalidTemplate)
}

func TestTopologyValidate(t *testing.T) {
	topology := &Topology{
		Switches: []NodeSpec{{Opts: NodeOpts{Hostname: "s1"}}, {Opts: NodeOpts{Hostname: "s1"}}},
	}
	assert.ErrorIs(t, topology.Validate(), ErrDuplicateNode)

	topology = &Topology{Links: []LinkSpec{{Src: "h1"}}}
	assert.ErrorIs(t, topology.Validate(), ErrInvalidTopology)
}
