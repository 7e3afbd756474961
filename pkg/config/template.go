package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultSSHKeyPath = ".ssh/id_rsa"

	// MaxHostIndex is the highest host index a management address can encode.
	MaxHostIndex = 255
)

type Template struct {
	BaseName    string      `json:"base_name"`
	QemuBinary  string      `json:"qemu_binary"`
	MiscParams  string      `json:"misc_params"`
	MaxRAM      RAM         `json:"max_ram"`
	KernelImage KernelImage `json:"kernel_image"`
	Properties  []Property  `json:"properties"`

	// Hosts are declared by the template when the topology lists none.
	RangeLow  *int `json:"range_low,omitempty"`
	RangeHigh *int `json:"range_high,omitempty"`

	// Location of the per-VM private key, relative to the home passthrough.
	SSHKey string `json:"ssh_key,omitempty"`
}

type KernelImage struct {
	Dir        string     `json:"dir"`
	ImageName  string     `json:"image_name"`
	InitParams InitParams `json:"init_params"`
}

type InitParams struct {
	Init       string            `json:"init"`
	Console    string            `json:"console"`
	Mode       string            `json:"mode"`
	RootFSType string            `json:"rootfstype"`
	RootFlags  map[string]string `json:"rootflags"`
}

// RAM is a memory size as passed to -m. Integers are megabytes.
type RAM string

func (r *RAM) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*r = RAM(strings.TrimSpace(s))

		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("max_ram must be a string or an integer: %w", err)
	}

	*r = RAM(strconv.FormatInt(n, 10))

	return nil
}

// Range returns the template host indices, if a range is declared.
func (t *Template) Range() ([]int, bool) {
	if t.RangeLow == nil || t.RangeHigh == nil {
		return nil, false
	}

	indices := []int{}
	for i := *t.RangeLow; i < *t.RangeHigh; i++ {
		indices = append(indices, i)
	}

	return indices, true
}

func (t *Template) KeyPath() string {
	if t.SSHKey == "" {
		return DefaultSSHKeyPath
	}

	return t.SSHKey
}

// Validate checks the required fields and the device property schema.
// Filesystem paths are checked by the compiler.
func (t *Template) Validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"base_name", t.BaseName},
		{"qemu_binary", t.QemuBinary},
		{"max_ram", string(t.MaxRAM)},
		{"kernel_image.dir", t.KernelImage.Dir},
		{"kernel_image.image_name", t.KernelImage.ImageName},
		{"kernel_image.init_params.init", t.KernelImage.InitParams.Init},
		{"kernel_image.init_params.console", t.KernelImage.InitParams.Console},
	}
	for _, field := range required {
		if strings.TrimSpace(field.value) == "" {
			return Errorf(ErrInvalidTemplate, "missing required field %q", field.name)
		}
	}

	if (t.RangeLow == nil) != (t.RangeHigh == nil) {
		return Errorf(ErrInvalidTemplate, "range_low and range_high must be set together")
	}

	if t.RangeLow != nil {
		if *t.RangeLow > *t.RangeHigh {
			return Errorf(ErrInvalidTemplate, "range_low %d is greater than range_high %d", *t.RangeLow, *t.RangeHigh)
		}

		if *t.RangeLow < 0 || *t.RangeHigh > MaxHostIndex+1 {
			return Errorf(ErrInvalidTemplate, "range %d..%d is outside 0..%d", *t.RangeLow, *t.RangeHigh, MaxHostIndex+1)
		}
	}

	var (
		ids      = map[string]struct{}{}
		monitors = 0
		homes    = 0
		netdevs  = 0
	)
	for i, p := range t.Properties {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("property %d: %w", i, err)
		}

		id := p.ID()
		if _, ok := ids[id]; ok {
			return Errorf(ErrInvalidProperty, "property %d: duplicate id %q", i, id)
		}
		ids[id] = struct{}{}

		switch {
		case p.Chardev != nil && p.Chardev.IsMonitor():
			monitors++
		case p.Fsdev != nil && p.Fsdev.Home:
			homes++
		case p.Netdev != nil:
			netdevs++
		}
	}

	if monitors != 1 {
		return Errorf(ErrInvalidProperty, "exactly one chardev of type %q is required, got %d", ChardevTypeMonitor, monitors)
	}

	if homes > 1 {
		return Errorf(ErrInvalidProperty, "at most one home fsdev is allowed, got %d", homes)
	}

	if netdevs != 1 {
		return Errorf(ErrInvalidProperty, "exactly one management netdev is required, got %d", netdevs)
	}

	return nil
}

func (t *Template) Monitor() *Chardev {
	for _, p := range t.Properties {
		if p.Chardev != nil && p.Chardev.IsMonitor() {
			return p.Chardev
		}
	}

	return nil
}

func (t *Template) Home() *Fsdev {
	for _, p := range t.Properties {
		if p.Fsdev != nil && p.Fsdev.Home {
			return p.Fsdev
		}
	}

	return nil
}

func (t *Template) ManagementNetdev() *Netdev {
	for _, p := range t.Properties {
		if p.Netdev != nil {
			return p.Netdev
		}
	}

	return nil
}
