package config

import (
	"bytes"
	"encoding/json"
	"regexp"
)

type DeviceKind string

const (
	DeviceChardev DeviceKind = "chardev"
	DeviceFsdev   DeviceKind = "fsdev"
	DeviceNetdev  DeviceKind = "netdev"

	ChardevTypeMonitor = "mon"

	DefaultFsdevDriver        = "local"
	DefaultFsdevSecurityModel = "passthrough"
	DefaultNetdevModel        = "virtio-net-pci"
)

var identifier = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

// Property is a device descriptor. Exactly one of the variants is set.
type Property struct {
	Chardev *Chardev
	Fsdev   *Fsdev
	Netdev  *Netdev
}

type Chardev struct {
	Dev  DeviceKind `json:"dev"`
	ID   string     `json:"id"`
	Type string     `json:"type"`
}

func (c *Chardev) IsMonitor() bool {
	return c.Type == ChardevTypeMonitor
}

type Fsdev struct {
	Dev           DeviceKind `json:"dev"`
	ID            string     `json:"id"`
	Path          string     `json:"path"`
	MountTag      string     `json:"mount_tag"`
	Driver        string     `json:"driver,omitempty"`
	SecurityModel string     `json:"security_model,omitempty"`
	ReadOnly      bool       `json:"readonly,omitempty"`

	// Home passthroughs are suffixed with the instance name.
	Home bool `json:"home,omitempty"`
}

type Netdev struct {
	Dev   DeviceKind `json:"dev"`
	ID    string     `json:"id"`
	Model string     `json:"model,omitempty"`
}

func (p *Property) UnmarshalJSON(data []byte) error {
	var tag struct {
		Dev DeviceKind `json:"dev"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return Errorf(ErrInvalidProperty, "%v", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	*p = Property{}

	var err error
	switch tag.Dev {
	case DeviceChardev:
		p.Chardev = &Chardev{}
		err = decoder.Decode(p.Chardev)
	case DeviceFsdev:
		p.Fsdev = &Fsdev{}
		err = decoder.Decode(p.Fsdev)
	case DeviceNetdev:
		p.Netdev = &Netdev{}
		err = decoder.Decode(p.Netdev)
	default:
		return Errorf(ErrInvalidProperty, "unknown device kind %q", tag.Dev)
	}
	if err != nil {
		return Errorf(ErrInvalidProperty, "%s: %v", tag.Dev, err)
	}

	return nil
}

func (p Property) MarshalJSON() ([]byte, error) {
	switch {
	case p.Chardev != nil:
		return json.Marshal(p.Chardev)
	case p.Fsdev != nil:
		return json.Marshal(p.Fsdev)
	case p.Netdev != nil:
		return json.Marshal(p.Netdev)
	}

	return nil, Errorf(ErrInvalidProperty, "empty property")
}

func (p *Property) Kind() DeviceKind {
	switch {
	case p.Chardev != nil:
		return DeviceChardev
	case p.Fsdev != nil:
		return DeviceFsdev
	case p.Netdev != nil:
		return DeviceNetdev
	}

	return ""
}

func (p *Property) ID() string {
	switch {
	case p.Chardev != nil:
		return p.Chardev.ID
	case p.Fsdev != nil:
		return p.Fsdev.ID
	case p.Netdev != nil:
		return p.Netdev.ID
	}

	return ""
}

// Validate fills in defaults and checks the variant's fields.
func (p *Property) Validate() error {
	set := 0
	for _, v := range []bool{p.Chardev != nil, p.Fsdev != nil, p.Netdev != nil} {
		if v {
			set++
		}
	}
	if set != 1 {
		return Errorf(ErrInvalidProperty, "exactly one device variant must be set, got %d", set)
	}

	if !identifier.MatchString(p.ID()) {
		return Errorf(ErrInvalidProperty, "%s id %q is not a valid identifier", p.Kind(), p.ID())
	}

	switch {
	case p.Chardev != nil:
		if !identifier.MatchString(p.Chardev.Type) {
			return Errorf(ErrInvalidProperty, "chardev %q has invalid type %q", p.Chardev.ID, p.Chardev.Type)
		}

	case p.Fsdev != nil:
		if p.Fsdev.Path == "" {
			return Errorf(ErrInvalidProperty, "fsdev %q is missing path", p.Fsdev.ID)
		}

		if p.Fsdev.MountTag == "" {
			return Errorf(ErrInvalidProperty, "fsdev %q is missing mount_tag", p.Fsdev.ID)
		}

		if p.Fsdev.Driver == "" {
			p.Fsdev.Driver = DefaultFsdevDriver
		}

		if p.Fsdev.SecurityModel == "" {
			p.Fsdev.SecurityModel = DefaultFsdevSecurityModel
		}

	case p.Netdev != nil:
		if p.Netdev.Model == "" {
			p.Netdev.Model = DefaultNetdevModel
		}
	}

	return nil
}
