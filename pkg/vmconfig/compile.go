package vmconfig

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/loopholelabs/vlab/pkg/config"
)

const DefaultStateDir = "/tmp/vlab"

type Options struct {
	// StateDir holds one directory per instance with its console sockets.
	StateDir string
}

// Compile turns a template and a topology into one VMConfig per declared
// host and the link adjacency index. It has no side effects on the host.
func Compile(template *config.Template, topology *config.Topology, options Options) ([]*VMConfig, Index, error) {
	if err := template.Validate(); err != nil {
		return nil, nil, err
	}

	if err := topology.Validate(); err != nil {
		return nil, nil, err
	}

	if options.StateDir == "" {
		options.StateDir = DefaultStateDir
	}

	indices, err := hostIndices(template, topology)
	if err != nil {
		return nil, nil, err
	}

	kinds := map[string]NodeKind{}
	for _, index := range indices {
		kinds[template.BaseName+strconv.Itoa(index)] = KindHost
	}

	for _, s := range topology.Switches {
		name := s.Opts.Hostname
		if _, ok := kinds[name]; ok {
			return nil, nil, config.Errorf(config.ErrDuplicateNode, "switch %q collides with a host name", name)
		}

		if len(name) > MaxInterfaceNameLength {
			return nil, nil, config.Errorf(config.ErrInvalidTopology, "switch name %q is longer than %d characters", name, MaxInterfaceNameLength)
		}

		kinds[name] = KindSwitch
	}

	index := Index{}
	for id, l := range topology.Links {
		srcKind, ok := kinds[l.Src]
		if !ok {
			return nil, nil, config.Errorf(config.ErrUnknownEndpoint, "link %d references %q", id, l.Src)
		}

		destKind, ok := kinds[l.Dest]
		if !ok {
			return nil, nil, config.Errorf(config.ErrUnknownEndpoint, "link %d references %q", id, l.Dest)
		}

		index.add(Link{
			ID:       id,
			Src:      l.Src,
			Dest:     l.Dest,
			SrcKind:  srcKind,
			DestKind: destKind,
		})
	}

	base, err := staticArgs(template)
	if err != nil {
		return nil, nil, err
	}

	vms := make([]*VMConfig, 0, len(indices))
	for _, i := range indices {
		vm, err := compileVM(template, base, options.StateDir, i, index)
		if err != nil {
			return nil, nil, err
		}

		vms = append(vms, vm)
	}

	return vms, index, nil
}

func hostIndices(template *config.Template, topology *config.Topology) ([]int, error) {
	indices := []int{}
	if len(topology.Hosts) > 0 {
		for i, h := range topology.Hosts {
			index := i + 1
			name := template.BaseName + strconv.Itoa(index)

			if h.Opts.Hostname != "" && h.Opts.Hostname != name {
				return nil, config.Errorf(config.ErrInvalidTopology, "host %d is named %q but its instance name is %q", index, h.Opts.Hostname, name)
			}

			indices = append(indices, index)
		}
	} else if r, ok := template.Range(); ok {
		indices = r
	}

	seen := map[int]struct{}{}
	for _, i := range indices {
		if i < 0 || i > MaxIndex {
			return nil, config.Errorf(config.ErrInvalidTemplate, "host index %d is outside 0..%d", i, MaxIndex)
		}

		if _, ok := seen[i]; ok {
			return nil, config.Errorf(config.ErrDuplicateNode, "host index %d is declared twice", i)
		}
		seen[i] = struct{}{}
	}

	return indices, nil
}

// staticArgs validates passthrough paths and returns the arguments shared by
// every instance up to the memory size.
func staticArgs(template *config.Template) ([]string, error) {
	for _, p := range template.Properties {
		if p.Fsdev == nil {
			continue
		}

		if _, err := os.Stat(p.Fsdev.Path); err != nil {
			return nil, config.Errorf(config.ErrMissingPath, "fsdev %q: %v", p.Fsdev.ID, err)
		}
	}

	args := []string{template.QemuBinary}
	args = append(args, strings.Fields(template.MiscParams)...)

	return args, nil
}

func compileVM(template *config.Template, base []string, stateDir string, index int, links Index) (*VMConfig, error) {
	name := template.BaseName + strconv.Itoa(index)

	vm := &VMConfig{
		Index:  index,
		Name:   name,
		UUID:   uuid.NewSHA1(uuid.NameSpaceURL, []byte("vlab://"+name)).String(),
		RunDir: filepath.Join(stateDir, name),
		Links:  links[name],
		netdev: *template.ManagementNetdev(),
	}

	vm.MonitorSocket = chardevSocket(vm.RunDir, template.Monitor().ID)

	if home := template.Home(); home != nil {
		vm.HomeDir = filepath.Join(home.Path, name)
		vm.KeyPath = filepath.Join(vm.HomeDir, template.KeyPath())
	}

	args := append([]string{}, base...)
	args = append(args,
		"-name", name,
		"-uuid", vm.UUID,
		"-m", string(template.MaxRAM),
	)

	for _, p := range template.Properties {
		switch {
		case p.Chardev != nil:
			args = append(args, chardevArgs(p.Chardev, vm.RunDir)...)
		case p.Fsdev != nil:
			path := p.Fsdev.Path
			if p.Fsdev.Home {
				path = vm.HomeDir
			}

			args = append(args, fsdevArgs(p.Fsdev, path)...)
		}
	}

	args = append(args,
		"-kernel", filepath.Join(template.KernelImage.Dir, template.KernelImage.ImageName),
		"-append", KernelCommandLine(template.KernelImage.InitParams, name, index),
	)

	vm.args = args

	return vm, nil
}
