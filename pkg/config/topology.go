package config

type Topology struct {
	Hosts    []NodeSpec `json:"hosts"`
	Switches []NodeSpec `json:"switches"`
	Links    []LinkSpec `json:"links"`
}

type NodeSpec struct {
	Opts NodeOpts `json:"opts"`
}

type NodeOpts struct {
	Hostname string `json:"hostname"`
}

type LinkSpec struct {
	Src  string `json:"src"`
	Dest string `json:"dest"`
}

// Validate checks the graph invariants that do not depend on the template.
// Host name resolution happens during compilation.
func (t *Topology) Validate() error {
	seen := map[string]struct{}{}
	for i, s := range t.Switches {
		name := s.Opts.Hostname
		if name == "" {
			return Errorf(ErrInvalidTopology, "switch %d has no hostname", i)
		}

		if _, ok := seen[name]; ok {
			return Errorf(ErrDuplicateNode, "switch %q is declared twice", name)
		}
		seen[name] = struct{}{}
	}

	for i, l := range t.Links {
		if l.Src == "" || l.Dest == "" {
			return Errorf(ErrInvalidTopology, "link %d is missing an endpoint", i)
		}

		if l.Src == l.Dest {
			return Errorf(ErrSelfLink, "link %d connects %q to itself", i, l.Src)
		}
	}

	return nil
}
