package lab

import (
	"context"
	"fmt"

	"github.com/loopholelabs/vlab/pkg/network"
	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

// segments groups switches joined by switch-to-switch links into one
// broadcast domain.
type segments map[string]string

func (s segments) find(name string) string {
	parent, ok := s[name]
	if !ok || parent == name {
		s[name] = name

		return name
	}

	root := s.find(parent)
	s[name] = root

	return root
}

func (s segments) union(a, b string) {
	ra, rb := s.find(a), s.find(b)
	if ra == rb {
		return
	}

	// Keep the smaller name as root so keys do not depend on link order
	if rb < ra {
		ra, rb = rb, ra
	}
	s[rb] = ra
}

// segmentKey names the broadcast segment link belongs to from host's side.
func (s segments) segmentKey(link vmconfig.Link, host string) string {
	peer := link.Peer(host)
	if link.KindOf(peer) == vmconfig.KindSwitch {
		return "switch:" + s.find(peer)
	}

	return fmt.Sprintf("link:%d", link.ID)
}

// planAddresses gives every host endpoint of every test link an address.
// The result is keyed by VM name, then link ID.
func planAddresses(ctx context.Context, addressing *network.Addressing, vms []*vmconfig.VMConfig, index vmconfig.Index) (map[string]map[int]string, error) {
	s := segments{}
	for _, link := range index.Links() {
		if link.SrcKind == vmconfig.KindSwitch && link.DestKind == vmconfig.KindSwitch {
			s.union(link.Src, link.Dest)
		}
	}

	plan := map[string]map[int]string{}
	for _, vm := range vms {
		plan[vm.Name] = map[int]string{}

		for _, link := range vm.Links {
			address, err := addressing.AcquireIP(ctx, s.segmentKey(link, vm.Name))
			if err != nil {
				return nil, err
			}

			plan[vm.Name][link.ID] = address
		}
	}

	return plan, nil
}
