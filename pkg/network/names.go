package network

import (
	"fmt"

	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

const runTagLength = 4

// Names is the single authority for host interface names in one lab run.
// Both the VM that owns a link tap and the switch that attaches it derive the
// name from the link identity here.
type Names struct {
	prefix string
}

func NewNames(runID string) *Names {
	tag := runID
	if len(tag) > runTagLength {
		tag = tag[:runTagLength]
	}

	return &Names{prefix: "v" + tag}
}

func (n *Names) ManagementTap(index int) string {
	return fmt.Sprintf("%sm%d", n.prefix, index)
}

// LinkTap names the tap that carries link on endpoint's side.
func (n *Names) LinkTap(link vmconfig.Link, endpoint string) string {
	return fmt.Sprintf("%sl%d%s", n.prefix, link.ID, side(link, endpoint))
}

// Veth names both ends of the pair joining two switches. The first end
// belongs to the link's source.
func (n *Names) Veth(link vmconfig.Link) (string, string) {
	return fmt.Sprintf("%sv%da", n.prefix, link.ID), fmt.Sprintf("%sv%db", n.prefix, link.ID)
}

// WireBridge names the bridge that joins the two taps of a host-to-host link.
func (n *Names) WireBridge(link vmconfig.Link) string {
	return fmt.Sprintf("%sw%d", n.prefix, link.ID)
}

func (n *Names) Bridge(switchName string) string {
	return switchName
}

func side(link vmconfig.Link, endpoint string) string {
	if link.Src == endpoint {
		return "a"
	}

	return "b"
}
