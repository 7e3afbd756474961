package network

// Manager creates and releases host interfaces. Every name passed in comes
// from Names, so each resource has exactly one owner.
type Manager interface {
	CreateTap(name string) error
	DeleteTap(name string) error
	SetAddress(name string, cidr string) error

	CreateBridge(name string) error
	DeleteBridge(name string) error
	AttachToBridge(name string, bridge string) error
	DetachFromBridge(name string) error

	EnsureVeth(name string, peer string) error
	DeleteLink(name string) error
}

// NetlinkManager implements Manager with netlink inside a namespace.
type NetlinkManager struct {
	ns *Namespace
}

func NewNetlinkManager(ns *Namespace) *NetlinkManager {
	return &NetlinkManager{ns: ns}
}

var _ Manager = (*NetlinkManager)(nil)
