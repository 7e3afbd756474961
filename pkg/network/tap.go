package network

import (
	"errors"

	"github.com/vishvananda/netlink"

	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

var (
	ErrCouldNotCreateTap       = errors.New("could not create tap interface")
	ErrCouldNotDeleteTap       = errors.New("could not delete tap interface")
	ErrCouldNotSetInterfaceUp  = errors.New("could not set interface up")
	ErrCouldNotParseAddress    = errors.New("could not parse interface address")
	ErrCouldNotAssignAddress   = errors.New("could not assign address to interface")
	ErrCouldNotFindInterface   = errors.New("could not find interface")
	ErrCouldNotDeleteInterface = errors.New("could not delete interface")
	ErrCouldNotCreateVeth      = errors.New("could not create veth pair")
	ErrInterfaceNameTooLong    = errors.New("interface name is too long")
)

const MaxInterfaceNameLength = vmconfig.MaxInterfaceNameLength

// CreateTap adds a persistent tap interface and sets it up. Nothing is left
// behind when a step fails.
func (m *NetlinkManager) CreateTap(name string) error {
	if len(name) > MaxInterfaceNameLength {
		return errors.Join(ErrCouldNotCreateTap, ErrInterfaceNameTooLong)
	}

	return m.ns.Do(func() error {
		tap := &netlink.Tuntap{
			LinkAttrs: netlink.NewLinkAttrs(),
			Mode:      netlink.TUNTAP_MODE_TAP,
		}
		tap.Name = name

		if err := netlink.LinkAdd(tap); err != nil {
			return errors.Join(ErrCouldNotCreateTap, err)
		}

		if err := netlink.LinkSetUp(tap); err != nil {
			_ = netlink.LinkDel(tap)

			return errors.Join(ErrCouldNotSetInterfaceUp, err)
		}

		return nil
	})
}

func (m *NetlinkManager) DeleteTap(name string) error {
	return m.ns.Do(func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			if isNotFound(err) {
				return nil
			}

			return errors.Join(ErrCouldNotFindInterface, err)
		}

		if err := netlink.LinkDel(link); err != nil {
			return errors.Join(ErrCouldNotDeleteTap, err)
		}

		return nil
	})
}

// SetAddress replaces the interface's address with cidr.
func (m *NetlinkManager) SetAddress(name string, cidr string) error {
	addr, err := netlink.ParseAddr(cidr)
	if err != nil {
		return errors.Join(ErrCouldNotParseAddress, err)
	}

	return m.ns.Do(func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			return errors.Join(ErrCouldNotFindInterface, err)
		}

		if err := netlink.AddrReplace(link, addr); err != nil {
			return errors.Join(ErrCouldNotAssignAddress, err)
		}

		return nil
	})
}

// EnsureVeth creates the veth pair if name does not exist and sets both ends up.
func (m *NetlinkManager) EnsureVeth(name string, peer string) error {
	if len(name) > MaxInterfaceNameLength || len(peer) > MaxInterfaceNameLength {
		return errors.Join(ErrCouldNotCreateVeth, ErrInterfaceNameTooLong)
	}

	return m.ns.Do(func() error {
		if _, err := netlink.LinkByName(name); err == nil {
			return nil
		} else if !isNotFound(err) {
			return errors.Join(ErrCouldNotFindInterface, err)
		}

		veth := &netlink.Veth{
			LinkAttrs: netlink.NewLinkAttrs(),
			PeerName:  peer,
		}
		veth.Name = name

		if err := netlink.LinkAdd(veth); err != nil {
			return errors.Join(ErrCouldNotCreateVeth, err)
		}

		for _, end := range []string{name, peer} {
			link, err := netlink.LinkByName(end)
			if err == nil {
				err = netlink.LinkSetUp(link)
			}

			if err != nil {
				// Deleting one end removes the pair
				_ = netlink.LinkDel(veth)

				return errors.Join(ErrCouldNotSetInterfaceUp, err)
			}
		}

		return nil
	})
}

// DeleteLink removes any interface by name. Missing interfaces are not an error.
func (m *NetlinkManager) DeleteLink(name string) error {
	return m.ns.Do(func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			if isNotFound(err) {
				return nil
			}

			return errors.Join(ErrCouldNotFindInterface, err)
		}

		if err := netlink.LinkDel(link); err != nil {
			return errors.Join(ErrCouldNotDeleteInterface, err)
		}

		return nil
	})
}

func isNotFound(err error) bool {
	var notFound netlink.LinkNotFoundError

	return errors.As(err, &notFound)
}
