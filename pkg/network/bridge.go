package network

import (
	"errors"
	"fmt"

	"github.com/vishvananda/netlink"
)

var (
	ErrCouldNotCreateBridge              = errors.New("could not create bridge")
	ErrCouldNotDeleteBridge              = errors.New("could not delete bridge")
	ErrCouldNotAttachInterfaceToBridge   = errors.New("could not attach interface to bridge")
	ErrCouldNotDetachInterfaceFromBridge = errors.New("could not detach interface from bridge")
	ErrNotABridge                        = errors.New("interface exists but is not a bridge")
)

// CreateBridge adds the bridge if it is absent and sets it up.
func (m *NetlinkManager) CreateBridge(name string) error {
	if len(name) > MaxInterfaceNameLength {
		return errors.Join(ErrCouldNotCreateBridge, ErrInterfaceNameTooLong)
	}

	return m.ns.Do(func() error {
		link, err := netlink.LinkByName(name)
		if err == nil {
			if _, ok := link.(*netlink.Bridge); !ok {
				return fmt.Errorf("%w: %s", ErrNotABridge, name)
			}

			if err := netlink.LinkSetUp(link); err != nil {
				return errors.Join(ErrCouldNotSetInterfaceUp, err)
			}

			return nil
		} else if !isNotFound(err) {
			return errors.Join(ErrCouldNotFindInterface, err)
		}

		attrs := netlink.NewLinkAttrs()
		attrs.Name = name

		bridge := &netlink.Bridge{LinkAttrs: attrs}
		if err := netlink.LinkAdd(bridge); err != nil {
			return errors.Join(ErrCouldNotCreateBridge, err)
		}

		if err := netlink.LinkSetUp(bridge); err != nil {
			_ = netlink.LinkDel(bridge)

			return errors.Join(ErrCouldNotSetInterfaceUp, err)
		}

		return nil
	})
}

// DeleteBridge removes the bridge. Attached interfaces are released by the
// kernel. A missing bridge is not an error.
func (m *NetlinkManager) DeleteBridge(name string) error {
	return m.ns.Do(func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			if isNotFound(err) {
				return nil
			}

			return errors.Join(ErrCouldNotFindInterface, err)
		}

		if _, ok := link.(*netlink.Bridge); !ok {
			return fmt.Errorf("%w: %s", ErrNotABridge, name)
		}

		if err := netlink.LinkDel(link); err != nil {
			return errors.Join(ErrCouldNotDeleteBridge, err)
		}

		return nil
	})
}

func (m *NetlinkManager) AttachToBridge(name string, bridge string) error {
	return m.ns.Do(func() error {
		master, err := netlink.LinkByName(bridge)
		if err != nil {
			return errors.Join(ErrCouldNotFindInterface, err)
		}

		if _, ok := master.(*netlink.Bridge); !ok {
			return fmt.Errorf("%w: %s", ErrNotABridge, bridge)
		}

		link, err := netlink.LinkByName(name)
		if err != nil {
			return errors.Join(ErrCouldNotFindInterface, err)
		}

		if err := netlink.LinkSetMaster(link, master); err != nil {
			return errors.Join(ErrCouldNotAttachInterfaceToBridge, err)
		}

		return nil
	})
}

// DetachFromBridge releases the interface from its bridge. A missing
// interface is not an error.
func (m *NetlinkManager) DetachFromBridge(name string) error {
	return m.ns.Do(func() error {
		link, err := netlink.LinkByName(name)
		if err != nil {
			if isNotFound(err) {
				return nil
			}

			return errors.Join(ErrCouldNotFindInterface, err)
		}

		if err := netlink.LinkSetNoMaster(link); err != nil {
			return errors.Join(ErrCouldNotDetachInterfaceFromBridge, err)
		}

		return nil
	})
}
