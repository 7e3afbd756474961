package network

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/coreos/go-iptables/iptables"
	route "github.com/nixigaj/go-default-route"
)

var (
	ErrCouldNotWriteIPForwarding      = errors.New("could not enable IP forwarding")
	ErrCouldNotCreateIPTablesInstance = errors.New("could not create iptables instance")
	ErrCouldNotAppendForwardRule      = errors.New("could not append FORWARD rule to filter table")
	ErrCouldNotDeleteForwardRule      = errors.New("could not delete FORWARD rule from filter table")
	ErrCouldNotAppendPostRoutingRule  = errors.New("could not append POSTROUTING rule to nat table")
	ErrCouldNotDeletePostRoutingRule  = errors.New("could not delete POSTROUTING rule from nat table")
	ErrCouldNotFindDefaultRoute       = errors.New("could not find default route interface")
)

const iptablesTimeout = 5

// Forwarder accepts traffic between the ports of a bridge when the host's
// FORWARD policy would drop it.
type Forwarder interface {
	Allow(bridge string) error
	Revoke(bridge string) error
}

type IPTablesForwarder struct {
	ns *Namespace
}

func NewIPTablesForwarder(ns *Namespace) *IPTablesForwarder {
	return &IPTablesForwarder{ns: ns}
}

var _ Forwarder = (*IPTablesForwarder)(nil)

func (f *IPTablesForwarder) Allow(bridge string) error {
	return f.ns.Do(func() error {
		iptable, err := newIPTables()
		if err != nil {
			return err
		}

		if err := iptable.AppendUnique("filter", "FORWARD", "-i", bridge, "-o", bridge, "-j", "ACCEPT"); err != nil {
			return errors.Join(ErrCouldNotAppendForwardRule, err)
		}

		return nil
	})
}

func (f *IPTablesForwarder) Revoke(bridge string) error {
	return f.ns.Do(func() error {
		iptable, err := newIPTables()
		if err != nil {
			return err
		}

		if err := iptable.DeleteIfExists("filter", "FORWARD", "-i", bridge, "-o", bridge, "-j", "ACCEPT"); err != nil {
			return errors.Join(ErrCouldNotDeleteForwardRule, err)
		}

		return nil
	})
}

// NAT masquerades traffic from a source network out of the host's uplink.
type NAT struct {
	ns            *Namespace
	hostInterface string
	sourceCIDR    string
}

// NewNAT returns a NAT for sourceCIDR. An empty hostInterface resolves to the
// default route interface when opened.
func NewNAT(ns *Namespace, hostInterface string, sourceCIDR string) *NAT {
	return &NAT{
		ns:            ns,
		hostInterface: hostInterface,
		sourceCIDR:    sourceCIDR,
	}
}

func (n *NAT) HostInterface() string {
	return n.hostInterface
}

func (n *NAT) Open() error {
	return n.ns.Do(func() error {
		if n.hostInterface == "" {
			ifc, err := route.DefaultRouteInterface()
			if err != nil {
				return errors.Join(ErrCouldNotFindDefaultRoute, err)
			}

			n.hostInterface = ifc.Name
		}

		if err := os.WriteFile(filepath.Join("/proc", "sys", "net", "ipv4", "ip_forward"), []byte("1"), os.ModePerm); err != nil {
			return errors.Join(ErrCouldNotWriteIPForwarding, err)
		}

		iptable, err := newIPTables()
		if err != nil {
			return err
		}

		if err := iptable.AppendUnique("nat", "POSTROUTING", "-s", n.sourceCIDR, "-o", n.hostInterface, "-j", "MASQUERADE"); err != nil {
			return errors.Join(ErrCouldNotAppendPostRoutingRule, err)
		}

		if err := iptable.AppendUnique("filter", "FORWARD", "-s", n.sourceCIDR, "-o", n.hostInterface, "-j", "ACCEPT"); err != nil {
			return errors.Join(ErrCouldNotAppendForwardRule, err)
		}

		if err := iptable.AppendUnique("filter", "FORWARD", "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
			return errors.Join(ErrCouldNotAppendForwardRule, err)
		}

		return nil
	})
}

func (n *NAT) Close() error {
	return n.ns.Do(func() error {
		iptable, err := newIPTables()
		if err != nil {
			return err
		}

		var errs error
		if err := iptable.DeleteIfExists("filter", "FORWARD", "-m", "conntrack", "--ctstate", "RELATED,ESTABLISHED", "-j", "ACCEPT"); err != nil {
			errs = errors.Join(errs, ErrCouldNotDeleteForwardRule, err)
		}

		if err := iptable.DeleteIfExists("filter", "FORWARD", "-s", n.sourceCIDR, "-o", n.hostInterface, "-j", "ACCEPT"); err != nil {
			errs = errors.Join(errs, ErrCouldNotDeleteForwardRule, err)
		}

		if err := iptable.DeleteIfExists("nat", "POSTROUTING", "-s", n.sourceCIDR, "-o", n.hostInterface, "-j", "MASQUERADE"); err != nil {
			errs = errors.Join(errs, ErrCouldNotDeletePostRoutingRule, err)
		}

		return errs
	})
}

func newIPTables() (*iptables.IPTables, error) {
	iptable, err := iptables.New(
		iptables.IPFamily(iptables.ProtocolIPv4),
		iptables.Timeout(iptablesTimeout),
	)
	if err != nil {
		return nil, errors.Join(ErrCouldNotCreateIPTablesInstance, err)
	}

	return iptable, nil
}
