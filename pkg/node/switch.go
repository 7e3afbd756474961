package node

import (
	"context"
	"errors"
	"sync"

	loggingtypes "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/vlab/pkg/network"
	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

var (
	ErrSwitchNotStarted    = errors.New("switch is not started")
	ErrCouldNotAttachLink  = errors.New("could not attach link")
	ErrCouldNotDetachLink  = errors.New("could not detach link")
	ErrCouldNotAllowBridge = errors.New("could not allow forwarding on bridge")
)

type SwitchDependencies struct {
	Links network.Manager
	Names *network.Names

	// Forwarder is optional.
	Forwarder network.Forwarder
}

// Switch owns one bridge and the attachment of its incident links. A wire is
// the implicit switch of a single host-to-host link.
type Switch struct {
	log   loggingtypes.Logger
	name  string
	links []vmconfig.Link
	wire  bool
	deps  SwitchDependencies

	lock     sync.Mutex
	started  bool
	attached map[string]vmconfig.Link
	veths    map[int]struct{}
}

func NewSwitch(log loggingtypes.Logger, name string, links []vmconfig.Link, deps SwitchDependencies) *Switch {
	return &Switch{
		log:      log,
		name:     name,
		links:    links,
		deps:     deps,
		attached: map[string]vmconfig.Link{},
		veths:    map[int]struct{}{},
	}
}

func NewWire(log loggingtypes.Logger, link vmconfig.Link, deps SwitchDependencies) *Switch {
	s := NewSwitch(log, deps.Names.WireBridge(link), []vmconfig.Link{link}, deps)
	s.wire = true

	return s
}

func (s *Switch) isNode() {}

func (s *Switch) Hostname() string {
	return s.name
}

func (s *Switch) Kind() vmconfig.NodeKind {
	return vmconfig.KindSwitch
}

func (s *Switch) IsWire() bool {
	return s.wire
}

func (s *Switch) Bridge() string {
	if s.wire {
		return s.name
	}

	return s.deps.Names.Bridge(s.name)
}

func (s *Switch) Links() []vmconfig.Link {
	return s.links
}

// Has reports whether the switch carries a link to peer.
func (s *Switch) Has(peer string) bool {
	for _, link := range s.links {
		if link.Has(peer) {
			return true
		}
	}

	return false
}

func (s *Switch) IsStarted() bool {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.started
}

func (s *Switch) Start(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if s.started {
		if s.log != nil {
			s.log.Info().Str("switch", s.name).Msg("Switch already started")
		}

		return nil
	}

	bridge := s.Bridge()
	if err := s.deps.Links.CreateBridge(bridge); err != nil {
		return err
	}

	if s.deps.Forwarder != nil {
		if err := s.deps.Forwarder.Allow(bridge); err != nil {
			errs := errors.Join(ErrCouldNotAllowBridge, err)
			if err := s.deps.Links.DeleteBridge(bridge); err != nil {
				errs = errors.Join(errs, err)
			}

			return errs
		}
	}

	s.started = true

	if s.log != nil {
		s.log.Info().Str("switch", s.name).Str("bridge", bridge).Msg("Started switch")
	}

	return nil
}

// Stop detaches every link and deletes the bridge. The switch stays started
// if the bridge could not be deleted.
func (s *Switch) Stop(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.started {
		if s.log != nil {
			s.log.Info().Str("switch", s.name).Msg("Switch already stopped")
		}

		return nil
	}

	errs := s.delLinks()

	bridge := s.Bridge()
	if s.deps.Forwarder != nil {
		if err := s.deps.Forwarder.Revoke(bridge); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	if err := s.deps.Links.DeleteBridge(bridge); err != nil {
		return errors.Join(errs, err)
	}

	s.started = false

	if s.log != nil {
		s.log.Info().Str("switch", s.name).Str("bridge", bridge).Msg("Stopped switch")
	}

	return errs
}

// AddLinks attaches the interface of every incident link to the bridge. All
// links are attempted.
func (s *Switch) AddLinks(ctx context.Context) error {
	return s.addLinks("")
}

// AddLinksFor attaches only the links that lead to peer.
func (s *Switch) AddLinksFor(ctx context.Context, peer string) error {
	return s.addLinks(peer)
}

func (s *Switch) DelLinks(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	return s.delLinks()
}

func (s *Switch) addLinks(peer string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if !s.started {
		return ErrSwitchNotStarted
	}

	bridge := s.Bridge()

	var errs error
	for _, link := range s.links {
		if peer != "" && !link.Has(peer) {
			continue
		}

		for _, iface := range s.interfaces(link, peer) {
			if err := s.attach(link, iface, bridge); err != nil {
				errs = errors.Join(errs, ErrCouldNotAttachLink, err)

				continue
			}

			if s.log != nil {
				s.log.Debug().
					Str("switch", s.name).
					Int("link", link.ID).
					Str("interface", iface).
					Msg("Attached link")
			}
		}
	}

	return errs
}

func (s *Switch) attach(link vmconfig.Link, iface string, bridge string) error {
	if s.isVethLink(link) {
		a, b := s.deps.Names.Veth(link)
		if err := s.deps.Links.EnsureVeth(a, b); err != nil {
			return err
		}
		s.veths[link.ID] = struct{}{}
	}

	if err := s.deps.Links.AttachToBridge(iface, bridge); err != nil {
		return err
	}
	s.attached[iface] = link

	return nil
}

func (s *Switch) delLinks() error {
	var errs error
	for iface, link := range s.attached {
		if s.isVethLink(link) {
			continue
		}

		if err := s.deps.Links.DetachFromBridge(iface); err != nil {
			errs = errors.Join(errs, ErrCouldNotDetachLink, err)

			continue
		}
		delete(s.attached, iface)
	}

	for _, link := range s.links {
		if _, ok := s.veths[link.ID]; !ok {
			continue
		}

		a, _ := s.deps.Names.Veth(link)
		if err := s.deps.Links.DeleteLink(a); err != nil {
			errs = errors.Join(errs, ErrCouldNotDetachLink, err)

			continue
		}

		delete(s.veths, link.ID)
		for iface, attached := range s.attached {
			if attached.ID == link.ID {
				delete(s.attached, iface)
			}
		}
	}

	return errs
}

// interfaces returns the host-side interfaces this switch attaches for link.
// A non-empty peer restricts a wire to that peer's tap.
func (s *Switch) interfaces(link vmconfig.Link, peer string) []string {
	if s.wire {
		if peer != "" {
			return []string{s.deps.Names.LinkTap(link, peer)}
		}

		return []string{
			s.deps.Names.LinkTap(link, link.Src),
			s.deps.Names.LinkTap(link, link.Dest),
		}
	}

	other := link.Peer(s.name)
	if link.KindOf(other) == vmconfig.KindHost {
		return []string{s.deps.Names.LinkTap(link, other)}
	}

	a, b := s.deps.Names.Veth(link)
	if link.Src == s.name {
		return []string{a}
	}

	return []string{b}
}

func (s *Switch) isVethLink(link vmconfig.Link) bool {
	return !s.wire && link.SrcKind == vmconfig.KindSwitch && link.DestKind == vmconfig.KindSwitch
}
