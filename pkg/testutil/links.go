package testutil

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/loopholelabs/vlab/pkg/network"
)

var (
	ErrExists   = errors.New("file exists")
	ErrNotFound = errors.New("link not found")
)

// Links is an in-memory network.Manager that tracks every interface.
type Links struct {
	lock sync.Mutex

	taps    map[string]string
	bridges map[string]struct{}
	veths   map[string]string
	masters map[string]string

	// FailCreate makes CreateTap and CreateBridge fail for the given names.
	FailCreate map[string]error

	// FailDelete makes DeleteBridge fail for the given names.
	FailDelete map[string]error
}

func NewLinks() *Links {
	return &Links{
		taps:    map[string]string{},
		bridges: map[string]struct{}{},
		veths:   map[string]string{},
		masters: map[string]string{},

		FailCreate: map[string]error{},
		FailDelete: map[string]error{},
	}
}

var _ network.Manager = (*Links)(nil)

func (l *Links) CreateTap(name string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if err := l.FailCreate[name]; err != nil {
		return errors.Join(network.ErrCouldNotCreateTap, err)
	}

	if l.exists(name) {
		return fmt.Errorf("%w: %w: %s", network.ErrCouldNotCreateTap, ErrExists, name)
	}

	l.taps[name] = ""

	return nil
}

func (l *Links) DeleteTap(name string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	delete(l.taps, name)
	delete(l.masters, name)

	return nil
}

func (l *Links) SetAddress(name string, cidr string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, ok := l.taps[name]; !ok {
		return fmt.Errorf("%w: %w: %s", network.ErrCouldNotFindInterface, ErrNotFound, name)
	}

	l.taps[name] = cidr

	return nil
}

func (l *Links) CreateBridge(name string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if err := l.FailCreate[name]; err != nil {
		return errors.Join(network.ErrCouldNotCreateBridge, err)
	}

	if _, ok := l.bridges[name]; ok {
		return nil
	}

	if l.exists(name) {
		return fmt.Errorf("%w: %s", network.ErrNotABridge, name)
	}

	l.bridges[name] = struct{}{}

	return nil
}

func (l *Links) DeleteBridge(name string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if err := l.FailDelete[name]; err != nil {
		return errors.Join(network.ErrCouldNotDeleteBridge, err)
	}

	delete(l.bridges, name)
	for iface, master := range l.masters {
		if master == name {
			delete(l.masters, iface)
		}
	}

	return nil
}

func (l *Links) AttachToBridge(name string, bridge string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, ok := l.bridges[bridge]; !ok {
		return fmt.Errorf("%w: %w: %s", network.ErrCouldNotFindInterface, ErrNotFound, bridge)
	}

	_, isTap := l.taps[name]
	_, isVeth := l.veths[name]
	if !isTap && !isVeth {
		return fmt.Errorf("%w: %w: %s", network.ErrCouldNotFindInterface, ErrNotFound, name)
	}

	l.masters[name] = bridge

	return nil
}

func (l *Links) DetachFromBridge(name string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	delete(l.masters, name)

	return nil
}

func (l *Links) EnsureVeth(name string, peer string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if _, ok := l.veths[name]; ok {
		return nil
	}

	l.veths[name] = peer
	l.veths[peer] = name

	return nil
}

func (l *Links) DeleteLink(name string) error {
	l.lock.Lock()
	defer l.lock.Unlock()

	if peer, ok := l.veths[name]; ok {
		delete(l.veths, peer)
		delete(l.masters, peer)
	}

	delete(l.veths, name)
	delete(l.taps, name)
	delete(l.bridges, name)
	delete(l.masters, name)

	return nil
}

func (l *Links) exists(name string) bool {
	_, tap := l.taps[name]
	_, bridge := l.bridges[name]
	_, veth := l.veths[name]

	return tap || bridge || veth
}

func (l *Links) Taps() []string {
	l.lock.Lock()
	defer l.lock.Unlock()

	return sortedKeys(l.taps)
}

func (l *Links) Bridges() []string {
	l.lock.Lock()
	defer l.lock.Unlock()

	return sortedKeys(l.bridges)
}

func (l *Links) Veths() []string {
	l.lock.Lock()
	defer l.lock.Unlock()

	return sortedKeys(l.veths)
}

func (l *Links) Address(tap string) string {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.taps[tap]
}

// Master returns the bridge name is attached to, or "".
func (l *Links) Master(name string) string {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.masters[name]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}
