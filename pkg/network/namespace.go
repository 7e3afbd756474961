package network

import (
	"context"
	"errors"
	"net"
	"runtime"

	"github.com/vishvananda/netns"
)

var (
	ErrCouldNotGetNamespace     = errors.New("could not get network namespace")
	ErrCouldNotCreateNamespace  = errors.New("could not create network namespace")
	ErrCouldNotEnterNamespace   = errors.New("could not enter network namespace")
	ErrCouldNotRestoreNamespace = errors.New("could not restore network namespace")
	ErrCouldNotDeleteNamespace  = errors.New("could not delete network namespace")
)

// Namespace scopes host network operations to a named network namespace.
// A nil Namespace or one with an empty name is the caller's own namespace.
type Namespace struct {
	name    string
	created bool
}

func NewNamespace(name string) *Namespace {
	return &Namespace{name: name}
}

func (n *Namespace) Name() string {
	if n == nil {
		return ""
	}

	return n.name
}

func (n *Namespace) IsHost() bool {
	return n.Name() == ""
}

// Open creates the namespace if it does not exist yet.
func (n *Namespace) Open() error {
	if n.IsHost() {
		return nil
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	original, err := netns.Get()
	if err != nil {
		return errors.Join(ErrCouldNotGetNamespace, err)
	}
	defer original.Close()

	if existing, err := netns.GetFromName(n.name); err == nil {
		_ = existing.Close()

		return nil
	}

	// NewNamed also switches the calling thread into the new namespace
	handle, err := netns.NewNamed(n.name)
	if err != nil {
		_ = netns.Set(original)

		return errors.Join(ErrCouldNotCreateNamespace, err)
	}
	defer handle.Close()

	n.created = true

	if err := netns.Set(original); err != nil {
		return errors.Join(ErrCouldNotRestoreNamespace, err)
	}

	return nil
}

// Close deletes the namespace if Open created it.
func (n *Namespace) Close() error {
	if n.IsHost() || !n.created {
		return nil
	}

	if err := netns.DeleteNamed(n.name); err != nil {
		return errors.Join(ErrCouldNotDeleteNamespace, err)
	}

	n.created = false

	return nil
}

// Do runs fn on a locked OS thread inside the namespace.
func (n *Namespace) Do(fn func() error) error {
	if n.IsHost() {
		return fn()
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	original, err := netns.Get()
	if err != nil {
		return errors.Join(ErrCouldNotGetNamespace, err)
	}
	defer original.Close()

	target, err := netns.GetFromName(n.name)
	if err != nil {
		return errors.Join(ErrCouldNotGetNamespace, err)
	}
	defer target.Close()

	if err := netns.Set(target); err != nil {
		return errors.Join(ErrCouldNotEnterNamespace, err)
	}
	defer netns.Set(original)

	return fn()
}

// DialContext opens a connection whose socket lives in the namespace.
func (n *Namespace) DialContext(ctx context.Context, network string, address string) (net.Conn, error) {
	var (
		dialer net.Dialer
		conn   net.Conn
	)
	err := n.Do(func() error {
		var err error
		conn, err = dialer.DialContext(ctx, network, address)

		return err
	})

	return conn, err
}

func (n *Namespace) Listen(network string, address string) (net.Listener, error) {
	var lis net.Listener
	err := n.Do(func() error {
		var err error
		lis, err = net.Listen(network, address)

		return err
	})

	return lis, err
}

// WrapCommand prefixes args so the process starts inside the namespace.
func (n *Namespace) WrapCommand(args []string) []string {
	if n.IsHost() {
		return args
	}

	return append([]string{"ip", "netns", "exec", n.name}, args...)
}
