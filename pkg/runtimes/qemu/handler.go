package qemu

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	loggingtypes "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/vlab/pkg/network"
	"github.com/loopholelabs/vlab/pkg/remote"
	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

var (
	ErrResource                  = errors.New("resource error")
	ErrProcess                   = errors.New("process error")
	ErrNotStarted                = errors.New("vm is not started")
	ErrCouldNotCreateDirectory   = errors.New("could not create VM directory")
	ErrCouldNotStopProcess       = errors.New("could not stop qemu process")
	ErrProcessExitedUnexpectedly = errors.New("qemu process exited unexpectedly")
	ErrCouldNotHotplugDevice     = errors.New("could not hot-plug network device")
	ErrCouldNotConfigureGuest    = errors.New("could not configure guest interface")
)

const (
	OutputFileName = "qemu.log"

	pciRescanCommand = "echo 1 > /sys/bus/pci/rescan"
)

type MonitorClient interface {
	Exec(ctx context.Context, socket string, command string) (string, error)
}

type TerminalOpener interface {
	Open(ctx context.Context, title string, target remote.Target) error
}

type Dependencies struct {
	Links    network.Manager
	Names    *network.Names
	Launcher Launcher
	Monitor  MonitorClient
	Remote   remote.Executor
	Terminal TerminalOpener
}

type Options struct {
	StopTimeout time.Duration
	SSHUser     string
	SSHPort     int

	// Addresses maps link IDs to the CIDR this VM uses on that link.
	Addresses map[int]string
}

type HandlerHooks struct {
	OnUnexpectedExit func(name string, err error)
}

// Handler owns the OS resources of one VM: its process, its management tap
// and the taps of its test links. Methods are serialised per handler.
type Handler struct {
	log   loggingtypes.Logger
	vm    *vmconfig.VMConfig
	deps  Dependencies
	opts  Options
	hooks HandlerHooks

	lock sync.Mutex

	started    bool
	configured bool
	process    Process

	managementTap string
	linkTaps      []string

	// progress counts the completed configuration steps per link ID
	progress map[int]int

	lastExitErr error
}

func NewHandler(
	log loggingtypes.Logger,
	vm *vmconfig.VMConfig,
	deps Dependencies,
	opts Options,
	hooks HandlerHooks,
) *Handler {
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}

	return &Handler{
		log:   log,
		vm:    vm,
		deps:  deps,
		opts:  opts,
		hooks: hooks,
	}
}

func (h *Handler) Name() string {
	return h.vm.Name
}

func (h *Handler) Index() int {
	return h.vm.Index
}

func (h *Handler) Config() *vmconfig.VMConfig {
	return h.vm
}

func (h *Handler) IsStarted() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.started
}

func (h *Handler) IsConfigured() bool {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.configured
}

// LastExitError reports why the process last exited without being stopped.
func (h *Handler) LastExitError() error {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.lastExitErr
}

func (h *Handler) ManagementAddress() string {
	return h.vm.GuestManagementAddress()
}

func (h *Handler) Target() remote.Target {
	return remote.Target{
		Address: h.vm.GuestManagementAddress(),
		Port:    h.opts.SSHPort,
		User:    h.opts.SSHUser,
		KeyPath: h.vm.KeyPath,
	}
}

// Start allocates the management tap and spawns the hypervisor. It does not
// wait for the guest to boot.
func (h *Handler) Start(ctx context.Context) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.started {
		if h.log != nil {
			h.log.Info().Str("vm", h.vm.Name).Msg("VM already started")
		}

		return nil
	}

	for _, dir := range h.vm.Directories() {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return errors.Join(ErrResource, ErrCouldNotCreateDirectory, err)
		}
	}

	tap := h.deps.Names.ManagementTap(h.vm.Index)
	if err := h.deps.Links.CreateTap(tap); err != nil {
		return errors.Join(ErrResource, err)
	}

	release := func(cause error) error {
		if err := h.deps.Links.DeleteTap(tap); err != nil {
			return errors.Join(cause, ErrResource, err)
		}

		return cause
	}

	if err := h.deps.Links.SetAddress(tap, h.vm.HostManagementCIDR()); err != nil {
		return release(errors.Join(ErrResource, err))
	}

	args, err := h.vm.CommandLine(tap)
	if err != nil {
		return release(err)
	}

	process, err := h.deps.Launcher.Launch(ctx, LaunchSpec{
		Name:       h.vm.Name,
		Args:       args,
		OutputPath: filepath.Join(h.vm.RunDir, OutputFileName),
	})
	if err != nil {
		return release(errors.Join(ErrProcess, err))
	}

	h.started = true
	h.configured = false
	h.process = process
	h.managementTap = tap
	h.linkTaps = nil
	h.progress = map[int]int{}
	h.lastExitErr = nil

	go h.watch(process)

	if h.log != nil {
		h.log.Info().
			Str("vm", h.vm.Name).
			Str("tap", tap).
			Str("address", h.vm.HostManagementCIDR()).
			Int("pid", process.Pid()).
			Msg("Started VM")
	}

	return nil
}

// Stop terminates the hypervisor and releases every tap the VM allocated.
// Each release step is attempted even if an earlier one fails.
func (h *Handler) Stop(ctx context.Context) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.started {
		if h.log != nil {
			h.log.Info().Str("vm", h.vm.Name).Msg("VM already stopped")
		}

		return nil
	}

	var errs error
	if h.process != nil {
		if err := h.process.Stop(h.opts.StopTimeout); err != nil {
			errs = errors.Join(errs, ErrProcess, ErrCouldNotStopProcess, err)
		}
	}

	errs = errors.Join(errs, h.releaseTaps())
	h.reset()

	if h.log != nil {
		h.log.Info().Str("vm", h.vm.Name).Msg("Stopped VM")
	}

	return errs
}

// ExecCmd runs line in the guest over a fresh remote shell session.
func (h *Handler) ExecCmd(ctx context.Context, line string) ([]string, []string, error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.exec(ctx, line)
}

// ConfigureInterfaces attaches every test link of the VM: a tap per link, the
// two hot-plug monitor commands, a PCI rescan, then the designated address on
// the guest interface. Guest interfaces are numbered from eth1. Steps that
// completed before a failure are skipped when it is called again.
func (h *Handler) ConfigureInterfaces(ctx context.Context) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.started {
		return ErrNotStarted
	}

	if h.configured {
		if h.log != nil {
			h.log.Info().Str("vm", h.vm.Name).Msg("VM interfaces already configured")
		}

		return nil
	}

	for ordinal, link := range h.vm.Links {
		tap := h.deps.Names.LinkTap(link, h.vm.Name)
		iface := vmconfig.GuestInterface(ordinal)

		netdevAdd, deviceAdd, err := h.vm.HotplugCommands(ordinal, tap)
		if err != nil {
			return err
		}

		command := fmt.Sprintf("ip link set %s up", iface)
		if address, ok := h.opts.Addresses[link.ID]; ok {
			command = fmt.Sprintf("ip addr add %s dev %s && %s", address, iface, command)
		}

		steps := []func() error{
			func() error {
				if err := h.deps.Links.CreateTap(tap); err != nil {
					return errors.Join(ErrResource, err)
				}
				h.linkTaps = append(h.linkTaps, tap)

				return nil
			},
			func() error {
				if _, err := h.deps.Monitor.Exec(ctx, h.vm.MonitorSocket, netdevAdd); err != nil {
					return errors.Join(ErrCouldNotHotplugDevice, err)
				}

				return nil
			},
			func() error {
				if _, err := h.deps.Monitor.Exec(ctx, h.vm.MonitorSocket, deviceAdd); err != nil {
					return errors.Join(ErrCouldNotHotplugDevice, err)
				}

				return nil
			},
			func() error {
				if _, _, err := h.exec(ctx, pciRescanCommand); err != nil {
					return errors.Join(ErrCouldNotConfigureGuest, err)
				}

				return nil
			},
			func() error {
				if _, _, err := h.exec(ctx, command); err != nil {
					return errors.Join(ErrCouldNotConfigureGuest, err)
				}

				return nil
			},
		}

		for step := h.progress[link.ID]; step < len(steps); step++ {
			if err := steps[step](); err != nil {
				return err
			}
			h.progress[link.ID] = step + 1
		}

		if h.log != nil {
			h.log.Debug().
				Str("vm", h.vm.Name).
				Int("link", link.ID).
				Str("peer", link.Peer(h.vm.Name)).
				Str("tap", tap).
				Str("interface", iface).
				Str("address", h.opts.Addresses[link.ID]).
				Msg("Configured test interface")
		}
	}

	h.configured = true

	if h.log != nil {
		h.log.Info().Str("vm", h.vm.Name).Int("links", len(h.vm.Links)).Msg("Configured VM interfaces")
	}

	return nil
}

// OpenTerminal opens an interactive session to the guest.
func (h *Handler) OpenTerminal(ctx context.Context) error {
	h.lock.Lock()
	defer h.lock.Unlock()

	if !h.started {
		return ErrNotStarted
	}

	return h.deps.Terminal.Open(ctx, h.vm.Name, h.Target())
}

func (h *Handler) exec(ctx context.Context, line string) ([]string, []string, error) {
	if !h.started {
		return nil, nil, ErrNotStarted
	}

	if h.log != nil {
		h.log.Debug().Str("vm", h.vm.Name).Str("line", line).Msg("Executing remote command")
	}

	return h.deps.Remote.Exec(ctx, h.Target(), line)
}

// watch reconciles the handler when the process exits without Stop.
func (h *Handler) watch(process Process) {
	err := process.Wait()

	h.lock.Lock()

	// Stopped or restarted in the meantime
	if h.process != process {
		h.lock.Unlock()

		return
	}

	exitErr := errors.Join(ErrProcess, ErrProcessExitedUnexpectedly, err)
	h.lastExitErr = exitErr

	if h.log != nil {
		h.log.Error().Err(exitErr).Str("vm", h.vm.Name).Msg("VM exited unexpectedly")
	}

	if err := h.releaseTaps(); err != nil && h.log != nil {
		h.log.Error().Err(err).Str("vm", h.vm.Name).Msg("Could not release taps after unexpected exit")
	}
	h.reset()

	h.lock.Unlock()

	if hook := h.hooks.OnUnexpectedExit; hook != nil {
		hook(h.vm.Name, exitErr)
	}
}

func (h *Handler) releaseTaps() error {
	var errs error
	for _, tap := range h.linkTaps {
		if err := h.deps.Links.DeleteTap(tap); err != nil {
			errs = errors.Join(errs, ErrResource, err)
		}
	}

	if h.managementTap != "" {
		if err := h.deps.Links.DeleteTap(h.managementTap); err != nil {
			errs = errors.Join(errs, ErrResource, err)
		}
	}

	h.linkTaps = nil
	h.managementTap = ""

	return errs
}

func (h *Handler) reset() {
	h.started = false
	h.configured = false
	h.process = nil
	h.progress = nil
}
