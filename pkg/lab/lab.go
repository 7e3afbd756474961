package lab

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	loggingtypes "github.com/loopholelabs/logging/types"

	"github.com/loopholelabs/vlab/pkg/config"
	"github.com/loopholelabs/vlab/pkg/network"
	"github.com/loopholelabs/vlab/pkg/node"
	"github.com/loopholelabs/vlab/pkg/remote"
	"github.com/loopholelabs/vlab/pkg/rendezvous"
	"github.com/loopholelabs/vlab/pkg/runtimes/qemu"
	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

var (
	ErrIndexOutOfBounds          = errors.New("host index out of bounds")
	ErrNodeNotFound              = errors.New("node not found")
	ErrNotAHost                  = errors.New("node is not a host")
	ErrBootTimeout               = errors.New("boot notification timed out")
	ErrHostExited                = errors.New("host exited before booting")
	ErrCouldNotOpenNamespace     = errors.New("could not open network namespace")
	ErrCouldNotOpenNAT           = errors.New("could not open NAT")
	ErrCouldNotOpenAddressing    = errors.New("could not open test network addressing")
	ErrCouldNotPlanAddresses     = errors.New("could not plan test network addresses")
	ErrCouldNotOpenRendezvous    = errors.New("could not open rendezvous server")
	ErrCouldNotStartNode         = errors.New("could not start node")
	ErrCouldNotStopNode          = errors.New("could not stop node")
	ErrCouldNotConfigureHost     = errors.New("could not configure host")
	ErrCouldNotAttachLinks       = errors.New("could not attach links")
	ErrCouldNotReceiveBoot       = errors.New("could not receive boot notification")
	ErrCouldNotOpenTerminal      = errors.New("could not open terminal")
	ErrCouldNotReleaseAddressing = errors.New("could not release test network addressing")
)

type State string

const (
	StateIdle          State = "idle"
	StateCompiling     State = "compiling"
	StateStarting      State = "starting"
	StateAwaitingBoots State = "awaiting-boots"
	StateRunning       State = "running"
	StateStopping      State = "stopping"
)

const (
	DefaultTestNetwork = "10.10.0.0/16"
	DefaultSSHUser     = "root"
	DefaultSSHPort     = 22
)

type Options struct {
	// RunID defaults to a fresh short UUID. It names the state directory of
	// the run and prefixes every host interface.
	RunID string

	StateDir    string
	BootTimeout time.Duration
	StopTimeout time.Duration

	SSHUser string
	SSHPort int

	TestNetwork string
	SegmentBits uint8

	Metrics *Metrics
}

type Dependencies struct {
	// Namespace is nil for the host namespace.
	Namespace *network.Namespace

	Links    network.Manager
	Launcher qemu.Launcher
	Monitor  qemu.MonitorClient
	Remote   remote.Executor
	Terminal qemu.TerminalOpener

	// Forwarder and NAT are optional.
	Forwarder network.Forwarder
	NAT       *network.NAT

	// Rendezvous defaults to a server on the well-known port inside
	// Namespace. The lab opens and closes it.
	Rendezvous *rendezvous.Server
}

// Lab runs one topology. Whole-lab operations are serialised; nodes serialise
// their own operations.
type Lab struct {
	log  loggingtypes.Logger
	opts Options
	deps Dependencies

	runID      string
	names      *network.Names
	addressing *network.Addressing
	rendezvous *rendezvous.Server

	hosts    []*node.Host
	switches []*node.Switch
	wires    []*node.Switch
	nodes    map[string]node.Node

	namespaceOpen bool
	natOpen       bool

	exitLock sync.Mutex
	exits    chan hostExit

	opLock sync.Mutex

	stateLock sync.Mutex
	state     State
}

/**
 * Create a lab from a template and a topology. Nothing is started, but the
 * namespace, NAT and the rendezvous listener are opened so no guest can
 * announce itself before the lab listens.
 *
 */
func New(
	ctx context.Context,
	log loggingtypes.Logger,
	template *config.Template,
	topology *config.Topology,
	opts Options,
	deps Dependencies,
) (*Lab, error) {
	if opts.RunID == "" {
		opts.RunID = shortuuid.New()
	}

	if opts.StateDir == "" {
		opts.StateDir = vmconfig.DefaultStateDir
	}

	if opts.TestNetwork == "" {
		opts.TestNetwork = DefaultTestNetwork
	}

	if opts.SSHUser == "" {
		opts.SSHUser = DefaultSSHUser
	}

	if opts.SSHPort == 0 {
		opts.SSHPort = DefaultSSHPort
	}

	if deps.Rendezvous == nil {
		deps.Rendezvous = rendezvous.NewServer(rendezvous.DefaultAddress, deps.Namespace.Listen)
	}

	l := &Lab{
		log:  log,
		opts: opts,
		deps: deps,

		runID:      opts.RunID,
		names:      network.NewNames(opts.RunID),
		rendezvous: deps.Rendezvous,

		nodes: map[string]node.Node{},
		state: StateCompiling,
	}

	if log != nil {
		log.Info().Str("run", l.runID).Msg("Compiling lab")
	}

	vms, index, err := vmconfig.Compile(template, topology, vmconfig.Options{
		StateDir: filepath.Join(opts.StateDir, l.runID),
	})
	if err != nil {
		return nil, err
	}

	address, err := l.open(ctx, vms, topology.Switches, index)
	if err != nil {
		// Release whatever was opened before the failing step
		return nil, errors.Join(err, l.release(ctx))
	}

	l.setState(StateIdle)

	if log != nil {
		log.Info().
			Str("run", l.runID).
			Int("hosts", len(l.hosts)).
			Int("switches", len(l.switches)).
			Int("wires", len(l.wires)).
			Str("rendezvous", address).
			Msg("Created lab")
	}

	return l, nil
}

// open plans the addressing, builds the nodes and opens the namespace, NAT
// and rendezvous listener in that order. It returns the rendezvous address.
func (l *Lab) open(ctx context.Context, vms []*vmconfig.VMConfig, switches []config.NodeSpec, index vmconfig.Index) (string, error) {
	addressing := network.NewAddressing(l.opts.TestNetwork, l.opts.SegmentBits)
	if err := addressing.Open(ctx); err != nil {
		return "", errors.Join(ErrCouldNotOpenAddressing, err)
	}
	l.addressing = addressing

	plan, err := planAddresses(ctx, l.addressing, vms, index)
	if err != nil {
		return "", errors.Join(ErrCouldNotPlanAddresses, err)
	}

	l.build(vms, switches, index, plan)

	if err := l.deps.Namespace.Open(); err != nil {
		return "", errors.Join(ErrCouldNotOpenNamespace, err)
	}
	l.namespaceOpen = true

	if l.deps.NAT != nil {
		if err := l.deps.NAT.Open(); err != nil {
			return "", errors.Join(ErrCouldNotOpenNAT, err)
		}
		l.natOpen = true
	}

	address, err := l.rendezvous.Open()
	if err != nil {
		return "", errors.Join(ErrCouldNotOpenRendezvous, err)
	}

	return address, nil
}

func (l *Lab) build(vms []*vmconfig.VMConfig, switches []config.NodeSpec, index vmconfig.Index, plan map[string]map[int]string) {
	switchDeps := node.SwitchDependencies{
		Links:     l.deps.Links,
		Names:     l.names,
		Forwarder: l.deps.Forwarder,
	}

	handlerDeps := qemu.Dependencies{
		Links:    l.deps.Links,
		Names:    l.names,
		Launcher: l.deps.Launcher,
		Monitor:  l.deps.Monitor,
		Remote:   l.deps.Remote,
		Terminal: l.deps.Terminal,
	}

	for _, vm := range vms {
		handler := qemu.NewHandler(l.log, vm, handlerDeps, qemu.Options{
			StopTimeout: l.opts.StopTimeout,
			SSHUser:     l.opts.SSHUser,
			SSHPort:     l.opts.SSHPort,
			Addresses:   plan[vm.Name],
		}, qemu.HandlerHooks{
			OnUnexpectedExit: l.onUnexpectedExit,
		})

		host := node.NewHost(handler)
		l.hosts = append(l.hosts, host)
		l.nodes[vm.Name] = host
	}

	for _, spec := range switches {
		name := spec.Opts.Hostname

		s := node.NewSwitch(l.log, name, index[name], switchDeps)
		l.switches = append(l.switches, s)
		l.nodes[name] = s
	}

	for _, link := range index.Links() {
		if link.SrcKind == vmconfig.KindHost && link.DestKind == vmconfig.KindHost {
			l.wires = append(l.wires, node.NewWire(l.log, link, switchDeps))
		}
	}
}

type hostExit struct {
	name string
	err  error
}

func (l *Lab) onUnexpectedExit(name string, err error) {
	if l.log != nil {
		l.log.Warn().Err(err).Str("vm", name).Msg("Host is no longer running")
	}

	if n, ok := l.nodes[name]; ok {
		l.observe(n)
	}

	l.exitLock.Lock()
	defer l.exitLock.Unlock()

	if l.exits != nil {
		select {
		case l.exits <- hostExit{name: name, err: err}:
		default:
		}
	}
}

// watchExits collects unexpected exits until unwatchExits is called. Every
// host exits at most once per start, so the buffer never fills.
func (l *Lab) watchExits() <-chan hostExit {
	l.exitLock.Lock()
	defer l.exitLock.Unlock()

	l.exits = make(chan hostExit, len(l.hosts))

	return l.exits
}

func (l *Lab) unwatchExits() {
	l.exitLock.Lock()
	defer l.exitLock.Unlock()

	l.exits = nil
}

func (l *Lab) RunID() string {
	return l.runID
}

func (l *Lab) RendezvousAddress() string {
	return l.rendezvous.Addr()
}

func (l *Lab) State() State {
	l.stateLock.Lock()
	defer l.stateLock.Unlock()

	return l.state
}

func (l *Lab) setState(state State) {
	l.stateLock.Lock()
	defer l.stateLock.Unlock()

	if l.log != nil && l.state != state {
		l.log.Debug().Str("from", string(l.state)).Str("to", string(state)).Msg("Lab state changed")
	}

	l.state = state
}

// StartAll starts every host, then every switch, then waits for the boot
// notification of each host it started. Hosts are configured as they
// announce themselves, in any order. Links are attached to the bridges once
// the wait is over. Hosts that fail to start or to boot in time are reported
// in the returned error; the rest of the lab keeps running.
func (l *Lab) StartAll(ctx context.Context) error {
	l.opLock.Lock()
	defer l.opLock.Unlock()

	l.setState(StateStarting)

	exits := l.watchExits()
	defer l.unwatchExits()

	var errs error
	pending := map[string]time.Time{}
	for _, host := range l.hosts {
		if host.IsStarted() {
			if l.log != nil {
				l.log.Info().Str("vm", host.Hostname()).Msg("Host already started")
			}

			continue
		}

		if err := host.Start(ctx); err != nil {
			errs = errors.Join(errs, l.nodeError(ErrCouldNotStartNode, host, err))

			continue
		}
		l.observe(host)

		pending[host.Hostname()] = time.Now()
	}

	for _, s := range l.bridges() {
		if err := s.Start(ctx); err != nil {
			errs = errors.Join(errs, l.nodeError(ErrCouldNotStartNode, s, err))

			continue
		}
		l.observe(s)
	}

	l.setState(StateAwaitingBoots)

	bootErrs, fatal := l.awaitBoots(ctx, pending, exits)
	errs = errors.Join(errs, bootErrs)

	// Hosts that did boot get their links even if the wait was aborted
	for _, s := range l.bridges() {
		if !s.IsStarted() {
			continue
		}

		if err := s.AddLinks(context.WithoutCancel(ctx)); err != nil {
			errs = errors.Join(errs, l.nodeError(ErrCouldNotAttachLinks, s, err))
		}
	}

	l.setState(StateRunning)

	if fatal != nil {
		return errors.Join(errs, fatal)
	}

	if l.log != nil {
		l.log.Info().Str("run", l.runID).Msg("Lab running")
	}

	return errs
}

// awaitBoots receives notifications until every pending host has announced
// itself or expired. Notifications are matched by name only. It returns the
// non-fatal per-host errors and a fatal error if the wait was aborted.
func (l *Lab) awaitBoots(ctx context.Context, pending map[string]time.Time, exits <-chan hostExit) (errs error, fatal error) {
	booted := map[string]struct{}{}

	for len(pending) > 0 {
		deadline, _ := l.nextDeadline(pending)

		notification, exit, err := l.next(ctx, deadline, exits)
		if exit != nil {
			if _, ok := pending[exit.name]; ok {
				delete(pending, exit.name)
				errs = errors.Join(errs, l.exited(*exit))
			}
		} else if err != nil {
			if errors.Is(err, ErrBootTimeout) {
				errs = errors.Join(errs, l.expire(pending))

				continue
			}

			return errs, err
		}

		if notification == nil {
			continue
		}

		start, ok := pending[notification.Name]
		if !ok {
			result := BootUnknown
			if _, seen := booted[notification.Name]; seen {
				result = BootDuplicate
			}
			l.countBoot(result)

			if l.log != nil {
				l.log.Warn().
					Str("vm", notification.Name).
					Str("remote", notification.RemoteAddr).
					Str("result", result).
					Msg("Discarding boot notification")
			}

			continue
		}

		delete(pending, notification.Name)
		booted[notification.Name] = struct{}{}
		l.booted(notification.Name, start)

		if err := l.configure(ctx, notification.Name); err != nil {
			errs = errors.Join(errs, err)
		}
	}

	return errs, nil
}

// next waits for the next notification or unexpected host exit, whichever
// comes first. A notification accepted while an exit arrives is returned
// along with the exit.
func (l *Lab) next(ctx context.Context, deadline time.Time, exits <-chan hostExit) (*rendezvous.Notification, *hostExit, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		notification *rendezvous.Notification
		err          error
	}

	received := make(chan result, 1)
	go func() {
		notification, err := l.receive(rctx, deadline)
		received <- result{notification, err}
	}()

	select {
	case r := <-received:
		return r.notification, nil, r.err

	case exit := <-exits:
		cancel()

		r := <-received
		if ctx.Err() != nil {
			return nil, &exit, errors.Join(ErrCouldNotReceiveBoot, ctx.Err())
		}

		return r.notification, &exit, nil
	}
}

func (l *Lab) exited(exit hostExit) error {
	l.countBoot(BootExited)

	host, err := l.GetHostByName(exit.name)
	if err != nil {
		return err
	}

	return l.nodeError(ErrHostExited, host, exit.err)
}

// receive returns the next well-formed notification. A zero deadline waits
// until ctx ends. ErrBootTimeout is returned when the deadline passes.
func (l *Lab) receive(ctx context.Context, deadline time.Time) (*rendezvous.Notification, error) {
	rctx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		rctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	for {
		notification, err := l.rendezvous.Receive(rctx)
		if err == nil {
			return notification, nil
		}

		switch {
		case ctx.Err() != nil:
			return nil, errors.Join(ErrCouldNotReceiveBoot, err)

		case rctx.Err() != nil:
			return nil, ErrBootTimeout

		case errors.Is(err, rendezvous.ErrMalformedNotification),
			errors.Is(err, rendezvous.ErrCouldNotReadBootNotification):
			l.countBoot(BootMalformed)

			if l.log != nil {
				l.log.Warn().Err(err).Msg("Discarding boot notification")
			}

		default:
			return nil, errors.Join(ErrCouldNotReceiveBoot, err)
		}
	}
}

func (l *Lab) nextDeadline(pending map[string]time.Time) (time.Time, bool) {
	if l.opts.BootTimeout <= 0 {
		return time.Time{}, false
	}

	var next time.Time
	for _, start := range pending {
		deadline := start.Add(l.opts.BootTimeout)
		if next.IsZero() || deadline.Before(next) {
			next = deadline
		}
	}

	return next, true
}

// expire drops every pending host whose deadline has passed.
func (l *Lab) expire(pending map[string]time.Time) error {
	var errs error
	now := time.Now()
	for name, start := range pending {
		if now.Before(start.Add(l.opts.BootTimeout)) {
			continue
		}

		delete(pending, name)
		l.countBoot(BootTimeout)

		if l.log != nil {
			l.log.Error().Str("vm", name).Int64("timeout_ms", l.opts.BootTimeout.Milliseconds()).Msg("Host did not boot in time")
		}

		errs = errors.Join(errs, fmt.Errorf("%w: %s after %s", ErrBootTimeout, name, l.opts.BootTimeout))
	}

	return errs
}

func (l *Lab) booted(name string, start time.Time) {
	elapsed := time.Since(start)

	l.countBoot(BootMatched)
	if l.opts.Metrics != nil {
		l.opts.Metrics.MetricBootDurationMS.WithLabelValues(name).Set(float64(elapsed.Milliseconds()))
	}

	if l.log != nil {
		l.log.Info().Str("vm", name).Int64("elapsed_ms", elapsed.Milliseconds()).Msg("Host booted")
	}
}

func (l *Lab) configure(ctx context.Context, name string) error {
	host, err := l.GetHostByName(name)
	if err != nil {
		return err
	}

	if err := host.ConfigureInterfaces(ctx); err != nil {
		return l.nodeError(ErrCouldNotConfigureHost, host, err)
	}

	return nil
}

// StartVMAt starts the host at position i and waits for one boot
// notification before configuring it and attaching its links. A host that is
// started but not configured, because an earlier configuration failed, is
// configured again without a restart.
func (l *Lab) StartVMAt(ctx context.Context, i int) error {
	l.opLock.Lock()
	defer l.opLock.Unlock()

	if !l.IndexInBounds(i) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfBounds, i, len(l.hosts))
	}

	host := l.hosts[i]
	if host.IsStarted() {
		if host.IsConfigured() {
			if l.log != nil {
				l.log.Info().Str("vm", host.Hostname()).Msg("Host already started")
			}

			return nil
		}

		if l.log != nil {
			l.log.Info().Str("vm", host.Hostname()).Msg("Resuming host configuration")
		}

		return l.ready(ctx, host)
	}

	l.setState(StateStarting)
	defer l.settle()

	exits := l.watchExits()
	defer l.unwatchExits()

	if err := host.Start(ctx); err != nil {
		return l.nodeError(ErrCouldNotStartNode, host, err)
	}
	l.observe(host)

	l.setState(StateAwaitingBoots)

	start := time.Now()
	deadline := time.Time{}
	if l.opts.BootTimeout > 0 {
		deadline = start.Add(l.opts.BootTimeout)
	}

	for {
		notification, exit, err := l.next(ctx, deadline, exits)
		if exit != nil && exit.name == host.Hostname() {
			return l.exited(*exit)
		}

		if err != nil {
			if errors.Is(err, ErrBootTimeout) {
				l.countBoot(BootTimeout)

				return fmt.Errorf("%w: %s after %s", ErrBootTimeout, host.Hostname(), l.opts.BootTimeout)
			}

			return err
		}

		if notification == nil {
			continue
		}

		if notification.Name != host.Hostname() {
			l.countBoot(BootUnknown)

			if l.log != nil {
				l.log.Error().
					Str("expected", host.Hostname()).
					Str("vm", notification.Name).
					Msg("Boot notification does not match the started host")
			}
		} else {
			l.booted(host.Hostname(), start)
		}

		return l.ready(ctx, host)
	}
}

// ready configures a booted host and attaches its links to started bridges.
func (l *Lab) ready(ctx context.Context, host *node.Host) error {
	if err := l.configure(ctx, host.Hostname()); err != nil {
		return err
	}

	var errs error
	for _, s := range l.bridges() {
		if !s.IsStarted() || !s.Has(host.Hostname()) {
			continue
		}

		if err := s.AddLinksFor(ctx, host.Hostname()); err != nil {
			errs = errors.Join(errs, l.nodeError(ErrCouldNotAttachLinks, s, err))
		}
	}

	return errs
}

// StopVMAt stops the host at position i.
func (l *Lab) StopVMAt(ctx context.Context, i int) error {
	l.opLock.Lock()
	defer l.opLock.Unlock()

	if !l.IndexInBounds(i) {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfBounds, i, len(l.hosts))
	}

	defer l.settle()

	host := l.hosts[i]
	if err := host.Stop(ctx); err != nil {
		l.observe(host)

		return l.nodeError(ErrCouldNotStopNode, host, err)
	}
	l.observe(host)

	return nil
}

// StopAll stops every host, then detaches and stops every switch. Every node
// is attempted.
func (l *Lab) StopAll(ctx context.Context) error {
	l.opLock.Lock()
	defer l.opLock.Unlock()

	return l.stopAll(ctx)
}

func (l *Lab) stopAll(ctx context.Context) error {
	l.setState(StateStopping)
	defer l.setState(StateIdle)

	var errs error
	for _, host := range l.hosts {
		if err := host.Stop(ctx); err != nil {
			errs = errors.Join(errs, l.nodeError(ErrCouldNotStopNode, host, err))
		}
		l.observe(host)
	}

	for _, s := range l.bridges() {
		if err := s.DelLinks(ctx); err != nil {
			errs = errors.Join(errs, l.nodeError(ErrCouldNotStopNode, s, err))
		}

		if err := s.Stop(ctx); err != nil {
			errs = errors.Join(errs, l.nodeError(ErrCouldNotStopNode, s, err))
		}
		l.observe(s)
	}

	if l.log != nil {
		l.log.Info().Str("run", l.runID).Msg("Lab stopped")
	}

	return errs
}

// Xterm opens a terminal to the named host, or to every host if name is
// empty. Hosts that are not running are skipped.
func (l *Lab) Xterm(ctx context.Context, name string) error {
	hosts := l.hosts
	if name != "" {
		host, err := l.GetHostByName(name)
		if err != nil {
			return err
		}

		hosts = []*node.Host{host}
	}

	var errs error
	for _, host := range hosts {
		if !host.IsStarted() {
			if l.log != nil {
				l.log.Info().Str("vm", host.Hostname()).Msg("Host is not running")
			}

			continue
		}

		if err := host.OpenTerminal(ctx); err != nil {
			errs = errors.Join(errs, l.nodeError(ErrCouldNotOpenTerminal, host, err))
		}
	}

	return errs
}

func (l *Lab) GetNode(name string) (node.Node, error) {
	n, ok := l.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}

	return n, nil
}

func (l *Lab) GetHostByName(name string) (*node.Host, error) {
	n, err := l.GetNode(name)
	if err != nil {
		return nil, err
	}

	host, ok := n.(*node.Host)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotAHost, name)
	}

	return host, nil
}

func (l *Lab) GetVMNames() []string {
	names := make([]string, 0, len(l.hosts))
	for _, host := range l.hosts {
		names = append(names, host.Hostname())
	}

	return names
}

func (l *Lab) IndexInBounds(i int) bool {
	return i >= 0 && i < len(l.hosts)
}

func (l *Lab) HostCount() int {
	return len(l.hosts)
}

// Nodes lists the hosts in topology order followed by the declared switches.
func (l *Lab) Nodes() []node.Node {
	nodes := make([]node.Node, 0, len(l.hosts)+len(l.switches))
	for _, host := range l.hosts {
		nodes = append(nodes, host)
	}

	for _, s := range l.switches {
		nodes = append(nodes, s)
	}

	return nodes
}

func (l *Lab) ManagementAddress(name string) (string, error) {
	host, err := l.GetHostByName(name)
	if err != nil {
		return "", err
	}

	return host.ManagementAddress(), nil
}

// Close stops the lab and releases everything New opened.
func (l *Lab) Close(ctx context.Context) error {
	l.opLock.Lock()
	defer l.opLock.Unlock()

	return errors.Join(l.stopAll(ctx), l.release(ctx))
}

func (l *Lab) release(ctx context.Context) error {
	var errs error

	if l.rendezvous != nil {
		l.rendezvous.Close()
	}

	if l.natOpen {
		if err := l.deps.NAT.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
		l.natOpen = false
	}

	if l.addressing != nil {
		if err := l.addressing.Close(ctx); err != nil {
			errs = errors.Join(errs, ErrCouldNotReleaseAddressing, err)
		}
		l.addressing = nil
	}

	if l.namespaceOpen {
		if err := l.deps.Namespace.Close(); err != nil {
			errs = errors.Join(errs, err)
		}
		l.namespaceOpen = false
	}

	return errs
}

// bridges lists the declared switches followed by the wires.
func (l *Lab) bridges() []*node.Switch {
	return append(append([]*node.Switch{}, l.switches...), l.wires...)
}

// settle moves the lab to running or idle depending on what is started.
func (l *Lab) settle() {
	for _, n := range l.nodes {
		if n.IsStarted() {
			l.setState(StateRunning)

			return
		}
	}

	l.setState(StateIdle)
}

func (l *Lab) observe(n node.Node) {
	if l.opts.Metrics == nil {
		return
	}

	value := 0.0
	if n.IsStarted() {
		value = 1
	}

	l.opts.Metrics.MetricNodeStarted.WithLabelValues(n.Hostname(), string(n.Kind())).Set(value)
}

func (l *Lab) countBoot(result string) {
	if l.opts.Metrics != nil {
		l.opts.Metrics.MetricBootNotifications.WithLabelValues(result).Inc()
	}
}

func (l *Lab) nodeError(kind error, n node.Node, err error) error {
	if l.log != nil {
		l.log.Error().Err(err).Str("node", n.Hostname()).Str("kind", string(n.Kind())).Msg(kind.Error())
	}

	return errors.Join(kind, fmt.Errorf("%s: %w", n.Hostname(), err))
}
