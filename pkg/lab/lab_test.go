package lab_test

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loopholelabs/vlab/pkg/config"
	"github.com/loopholelabs/vlab/pkg/lab"
	"github.com/loopholelabs/vlab/pkg/network"
	"github.com/loopholelabs/vlab/pkg/node"
	"github.com/loopholelabs/vlab/pkg/rendezvous"
	"github.com/loopholelabs/vlab/pkg/runtimes/qemu"
	"github.com/loopholelabs/vlab/pkg/testutil"
	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

const runID = "abcdefgh"

type labFixture struct {
	links     *testutil.Links
	launcher  *testutil.Launcher
	monitor   *testutil.Monitor
	executor  *testutil.Executor
	terminal  *testutil.Terminal
	forwarder *testutil.Forwarder
	metrics   *lab.Metrics
	names     *network.Names
}

func newLab(t *testing.T, template *config.Template, topology *config.Topology, opts lab.Options) (*lab.Lab, *labFixture) {
	f := &labFixture{
		links:     testutil.NewLinks(),
		launcher:  testutil.NewLauncher(),
		monitor:   testutil.NewMonitor(),
		executor:  testutil.NewExecutor(),
		terminal:  &testutil.Terminal{},
		forwarder: testutil.NewForwarder(),
		metrics:   lab.NewMetrics(prometheus.NewRegistry()),
		names:     network.NewNames(runID),
	}

	opts.RunID = runID
	opts.StateDir = t.TempDir()
	opts.Metrics = f.metrics

	l, err := lab.New(context.Background(), nil, template, topology, opts, lab.Dependencies{
		Links:      f.links,
		Launcher:   f.launcher,
		Monitor:    f.monitor,
		Remote:     f.executor,
		Terminal:   f.terminal,
		Forwarder:  f.forwarder,
		Rendezvous: rendezvous.NewServer("127.0.0.1:0", nil),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = l.Close(context.Background())
	})

	return l, f
}

// bootInOrder sends the announcements in order once every announced host has
// launched.
func bootInOrder(t *testing.T, l *lab.Lab, f *labFixture, announcements ...string) {
	var (
		lock     sync.Mutex
		launched = map[string]struct{}{}
		sent     bool
	)

	expected := map[string]struct{}{}
	for _, a := range announcements {
		if _, err := l.GetHostByName(a); err == nil {
			expected[a] = struct{}{}
		}
	}

	f.launcher.OnLaunch = func(spec qemu.LaunchSpec) {
		lock.Lock()
		defer lock.Unlock()

		launched[spec.Name] = struct{}{}
		for name := range expected {
			if _, ok := launched[name]; !ok {
				return
			}
		}

		if sent {
			return
		}
		sent = true

		go func() {
			for _, a := range announcements {
				text := "booted"
				if a == "" {
					text = ""
				}

				assert.NoError(t, rendezvous.SendNotification(context.Background(), l.RendezvousAddress(), a, text))
			}
		}()
	}
}

// bootOnLaunch announces every host as soon as it is launched.
func bootOnLaunch(t *testing.T, l *lab.Lab, f *labFixture) {
	f.launcher.OnLaunch = func(spec qemu.LaunchSpec) {
		go func() {
			assert.NoError(t, rendezvous.SendNotification(context.Background(), l.RendezvousAddress(), spec.Name, "booted"))
		}()
	}
}

func starTopology(hosts int) *config.Topology {
	topology := testutil.Switches(testutil.Topology(hosts), "s1")
	for i := 1; i <= hosts; i++ {
		testutil.LinkPairs(topology, [2]string{fmt.Sprintf("h%d", i), "s1"})
	}

	return topology
}

func configuredOrder(f *labFixture) []string {
	order := []string{}
	for _, socket := range f.monitor.Order() {
		order = append(order, filepath.Base(filepath.Dir(socket)))
	}

	return order
}

func assertNoLeaks(t *testing.T, f *labFixture) {
	assert.Empty(t, f.links.Taps())
	assert.Empty(t, f.links.Bridges())
	assert.Empty(t, f.links.Veths())
	assert.Empty(t, f.forwarder.Allowed())
	assert.Zero(t, f.launcher.Running())
}

func TestStartAllOutOfOrder(t *testing.T) {
	l, f := newLab(t, testutil.Template(t), starTopology(3), lab.Options{})
	ctx := context.Background()

	bootInOrder(t, l, f, "h3", "h1", "h2")

	require.NoError(t, l.StartAll(ctx))
	assert.Equal(t, lab.StateRunning, l.State())

	// Hosts are configured in announcement order
	assert.Equal(t, []string{"h3", "h1", "h2"}, configuredOrder(f))

	pattern := regexp.MustCompile(`^ip addr add (10\.10\.\d+\.\d+)/24 dev eth1 && ip link set eth1 up$`)
	addresses := map[string]struct{}{}
	for i, name := range []string{"h1", "h2", "h3"} {
		host, err := l.GetHostByName(name)
		require.NoError(t, err)
		assert.True(t, host.IsConfigured())

		lines := f.executor.Lines(host.ManagementAddress())
		require.Len(t, lines, 2)
		match := pattern.FindStringSubmatch(lines[1])
		require.Len(t, match, 2)
		addresses[match[1]] = struct{}{}

		tap := f.names.LinkTap(host.Links()[0], name)
		assert.Equal(t, "s1", f.links.Master(tap), "link %d", i)
	}
	assert.Len(t, addresses, 3)

	assert.Equal(t, 3.0, promtestutil.ToFloat64(f.metrics.MetricBootNotifications.WithLabelValues(lab.BootMatched)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.MetricNodeStarted.WithLabelValues("s1", "switch")))

	require.NoError(t, l.StopAll(ctx))
	assert.Equal(t, lab.StateIdle, l.State())
	assertNoLeaks(t, f)

	assert.Equal(t, 0.0, promtestutil.ToFloat64(f.metrics.MetricNodeStarted.WithLabelValues("h1", "host")))
}

func TestEndToEndRange(t *testing.T) {
	low, high := 1, 3

	template := testutil.Template(t)
	template.RangeLow = &low
	template.RangeHigh = &high

	topology := testutil.LinkPairs(
		testutil.Switches(&config.Topology{}, "s1"),
		[2]string{"h1", "s1"},
		[2]string{"h2", "s1"},
	)

	l, f := newLab(t, template, topology, lab.Options{})
	ctx := context.Background()

	assert.Equal(t, []string{"h1", "h2"}, l.GetVMNames())

	bootOnLaunch(t, l, f)
	require.NoError(t, l.StartAll(ctx))

	h1, err := l.GetHostByName("h1")
	require.NoError(t, err)
	h2, err := l.GetHostByName("h2")
	require.NoError(t, err)

	assert.Equal(t, "s1", f.links.Master(f.names.LinkTap(h1.Links()[0], "h1")))
	assert.Equal(t, "s1", f.links.Master(f.names.LinkTap(h2.Links()[0], "h2")))

	stdout, _, err := h1.ExecCmd(ctx, "ping -c1 "+h2.ManagementAddress())
	require.NoError(t, err)
	assert.Equal(t, []string{"ping -c1 10.0.2.2"}, stdout)

	require.NoError(t, l.Close(ctx))
	assertNoLeaks(t, f)
}

func TestStartAllBootTimeout(t *testing.T) {
	l, f := newLab(t, testutil.Template(t), starTopology(2), lab.Options{
		BootTimeout: 300 * time.Millisecond,
	})
	ctx := context.Background()

	bootInOrder(t, l, f, "h2")

	err := l.StartAll(ctx)
	assert.ErrorIs(t, err, lab.ErrBootTimeout)
	assert.ErrorContains(t, err, "h1")
	assert.Equal(t, lab.StateRunning, l.State())

	h1, err := l.GetHostByName("h1")
	require.NoError(t, err)
	assert.True(t, h1.IsStarted())
	assert.False(t, h1.IsConfigured())

	h2, err := l.GetHostByName("h2")
	require.NoError(t, err)
	assert.True(t, h2.IsConfigured())

	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.MetricBootNotifications.WithLabelValues(lab.BootTimeout)))

	require.NoError(t, l.StopAll(ctx))
	assertNoLeaks(t, f)
}

func TestStartAllDiscardsStrayNotifications(t *testing.T) {
	l, f := newLab(t, testutil.Template(t), starTopology(2), lab.Options{})

	bootInOrder(t, l, f, "ghost", "", "h1", "h1", "h2")

	require.NoError(t, l.StartAll(context.Background()))

	assert.Equal(t, []string{"h1", "h2"}, configuredOrder(f))
	assert.Equal(t, 2.0, promtestutil.ToFloat64(f.metrics.MetricBootNotifications.WithLabelValues(lab.BootMatched)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.MetricBootNotifications.WithLabelValues(lab.BootUnknown)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.MetricBootNotifications.WithLabelValues(lab.BootDuplicate)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.MetricBootNotifications.WithLabelValues(lab.BootMalformed)))
}

func TestStartAllCancelled(t *testing.T) {
	l, f := newLab(t, testutil.Template(t), testutil.Topology(1), lab.Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := l.StartAll(ctx)
	assert.ErrorIs(t, err, lab.ErrCouldNotReceiveBoot)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, l.StopAll(context.Background()))
	assertNoLeaks(t, f)
}

func TestStartAllHostExitsBeforeBoot(t *testing.T) {
	l, f := newLab(t, testutil.Template(t), starTopology(2), lab.Options{})

	f.launcher.OnLaunch = func(spec qemu.LaunchSpec) {
		if spec.Name == "h1" {
			go func() {
				time.Sleep(50 * time.Millisecond)
				f.launcher.Process("h1").Crash()
			}()

			return
		}

		go func() {
			assert.NoError(t, rendezvous.SendNotification(context.Background(), l.RendezvousAddress(), spec.Name, "booted"))
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := l.StartAll(ctx)
	assert.ErrorIs(t, err, lab.ErrHostExited)
	assert.ErrorIs(t, err, qemu.ErrProcessExitedUnexpectedly)
	assert.ErrorContains(t, err, "h1")
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
	assert.NotErrorIs(t, err, lab.ErrCouldNotReceiveBoot)
	assert.Equal(t, lab.StateRunning, l.State())

	h1, err := l.GetHostByName("h1")
	require.NoError(t, err)
	assert.False(t, h1.IsStarted())

	h2, err := l.GetHostByName("h2")
	require.NoError(t, err)
	assert.True(t, h2.IsConfigured())
	assert.Equal(t, "s1", f.links.Master(f.names.LinkTap(h2.Links()[0], "h2")))

	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.MetricBootNotifications.WithLabelValues(lab.BootExited)))
	assert.Equal(t, 1.0, promtestutil.ToFloat64(f.metrics.MetricBootNotifications.WithLabelValues(lab.BootMatched)))

	require.NoError(t, l.StopAll(context.Background()))
	assertNoLeaks(t, f)
}

func TestStartAllAttachesBootedHostsWhenCancelled(t *testing.T) {
	l, f := newLab(t, testutil.Template(t), starTopology(2), lab.Options{})

	f.launcher.OnLaunch = func(spec qemu.LaunchSpec) {
		if spec.Name != "h2" {
			return
		}

		go func() {
			assert.NoError(t, rendezvous.SendNotification(context.Background(), l.RendezvousAddress(), spec.Name, "booted"))
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := l.StartAll(ctx)
	assert.ErrorIs(t, err, lab.ErrCouldNotReceiveBoot)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	h2, err := l.GetHostByName("h2")
	require.NoError(t, err)
	assert.True(t, h2.IsConfigured())
	assert.Equal(t, "s1", f.links.Master(f.names.LinkTap(h2.Links()[0], "h2")))

	require.NoError(t, l.StopAll(context.Background()))
	assertNoLeaks(t, f)
}

func TestStartVMAtResumesConfiguration(t *testing.T) {
	l, f := newLab(t, testutil.Template(t), starTopology(1), lab.Options{})
	ctx := context.Background()

	bootOnLaunch(t, l, f)
	f.monitor.FailOn = "device_add"

	err := l.StartAll(ctx)
	assert.ErrorIs(t, err, lab.ErrCouldNotConfigureHost)
	assert.ErrorIs(t, err, qemu.ErrCouldNotHotplugDevice)

	h1, err := l.GetHostByName("h1")
	require.NoError(t, err)
	assert.True(t, h1.IsStarted())
	assert.False(t, h1.IsConfigured())

	// No second boot is awaited for a host that is already running
	f.monitor.FailOn = ""
	require.NoError(t, l.StartVMAt(ctx, 0))
	assert.True(t, h1.IsConfigured())
	assert.Len(t, f.launcher.Specs(), 1)

	require.Len(t, f.monitor.Order(), 1)
	assert.Len(t, f.monitor.Commands(f.monitor.Order()[0]), 2)
	assert.Equal(t, "s1", f.links.Master(f.names.LinkTap(h1.Links()[0], "h1")))

	require.NoError(t, l.StopAll(ctx))
	assertNoLeaks(t, f)
}

func TestStartAllReportsFailedHost(t *testing.T) {
	l, f := newLab(t, testutil.Template(t), testutil.Topology(2), lab.Options{})
	f.links.FailCreate[f.names.ManagementTap(1)] = net.ErrClosed

	bootOnLaunch(t, l, f)

	err := l.StartAll(context.Background())
	assert.ErrorIs(t, err, lab.ErrCouldNotStartNode)
	assert.ErrorIs(t, err, qemu.ErrResource)

	h1, _ := l.GetHostByName("h1")
	h2, _ := l.GetHostByName("h2")
	assert.False(t, h1.IsStarted())
	assert.True(t, h2.IsConfigured())
}

func TestWireAndSingleHostControl(t *testing.T) {
	topology := testutil.LinkPairs(testutil.Topology(2), [2]string{"h1", "h2"})

	l, f := newLab(t, testutil.Template(t), topology, lab.Options{})
	ctx := context.Background()

	bootOnLaunch(t, l, f)
	require.NoError(t, l.StartAll(ctx))

	h1, err := l.GetHostByName("h1")
	require.NoError(t, err)
	link := h1.Links()[0]
	wire := f.names.WireBridge(link)

	assert.Equal(t, wire, f.links.Master(f.names.LinkTap(link, "h1")))
	assert.Equal(t, wire, f.links.Master(f.names.LinkTap(link, "h2")))

	// Wires are not part of the node map
	_, err = l.GetNode(wire)
	assert.ErrorIs(t, err, lab.ErrNodeNotFound)

	require.NoError(t, l.StopVMAt(ctx, 0))
	assert.False(t, h1.IsStarted())
	assert.NotContains(t, f.links.Taps(), f.names.LinkTap(link, "h1"))

	require.NoError(t, l.StartVMAt(ctx, 0))
	assert.True(t, h1.IsConfigured())
	assert.Equal(t, wire, f.links.Master(f.names.LinkTap(link, "h1")))

	// Already running
	require.NoError(t, l.StartVMAt(ctx, 0))

	assert.ErrorIs(t, l.StartVMAt(ctx, 2), lab.ErrIndexOutOfBounds)
	assert.ErrorIs(t, l.StopVMAt(ctx, -1), lab.ErrIndexOutOfBounds)

	require.NoError(t, l.StopAll(ctx))
	assertNoLeaks(t, f)
}

func TestLookups(t *testing.T) {
	l, _ := newLab(t, testutil.Template(t), starTopology(2), lab.Options{})

	assert.Equal(t, 2, l.HostCount())
	assert.True(t, l.IndexInBounds(0))
	assert.True(t, l.IndexInBounds(1))
	assert.False(t, l.IndexInBounds(2))
	assert.False(t, l.IndexInBounds(-1))

	names := []string{}
	kinds := []vmconfig.NodeKind{}
	for _, n := range l.Nodes() {
		names = append(names, n.Hostname())
		kinds = append(kinds, n.Kind())
	}
	assert.Equal(t, []string{"h1", "h2", "s1"}, names)
	assert.Equal(t, []vmconfig.NodeKind{vmconfig.KindHost, vmconfig.KindHost, vmconfig.KindSwitch}, kinds)

	n, err := l.GetNode("s1")
	require.NoError(t, err)
	_, ok := n.(*node.Switch)
	assert.True(t, ok)

	_, err = l.GetNode("nope")
	assert.ErrorIs(t, err, lab.ErrNodeNotFound)

	_, err = l.GetHostByName("s1")
	assert.ErrorIs(t, err, lab.ErrNotAHost)

	address, err := l.ManagementAddress("h2")
	require.NoError(t, err)
	assert.Equal(t, "10.0.2.2", address)

	assert.Equal(t, lab.StateIdle, l.State())
	assert.Equal(t, runID, l.RunID())
}

func TestXterm(t *testing.T) {
	l, f := newLab(t, testutil.Template(t), starTopology(2), lab.Options{})
	ctx := context.Background()

	// Nothing is running yet
	require.NoError(t, l.Xterm(ctx, ""))
	require.NoError(t, l.Xterm(ctx, "h1"))
	assert.Empty(t, f.terminal.Opened())

	assert.ErrorIs(t, l.Xterm(ctx, "s1"), lab.ErrNotAHost)
	assert.ErrorIs(t, l.Xterm(ctx, "h9"), lab.ErrNodeNotFound)

	bootOnLaunch(t, l, f)
	require.NoError(t, l.StartAll(ctx))

	require.NoError(t, l.Xterm(ctx, ""))
	require.NoError(t, l.Xterm(ctx, "h2"))
	assert.Equal(t, []string{"h1", "h2", "h2"}, f.terminal.Opened())
}

func TestUnexpectedExit(t *testing.T) {
	l, f := newLab(t, testutil.Template(t), starTopology(2), lab.Options{})
	ctx := context.Background()

	bootOnLaunch(t, l, f)
	require.NoError(t, l.StartAll(ctx))

	h1, err := l.GetHostByName("h1")
	require.NoError(t, err)

	f.launcher.Process("h1").Crash()

	assert.Eventually(t, func() bool {
		return !h1.IsStarted()
	}, 5*time.Second, 10*time.Millisecond)

	assert.ErrorIs(t, h1.LastExitError(), qemu.ErrProcessExitedUnexpectedly)
	assert.Eventually(t, func() bool {
		return promtestutil.ToFloat64(f.metrics.MetricNodeStarted.WithLabelValues("h1", "host")) == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, l.StopAll(ctx))
	assertNoLeaks(t, f)
}

func TestNewFailures(t *testing.T) {
	ctx := context.Background()

	_, err := lab.New(ctx, nil, testutil.Template(t), testutil.LinkPairs(testutil.Topology(1), [2]string{"h1", "s9"}), lab.Options{
		StateDir: t.TempDir(),
	}, lab.Dependencies{
		Rendezvous: rendezvous.NewServer("127.0.0.1:0", nil),
	})
	assert.ErrorIs(t, err, config.ErrUnknownEndpoint)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	// Everything before the rendezvous is opened and must be released again
	links := testutil.NewLinks()
	var l *lab.Lab
	require.NotPanics(t, func() {
		l, err = lab.New(ctx, nil, testutil.Template(t), testutil.Topology(1), lab.Options{
			StateDir: t.TempDir(),
		}, lab.Dependencies{
			Links:      links,
			Rendezvous: rendezvous.NewServer(lis.Addr().String(), nil),
		})
	})
	assert.Nil(t, l)
	assert.ErrorIs(t, err, lab.ErrCouldNotOpenRendezvous)
	assert.NotErrorIs(t, err, lab.ErrCouldNotReleaseAddressing)
	assert.Empty(t, links.Taps())
	assert.Empty(t, links.Bridges())

	require.NotPanics(t, func() {
		l, err = lab.New(ctx, nil, testutil.Template(t), testutil.Topology(1), lab.Options{
			StateDir:    t.TempDir(),
			TestNetwork: "10.10.0.0/30",
		}, lab.Dependencies{
			Rendezvous: rendezvous.NewServer("127.0.0.1:0", nil),
		})
	})
	assert.Nil(t, l)
	assert.ErrorIs(t, err, lab.ErrCouldNotOpenAddressing)
}
