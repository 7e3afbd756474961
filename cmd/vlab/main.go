package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/loopholelabs/logging"
	loggingtypes "github.com/loopholelabs/logging/types"
	"github.com/mattn/go-isatty"
	"github.com/muesli/gotable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/loopholelabs/vlab/internal/cli"
	"github.com/loopholelabs/vlab/internal/config"
	labconfig "github.com/loopholelabs/vlab/pkg/config"
	"github.com/loopholelabs/vlab/pkg/lab"
	"github.com/loopholelabs/vlab/pkg/monitor"
	"github.com/loopholelabs/vlab/pkg/network"
	"github.com/loopholelabs/vlab/pkg/remote"
	"github.com/loopholelabs/vlab/pkg/rendezvous"
	"github.com/loopholelabs/vlab/pkg/runtimes/qemu"
	"github.com/loopholelabs/vlab/pkg/vmconfig"
)

// natSourceCIDR covers every host management network.
const natSourceCIDR = "10.0.0.0/16"

func main() {
	log := logging.New(logging.Zerolog, "vlab", os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(log)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Msg("Command interrupted")
			os.Exit(130)
		}

		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCommand(log loggingtypes.RootLogger) *cobra.Command {
	var (
		configFile string
		cfg        *config.Config
	)

	d := config.Defaults()

	root := &cobra.Command{
		Use:           "vlab",
		Short:         "Emulate a network of QEMU hosts joined by software switches",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&configFile, "config", "", "Config file (YAML, TOML or JSON)")
	root.PersistentFlags().String("log-level", d.LogLevel, "Log verbosity (trace, debug, info, warn, error)")
	root.PersistentFlags().String("vm-config", d.VMConfig, "VM template file")
	root.PersistentFlags().String("topology", d.Topology, "Topology file")
	root.PersistentFlags().String("state-dir", d.StateDir, "Directory for per-run state")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(config.New(), cmd.Flags(), configFile)
		if err != nil {
			return err
		}

		level, err := config.ParseLogLevel(c.LogLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)

		cfg = c

		return nil
	}

	root.AddCommand(
		newRunCommand(log, &cfg),
		newCompileCommand(&cfg),
		newNotifyCommand(),
	)

	return root
}

func newRunCommand(log loggingtypes.Logger, cfg **config.Config) *cobra.Command {
	d := config.Defaults()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create the lab and open the shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), log, *cfg)
		},
	}

	cmd.Flags().String("rendezvous-address", d.RendezvousAddress, "Listen address for boot notifications")
	cmd.Flags().Duration("boot-timeout", d.BootTimeout, "Time to wait for all hosts to boot (0 waits forever)")
	cmd.Flags().Duration("stop-timeout", d.StopTimeout, "Time to wait for a hypervisor to stop before killing it")
	cmd.Flags().String("ssh-user", d.SSHUser, "User for commands sent to hosts")
	cmd.Flags().Int("ssh-port", d.SSHPort, "SSH port of the hosts")
	cmd.Flags().String("terminal", d.Terminal, "Terminal emulator for xterm")
	cmd.Flags().String("netns", d.Netns, "Network namespace to run the lab in (empty for the current one)")
	cmd.Flags().String("test-network", d.TestNetwork, "Network the test links are addressed from")
	cmd.Flags().Int("segment-bits", d.SegmentBits, "Prefix length of one test segment")
	cmd.Flags().Bool("nat", d.NAT, "Masquerade management traffic out of nat-interface")
	cmd.Flags().String("nat-interface", d.NATInterface, "Interface for NAT (defaults to the default route)")
	cmd.Flags().String("metrics-address", d.MetricsAddress, "Serve Prometheus metrics on this address")
	cmd.Flags().String("history-file", d.HistoryFile, "Shell history file (empty disables history)")
	cmd.Flags().Bool("start", d.Start, "Start all nodes before opening the shell")

	return cmd
}

func run(ctx context.Context, log loggingtypes.Logger, cfg *config.Config) (errs error) {
	if err := cfg.Validate(); err != nil {
		return err
	}

	template, err := labconfig.LoadTemplate(cfg.VMConfig)
	if err != nil {
		return err
	}

	topology, err := labconfig.LoadTopology(cfg.Topology)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := lab.NewMetrics(reg)

	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(
			reg,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
				Registry:          reg,
			},
		))

		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddress, mux); err != nil {
				log.Error().Err(err).Str("address", cfg.MetricsAddress).Msg("Metrics server stopped")
			}
		}()

		log.Info().Str("address", cfg.MetricsAddress).Msg("Serving metrics")
	}

	ns := network.NewNamespace(cfg.Netns)

	deps := lab.Dependencies{
		Namespace:  ns,
		Links:      network.NewNetlinkManager(ns),
		Launcher:   qemu.NewServerLauncher(log, ns),
		Monitor:    monitor.NewClient(ns.DialContext),
		Remote:     remote.NewSSHExecutor(ns.DialContext),
		Terminal:   remote.NewTerminal(cfg.Terminal, ns.WrapCommand),
		Forwarder:  network.NewIPTablesForwarder(ns),
		Rendezvous: rendezvous.NewServer(cfg.RendezvousAddress, ns.Listen),
	}

	if cfg.NAT {
		deps.NAT = network.NewNAT(ns, cfg.NATInterface, natSourceCIDR)
	}

	l, err := lab.New(ctx, log, template, topology, lab.Options{
		StateDir:    cfg.StateDir,
		BootTimeout: cfg.BootTimeout,
		StopTimeout: cfg.StopTimeout,
		SSHUser:     cfg.SSHUser,
		SSHPort:     cfg.SSHPort,
		TestNetwork: cfg.TestNetwork,
		SegmentBits: uint8(cfg.SegmentBits),
		Metrics:     metrics,
	}, deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := l.Close(context.WithoutCancel(ctx)); err != nil {
			errs = errors.Join(errs, err)
		}
	}()

	log.Info().
		Str("run", l.RunID()).
		Str("rendezvous", l.RendezvousAddress()).
		Str("hosts", strings.Join(l.GetVMNames(), ",")).
		Msg("Lab ready")

	if cfg.Start {
		if err := l.StartAll(ctx); err != nil {
			log.Error().Err(err).Msg("Could not start all nodes")
		}
	}

	shell := cli.NewShell(log, l, os.Stdin, os.Stdout, cli.Options{
		HistoryFile: cfg.HistoryFile,
		Interactive: isatty.IsTerminal(os.Stdin.Fd()),
	})

	return shell.Run(ctx)
}

func newCompileCommand(cfg **config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "compile",
		Short: "Print the hosts and command lines a topology compiles to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := *cfg
			if c.VMConfig == "" || c.Topology == "" {
				return fmt.Errorf("%w: vm-config and topology are required", config.ErrInvalidConfig)
			}

			template, err := labconfig.LoadTemplate(c.VMConfig)
			if err != nil {
				return err
			}

			topology, err := labconfig.LoadTopology(c.Topology)
			if err != nil {
				return err
			}

			vms, _, err := vmconfig.Compile(template, topology, vmconfig.Options{StateDir: c.StateDir})
			if err != nil {
				return err
			}

			names := network.NewNames("plan")

			tab := gotable.NewTable([]string{"Index", "Name", "Address", "Links", "Command"},
				[]int64{-6, -12, -14, -6, 0}, "No hosts in topology.")

			for _, vm := range vms {
				args, err := vm.CommandLine(names.ManagementTap(vm.Index))
				if err != nil {
					return err
				}

				tab.AppendRow([]interface{}{vm.Index, vm.Name, vm.GuestManagementAddress(), len(vm.Links), strings.Join(args, " ")})
			}

			tab.Print()

			return nil
		},
	}
}

func newNotifyCommand() *cobra.Command {
	var (
		address string
		text    string
	)

	cmd := &cobra.Command{
		Use:   "notify <name>",
		Short: "Announce a booted host to the rendezvous server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rendezvous.SendNotification(cmd.Context(), address, args[0], text)
		},
	}

	cmd.Flags().StringVar(&address, "address", "", "Rendezvous server address, usually the host side of the management link")
	cmd.Flags().StringVar(&text, "text", "", "Free text sent after the name")
	_ = cmd.MarkFlagRequired("address")

	return cmd
}
