// Package cli is the interactive shell of a running lab.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	loggingtypes "github.com/loopholelabs/logging/types"
	"github.com/muesli/gotable"

	"github.com/loopholelabs/vlab/pkg/lab"
	"github.com/loopholelabs/vlab/pkg/node"
)

var (
	ErrMissingArgument        = errors.New("missing argument")
	ErrCouldNotOpenHistory    = errors.New("could not open history file")
	ErrCouldNotReadInput      = errors.New("could not read input")
	ErrCouldNotStopOnExit     = errors.New("could not stop lab on exit")
	ErrCouldNotResolveAddress = errors.New("could not resolve host address")
)

const Prompt = "vlab> "

const helpText = `Commands:
  help                 Show this help
  startAll             Start every node and wait for all hosts to boot
  stopAll              Stop every node
  start <index|name>   Start one host and wait for it to boot
  stop <index|name>    Stop one host
  xterm [name]         Open a terminal to one host or to every running host
  status               Show every node
  exit, quit           Stop every node and leave

You may also send a command to a host:
  <host> <command> {args}
Host names in the command are replaced by their management address:
  vlab> h1 ping -c1 h2
`

// Lab is the part of *lab.Lab the shell drives.
type Lab interface {
	StartAll(ctx context.Context) error
	StopAll(ctx context.Context) error
	StartVMAt(ctx context.Context, i int) error
	StopVMAt(ctx context.Context, i int) error
	Xterm(ctx context.Context, name string) error

	GetNode(name string) (node.Node, error)
	GetHostByName(name string) (*node.Host, error)
	GetVMNames() []string
	Nodes() []node.Node
}

var _ Lab = (*lab.Lab)(nil)

type Options struct {
	// HistoryFile is appended with every command. Empty disables history.
	HistoryFile string

	// Interactive prints a prompt before every command.
	Interactive bool
}

type Shell struct {
	log  loggingtypes.Logger
	lab  Lab
	in   io.Reader
	out  io.Writer
	opts Options

	history io.WriteCloser
}

func NewShell(log loggingtypes.Logger, l Lab, in io.Reader, out io.Writer, opts Options) *Shell {
	return &Shell{
		log:  log,
		lab:  l,
		in:   in,
		out:  out,
		opts: opts,
	}
}

// Run reads commands until exit, end of input or ctx ends. The lab is
// stopped in all three cases.
func (s *Shell) Run(ctx context.Context) error {
	if s.opts.HistoryFile != "" {
		history, err := os.OpenFile(s.opts.HistoryFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return errors.Join(ErrCouldNotOpenHistory, err)
		}
		s.history = history
		defer s.history.Close()
	}

	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			readErr <- err
			close(lines)
		}()

		scanner := bufio.NewScanner(s.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}

		err = scanner.Err()
	}()

	for {
		if s.opts.Interactive {
			fmt.Fprint(s.out, Prompt)
		}

		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)

			return errors.Join(ctx.Err(), s.exit(context.WithoutCancel(ctx)))

		case line, ok := <-lines:
			if !ok {
				// EOF
				fmt.Fprintln(s.out)

				var errs error
				if err := <-readErr; err != nil {
					errs = errors.Join(ErrCouldNotReadInput, err)
				}

				return errors.Join(errs, s.exit(ctx))
			}

			exit, err := s.Execute(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "*** %v\n", err)
			}

			if exit {
				return s.exit(ctx)
			}
		}
	}
}

func (s *Shell) exit(ctx context.Context) error {
	fmt.Fprintln(s.out, "Stopping all nodes")

	if err := s.lab.StopAll(ctx); err != nil {
		return errors.Join(ErrCouldNotStopOnExit, err)
	}

	return nil
}

// Execute runs one command line. It reports whether the shell should exit.
func (s *Shell) Execute(ctx context.Context, line string) (bool, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}

	s.record(line)

	if s.log != nil {
		s.log.Debug().Str("line", line).Msg("Executing shell command")
	}

	command, args := fields[0], fields[1:]
	switch command {
	case "help":
		fmt.Fprint(s.out, helpText)

	case "exit", "quit":
		return true, nil

	case "startAll":
		fmt.Fprintln(s.out, "Starting all nodes")

		return false, s.lab.StartAll(ctx)

	case "stopAll":
		fmt.Fprintln(s.out, "Stopping all nodes")

		return false, s.lab.StopAll(ctx)

	case "start", "stop":
		if len(args) == 0 {
			return false, fmt.Errorf("%w: %s <index|name>", ErrMissingArgument, command)
		}

		i, err := s.resolveIndex(args[0])
		if err != nil {
			return false, err
		}

		if command == "start" {
			return false, s.lab.StartVMAt(ctx, i)
		}

		return false, s.lab.StopVMAt(ctx, i)

	case "xterm":
		return false, s.xterm(ctx, args)

	case "status":
		s.status()

	default:
		return false, s.exec(ctx, command, args)
	}

	return false, nil
}

func (s *Shell) record(line string) {
	if s.history == nil {
		return
	}

	if _, err := fmt.Fprintln(s.history, line); err != nil && s.log != nil {
		s.log.Warn().Err(err).Msg("Could not write history")
	}
}

// resolveIndex accepts a host position or a host name.
func (s *Shell) resolveIndex(arg string) (int, error) {
	if i, err := strconv.Atoi(arg); err == nil {
		return i, nil
	}

	for i, name := range s.lab.GetVMNames() {
		if name == arg {
			return i, nil
		}
	}

	if _, err := s.lab.GetNode(arg); err == nil {
		return 0, fmt.Errorf("%w: %s", lab.ErrNotAHost, arg)
	}

	return 0, fmt.Errorf("%w: %s", lab.ErrNodeNotFound, arg)
}

func (s *Shell) xterm(ctx context.Context, args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}

	for _, n := range s.lab.GetVMNames() {
		if name != "" && n != name {
			continue
		}

		host, err := s.lab.GetHostByName(n)
		if err != nil {
			return err
		}

		if !host.IsStarted() {
			fmt.Fprintf(s.out, "%s is not running\n", n)
		}
	}

	return s.lab.Xterm(ctx, name)
}

func (s *Shell) exec(ctx context.Context, name string, args []string) error {
	n, err := s.lab.GetNode(name)
	if err != nil {
		fmt.Fprintf(s.out, "*** unknown command: %s\n", strings.Join(append([]string{name}, args...), " "))

		return nil
	}

	host, ok := n.(*node.Host)
	if !ok {
		return fmt.Errorf("%w: %s", lab.ErrNotAHost, name)
	}

	if len(args) == 0 {
		return fmt.Errorf("%w: %s <command>", ErrMissingArgument, name)
	}

	line, err := s.substitute(args)
	if err != nil {
		return err
	}

	stdout, stderr, err := host.ExecCmd(ctx, line)
	for _, l := range stdout {
		fmt.Fprintln(s.out, l)
	}

	for _, l := range stderr {
		fmt.Fprintln(s.out, l)
	}

	return err
}

// substitute replaces every token naming a host with its management address.
func (s *Shell) substitute(args []string) (string, error) {
	hosts := map[string]struct{}{}
	for _, name := range s.lab.GetVMNames() {
		hosts[name] = struct{}{}
	}

	tokens := make([]string, 0, len(args))
	for _, arg := range args {
		if _, ok := hosts[arg]; ok {
			host, err := s.lab.GetHostByName(arg)
			if err != nil {
				return "", errors.Join(ErrCouldNotResolveAddress, err)
			}

			arg = host.ManagementAddress()
		}

		tokens = append(tokens, arg)
	}

	return strings.Join(tokens, " "), nil
}

func (s *Shell) status() {
	tab := gotable.NewTable([]string{"Name", "Kind", "Started", "Address"},
		[]int64{-12, -8, -8, -16}, "No nodes in lab.")

	for _, row := range s.statusRows() {
		tab.AppendRow(row)
	}

	tab.Print()
}

func (s *Shell) statusRows() [][]interface{} {
	rows := [][]interface{}{}
	for _, n := range s.lab.Nodes() {
		started := ""
		if n.IsStarted() {
			started = "YES"
		}

		address := ""
		if host, ok := n.(*node.Host); ok {
			address = host.ManagementAddress()
		}

		rows = append(rows, []interface{}{n.Hostname(), string(n.Kind()), started, address})
	}

	return rows
}
