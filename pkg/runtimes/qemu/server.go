package qemu

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	loggingtypes "github.com/loopholelabs/logging/types"
	"golang.org/x/sys/unix"

	"github.com/loopholelabs/vlab/pkg/network"
)

var (
	ErrCouldNotStartQemuServer  = errors.New("could not start qemu server")
	ErrCouldNotOpenOutputFile   = errors.New("could not open qemu output file")
	ErrCouldNotSignalQemuServer = errors.New("could not signal qemu server")
	ErrQemuExited               = errors.New("qemu exited")
	ErrEmptyCommandLine         = errors.New("empty qemu command line")
)

const DefaultStopTimeout = 10 * time.Second

type LaunchSpec struct {
	Name       string
	Args       []string
	OutputPath string
}

// Process is a running hypervisor.
type Process interface {
	Pid() int

	// Wait blocks until the process exits. It returns nil if the exit was
	// requested through Stop.
	Wait() error

	// Stop asks the process to terminate and kills it after timeout.
	Stop(timeout time.Duration) error
}

type Launcher interface {
	Launch(ctx context.Context, spec LaunchSpec) (Process, error)
}

// ServerLauncher starts hypervisors as child processes, inside ns if set.
type ServerLauncher struct {
	log loggingtypes.Logger
	ns  *network.Namespace
}

func NewServerLauncher(log loggingtypes.Logger, ns *network.Namespace) *ServerLauncher {
	return &ServerLauncher{
		log: log,
		ns:  ns,
	}
}

func (l *ServerLauncher) Launch(ctx context.Context, spec LaunchSpec) (Process, error) {
	spec.Args = l.ns.WrapCommand(spec.Args)

	return StartQemuServer(ctx, l.log, spec)
}

type QemuServer struct {
	log  loggingtypes.Logger
	Name string
	pid  int

	closed     bool
	unexpected bool
	closeLock  sync.Mutex

	cmd    *exec.Cmd
	cmdWg  sync.WaitGroup
	cmdErr error

	output *os.File
}

/**
 * Start a new qemu server. The process is not bound to ctx and keeps running
 * until Stop is called.
 *
 */
func StartQemuServer(_ context.Context, log loggingtypes.Logger, spec LaunchSpec) (*QemuServer, error) {
	if len(spec.Args) == 0 {
		return nil, ErrEmptyCommandLine
	}

	if log != nil {
		log.Info().Str("vm", spec.Name).Msg("Starting qemu server")
	}

	server := &QemuServer{
		log:  log,
		Name: spec.Name,
	}

	server.cmd = exec.Command(spec.Args[0], spec.Args[1:]...)

	if spec.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.OutputPath), os.ModePerm); err != nil {
			return nil, errors.Join(ErrCouldNotOpenOutputFile, err)
		}

		output, err := os.OpenFile(spec.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.Join(ErrCouldNotOpenOutputFile, err)
		}

		server.output = output
		server.cmd.Stdout = output
		server.cmd.Stderr = output
	}

	// Don't forward CTRL-C etc. signals from the shell to the VM
	server.cmd.SysProcAttr = &unix.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	if err := server.cmd.Start(); err != nil {
		server.closeOutput()

		return nil, errors.Join(ErrCouldNotStartQemuServer, err)
	}
	server.pid = server.cmd.Process.Pid

	// Wait for the process to finish, and record whether we asked for it
	server.cmdWg.Add(1)
	go func() {
		err := server.cmd.Wait()

		server.closeLock.Lock()
		server.cmdErr = err
		server.unexpected = !server.closed
		server.closeLock.Unlock()

		server.closeOutput()
		server.cmdWg.Done()
	}()

	if log != nil {
		log.Debug().Str("vm", spec.Name).Int("pid", server.pid).Msg("Started qemu server")
	}

	return server, nil
}

func (s *QemuServer) Pid() int {
	return s.pid
}

func (s *QemuServer) Wait() error {
	s.cmdWg.Wait()

	return s.exitError()
}

/**
 * Stop the server. SIGTERM lets qemu shut the guest down, SIGKILL follows if
 * it has not exited after timeout.
 *
 */
func (s *QemuServer) Stop(timeout time.Duration) error {
	if s.log != nil {
		s.log.Info().Str("vm", s.Name).Int("pid", s.pid).Msg("Qemu server stopping")
	}

	s.closeLock.Lock()
	if !s.closed {
		s.closed = true

		if err := s.cmd.Process.Signal(unix.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.closeLock.Unlock()

			return errors.Join(ErrCouldNotSignalQemuServer, err)
		}
	}
	s.closeLock.Unlock()

	done := make(chan struct{})
	go func() {
		s.cmdWg.Wait()
		close(done)
	}()

	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}

	select {
	case <-done:
	case <-time.After(timeout):
		if s.log != nil {
			s.log.Warn().Str("vm", s.Name).Int("pid", s.pid).Msg("Qemu server did not exit in time, killing")
		}

		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return errors.Join(ErrCouldNotSignalQemuServer, err)
		}

		<-done
	}

	return s.exitError()
}

func (s *QemuServer) exitError() error {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()

	if s.unexpected {
		return errors.Join(ErrQemuExited, s.cmdErr)
	}

	// We stopped it! A signal exit is expected
	var exitErr *exec.ExitError
	if errors.As(s.cmdErr, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return nil
		}
	}

	return s.cmdErr
}

func (s *QemuServer) closeOutput() {
	if s.output != nil {
		_ = s.output.Close()
	}
}
