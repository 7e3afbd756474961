package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loopholelabs/vlab/pkg/runtimes/qemu"
)

var ErrCrashed = errors.New("process crashed")

// Launcher records launches and returns processes that run until stopped.
type Launcher struct {
	lock sync.Mutex

	specs     []qemu.LaunchSpec
	processes map[string]*Process
	nextPid   int

	FailLaunch error

	// OnLaunch runs after every successful launch.
	OnLaunch func(spec qemu.LaunchSpec)
}

func NewLauncher() *Launcher {
	return &Launcher{
		processes: map[string]*Process{},
		nextPid:   1000,
	}
}

var _ qemu.Launcher = (*Launcher)(nil)

func (l *Launcher) Launch(_ context.Context, spec qemu.LaunchSpec) (qemu.Process, error) {
	l.lock.Lock()

	if l.FailLaunch != nil {
		l.lock.Unlock()

		return nil, l.FailLaunch
	}

	l.nextPid++
	process := &Process{
		pid:  l.nextPid,
		done: make(chan struct{}),
	}
	l.specs = append(l.specs, spec)
	l.processes[spec.Name] = process
	hook := l.OnLaunch

	l.lock.Unlock()

	if hook != nil {
		hook(spec)
	}

	return process, nil
}

func (l *Launcher) Specs() []qemu.LaunchSpec {
	l.lock.Lock()
	defer l.lock.Unlock()

	return append([]qemu.LaunchSpec{}, l.specs...)
}

// Process returns the latest process launched for name.
func (l *Launcher) Process(name string) *Process {
	l.lock.Lock()
	defer l.lock.Unlock()

	return l.processes[name]
}

// Running counts the processes that have not exited.
func (l *Launcher) Running() int {
	l.lock.Lock()
	defer l.lock.Unlock()

	running := 0
	for _, p := range l.processes {
		if !p.Exited() {
			running++
		}
	}

	return running
}

type Process struct {
	pid int

	lock    sync.Mutex
	done    chan struct{}
	exited  bool
	stopped bool
	err     error

	StopErr error
}

var _ qemu.Process = (*Process)(nil)

func (p *Process) Pid() int {
	return p.pid
}

func (p *Process) Wait() error {
	<-p.done

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.stopped {
		return nil
	}

	return p.err
}

func (p *Process) Stop(_ time.Duration) error {
	p.lock.Lock()
	p.stopped = true
	p.lock.Unlock()

	p.exit(nil)

	return p.StopErr
}

// Crash ends the process without a stop request.
func (p *Process) Crash() {
	p.exit(ErrCrashed)
}

func (p *Process) Exited() bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.exited
}

func (p *Process) exit(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.exited {
		return
	}

	p.exited = true
	p.err = err
	close(p.done)
}
