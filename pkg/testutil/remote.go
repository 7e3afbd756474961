package testutil

import (
	"context"
	"strings"
	"sync"

	"github.com/loopholelabs/vlab/pkg/remote"
)

// Monitor records hot-plug commands per control socket.
type Monitor struct {
	lock     sync.Mutex
	commands map[string][]string
	order    []string

	FailOn string
}

func NewMonitor() *Monitor {
	return &Monitor{commands: map[string][]string{}}
}

func (m *Monitor) Exec(_ context.Context, socket string, command string) (string, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	if m.FailOn != "" && strings.Contains(command, m.FailOn) {
		return "Error: " + command, ErrCrashed
	}

	if _, ok := m.commands[socket]; !ok {
		m.order = append(m.order, socket)
	}
	m.commands[socket] = append(m.commands[socket], command)

	return "", nil
}

func (m *Monitor) Commands(socket string) []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]string{}, m.commands[socket]...)
}

// Order lists sockets in the order they first received a command.
func (m *Monitor) Order() []string {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]string{}, m.order...)
}

// Executor records remote command lines per guest address.
type Executor struct {
	lock  sync.Mutex
	lines map[string][]string

	Err error

	// Reply produces stdout for a line. It defaults to echoing the line.
	Reply func(target remote.Target, line string) []string
}

func NewExecutor() *Executor {
	return &Executor{lines: map[string][]string{}}
}

var _ remote.Executor = (*Executor)(nil)

func (e *Executor) Exec(_ context.Context, target remote.Target, line string) ([]string, []string, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if e.Err != nil {
		return nil, nil, e.Err
	}

	e.lines[target.Address] = append(e.lines[target.Address], line)

	if e.Reply != nil {
		return e.Reply(target, line), []string{}, nil
	}

	return []string{line}, []string{}, nil
}

func (e *Executor) Lines(address string) []string {
	e.lock.Lock()
	defer e.lock.Unlock()

	return append([]string{}, e.lines[address]...)
}

// Terminal records opened terminals by title.
type Terminal struct {
	lock   sync.Mutex
	opened []string
}

func (t *Terminal) Open(_ context.Context, title string, _ remote.Target) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.opened = append(t.opened, title)

	return nil
}

func (t *Terminal) Opened() []string {
	t.lock.Lock()
	defer t.lock.Unlock()

	return append([]string{}, t.opened...)
}

// Forwarder records bridges with forwarding allowed.
type Forwarder struct {
	lock    sync.Mutex
	allowed map[string]struct{}

	Err error
}

func NewForwarder() *Forwarder {
	return &Forwarder{allowed: map[string]struct{}{}}
}

func (f *Forwarder) Allow(bridge string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.Err != nil {
		return f.Err
	}

	f.allowed[bridge] = struct{}{}

	return nil
}

func (f *Forwarder) Revoke(bridge string) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	delete(f.allowed, bridge)

	return nil
}

func (f *Forwarder) Allowed() []string {
	f.lock.Lock()
	defer f.lock.Unlock()

	return sortedKeys(f.allowed)
}
