package remote

import (
	"context"
	"errors"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

var (
	ErrCouldNotOpenTerminal = errors.New("could not open terminal")
)

const DefaultTerminal = "xterm"

// Terminal opens interactive SSH sessions in a terminal emulator window.
type Terminal struct {
	Binary string

	// Wrap adjusts the ssh command, e.g. to run it in a network namespace.
	Wrap func(args []string) []string
}

func NewTerminal(binary string, wrap func(args []string) []string) *Terminal {
	if binary == "" {
		binary = DefaultTerminal
	}

	return &Terminal{
		Binary: binary,
		Wrap:   wrap,
	}
}

func (t *Terminal) Command(title string, target Target) []string {
	port := target.Port
	if port == 0 {
		port = DefaultPort
	}

	ssh := []string{
		"ssh",
		"-i", target.KeyPath,
		"-p", strconv.Itoa(port),
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		target.user() + "@" + target.Address,
	}

	if t.Wrap != nil {
		ssh = t.Wrap(ssh)
	}

	return append([]string{t.Binary, "-T", title, "-e"}, ssh...)
}

// Open starts the terminal detached from the caller's process group and
// returns without waiting for it.
func (t *Terminal) Open(_ context.Context, title string, target Target) error {
	args := t.Command(title, target)

	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &unix.SysProcAttr{
		Setpgid: true,
		Pgid:    0,
	}

	if err := cmd.Start(); err != nil {
		return errors.Join(ErrCouldNotOpenTerminal, err)
	}

	go func() {
		_ = cmd.Wait()
	}()

	return nil
}
