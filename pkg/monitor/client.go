package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrCouldNotDialMonitor  = errors.New("could not dial monitor socket")
	ErrCouldNotReadGreeting = errors.New("could not read monitor greeting")
	ErrCouldNotWriteCommand = errors.New("could not write monitor command")
	ErrCouldNotReadResponse = errors.New("could not read monitor response")
	ErrProtocol             = errors.New("monitor rejected command")
)

const (
	DefaultGreetingSize = 4096
	DefaultResponseSize = 4096
	DefaultTimeout      = 5 * time.Second

	prompt = "(qemu) "
)

type DialFunc func(ctx context.Context, network string, address string) (net.Conn, error)

// Client speaks the human monitor protocol over a VM's control socket. Each
// command uses its own connection: read the greeting, write the command, read
// the response.
type Client struct {
	GreetingSize int
	ResponseSize int
	Timeout      time.Duration

	Dial DialFunc
}

func NewClient(dial DialFunc) *Client {
	if dial == nil {
		var dialer net.Dialer
		dial = dialer.DialContext
	}

	return &Client{
		GreetingSize: DefaultGreetingSize,
		ResponseSize: DefaultResponseSize,
		Timeout:      DefaultTimeout,

		Dial: dial,
	}
}

// Exec runs one command and returns the monitor's response without the
// trailing prompt.
func (c *Client) Exec(ctx context.Context, socket string, command string) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	conn, err := c.Dial(ctx, "unix", socket)
	if err != nil {
		return "", errors.Join(ErrCouldNotDialMonitor, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return "", errors.Join(ErrCouldNotDialMonitor, err)
		}
	}

	if _, err := readUntilPrompt(conn, c.GreetingSize); err != nil {
		return "", errors.Join(ErrCouldNotReadGreeting, err)
	}

	if _, err := conn.Write([]byte(command + "\n")); err != nil {
		return "", errors.Join(ErrCouldNotWriteCommand, err)
	}

	raw, err := readUntilPrompt(conn, c.ResponseSize)
	if err != nil {
		return "", errors.Join(ErrCouldNotReadResponse, err)
	}

	response := cleanResponse(raw, command)
	if isRejection(response) {
		return response, fmt.Errorf("%w: %s", ErrProtocol, response)
	}

	return response, nil
}

// readUntilPrompt reads at most size bytes, returning early once the monitor
// prints its prompt.
func readUntilPrompt(conn net.Conn, size int) ([]byte, error) {
	buf := make([]byte, 0, size)
	chunk := make([]byte, size)
	for len(buf) < size {
		n, err := conn.Read(chunk[:size-len(buf)])
		buf = append(buf, chunk[:n]...)

		if bytes.HasSuffix(bytes.TrimRight(buf, " \r\n"), []byte(strings.TrimSpace(prompt))) {
			return buf, nil
		}

		if err != nil {
			return buf, err
		}
	}

	return buf, nil
}

func cleanResponse(raw []byte, command string) string {
	response := strings.ReplaceAll(string(raw), "\r", "")
	response = strings.TrimSuffix(strings.TrimRight(response, "\n "), strings.TrimSpace(prompt))

	lines := []string{}
	for _, line := range strings.Split(response, "\n") {
		line = strings.TrimSpace(line)
		// The readline monitor echoes the command back
		if line == "" || line == command {
			continue
		}

		lines = append(lines, line)
	}

	return strings.Join(lines, "\n")
}

func isRejection(response string) bool {
	lower := strings.ToLower(response)

	return strings.Contains(lower, "error:") || strings.Contains(lower, "could not") || strings.Contains(lower, "not found")
}
