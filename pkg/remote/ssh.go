package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

var (
	ErrRemoteExec              = errors.New("remote execution failed")
	ErrCouldNotReadPrivateKey  = errors.New("could not read private key")
	ErrCouldNotParsePrivateKey = errors.New("could not parse private key")
	ErrCouldNotConnect         = errors.New("could not connect to remote shell")
	ErrCouldNotCreateSession   = errors.New("could not create remote shell session")
	ErrCommandFailed           = errors.New("remote command failed")
)

const (
	DefaultPort    = 22
	DefaultUser    = "root"
	DefaultTimeout = 10 * time.Second

	profilePrefix = ". /etc/profile >/dev/null 2>&1; "
)

// Target is a guest reachable over its management address.
type Target struct {
	Address string
	Port    int
	User    string
	KeyPath string
}

func (t Target) address() string {
	port := t.Port
	if port == 0 {
		port = DefaultPort
	}

	return net.JoinHostPort(t.Address, strconv.Itoa(port))
}

func (t Target) user() string {
	if t.User == "" {
		return DefaultUser
	}

	return t.User
}

type Executor interface {
	Exec(ctx context.Context, target Target, line string) (stdout []string, stderr []string, err error)
}

type DialFunc func(ctx context.Context, network string, address string) (net.Conn, error)

// SSHExecutor runs each line in its own SSH connection and session.
type SSHExecutor struct {
	Dial    DialFunc
	Timeout time.Duration
}

func NewSSHExecutor(dial DialFunc) *SSHExecutor {
	if dial == nil {
		var dialer net.Dialer
		dial = dialer.DialContext
	}

	return &SSHExecutor{
		Dial:    dial,
		Timeout: DefaultTimeout,
	}
}

var _ Executor = (*SSHExecutor)(nil)

// Exec sources the guest profile, runs line and returns its output lines. A
// non-zero exit status returns the output together with ErrCommandFailed.
func (e *SSHExecutor) Exec(ctx context.Context, target Target, line string) ([]string, []string, error) {
	key, err := os.ReadFile(target.KeyPath)
	if err != nil {
		return nil, nil, errors.Join(ErrRemoteExec, ErrCouldNotReadPrivateKey, err)
	}

	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, nil, errors.Join(ErrRemoteExec, ErrCouldNotParsePrivateKey, err)
	}

	config := &ssh.ClientConfig{
		User: target.user(),
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Guest host keys are not pinned
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.Timeout,
	}

	dialCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	addr := target.address()
	conn, err := e.Dial(dialCtx, "tcp", addr)
	if err != nil {
		return nil, nil, errors.Join(ErrRemoteExec, ErrCouldNotConnect, err)
	}

	if e.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(e.Timeout))
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()

		return nil, nil, errors.Join(ErrRemoteExec, ErrCouldNotConnect, err)
	}

	// The handshake deadline must not cut off long-running commands
	_ = conn.SetDeadline(time.Time{})

	client := ssh.NewClient(clientConn, chans, reqs)
	defer client.Close()

	stop := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return nil, nil, errors.Join(ErrRemoteExec, ErrCouldNotCreateSession, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Run(profilePrefix + line); err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return Lines(stdout.String()), Lines(stderr.String()), fmt.Errorf("%w: exit status %d", ErrCommandFailed, exitErr.ExitStatus())
		}

		return Lines(stdout.String()), Lines(stderr.String()), errors.Join(ErrRemoteExec, err)
	}

	return Lines(stdout.String()), Lines(stderr.String()), nil
}

// Lines splits command output, dropping the final newline.
func Lines(output string) []string {
	output = strings.TrimRight(output, "\n")
	if output == "" {
		return []string{}
	}

	return strings.Split(output, "\n")
}
