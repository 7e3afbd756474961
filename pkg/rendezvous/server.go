package rendezvous

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/loopholelabs/goroutine-manager/pkg/manager"
)

var (
	ErrCouldNotListenInRendezvousServer = errors.New("could not listen in rendezvous server")
	ErrCouldNotAcceptBootNotification   = errors.New("could not accept boot notification")
	ErrCouldNotReadBootNotification     = errors.New("could not read boot notification")
	ErrMalformedNotification            = errors.New("malformed boot notification")
	ErrReceiveCancelled                 = errors.New("boot notification receive cancelled")
	ErrServerClosed                     = errors.New("rendezvous server closed")
	ErrServerNotOpen                    = errors.New("rendezvous server not open")
)

const (
	DefaultAddress = "0.0.0.0:12345"

	MaxNotificationSize = 1024
	DefaultReadTimeout  = 5 * time.Second
)

// Notification is one guest's announcement that its init sequence finished.
type Notification struct {
	Name       string
	Text       string
	RemoteAddr string
}

type ListenFunc func(network string, address string) (net.Listener, error)

type deadliner interface {
	SetDeadline(t time.Time) error
}

// Server accepts boot notifications on a well-known port. It is opened before
// any VM starts and stays open across receives.
type Server struct {
	address string
	listen  ListenFunc

	ReadTimeout time.Duration

	lis net.Listener

	closeLock sync.Mutex
	closed    bool
}

func NewServer(address string, listen ListenFunc) *Server {
	if listen == nil {
		listen = net.Listen
	}

	return &Server{
		address: address,
		listen:  listen,

		ReadTimeout: DefaultReadTimeout,
	}
}

// Open binds the listener and returns its address.
func (s *Server) Open() (string, error) {
	var err error
	s.lis, err = s.listen("tcp", s.address)
	if err != nil {
		return "", errors.Join(ErrCouldNotListenInRendezvousServer, err)
	}

	return s.lis.Addr().String(), nil
}

func (s *Server) Addr() string {
	if s.lis == nil {
		return ""
	}

	return s.lis.Addr().String()
}

// Receive accepts exactly one connection and parses its announcement. When
// ctx ends the pending accept is interrupted and the listener stays open.
// Malformed announcements return ErrMalformedNotification; callers should
// discard them and receive again.
func (s *Server) Receive(ctx context.Context) (notification *Notification, errs error) {
	if s.lis == nil {
		return nil, ErrServerNotOpen
	}

	goroutineManager := manager.NewGoroutineManager(
		ctx,
		&errs,
		manager.GoroutineManagerHooks{},
	)
	defer goroutineManager.Wait()
	defer goroutineManager.StopAllGoroutines()
	defer goroutineManager.CreateBackgroundPanicCollector()()

	dl, _ := s.lis.(deadliner)
	if dl != nil {
		_ = dl.SetDeadline(time.Time{})
	}

	goroutineManager.StartForegroundGoroutine(func(_ context.Context) {
		<-goroutineManager.Context().Done()

		// Cause the `Accept()` function to unblock if the caller gave up
		if ctx.Err() != nil && dl != nil {
			_ = dl.SetDeadline(time.Now())
		}
	})

	conn, err := s.lis.Accept()
	if err != nil {
		s.closeLock.Lock()
		defer s.closeLock.Unlock()

		if s.closed && errors.Is(err, net.ErrClosed) { // Don't treat closed errors as errors if we closed the listener
			return nil, ErrServerClosed
		}

		if ctx.Err() != nil {
			return nil, errors.Join(ErrReceiveCancelled, ctx.Err())
		}

		return nil, errors.Join(ErrCouldNotAcceptBootNotification, err)
	}
	defer conn.Close()

	if s.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	}

	data, err := readAnnouncement(conn)
	if err != nil {
		return nil, errors.Join(ErrCouldNotReadBootNotification, err)
	}

	notification, err = Parse(data)
	if err != nil {
		return nil, err
	}
	notification.RemoteAddr = conn.RemoteAddr().String()

	return notification, nil
}

// readAnnouncement reads up to MaxNotificationSize bytes, stopping at the
// first newline or when the guest closes the connection.
func readAnnouncement(conn io.Reader) (string, error) {
	buf := make([]byte, 0, MaxNotificationSize)
	chunk := make([]byte, MaxNotificationSize)
	for len(buf) < MaxNotificationSize {
		n, err := conn.Read(chunk[:MaxNotificationSize-len(buf)])
		buf = append(buf, chunk[:n]...)

		if i := strings.IndexByte(string(buf), '\n'); i >= 0 {
			return string(buf[:i]), nil
		}

		if err != nil {
			if errors.Is(err, io.EOF) || len(buf) > 0 {
				return string(buf), nil
			}

			return "", err
		}
	}

	return string(buf), nil
}

// Parse reads "<vm_name> <free text>". Only the first whitespace-delimited
// token is significant.
func Parse(announcement string) (*Notification, error) {
	fields := strings.Fields(announcement)
	if len(fields) == 0 {
		return nil, ErrMalformedNotification
	}

	return &Notification{
		Name: fields[0],
		Text: strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(announcement), fields[0])),
	}, nil
}

func (s *Server) Close() {
	s.closeLock.Lock()
	defer s.closeLock.Unlock()

	s.closed = true

	if s.lis != nil {
		_ = s.lis.Close() // We ignore errors here since we might interrupt a network connection
	}
}
