package rendezvous

import (
	"context"
	"errors"
	"net"
)

var (
	ErrCouldNotDialRendezvous       = errors.New("could not dial rendezvous server")
	ErrCouldNotSendBootNotification = errors.New("could not send boot notification")
)

// SendNotification announces name to the rendezvous server at address and
// closes the connection. No acknowledgement is expected.
func SendNotification(ctx context.Context, address string, name string, text string) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return errors.Join(ErrCouldNotDialRendezvous, err)
	}
	defer conn.Close()

	announcement := name
	if text != "" {
		announcement += " " + text
	}

	if _, err := conn.Write([]byte(announcement + "\n")); err != nil {
		return errors.Join(ErrCouldNotSendBootNotification, err)
	}

	return nil
}
