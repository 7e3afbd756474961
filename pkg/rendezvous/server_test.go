package rendezvous

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openServer(t *testing.T) (*Server, string) {
	server := NewServer("127.0.0.1:0", nil)

	addr, err := server.Open()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	return server, addr
}

func TestReceive(t *testing.T) {
	server, addr := openServer(t)

	go func() {
		_ = SendNotification(context.Background(), addr, "h2", "booted in 3.1s")
	}()

	notification, err := server.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h2", notification.Name)
	assert.Equal(t, "booted in 3.1s", notification.Text)
	assert.NotEmpty(t, notification.RemoteAddr)
}

func TestReceiveOutOfOrder(t *testing.T) {
	server, addr := openServer(t)

	for _, name := range []string{"h3", "h1", "h2"} {
		require.NoError(t, SendNotification(context.Background(), addr, name, ""))
	}

	received := map[string]bool{}
	for range 3 {
		notification, err := server.Receive(context.Background())
		require.NoError(t, err)

		received[notification.Name] = true
	}

	assert.Equal(t, map[string]bool{"h1": true, "h2": true, "h3": true}, received)
}

func TestReceiveMalformedKeepsListening(t *testing.T) {
	server, addr := openServer(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	_, err = conn.Write([]byte("   \n"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	_, err = server.Receive(context.Background())
	assert.ErrorIs(t, err, ErrMalformedNotification)

	require.NoError(t, SendNotification(context.Background(), addr, "h1", ""))

	notification, err := server.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h1", notification.Name)
}

func TestReceiveDeadline(t *testing.T) {
	server, addr := openServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := server.Receive(ctx)
	assert.ErrorIs(t, err, ErrReceiveCancelled)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The listener survives an expired receive
	require.NoError(t, SendNotification(context.Background(), addr, "h1", ""))

	notification, err := server.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "h1", notification.Name)
}

func TestReceiveAfterClose(t *testing.T) {
	server, _ := openServer(t)
	server.Close()

	_, err := server.Receive(context.Background())
	assert.ErrorIs(t, err, ErrServerClosed)
}

func TestReceiveNotOpen(t *testing.T) {
	_, err := NewServer("127.0.0.1:0", nil).Receive(context.Background())
	assert.ErrorIs(t, err, ErrServerNotOpen)
}

func TestParse(t *testing.T) {
	notification, err := Parse("h1\tready  now\n")
	require.NoError(t, err)
	assert.Equal(t, "h1", notification.Name)
	assert.Equal(t, "ready  now", notification.Text)

	_, err = Parse("")
	assert.ErrorIs(t, err, ErrMalformedNotification)
}
