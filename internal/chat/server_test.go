package chat

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/multiroom-chat-server/internal/storage"
	"github.com/andy6609/multiroom-chat-server/internal/transfer"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store := storage.NewStore(afero.NewMemMapFs())
	files := transfer.NewCoordinator(store, storage.NewDirectories(store), transfer.Options{}, nil)
	srv := NewServer(Config{
		Addr:            "127.0.0.1:0",
		OutboundBuffer:  32,
		RoomBuffer:      64,
		ShutdownTimeout: waitTimeout,
	}, files, nil)
	return srv
}

type tcpClient struct {
	conn  net.Conn
	lines chan string
}

func dialServer(t *testing.T, srv *Server) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &tcpClient{conn: conn, lines: make(chan string, 64)}
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
	return c
}

func (c *tcpClient) send(t *testing.T, line string) {
	t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (c *tcpClient) login(t *testing.T, name, room string) {
	t.Helper()
	waitForPrefix(t, c.lines, "Enter display name:")
	c.send(t, name)
	waitForPrefix(t, c.lines, "Enter room name:")
	c.send(t, room)
	waitForPrefix(t, c.lines, "OK joined "+room)
}

func waitClosed(t *testing.T, ch <-chan string) {
	t.Helper()
	deadline := time.NewTimer(waitTimeout)
	defer deadline.Stop()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline.C:
			t.Fatal("connection was not closed")
		}
	}
}

func TestServer_TwoClientsChat(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	a := dialServer(t, srv)
	b := dialServer(t, srv)
	a.login(t, "alice", "lobby")
	b.login(t, "bob", "lobby")

	a.send(t, "hello bob")
	assert.Equal(t, "alice: hello bob", waitForPrefix(t, b.lines, "alice: "))
	assert.Equal(t, []string{"lobby"}, srv.Registry().Rooms())
	assert.Equal(t, 2, srv.ActiveSessions())
}

func TestServer_StopClosesClients(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Start())

	a := dialServer(t, srv)
	b := dialServer(t, srv)
	a.login(t, "alice", "lobby")
	waitForPrefix(t, b.lines, "Enter display name:")

	srv.Stop()
	waitClosed(t, a.lines)
	waitClosed(t, b.lines)
	assert.Zero(t, srv.ActiveSessions())
	assert.Empty(t, srv.Registry().Rooms())

	_, err := net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)

	// A second Stop is a no-op.
	srv.Stop()
}

func TestServer_ListenAndServeStopsOnCancel(t *testing.T) {
	store := storage.NewStore(afero.NewMemMapFs())
	files := transfer.NewCoordinator(store, storage.NewDirectories(store), transfer.Options{}, nil)
	srv := NewServer(Config{Addr: "127.0.0.1:0", OutboundBuffer: 8, RoomBuffer: 8}, files, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe(ctx) }()

	require.Eventually(t, func() bool { return srv.running.Load() }, waitTimeout, 10*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("ListenAndServe did not return")
	}
}

func TestServer_StopBeforeStartIsNoop(t *testing.T) {
	srv := newTestServer(t)
	assert.Nil(t, srv.Addr())
	srv.Stop()
}

func TestServer_StartFailsOnBadAddress(t *testing.T) {
	srv := newTestServer(t)
	srv.cfg.Addr = "256.0.0.1:bad"
	assert.Error(t, srv.Start())
}
