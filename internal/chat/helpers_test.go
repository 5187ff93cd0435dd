package chat

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/multiroom-chat-server/internal/storage"
	"github.com/andy6609/multiroom-chat-server/internal/transfer"
)

const waitTimeout = 2 * time.Second

type testMember struct {
	id   uint32
	name string
	out  chan string
}

func newTestMember(id uint32, name string) *testMember {
	return &testMember{id: id, name: name, out: make(chan string, 256)}
}

func (m *testMember) ID() uint32   { return m.id }
func (m *testMember) Name() string { return m.name }

func (m *testMember) Deliver(line string) bool {
	select {
	case m.out <- line:
		return true
	default:
		return false
	}
}

func waitForPrefix(t *testing.T, ch <-chan string, prefix string) string {
	t.Helper()
	deadline := time.NewTimer(waitTimeout)
	defer deadline.Stop()
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed waiting for prefix %q", prefix)
			}
			if strings.HasPrefix(s, prefix) {
				return s
			}
			// ignore other lines (prompts, OK, etc.)
		case <-deadline.C:
			t.Fatalf("timeout waiting for prefix %q", prefix)
		}
	}
}

// expectNoPrefix fails if a line starting with prefix arrives within d.
func expectNoPrefix(t *testing.T, ch <-chan string, prefix string, d time.Duration) {
	t.Helper()
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for {
		select {
		case s, ok := <-ch:
			if !ok {
				return
			}
			if strings.HasPrefix(s, prefix) {
				t.Fatalf("unexpected line %q", s)
			}
		case <-deadline.C:
			return
		}
	}
}

// gatedMember blocks inside Deliver until gate is closed, holding up the
// room goroutine. entered is closed on the first delivery.
type gatedMember struct {
	*testMember
	gate    chan struct{}
	entered chan struct{}
	once    sync.Once
}

func newGatedMember(id uint32, name string) *gatedMember {
	return &gatedMember{
		testMember: newTestMember(id, name),
		gate:       make(chan struct{}),
		entered:    make(chan struct{}),
	}
}

func (m *gatedMember) Deliver(line string) bool {
	m.once.Do(func() { close(m.entered) })
	<-m.gate
	return m.testMember.Deliver(line)
}

type testEnv struct {
	reg    *Registry
	files  *transfer.Coordinator
	fs     afero.Fs
	ctx    context.Context
	nextID atomic.Uint32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fs := afero.NewMemMapFs()
	store := storage.NewStore(fs)
	ctx, cancel := context.WithCancel(context.Background())
	env := &testEnv{
		reg:   NewRegistry(64, nil),
		files: transfer.NewCoordinator(store, storage.NewDirectories(store), transfer.Options{ChunkSize: 4}, nil),
		fs:    fs,
		ctx:   ctx,
	}
	t.Cleanup(func() {
		cancel()
		env.reg.Close()
	})
	return env
}

func (e *testEnv) writeFile(t *testing.T, name string, data []byte) {
	t.Helper()
	require.NoError(t, e.fs.MkdirAll(path.Dir(name), 0o755))
	require.NoError(t, afero.WriteFile(e.fs, name, data, 0o644))
}

func (e *testEnv) readFile(t *testing.T, name string) []byte {
	t.Helper()
	data, err := afero.ReadFile(e.fs, name)
	require.NoError(t, err)
	return data
}

func (e *testEnv) exists(t *testing.T, name string) bool {
	t.Helper()
	ok, err := afero.Exists(e.fs, name)
	require.NoError(t, err)
	return ok
}

type testClient struct {
	conn  net.Conn
	lines chan string
	sess  *Session
	done  chan struct{}
}

// connect runs a Session over an in-memory pipe and returns the client end.
func (e *testEnv) connect(t *testing.T) *testClient {
	t.Helper()
	server, client := net.Pipe()
	sess := NewSession(e.nextID.Add(1), server, e.reg, e.files, SessionConfig{OutboundBuffer: 64}, nil)

	c := &testClient{conn: client, lines: make(chan string, 256), sess: sess, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		sess.Run(e.ctx)
	}()
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(client)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()

	t.Cleanup(func() {
		_ = client.Close()
		<-c.done
	})
	return c
}

func (c *testClient) write(t *testing.T, data []byte) {
	t.Helper()
	require.NoError(t, c.conn.SetWriteDeadline(time.Now().Add(waitTimeout)))
	_, err := c.conn.Write(data)
	require.NoError(t, err)
}

func (c *testClient) send(t *testing.T, line string) {
	t.Helper()
	c.write(t, []byte(line+"\n"))
}

func (c *testClient) expect(t *testing.T, prefix string) string {
	t.Helper()
	return waitForPrefix(t, c.lines, prefix)
}

func (c *testClient) login(t *testing.T, name, room string) {
	t.Helper()
	c.expect(t, "Enter display name:")
	c.send(t, name)
	c.expect(t, "Enter room name:")
	c.send(t, room)
	c.expect(t, "OK joined "+room)
}

// sendFile writes a SEND frame followed by its length-prefixed payload.
func (c *testClient) sendFile(t *testing.T, filename string, data []byte) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("SEND " + filename + "\n")
	require.NoError(t, transfer.WritePayloadHeader(&buf, uint32(len(data))))
	buf.Write(data)
	c.write(t, buf.Bytes())
}
