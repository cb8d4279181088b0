package server

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	expectTimeout = 2 * time.Second
	quietWindow   = 150 * time.Millisecond
)

// ---------------------------------------------------------------------------
// Server setup
// ---------------------------------------------------------------------------

type testServer struct {
	*Server
	metrics *Metrics
}

// newTestServer builds a server over a fresh SQLite file. Listeners are not
// started; clients attach through connectPipe or the websocket handler.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store, err := database.Open(filepath.Join(t.TempDir(), "huddle.db"))
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.TCPPort = 0
	cfg.HTTPPort = 0
	cfg.MetricsPort = 0
	cfg.WriteTimeout = time.Second
	cfg.MetricsLogInterval = 0

	metrics := NewMetrics()
	srv := NewServer(store, cfg, zap.NewNop(), metrics)
	t.Cleanup(func() { srv.Stop() })
	return &testServer{Server: srv, metrics: metrics}
}

// ---------------------------------------------------------------------------
// Client abstraction
// ---------------------------------------------------------------------------

// frameClient reads frames on a persistent goroutine into a channel so tests
// can wait with a timeout without racing on the connection.
type frameClient struct {
	name      string
	write     func(string) error
	closeFn   func() error
	frames    chan string
	done      chan struct{}
	closeOnce sync.Once
}

func newFrameClient(write func(string) error, read func() (string, error), closeFn func() error) *frameClient {
	c := &frameClient{
		write:   write,
		closeFn: closeFn,
		frames:  make(chan string, 64),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		defer close(c.frames)
		for {
			frame, err := read()
			if err != nil {
				return
			}
			c.frames <- frame
		}
	}()
	return c
}

// connectPipe attaches a client to srv through an in-memory pipe. Each write
// on a pipe reaches the other side as exactly one read.
func connectPipe(t *testing.T, srv *testServer) *frameClient {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	go srv.ServeConn(serverSide)

	buf := make([]byte, 64*1024)
	c := newFrameClient(
		func(payload string) error {
			clientSide.SetWriteDeadline(time.Now().Add(expectTimeout))
			_, err := clientSide.Write([]byte(payload))
			return err
		},
		func() (string, error) {
			n, err := clientSide.Read(buf)
			if err != nil {
				return "", err
			}
			return string(buf[:n]), nil
		},
		clientSide.Close,
	)
	t.Cleanup(c.close)
	return c
}

// connectWS dials a websocket endpoint served by srv.HandleWebSocket.
func connectWS(t *testing.T, url string) *frameClient {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err, "websocket dial %s", url)

	var mu sync.Mutex
	c := newFrameClient(
		func(payload string) error {
			mu.Lock()
			defer mu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, []byte(payload))
		},
		func() (string, error) {
			_, data, err := conn.ReadMessage()
			return string(data), err
		},
		conn.Close,
	)
	t.Cleanup(c.close)
	return c
}

func (c *frameClient) send(t *testing.T, payload string) {
	t.Helper()
	require.NoError(t, c.write(payload), "%s send %q", c.name, payload)
}

// next returns the next frame or fails the test.
func (c *frameClient) next(t *testing.T) string {
	t.Helper()
	select {
	case frame, ok := <-c.frames:
		if !ok {
			t.Fatalf("%s: connection closed while waiting for a frame", c.name)
		}
		return frame
	case <-time.After(expectTimeout):
		t.Fatalf("%s: timeout waiting for a frame", c.name)
		return ""
	}
}

func (c *frameClient) expect(t *testing.T, want string) {
	t.Helper()
	require.Equal(t, want, c.next(t), "%s received", c.name)
}

// expectQuiet asserts nothing arrives for a short window.
func (c *frameClient) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case frame, ok := <-c.frames:
		if ok {
			t.Fatalf("%s: unexpected frame %q", c.name, frame)
		}
	case <-time.After(quietWindow):
	}
}

// expectClosed waits for the server to drop the connection, ignoring any
// frames still in flight.
func (c *frameClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(expectTimeout)
	for {
		select {
		case _, ok := <-c.frames:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("%s: connection still open", c.name)
		}
	}
}

func (c *frameClient) close() {
	c.closeOnce.Do(func() {
		c.closeFn()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// Auth helpers
// ---------------------------------------------------------------------------

// signUp registers name and consumes the name list and banner.
func signUp(t *testing.T, c *frameClient, name string) {
	t.Helper()
	c.name = name
	c.send(t, protocol.SignUpRequest(name, "pw-"+name, name+"@example.com", "pw-"+name))
	nameList := c.next(t)
	require.True(t, strings.HasPrefix(nameList, " "), "name list %q", nameList)
	c.expect(t, protocol.Banner)
}

// signIn authenticates an existing account and consumes the name list,
// password echo and banner.
func signIn(t *testing.T, c *frameClient, name string) {
	t.Helper()
	c.name = name
	c.send(t, protocol.SignInRequest(name, "pw-"+name))
	nameList := c.next(t)
	require.Contains(t, nameList, protocol.Delimiter+name)
	c.expect(t, "pw-"+name)
	c.expect(t, protocol.Banner)
}

// onlineUser connects over a pipe and signs up.
func onlineUser(t *testing.T, srv *testServer, name string) *frameClient {
	t.Helper()
	c := connectPipe(t, srv)
	signUp(t, c, name)
	return c
}

func waitOffline(t *testing.T, srv *testServer, name string) {
	t.Helper()
	require.Eventually(t, func() bool { return !srv.registry.IsOnline(name) },
		expectTimeout, 10*time.Millisecond, "%s still online", name)
}

func roleFrame(admin string, gid int64) string {
	return protocol.RoleNotification(admin, gid)
}

func pushFrame(sender, text string) string {
	return protocol.GroupPush(sender, text)
}

// ---------------------------------------------------------------------------
// Registry test double
// ---------------------------------------------------------------------------

// recordingConn is a FrameConn that keeps every written frame.
type recordingConn struct {
	mu     sync.Mutex
	id     string
	frames []string
	fail   bool
	closed bool
}

func newRecordingConn(id string) *recordingConn {
	return &recordingConn{id: id}
}

func (c *recordingConn) ReadFrame() (string, error) {
	return "", fmt.Errorf("recordingConn %s: no reads", c.id)
}

func (c *recordingConn) WriteFrame(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return fmt.Errorf("recordingConn %s: write failed", c.id)
	}
	c.frames = append(c.frames, payload)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func (c *recordingConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.frames...)
}

// ---------------------------------------------------------------------------
// TCP transport
// ---------------------------------------------------------------------------

type tcpClient struct {
	conn net.Conn
}

func dialTCP(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "TCP connect to %s", addr)
	t.Cleanup(func() { conn.Close() })
	return &tcpClient{conn: conn}
}

func (c *tcpClient) send(t *testing.T, payload string) {
	t.Helper()
	_, err := c.conn.Write([]byte(payload))
	require.NoError(t, err)
}

// readUntil accumulates reads until the stream ends with suffix.
func (c *tcpClient) readUntil(t *testing.T, suffix string) string {
	t.Helper()
	var got strings.Builder
	buf := make([]byte, 4096)
	c.conn.SetReadDeadline(time.Now().Add(expectTimeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for !strings.HasSuffix(got.String(), suffix) {
		n, err := c.conn.Read(buf)
		require.NoError(t, err, "TCP read after %q", got.String())
		got.Write(buf[:n])
	}
	return got.String()
}
