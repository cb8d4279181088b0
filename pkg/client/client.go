// Package client is a small programmatic client for the huddle protocol,
// used by the load tester and by tests that drive a real server.
package client

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/aeolun/huddle/pkg/protocol"
)

var (
	// ErrRejected is returned when the server closes the connection instead
	// of admitting the account.
	ErrRejected = errors.New("authentication rejected")
	// ErrInvalidField is returned for a value the wire format cannot carry.
	ErrInvalidField = errors.New("field contains the delimiter")
	ErrClosed       = errors.New("connection closed")
)

const (
	defaultReadSize = 64 * 1024
	pushBuffer      = 64
)

// Client is one authenticated connection. Pushes from the server arrive on
// Pushes() once SignIn or SignUp succeeded.
type Client struct {
	conn    net.Conn
	sendMu  sync.Mutex
	mu      sync.Mutex
	closed  bool
	name    string
	timeout time.Duration

	buf    []byte
	pushes chan protocol.Push
	done   chan struct{}
}

// Dial connects over TCP. timeout bounds the dial and the auth exchange.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	c := NewFromConn(conn)
	c.timeout = timeout
	return c, nil
}

// NewFromConn wraps an established connection.
func NewFromConn(conn net.Conn) *Client {
	return &Client{
		conn:    conn,
		timeout: 5 * time.Second,
		buf:     make([]byte, defaultReadSize),
		pushes:  make(chan protocol.Push, pushBuffer),
		done:    make(chan struct{}),
	}
}

// SignIn authenticates an existing account.
func (c *Client) SignIn(name, password string) error {
	if err := checkFields(name, password); err != nil {
		return err
	}
	return c.authenticate(name, protocol.SignInRequest(name, password))
}

// SignUp creates an account and authenticates as it.
func (c *Client) SignUp(name, password, email string) error {
	if err := checkFields(name, password, email); err != nil {
		return err
	}
	return c.authenticate(name, protocol.SignUpRequest(name, password, email, password))
}

// authenticate sends the auth frame and reads until the banner. The name
// list and password echo that precede it carry nothing the server has not
// already decided on, and on TCP they may share a read with the banner.
func (c *Client) authenticate(name, request string) error {
	if err := c.send(request); err != nil {
		return err
	}

	c.conn.SetReadDeadline(time.Now().Add(c.timeout))
	var acc strings.Builder
	for {
		n, err := c.conn.Read(c.buf)
		acc.Write(c.buf[:n])
		if _, rest, ok := strings.Cut(acc.String(), protocol.Banner); ok {
			c.conn.SetReadDeadline(time.Time{})
			c.mu.Lock()
			c.name = name
			c.mu.Unlock()
			go c.receiveLoop(rest)
			return nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return ErrRejected
			}
			return fmt.Errorf("auth read failed: %w", err)
		}
	}
}

// receiveLoop decodes one push per read until the connection ends. rest is
// whatever followed the banner in the last auth read: backlog deliveries,
// one per line.
func (c *Client) receiveLoop(rest string) {
	defer close(c.done)
	defer close(c.pushes)

	for _, line := range strings.SplitAfter(rest, "\n") {
		if line != "" {
			c.deliver(protocol.ParsePush(line))
		}
	}

	for {
		n, err := c.conn.Read(c.buf)
		if n > 0 {
			c.deliver(protocol.ParsePush(string(c.buf[:n])))
		}
		if err != nil {
			return
		}
	}
}

// deliver queues p, dropping the oldest push when the reader falls behind.
func (c *Client) deliver(p protocol.Push) {
	select {
	case c.pushes <- p:
	default:
		select {
		case <-c.pushes:
		default:
		}
		c.pushes <- p
	}
}

// Pushes returns server frames received after authentication. The channel
// closes when the connection ends.
func (c *Client) Pushes() <-chan protocol.Push {
	return c.pushes
}

// Next waits up to timeout for the next push.
func (c *Client) Next(timeout time.Duration) (protocol.Push, error) {
	select {
	case p, ok := <-c.pushes:
		if !ok {
			return protocol.Push{}, ErrClosed
		}
		return p, nil
	case <-time.After(timeout):
		return protocol.Push{}, fmt.Errorf("timeout waiting for push")
	}
}

// Name is the identity the client authenticated as, or the last name it
// asked to be renamed to.
func (c *Client) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

func (c *Client) SendDirect(target, text string) error {
	if err := checkFields(target, text); err != nil {
		return err
	}
	return c.send(protocol.DirectRequest(text, target))
}

// SendGroup posts text to the active group.
func (c *Client) SendGroup(text string) error {
	if err := checkFields(text); err != nil {
		return err
	}
	return c.send(text)
}

func (c *Client) CreateGroup(members []string) error {
	if err := checkFields(members...); err != nil {
		return err
	}
	return c.send(protocol.CreateGroupRequest(members))
}

func (c *Client) AddMembers(members []string) error {
	if err := checkFields(members...); err != nil {
		return err
	}
	return c.send(protocol.AddMembersRequest(members))
}

// Rename asks the server to rename this identity. The server sends no reply,
// so Name reports the requested name once the request is written even when
// the server rejects it, for example because the name is taken. RequestUsers
// shows the names the server actually holds.
func (c *Client) Rename(newName string) error {
	if newName == "" {
		return ErrInvalidField
	}
	if err := checkFields(newName); err != nil {
		return err
	}
	if err := c.send(protocol.RenameRequest(newName)); err != nil {
		return err
	}
	c.mu.Lock()
	c.name = newName
	c.mu.Unlock()
	return nil
}

func (c *Client) RequestUsers() error {
	return c.send(protocol.ListRequestLiteral)
}

func (c *Client) RequestHistory() error {
	return c.send(protocol.HistoryRequestLiteral)
}

func (c *Client) send(payload string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := io.WriteString(c.conn, payload); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection. Pushes() drains and closes afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

func checkFields(values ...string) error {
	for _, v := range values {
		if strings.Contains(v, protocol.Delimiter) {
			return fmt.Errorf("%w: %q", ErrInvalidField, v)
		}
	}
	return nil
}
