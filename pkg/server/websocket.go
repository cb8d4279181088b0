package server

import (
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients are served from anywhere; the protocol has no cookies
	// to protect.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn carries one frame per websocket message. Messages are streamed, so
// one longer than the frame size is split the same way a long TCP read is
// instead of failing the connection.
type wsConn struct {
	conn         *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
	idleTimeout  time.Duration
	closeOnce    sync.Once

	// Reader state, owned by the single reader goroutine.
	msg  io.Reader // message being read, nil between messages
	buf  []byte
	held int  // bytes carried to the next frame of msg
	more bool // msg already produced a frame
}

func newWSConn(conn *websocket.Conn, maxFrame int, writeTimeout, idleTimeout time.Duration) *wsConn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &wsConn{
		conn:         conn,
		buf:          make([]byte, max(maxFrame, utf8.UTFMax)),
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
	}
}

func (c *wsConn) ReadFrame() (string, error) {
	for {
		if c.idleTimeout > 0 {
			c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		}
		if c.msg == nil {
			_, r, err := c.conn.NextReader()
			if err != nil {
				return "", err
			}
			c.msg, c.more = r, false
		}

		n, err := io.ReadFull(c.msg, c.buf[c.held:])
		total := c.held + n
		switch {
		case err == nil:
			cut := runeBoundary(c.buf[:total])
			frame := string(c.buf[:cut])
			c.held = copy(c.buf, c.buf[cut:total])
			c.more = true
			return frame, nil
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			c.msg, c.held = nil, 0
			if total == 0 && c.more {
				// The message ended exactly on a frame boundary.
				continue
			}
			return string(c.buf[:total]), nil
		default:
			c.msg, c.held = nil, 0
			return "", err
		}
	}
}

func (c *wsConn) WriteFrame(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeTimeout > 0 {
		c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, []byte(payload))
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// HandleWebSocket upgrades the request and runs the connection on the
// handler goroutine until the peer goes away.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	s.handleConnection(newWSConn(conn, s.config.MaxFrameSize, s.config.WriteTimeout, s.config.IdleTimeout), "ws")
}
