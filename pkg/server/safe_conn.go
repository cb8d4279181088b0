package server

import (
	"io"
	"net"
	"sync"
	"time"
	"unicode/utf8"
)

// FrameConn is a transport carrying one text frame per read or write.
type FrameConn interface {
	// ReadFrame blocks for the next frame. An empty read is reported as
	// io.EOF.
	ReadFrame() (string, error)
	// WriteFrame sends one frame. Safe for concurrent use.
	WriteFrame(payload string) error
	Close() error
	RemoteAddr() net.Addr
}

// SafeConn wraps a stream connection. Each Read of up to maxFrame bytes is
// taken as one frame, matching peers that issue one write per message. A
// frame never ends inside a UTF-8 sequence: the incomplete tail of a read is
// held back and starts the next frame.
//
// Router replies and broadcasts from other connections' goroutines may write
// to the same SafeConn at once; the write mutex keeps their bytes from
// interleaving.
type SafeConn struct {
	conn         net.Conn
	mu           sync.Mutex // Protects writes to conn
	buf          []byte     // Owned by the single reader goroutine
	held         int        // Bytes at the front of buf carried from the last read
	writeTimeout time.Duration
	idleTimeout  time.Duration
	closeOnce    sync.Once
	closeErr     error
}

// NewSafeConn wraps conn. Zero timeouts disable the corresponding deadline.
func NewSafeConn(conn net.Conn, maxFrame int, writeTimeout, idleTimeout time.Duration) *SafeConn {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	maxFrame = max(maxFrame, utf8.UTFMax)
	return &SafeConn{
		conn:         conn,
		buf:          make([]byte, maxFrame),
		writeTimeout: writeTimeout,
		idleTimeout:  idleTimeout,
	}
}

func (sc *SafeConn) ReadFrame() (string, error) {
	for {
		if sc.idleTimeout > 0 {
			sc.conn.SetReadDeadline(time.Now().Add(sc.idleTimeout))
		}
		n, err := sc.conn.Read(sc.buf[sc.held:])
		total := sc.held + n
		if err != nil {
			// Held bytes go out as they are before the error is reported.
			sc.held = 0
			if total > 0 {
				return string(sc.buf[:total]), nil
			}
			return "", err
		}
		if n == 0 {
			if total == 0 {
				return "", io.EOF
			}
			continue
		}

		cut := runeBoundary(sc.buf[:total])
		if cut == 0 {
			sc.held = total
			continue
		}
		frame := string(sc.buf[:cut])
		sc.held = copy(sc.buf, sc.buf[cut:total])
		return frame, nil
	}
}

// runeBoundary returns the length of the longest prefix of b that does not
// end inside a UTF-8 sequence. Invalid bytes are never held back.
func runeBoundary(b []byte) int {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return len(b)
			}
			return len(b) - i
		}
	}
	return len(b)
}

func (sc *SafeConn) WriteFrame(payload string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.writeTimeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	}
	_, err := io.WriteString(sc.conn, payload)
	return err
}

// Close closes the underlying connection once.
func (sc *SafeConn) Close() error {
	sc.closeOnce.Do(func() {
		sc.closeErr = sc.conn.Close()
	})
	return sc.closeErr
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}
