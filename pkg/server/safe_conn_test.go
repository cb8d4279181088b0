package server

import (
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeConnReadsOneFramePerWrite(t *testing.T) {
	client, server := net.Pipe()
	sc := NewSafeConn(server, 8, time.Second, 0)
	defer sc.Close()

	go func() {
		client.Write([]byte("hello"))
		client.Write([]byte("0123456789"))
		client.Close()
	}()

	frame, err := sc.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "hello", frame)

	// Frames longer than the limit arrive in pieces.
	frame, err = sc.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "01234567", frame)
	frame, err = sc.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "89", frame)

	_, err = sc.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestSafeConnKeepsRunesWhole(t *testing.T) {
	client, server := net.Pipe()
	sc := NewSafeConn(server, 1024, time.Second, 0)
	defer sc.Close()

	go func() {
		client.Write([]byte(strings.Repeat("a", 1023) + "é" + "tail"))
		client.Write([]byte("ünïcödé"))
		client.Close()
	}()

	frame, err := sc.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("a", 1023), frame)

	frame, err = sc.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "étail", frame)

	frame, err = sc.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, "ünïcödé", frame)

	_, err = sc.ReadFrame()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRuneBoundary(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		want int
	}{
		{"ascii", []byte("abc"), 3},
		{"complete two byte", []byte("aé"), 3},
		{"split two byte", []byte("aé")[:2], 1},
		{"split four byte", []byte("a😀")[:4], 1},
		{"complete four byte", []byte("a😀"), 5},
		{"invalid byte kept", []byte{'a', 0xff}, 2},
		{"only a lead byte", []byte{0xe2}, 0},
		{"empty", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := runeBoundary(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.Valid(tt.in[:got]) || !utf8.Valid(tt.in))
		})
	}
}

func TestSafeConnIdleTimeout(t *testing.T) {
	_, server := net.Pipe()
	sc := NewSafeConn(server, 0, 0, 20*time.Millisecond)
	defer sc.Close()

	_, err := sc.ReadFrame()
	var netErr net.Error
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Timeout())
}

func TestSafeConnConcurrentWritesDoNotInterleave(t *testing.T) {
	client, server := net.Pipe()
	sc := NewSafeConn(server, 0, time.Second, 0)
	defer sc.Close()

	const writers = 16
	payloads := make(map[string]bool, writers)
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 1024)
		for i := 0; i < writers; i++ {
			n, err := client.Read(buf)
			if err != nil {
				return
			}
			mu.Lock()
			payloads[string(buf[:n])] = true
			mu.Unlock()
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, sc.WriteFrame(string(rune('a'+i))+":payload/group"))
		}(i)
	}
	wg.Wait()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, payloads, writers)
	for p := range payloads {
		assert.Len(t, p, len("a:payload/group"))
	}
}

func TestSafeConnCloseIsIdempotent(t *testing.T) {
	_, server := net.Pipe()
	sc := NewSafeConn(server, 0, 0, 0)
	require.NoError(t, sc.Close())
	assert.NoError(t, sc.Close())
	assert.Error(t, sc.WriteFrame("late"))
}
