package server_test

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"redisd/internal/server"
)

// startServer launches a Server on an ephemeral port and returns its
// address and a cancel func that shuts it down.
func startServer(t *testing.T, cfg server.Config) (addr string, shutdown func()) {
	t.Helper()

	// Reserve a free port by opening and immediately closing a listener;
	// the brief window before the server re-binds it is covered by the
	// Eventually-based dial retry below.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr = ln.Addr().String()
	ln.Close()

	_, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)

	cfg.Host = "127.0.0.1"
	cfg.Port = port

	srv, err := server.New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	go func() {
		close(started)
		_ = srv.Start(ctx)
	}()
	<-started

	// Give the accept loop a moment to bind before the first dial.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return addr, cancel
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	conn.SetDeadline(time.Now().Add(2 * time.Second))
	return conn, bufio.NewReader(conn)
}

func sendCommand(t *testing.T, conn net.Conn, parts ...string) {
	t.Helper()
	var b strings.Builder
	b.WriteString("*")
	b.WriteString(itoa(len(parts)))
	b.WriteString("\r\n")
	for _, p := range parts {
		b.WriteString("$")
		b.WriteString(itoa(len(p)))
		b.WriteString("\r\n")
		b.WriteString(p)
		b.WriteString("\r\n")
	}
	_, err := conn.Write([]byte(b.String()))
	require.NoError(t, err)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimRight(line, "\r\n")
}

// readBulkBody reads a "$<n>\r\n" length line already positioned at r and
// returns the n-byte payload that follows, discarding the trailing CRLF.
// Unlike readLine, this does not stop at an embedded CRLF, which matters
// for multi-line bulk payloads like INFO's reply.
func readBulkBody(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	lengthLine := readLine(t, r)
	require.True(t, strings.HasPrefix(lengthLine, "$"))

	var n int
	_, err := fmt.Sscanf(lengthLine[1:], "%d", &n)
	require.NoError(t, err)

	buf := make([]byte, n+2) // payload plus trailing CRLF
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	return string(buf[:n])
}

func TestPingReplies(t *testing.T) {
	t.Parallel()

	addr, shutdown := startServer(t, server.Config{})
	defer shutdown()

	conn, r := dial(t, addr)
	defer conn.Close()

	sendCommand(t, conn, "PING")
	require.Equal(t, "$4", readLine(t, r))
	require.Equal(t, "PONG", readLine(t, r))
}

func TestEchoReplies(t *testing.T) {
	t.Parallel()

	addr, shutdown := startServer(t, server.Config{})
	defer shutdown()

	conn, r := dial(t, addr)
	defer conn.Close()

	sendCommand(t, conn, "ECHO", "hello")
	require.Equal(t, "$5", readLine(t, r))
	require.Equal(t, "hello", readLine(t, r))
}

func TestSetThenGetRoundTrips(t *testing.T) {
	t.Parallel()

	addr, shutdown := startServer(t, server.Config{})
	defer shutdown()

	conn, r := dial(t, addr)
	defer conn.Close()

	sendCommand(t, conn, "SET", "foo", "bar")
	require.Equal(t, "+OK", readLine(t, r))

	sendCommand(t, conn, "GET", "foo")
	require.Equal(t, "$3", readLine(t, r))
	require.Equal(t, "bar", readLine(t, r))
}

func TestGetMissingKeyReturnsNullBulk(t *testing.T) {
	t.Parallel()

	addr, shutdown := startServer(t, server.Config{})
	defer shutdown()

	conn, r := dial(t, addr)
	defer conn.Close()

	sendCommand(t, conn, "GET", "nope")
	require.Equal(t, "$-1", readLine(t, r))
}

func TestSetWithPXExpires(t *testing.T) {
	t.Parallel()

	addr, shutdown := startServer(t, server.Config{})
	defer shutdown()

	conn, r := dial(t, addr)
	defer conn.Close()

	sendCommand(t, conn, "SET", "k", "v", "PX", "20")
	require.Equal(t, "+OK", readLine(t, r))

	time.Sleep(60 * time.Millisecond)

	sendCommand(t, conn, "GET", "k")
	require.Equal(t, "$-1", readLine(t, r))
}

func TestKeysListsAllKeys(t *testing.T) {
	t.Parallel()

	addr, shutdown := startServer(t, server.Config{})
	defer shutdown()

	conn, r := dial(t, addr)
	defer conn.Close()

	sendCommand(t, conn, "SET", "a", "1")
	readLine(t, r)
	sendCommand(t, conn, "SET", "b", "2")
	readLine(t, r)

	sendCommand(t, conn, "KEYS", "*")
	require.Equal(t, "*2", readLine(t, r))
}

func TestInfoReportsPrimaryRole(t *testing.T) {
	t.Parallel()

	addr, shutdown := startServer(t, server.Config{})
	defer shutdown()

	conn, r := dial(t, addr)
	defer conn.Close()

	sendCommand(t, conn, "INFO")
	body := readBulkBody(t, r)
	require.Contains(t, body, "role:master")
}

func TestUnknownVerbIsSilentlySkipped(t *testing.T) {
	t.Parallel()

	addr, shutdown := startServer(t, server.Config{})
	defer shutdown()

	conn, r := dial(t, addr)
	defer conn.Close()

	sendCommand(t, conn, "FLUSHALL")
	sendCommand(t, conn, "PING")

	// The unknown verb produced no reply; the next line is PING's.
	require.Equal(t, "$4", readLine(t, r))
	require.Equal(t, "PONG", readLine(t, r))
}

func TestPsyncOnPrimarySendsFullresyncAndSnapshot(t *testing.T) {
	t.Parallel()

	addr, shutdown := startServer(t, server.Config{})
	defer shutdown()

	conn, r := dial(t, addr)
	defer conn.Close()

	sendCommand(t, conn, "PSYNC", "?", "-1")
	line := readLine(t, r)
	require.True(t, strings.HasPrefix(line, "+FULLRESYNC "))

	lengthLine := readLine(t, r)
	require.True(t, strings.HasPrefix(lengthLine, "$"))
}
