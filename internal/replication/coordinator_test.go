package replication_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"redisd/internal/replication"
)

// pipeConn gives a coordinator a net.Conn it can write to and a peer end the
// test can read from, without touching a real socket.
func pipeConn(t *testing.T) (server net.Conn, peer net.Conn) {
	t.Helper()
	server, peer = net.Pipe()
	return server, peer
}

func TestBroadcastDeliversToAllRegisteredStreams(t *testing.T) {
	t.Parallel()

	coord := replication.NewCoordinator()

	s1, p1 := pipeConn(t)
	s2, p2 := pipeConn(t)
	defer s1.Close()
	defer s2.Close()
	defer p1.Close()
	defer p2.Close()

	coord.Register(s1)
	coord.Register(s2)
	require.Equal(t, 2, coord.Count())

	// Broadcast writes to each stream in unspecified map order, and a
	// net.Pipe write blocks until its peer reads, so both peers must be
	// draining concurrently before (or while) the broadcast runs.
	read := func(p net.Conn) <-chan string {
		out := make(chan string, 1)
		go func() {
			buf := make([]byte, 32)
			p.SetReadDeadline(time.Now().Add(time.Second))
			n, err := p.Read(buf)
			if err != nil {
				out <- ""
				return
			}
			out <- string(buf[:n])
		}()
		return out
	}

	got1 := read(p1)
	got2 := read(p2)

	coord.Broadcast([]byte("*1\r\n$4\r\nPING\r\n"))

	require.Equal(t, "*1\r\n$4\r\nPING\r\n", <-got1)
	require.Equal(t, "*1\r\n$4\r\nPING\r\n", <-got2)
}

func TestBroadcastDropsReplicaOnWriteFailure(t *testing.T) {
	t.Parallel()

	coord := replication.NewCoordinator()

	s1, p1 := pipeConn(t)
	defer s1.Close()

	coord.Register(s1)
	p1.Close() // peer gone, so writes to s1 will fail

	coord.Broadcast([]byte("payload"))

	require.Eventually(t, func() bool {
		return coord.Count() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRemoveDropsStreamFromFutureBroadcasts(t *testing.T) {
	t.Parallel()

	coord := replication.NewCoordinator()
	s1, p1 := pipeConn(t)
	defer s1.Close()
	defer p1.Close()

	id := coord.Register(s1)
	coord.Remove(id)
	require.Equal(t, 0, coord.Count())
}
