package replication

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"redisd/internal/command"
	"redisd/internal/resp"
)

// State tracks a replica's progress through the handshake. It advances
// strictly left to right; any error aborts the sequence and the replica
// operates standalone, per spec.md §4.F.
type State int

const (
	StateDisconnected State = iota
	StatePingSent
	StateListeningPortSent
	StateCapaSent
	StatePsyncSent
	StateStreaming
)

// ApplyFunc executes a replicated command against the local keyspace. It
// is supplied by the server package so this package does not need to
// depend on internal/store.
type ApplyFunc func(command.Command)

// Handshake performs the replica's four-step handshake against its
// primary (spec.md §4.F) and, on success, launches a goroutine that
// applies every subsequently streamed command via apply. The connection
// is returned so the caller can hold it open for the server's lifetime.
func Handshake(masterHost, masterPort, listenPort string, apply ApplyFunc) (net.Conn, error) {
	addr := net.JoinHostPort(masterHost, masterPort)
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "replication: dial primary %s", addr)
	}

	reader := bufio.NewReader(conn)
	state := StateDisconnected

	abort := func(step string, err error) (net.Conn, error) {
		conn.Close()
		return nil, errors.Wrapf(err, "replication: handshake failed at %s (state=%d)", step, state)
	}

	// Step 1: PING
	if _, err := conn.Write(resp.EncodeCommandArray("PING")); err != nil {
		return abort("PING", err)
	}
	state = StatePingSent
	if err := expectPong(reader); err != nil {
		return abort("PING", err)
	}

	// Step 2: REPLCONF listening-port <port>
	if _, err := conn.Write(resp.EncodeCommandArray("REPLCONF", "listening-port", listenPort)); err != nil {
		return abort("REPLCONF listening-port", err)
	}
	state = StateListeningPortSent
	if err := expectSimpleOK(reader); err != nil {
		return abort("REPLCONF listening-port", err)
	}

	// Step 3: REPLCONF capa psync2
	if _, err := conn.Write(resp.EncodeCommandArray("REPLCONF", "capa", "psync2")); err != nil {
		return abort("REPLCONF capa", err)
	}
	state = StateCapaSent
	if err := expectSimpleOK(reader); err != nil {
		return abort("REPLCONF capa", err)
	}

	// Step 4: PSYNC ? -1
	if _, err := conn.Write(resp.EncodeCommandArray("PSYNC", "?", "-1")); err != nil {
		return abort("PSYNC", err)
	}
	state = StatePsyncSent
	if err := readFullResync(reader); err != nil {
		return abort("PSYNC", err)
	}

	state = StateStreaming
	logrus.WithField("primary", addr).Info("replication: full resync complete, streaming")

	go streamCommands(resp.NewDecoderFromBufio(reader), apply)

	return conn, nil
}

func expectPong(r *bufio.Reader) error {
	line, err := readSimpleOrBulkLine(r)
	if err != nil {
		return err
	}
	if !strings.Contains(line, "PONG") {
		return fmt.Errorf("replication: expected PONG, got %q", line)
	}
	return nil
}

func expectSimpleOK(r *bufio.Reader) error {
	line, err := readSimpleOrBulkLine(r)
	if err != nil {
		return err
	}
	if !strings.Contains(line, "OK") {
		return fmt.Errorf("replication: expected OK, got %q", line)
	}
	return nil
}

// readSimpleOrBulkLine accepts either a simple-string or bulk-string reply,
// since spec.md §4.F allows the primary to answer PING with either
// "+PONG\r\n" or the bulk form.
func readSimpleOrBulkLine(r *bufio.Reader) (string, error) {
	dec := resp.NewDecoderFromBufio(r)
	frame, err := dec.ReadFrame()
	if err != nil {
		return "", err
	}
	switch f := frame.(type) {
	case resp.SimpleString:
		return string(f), nil
	case resp.BulkString:
		return f.Text, nil
	default:
		return "", fmt.Errorf("replication: unexpected reply frame %T", frame)
	}
}

// readFullResync consumes the primary's "+FULLRESYNC ..." line and the
// snapshot bulk that follows it. The snapshot's body is discarded: this
// spec does not require a replica to reconstruct state from it, only to
// consume it off the wire so the stream stays in sync.
func readFullResync(r *bufio.Reader) error {
	line, err := readSimpleOrBulkLine(r)
	if err != nil {
		return errors.Wrap(err, "replication: read FULLRESYNC line")
	}
	if !strings.HasPrefix(line, "FULLRESYNC") {
		return fmt.Errorf("replication: expected FULLRESYNC, got %q", line)
	}

	lengthLine, err := r.ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "replication: read snapshot length")
	}
	lengthLine = strings.TrimRight(lengthLine, "\r\n")
	if len(lengthLine) == 0 || lengthLine[0] != '$' {
		return fmt.Errorf("replication: expected bulk length, got %q", lengthLine)
	}

	var n int
	if _, err := fmt.Sscanf(lengthLine[1:], "%d", &n); err != nil {
		return fmt.Errorf("replication: invalid snapshot length %q", lengthLine)
	}

	// The snapshot bulk has no trailing CRLF (spec.md §4.F), so read
	// exactly n bytes and stop.
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return errors.Wrap(err, "replication: read snapshot body")
	}
	return nil
}

// streamCommands decodes and applies every command the primary sends after
// the initial resync. It never writes a reply: replicated traffic is
// one-way, per spec.md §4.F.
func streamCommands(dec *resp.Decoder, apply ApplyFunc) {
	for {
		frame, err := dec.ReadFrame()
		if err != nil {
			logrus.WithError(err).Info("replication: stream from primary ended")
			return
		}

		cmd, err := command.FromFrame(frame)
		if err != nil {
			logrus.WithError(err).Warn("replication: dropping unparseable replicated command")
			continue
		}

		apply(cmd)
	}
}
