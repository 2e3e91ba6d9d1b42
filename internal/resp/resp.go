// Package resp implements the framed, length-prefixed wire protocol the
// server speaks with clients and with other servers during replication.
package resp

import (
	"bufio"
	"fmt"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// Frame is the wire protocol's sum type. Every value the decoder produces,
// and every value the encoder accepts, is one of the three concrete types
// below: SimpleString, BulkString, or Array.
type Frame interface {
	isFrame()
}

// SimpleString is a single CRLF-terminated line, e.g. "+OK\r\n".
type SimpleString string

func (SimpleString) isFrame() {}

// BulkString is a length-prefixed opaque payload. Null distinguishes the
// null bulk ("$-1\r\n") from the empty bulk ("$0\r\n\r\n") — they are not
// the same frame.
type BulkString struct {
	Text string
	Null bool
}

func (BulkString) isFrame() {}

// Array is a length-prefixed, heterogeneous sequence of frames. A command
// sent by a client is always an Array of BulkStrings.
type Array []Frame

func (Array) isFrame() {}

// NullBulkString is the conventional "miss" reply.
func NullBulkString() BulkString {
	return BulkString{Null: true}
}

// Decoder reads frames one at a time off a byte stream. It decodes directly
// against the supplied *bufio.Reader rather than copying into a fixed-size
// scratch buffer first, so a frame of any size can be read and a bulk
// payload is consumed by its declared byte count — not by scanning for a
// terminator, which would break on a payload that itself contains CRLF.
type Decoder struct {
	r *bufio.Reader
}

// NewDecoder wraps a reader with growable internal buffering. Callers that
// already have a *bufio.Reader (e.g. one shared with an encoder's
// underlying connection) may pass it through directly via NewDecoderFromBufio.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// NewDecoderFromBufio adopts an existing buffered reader instead of
// allocating a new one.
func NewDecoderFromBufio(r *bufio.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadFrame decodes exactly one top-level frame. It returns io.EOF
// unmodified when the stream ends cleanly before a frame begins, so callers
// can tell a clean disconnect from a mid-frame protocol error.
func (d *Decoder) ReadFrame() (Frame, error) {
	tag, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch tag {
	case '+':
		line, err := d.readLine()
		if err != nil {
			return nil, errors.Wrap(err, "resp: read simple string")
		}
		return SimpleString(line), nil

	case '$':
		return d.readBulkString()

	case '*':
		return d.readArray()

	default:
		return nil, fmt.Errorf("resp: unexpected frame tag %q", tag)
	}
}

func (d *Decoder) readArray() (Frame, error) {
	n, err := d.readCount()
	if err != nil {
		return nil, errors.Wrap(err, "resp: read array length")
	}
	if n < 0 {
		return Array(nil), nil
	}

	items := make(Array, 0, n)
	for i := 0; i < n; i++ {
		item, err := d.ReadFrame()
		if err != nil {
			return nil, errors.Wrapf(err, "resp: read array element %d", i)
		}
		items = append(items, item)
	}
	return items, nil
}

func (d *Decoder) readBulkString() (Frame, error) {
	n, err := d.readCount()
	if err != nil {
		return nil, errors.Wrap(err, "resp: read bulk length")
	}
	if n < 0 {
		return NullBulkString(), nil
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, errors.Wrap(err, "resp: read bulk payload")
	}
	if err := d.expectCRLF(); err != nil {
		return nil, errors.Wrap(err, "resp: bulk payload not CRLF-terminated")
	}

	return BulkString{Text: string(payload)}, nil
}

// readCount parses the ASCII decimal length following a '$' or '*' tag, up
// to and including its trailing CRLF.
func (d *Decoder) readCount() (int, error) {
	line, err := d.readLine()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("resp: invalid length %q", line)
	}
	return n, nil
}

// readLine reads up to the next CRLF, returning the line without it.
func (d *Decoder) readLine() (string, error) {
	line, err := d.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) < 2 || line[len(line)-2] != '\r' {
		return "", fmt.Errorf("resp: line not CRLF-terminated: %q", line)
	}
	return line[:len(line)-2], nil
}

func (d *Decoder) expectCRLF() error {
	var buf [2]byte
	if _, err := io.ReadFull(d.r, buf[:]); err != nil {
		return err
	}
	if buf[0] != '\r' || buf[1] != '\n' {
		return fmt.Errorf("resp: expected CRLF, got %q", buf)
	}
	return nil
}

// Encode renders a frame to its wire bytes. It is the decoder's inverse for
// the frame shapes the server actually produces in replies.
func Encode(f Frame) []byte {
	switch v := f.(type) {
	case SimpleString:
		return []byte(fmt.Sprintf("+%s\r\n", string(v)))
	case BulkString:
		if v.Null {
			return []byte("$-1\r\n")
		}
		return []byte(fmt.Sprintf("$%d\r\n%s\r\n", len(v.Text), v.Text))
	case Array:
		buf := []byte(fmt.Sprintf("*%d\r\n", len(v)))
		for _, item := range v {
			buf = append(buf, Encode(item)...)
		}
		return buf
	default:
		panic(fmt.Sprintf("resp: unencodable frame %T", f))
	}
}

// EncodeCommandArray renders a verb and its arguments as the Array-of-
// BulkString shape every client-issued command, and every replicated write,
// takes on the wire.
func EncodeCommandArray(parts ...string) []byte {
	items := make(Array, len(parts))
	for i, p := range parts {
		items[i] = BulkString{Text: p}
	}
	return Encode(items)
}
