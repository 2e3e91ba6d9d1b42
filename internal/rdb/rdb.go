// Package rdb decodes the binary snapshot file used to pre-populate the
// keyspace at startup. Only the opcode subset and the string value type
// spec.md §4.C defines are supported; anything else is a decode error that
// the caller logs and recovers from by starting with an empty keyspace.
package rdb

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

const (
	magic   = "REDIS"
	magicLen = len(magic)
	versionLen = 4
)

// Opcodes, per spec.md §4.C.
const (
	opAux          = 0xFA
	opResizeDB     = 0xFB
	opExpireTimeMs = 0xFC
	opExpireTime   = 0xFD
	opSelectDB     = 0xFE
	opEOF          = 0xFF
)

// valueTypeString is the only value-type byte this reader accepts.
const valueTypeString = 0

// Snapshot is the decoded result of a dump file: the live values and the
// expiries attached to them. Every key in Expiries has a corresponding
// entry in Values, but not vice versa (spec.md §3's invariant).
type Snapshot struct {
	Values   map[string]string
	Expiries map[string]time.Time
}

// Load opens and decodes path. A missing file is not an error — it is
// reported as (nil, nil) so the caller starts with an empty keyspace
// without logging a spurious warning.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "rdb: open dump file")
	}
	defer f.Close()

	return decode(bufio.NewReader(f))
}

func decode(r *bufio.Reader) (*Snapshot, error) {
	if err := checkHeader(r); err != nil {
		return nil, err
	}

	snap := &Snapshot{
		Values:   make(map[string]string),
		Expiries: make(map[string]time.Time),
	}

	var pendingExpiry *time.Time

	for {
		op, err := r.ReadByte()
		if err != nil {
			return nil, errors.Wrap(err, "rdb: read opcode")
		}

		switch op {
		case opEOF:
			return snap, nil

		case opAux:
			if _, err := readLengthString(r); err != nil {
				return nil, errors.Wrap(err, "rdb: read aux key")
			}
			if _, err := readLengthString(r); err != nil {
				return nil, errors.Wrap(err, "rdb: read aux value")
			}

		case opResizeDB:
			if _, err := readLength(r); err != nil {
				return nil, errors.Wrap(err, "rdb: read resizedb total")
			}
			if _, err := readLength(r); err != nil {
				return nil, errors.Wrap(err, "rdb: read resizedb expire count")
			}

		case opSelectDB:
			if _, err := readLength(r); err != nil {
				return nil, errors.Wrap(err, "rdb: read selectdb index")
			}

		case opExpireTimeMs:
			var ms uint64
			if err := binary.Read(r, binary.LittleEndian, &ms); err != nil {
				return nil, errors.Wrap(err, "rdb: read expiretime_ms")
			}
			t := time.UnixMilli(int64(ms))
			pendingExpiry = &t

		case opExpireTime:
			var sec uint32
			if err := binary.Read(r, binary.LittleEndian, &sec); err != nil {
				return nil, errors.Wrap(err, "rdb: read expiretime")
			}
			t := time.Unix(int64(sec), 0)
			pendingExpiry = &t

		default:
			// Any other byte is a value-type tag introducing an entry.
			key, value, err := readEntry(r, op)
			if err != nil {
				return nil, err
			}

			if pendingExpiry != nil && pendingExpiry.Before(time.Now()) {
				pendingExpiry = nil
				continue
			}

			snap.Values[key] = value
			if pendingExpiry != nil {
				snap.Expiries[key] = *pendingExpiry
			}
			pendingExpiry = nil
		}
	}
}

func checkHeader(r *bufio.Reader) error {
	header := make([]byte, magicLen+versionLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return errors.Wrap(err, "rdb: read header")
	}
	if string(header[:magicLen]) != magic {
		return fmt.Errorf("rdb: bad magic %q", header[:magicLen])
	}
	return nil
}

func readEntry(r *bufio.Reader, valueType byte) (key, value string, err error) {
	if valueType != valueTypeString {
		return "", "", fmt.Errorf("rdb: unsupported value type %d", valueType)
	}

	key, err = readLengthString(r)
	if err != nil {
		return "", "", errors.Wrap(err, "rdb: read key")
	}
	value, err = readLengthString(r)
	if err != nil {
		return "", "", errors.Wrap(err, "rdb: read value")
	}
	return key, value, nil
}

// lengthKind distinguishes a plain byte-length string from one of the
// special integer encodings carried in the low 6 bits of an 11-prefixed
// length byte.
type lengthKind int

const (
	kindPlain lengthKind = iota
	kindInt8
	kindInt16
	kindInt32
)

// readLength decodes the four-variant length encoding of spec.md §4.C and
// returns the plain numeric length. It is used directly by ResizeDB and
// SelectDB, which never carry the special-encoding variant.
func readLength(r *bufio.Reader) (uint32, error) {
	n, kind, err := readLengthOrSpecial(r)
	if err != nil {
		return 0, err
	}
	if kind != kindPlain {
		return 0, fmt.Errorf("rdb: unexpected special-encoded length")
	}
	return n, nil
}

func readLengthOrSpecial(r *bufio.Reader) (uint32, lengthKind, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, kindPlain, err
	}

	switch first >> 6 {
	case 0b00:
		return uint32(first & 0x3F), kindPlain, nil

	case 0b01:
		second, err := r.ReadByte()
		if err != nil {
			return 0, kindPlain, err
		}
		return uint32(first&0x3F)<<8 | uint32(second), kindPlain, nil

	case 0b10:
		var buf [4]byte
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, kindPlain, err
		}
		return binary.BigEndian.Uint32(buf[:]), kindPlain, nil

	case 0b11:
		switch first & 0x3F {
		case 0:
			return 0, kindInt8, nil
		case 1:
			return 0, kindInt16, nil
		case 2:
			return 0, kindInt32, nil
		default:
			return 0, kindPlain, fmt.Errorf("rdb: unsupported special length encoding %d", first&0x3F)
		}

	default:
		return 0, kindPlain, fmt.Errorf("rdb: impossible length prefix")
	}
}

// readLengthString reads a length-prefixed string. A plain length reads
// that many raw bytes; a special integer encoding reads the fixed-width
// integer and renders its decimal form as the string.
func readLengthString(r *bufio.Reader) (string, error) {
	n, kind, err := readLengthOrSpecial(r)
	if err != nil {
		return "", err
	}

	switch kind {
	case kindPlain:
		data := make([]byte, n)
		if _, err := io.ReadFull(r, data); err != nil {
			return "", err
		}
		return string(data), nil

	case kindInt8:
		var v int8
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return "", err
		}
		return strconv.Itoa(int(v)), nil

	case kindInt16:
		var v int16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return "", err
		}
		return strconv.Itoa(int(v)), nil

	case kindInt32:
		var v int32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return "", err
		}
		return strconv.Itoa(int(v)), nil

	default:
		return "", fmt.Errorf("rdb: unreachable length kind %d", kind)
	}
}
