// Package server wires the RESP codec, the command layer, the keyspace,
// and the replication coordinator together: it owns the accept loop, the
// per-connection read/dispatch/reply cycle, and startup snapshot loading.
package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"redisd/internal/command"
	"redisd/internal/rdb"
	"redisd/internal/replication"
	"redisd/internal/resp"
	"redisd/internal/store"
)

// Server is a running primary or replica instance.
type Server struct {
	cfg      Config
	log      *logrus.Logger
	store    *store.Store
	identity *replication.Identity
	coord    *replication.Coordinator // nil on a replica

	listener net.Listener
}

// New constructs a Server, loading the RDB snapshot (if any) and
// resolving its primary/replica identity, but does not yet open a
// listener or connect to a master.
func New(cfg Config, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	kv := store.New()
	if cfg.Dir != "" {
		kv.SetConfig("dir", cfg.Dir)
	}
	if cfg.DBFilename != "" {
		kv.SetConfig("file_name", cfg.DBFilename)
	}

	if cfg.Dir != "" && cfg.DBFilename != "" {
		path := filepath.Join(cfg.Dir, cfg.DBFilename)
		snap, err := rdb.Load(path)
		if err != nil {
			log.WithError(err).Warn("server: failed to load RDB snapshot, starting with empty keyspace")
		} else if snap != nil {
			kv.LoadSnapshot(snap.Values, snap.Expiries)
			log.WithField("path", path).WithField("keys", len(snap.Values)).Info("server: loaded snapshot")
		}
	}

	s := &Server{cfg: cfg, log: log, store: kv}

	if cfg.IsReplica() {
		s.identity = replication.NewReplicaIdentity(cfg.Port, cfg.MasterHost, cfg.MasterPort)
	} else {
		s.identity = replication.NewPrimaryIdentity(cfg.Port)
		s.coord = replication.NewCoordinator()
	}

	return s, nil
}

// Start opens the listener, performs the replica handshake if configured
// as a replica, and serves connections until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "server: listen on %s", addr)
	}
	s.listener = listener
	s.log.WithField("addr", addr).Info("server: listening")

	if s.cfg.IsReplica() {
		if _, err := replication.Handshake(s.cfg.MasterHost, s.cfg.MasterPort, s.cfg.Port, s.applyReplicated); err != nil {
			s.log.WithError(err).Warn("server: replica handshake failed, continuing standalone")
		}
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return errors.Wrap(err, "server: accept")
			}
		}
		go s.handleConnection(conn)
	}
}

// applyReplicated executes a command streamed from the primary against
// the local keyspace. It never produces a reply.
func (s *Server) applyReplicated(cmd command.Command) {
	if set, ok := cmd.(command.Set); ok {
		s.store.Set(set.Key, set.Value, set.ExpiresAt)
	}
}

// handleConnection is the per-connection read loop: decode a frame,
// dispatch it, write the reply fully, and decode the next one. It ends on
// EOF or an irrecoverable error, per spec.md §4.E.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	log := s.log.WithField("remote", conn.RemoteAddr().String())
	dec := resp.NewDecoder(conn)

	for {
		frame, err := dec.ReadFrame()
		if err != nil {
			log.WithError(err).Debug("server: connection closed")
			return
		}

		cmd, err := command.FromFrame(frame)
		if err != nil {
			if _, ok := err.(command.ErrUnknownVerb); ok {
				// Unknown verbs are silently skipped, per spec.md §4.A.
				continue
			}
			log.WithError(err).Warn("server: dropping malformed command")
			continue
		}

		replies := s.dispatch(conn, cmd)
		for _, reply := range replies {
			if _, err := conn.Write(reply); err != nil {
				log.WithError(err).Debug("server: write failed, closing connection")
				return
			}
		}
	}
}

// dispatch executes a command against the keyspace/identity and returns
// the reply frame(s) to write, in order. PSYNC is the only command that
// produces two. conn is needed only by PSYNC, which registers the raw
// connection with the replication coordinator.
func (s *Server) dispatch(conn net.Conn, cmd command.Command) [][]byte {
	switch c := cmd.(type) {
	case command.Ping:
		return [][]byte{resp.Encode(resp.BulkString{Text: "PONG"})}

	case command.Echo:
		return [][]byte{resp.Encode(resp.BulkString{Text: c.Text})}

	case command.Get:
		value, ok := s.store.Get(c.Key)
		if !ok {
			return [][]byte{resp.Encode(resp.NullBulkString())}
		}
		return [][]byte{resp.Encode(resp.BulkString{Text: value})}

	case command.Set:
		s.store.Set(c.Key, c.Value, c.ExpiresAt)
		if s.coord != nil {
			s.coord.Broadcast(command.Encode(c))
		}
		return [][]byte{resp.Encode(resp.SimpleString("OK"))}

	case command.ConfigGet:
		value, ok := s.store.ConfigGet(c.Param)
		if !ok {
			return [][]byte{resp.Encode(resp.NullBulkString())}
		}
		return [][]byte{resp.Encode(resp.Array{
			resp.BulkString{Text: c.Param},
			resp.BulkString{Text: value},
		})}

	case command.Keys:
		keys := s.store.Keys()
		items := make(resp.Array, len(keys))
		for i, k := range keys {
			items[i] = resp.BulkString{Text: k}
		}
		return [][]byte{resp.Encode(items)}

	case command.Info:
		return [][]byte{resp.Encode(resp.BulkString{Text: s.infoText(c.Section)})}

	case command.ReplConf:
		return [][]byte{resp.Encode(resp.SimpleString("OK"))}

	case command.Psync:
		return s.handlePsync(conn)

	default:
		return nil
	}
}

// handlePsync implements both sides of spec.md §4.F's PSYNC table entry.
// A replica always answers its own inbound PSYNC (it should never receive
// one as a server in this spec) with the null bulk; a primary replies
// FULLRESYNC followed by the snapshot bulk and registers the connection
// as a replica stream.
func (s *Server) handlePsync(conn net.Conn) [][]byte {
	if s.coord == nil {
		return [][]byte{resp.Encode(resp.NullBulkString())}
	}

	fullresync := resp.Encode(resp.SimpleString(fmt.Sprintf("FULLRESYNC %s %d", s.identity.ReplID, s.identity.ReplOffset)))
	snapshot := rdb.EmptyPayload()
	snapshotFrame := []byte(fmt.Sprintf("$%d\r\n", len(snapshot)))
	snapshotFrame = append(snapshotFrame, snapshot...)

	s.coord.Register(conn)

	return [][]byte{fullresync, snapshotFrame}
}

// infoText renders the reply body for INFO. Only the "replication"
// section is populated; any other section name (including "all") returns
// the same body, matching spec.md §4.A's arity table.
func (s *Server) infoText(section string) string {
	_ = section
	text := fmt.Sprintf("# Replication \r\nrole:%s\r\n", s.identity.Role)
	if s.identity.Role == replication.RolePrimary {
		text += fmt.Sprintf("master_replid:%s\r\n", s.identity.ReplID)
		text += fmt.Sprintf("master_repl_offset:%s\r\n", strconv.FormatInt(s.identity.ReplOffset, 10))
	}
	return text
}
