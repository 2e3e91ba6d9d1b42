package replication

import (
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Coordinator holds a primary's set of attached replica streams and fans
// writes out to all of them. It is unused on a replica.
type Coordinator struct {
	mu      sync.Mutex
	streams map[string]net.Conn
}

// NewCoordinator returns an empty replica-stream registry.
func NewCoordinator() *Coordinator {
	return &Coordinator{streams: make(map[string]net.Conn)}
}

// Register adds a connection that has just completed PSYNC, returning the
// id it was registered under. Ids are random per spec.md's note that a
// remote address is not a safe key across reconnect races.
func (c *Coordinator) Register(conn net.Conn) string {
	id := uuid.New().String()

	c.mu.Lock()
	c.streams[id] = conn
	c.mu.Unlock()

	return id
}

// Remove drops a replica stream, e.g. after a failed fan-out write.
func (c *Coordinator) Remove(id string) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

// Broadcast fans a replicated command's wire bytes out to every attached
// replica. This is fire-and-forget: a write failure drops that replica
// from the set and does not affect delivery to the others, per spec.md
// §4.F / §5.
func (c *Coordinator) Broadcast(payload []byte) {
	c.mu.Lock()
	targets := make(map[string]net.Conn, len(c.streams))
	for id, conn := range c.streams {
		targets[id] = conn
	}
	c.mu.Unlock()

	for id, conn := range targets {
		if _, err := conn.Write(payload); err != nil {
			logrus.WithError(err).WithField("replica", id).Warn("replication: fan-out write failed, dropping replica")
			c.Remove(id)
		}
	}
}

// Count reports the number of currently attached replica streams.
func (c *Coordinator) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.streams)
}
