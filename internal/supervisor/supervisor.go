// Package supervisor owns the process-wide {connection id -> secret key}
// table: every accepted connection registers a fresh (id, secret) pair
// during its handshake, and a CancelRequest is only honored when it
// quotes back the exact pair a live connection was given.
package supervisor

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// Conn is the per-connection state the supervisor tracks: enough to
// verify a CancelRequest and to ask the connection to abort its current
// statement at the next row boundary.
type Conn struct {
	ID     uint32
	Secret uint32

	mu       sync.Mutex
	canceled bool
}

// Cancel marks the connection as canceled; the executor polls Canceled
// at each row boundary on the connection's behalf (Conn satisfies
// executor.CancelToken).
func (c *Conn) Cancel() {
	c.mu.Lock()
	c.canceled = true
	c.mu.Unlock()
}

// Canceled reports whether Cancel has been called, and clears the flag.
// Each positive poll consumes one pending cancellation, matching
// PostgreSQL's own cancel semantics: it aborts the statement in flight,
// not every statement thereafter.
func (c *Conn) Canceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.canceled {
		c.canceled = false
		return true
	}
	return false
}

// Supervisor is the single process-wide registry every accepted
// connection registers with during its handshake and deregisters from on
// close.
type Supervisor struct {
	mu     sync.Mutex
	conns  map[uint32]*Conn
	nextID uint32
}

func New() *Supervisor {
	return &Supervisor{conns: make(map[uint32]*Conn)}
}

// Register allocates a fresh (id, secret) pair for a newly handshaking
// connection. The secret is a capability token, so it comes from
// crypto/rand rather than a seeded PRNG.
func (s *Supervisor) Register() (*Conn, error) {
	secret, err := randUint32()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := &Conn{ID: s.nextID, Secret: secret}
	s.conns[c.ID] = c
	return c, nil
}

// Unregister removes a connection at close.
func (s *Supervisor) Unregister(id uint32) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// Cancel verifies (id, secret) against the registry and, if it matches a
// live connection, marks that connection canceled. It reports whether
// the pair was recognized; an unrecognized pair is not an error, since
// CancelRequest gets no reply on the wire in any case.
func (s *Supervisor) Cancel(id, secret uint32) bool {
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok || c.Secret != secret {
		return false
	}
	c.Cancel()
	return true
}

func randUint32() (uint32, error) {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}
