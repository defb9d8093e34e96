package registry

import "sync"

// Conn is one live transport connection. Send must not block; it reports
// whether the frame was accepted for delivery.
type Conn interface {
	ID() string
	Send(frame []byte) bool
}

// ConnSet is the set of live connections used for fan-out.
type ConnSet struct {
	mu    sync.RWMutex
	conns map[string]Conn
}

func NewConnSet() *ConnSet {
	return &ConnSet{conns: make(map[string]Conn)}
}

// Add inserts c. It returns false if a connection with the same id is
// already present.
func (s *ConnSet) Add(c Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.ID()]; ok {
		return false
	}
	s.conns[c.ID()] = c
	return true
}

func (s *ConnSet) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[id]; !ok {
		return false
	}
	delete(s.conns, id)
	return true
}

func (s *ConnSet) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.conns[id]
	return ok
}

func (s *ConnSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// SendTo delivers frame to a single connection.
func (s *ConnSet) SendTo(id string, frame []byte) bool {
	s.mu.RLock()
	c, ok := s.conns[id]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Send(frame)
}

// SendToAll delivers frame to every connection and returns how many accepted
// it.
func (s *ConnSet) SendToAll(frame []byte) int {
	return s.SendToAllExcept("", frame)
}

// SendToAllExcept is SendToAll skipping the connection with the given id.
func (s *ConnSet) SendToAllExcept(id string, frame []byte) int {
	s.mu.RLock()
	targets := make([]Conn, 0, len(s.conns))
	for cid, c := range s.conns {
		if id != "" && cid == id {
			continue
		}
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.Send(frame) {
			sent++
		}
	}
	return sent
}
