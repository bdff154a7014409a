package cluster

import "sync"

// Membership answers who this node is, who the master is, and who the
// other peers are, for replication fan-out and repair's peer
// selection.
type Membership interface {
	Self() Peer
	Master() Peer
	Peers() []Peer // excludes Self
}

// StaticMembership is a fixed peer list set at startup, refreshed by
// calling SetPeers (e.g. on a config reload or view change).
type StaticMembership struct {
	mu     sync.RWMutex
	self   Peer
	master Peer
	peers  []Peer
}

// NewStaticMembership returns a Membership seeded with self, master,
// and the full peer set (self is excluded from Peers automatically).
func NewStaticMembership(self, master Peer, all []Peer) *StaticMembership {
	m := &StaticMembership{self: self, master: master}
	m.SetPeers(all)
	return m
}

func (m *StaticMembership) Self() Peer   { return m.self }
func (m *StaticMembership) Master() Peer { return m.master }

func (m *StaticMembership) Peers() []Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Peer, len(m.peers))
	copy(out, m.peers)
	return out
}

// SetPeers replaces the peer set, filtering out self.
func (m *StaticMembership) SetPeers(all []Peer) {
	filtered := make([]Peer, 0, len(all))
	for _, p := range all {
		if p.ID != m.self.ID {
			filtered = append(filtered, p)
		}
	}
	m.mu.Lock()
	m.peers = filtered
	m.mu.Unlock()
}
