package node

import (
	"net"
	"time"
)

// Transport identifies the stream-socket family a PeerConfig connects
// over. The raw SCTP transport library itself is out of scope for this
// package (see Conn). Node records the value on each Peer, but dials TCP
// whatever it says, and every write goes through Conn.SendUnordered, which
// for a TCP Conn is a plain Write.
type Transport int

const (
	TransportTCP Transport = iota
	TransportSCTP
)

// PeerConfig is the declarative configuration for a peer this Node may
// connect to or accept connections from. It is not the connection itself
// — that runtime state lives in Peer, created fresh every time a
// transport opens.
type PeerConfig struct {
	NodeName  string
	Realm     string
	Transport Transport
	IPs       []net.IP
	Port      int

	// Persistent peers are automatically (re)connected by Node whenever
	// they are not currently connected.
	Persistent    bool
	ReconnectWait time.Duration

	// Per-peer timer overrides; zero means "use the Node default".
	CERTimeout time.Duration
	CEATimeout time.Duration
	DWATimeout time.Duration
	IdleTimeout time.Duration

	Counters         PeerCounters
	LastConnectedAt  time.Time
	LastDisconnectAt time.Time

	// peerIdent is set by Node once a live Peer exists for this config,
	// cleared again on disconnect. Empty means "not currently connected".
	peerIdent string
}

// PeerCounters tracks cumulative traffic for a configured peer, used by
// Node.RouteRequest to prefer the least-used peer among equally eligible
// candidates.
type PeerCounters struct {
	Requests uint64
	Answers  uint64
}

// IsConnected reports whether Node currently has a live Peer for this
// configuration.
func (c *PeerConfig) IsConnected() bool {
	return c.peerIdent != ""
}
