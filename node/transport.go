package node

import "net"

// Conn is the stream-socket abstraction Node consumes. The raw SCTP
// transport library is out of scope for this package (spec §1). Node itself
// only listens on and dials TCP, wrapping each connection with NewTCPConn;
// it has no method that accepts a Conn built elsewhere, so no SCTP Conn
// ships or can be plugged in. A plain TCP connection has no unordered mode,
// so its SendUnordered is simply Write.
type Conn interface {
	net.Conn

	// SendUnordered sends b without requiring in-order delivery relative
	// to other pending sends, when the underlying transport supports it
	// (SCTP). For transports with no such concept (TCP) it behaves like
	// Write.
	SendUnordered(b []byte) (int, error)
}

// Linger is implemented by Conns that can toggle an abortive close
// (SO_LINGER with a zero timeout, sending RST instead of the usual FIN
// exchange). Node uses this on hard teardown paths (malformed peer or
// CER, write failure, timeout, sockets still open when Stop gives up
// waiting) so a misbehaving peer's socket doesn't sit in the local
// TIME_WAIT queue; a graceful DPR/DPA-negotiated close, or a CEA carrying
// an error Result-Code, skips it. Conn implementations with no linger concept (SCTP) may omit
// it — Node type-asserts before using it.
type Linger interface {
	SetLinger(sec int) error
}

type tcpConn struct {
	*net.TCPConn
}

// NewTCPConn adapts a *net.TCPConn to the Conn interface.
func NewTCPConn(c *net.TCPConn) Conn {
	return &tcpConn{c}
}

func (c *tcpConn) SendUnordered(b []byte) (int, error) {
	return c.Write(b)
}

func (c *tcpConn) SetLinger(sec int) error {
	return c.TCPConn.SetLinger(sec)
}
