package node

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-logr/logr"

	"github.com/dmtrstack/diameter"
)

// Diameter command codes this package handles directly (RFC 6733 §3.2).
const (
	CmdCapabilitiesExchange = 257
	CmdDeviceWatchdog       = 280
	CmdDisconnectPeer       = 282
)

var errNotRoutable = errors.New("no peer available to route this message")

// newOriginStateID returns a random 32-bit value for Node.OriginStateID.
func newOriginStateID() uint32 {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(b)
}

// NotRoutable is returned by RouteRequest and RouteAnswer when no eligible
// peer (or no waiting correlation entry) can be found for a message.
type NotRoutable struct {
	Reason string
}

func (e *NotRoutable) Error() string { return "not routable: " + e.Reason }
func (e *NotRoutable) Unwrap() error { return errNotRoutable }

// Application is the contract Node uses to dispatch requests and route
// answers without importing the concrete application types in this file;
// the richer Application implementations (Application and
// ThreadingApplication, the latter also built by NewSimpleThreadingApplication)
// live in application.go.
type Application interface {
	// ApplicationID returns the auth or acct application id this
	// Application handles.
	ApplicationID() uint32

	// deliverRequest hands a fully validated incoming request to the
	// application. Implementations must not block the multiplexer: base
	// Application runs handleRequest synchronously (it is expected to be
	// fast), ThreadingApplication spawns a goroutine per request.
	deliverRequest(peer *Peer, msg *diameter.Message)

	// deliverAnswer hands an incoming answer matched to a previously sent
	// request back to the application's waiter, if any.
	deliverAnswer(msg *diameter.Message)

	// RequiredAVPs lists the AVP codes (vendor id 0) a request dispatched
	// to this application must carry, per its own catalogue. dispatchAppRequest
	// checks these before delivery; an application with none returns nil.
	RequiredAVPs() []uint32

	// Stop unblocks every SendRequest call this application has waiting on
	// an answer, called once by Node.Stop after the multiplexer has
	// already exited so no further answer can race the shutdown.
	Stop()

	// bindNode gives the application a back-reference to its owning Node,
	// set once by Node.AddApplication.
	bindNode(n *Node)
}

// peerRoute is the per-realm routing table entry: an application-specific
// peer list, falling back to defaultPeers when no entry matches the
// requesting application (spec §4.6 "_default" routing list).
type peerRoute struct {
	byApplication map[Application][]*PeerConfig
	defaultPeers  []*PeerConfig
}

// Node is a single Diameter node: it owns every listening socket and Peer
// connection, performs Capabilities-Exchange, Device-Watchdog and
// Disconnect-Peer locally, and routes application requests/answers to and
// from registered Applications. All socket and Peer-table mutation happens
// on the multiplexer goroutine started by Start; the only state touched
// from other goroutines (application goroutines calling RouteRequest,
// RouteAnswer, or a Peer's AddOutMsg) is guarded by mu.
type Node struct {
	Identity           DiameterEntity
	SupportedVendorIDs []uint32

	// OriginStateID identifies this node's current run; it is randomized at
	// startup and advertised on CER/CEA/DWR so a peer can detect that we
	// restarted between two connections (RFC 6733 §8.16).
	OriginStateID uint32

	TCPPort  int
	SCTPPort int

	CERTimeout  time.Duration
	CEATimeout  time.Duration
	DWATimeout  time.Duration
	IdleTimeout time.Duration

	Logger logr.Logger

	endToEnd *diameter.EndToEndIdGenerator

	mu              sync.Mutex
	peers           map[string]*Peer
	conns           map[string]Conn
	configuredPeers map[string]*PeerConfig // keyed by lower-cased node name / origin host
	routes          map[string]*peerRoute  // keyed by realm name
	applications    []Application

	requestWaiters map[string]Application // "hbh:e2e" -> app awaiting an answer from the network
	answerRoutes   map[string]*Peer        // "hbh:e2e" -> peer awaiting our answer to an incoming request

	interrupt chan string
	stop      chan struct{}
	stopped   chan struct{}
	stopping  bool

	listeners []net.Listener
}

// NewNode creates a Node identified by originHost/realm. Call AddPeer and
// AddApplication to configure it, then Start.
func NewNode(originHost, realm string, hostIPs []net.IP, vendorID uint32, productName string) *Node {
	return &Node{
		Identity: DiameterEntity{
			OriginHost:      originHost,
			OriginRealm:     realm,
			HostIPAddresses: hostIPs,
			VendorID:        vendorID,
			ProductName:     productName,
		},
		OriginStateID:   newOriginStateID(),
		CERTimeout:      10 * time.Second,
		CEATimeout:      10 * time.Second,
		DWATimeout:      10 * time.Second,
		IdleTimeout:     30 * time.Second,
		Logger:          logr.Discard(),
		endToEnd:        diameter.NewEndToEndIdGenerator(),
		peers:           make(map[string]*Peer),
		conns:           make(map[string]Conn),
		configuredPeers: make(map[string]*PeerConfig),
		routes:          make(map[string]*peerRoute),
		requestWaiters:  make(map[string]Application),
		answerRoutes:    make(map[string]*Peer),
		interrupt:       make(chan string, 64),
		stop:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
}

// AddPeer registers a configured peer. appsForRoutes, if non-empty, scopes
// this peer to only those applications' routing lists; an empty list adds
// it to the realm's default routing list instead.
func (n *Node) AddPeer(cfg *PeerConfig, appsForRoutes ...Application) {
	key := strings.ToLower(cfg.NodeName)

	n.mu.Lock()
	defer n.mu.Unlock()

	n.configuredPeers[key] = cfg

	route, ok := n.routes[strings.ToLower(cfg.Realm)]
	if !ok {
		route = &peerRoute{byApplication: make(map[Application][]*PeerConfig)}
		n.routes[strings.ToLower(cfg.Realm)] = route
	}

	if len(appsForRoutes) == 0 {
		route.defaultPeers = append(route.defaultPeers, cfg)
		return
	}
	for _, app := range appsForRoutes {
		route.byApplication[app] = append(route.byApplication[app], cfg)
	}
}

// AddApplication registers an application so its auth/acct application id
// is offered during Capabilities-Exchange and so it may receive requests.
func (n *Node) AddApplication(app Application) {
	app.bindNode(n)

	n.mu.Lock()
	defer n.mu.Unlock()
	n.applications = append(n.applications, app)
	n.Identity.AuthApplicationIDs = appendUniqueUint32(n.Identity.AuthApplicationIDs, app.ApplicationID())
}

func appendUniqueUint32(s []uint32, v uint32) []uint32 {
	for _, x := range s {
		if x == v {
			return s
		}
	}
	return append(s, v)
}

// applicationByID finds a registered application by id; nil if none.
func (n *Node) applicationByID(id uint32) Application {
	for _, app := range n.applications {
		if app.ApplicationID() == id {
			return app
		}
	}
	return nil
}

// Start creates listening sockets (TCP only — SCTP requires a transport
// this package does not itself dial/accept, see Conn), launches the
// multiplexer goroutine, and connects every persistent configured peer.
func (n *Node) Start() error {
	if n.TCPPort != 0 {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", n.TCPPort))
		if err != nil {
			return fmt.Errorf("listening on tcp port %d: %w", n.TCPPort, err)
		}
		n.listeners = append(n.listeners, l)
		go n.acceptLoop(l)
	}

	go n.multiplex()

	n.mu.Lock()
	configured := make([]*PeerConfig, 0, len(n.configuredPeers))
	for _, cfg := range n.configuredPeers {
		configured = append(configured, cfg)
	}
	n.mu.Unlock()

	for _, cfg := range configured {
		if cfg.Persistent {
			go n.connectToPeer(cfg)
		}
	}

	return nil
}

// Stop gracefully (or, if force, immediately) tears the node down: Ready
// peers are sent a DPR and given waitTimeout to drain before their sockets
// are forced closed; listening sockets are always closed last.
func (n *Node) Stop(waitTimeout time.Duration, force bool) {
	n.mu.Lock()
	n.stopping = true
	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}
	n.mu.Unlock()

	if !force {
		for _, p := range peers {
			if p.State().IsReady() {
				n.sendDPR(p)
			}
		}

		deadline := time.After(waitTimeout)
	waitLoop:
		for {
			n.mu.Lock()
			remaining := len(n.peers)
			n.mu.Unlock()
			if remaining == 0 {
				break
			}
			select {
			case <-deadline:
				break waitLoop
			case <-time.After(100 * time.Millisecond):
			}
		}
	}

	close(n.stop)
	<-n.stopped

	n.mu.Lock()
	apps := make([]Application, len(n.applications))
	copy(apps, n.applications)
	n.mu.Unlock()
	for _, app := range apps {
		app.Stop()
	}

	n.mu.Lock()
	remaining := make([]Conn, 0, len(n.conns))
	for _, c := range n.conns {
		remaining = append(remaining, c)
	}
	n.mu.Unlock()
	for _, c := range remaining {
		if l, ok := c.(Linger); ok {
			l.SetLinger(0)
		}
		c.Close()
	}

	for _, l := range n.listeners {
		l.Close()
	}
}

// acceptLoop accepts inbound TCP connections and registers a receiving
// Peer for each one, per spec §4.6 step 4.
func (n *Node) acceptLoop(l net.Listener) {
	for {
		c, err := l.Accept()
		if err != nil {
			return
		}

		tcpConn, ok := c.(*net.TCPConn)
		if !ok {
			c.Close()
			continue
		}

		conn := NewTCPConn(tcpConn)
		remoteAddr, _ := net.ResolveTCPAddr("tcp", c.RemoteAddr().String())

		peer := NewPeer(DirectionReceiver, TransportTCP, remoteAddr.IP, remoteAddr.Port, n.interrupt, StateConnected)
		peer.ResetLastRead()

		n.mu.Lock()
		if n.stopping {
			n.mu.Unlock()
			c.Close()
			continue
		}
		n.peers[peer.Ident] = peer
		n.conns[peer.Ident] = conn
		n.mu.Unlock()

		n.Logger.Info("accepted peer connection", "peer", peer.Ident, "remote", c.RemoteAddr().String())
		go n.readLoop(peer, conn)
	}
}

// connectToPeer dials a configured peer and registers a sending Peer for
// it. Persistent peers are retried by the multiplexer's reconnect sweep.
func (n *Node) connectToPeer(cfg *PeerConfig) {
	if cfg.IsConnected() || len(cfg.IPs) == 0 {
		return
	}

	c, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", cfg.IPs[0], cfg.Port), 5*time.Second)
	if err != nil {
		n.Logger.Error(err, "failed to connect to peer", "peer", cfg.NodeName)
		return
	}

	tcpConn := c.(*net.TCPConn)
	conn := NewTCPConn(tcpConn)

	peer := NewPeer(DirectionSender, cfg.Transport, net.ParseIP(cfg.IPs[0].String()), cfg.Port, n.interrupt, StateConnected)
	peer.Config = cfg
	peer.ResetLastRead()

	n.mu.Lock()
	cfg.peerIdent = peer.Ident
	cfg.LastConnectedAt = time.Now()
	n.peers[peer.Ident] = peer
	n.conns[peer.Ident] = conn
	n.mu.Unlock()

	n.Logger.Info("connected to peer", "peer", peer.Ident, "node_name", cfg.NodeName)
	go n.readLoop(peer, conn)
	n.sendCER(peer)
}

// readLoop is the per-connection reader: it only appends raw bytes to the
// Peer's inbound queue and wakes the multiplexer, never parsing or
// dispatching itself, so Peer state and the routing tables are only ever
// touched from the multiplexer goroutine.
func (n *Node) readLoop(peer *Peer, conn Conn) {
	buf := make([]byte, 2048)
	for {
		nRead, err := conn.Read(buf)
		if nRead > 0 {
			peer.AddInBytes(buf[:nRead])
			peer.ResetLastRead()
			peer.DemandAttention()
		}
		if err != nil {
			peer.Close(true)
			return
		}
	}
}

// multiplex is the single goroutine that owns dispatch, state transitions,
// and socket writes for every Peer. It wakes on a peer interrupt or a
// periodic timer tick; it never itself blocks on a socket read.
func (n *Node) multiplex() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	defer close(n.stopped)

	for {
		select {
		case <-n.stop:
			return

		case ident := <-n.interrupt:
			n.service(ident)

		case <-ticker.C:
			n.mu.Lock()
			idents := make([]string, 0, len(n.peers))
			for id := range n.peers {
				idents = append(idents, id)
			}
			n.mu.Unlock()

			for _, id := range idents {
				n.checkTimers(id)
			}
			n.reconnectPersistentPeers()
		}
	}
}

// service handles one peer interrupt: drain and dispatch any complete
// inbound messages, flush the outbound write buffer, and tear the peer
// down if it has reached a terminal state.
func (n *Node) service(ident string) {
	n.mu.Lock()
	peer := n.peers[ident]
	conn := n.conns[ident]
	n.mu.Unlock()

	if peer == nil || conn == nil {
		return
	}

	messages, err := peer.drainReadyMessages()
	for _, msg := range messages {
		n.dispatch(peer, msg)
	}
	if err != nil {
		n.Logger.Error(err, "malformed message stream, closing peer", "peer", ident)
		n.removePeer(peer, conn, true)
		return
	}

	peer.encodeQueuedMessages()
	if out := peer.WriteBuffer(); len(out) > 0 {
		written, werr := conn.SendUnordered(out)
		if written > 0 {
			peer.RemoveOutBytes(written)
		}
		if werr != nil && !isSoftSocketError(werr) {
			n.removePeer(peer, conn, true)
			return
		}
	}

	if peer.State() == StateClosed {
		n.removePeer(peer, conn, true)
		return
	}
	if peer.State() == StateClosing && len(peer.WriteBuffer()) == 0 {
		n.removePeer(peer, conn, false)
	}
}

// removePeer tears down the transport and forgets the peer, clearing its
// PeerConfig slot (if any) so a later reconnect attempt may succeed.
// abortive forces SO_LINGER to 0 first, for peers torn down outside a
// negotiated DPR/DPA exchange (malformed stream, write failure, malformed
// CER, timeout) so the socket doesn't linger in TIME_WAIT. A CER answered
// with an error Result-Code is closed gracefully once the CEA flushes.
func (n *Node) removePeer(peer *Peer, conn Conn, abortive bool) {
	if abortive {
		if l, ok := conn.(Linger); ok {
			if err := l.SetLinger(0); err != nil {
				n.Logger.V(1).Info("failed to set abortive linger", "peer", peer.Ident, "error", err.Error())
			}
		}
	}
	conn.Close()

	n.mu.Lock()
	delete(n.peers, peer.Ident)
	delete(n.conns, peer.Ident)
	if peer.Config != nil {
		peer.Config.peerIdent = ""
		peer.Config.LastDisconnectAt = time.Now()
	}
	n.mu.Unlock()

	n.Logger.Info("peer removed", "peer", peer.Ident)
}

// reconnectPersistentPeers (re)connects any configured persistent peer
// that is not currently connected and has waited out its reconnect delay.
func (n *Node) reconnectPersistentPeers() {
	n.mu.Lock()
	var due []*PeerConfig
	for _, cfg := range n.configuredPeers {
		if !cfg.Persistent || cfg.IsConnected() {
			continue
		}
		if cfg.LastDisconnectAt.IsZero() || time.Since(cfg.LastDisconnectAt) >= cfg.ReconnectWait {
			due = append(due, cfg)
		}
	}
	n.mu.Unlock()

	for _, cfg := range due {
		go n.connectToPeer(cfg)
	}
}

// checkTimers applies §5's cer/cea/idle/dwa timeout rules to one peer.
func (n *Node) checkTimers(ident string) {
	n.mu.Lock()
	peer := n.peers[ident]
	conn := n.conns[ident]
	n.mu.Unlock()
	if peer == nil || conn == nil {
		return
	}

	now := time.Now()
	cerTimeout, ceaTimeout, dwaTimeout, idleTimeout := n.CERTimeout, n.CEATimeout, n.DWATimeout, n.IdleTimeout
	if cfg := peer.Config; cfg != nil {
		if cfg.CERTimeout != 0 {
			cerTimeout = cfg.CERTimeout
		}
		if cfg.CEATimeout != 0 {
			ceaTimeout = cfg.CEATimeout
		}
		if cfg.DWATimeout != 0 {
			dwaTimeout = cfg.DWATimeout
		}
		if cfg.IdleTimeout != 0 {
			idleTimeout = cfg.IdleTimeout
		}
	}

	switch peer.State() {
	case StateConnected:
		timeout := cerTimeout
		if peer.Direction == DirectionSender {
			timeout = ceaTimeout
		}
		if peer.IdleDuration(now) > timeout {
			n.Logger.Info("peer exceeded CER/CEA timeout, closing", "peer", ident)
			peer.Close(true)
		}
	case StateReadyAwaitingDWA:
		if peer.DWAWaitDuration(now) > dwaTimeout {
			n.Logger.Info("peer exceeded DWA timeout, closing", "peer", ident)
			peer.Close(true)
		}
	case StateReady:
		if peer.IdleDuration(now) > idleTimeout {
			n.sendDWR(peer)
		}
	}
}

// isSoftSocketError reports whether err is a transient condition the
// multiplexer should retry rather than treat as a dead connection.
func isSoftSocketError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) ||
		errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.ENOBUFS)
}

// dispatch routes one fully framed incoming message: base-protocol
// commands (CER/CEA/DWR/DWA/DPR/DPA) are handled locally; everything else
// is validated and handed to an Application.
func (n *Node) dispatch(peer *Peer, msg *diameter.Message) {
	peer.ResetLastMessage()

	switch peer.State() {
	case StateConnecting, StateConnected:
		// RFC 6733 §5.6: before Capabilities-Exchange completes, accept
		// only a CER (if RECV) or CEA (if SEND); anything else (including
		// a DWR/DPR racing ahead of the handshake) is logged and dropped.
		if msg.Code != CmdCapabilitiesExchange || msg.IsRequest() != (peer.Direction == DirectionReceiver) {
			n.Logger.Info("dropping message received before capabilities exchange completed", "peer", peer.Ident, "code", msg.Code)
			return
		}
		if msg.IsRequest() {
			n.receiveCER(peer, msg)
		} else {
			n.receiveCEA(peer, msg)
		}
		return
	}

	switch msg.Code {
	case CmdCapabilitiesExchange:
		if msg.IsRequest() {
			n.receiveCER(peer, msg)
		} else {
			n.receiveCEA(peer, msg)
		}
		return
	case CmdDeviceWatchdog:
		if msg.IsRequest() {
			n.receiveDWR(peer, msg)
		} else {
			n.receiveDWA(peer, msg)
		}
		return
	case CmdDisconnectPeer:
		if msg.IsRequest() {
			n.receiveDPR(peer, msg)
		} else {
			n.receiveDPA(peer, msg)
		}
		return
	}

	if !peer.State().IsReady() {
		// Peer is tearing down (Disconnecting/Closing/Closed): no
		// application traffic is accepted outside Ready.
		return
	}

	if msg.IsRequest() {
		n.dispatchAppRequest(peer, msg)
		return
	}

	n.dispatchAppAnswer(msg)
}

// dispatchAppRequest validates a received request per §4.6 "Dispatching
// received requests to applications" and delivers it, or auto-answers.
func (n *Node) dispatchAppRequest(peer *Peer, msg *diameter.Message) {
	if destRealm := msg.FirstAvpMatching(0, AvpCodeDestinationRealm); destRealm != nil {
		realm, err := diameter.ConvertAVPDataToTypedData(destRealm.Data, diameter.DiamIdent)
		if err == nil && !strings.EqualFold(realm.(string), n.Identity.OriginRealm) {
			n.autoAnswer(peer, msg, ResultCodeRealmNotServed, "realm not served by this node")
			return
		}
	}

	app := n.applicationByID(msg.AppID)
	if app == nil {
		n.autoAnswer(peer, msg, ResultCodeApplicationUnsupported, "no application registered for this application id")
		return
	}

	for _, code := range app.RequiredAVPs() {
		if msg.NumberOfTopLevelAvpsMatching(0, diameter.Uint24(code)) > 0 {
			continue
		}
		n.Logger.Info("request missing a required AVP", "peer", peer.Ident, "app_id", msg.AppID, "avp_code", code)
		answer := n.generateAnswer(msg)
		setResultCode(answer, ResultCodeMissingAvp)
		failedAvp := diameter.NewAVP(code, 0, false, nil)
		answer.Avps = append(answer.Avps, dictAVP("Failed-AVP", true, []*diameter.AVP{failedAvp}))
		peer.AddOutMsg(answer)
		return
	}

	key := correlationKey(msg)
	n.mu.Lock()
	n.answerRoutes[key] = peer
	n.mu.Unlock()

	app.deliverRequest(peer, msg)
}

// dispatchAppAnswer matches an incoming answer to the application that
// sent the originating request, per §4.6's awaiting_answer table.
func (n *Node) dispatchAppAnswer(msg *diameter.Message) {
	key := correlationKey(msg)

	n.mu.Lock()
	app, ok := n.requestWaiters[key]
	if ok {
		delete(n.requestWaiters, key)
	}
	n.mu.Unlock()

	if !ok {
		n.Logger.V(1).Info("dropping unsolicited answer", "hop_by_hop", msg.HopByHopID)
		return
	}
	app.deliverAnswer(msg)
}

// autoAnswer builds and enqueues a base-protocol-generated error answer,
// used when dispatchAppRequest rejects a request before it ever reaches an
// application.
func (n *Node) autoAnswer(peer *Peer, request *diameter.Message, resultCode uint32, reason string) {
	n.Logger.Info(reason, "peer", peer.Ident, "app_id", request.AppID)
	answer := n.generateAnswer(request)
	answer.Avps = append(answer.Avps, dictAVP("Result-Code", true, resultCode))
	peer.AddOutMsg(answer)
}

// generateAnswer builds the answer shell for a request, pre-populated with
// Origin-Host/Origin-Realm and the request's Session-Id, if present.
func (n *Node) generateAnswer(request *diameter.Message) *diameter.Message {
	answer := request.ToAnswer()
	answer.Avps = append(answer.Avps, n.Identity.OriginHostAvp(), n.Identity.OriginRealmAvp())

	if sessionID := request.FirstAvpMatching(0, AvpCodeSessionID); sessionID != nil {
		answer.Avps = append(answer.Avps, dictAVP("Session-Id", true, string(sessionID.Data)))
	}

	return answer
}

func correlationKey(msg *diameter.Message) string {
	return fmt.Sprintf("%d:%d", msg.HopByHopID, msg.EndToEndID)
}

// connectionsToOriginHost returns every registered Peer other than
// excludeIdent that could collide with originHost for election purposes:
// either already-identified peers advertising that origin-host, or an
// in-flight connection (dialed but not yet through Capabilities-Exchange,
// so Identity is still nil) configured for the same peer. Without the
// latter, a CER arriving while an outbound dial to that same peer is still
// awaiting its own CEA would be invisible to election, letting both legs
// end up Ready (RFC 6733 §5.6.4 requires exactly one winner).
func (n *Node) connectionsToOriginHost(excludeIdent, originHost string, cfg *PeerConfig) []*Peer {
	n.mu.Lock()
	defer n.mu.Unlock()

	var others []*Peer
	for _, p := range n.peers {
		if p.Ident == excludeIdent {
			continue
		}
		if p.Identity != nil && strings.EqualFold(p.Identity.OriginHost, originHost) {
			others = append(others, p)
			continue
		}
		if cfg != nil && p.Config == cfg {
			others = append(others, p)
		}
	}
	return others
}

// receiveCER handles an incoming Capabilities-Exchange-Request: validates
// the peer is configured, runs the RFC 6733 §5.6.4 election algorithm
// against any other connection to the same origin-host, negotiates common
// application ids, and replies with a CEA.
func (n *Node) receiveCER(peer *Peer, msg *diameter.Message) {
	remote, err := DiameterEntityFromCapabilitiesExchangeMessage(msg)
	if err != nil {
		n.Logger.Error(err, "malformed CER", "peer", peer.Ident)
		peer.Close(true)
		return
	}

	answer := n.buildCEA(msg)
	originHost := strings.ToLower(remote.OriginHost)

	n.mu.Lock()
	cfg, known := n.configuredPeers[originHost]
	n.mu.Unlock()

	if !known {
		n.Logger.Info("CER from unknown peer, rejecting", "origin_host", remote.OriginHost)
		setResultCode(answer, ResultCodeUnknownPeer)
		peer.setState(StateClosing)
		peer.AddOutMsg(answer)
		return
	}

	otherConnections := n.connectionsToOriginHost(peer.Ident, remote.OriginHost, cfg)

	if len(otherConnections) > 0 {
		if strings.EqualFold(remote.OriginHost, n.Identity.OriginHost) {
			n.Logger.Info("CER from self, rejecting", "origin_host", remote.OriginHost)
			setResultCode(answer, ResultCodeUnknownPeer)
			peer.setState(StateClosing)
			peer.AddOutMsg(answer)
			return
		}
		if strings.ToLower(n.Identity.OriginHost) > originHost {
			n.Logger.Info("election won, closing other connections", "peer", peer.Ident, "origin_host", remote.OriginHost)
			for _, p := range otherConnections {
				p.Close(true)
			}
		} else {
			n.Logger.Info("election lost, closing this connection", "peer", peer.Ident, "origin_host", remote.OriginHost)
			setResultCode(answer, ResultCodeElectionLost)
			peer.setState(StateClosing)
			peer.AddOutMsg(answer)
			return
		}
	}

	common := commonApplicationIDs(n.Identity.AuthApplicationIDs, n.Identity.AcctApplicationIDs, remote.AuthApplicationIDs, remote.AcctApplicationIDs)
	if len(common) == 0 {
		n.Logger.Info("no common application between local and peer", "peer", peer.Ident)
		setResultCode(answer, ResultCodeNoCommonApplication)
		peer.AddOutMsg(answer)
		return
	}

	peer.Identity = remote
	peer.ApplicationIDs = common
	peer.Config = cfg
	peer.setState(StateReady)

	n.mu.Lock()
	cfg.peerIdent = peer.Ident
	cfg.LastConnectedAt = time.Now()
	n.mu.Unlock()

	n.Logger.Info("peer is now ready", "peer", peer.Ident, "origin_host", remote.OriginHost, "applications", common)

	setResultCode(answer, ResultCodeSuccess)
	peer.AddOutMsg(answer)
}

// receiveCEA handles an incoming Capabilities-Exchange-Answer: records the
// peer's identity and negotiated common application ids, and marks it Ready
// — unless another connection to the same origin-host already won election
// and is Ready, in which case this leg loses without re-running the RFC
// 6733 §5.6.4 comparison (only one connection to a peer may ever be Ready).
func (n *Node) receiveCEA(peer *Peer, msg *diameter.Message) {
	remote, err := DiameterEntityFromCapabilitiesExchangeMessage(msg)
	if err != nil {
		n.Logger.Error(err, "malformed CEA", "peer", peer.Ident)
		peer.Close(true)
		return
	}

	for _, other := range n.connectionsToOriginHost(peer.Ident, remote.OriginHost, peer.Config) {
		if other.State().IsReady() {
			n.Logger.Info("election already decided by another connection, closing this leg", "peer", peer.Ident, "origin_host", remote.OriginHost)
			peer.setState(StateClosing)
			peer.DemandAttention()
			return
		}
	}

	common := commonApplicationIDs(n.Identity.AuthApplicationIDs, n.Identity.AcctApplicationIDs, remote.AuthApplicationIDs, remote.AcctApplicationIDs)

	peer.Identity = remote
	peer.ApplicationIDs = common
	peer.setState(StateReady)

	if cfg := peer.Config; cfg != nil {
		n.mu.Lock()
		cfg.LastConnectedAt = time.Now()
		n.mu.Unlock()
	}

	n.Logger.Info("peer is now ready", "peer", peer.Ident, "origin_host", remote.OriginHost, "applications", common)
}

// receiveDWR answers a Device-Watchdog-Request locally.
func (n *Node) receiveDWR(peer *Peer, msg *diameter.Message) {
	answer := n.generateAnswer(msg)
	setResultCode(answer, ResultCodeSuccess)
	answer.Avps = append(answer.Avps, dictAVP("Origin-State-Id", true, n.OriginStateID))
	peer.AddOutMsg(answer)
}

// receiveDWA clears the peer's awaiting-DWA state.
func (n *Node) receiveDWA(peer *Peer, msg *diameter.Message) {
	peer.ResetLastDWA()
}

// receiveDPR answers a Disconnect-Peer-Request and moves the peer to
// Disconnecting; its transport is closed once the DPA write flushes.
func (n *Node) receiveDPR(peer *Peer, msg *diameter.Message) {
	answer := n.generateAnswer(msg)
	setResultCode(answer, ResultCodeSuccess)
	peer.setState(StateDisconnecting)
	peer.AddOutMsg(answer)
	peer.setState(StateClosing)
}

// receiveDPA moves the peer to Closing; the socket closes once the write
// buffer (already carrying the DPR acknowledgement path) drains.
func (n *Node) receiveDPA(peer *Peer, msg *diameter.Message) {
	peer.setState(StateClosing)
	peer.DemandAttention()
}

// sendCER builds and enqueues a Capabilities-Exchange-Request.
func (n *Node) sendCER(peer *Peer) {
	additional := []*diameter.AVP{dictAVP("Origin-State-Id", true, n.OriginStateID)}
	msg := diameter.NewMessage(diameter.MsgFlagRequest, CmdCapabilitiesExchange, 0, peer.HopByHop.Next(), n.endToEnd.Next(), n.Identity.CapabilitiesExchangeMandatoryAvps(), additional)
	peer.AddOutMsg(msg)
}

// buildCEA constructs the CEA shell for an incoming CER, populated with
// our own identity, before the caller sets its Result-Code.
func (n *Node) buildCEA(request *diameter.Message) *diameter.Message {
	answer := n.generateAnswer(request)
	answer.Avps = append(answer.Avps, n.Identity.HostIPAddressAvps()...)
	answer.Avps = append(answer.Avps, n.Identity.VendorIDAvp(), n.Identity.ProductNameAvp())
	answer.Avps = append(answer.Avps, n.Identity.AuthApplicationIDAvps()...)
	answer.Avps = append(answer.Avps, n.Identity.AcctApplicationIDAvps()...)
	for _, vendor := range n.SupportedVendorIDs {
		answer.Avps = append(answer.Avps, dictAVP("Supported-Vendor-Id", true, vendor))
	}
	answer.Avps = append(answer.Avps, dictAVP("Origin-State-Id", true, n.OriginStateID))
	return answer
}

// sendDWR builds and enqueues a Device-Watchdog-Request, moving the peer
// into Ready_Awaiting_DWA.
func (n *Node) sendDWR(peer *Peer) {
	msg := diameter.NewMessage(diameter.MsgFlagRequest, CmdDeviceWatchdog, 0, peer.HopByHop.Next(), n.endToEnd.Next(),
		[]*diameter.AVP{n.Identity.OriginHostAvp(), n.Identity.OriginRealmAvp()},
		[]*diameter.AVP{dictAVP("Origin-State-Id", true, n.OriginStateID)})
	peer.AddOutMsg(msg)
	peer.ResetLastDWR()
}

// sendDPR builds and enqueues a Disconnect-Peer-Request with cause
// REBOOTING, moving the peer into Disconnecting.
func (n *Node) sendDPR(peer *Peer) {
	causeAvp := dictAVP("Disconnect-Cause", true, DisconnectCauseRebooting)
	msg := diameter.NewMessage(diameter.MsgFlagRequest, CmdDisconnectPeer, 0, peer.HopByHop.Next(), n.endToEnd.Next(),
		[]*diameter.AVP{n.Identity.OriginHostAvp(), n.Identity.OriginRealmAvp(), causeAvp}, nil)
	peer.setState(StateDisconnecting)
	peer.AddOutMsg(msg)
}

func setResultCode(msg *diameter.Message, code uint32) {
	msg.Avps = append(msg.Avps, dictAVP("Result-Code", true, code))
}

// RouteRequest picks an eligible Peer for an outgoing request from app,
// preferring the least-used configured peer for the message's destination
// realm (falling back to the realm's default peer list), assigns a
// hop-by-hop id if the message does not already have one, and records the
// correlation so the eventual answer is routed back to app.
func (n *Node) RouteRequest(app Application, msg *diameter.Message) (*Peer, error) {
	realm := n.Identity.OriginRealm
	if destRealm := msg.FirstAvpMatching(0, AvpCodeDestinationRealm); destRealm != nil {
		if v, err := diameter.ConvertAVPDataToTypedData(destRealm.Data, diameter.DiamIdent); err == nil {
			realm = v.(string)
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	route, ok := n.routes[strings.ToLower(realm)]
	if !ok {
		return nil, &NotRoutable{Reason: "no peers configured for realm " + realm}
	}

	cfgList := route.byApplication[app]
	if len(cfgList) == 0 {
		cfgList = route.defaultPeers
	}
	if len(cfgList) == 0 {
		return nil, &NotRoutable{Reason: "no peers configured for the application and no default peers exist"}
	}

	var best *PeerConfig
	var bestPeer *Peer
	for _, cfg := range cfgList {
		peer, ok := n.peers[cfg.peerIdent]
		if !ok || !peer.State().IsReady() {
			continue
		}
		if best == nil || cfg.Counters.Requests < best.Counters.Requests {
			best = cfg
			bestPeer = peer
		}
	}
	if bestPeer == nil {
		return nil, &NotRoutable{Reason: "no configured peer is currently ready"}
	}

	if msg.HopByHopID == 0 {
		msg.HopByHopID = bestPeer.HopByHop.Next()
	}

	best.Counters.Requests++
	n.requestWaiters[correlationKey(msg)] = app

	return bestPeer, nil
}

// RouteAnswer looks up the Peer waiting for the answer to a request it
// originally delivered to an application, per the correlation recorded by
// dispatchAppRequest.
func (n *Node) RouteAnswer(msg *diameter.Message) (*Peer, error) {
	key := correlationKey(msg)

	n.mu.Lock()
	defer n.mu.Unlock()

	peer, ok := n.answerRoutes[key]
	if !ok {
		return nil, &NotRoutable{Reason: "no peer is waiting for this answer"}
	}
	delete(n.answerRoutes, key)

	if !peer.State().IsReady() {
		return nil, &NotRoutable{Reason: "peer exists but does not currently accept messages"}
	}
	return peer, nil
}

// SendMessage enqueues message on peer, removing any stale answer-routing
// entry for it first (normally cleaned up by RouteAnswer, but callers may
// bypass that helper).
func (n *Node) SendMessage(peer *Peer, msg *diameter.Message) {
	if msg.IsAnswer() {
		n.mu.Lock()
		delete(n.answerRoutes, correlationKey(msg))
		n.mu.Unlock()
	}
	peer.AddOutMsg(msg)
}

// NextEndToEndID returns the next value from this node's shared
// end-to-end-id sequence.
func (n *Node) NextEndToEndID() uint32 {
	return n.endToEnd.Next()
}

// AnyPeerReady reports whether at least one peer configured for app (or,
// absent an app-specific route, the realm's default peer list) is
// currently in a Ready state, used by Application.WaitForReady.
func (n *Node) AnyPeerReady(app Application) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, route := range n.routes {
		cfgList := route.byApplication[app]
		if len(cfgList) == 0 {
			cfgList = route.defaultPeers
		}
		for _, cfg := range cfgList {
			if peer, ok := n.peers[cfg.peerIdent]; ok && peer.State().IsReady() {
				return true
			}
		}
	}
	return false
}
