package node

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DiameterURI is the parsed form of a Diameter URI as described in RFC 6733
// §4.3.1: aaa[s]://<fqdn>[:<port>][;transport=tcp|sctp][;key=value...].
type DiameterURI struct {
	FQDN      string
	Port      int
	Transport Transport
	IsSecure  bool
	Params    map[string]string
}

// ParseDiameterURI parses a Diameter peer URI. Defaults follow RFC 6733:
// port 3868 for the "aaa" scheme, 5658 for "aaas"; transport tcp unless a
// ";transport=sctp" parameter says otherwise. The "aaas" scheme sets
// IsSecure, which this package records but does not itself act on (secure
// transports are out of scope, same as the teacher's plain TCP/SCTP Conn).
func ParseDiameterURI(uri string) (*DiameterURI, error) {
	scheme, remainder, found := strings.Cut(uri, "://")
	if !found {
		return nil, fmt.Errorf("diameter URI %q has no scheme; expected aaa:// or aaas://", uri)
	}

	switch scheme {
	case "aaa", "aaas":
	default:
		return nil, fmt.Errorf("diameter URI %q has unrecognized scheme %q; expected aaa or aaas", uri, scheme)
	}

	isSecure := scheme == "aaas"

	hostPort, paramStr, _ := strings.Cut(remainder, ";")

	var fqdn string
	port := 3868
	if isSecure {
		port = 5658
	}

	if host, portStr, err := net.SplitHostPort(hostPort); err == nil {
		fqdn = host
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("diameter URI %q has a non-numeric port: %w", uri, err)
		}
		port = p
	} else {
		if hostPort == "" {
			return nil, fmt.Errorf("diameter URI %q has no host", uri)
		}
		fqdn = hostPort
	}

	params := make(map[string]string)
	if paramStr != "" {
		for _, kv := range strings.Split(paramStr, ";") {
			if kv == "" {
				continue
			}
			key, value, found := strings.Cut(kv, "=")
			if !found {
				return nil, fmt.Errorf("diameter URI %q has a malformed parameter %q", uri, kv)
			}
			params[key] = value
		}
	}

	transport := TransportTCP
	if t, ok := params["transport"]; ok {
		switch t {
		case "tcp":
			transport = TransportTCP
		case "sctp":
			transport = TransportSCTP
		default:
			return nil, fmt.Errorf("diameter URI %q has an unrecognized transport %q", uri, t)
		}
	}

	return &DiameterURI{
		FQDN:      fqdn,
		Port:      port,
		Transport: transport,
		IsSecure:  isSecure,
		Params:    params,
	}, nil
}

// NewPeerConfigFromURI builds a PeerConfig from a Diameter peer URI. The
// host is resolved to its IP addresses so PeerConfig.IPs is always populated,
// matching how a statically-IP-configured PeerConfig is used elsewhere in
// this package. nodeName and realm are not part of the URI grammar — a
// Diameter URI names a network location, not a peer's identity — so the
// caller supplies the Origin-Host/Origin-Realm the peer is expected to
// advertise in its CER/CEA separately.
func NewPeerConfigFromURI(uri, nodeName, realm string) (*PeerConfig, error) {
	parsed, err := ParseDiameterURI(uri)
	if err != nil {
		return nil, err
	}

	ips, err := net.LookupIP(parsed.FQDN)
	if err != nil {
		return nil, fmt.Errorf("diameter URI %q: resolving %q: %w", uri, parsed.FQDN, err)
	}

	return &PeerConfig{
		NodeName:  nodeName,
		Realm:     realm,
		Transport: parsed.Transport,
		IPs:       ips,
		Port:      parsed.Port,
	}, nil
}
