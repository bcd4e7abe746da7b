// Package node implements the Diameter node scheduler: a single I/O
// multiplexer that owns every Peer connection, performs Capabilities-
// Exchange, Device-Watchdog and Disconnect-Peer locally, and routes
// request/answer pairs between the network and locally registered
// Applications.
package node

import (
	"fmt"
	"net"

	"github.com/dmtrstack/diameter"
)

// Base-protocol AVP codes this package handles directly (RFC 6733 §4.5).
const (
	AvpCodeOriginHost                  = 264
	AvpCodeOriginRealm                 = 296
	AvpCodeHostIPAddress               = 257
	AvpCodeVendorID                    = 266
	AvpCodeProductName                 = 269
	AvpCodeResultCode                  = 268
	AvpCodeAuthApplicationID           = 258
	AvpCodeAcctApplicationID           = 259
	AvpCodeDisconnectCause             = 273
	AvpCodeDestinationRealm            = 283
	AvpCodeDestinationHost             = 293
	AvpCodeSessionID                   = 263
	AvpCodeErrorMessage                = 281
	AvpCodeFailedAvp                   = 279
	AvpCodeProxyInfo                   = 284
)

// Disconnect-Cause enumerated values (RFC 6733 §5.4.3).
const (
	DisconnectCauseRebooting          int32 = 0
	DisconnectCauseBusy               int32 = 1
	DisconnectCauseDoNotWantToTalkTo  int32 = 2
)

// Result codes this package produces or consumes (RFC 6733 §7.1).
const (
	ResultCodeSuccess               uint32 = 2001
	ResultCodeUnknownPeer           uint32 = 3010
	ResultCodeRealmNotServed        uint32 = 3003
	ResultCodeApplicationUnsupported uint32 = 3007
	ResultCodeTooBusy               uint32 = 3004
	ResultCodeElectionLost          uint32 = 4003
	ResultCodeMissingAvp            uint32 = 5005
	ResultCodeNoCommonApplication   uint32 = 5010
	ResultCodeUnableToComply        uint32 = 5012
)

// DiameterEntity identifies a Diameter node — local or peer — with the
// information exchanged during Capabilities-Exchange.
type DiameterEntity struct {
	OriginHost         string
	OriginRealm        string
	HostIPAddresses    []net.IP
	VendorID           uint32
	ProductName        string
	AuthApplicationIDs []uint32
	AcctApplicationIDs []uint32
}

// OriginHostAvp returns the OriginHost as an AVP.
func (e *DiameterEntity) OriginHostAvp() *diameter.AVP {
	return dictAVP("Origin-Host", true, e.OriginHost)
}

// OriginRealmAvp returns the OriginRealm as an AVP.
func (e *DiameterEntity) OriginRealmAvp() *diameter.AVP {
	return dictAVP("Origin-Realm", true, e.OriginRealm)
}

// VendorIDAvp returns the VendorID as an AVP.
func (e *DiameterEntity) VendorIDAvp() *diameter.AVP {
	return dictAVP("Vendor-Id", true, e.VendorID)
}

// ProductNameAvp returns the ProductName as an AVP.
func (e *DiameterEntity) ProductNameAvp() *diameter.AVP {
	return dictAVP("Product-Name", true, e.ProductName)
}

// HostIPAddressAvps returns the HostIPAddresses set as a set of AVPs.
func (e *DiameterEntity) HostIPAddressAvps() []*diameter.AVP {
	avps := make([]*diameter.AVP, len(e.HostIPAddresses))
	for i, ip := range e.HostIPAddresses {
		avps[i] = dictAVP("Host-IP-Address", true, ip)
	}
	return avps
}

// AuthApplicationIDAvps returns the advertised authentication application
// IDs as AVPs, one per ID.
func (e *DiameterEntity) AuthApplicationIDAvps() []*diameter.AVP {
	avps := make([]*diameter.AVP, len(e.AuthApplicationIDs))
	for i, id := range e.AuthApplicationIDs {
		avps[i] = dictAVP("Auth-Application-Id", true, id)
	}
	return avps
}

// AcctApplicationIDAvps returns the advertised accounting application IDs
// as AVPs, one per ID.
func (e *DiameterEntity) AcctApplicationIDAvps() []*diameter.AVP {
	avps := make([]*diameter.AVP, len(e.AcctApplicationIDs))
	for i, id := range e.AcctApplicationIDs {
		avps[i] = dictAVP("Acct-Application-Id", true, id)
	}
	return avps
}

// CapabilitiesExchangeMandatoryAvps generates the mandatory AVPs for a
// Capabilities-Exchange request or answer based on this DiameterEntity.
func (e *DiameterEntity) CapabilitiesExchangeMandatoryAvps() []*diameter.AVP {
	avps := make([]*diameter.AVP, 0, 4+len(e.HostIPAddresses)+len(e.AuthApplicationIDs)+len(e.AcctApplicationIDs))
	avps = append(avps, e.OriginHostAvp(), e.OriginRealmAvp())
	avps = append(avps, e.HostIPAddressAvps()...)
	avps = append(avps, e.VendorIDAvp(), e.ProductNameAvp())
	avps = append(avps, e.AuthApplicationIDAvps()...)
	avps = append(avps, e.AcctApplicationIDAvps()...)
	return avps
}

// DiameterEntityFromCapabilitiesExchangeMessage reads a Capabilities-
// Exchange request or answer and extracts the DiameterEntity it describes.
// Returns an error if a mandatory AVP is missing or malformed.
func DiameterEntityFromCapabilitiesExchangeMessage(m *diameter.Message) (*DiameterEntity, error) {
	for _, code := range []diameter.Uint24{AvpCodeOriginHost, AvpCodeOriginRealm, AvpCodeVendorID, AvpCodeProductName} {
		if m.NumberOfTopLevelAvpsMatching(0, code) != 1 {
			return nil, fmt.Errorf("missing mandatory AVP with code (%d)", code)
		}
	}
	if m.NumberOfTopLevelAvpsMatching(0, AvpCodeHostIPAddress) == 0 {
		return nil, fmt.Errorf("missing mandatory AVP with code (%d)", AvpCodeHostIPAddress)
	}

	e := &DiameterEntity{}

	originHost, err := diameter.ConvertAVPDataToTypedData(m.FirstAvpMatching(0, AvpCodeOriginHost).Data, diameter.DiamIdent)
	if err != nil {
		return nil, fmt.Errorf("Origin-Host AVP cannot be decoded: %w", err)
	}
	e.OriginHost = originHost.(string)

	originRealm, err := diameter.ConvertAVPDataToTypedData(m.FirstAvpMatching(0, AvpCodeOriginRealm).Data, diameter.DiamIdent)
	if err != nil {
		return nil, fmt.Errorf("Origin-Realm AVP cannot be decoded: %w", err)
	}
	e.OriginRealm = originRealm.(string)

	vendorID, err := diameter.ConvertAVPDataToTypedData(m.FirstAvpMatching(0, AvpCodeVendorID).Data, diameter.Unsigned32)
	if err != nil {
		return nil, fmt.Errorf("Vendor-Id AVP cannot be decoded: %w", err)
	}
	e.VendorID = vendorID.(uint32)

	productName, err := diameter.ConvertAVPDataToTypedData(m.FirstAvpMatching(0, AvpCodeProductName).Data, diameter.UTF8String)
	if err != nil {
		return nil, fmt.Errorf("Product-Name AVP cannot be decoded: %w", err)
	}
	e.ProductName = productName.(string)

	for _, avp := range m.TopLevelAvpsMatching(0, AvpCodeHostIPAddress) {
		ip, err := diameter.ConvertAVPDataToTypedData(avp.Data, diameter.Address)
		if err != nil {
			return nil, fmt.Errorf("Host-IP-Address AVP cannot be decoded: %w", err)
		}
		e.HostIPAddresses = append(e.HostIPAddresses, ip.(net.IP))
	}

	for _, avp := range m.TopLevelAvpsMatching(0, AvpCodeAuthApplicationID) {
		id, err := diameter.ConvertAVPDataToTypedData(avp.Data, diameter.Unsigned32)
		if err != nil {
			return nil, fmt.Errorf("Auth-Application-Id AVP cannot be decoded: %w", err)
		}
		e.AuthApplicationIDs = append(e.AuthApplicationIDs, id.(uint32))
	}

	for _, avp := range m.TopLevelAvpsMatching(0, AvpCodeAcctApplicationID) {
		id, err := diameter.ConvertAVPDataToTypedData(avp.Data, diameter.Unsigned32)
		if err != nil {
			return nil, fmt.Errorf("Acct-Application-Id AVP cannot be decoded: %w", err)
		}
		e.AcctApplicationIDs = append(e.AcctApplicationIDs, id.(uint32))
	}

	return e, nil
}

// commonApplicationIDs returns the intersection of two advertised
// application-id sets (auth and acct checked together, since either kind
// satisfies "common application" per RFC 6733 §5.3).
func commonApplicationIDs(localAuth, localAcct, peerAuth, peerAcct []uint32) []uint32 {
	local := make(map[uint32]bool, len(localAuth)+len(localAcct))
	for _, id := range localAuth {
		local[id] = true
	}
	for _, id := range localAcct {
		local[id] = true
	}

	var common []uint32
	seen := make(map[uint32]bool)
	for _, id := range append(append([]uint32{}, peerAuth...), peerAcct...) {
		if local[id] && !seen[id] {
			common = append(common, id)
			seen[id] = true
		}
	}
	return common
}
