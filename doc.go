// Package diameter implements Diameter (RFC 6733) Message and AVP encoders and decoders.  It also provides a method for creating, reading and using
// Diameter dictionaries.  A dictionary provides human-readable names for Message type and AVP types.  It also provides type information for AVPs,
// making AVPs more convenient to create, read and manipulate.  The node subpackage embeds a small dictionary (node/basedictionary.yaml) covering
// the RFC6733 base messages and the AVPs that package builds.  The AttributeCatalogue/AttributeCataloguer types in attributes.go map typed Go structs onto AVP lists and back, for
// applications that would rather work with their own request/answer types than raw AVPs.
//
// The node subpackage implements the Diameter base protocol state machine -- capabilities exchange, watchdog, disconnect, and peer election -- for
// a node's connections to one or more peers.
package diameter
