package ir

const (
	// TopologyVersion is the schema version of compiled topologies.
	TopologyVersion = "1"

	// Version is the realmsup release.
	Version = "0.1.0"
)
