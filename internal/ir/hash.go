package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content hashes. The suffix allows migrating the
// algorithm later without colliding with old hashes.
const (
	DomainTopology = "realmsup/topology/v1"
	DomainManifest = "realmsup/manifest/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// TopologyHash identifies a compiled topology by content.
func TopologyHash(t *Topology) (string, error) {
	canonical, err := MarshalCanonical(t)
	if err != nil {
		return "", fmt.Errorf("TopologyHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainTopology, canonical), nil
}

// ManifestHash identifies a component manifest by content.
func ManifestHash(m Manifest) (string, error) {
	canonical, err := MarshalCanonical(m)
	if err != nil {
		return "", fmt.Errorf("ManifestHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainManifest, canonical), nil
}
