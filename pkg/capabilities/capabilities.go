// Package capabilities declares what a tap or target supports and renders
// the --about description of a connector.
package capabilities

import (
	"sort"

	"go.uber.org/zap"
)

// Capability is a feature a connector advertises.
type Capability string

const (
	About            Capability = "about"
	StreamMaps       Capability = "stream-maps"
	Flattening       Capability = "schema-flattening"
	ActivateVersion  Capability = "activate-version"
	Batch            Capability = "batch"
	Catalog          Capability = "catalog"
	Discover         Capability = "discover"
	State            Capability = "state"
	Test             Capability = "test"
	LogBased         Capability = "log-based"
	Properties       Capability = "properties"
	SoftDelete       Capability = "soft-delete"
	HardDelete       Capability = "hard-delete"
	DatatypeFailsafe Capability = "datatype-failsafe"
	TargetSchema     Capability = "target-schema"
	ValidateRecords  Capability = "validate-records"
)

// deprecated maps a capability to the advice logged when it is advertised.
var deprecated = map[Capability]string{
	Properties: "Please use CATALOG instead.",
}

// DefaultTap is advertised by taps built on this SDK.
var DefaultTap = []Capability{About, StreamMaps, Flattening, Batch, Catalog, Discover, State, Test}

// DefaultTarget is advertised by targets built on this SDK.
var DefaultTarget = []Capability{About, StreamMaps, Flattening, ActivateVersion, Batch, ValidateRecords}

// Deprecated reports whether c is deprecated and what to use instead.
func (c Capability) Deprecated() (string, bool) {
	advice, ok := deprecated[c]
	return advice, ok
}

func (c Capability) String() string { return string(c) }

// Warn logs a warning for every deprecated capability in caps.
func Warn(logger *zap.Logger, caps []Capability) {
	for _, c := range caps {
		if advice, ok := c.Deprecated(); ok {
			logger.Warn("capability is deprecated",
				zap.String("capability", string(c)),
				zap.String("advice", advice))
		}
	}
}

// Has reports whether caps contains c.
func Has(caps []Capability, c Capability) bool {
	for _, have := range caps {
		if have == c {
			return true
		}
	}
	return false
}

// Sorted returns a sorted copy of caps without duplicates.
func Sorted(caps []Capability) []Capability {
	seen := make(map[Capability]bool, len(caps))
	out := make([]Capability, 0, len(caps))
	for _, c := range caps {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
