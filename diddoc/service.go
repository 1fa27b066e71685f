package diddoc

import "strings"

// Beacon service type names recognized on the "service" array's "type"
// field (spec.md §3, §4.3). Only SingletonBeacon is constructible by this
// repo's builder; the other two are recognized on read but constructing
// them is out of scope (SPEC_FULL.md §4, "Aggregated beacons").
const (
	SingletonBeaconType    = "SingletonBeacon"
	SMTAggregateBeaconType = "SMTAggregateBeacon"
	CIDAggregateBeaconType = "CIDAggregateBeacon"
)

var beaconTypeNames = map[string]bool{
	SingletonBeaconType:    true,
	SMTAggregateBeaconType: true,
	CIDAggregateBeaconType: true,
}

// Service is a DID document service entry. ServiceEndpoint is modeled as a
// plain string because every service this method produces or consumes
// carries a single "bitcoin:<address>" endpoint (spec.md §4.3); a service
// entry using the list/map endpoint forms of the DID core spec isn't
// something a beacon uses and isn't represented here.
type Service struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

// IsBeacon reports whether Type names one of the three beacon service
// types.
func (s Service) IsBeacon() bool {
	return beaconTypeNames[s.Type]
}

// Address strips the "bitcoin:" prefix from ServiceEndpoint, returning the
// address a beacon signal transaction must spend from.
func (s Service) Address() string {
	return strings.TrimPrefix(s.ServiceEndpoint, "bitcoin:")
}

// NewSingletonBeacon builds a SingletonBeacon service entry pointing at
// address.
func NewSingletonBeacon(id, address string) Service {
	return Service{ID: id, Type: SingletonBeaconType, ServiceEndpoint: "bitcoin:" + address}
}
