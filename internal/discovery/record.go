package discovery

import (
	"errors"
	"net/netip"
	"strings"
)

// DefaultServiceType is the DNS-SD type gateways advertise under.
const DefaultServiceType = "_http._tcp.local."

// ErrResolution wraps every failed lookup reported by a Resolver.
var ErrResolution = errors.New("service resolution failed")

// ServiceRecord is one advertised endpoint.
type ServiceRecord struct {
	Name       string
	Type       string
	Host       string
	Addresses  []netip.Addr
	Port       int
	Properties map[string]string
}

// EventKind describes what happened to an advertised service.
type EventKind uint8

const (
	Added EventKind = iota + 1
	Updated
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Event is a single observed change on the network.
type Event struct {
	Kind        EventKind
	ServiceType string
	Name        string
}

// Matches reports whether an instance name belongs to the family identified
// by prefix. An empty prefix matches every name.
func Matches(prefix, name string) bool {
	return strings.HasPrefix(name, prefix)
}
