// Package endpoint implements the tagged-union reachable-location type
// used throughout the path and topology layers.
// It generalizes onion.DecodeOnion's variant parse/validate shape
// (onion/address.go) from a single hidden-service-address variant to the
// full tagged union this package names, and descriptor.ParseDescriptor's
// address/port extraction (descriptor/descriptor.go) for the IP variants.
package endpoint

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/0-8-15/beaver/identity"
)

// Kind tags the Endpoint variant.
type Kind uint8

const (
	KindNil Kind = iota
	KindInetV4
	KindInetV6
	KindDNSName
	KindZeroTier
	KindURL
	KindEthernet
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindInetV4:
		return "inet4"
	case KindInetV6:
		return "inet6"
	case KindDNSName:
		return "dns"
	case KindZeroTier:
		return "relay"
	case KindURL:
		return "url"
	case KindEthernet:
		return "ethernet"
	default:
		return "unknown"
	}
}

// MaxMarshalSize bounds the serialized form.
const MaxMarshalSize = 64

// Locality carries three reserved 16-bit weights, kept for future path-
// ranking use, mirroring
// original_source/node/Endpoint.cpp, which serializes these fields even
// though nothing in the core currently reads them.
type Locality struct {
	A, B, C uint16
}

// Endpoint is a tagged union of reachable locations.
type Endpoint struct {
	Kind Kind

	IP   net.IP // KindInetV4, KindInetV6
	Port uint16 // KindInetV4, KindInetV6, KindDNSName

	DNSName string // KindDNSName

	RelayAddress    identity.Address    // KindZeroTier
	RelayIdentityID [48]byte            // KindZeroTier: identity hash of the relay
	RelayHasHash    bool

	URL string // KindURL

	MAC [6]byte // KindEthernet

	Locality Locality
}

// Nil returns the NIL endpoint variant.
func Nil() Endpoint { return Endpoint{Kind: KindNil} }

// FromUDPAddr builds an INETADDR_V4 or INETADDR_V6 endpoint from a standard
// net.UDPAddr.
func FromUDPAddr(addr *net.UDPAddr) Endpoint {
	if v4 := addr.IP.To4(); v4 != nil {
		return Endpoint{Kind: KindInetV4, IP: v4, Port: uint16(addr.Port)}
	}
	return Endpoint{Kind: KindInetV6, IP: addr.IP.To16(), Port: uint16(addr.Port)}
}

// UDPAddr converts an INETADDR_V4/V6 endpoint back to a net.UDPAddr.
func (e Endpoint) UDPAddr() (*net.UDPAddr, error) {
	if e.Kind != KindInetV4 && e.Kind != KindInetV6 {
		return nil, fmt.Errorf("endpoint: not an inet address (%s)", e.Kind)
	}
	return &net.UDPAddr{IP: e.IP, Port: int(e.Port)}, nil
}

// Family reports an address family tag used for PUSH_DIRECT_PATHS scope
// rate limiting: 4 for v4, 6 for v6, 0 otherwise.
func (e Endpoint) Family() int {
	switch e.Kind {
	case KindInetV4:
		return 4
	case KindInetV6:
		return 6
	default:
		return 0
	}
}

// String renders a human-readable form of the endpoint.
func (e Endpoint) String() string {
	switch e.Kind {
	case KindNil:
		return "nil"
	case KindInetV4, KindInetV6:
		return net.JoinHostPort(e.IP.String(), strconv.Itoa(int(e.Port)))
	case KindDNSName:
		return net.JoinHostPort(e.DNSName, strconv.Itoa(int(e.Port)))
	case KindZeroTier:
		return fmt.Sprintf("relay:%s", e.RelayAddress)
	case KindURL:
		return e.URL
	case KindEthernet:
		return net.HardwareAddr(e.MAC[:]).String()
	default:
		return "invalid"
	}
}

// Marshal serializes the endpoint as a variant-tagged byte string, bounded
// to MaxMarshalSize.
func (e Endpoint) Marshal() ([]byte, error) {
	buf := make([]byte, 0, MaxMarshalSize)
	buf = append(buf, byte(e.Kind))
	switch e.Kind {
	case KindNil:
	case KindInetV4:
		v4 := e.IP.To4()
		if v4 == nil {
			return nil, fmt.Errorf("endpoint: inet4 requires a 4-byte IP")
		}
		buf = append(buf, v4...)
		buf = appendUint16(buf, e.Port)
	case KindInetV6:
		v6 := e.IP.To16()
		if v6 == nil {
			return nil, fmt.Errorf("endpoint: inet6 requires a 16-byte IP")
		}
		buf = append(buf, v6...)
		buf = appendUint16(buf, e.Port)
	case KindDNSName:
		if len(e.DNSName) > 255 {
			return nil, fmt.Errorf("endpoint: dns name too long")
		}
		buf = append(buf, byte(len(e.DNSName)))
		buf = append(buf, e.DNSName...)
		buf = appendUint16(buf, e.Port)
	case KindZeroTier:
		buf = append(buf, e.RelayAddress[:]...)
		buf = append(buf, e.RelayIdentityID[:]...)
	case KindURL:
		if len(e.URL) > 255 {
			return nil, fmt.Errorf("endpoint: url too long")
		}
		buf = append(buf, byte(len(e.URL)))
		buf = append(buf, e.URL...)
	case KindEthernet:
		buf = append(buf, e.MAC[:]...)
	default:
		return nil, fmt.Errorf("endpoint: unknown kind %d", e.Kind)
	}
	buf = appendUint16(buf, e.Locality.A)
	buf = appendUint16(buf, e.Locality.B)
	buf = appendUint16(buf, e.Locality.C)
	if len(buf) > MaxMarshalSize {
		return nil, fmt.Errorf("endpoint: marshaled size %d exceeds %d", len(buf), MaxMarshalSize)
	}
	return buf, nil
}

// Unmarshal parses a byte string produced by Marshal, returning the
// endpoint and the number of bytes consumed.
func Unmarshal(data []byte) (Endpoint, int, error) {
	if len(data) < 1 {
		return Endpoint{}, 0, fmt.Errorf("endpoint: empty buffer")
	}
	kind := Kind(data[0])
	off := 1
	e := Endpoint{Kind: kind}

	switch kind {
	case KindNil:
	case KindInetV4:
		if len(data) < off+4+2 {
			return Endpoint{}, 0, fmt.Errorf("endpoint: truncated inet4")
		}
		e.IP = net.IP(append([]byte{}, data[off:off+4]...))
		off += 4
		e.Port = binary.BigEndian.Uint16(data[off:])
		off += 2
	case KindInetV6:
		if len(data) < off+16+2 {
			return Endpoint{}, 0, fmt.Errorf("endpoint: truncated inet6")
		}
		e.IP = net.IP(append([]byte{}, data[off:off+16]...))
		off += 16
		e.Port = binary.BigEndian.Uint16(data[off:])
		off += 2
	case KindDNSName:
		if len(data) < off+1 {
			return Endpoint{}, 0, fmt.Errorf("endpoint: truncated dns name length")
		}
		n := int(data[off])
		off++
		if len(data) < off+n+2 {
			return Endpoint{}, 0, fmt.Errorf("endpoint: truncated dns name")
		}
		e.DNSName = string(data[off : off+n])
		off += n
		e.Port = binary.BigEndian.Uint16(data[off:])
		off += 2
	case KindZeroTier:
		if len(data) < off+identity.AddressLength+48 {
			return Endpoint{}, 0, fmt.Errorf("endpoint: truncated relay endpoint")
		}
		copy(e.RelayAddress[:], data[off:off+identity.AddressLength])
		off += identity.AddressLength
		copy(e.RelayIdentityID[:], data[off:off+48])
		e.RelayHasHash = true
		off += 48
	case KindURL:
		if len(data) < off+1 {
			return Endpoint{}, 0, fmt.Errorf("endpoint: truncated url length")
		}
		n := int(data[off])
		off++
		if len(data) < off+n {
			return Endpoint{}, 0, fmt.Errorf("endpoint: truncated url")
		}
		e.URL = string(data[off : off+n])
		off += n
	case KindEthernet:
		if len(data) < off+6 {
			return Endpoint{}, 0, fmt.Errorf("endpoint: truncated ethernet")
		}
		copy(e.MAC[:], data[off:off+6])
		off += 6
	default:
		return Endpoint{}, 0, fmt.Errorf("endpoint: unknown kind %d", kind)
	}

	if len(data) < off+6 {
		return Endpoint{}, 0, fmt.Errorf("endpoint: truncated locality")
	}
	e.Locality.A = binary.BigEndian.Uint16(data[off:])
	e.Locality.B = binary.BigEndian.Uint16(data[off+2:])
	e.Locality.C = binary.BigEndian.Uint16(data[off+4:])
	off += 6

	return e, off, nil
}

func appendUint16(buf []byte, v uint16) []byte {
	return append(buf, byte(v>>8), byte(v))
}

// ParseURL validates e.URL as a well-formed absolute URL, for the URL
// variant.
func (e Endpoint) ParseURL() (*url.URL, error) {
	if e.Kind != KindURL {
		return nil, fmt.Errorf("endpoint: not a url variant")
	}
	u, err := url.Parse(e.URL)
	if err != nil {
		return nil, fmt.Errorf("endpoint: parse url: %w", err)
	}
	if !u.IsAbs() {
		return nil, fmt.Errorf("endpoint: url must be absolute")
	}
	return u, nil
}

// ParseHostPort builds an INETADDR_V4/V6 endpoint from a "host:port"
// string, resolving numeric hosts only (no DNS — that belongs to
// KindDNSName, whose resolution is a host responsibility).
func ParseHostPort(hostport string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("endpoint: bad port: %w", err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Endpoint{}, fmt.Errorf("endpoint: %q is not a numeric address", host)
	}
	if v4 := ip.To4(); v4 != nil {
		return Endpoint{Kind: KindInetV4, IP: v4, Port: uint16(port)}, nil
	}
	return Endpoint{Kind: KindInetV6, IP: ip.To16(), Port: uint16(port)}, nil
}

// IsDisallowedScope reports whether an IP is in a scope PUSH_DIRECT_PATHS
// must reject: multicast, unspecified, link-local multicast.
// Loopback is allowed, as single-host test topologies rely on it.
func (e Endpoint) IsDisallowedScope() bool {
	if e.Kind != KindInetV4 && e.Kind != KindInetV6 {
		return false
	}
	if e.IP == nil {
		return true
	}
	if e.IP.IsMulticast() || e.IP.IsUnspecified() {
		return true
	}
	return false
}
