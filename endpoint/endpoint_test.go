package endpoint

import (
	"net"
	"testing"

	"github.com/0-8-15/beaver/identity"
)

func TestMarshalUnmarshalRoundTripAllVariants(t *testing.T) {
	cases := []Endpoint{
		Nil(),
		{Kind: KindInetV4, IP: net.IPv4(10, 0, 0, 1).To4(), Port: 9993},
		{Kind: KindInetV6, IP: net.ParseIP("fe80::1").To16(), Port: 443},
		{Kind: KindDNSName, DNSName: "root.example.org", Port: 9993},
		{Kind: KindURL, URL: "https://example.org/world.bin"},
		{Kind: KindEthernet, MAC: [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}},
	}

	for _, want := range cases {
		t.Run(want.Kind.String(), func(t *testing.T) {
			data, err := want.Marshal()
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			if len(data) > MaxMarshalSize {
				t.Fatalf("marshaled size %d exceeds %d", len(data), MaxMarshalSize)
			}
			got, n, err := Unmarshal(data)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if n != len(data) {
				t.Fatalf("consumed %d bytes, expected %d", n, len(data))
			}
			if got.Kind != want.Kind {
				t.Fatalf("kind mismatch: got %v want %v", got.Kind, want.Kind)
			}
			if got.String() != want.String() {
				t.Fatalf("string mismatch: got %q want %q", got.String(), want.String())
			}
		})
	}
}

func TestZeroTierVariantRoundTrip(t *testing.T) {
	var addr identity.Address
	copy(addr[:], []byte{1, 2, 3, 4, 5})
	e := Endpoint{Kind: KindZeroTier, RelayAddress: addr}
	e.RelayIdentityID[0] = 0xaa

	data, err := e.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, _, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RelayAddress != addr {
		t.Fatalf("relay address mismatch")
	}
	if !got.RelayHasHash {
		t.Fatal("expected relay hash flag set")
	}
}

func TestParseHostPort(t *testing.T) {
	e, err := ParseHostPort("192.0.2.1:1234")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if e.Kind != KindInetV4 || e.Port != 1234 {
		t.Fatalf("unexpected endpoint: %+v", e)
	}

	if _, err := ParseHostPort("not-a-numeric-host:1234"); err == nil {
		t.Fatal("expected error for non-numeric host")
	}
}

func TestIsDisallowedScope(t *testing.T) {
	multicast := Endpoint{Kind: KindInetV4, IP: net.IPv4(224, 0, 0, 1).To4()}
	if !multicast.IsDisallowedScope() {
		t.Fatal("expected multicast address to be disallowed")
	}

	unicast := Endpoint{Kind: KindInetV4, IP: net.IPv4(10, 1, 2, 3).To4()}
	if unicast.IsDisallowedScope() {
		t.Fatal("expected unicast address to be allowed")
	}
}

func TestMarshalRejectsOversizeDNSName(t *testing.T) {
	big := make([]byte, 256)
	for i := range big {
		big[i] = 'a'
	}
	e := Endpoint{Kind: KindDNSName, DNSName: string(big), Port: 1}
	if _, err := e.Marshal(); err == nil {
		t.Fatal("expected error for oversize dns name")
	}
}
