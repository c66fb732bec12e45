package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/0-8-15/beaver/identity"
)

// Fragment wire layout: an 8-byte packet ID, 5-byte
// destination, 1-byte sentinel (0xff, a reserved address prefix that can
// never appear in a legitimate header), 1 byte (total<<4)|index, 1 byte
// hop count, then payload. Fragment 0 is not a Fragment value at all: it
// is the ordinary armored Packet with its FRAGMENTED flag set, carrying
// only the first chunk of payload — the total fragment count is learned
// from fragment 1's header, not stored in fragment 0. A "header then raw
// bytes" framing generalized to a split-indicator layout.
const (
	fragOffPacketID = 0
	fragOffDest     = 8
	fragOffSentinel = 13
	fragOffCounts   = 14
	fragOffHops     = 15
	fragOffPayload  = 16

	// FragmentHeaderLen is the length of a non-zero fragment's header.
	FragmentHeaderLen = 16

	// MaxFragments is the normative fragment-count ceiling; MaxFragmentsHard is
	// the absolute ceiling imposed by the 4-bit fragment-index field.
	MaxFragments     = 11
	MaxFragmentsHard = 16
)

// Fragment is a single wire fragment, indices 1..N-1 of a split packet.
type Fragment []byte

// ErrTooManyFragments is returned when a payload would require more than
// MaxFragmentsHard fragments to transmit.
var ErrTooManyFragments = fmt.Errorf("packet: payload requires more than %d fragments", MaxFragmentsHard)

// NeedsFragmentation reports whether a packet of totalLen bytes would
// exceed mtu and must therefore have its FRAGMENTED flag set prior to
// Armor, since the flag sits within the authenticated header and cannot
// be set after the MAC is computed.
func NeedsFragmentation(totalLen, mtu int) bool { return totalLen > mtu }

// Split carves an already-armored, already-FRAGMENTED packet p into wire
// pieces no larger than mtu bytes each: the first piece (p itself,
// truncated) and the subsequent Fragments. Caller must have set
// p.SetFragmented(true) and called Armor before Split, so the fragmented
// bit is covered by the MAC exactly as the receiver will see it.
func Split(p Packet, mtu int) (Packet, []Fragment, error) {
	if len(p) <= mtu {
		return p, nil, nil
	}
	if !p.Fragmented() {
		return nil, nil, fmt.Errorf("packet: Split requires FRAGMENTED flag already set")
	}

	first0Budget := mtu - offPayload
	if first0Budget < 0 {
		return nil, nil, fmt.Errorf("packet: mtu %d too small for packet header", mtu)
	}

	body := p[offPayload:]
	remaining := len(body) - first0Budget
	if remaining < 0 {
		remaining = 0
	}

	tailBudget := mtu - FragmentHeaderLen
	if tailBudget <= 0 {
		return nil, nil, fmt.Errorf("packet: mtu %d too small for fragment body", mtu)
	}
	numTailFragments := (remaining + tailBudget - 1) / tailBudget
	total := numTailFragments + 1
	if total > MaxFragmentsHard {
		return nil, nil, ErrTooManyFragments
	}

	dest := p.Dest()
	id := p.PacketID()
	hops := p.Hops()

	first := make(Packet, offPayload+first0Budget)
	copy(first, p[:offPayload])
	copy(first[offPayload:], body[:first0Budget])

	fragments := make([]Fragment, 0, numTailFragments)
	off := first0Budget
	for i := 0; i < numTailFragments; i++ {
		end := off + tailBudget
		if end > len(body) {
			end = len(body)
		}
		chunk := body[off:end]
		f := make(Fragment, FragmentHeaderLen+len(chunk))
		binary.BigEndian.PutUint64(f[fragOffPacketID:], id)
		copy(f[fragOffDest:fragOffDest+AddressLength], dest[:])
		f[fragOffSentinel] = FragmentSentinel
		f[fragOffCounts] = byte(total<<4) | byte(i+1)
		f[fragOffHops] = hops
		copy(f[fragOffPayload:], chunk)
		fragments = append(fragments, f)
		off = end
	}

	return first, fragments, nil
}

func (f Fragment) PacketID() uint64 { return binary.BigEndian.Uint64(f[fragOffPacketID:]) }

func (f Fragment) Dest() identity.Address {
	var a identity.Address
	copy(a[:], f[fragOffDest:fragOffDest+AddressLength])
	return a
}

// IsFragment reports whether b looks like a non-zero fragment: the
// reserved sentinel byte appears where a source address would sit in an
// ordinary header.
func IsFragment(b []byte) bool {
	return len(b) >= FragmentHeaderLen && b[fragOffSentinel] == FragmentSentinel
}

func (f Fragment) Total() int  { return int(f[fragOffCounts] >> 4) }
func (f Fragment) Index() int  { return int(f[fragOffCounts] & 0x0f) }
func (f Fragment) Hops() uint8 { return f[fragOffHops] & hopsMask }

func (f Fragment) SetHops(h uint8) { f[fragOffHops] = (f[fragOffHops] &^ hopsMask) | (h & hopsMask) }

// IncrementHops mirrors Packet.IncrementHops for in-flight fragments. The
// fragment's own hop byte is not under any MAC, matching the header's
// hops nibble.
func (f Fragment) IncrementHops() bool {
	h := f.Hops()
	if h >= MaxHops {
		return false
	}
	f.SetHops(h + 1)
	return true
}

func (f Fragment) Payload() []byte { return f[fragOffPayload:] }
