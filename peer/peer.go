// Package peer implements per-remote-node session state: the session
// key, path list, HELLO/OK handshake state machine, and the keepalive and
// rate-limit bookkeeping that drives when to pulse or re-HELLO. A single
// mutex-guarded struct carries a handshake-then-established lifecycle,
// but holds a list of candidate paths instead of a single link.
package peer

import (
	"sync"
	"time"

	beavercrypto "github.com/0-8-15/beaver/crypto"
	"github.com/0-8-15/beaver/identity"
	"github.com/0-8-15/beaver/path"
)

// State is the HELLO/OK handshake state.
type State int

const (
	StateNew State = iota
	StateSentHello
	StateEstablished
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSentHello:
		return "SENT_HELLO"
	case StateEstablished:
		return "ESTABLISHED"
	case StateExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Peer limits and timing.
const (
	// MaxPaths caps how many candidate paths a peer will track.
	MaxPaths = 16
	// HelloInterval is the re-HELLO cadence on the preferred path.
	HelloInterval = 120 * time.Second
	// GlobalTimeout is the silence duration after which a non-root peer
	// is evicted by the topology GC.
	GlobalTimeout = 30 * 24 * time.Hour
	// ControlPacketInterval is the general per-peer control-packet rate
	// limit.
	ControlPacketInterval = 500 * time.Millisecond
	// PushDirectPathsMaxPerScopeAndFamily bounds how many direct-path
	// addresses PUSH_DIRECT_PATHS may add per scope/family.
	PushDirectPathsMaxPerScopeAndFamily = 4
)

// VersionInfo records the remote software/protocol version learned from
// HELLO/OK(HELLO).
type VersionInfo struct {
	ProtocolVersion uint8
	Major, Minor    uint8
	Revision        uint16
}

// Peer tracks session state for one remote identity.
type Peer struct {
	mu sync.Mutex

	id         *identity.Identity
	sessionKey [32]byte
	hasSession bool

	state State

	paths          []*path.Path
	preferredIdx   int
	pushCounts     map[string]int // scope/family key -> count admitted so far

	lastHelloSent time.Time
	lastReceive   time.Time
	lastWhois     time.Time
	lastControl   time.Time

	version VersionInfo

	isRoot bool

	probeToken uint64
}

// New creates a Peer for the given remote identity. The session key is
// not yet established; callers derive it via SetSessionKey once agree()
// has been run. A random incoming-probe token is generated immediately: a
// 64-bit pseudo-random tag minted at peer-creation time and carried in
// every HELLO this peer originates, so the responder can quickly
// correlate replies back to this peer via Topology's probe-token index.
func New(id *identity.Identity) *Peer {
	token, err := beavercrypto.ProbeToken()
	if err != nil {
		// crypto/rand failure; fall back to a zero token rather than
		// failing peer construction outright.
		token = 0
	}
	return &Peer{
		id:         id,
		state:      StateNew,
		pushCounts: make(map[string]int),
		probeToken: token,
	}
}

// ProbeToken returns this peer's incoming-probe-token, included in
// outgoing HELLO payloads so Topology can index replies by token.
func (p *Peer) ProbeToken() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probeToken
}

func (p *Peer) Identity() *identity.Identity { return p.id }

// SetSessionKey installs the 32-byte key derived from agree() with this
// peer's identity.
func (p *Peer) SetSessionKey(key [32]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessionKey = key
	p.hasSession = true
}

// SessionKey returns the session key and whether one has been set.
func (p *Peer) SessionKey() ([32]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionKey, p.hasSession
}

// SetRoot marks or unmarks this peer as a root, exempting it from the
// global idle-timeout GC.
func (p *Peer) SetRoot(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.isRoot = v
}

func (p *Peer) IsRoot() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isRoot
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SendHello transitions NEW -> SENT_HELLO and records the send time.
// Called whenever a HELLO is about to go out, including
// periodic re-HELLO on an already-established peer.
func (p *Peer) SendHello(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateNew {
		p.state = StateSentHello
	}
	p.lastHelloSent = now
}

// ReceiveOKHello transitions SENT_HELLO (or any non-expired state) to
// ESTABLISHED and records the remote's reported version.
func (p *Peer) ReceiveOKHello(now time.Time, v VersionInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateExpired {
		p.state = StateEstablished
	}
	p.version = v
	p.lastReceive = now
}

// RecordReceive updates last_receive for any authenticated inbound packet.
// An EXPIRED peer returns to ESTABLISHED; other states are unchanged.
func (p *Peer) RecordReceive(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateExpired {
		p.state = StateEstablished
	}
	p.lastReceive = now
}

// Version returns the last-learned remote version info.
func (p *Peer) Version() VersionInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// NeedsReHello reports whether HelloInterval has elapsed since the last
// HELLO was sent on the preferred path.
func (p *Peer) NeedsReHello(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastHelloSent.IsZero() {
		return true
	}
	return now.Sub(p.lastHelloSent) >= HelloInterval
}

// Expire transitions to EXPIRED if last_receive is older than
// GlobalTimeout and this peer is not a root. Returns true if the peer is now expired and eligible for topology
// eviction.
func (p *Peer) Expire(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.isRoot {
		return false
	}
	if p.lastReceive.IsZero() || now.Sub(p.lastReceive) < GlobalTimeout {
		return false
	}
	p.state = StateExpired
	return true
}

// AllowControlPacket enforces the per-peer control-packet rate limit,
// returning false (and not updating state) if
// the caller should drop this control packet.
func (p *Peer) AllowControlPacket(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastControl.IsZero() && now.Sub(p.lastControl) < ControlPacketInterval {
		return false
	}
	p.lastControl = now
	return true
}

// AllowWhois enforces the WHOIS rate limit.
func (p *Peer) AllowWhois(now time.Time, interval time.Duration) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.lastWhois.IsZero() && now.Sub(p.lastWhois) < interval {
		return false
	}
	p.lastWhois = now
	return true
}

// AddPath appends a new candidate path, bounded by MaxPaths. Returns
// false if the peer already has as many paths as it will track.
func (p *Peer) AddPath(pa *path.Path) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, existing := range p.paths {
		if existing.Key() == pa.Key() {
			return true
		}
	}
	if len(p.paths) >= MaxPaths {
		return false
	}
	p.paths = append(p.paths, pa)
	return true
}

// Paths returns a snapshot of the peer's current path list.
func (p *Peer) Paths() []*path.Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*path.Path, len(p.paths))
	copy(out, p.paths)
	return out
}

// PreferredPath runs the selection rule over this peer's
// paths and returns the winner, or nil if no path is alive.
func (p *Peer) PreferredPath(now time.Time) *path.Path {
	return path.SelectPreferred(p.Paths(), now)
}

// AllowPushDirectPath enforces the per-scope/family rate limit on
// PUSH_DIRECT_PATHS-learned addresses. scopeFamily is a
// caller-supplied key identifying the address scope and family (e.g.
// "global/4"). Counts are never reset, so each key admits at most
// PushDirectPathsMaxPerScopeAndFamily addresses over the peer's lifetime.
func (p *Peer) AllowPushDirectPath(scopeFamily string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pushCounts[scopeFamily] >= PushDirectPathsMaxPerScopeAndFamily {
		return false
	}
	p.pushCounts[scopeFamily]++
	return true
}
