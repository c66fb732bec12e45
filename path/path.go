// Package path implements per-remote-socket path state: liveness,
// latency tracking, and the keepalive schedule driving re-HELLO/ECHO
// pulses. A mutex-guarded struct of last-activity and counter fields
// reached through accessor methods, one per path endpoint.
package path

import (
	"sync"
	"time"

	beavercrypto "github.com/0-8-15/beaver/crypto"
	"github.com/0-8-15/beaver/endpoint"
)

// Timing constants.
const (
	// AliveTimeout is how long since last_in a path is still considered
	// alive for selection purposes.
	AliveTimeout = 45 * time.Second
	// KeepalivePeriod is the silence interval after which a pulse (ECHO or
	// due HELLO) is sent on a path.
	KeepalivePeriod = 20 * time.Second
)

// LocalSocket identifies the local listening socket a path was learned
// over (there may be more than one, e.g. multiple UDP sockets bound to
// different interfaces).
type LocalSocket uint32

// Key uniquely identifies a path: the local socket plus the remote
// endpoint string form, matching the topology's dedup table.
type Key struct {
	Local  LocalSocket
	Remote string
}

// NewKey builds a Key from a local socket and remote endpoint.
func NewKey(local LocalSocket, remote endpoint.Endpoint) Key {
	return Key{Local: local, Remote: remote.String()}
}

// Path tracks liveness and activity for one (local_socket, remote_addr)
// pair.
type Path struct {
	mu       sync.Mutex
	local    LocalSocket
	remote   endpoint.Endpoint
	lastIn   time.Time
	lastOut  time.Time
	latency  time.Duration
	hasLatency bool
	trusted  bool
	tentative bool
}

// New creates a Path over the given local socket and remote endpoint.
func New(local LocalSocket, remote endpoint.Endpoint) *Path {
	return &Path{local: local, remote: remote}
}

func (p *Path) Local() LocalSocket          { return p.local }
func (p *Path) Remote() endpoint.Endpoint   { return p.remote }
func (p *Path) Key() Key                    { return NewKey(p.local, p.remote) }

// Fingerprint returns a fast, non-adversarial-resistant hash of this
// path's identity (local socket plus remote endpoint string), used for
// scoring and log correlation rather than security-critical comparisons.
func (p *Path) Fingerprint() [16]byte {
	key := p.Key()
	buf := make([]byte, 4+len(key.Remote))
	buf[0] = byte(key.Local >> 24)
	buf[1] = byte(key.Local >> 16)
	buf[2] = byte(key.Local >> 8)
	buf[3] = byte(key.Local)
	copy(buf[4:], key.Remote)
	return beavercrypto.FastHash128(buf)
}

// Tentative reports whether this path was marked tentative when it was
// learned. Nothing in this module clears the mark once set, and
// SelectPreferred does not consult it.
func (p *Path) Tentative() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tentative
}

// SetTentative marks the path tentative or confirmed.
func (p *Path) SetTentative(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tentative = v
}

// Trusted reports whether this path was established over a pre-shared
// trusted channel (cipher suite NONE_TRUSTED_PATH).
func (p *Path) Trusted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.trusted
}

func (p *Path) SetTrusted(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trusted = v
}

// RecordReceive updates last_in to now, the one mutation every inbound
// packet performs on its path regardless of verb.
func (p *Path) RecordReceive(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastIn = now
}

// RecordSend updates last_out to now.
func (p *Path) RecordSend(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastOut = now
}

// RecordLatencySample folds a new round-trip measurement into the path's
// latency estimate. A simple running minimum is used: the lowest
// confirmed RTT is the most trustworthy single indicator of link quality,
// and avoids decaying average logic this implementation does not need.
func (p *Path) RecordLatencySample(rtt time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasLatency || rtt < p.latency {
		p.latency = rtt
		p.hasLatency = true
	}
}

// Latency returns the current latency estimate and whether one has been
// recorded yet.
func (p *Path) Latency() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latency, p.hasLatency
}

// LastIn returns the last inbound-packet timestamp.
func (p *Path) LastIn() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastIn
}

// LastOut returns the last outbound-packet timestamp.
func (p *Path) LastOut() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOut
}

// Alive reports whether the path has received a packet within
// AliveTimeout of now.
func (p *Path) Alive(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastIn.IsZero() {
		return false
	}
	return now.Sub(p.lastIn) < AliveTimeout
}

// NeedsPulse reports whether the path has been silent outbound for
// KeepalivePeriod and therefore needs an ECHO (or due HELLO) pulse.
func (p *Path) NeedsPulse(now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastOut.IsZero() {
		return true
	}
	return now.Sub(p.lastOut) >= KeepalivePeriod
}

// Idle reports whether the path has had no inbound or outbound activity
// since cutoff. It does not look at references; topology's GC checks
// those itself and drops only unreferenced paths that are also Idle.
func (p *Path) Idle(cutoff time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	last := p.lastIn
	if p.lastOut.After(last) {
		last = p.lastOut
	}
	return last.Before(cutoff)
}

// SelectPreferred implements the path selection rule: among
// paths alive at now, prefer lowest latency, breaking ties by most recent
// last_in. Returns nil if no path is alive (caller falls back to the best
// root's best path).
func SelectPreferred(paths []*Path, now time.Time) *Path {
	var best *Path
	var bestLatency time.Duration
	var bestHasLatency bool
	var bestLastIn time.Time

	for _, p := range paths {
		if !p.Alive(now) {
			continue
		}
		lat, hasLat := p.Latency()
		lastIn := p.LastIn()

		if best == nil {
			best, bestLatency, bestHasLatency, bestLastIn = p, lat, hasLat, lastIn
			continue
		}

		switch {
		case hasLat && !bestHasLatency:
			best, bestLatency, bestHasLatency, bestLastIn = p, lat, hasLat, lastIn
		case hasLat && bestHasLatency && lat < bestLatency:
			best, bestLatency, bestHasLatency, bestLastIn = p, lat, hasLat, lastIn
		case hasLat == bestHasLatency && lat == bestLatency && lastIn.After(bestLastIn):
			best, bestLatency, bestHasLatency, bestLastIn = p, lat, hasLat, lastIn
		}
	}
	return best
}
