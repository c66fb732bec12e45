// Package topology implements the peer/path registry:
// address/fingerprint/probe-token indices over peers, a deduplicated path
// table, root ranking, and periodic GC. A live peer/path registry guarded
// by a read/write lock: lookups take the shared lock, mutations take the
// exclusive lock.
package topology

import (
	"sync"
	"time"

	"github.com/0-8-15/beaver/endpoint"
	"github.com/0-8-15/beaver/identity"
	"github.com/0-8-15/beaver/path"
	"github.com/0-8-15/beaver/peer"
)

// Topology owns the peer and path indices for a running node.
type Topology struct {
	mu sync.RWMutex

	byAddress     map[identity.Address]*peer.Peer
	byFingerprint map[identity.Address]identity.Fingerprint
	byProbeToken  map[uint64]*peer.Peer
	paths         map[path.Key]*path.Path

	roots []*peer.Peer
}

// New creates an empty Topology.
func New() *Topology {
	return &Topology{
		byAddress:     make(map[identity.Address]*peer.Peer),
		byFingerprint: make(map[identity.Address]identity.Fingerprint),
		byProbeToken:  make(map[uint64]*peer.Peer),
		paths:         make(map[path.Key]*path.Path),
	}
}

// AddPeer installs p under its identity's address, fingerprint, and
// incoming-probe-token indices.
func (t *Topology) AddPeer(p *peer.Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := p.Identity().Address()
	t.byAddress[addr] = p
	t.byFingerprint[addr] = p.Identity().Fingerprint()
	t.byProbeToken[p.ProbeToken()] = p
	if p.IsRoot() {
		t.addRootLocked(p)
	}
}

func (t *Topology) addRootLocked(p *peer.Peer) {
	for _, r := range t.roots {
		if r == p {
			return
		}
	}
	t.roots = append(t.roots, p)
}

// SetProbeToken indexes p under an incoming probe token.
func (t *Topology) SetProbeToken(token uint64, p *peer.Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byProbeToken[token] = p
}

// GetPeer looks up a peer by address.
func (t *Topology) GetPeer(addr identity.Address) (*peer.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byAddress[addr]
	return p, ok
}

// GetPeerByFingerprint looks up a peer by its full fingerprint, rejecting
// an address whose stored identity hash does not match (identity
// collision detection).
func (t *Topology) GetPeerByFingerprint(fp identity.Fingerprint) (*peer.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	have, ok := t.byFingerprint[fp.Address]
	if !ok || !have.Equal(fp) {
		return nil, false
	}
	return t.byAddress[fp.Address], true
}

// GetPeerByProbeToken looks up a peer by incoming probe token.
func (t *Topology) GetPeerByProbeToken(token uint64) (*peer.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byProbeToken[token]
	return p, ok
}

// GetPath looks up the deduplicated Path for (local, remote), or nil if
// none has been registered yet.
func (t *Topology) GetPath(local path.LocalSocket, remote endpoint.Endpoint) *path.Path {
	key := path.NewKey(local, remote)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.paths[key]
}

// AddPath installs a new Path into the dedup table under its key,
// returning the existing entry if one is already present.
func (t *Topology) AddPath(p *path.Path) *path.Path {
	key := p.Key()
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.paths[key]; ok {
		return existing
	}
	t.paths[key] = p
	return p
}

// Roots returns a snapshot of the current root list, sorted best-first:
// active roots (received within the alive window) before inactive, lowest
// latency first among active, most-recent last_in first among inactive.
func (t *Topology) Roots(now time.Time) []*peer.Peer {
	t.mu.RLock()
	roots := make([]*peer.Peer, len(t.roots))
	copy(roots, t.roots)
	t.mu.RUnlock()

	sortRoots(roots, now)
	return roots
}

// RootForRelay returns the best root to use as a last-resort relay, or
// nil if there are no roots.
func (t *Topology) RootForRelay(now time.Time) *peer.Peer {
	roots := t.Roots(now)
	if len(roots) == 0 {
		return nil
	}
	return roots[0]
}

func sortRoots(roots []*peer.Peer, now time.Time) {
	isActive := func(p *peer.Peer) bool {
		pref := p.PreferredPath(now)
		return pref != nil
	}
	latency := func(p *peer.Peer) (time.Duration, bool) {
		pref := p.PreferredPath(now)
		if pref == nil {
			return 0, false
		}
		return pref.Latency()
	}
	lastIn := func(p *peer.Peer) time.Time {
		var best time.Time
		for _, pa := range p.Paths() {
			if in := pa.LastIn(); in.After(best) {
				best = in
			}
		}
		return best
	}

	// Simple insertion sort: root counts are small (a handful of
	// configured roots), so an O(n^2) pass avoids pulling in sort.Slice's
	// closure-capture subtleties for a list this size.
	for i := 1; i < len(roots); i++ {
		j := i
		for j > 0 && less(roots[j], roots[j-1], isActive, latency, lastIn) {
			roots[j], roots[j-1] = roots[j-1], roots[j]
			j--
		}
	}
}

func less(a, b *peer.Peer,
	isActive func(*peer.Peer) bool,
	latency func(*peer.Peer) (time.Duration, bool),
	lastIn func(*peer.Peer) time.Time) bool {

	aActive, bActive := isActive(a), isActive(b)
	if aActive != bActive {
		return aActive
	}
	if aActive {
		aLat, aHas := latency(a)
		bLat, bHas := latency(b)
		if aHas != bHas {
			return aHas
		}
		if aHas && bHas && aLat != bLat {
			return aLat < bLat
		}
		return false
	}
	return lastIn(a).After(lastIn(b))
}

// GC evicts peers that are non-root and have been silent for
// peer.GlobalTimeout, and paths with no remaining peer references that
// have likewise gone idle.
func (t *Topology) GC(now time.Time) (peersEvicted, pathsEvicted int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for addr, p := range t.byAddress {
		if p.Expire(now) {
			delete(t.byAddress, addr)
			delete(t.byFingerprint, addr)
			for token, tp := range t.byProbeToken {
				if tp == p {
					delete(t.byProbeToken, token)
				}
			}
			peersEvicted++
		}
	}

	referenced := make(map[path.Key]bool)
	for _, p := range t.byAddress {
		for _, pa := range p.Paths() {
			referenced[pa.Key()] = true
		}
	}
	cutoff := now.Add(-peer.GlobalTimeout)
	for key, pa := range t.paths {
		if referenced[key] {
			continue
		}
		if pa.Idle(cutoff) {
			delete(t.paths, key)
			pathsEvicted++
		}
	}
	return peersEvicted, pathsEvicted
}
