// Package node implements the receive and transmit pipelines that tie
// identity, packet codec, reassembly, path, peer, topology, and world
// together into a running node loop: a single type that dispatches
// packets by verb and drives each peer's handshake state machine, but
// one that owns many peers and paths at once over connectionless
// UDP-shaped sends rather than a single stream connection.
package node

import (
	"context"
	"crypto/hmac"
	cryptorand "crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	beavercrypto "github.com/0-8-15/beaver/crypto"
	"github.com/0-8-15/beaver/endpoint"
	"github.com/0-8-15/beaver/identity"
	"github.com/0-8-15/beaver/packet"
	"github.com/0-8-15/beaver/path"
	"github.com/0-8-15/beaver/peer"
	"github.com/0-8-15/beaver/reassembly"
	"github.com/0-8-15/beaver/topology"
	"github.com/0-8-15/beaver/world"
)

// Normative constants.
const (
	RelayMaxHops     = 4 // operational default; protocol ceiling is packet.MaxHops (7)
	WhoisRetryDelay  = 500 * time.Millisecond
	DefaultPathMTU   = 1400
)

// ObjectType enumerates the host persistence object kinds.
type ObjectType int

const (
	ObjectIdentitySecret ObjectType = iota
	ObjectIdentityPublic
	ObjectRoots
	ObjectPeer
	ObjectPlanet
	ObjectMoon
)

// Wire is the host-provided datagram transport. localSocket == -1 means "send on all sockets of the
// appropriate family."
type Wire interface {
	Send(localSocket int, dest endpoint.Endpoint, data []byte, ipTTLHint int) error
}

// Store is the host-provided persistence callback pair.
type Store interface {
	Get(objType ObjectType, id [2]uint64) ([]byte, bool)
	Put(objType ObjectType, id [2]uint64, data []byte) error
}

// PathChecker lets the host veto or hint paths. A nil PathChecker allows everything and hints nothing.
type PathChecker interface {
	Check(addr identity.Address, ep endpoint.Endpoint) bool
	Lookup(addr identity.Address, family int) (endpoint.Endpoint, bool)
}

// Config bundles a node's dependencies, taking an explicit *slog.Logger
// alongside its functional collaborators instead of relying on a global
// logger.
type Config struct {
	Identity    *identity.Identity
	Wire        Wire
	Store       Store
	PathCheck   PathChecker
	Logger      *slog.Logger
	DefaultMTU  int
	DefaultCipher packet.CipherSuite

	// Trace, if set, receives a call when a world is installed and when a
	// new tentative path is learned, in addition to whatever Logger records. It lets a host mirror this node's internal
	// trace stream into its own diagnostics pipeline without parsing log
	// lines.
	Trace func(level slog.Level, msg string, args ...any)
}

// trace calls cfg.Trace if one was supplied, in addition to the node's own
// structured logger (which always receives the same event via n.log).
func (n *Node) trace(level slog.Level, msg string, args ...any) {
	if n.cfg.Trace != nil {
		n.cfg.Trace(level, msg, args...)
	}
}

// Node owns the topology, the local identity, and per-path reassembly
// state for one running instance.
type Node struct {
	cfg Config
	log *slog.Logger

	topology *topology.Topology

	reassemblyMu sync.Mutex
	reassemblers map[path.Key]*reassembly.Assembler

	worldMu sync.RWMutex
	world   *world.World

	dropCounter uint64

	whoisMu    sync.Mutex
	whoisQueue map[identity.Address][]queuedPacket
}

type queuedPacket struct {
	data     []byte
	local    path.LocalSocket
	remote   endpoint.Endpoint
	queuedAt time.Time
}

// New constructs a Node. cfg.Logger may be nil (slog.Default is used);
// cfg.DefaultMTU defaults to DefaultPathMTU; cfg.DefaultCipher defaults to
// POLY1305_SALSA2012.
func New(cfg Config) (*Node, error) {
	if cfg.Identity == nil {
		return nil, errors.New("node: identity is required")
	}
	if cfg.Wire == nil {
		return nil, errors.New("node: wire is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	mtu := cfg.DefaultMTU
	if mtu == 0 {
		mtu = DefaultPathMTU
	}
	cfg.DefaultMTU = mtu
	// A zero-value DefaultCipher (also POLY1305_NONE's own wire value)
	// defaults to POLY1305_SALSA2012, the standing default; POLY1305_NONE is
	// only ever used explicitly for HELLO
	// bootstrap and ERROR replies, not as a configurable node-wide
	// default, so this collision is harmless in practice.
	if cfg.DefaultCipher == packet.CipherPoly1305None {
		cfg.DefaultCipher = packet.CipherPoly1305Salsa2012
	}

	return &Node{
		cfg:          cfg,
		log:          logger,
		topology:     topology.New(),
		reassemblers: make(map[path.Key]*reassembly.Assembler),
		whoisQueue:   make(map[identity.Address][]queuedPacket),
	}, nil
}

func (n *Node) assemblerFor(key path.Key) *reassembly.Assembler {
	n.reassemblyMu.Lock()
	defer n.reassemblyMu.Unlock()
	a, ok := n.reassemblers[key]
	if !ok {
		a = reassembly.New(n.log)
		n.reassemblers[key] = a
	}
	return a
}

func (n *Node) dropped(reason string) {
	n.dropCounter++
	n.log.Debug("dropped packet", "reason", reason)
}

// DropCount reports the cumulative number of dropped inbound datagrams,
// for diagnostics.
func (n *Node) DropCount() uint64 { return n.dropCounter }

// Topology exposes the node's peer/path registry.
func (n *Node) Topology() *topology.Topology { return n.topology }

// CurrentWorld returns the currently installed root document, if any.
func (n *Node) CurrentWorld() *world.World {
	n.worldMu.RLock()
	defer n.worldMu.RUnlock()
	return n.world
}

// SetWorld atomically installs a new World if it either is the first one
// or should_be_replaced_by accepts it.
func (n *Node) SetWorld(w *world.World) error {
	n.worldMu.Lock()
	defer n.worldMu.Unlock()
	if n.world != nil {
		if err := n.world.ShouldBeReplacedBy(w); err != nil {
			return err
		}
	}
	n.world = w
	for _, r := range w.Roots {
		p := peer.New(r.Identity)
		p.SetRoot(true)
		n.topology.AddPeer(p)
	}
	n.log.Info("world installed", "type", w.Type, "id", w.ID, "timestamp", w.Timestamp, "roots", len(w.Roots))
	n.trace(slog.LevelInfo, "world installed", "type", w.Type, "id", w.ID, "timestamp", w.Timestamp, "roots", len(w.Roots))
	return nil
}

// localStateKey derives the symmetric key guarding the host's at-rest
// object cache from this node's own identity, so no separate key-store is
// needed for SaveWorld/LoadWorld.
func (n *Node) localStateKey() ([32]byte, error) {
	var key [32]byte
	derived, err := beavercrypto.KDF(n.cfg.Identity.Marshal(true), nil, "beaver-local-state", 32)
	if err != nil {
		return key, err
	}
	copy(key[:], derived)
	return key, nil
}

// SaveWorld serializes the current world document, seals it with
// AEADTrustedRelay under a key derived from this node's own identity, and
// hands the result to cfg.Store under ObjectRoots. A no-op if no world has
// been set or no Store is configured.
func (n *Node) SaveWorld() error {
	w := n.CurrentWorld()
	if w == nil || n.cfg.Store == nil {
		return nil
	}
	key, err := n.localStateKey()
	if err != nil {
		return fmt.Errorf("node: local state key: %w", err)
	}
	seal, _, err := beavercrypto.AEADTrustedRelay(&key)
	if err != nil {
		return fmt.Errorf("node: world cache seal: %w", err)
	}
	var nonce [12]byte
	if _, err := cryptorand.Read(nonce[:]); err != nil {
		return fmt.Errorf("node: world cache nonce: %w", err)
	}
	sealed := seal(w.Serialize(true), nonce[:])
	out := append(append([]byte{}, nonce[:]...), sealed...)
	return n.cfg.Store.Put(ObjectRoots, [2]uint64{w.ID, 0}, out)
}

// LoadWorld reads back a world document previously written by SaveWorld
// for the given world ID, opening it with the same identity-derived key,
// and installs it via SetWorld. Returns false if nothing was stored.
func (n *Node) LoadWorld(worldID uint64) (bool, error) {
	if n.cfg.Store == nil {
		return false, nil
	}
	raw, ok := n.cfg.Store.Get(ObjectRoots, [2]uint64{worldID, 0})
	if !ok {
		return false, nil
	}
	if len(raw) < 12 {
		return false, fmt.Errorf("node: world cache truncated")
	}
	key, err := n.localStateKey()
	if err != nil {
		return false, fmt.Errorf("node: local state key: %w", err)
	}
	_, open, err := beavercrypto.AEADTrustedRelay(&key)
	if err != nil {
		return false, fmt.Errorf("node: world cache open: %w", err)
	}
	plain, err := open(raw[12:], raw[:12])
	if err != nil {
		return false, fmt.Errorf("node: world cache decrypt: %w", err)
	}
	w, err := world.Deserialize(plain)
	if err != nil {
		return false, fmt.Errorf("node: world cache deserialize: %w", err)
	}
	if err := n.SetWorld(w); err != nil {
		return false, err
	}
	return true, nil
}

// ProcessWirePacket implements the node loop's receive path. ctx is not
// consulted: the codec, relay and dispatch steps are all synchronous and
// CPU-bound.
func (n *Node) ProcessWirePacket(ctx context.Context, local path.LocalSocket, now time.Time, remote endpoint.Endpoint, data []byte) error {
	if len(data) < packet.MinPacketLen {
		n.dropped("truncated")
		return nil
	}

	if packet.IsFragment(data) {
		return n.handleFragment(local, remote, data)
	}

	p := packet.Packet(data)
	dest := p.Dest()

	if dest != n.cfg.Identity.Address() {
		return n.relay(local, remote, p)
	}

	srcAddr := p.Source()
	src, ok := n.topology.GetPeer(srcAddr)
	if !ok && p.Verb() != packet.VerbHELLO {
		n.queueForWhois(srcAddr, local, remote, data, now)
		return nil
	}

	return n.acceptFromKnownOrHelloPeer(local, now, remote, p, src)
}

func (n *Node) handleFragment(local path.LocalSocket, remote endpoint.Endpoint, data []byte) error {
	key := path.NewKey(local, remote)
	a := n.assemblerFor(key)

	f := packet.Fragment(data)
	if err := a.AddFragment(f); err != nil {
		n.dropped("fragment: " + err.Error())
		return nil
	}
	if assembled, ok := a.TryAssemble(f.PacketID()); ok {
		return n.ProcessWirePacket(context.Background(), local, time.Now(), remote, assembled)
	}
	return nil
}

// RegisterFragmentHeader feeds fragment 0 (a FRAGMENTED packet that did
// not itself carry the sentinel byte) into the path's reassembler. The
// node loop calls this before falling into the ordinary header-processing
// path whenever a packet's FRAGMENTED bit is set.
func (n *Node) RegisterFragmentHeader(local path.LocalSocket, remote endpoint.Endpoint, p packet.Packet) error {
	key := path.NewKey(local, remote)
	a := n.assemblerFor(key)
	return a.AddHeader(p)
}

func (n *Node) relay(local path.LocalSocket, remote endpoint.Endpoint, p packet.Packet) error {
	if p.Hops() >= RelayMaxHops || !p.IncrementHops() {
		n.log.Debug("relay hop limit exceeded", "dest", p.Dest())
		return n.replyError(local, remote, p, packet.ErrorCannotDeliver)
	}
	dest, ok := n.topology.GetPeer(p.Dest())
	if !ok {
		return n.replyError(local, remote, p, packet.ErrorCannotDeliver)
	}
	pref := dest.PreferredPath(time.Now())
	if pref == nil {
		return n.replyError(local, remote, p, packet.ErrorCannotDeliver)
	}
	return n.cfg.Wire.Send(int(pref.Local()), pref.Remote(), p, 0)
}

var errCannotDeliver = errors.New("node: cannot deliver")

func (n *Node) queueForWhois(addr identity.Address, local path.LocalSocket, remote endpoint.Endpoint, data []byte, now time.Time) {
	n.whoisMu.Lock()
	defer n.whoisMu.Unlock()

	q := n.whoisQueue[addr]
	if len(q) >= 32 { // bounded queue per unknown address
		return
	}
	q = append(q, queuedPacket{data: append([]byte{}, data...), local: local, remote: remote, queuedAt: now})
	n.whoisQueue[addr] = q

	root := n.topology.RootForRelay(now)
	if root == nil {
		return
	}
	if !root.AllowWhois(now, WhoisRetryDelay) {
		return
	}
	n.sendWhois(root, addr)
}

func (n *Node) sendWhois(root *peer.Peer, addr identity.Address) {
	key, ok := root.SessionKey()
	if !ok {
		return
	}
	p, err := packet.NewPacket(root.Identity().Address(), n.cfg.Identity.Address(), packet.VerbWHOIS, len(addr))
	if err != nil {
		n.log.Debug("build whois failed", "err", err)
		return
	}
	copy(p.VerbPayload(), addr[:])
	if err := packet.Armor(p, &key, n.cfg.DefaultCipher); err != nil {
		n.log.Debug("armor whois failed", "err", err)
		return
	}
	pref := root.PreferredPath(time.Now())
	if pref == nil {
		return
	}
	_ = n.cfg.Wire.Send(int(pref.Local()), pref.Remote(), p, 0)
}

// ResolveWhois installs a newly learned identity in the topology and
// dispatches any packets that were queued for it while it was unknown.
func (n *Node) ResolveWhois(id *identity.Identity) error {
	addr := id.Address()
	if !id.LocallyValidate() {
		return fmt.Errorf("node: whois result failed local validation")
	}

	p := peer.New(id)
	sessionKey, err := n.cfg.Identity.Agree(id)
	if err != nil {
		return fmt.Errorf("node: agree with resolved identity: %w", err)
	}
	p.SetSessionKey(sessionKey)
	n.topology.AddPeer(p)

	n.whoisMu.Lock()
	queued := n.whoisQueue[addr]
	delete(n.whoisQueue, addr)
	n.whoisMu.Unlock()

	for _, q := range queued {
		_ = n.ProcessWirePacket(context.Background(), q.local, time.Now(), q.remote, q.data)
	}
	return nil
}

// SendHello originates a HELLO to a known remote identity over the given
// local socket and remote endpoint, registering (or reusing) the peer and
// transitioning its state NEW -> SENT_HELLO. Sent in clear, MAC'd with the
// session key derived from agree(remote_identity).
func (n *Node) SendHello(target *identity.Identity, local path.LocalSocket, remote endpoint.Endpoint) (*peer.Peer, error) {
	p, ok := n.topology.GetPeer(target.Address())
	if !ok {
		p = peer.New(target)
		key, err := n.cfg.Identity.Agree(target)
		if err != nil {
			return nil, fmt.Errorf("node: agree: %w", err)
		}
		p.SetSessionKey(key)
		n.topology.AddPeer(p)
	}
	pa := n.pathFor(p, local, remote)

	key, _ := p.SessionKey()
	payload := buildHelloPayload(n.cfg.Identity, p.ProbeToken(), &key)
	pkt, err := packet.NewPacket(target.Address(), n.cfg.Identity.Address(), packet.VerbHELLO, len(payload))
	if err != nil {
		return nil, err
	}
	copy(pkt.VerbPayload(), payload)
	if err := packet.Armor(pkt, &key, packet.CipherPoly1305None); err != nil {
		return nil, err
	}

	now := time.Now()
	if err := n.cfg.Wire.Send(int(local), remote, pkt, 0); err != nil {
		return nil, err
	}
	p.SendHello(now)
	pa.RecordSend(now)
	return p, nil
}

// helloHMACLen is the trailing SHA-384 HMAC width carried by every HELLO,
// giving the identity exchange authentication independent of the 8-byte
// truncated poly1305 tag POLY1305_NONE puts on the packet itself.
const helloHMACLen = 48

// buildHelloPayload assembles the fixed prefix (protocol version, major,
// minor, revision, timestamp), the sender's own identity, and the
// sender-side incoming-probe-token, trailing in that order, followed by a
// 48-byte HMAC-SHA384 over all of the above keyed on the session key agreed
// with the recipient. The token lets the responder's OK(HELLO) echo back a
// value the initiator can use to correlate the reply to the pending peer
// record without redoing an address lookup.
func buildHelloPayload(self *identity.Identity, probeToken uint64, sessionKey *[32]byte) []byte {
	const protocolVersion = 11
	fixed := make([]byte, 1+1+1+2+8)
	fixed[0] = protocolVersion
	fixed[1] = 0 // major
	fixed[2] = 1 // minor
	binary.BigEndian.PutUint16(fixed[3:5], 0) // revision
	binary.BigEndian.PutUint64(fixed[5:13], uint64(time.Now().UnixMilli()))
	out := append(fixed, self.Marshal(false)...)
	var tokenBuf [8]byte
	binary.BigEndian.PutUint64(tokenBuf[:], probeToken)
	out = append(out, tokenBuf[:]...)
	tag := helloHMAC(sessionKey, out)
	return append(out, tag[:]...)
}

// helloHMAC computes the HELLO authentication trailer: HMAC-SHA384 keyed on
// the agreed session key, over the HELLO plaintext preceding the trailer.
func helloHMAC(sessionKey *[32]byte, body []byte) [helloHMACLen]byte {
	mac := hmac.New(sha512.New384, sessionKey[:])
	mac.Write(body)
	var out [helloHMACLen]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// verifyHelloHMAC recomputes the HMAC over payload[:consumed] and compares
// it against the trailer found at payload[consumed:consumed+helloHMACLen].
func verifyHelloHMAC(sessionKey *[32]byte, payload []byte, consumed int) bool {
	if len(payload) < consumed+helloHMACLen {
		return false
	}
	want := payload[consumed : consumed+helloHMACLen]
	got := helloHMAC(sessionKey, payload[:consumed])
	return hmac.Equal(got[:], want)
}

func (n *Node) acceptFromKnownOrHelloPeer(local path.LocalSocket, now time.Time, remote endpoint.Endpoint, p packet.Packet, src *peer.Peer) error {
	if src == nil {
		// HELLO from an as-yet-unknown identity: the verb payload itself
		// carries the sender's identity, and
		// HELLO is always sent cipher=POLY1305_NONE so it can be dearmored
		// without a session key.
		return n.handleHelloFromUnknown(local, now, remote, p)
	}

	key, ok := src.SessionKey()
	if !ok {
		n.dropped("no session key")
		return nil
	}
	if err := packet.Dearmor(p, &key); err != nil {
		n.dropped("bad mac")
		return nil
	}

	pa := n.pathFor(src, local, remote)
	pa.RecordReceive(now)
	src.RecordReceive(now)

	return n.dispatch(local, now, remote, p, src, pa)
}

func (n *Node) pathFor(p *peer.Peer, local path.LocalSocket, remote endpoint.Endpoint) *path.Path {
	pa := n.topology.GetPath(local, remote)
	if pa == nil {
		pa = path.New(local, remote)
		pa = n.topology.AddPath(pa)
		pa.SetTentative(true)
		n.log.Debug("new tentative path", "addr", p.Identity().Address(), "fingerprint", fmt.Sprintf("%x", pa.Fingerprint()))
		n.trace(slog.LevelDebug, "new tentative path", "addr", p.Identity().Address())
	}
	p.AddPath(pa)
	return pa
}

func (n *Node) dispatch(local path.LocalSocket, now time.Time, remote endpoint.Endpoint, p packet.Packet, src *peer.Peer, pa *path.Path) error {
	switch p.Verb() {
	case packet.VerbNOP:
		return nil
	case packet.VerbECHO:
		return n.replyOK(src, pa, p, p.VerbPayload())
	case packet.VerbHELLO:
		return n.handleHelloFromKnown(now, p, src, pa)
	case packet.VerbOK:
		return n.handleOK(now, p, src)
	case packet.VerbWHOIS:
		return n.handleWhoisRequest(src, pa, p)
	case packet.VerbRENDEZVOUS:
		return n.handleRendezvous(local, p)
	case packet.VerbPUSH_DIRECT_PATHS:
		return n.handlePushDirectPaths(local, src, p)
	case packet.VerbERROR:
		return nil
	default:
		return nil
	}
}

// handleHelloFromUnknown handles a HELLO from an identity this node has no
// peer record for yet. HELLO is always sent cipher=POLY1305_NONE, which
// leaves the verb payload in the clear (only the MAC is computed, the body
// is never XOR'd), so the sender's identity can be read straight off the
// wire before any key is known. Once parsed, agree(id) reconstructs the
// same session key the sender used, and that key both verifies the packet
// MAC and the HELLO's own HMAC-SHA384 trailer.
func (n *Node) handleHelloFromUnknown(local path.LocalSocket, now time.Time, remote endpoint.Endpoint, p packet.Packet) error {
	payload := p.VerbPayload()
	id, probeToken, consumed, err := parseHelloIdentity(payload)
	if err != nil {
		n.dropped("hello malformed")
		return nil
	}
	if !id.LocallyValidate() || id.Address() != p.Source() {
		n.dropped("hello identity mismatch")
		return nil
	}

	if existing, ok := n.topology.GetPeer(id.Address()); ok {
		if !existing.Identity().Fingerprint().Equal(id.Fingerprint()) {
			return n.replyError(local, remote, p, packet.ErrorIdentityCollision)
		}
	}

	key, err := n.cfg.Identity.Agree(id)
	if err != nil {
		return fmt.Errorf("node: agree: %w", err)
	}
	if err := packet.Dearmor(p, &key); err != nil {
		n.dropped("hello bad mac")
		return nil
	}
	if !verifyHelloHMAC(&key, payload, consumed) {
		n.dropped("hello bad hmac")
		return nil
	}

	src := peer.New(id)
	src.SetSessionKey(key)
	n.topology.AddPeer(src)

	pa := n.pathFor(src, local, remote)
	pa.RecordReceive(now)
	src.RecordReceive(now)

	return n.replyOKHello(p, src, pa, probeToken)
}

func (n *Node) handleHelloFromKnown(now time.Time, p packet.Packet, src *peer.Peer, pa *path.Path) error {
	payload := p.VerbPayload()
	id, probeToken, consumed, err := parseHelloIdentity(payload)
	if err != nil {
		n.dropped("hello malformed")
		return nil
	}
	if !id.Fingerprint().Equal(src.Identity().Fingerprint()) {
		return nil // identity collision: handled at the unknown-peer path; an already-keyed peer cannot reach here with a mismatched identity
	}
	key, ok := src.SessionKey()
	if !ok {
		return nil
	}
	if !verifyHelloHMAC(&key, payload, consumed) {
		n.dropped("hello bad hmac")
		return nil
	}
	return n.replyOKHello(p, src, pa, probeToken)
}

func (n *Node) replyOKHello(req packet.Packet, src *peer.Peer, pa *path.Path, echoProbeToken uint64) error {
	key, ok := src.SessionKey()
	if !ok {
		return nil
	}
	payload := buildVersionPayload(req.PacketID(), echoProbeToken)
	p, err := packet.NewPacket(src.Identity().Address(), n.cfg.Identity.Address(), packet.VerbOK, len(payload))
	if err != nil {
		return err
	}
	copy(p.VerbPayload(), payload)
	if err := packet.Armor(p, &key, n.cfg.DefaultCipher); err != nil {
		return err
	}
	err = n.cfg.Wire.Send(int(pa.Local()), pa.Remote(), p, 0)
	if err == nil {
		pa.RecordSend(time.Now())
	}
	return err
}

// handleOK dispatches an OK reply by its in-re-verb byte: OK(HELLO) carries
// version info that advances the peer's handshake state, OK(WHOIS) carries
// a resolved identity that feeds ResolveWhois. Replies to verbs this node
// does not track completions for are ignored.
func (n *Node) handleOK(now time.Time, p packet.Packet, src *peer.Peer) error {
	payload := p.VerbPayload()
	if len(payload) < 1+8 {
		n.dropped("ok malformed")
		return nil
	}
	inReVerb := packet.Verb(payload[0])
	switch inReVerb {
	case packet.VerbHELLO:
		v, echoToken := parseVersionPayload(payload)
		if echoToken != 0 && echoToken != src.ProbeToken() {
			n.log.Debug("ok(hello) probe token mismatch", "addr", src.Identity().Address())
		}
		src.ReceiveOKHello(now, v)
	case packet.VerbWHOIS:
		id, err := identity.Unmarshal(payload[9:])
		if err != nil {
			n.dropped("ok(whois) malformed")
			return nil
		}
		if err := n.ResolveWhois(id); err != nil {
			n.log.Debug("ok(whois) resolve failed", "err", err)
		}
	}
	return nil
}

// replyOK sends a generic OK reply to req, prefixing echoPayload with the
// in-re-verb(1), in-re-packet-id(8) fields every OK carries regardless of
// which verb it answers.
func (n *Node) replyOK(src *peer.Peer, pa *path.Path, req packet.Packet, echoPayload []byte) error {
	key, ok := src.SessionKey()
	if !ok {
		return nil
	}
	payload := make([]byte, 1+8+len(echoPayload))
	payload[0] = byte(req.Verb())
	binary.BigEndian.PutUint64(payload[1:9], req.PacketID())
	copy(payload[9:], echoPayload)

	p, err := packet.NewPacket(src.Identity().Address(), n.cfg.Identity.Address(), packet.VerbOK, len(payload))
	if err != nil {
		return err
	}
	copy(p.VerbPayload(), payload)
	if err := packet.Armor(p, &key, n.cfg.DefaultCipher); err != nil {
		return err
	}
	err = n.cfg.Wire.Send(int(pa.Local()), pa.Remote(), p, 0)
	if err == nil {
		pa.RecordSend(time.Now())
	}
	return err
}

func (n *Node) replyError(local path.LocalSocket, remote endpoint.Endpoint, req packet.Packet, code packet.ErrorCode) error {
	payload := make([]byte, 1+8+1)
	payload[0] = byte(req.Verb())
	binary.BigEndian.PutUint64(payload[1:9], req.PacketID())
	payload[9] = byte(code)

	p, err := packet.NewPacket(req.Source(), n.cfg.Identity.Address(), packet.VerbERROR, len(payload))
	if err != nil {
		return err
	}
	copy(p.VerbPayload(), payload)
	if err := packet.Armor(p, new([32]byte), packet.CipherPoly1305None); err != nil {
		return err
	}
	return n.cfg.Wire.Send(int(local), remote, p, 0)
}

func (n *Node) handleWhoisRequest(src *peer.Peer, pa *path.Path, p packet.Packet) error {
	payload := p.VerbPayload()
	if len(payload) < identity.AddressLength {
		return nil
	}
	var addr identity.Address
	copy(addr[:], payload[:identity.AddressLength])

	target, ok := n.topology.GetPeer(addr)
	if !ok {
		return nil
	}
	reply := target.Identity().Marshal(false)
	return n.replyOK(src, pa, p, reply)
}

// handleRendezvous decodes flags(1), remote-address(5), port(2),
// protoaddr-len(1), protoaddr and sends an immediate hole-punch HELLO to
// the carried address, on behalf of the peer named by remote-address. No
// reply is produced for RENDEZVOUS itself.
func (n *Node) handleRendezvous(local path.LocalSocket, p packet.Packet) error {
	payload := p.VerbPayload()
	const fixedLen = 1 + identity.AddressLength + 2 + 1
	if len(payload) < fixedLen {
		n.dropped("rendezvous malformed")
		return nil
	}

	var targetAddr identity.Address
	copy(targetAddr[:], payload[1:1+identity.AddressLength])
	off := 1 + identity.AddressLength
	port := binary.BigEndian.Uint16(payload[off : off+2])
	off += 2
	protoLen := int(payload[off])
	off++
	if len(payload) < off+protoLen {
		n.dropped("rendezvous malformed")
		return nil
	}
	protoaddr := payload[off : off+protoLen]

	var remote endpoint.Endpoint
	switch protoLen {
	case 4:
		remote = endpoint.Endpoint{Kind: endpoint.KindInetV4, IP: net.IP(append([]byte{}, protoaddr...)), Port: port}
	case 16:
		remote = endpoint.Endpoint{Kind: endpoint.KindInetV6, IP: net.IP(append([]byte{}, protoaddr...)), Port: port}
	default:
		n.dropped("rendezvous unsupported address length")
		return nil
	}
	if remote.IsDisallowedScope() {
		n.dropped("rendezvous disallowed scope")
		return nil
	}

	target, ok := n.topology.GetPeer(targetAddr)
	if !ok {
		n.dropped("rendezvous unknown target")
		return nil
	}

	_, err := n.SendHello(target.Identity(), local, remote)
	return err
}

// handlePushDirectPaths decodes each pushed (flags(1), ext-len(2), ext,
// addr-type(1), addr-len(1), addr) entry, rejects unsupported families and
// disallowed scopes, and for any address the peer does not already have a
// path to, adds a tentative path and probes it with a HELLO. The tentative
// mark is not cleared by a returned OK; like any other path, the new one
// becomes eligible for selection once it is alive, whatever verb arrives
// over it. Entries beyond the per-scope/family rate limit are skipped.
func (n *Node) handlePushDirectPaths(local path.LocalSocket, src *peer.Peer, p packet.Packet) error {
	payload := p.VerbPayload()
	off := 0
	for off < len(payload) {
		if off+1+2 > len(payload) {
			break
		}
		off++ // flags: unused
		extLen := int(binary.BigEndian.Uint16(payload[off : off+2]))
		off += 2
		if off+extLen > len(payload) {
			break
		}
		off += extLen // skip extension payload

		if off+1+1 > len(payload) {
			break
		}
		addrType := payload[off]
		off++
		addrLen := int(payload[off])
		off++
		if off+addrLen > len(payload) {
			break
		}
		addr := payload[off : off+addrLen]
		off += addrLen

		var remote endpoint.Endpoint
		switch {
		case addrType == 4 && addrLen >= 6:
			remote = endpoint.Endpoint{Kind: endpoint.KindInetV4, IP: net.IP(append([]byte{}, addr[:4]...)), Port: binary.BigEndian.Uint16(addr[4:6])}
		case addrType == 6 && addrLen >= 18:
			remote = endpoint.Endpoint{Kind: endpoint.KindInetV6, IP: net.IP(append([]byte{}, addr[:16]...)), Port: binary.BigEndian.Uint16(addr[16:18])}
		default:
			continue
		}
		if remote.IsDisallowedScope() {
			continue
		}

		alreadyKnown := false
		wantKey := path.NewKey(local, remote)
		for _, existing := range src.Paths() {
			if existing.Key() == wantKey {
				alreadyKnown = true
				break
			}
		}
		if alreadyKnown {
			continue
		}

		scopeFamily := strconv.Itoa(remote.Family())
		if !src.AllowPushDirectPath(scopeFamily) {
			continue
		}

		pa := path.New(local, remote)
		pa = n.topology.AddPath(pa)
		pa.SetTentative(true)
		src.AddPath(pa)

		if _, err := n.SendHello(src.Identity(), local, remote); err != nil {
			n.log.Debug("push direct path probe failed", "err", err)
		}
	}
	return nil
}

// Transmit implements the node loop's transmit path: select the preferred path, build+armor (optionally fragmenting)
// and send, updating last_out.
func (n *Node) Transmit(p *peer.Peer, verb packet.Verb, payload []byte) error {
	pa := p.PreferredPath(time.Now())
	if pa == nil {
		root := n.topology.RootForRelay(time.Now())
		if root == nil {
			return errCannotDeliver
		}
		pa = root.PreferredPath(time.Now())
		if pa == nil {
			return errCannotDeliver
		}
	}

	key, ok := p.SessionKey()
	if !ok {
		return errors.New("node: no session key for peer")
	}

	pkt, err := packet.NewPacket(p.Identity().Address(), n.cfg.Identity.Address(), verb, len(payload))
	if err != nil {
		return err
	}
	copy(pkt.VerbPayload(), payload)

	mtu := n.cfg.DefaultMTU
	if packet.NeedsFragmentation(len(pkt), mtu) {
		pkt.SetFragmented(true)
	}
	if err := packet.Armor(pkt, &key, n.cfg.DefaultCipher); err != nil {
		return err
	}

	first, frags, err := packet.Split(pkt, mtu)
	if err != nil {
		return err
	}
	if err := n.cfg.Wire.Send(int(pa.Local()), pa.Remote(), first, 0); err != nil {
		return err
	}
	for _, f := range frags {
		if err := n.cfg.Wire.Send(int(pa.Local()), pa.Remote(), f, 0); err != nil {
			return err
		}
	}
	pa.RecordSend(time.Now())
	return nil
}

// parseHelloIdentity extracts the sender identity and sender-side probe
// token carried in a HELLO payload. Marshaled-identity length is recovered
// by re-marshaling the parsed identity (public-only), since Unmarshal does
// not report how many bytes it consumed. consumed is the byte offset of the
// trailing 48-byte HMAC, which the caller verifies separately once it knows
// the session key to check it under; any bytes beyond (receiver-physaddr,
// encrypted metadata) are left for a fuller HELLO parser to consume.
func parseHelloIdentity(payload []byte) (id *identity.Identity, probeToken uint64, consumed int, err error) {
	const prefixLen = 1 + 1 + 1 + 2 + 8
	if len(payload) < prefixLen {
		return nil, 0, 0, fmt.Errorf("node: hello payload truncated")
	}
	rest := payload[prefixLen:]
	id, err = identity.Unmarshal(rest)
	if err != nil {
		return nil, 0, 0, err
	}
	idLen := len(id.Marshal(false))
	consumed = prefixLen + idLen
	if len(payload) < consumed+8+helloHMACLen {
		return nil, 0, 0, fmt.Errorf("node: hello payload truncated")
	}
	probeToken = binary.BigEndian.Uint64(payload[consumed : consumed+8])
	consumed += 8
	return id, probeToken, consumed, nil
}

// buildVersionPayload assembles an OK(HELLO) payload: in-re-verb,
// in-re-packet-id (the generic OK prefix every verb's reply carries), the
// echoed probe token from the triggering HELLO, and this node's own
// protocol/version fields.
func buildVersionPayload(inRePacketID uint64, echoProbeToken uint64) []byte {
	buf := make([]byte, 1+8+8+1+1+1+2)
	buf[0] = byte(packet.VerbHELLO) // in-re-verb
	binary.BigEndian.PutUint64(buf[1:9], inRePacketID)
	binary.BigEndian.PutUint64(buf[9:17], echoProbeToken)
	buf[17] = 11 // protocol version
	buf[18] = 0  // major
	buf[19] = 1  // minor
	binary.BigEndian.PutUint16(buf[20:22], 0) // revision
	return buf
}

func parseVersionPayload(payload []byte) (peer.VersionInfo, uint64) {
	if len(payload) < 22 {
		return peer.VersionInfo{}, 0
	}
	echoToken := binary.BigEndian.Uint64(payload[9:17])
	v := peer.VersionInfo{
		ProtocolVersion: payload[17],
		Major:           payload[18],
		Minor:           payload[19],
		Revision:        binary.BigEndian.Uint16(payload[20:22]),
	}
	return v, echoToken
}
