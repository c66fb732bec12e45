package node

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/0-8-15/beaver/endpoint"
	"github.com/0-8-15/beaver/identity"
	"github.com/0-8-15/beaver/peer"
	"github.com/0-8-15/beaver/world"
)

// memStore is the simplest possible Store: an in-memory map keyed by
// (objType, id), standing in for a host's on-disk cache in tests.
type memStore struct {
	objs map[ObjectType]map[[2]uint64][]byte
}

func newMemStore() *memStore {
	return &memStore{objs: make(map[ObjectType]map[[2]uint64][]byte)}
}

func (m *memStore) Get(objType ObjectType, id [2]uint64) ([]byte, bool) {
	bucket, ok := m.objs[objType]
	if !ok {
		return nil, false
	}
	data, ok := bucket[id]
	return data, ok
}

func (m *memStore) Put(objType ObjectType, id [2]uint64, data []byte) error {
	bucket, ok := m.objs[objType]
	if !ok {
		bucket = make(map[[2]uint64][]byte)
		m.objs[objType] = bucket
	}
	bucket[id] = append([]byte{}, data...)
	return nil
}

// loopbackWire routes sends directly into a peer Node's ProcessWirePacket,
// a direct function-call bridge standing in for the network so handshake
// logic can be tested without a real socket.
type loopbackWire struct {
	peerNode *Node
	selfAddr endpoint.Endpoint
	peerAddr endpoint.Endpoint
}

func (w *loopbackWire) Send(localSocket int, dest endpoint.Endpoint, data []byte, ttlHint int) error {
	cp := append([]byte{}, data...)
	return w.peerNode.ProcessWirePacket(context.Background(), 0, time.Now(), w.selfAddr, cp)
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(identity.TypeC25519)
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func udpEndpoint(ip string, port uint16) endpoint.Endpoint {
	return endpoint.Endpoint{Kind: endpoint.KindInetV4, IP: net.ParseIP(ip).To4(), Port: port}
}

// TestHelloHandshakeEstablishesPeer exercises a full handshake: two
// nodes with fresh identities, A already knowing B's identity, A sends
// HELLO, B replies OK(HELLO), and A's peer state for B reaches
// ESTABLISHED.
func TestHelloHandshakeEstablishesPeer(t *testing.T) {
	idA := testIdentity(t)
	idB := testIdentity(t)

	var nodeA, nodeB *Node

	wireA := &loopbackWire{selfAddr: udpEndpoint("10.0.0.1", 1)}
	wireB := &loopbackWire{selfAddr: udpEndpoint("10.0.0.2", 1)}

	cfgA := Config{Identity: idA, Wire: wireA}
	cfgB := Config{Identity: idB, Wire: wireB}

	var err error
	nodeA, err = New(cfgA)
	if err != nil {
		t.Fatalf("new node A: %v", err)
	}
	nodeB, err = New(cfgB)
	if err != nil {
		t.Fatalf("new node B: %v", err)
	}
	wireA.peerNode = nodeB
	wireB.peerNode = nodeA

	if _, err := nodeA.SendHello(idB, 0, wireB.selfAddr); err != nil {
		t.Fatalf("send hello: %v", err)
	}

	peerA, ok := nodeA.Topology().GetPeer(idB.Address())
	if !ok {
		t.Fatal("expected node A to have learned peer B from the OK(HELLO) reply path")
	}
	if peerA.State() != peer.StateEstablished {
		t.Fatalf("expected ESTABLISHED, got %v", peerA.State())
	}
}

// TestSaveWorldLoadWorldRoundTrip exercises the at-rest world cache: a
// node seals its current world through the host Store and another node,
// sharing the same identity (and therefore the same derived local-state
// key), recovers it unchanged via LoadWorld.
func TestSaveWorldLoadWorldRoundTrip(t *testing.T) {
	selfID := testIdentity(t)
	rootID := testIdentity(t)

	var updateKey [32]byte
	rootFP := rootID.Fingerprint()
	copy(updateKey[:], rootFP.Hash[:32])
	w, err := world.Make(world.TypePlanet, 1, 1000, updateKey, []world.Root{
		{Identity: rootID},
	}, rootID)
	if err != nil {
		t.Fatalf("make world: %v", err)
	}

	store := newMemStore()
	wire := &loopbackWire{selfAddr: udpEndpoint("10.0.0.1", 1)}
	n, err := New(Config{Identity: selfID, Wire: wire, Store: store})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	if err := n.SetWorld(w); err != nil {
		t.Fatalf("set world: %v", err)
	}
	if err := n.SaveWorld(); err != nil {
		t.Fatalf("save world: %v", err)
	}

	n2, err := New(Config{Identity: selfID, Wire: wire, Store: store})
	if err != nil {
		t.Fatalf("new node 2: %v", err)
	}
	ok, err := n2.LoadWorld(w.ID)
	if err != nil {
		t.Fatalf("load world: %v", err)
	}
	if !ok {
		t.Fatal("expected a cached world to be found")
	}
	loaded := n2.CurrentWorld()
	if loaded == nil || loaded.ID != w.ID || loaded.Timestamp != w.Timestamp {
		t.Fatalf("loaded world does not match saved world: %+v", loaded)
	}
}

// TestLoadWorldMissingReturnsFalse exercises the no-entry path.
func TestLoadWorldMissingReturnsFalse(t *testing.T) {
	selfID := testIdentity(t)
	wire := &loopbackWire{selfAddr: udpEndpoint("10.0.0.1", 1)}
	n, err := New(Config{Identity: selfID, Wire: wire, Store: newMemStore()})
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	ok, err := n.LoadWorld(12345)
	if err != nil {
		t.Fatalf("load world: %v", err)
	}
	if ok {
		t.Fatal("expected no cached world to be found")
	}
}
