package topology

import (
	"net"
	"testing"
	"time"

	"github.com/0-8-15/beaver/endpoint"
	"github.com/0-8-15/beaver/identity"
	"github.com/0-8-15/beaver/path"
	"github.com/0-8-15/beaver/peer"
)

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

func TestAddPeerAndLookups(t *testing.T) {
	top := New()
	id := testIdentity(t)
	p := peer.New(id)
	top.AddPeer(p)

	got, ok := top.GetPeer(id.Address())
	if !ok || got != p {
		t.Fatal("expected to find peer by address")
	}

	fp := id.Fingerprint()
	got2, ok := top.GetPeerByFingerprint(fp)
	if !ok || got2 != p {
		t.Fatal("expected to find peer by fingerprint")
	}

	top.SetProbeToken(0xdeadbeef, p)
	got3, ok := top.GetPeerByProbeToken(0xdeadbeef)
	if !ok || got3 != p {
		t.Fatal("expected to find peer by probe token")
	}
}

func TestPathDedup(t *testing.T) {
	top := New()
	remote := udpEndpoint("10.0.0.1", 9993)
	pa := path.New(1, remote)

	first := top.AddPath(pa)
	if first != pa {
		t.Fatal("expected first AddPath to install the given path")
	}

	dup := path.New(1, remote)
	second := top.AddPath(dup)
	if second != pa {
		t.Fatal("expected AddPath to return the existing entry for a duplicate key")
	}

	if top.GetPath(1, remote) != pa {
		t.Fatal("expected GetPath to find the deduplicated path")
	}
}

func TestRootForRelayPrefersActiveLowestLatency(t *testing.T) {
	top := New()
	now := time.Now()

	root1 := peer.New(testIdentity(t))
	root1.SetRoot(true)
	p1 := path.New(1, udpEndpoint("10.0.0.1", 1))
	p1.RecordReceive(now)
	p1.RecordLatencySample(50 * time.Millisecond)
	root1.AddPath(p1)

	root2 := peer.New(testIdentity(t))
	root2.SetRoot(true)
	p2 := path.New(1, udpEndpoint("10.0.0.2", 1))
	p2.RecordReceive(now)
	p2.RecordLatencySample(5 * time.Millisecond)
	root2.AddPath(p2)

	top.AddPeer(root1)
	top.AddPeer(root2)

	best := top.RootForRelay(now)
	if best != root2 {
		t.Fatal("expected root2 (lowest latency, active) to be preferred")
	}
}

func TestGCEvictsOnlyNonRootTimedOutPeers(t *testing.T) {
	top := New()
	now := time.Now()

	stale := peer.New(testIdentity(t))
	stale.RecordReceive(now.Add(-2 * peer.GlobalTimeout))
	top.AddPeer(stale)

	fresh := peer.New(testIdentity(t))
	fresh.RecordReceive(now)
	top.AddPeer(fresh)

	root := peer.New(testIdentity(t))
	root.SetRoot(true)
	root.RecordReceive(now.Add(-2 * peer.GlobalTimeout))
	top.AddPeer(root)

	evicted, _ := top.GC(now)
	if evicted != 1 {
		t.Fatalf("expected exactly 1 peer evicted, got %d", evicted)
	}
	if _, ok := top.GetPeer(stale.Identity().Address()); ok {
		t.Fatal("expected stale peer to be evicted")
	}
	if _, ok := top.GetPeer(fresh.Identity().Address()); !ok {
		t.Fatal("expected fresh peer to remain")
	}
	if _, ok := top.GetPeer(root.Identity().Address()); !ok {
		t.Fatal("expected root peer to remain despite being stale")
	}
}
