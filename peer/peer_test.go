package peer

import (
	"net"
	"testing"
	"time"

	"github.com/0-8-15/beaver/endpoint"
	"github.com/0-8-15/beaver/identity"
	"github.com/0-8-15/beaver/path"
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

func TestHelloStateMachine(t *testing.T) {
	p := New(testIdentity(t))
	now := time.Now()

	if p.State() != StateNew {
		t.Fatalf("expected initial state NEW, got %v", p.State())
	}

	p.SendHello(now)
	if p.State() != StateSentHello {
		t.Fatalf("expected SENT_HELLO, got %v", p.State())
	}

	p.ReceiveOKHello(now.Add(time.Millisecond), VersionInfo{ProtocolVersion: 11, Major: 1, Minor: 2, Revision: 3})
	if p.State() != StateEstablished {
		t.Fatalf("expected ESTABLISHED, got %v", p.State())
	}
	if p.Version().Major != 1 {
		t.Fatalf("expected recorded version major=1, got %d", p.Version().Major)
	}
}

func TestReHelloCadence(t *testing.T) {
	p := New(testIdentity(t))
	now := time.Now()

	if !p.NeedsReHello(now) {
		t.Fatal("fresh peer should need a HELLO")
	}
	p.SendHello(now)
	if p.NeedsReHello(now.Add(HelloInterval - time.Second)) {
		t.Fatal("should not need re-HELLO before the interval elapses")
	}
	if !p.NeedsReHello(now.Add(HelloInterval + time.Second)) {
		t.Fatal("expected re-HELLO to be due past the interval")
	}
}

func TestGlobalTimeoutExpiresNonRootPeer(t *testing.T) {
	p := New(testIdentity(t))
	now := time.Now()
	p.RecordReceive(now)

	if p.Expire(now.Add(GlobalTimeout - time.Hour)) {
		t.Fatal("should not expire before the global timeout elapses")
	}
	if !p.Expire(now.Add(GlobalTimeout + time.Hour)) {
		t.Fatal("expected peer to expire past the global timeout")
	}
	if p.State() != StateExpired {
		t.Fatalf("expected state EXPIRED, got %v", p.State())
	}
}

func TestRootPeerNeverExpires(t *testing.T) {
	p := New(testIdentity(t))
	p.SetRoot(true)
	now := time.Now()
	p.RecordReceive(now)

	if p.Expire(now.Add(2 * GlobalTimeout)) {
		t.Fatal("root peer must never be GC-expired")
	}
}

func TestControlPacketRateLimit(t *testing.T) {
	p := New(testIdentity(t))
	now := time.Now()

	if !p.AllowControlPacket(now) {
		t.Fatal("first control packet should be allowed")
	}
	if p.AllowControlPacket(now.Add(time.Millisecond)) {
		t.Fatal("second control packet within the interval should be denied")
	}
	if !p.AllowControlPacket(now.Add(ControlPacketInterval + time.Millisecond)) {
		t.Fatal("control packet after the interval should be allowed")
	}
}

// TestPathDemotion exercises path demotion: a peer with
// two paths, stop delivering on the preferred one past the alive timeout,
// and the other becomes preferred.
func TestPathDemotion(t *testing.T) {
	p := New(testIdentity(t))
	now := time.Now()

	p1 := path.New(1, udpEndpoint("10.0.0.1", 1))
	p2 := path.New(1, udpEndpoint("10.0.0.2", 1))
	p1.RecordReceive(now)
	p2.RecordReceive(now)
	p.AddPath(p1)
	p.AddPath(p2)

	p1.RecordLatencySample(5 * time.Millisecond)
	p2.RecordLatencySample(50 * time.Millisecond)

	if pref := p.PreferredPath(now); pref != p1 {
		t.Fatalf("expected p1 preferred initially")
	}

	// p1 goes silent past the alive timeout while p2 keeps receiving.
	later := now.Add(path.AliveTimeout + time.Second)
	p2.RecordReceive(later)

	if pref := p.PreferredPath(later); pref != p2 {
		t.Fatal("expected p2 to become preferred once p1 goes stale")
	}
}

func TestMaxPathsBounded(t *testing.T) {
	p := New(testIdentity(t))
	for i := 0; i < MaxPaths; i++ {
		pa := path.New(1, udpEndpoint("10.0.0.1", uint16(i+1)))
		if !p.AddPath(pa) {
			t.Fatalf("expected path %d to be accepted", i)
		}
	}
	overflow := path.New(1, udpEndpoint("10.0.0.2", 1))
	if p.AddPath(overflow) {
		t.Fatal("expected path list to be full")
	}
}

func TestPushDirectPathRateLimit(t *testing.T) {
	p := New(testIdentity(t))
	for i := 0; i < PushDirectPathsMaxPerScopeAndFamily; i++ {
		if !p.AllowPushDirectPath("global/4") {
			t.Fatalf("expected push %d to be allowed", i)
		}
	}
	if p.AllowPushDirectPath("global/4") {
		t.Fatal("expected push to be denied past the per-scope/family cap")
	}
	if !p.AllowPushDirectPath("global/6") {
		t.Fatal("expected a different scope/family to have its own budget")
	}
}
