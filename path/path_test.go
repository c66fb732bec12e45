package path

import (
	"net"
	"testing"
	"time"

	"github.com/0-8-15/beaver/endpoint"
)

func udpEndpoint(ip string, port uint16) endpoint.Endpoint {
	return endpoint.Endpoint{Kind: endpoint.KindInetV4, IP: net.ParseIP(ip).To4(), Port: port}
}

func TestAliveAndPulseTiming(t *testing.T) {
	p := New(1, udpEndpoint("10.0.0.1", 9993))
	now := time.Now()

	if p.Alive(now) {
		t.Fatal("path with no traffic should not be alive")
	}
	if !p.NeedsPulse(now) {
		t.Fatal("fresh path should need a pulse")
	}

	p.RecordReceive(now)
	if !p.Alive(now.Add(AliveTimeout - time.Second)) {
		t.Fatal("expected path to remain alive just under the timeout")
	}
	if p.Alive(now.Add(AliveTimeout + time.Second)) {
		t.Fatal("expected path to go stale past the timeout")
	}

	p.RecordSend(now)
	if p.NeedsPulse(now.Add(KeepalivePeriod - time.Second)) {
		t.Fatal("should not need a pulse before the keepalive period elapses")
	}
	if !p.NeedsPulse(now.Add(KeepalivePeriod + time.Second)) {
		t.Fatal("expected pulse to be needed after the keepalive period")
	}
}

func TestSelectPreferredPrefersLowestLatencyAmongAlive(t *testing.T) {
	now := time.Now()

	stale := New(1, udpEndpoint("10.0.0.1", 1))
	stale.RecordReceive(now.Add(-2 * AliveTimeout))
	stale.RecordLatencySample(time.Millisecond)

	slow := New(1, udpEndpoint("10.0.0.2", 1))
	slow.RecordReceive(now)
	slow.RecordLatencySample(100 * time.Millisecond)

	fast := New(1, udpEndpoint("10.0.0.3", 1))
	fast.RecordReceive(now)
	fast.RecordLatencySample(10 * time.Millisecond)

	best := SelectPreferred([]*Path{stale, slow, fast}, now)
	if best != fast {
		t.Fatalf("expected fast path to be selected")
	}
}

func TestSelectPreferredBreaksTiesByRecency(t *testing.T) {
	now := time.Now()

	older := New(1, udpEndpoint("10.0.0.1", 1))
	older.RecordReceive(now.Add(-time.Second))

	newer := New(1, udpEndpoint("10.0.0.2", 1))
	newer.RecordReceive(now)

	best := SelectPreferred([]*Path{older, newer}, now)
	if best != newer {
		t.Fatal("expected more recently active path to win the tie")
	}
}

func TestSelectPreferredReturnsNilWhenNoneAlive(t *testing.T) {
	now := time.Now()
	p := New(1, udpEndpoint("10.0.0.1", 1))
	p.RecordReceive(now.Add(-2 * AliveTimeout))

	if SelectPreferred([]*Path{p}, now) != nil {
		t.Fatal("expected nil when no path is alive")
	}
}

func TestFingerprintIsStableAndDistinguishesPaths(t *testing.T) {
	a := New(1, udpEndpoint("10.0.0.1", 9993))
	b := New(1, udpEndpoint("10.0.0.1", 9993))
	c := New(1, udpEndpoint("10.0.0.2", 9993))

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected equal (local, remote) pairs to fingerprint the same")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatal("expected distinct remote endpoints to fingerprint differently")
	}
}

func TestIdleDetection(t *testing.T) {
	now := time.Now()
	p := New(1, udpEndpoint("10.0.0.1", 1))
	p.RecordReceive(now.Add(-time.Hour))

	if !p.Idle(now.Add(-time.Minute)) {
		t.Fatal("expected path to be idle relative to a recent cutoff")
	}
	if p.Idle(now.Add(-2 * time.Hour)) {
		t.Fatal("expected path to not be idle relative to an older cutoff")
	}
}
