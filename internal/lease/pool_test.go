package lease

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestNewPool(t *testing.T) {
	tests := []struct {
		name    string
		start   net.IP
		end     net.IP
		wantErr bool
	}{
		{"valid", net.IPv4(10, 0, 0, 10), net.IPv4(10, 0, 0, 20), false},
		{"equal bounds", net.IPv4(10, 0, 0, 10), net.IPv4(10, 0, 0, 10), true},
		{"inverted", net.IPv4(10, 0, 0, 20), net.IPv4(10, 0, 0, 10), true},
		{"not ipv4", net.ParseIP("fe80::1"), net.IPv4(10, 0, 0, 10), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(tt.start, tt.end)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewPool() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPoolBounds(t *testing.T) {
	p, err := NewPool(net.IPv4(10, 0, 0, 10), net.IPv4(10, 0, 0, 20))
	if err != nil {
		t.Fatal(err)
	}
	if p.Size() != 10 {
		t.Fatalf("Size() = %d, want 10", p.Size())
	}
	if !p.Contains(netip.MustParseAddr("10.0.0.10")) {
		t.Fatal("pool start must be inside the pool")
	}
	if p.Contains(netip.MustParseAddr("10.0.0.20")) {
		t.Fatal("pool end is exclusive")
	}
	if got := p.At(3); got != netip.MustParseAddr("10.0.0.13") {
		t.Fatalf("At(3) = %v", got)
	}
	if off, ok := p.Offset(netip.MustParseAddr("10.0.0.13")); !ok || off != 3 {
		t.Fatalf("Offset(10.0.0.13) = %d, %v", off, ok)
	}
}

// Every allocated address must land inside [start, end).
func TestAllocateStaysInPool(t *testing.T) {
	s := newTestStore(t, "")
	now := time.Now()
	for i := 0; i < 10; i++ {
		mac := [6]byte{0, 0, 0, 0, 0, byte(i + 1)}
		ip, ok := s.Allocate(mac, now)
		if !ok {
			t.Fatalf("allocation %d failed with room left", i)
		}
		if !s.pool.Contains(ip) {
			t.Fatalf("allocated %v outside pool", ip)
		}
		s.Insert(ip, mac, now.Add(time.Hour))
	}
}

func TestAllocateRoundRobin(t *testing.T) {
	s := newTestStore(t, "")
	now := time.Now()

	ip1, ok := s.Allocate([6]byte{1}, now)
	if !ok || ip1 != addr(t, "10.0.0.11") {
		t.Fatalf("first allocation = %v, %v, want 10.0.0.11", ip1, ok)
	}
	s.Insert(ip1, [6]byte{1}, now.Add(time.Hour))

	// The cursor continues past the previous allocation instead of
	// restarting at the pool's first address.
	ip2, ok := s.Allocate([6]byte{2}, now)
	if !ok || ip2 != addr(t, "10.0.0.12") {
		t.Fatalf("second allocation = %v, %v, want 10.0.0.12", ip2, ok)
	}
}

func TestAllocateSkipsHeldAddresses(t *testing.T) {
	s := newTestStore(t, "")
	now := time.Now()
	s.Insert(addr(t, "10.0.0.11"), macA, now.Add(time.Hour))
	s.Insert(addr(t, "10.0.0.12"), macB, now.Add(time.Hour))

	ip, ok := s.Allocate([6]byte{9}, now)
	if !ok || ip != addr(t, "10.0.0.13") {
		t.Fatalf("Allocate() = %v, %v, want 10.0.0.13", ip, ok)
	}
}

func TestAllocateExhausted(t *testing.T) {
	s := newTestStore(t, "")
	now := time.Now()
	for i := uint32(0); i < s.pool.Size(); i++ {
		s.Insert(s.pool.At(i), [6]byte{0, 0, 0, 0, 1, byte(i)}, now.Add(time.Hour))
	}

	if ip, ok := s.Allocate([6]byte{9}, now); ok {
		t.Fatalf("Allocate() on a full pool returned %v", ip)
	}
}

// A reloaded store resumes allocating past the highest address it restored.
func TestCursorResumesAfterReload(t *testing.T) {
	dir := t.TempDir()
	params := Params{
		RangeStart: net.IPv4(10, 0, 0, 10),
		RangeEnd:   net.IPv4(10, 0, 0, 20),
		LeaseFile:  dir + "/leases.json",
	}
	now := time.Now()

	s1, err := Open(params)
	if err != nil {
		t.Fatal(err)
	}
	s1.Insert(addr(t, "10.0.0.14"), macA, now.Add(time.Hour))

	s2, err := Open(params)
	if err != nil {
		t.Fatal(err)
	}
	ip, ok := s2.Allocate(macB, now)
	if !ok || ip != addr(t, "10.0.0.15") {
		t.Fatalf("Allocate() after reload = %v, %v, want 10.0.0.15", ip, ok)
	}
}
