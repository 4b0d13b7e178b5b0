package lease

import (
	"encoding/json"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

var (
	macA = [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}
	macB = [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x02}
)

func newTestStore(t *testing.T, static string) *Store {
	t.Helper()
	dir := t.TempDir()

	staticPath := ""
	if static != "" {
		staticPath = filepath.Join(dir, "static.csv")
		if err := os.WriteFile(staticPath, []byte(static), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s, err := Open(Params{
		RangeStart: net.IPv4(10, 0, 0, 10),
		RangeEnd:   net.IPv4(10, 0, 0, 20),
		LeaseFile:  filepath.Join(dir, "leases.json"),
		StaticFile: staticPath,
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func addr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestAvailable(t *testing.T) {
	now := time.Now()
	s := newTestStore(t, "")
	s.Insert(addr(t, "10.0.0.12"), macA, now.Add(time.Hour))
	s.Insert(addr(t, "10.0.0.13"), macA, now.Add(-time.Hour))

	tests := []struct {
		name string
		mac  [6]byte
		ip   string
		want bool
	}{
		{"unleased in pool", macB, "10.0.0.11", true},
		{"below pool", macB, "10.0.0.9", false},
		{"at pool end (exclusive)", macB, "10.0.0.20", false},
		{"leased by other, unexpired", macB, "10.0.0.12", false},
		{"leased by self, unexpired", macA, "10.0.0.12", true},
		{"leased by other, expired", macB, "10.0.0.13", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Available(tt.mac, addr(t, tt.ip), now); got != tt.want {
				t.Fatalf("Available(%v, %s) = %v, want %v", tt.mac, tt.ip, got, tt.want)
			}
		})
	}
}

func TestCurrentLease(t *testing.T) {
	s := newTestStore(t, "")
	if _, ok := s.CurrentLease(macA); ok {
		t.Fatal("CurrentLease on empty store should report no lease")
	}

	want := addr(t, "10.0.0.15")
	s.Insert(want, macA, time.Now().Add(time.Hour))

	got, ok := s.CurrentLease(macA)
	if !ok || got != want {
		t.Fatalf("CurrentLease() = %v, %v, want %v, true", got, ok, want)
	}
	if _, ok := s.CurrentLease(macB); ok {
		t.Fatal("CurrentLease should not match a different hardware address")
	}
}

func TestPersistRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leases.json")
	params := Params{
		RangeStart: net.IPv4(10, 0, 0, 10),
		RangeEnd:   net.IPv4(10, 0, 0, 20),
		LeaseFile:  path,
	}

	s1, err := Open(params)
	if err != nil {
		t.Fatal(err)
	}
	expiry := time.Now().Add(time.Hour)
	s1.Insert(addr(t, "10.0.0.11"), macA, expiry)
	s1.Insert(addr(t, "10.0.0.14"), macB, expiry)

	s2, err := Open(params)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(s1.leases, s2.leases) {
		t.Fatalf("reloaded table = %v, want %v", s2.leases, s1.leases)
	}

	// No stray temp file after the rename.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestPersistedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leases.json")
	s, err := Open(Params{
		RangeStart: net.IPv4(10, 0, 0, 10),
		RangeEnd:   net.IPv4(10, 0, 0, 20),
		LeaseFile:  path,
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Insert(addr(t, "10.0.0.11"), macA, time.UnixMilli(1700000000000))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]struct {
		MAC    []int `json:"mac"`
		Expiry int64 `json:"expiry"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("lease file is not valid JSON: %v", err)
	}
	entry, ok := raw["10.0.0.11"]
	if !ok {
		t.Fatalf("lease file missing 10.0.0.11: %s", data)
	}
	if !reflect.DeepEqual(entry.MAC, []int{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0x01}) {
		t.Fatalf("mac = %v", entry.MAC)
	}
	if entry.Expiry != 1700000000000 {
		t.Fatalf("expiry = %d", entry.Expiry)
	}
}

func TestLoadMalformedLeaseFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "leases.json")
	if err := os.WriteFile(path, []byte("not json at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := Open(Params{
		RangeStart: net.IPv4(10, 0, 0, 10),
		RangeEnd:   net.IPv4(10, 0, 0, 20),
		LeaseFile:  path,
	})
	if err != nil {
		t.Fatalf("Open() should tolerate a malformed lease file, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", s.Len())
	}
}

func TestStaticAssignments(t *testing.T) {
	static := "AA:BB:CC:DD:EE:01, 10.0.0.10\n" +
		"# comment\n" +
		"\n" +
		"not-a-mac,10.0.0.11\n" +
		"AA:BB:CC:DD:EE:02,10.0.0.300\n"
	s := newTestStore(t, static)

	// Malformed lines are skipped, not fatal; the one good line survives.
	if s.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", s.Len())
	}

	ip, ok := s.CurrentLease(macA)
	if !ok || ip != addr(t, "10.0.0.10") {
		t.Fatalf("CurrentLease(macA) = %v, %v", ip, ok)
	}

	// Permanent: not available to anyone else even far in the future.
	future := time.Now().Add(365 * 24 * time.Hour)
	if s.Available(macB, addr(t, "10.0.0.10"), future) {
		t.Fatal("static assignment must never be offered to another client")
	}
	if !s.Available(macA, addr(t, "10.0.0.10"), future) {
		t.Fatal("static assignment must stay claimable by its holder")
	}
}

func TestStaticOverridesPersisted(t *testing.T) {
	dir := t.TempDir()
	leasePath := filepath.Join(dir, "leases.json")
	staticPath := filepath.Join(dir, "static.csv")

	params := Params{
		RangeStart: net.IPv4(10, 0, 0, 10),
		RangeEnd:   net.IPv4(10, 0, 0, 20),
		LeaseFile:  leasePath,
	}
	s1, err := Open(params)
	if err != nil {
		t.Fatal(err)
	}
	s1.Insert(addr(t, "10.0.0.10"), macB, time.Now().Add(time.Hour))

	if err := os.WriteFile(staticPath, []byte("AA:BB:CC:DD:EE:01,10.0.0.10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	params.StaticFile = staticPath
	s2, err := Open(params)
	if err != nil {
		t.Fatal(err)
	}

	got := s2.leases[addr(t, "10.0.0.10")]
	if got.MAC != macA {
		t.Fatalf("static entry did not overwrite persisted lease: holder = %v", got.MAC)
	}
}

func TestRemove(t *testing.T) {
	s := newTestStore(t, "")
	ip := addr(t, "10.0.0.11")
	s.Insert(ip, macA, time.Now().Add(time.Hour))
	s.Remove(ip)

	if _, ok := s.CurrentLease(macA); ok {
		t.Fatal("lease should be gone after Remove")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]Lease
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if len(raw) != 0 {
		t.Fatalf("persisted file still has %d entries after Remove", len(raw))
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t, "")
	expiry := time.UnixMilli(time.Now().Add(time.Hour).UnixMilli())
	s.Insert(addr(t, "10.0.0.11"), macA, expiry)

	infos := s.Snapshot()
	if len(infos) != 1 {
		t.Fatalf("Snapshot() returned %d entries, want 1", len(infos))
	}
	got := infos[0]
	if got.IP != addr(t, "10.0.0.11") || got.MAC.String() != "aa:bb:cc:dd:ee:01" || !got.Expiry.Equal(expiry) {
		t.Fatalf("Snapshot() = %+v", got)
	}
}
