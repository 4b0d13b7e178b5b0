// Package lease owns the authoritative mapping of allocated IPv4 addresses
// to hardware addresses, its on-disk persistence, and pool allocation.
package lease

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"time"

	"gosling/internal/metrics"
)

// infiniteLease is the expiry horizon for static assignments: far enough out
// that they never read as expired.
const infiniteLease = 10 * 365 * 24 * time.Hour

// Lease binds one pool address to one hardware address until Expiry.
// The JSON shape (mac as a six-number array, expiry in Unix milliseconds)
// matches the lease files written by earlier deployments.
type Lease struct {
	MAC    [6]byte `json:"mac"`
	Expiry int64   `json:"expiry"`
}

// Info is a read-only view of one lease, used by the admin API.
type Info struct {
	IP     netip.Addr
	MAC    net.HardwareAddr
	Expiry time.Time
}

// Store holds the lease table. The DHCP serve loop is the only writer; the
// mutex exists so the admin endpoint can take consistent read snapshots.
type Store struct {
	mu     sync.Mutex
	pool   Pool
	leases map[netip.Addr]Lease
	cursor uint32 // pool-relative offset of the most recent allocation
	path   string
	logger *log.Logger
}

// Params configures Open.
type Params struct {
	RangeStart net.IP
	RangeEnd   net.IP
	LeaseFile  string
	StaticFile string
	Logger     *log.Logger
}

// Open builds a Store for the pool [RangeStart, RangeEnd), restores any
// persisted leases, and overlays static assignments. A missing or malformed
// lease file degrades to an empty table; it never fails startup.
func Open(p Params) (*Store, error) {
	pool, err := NewPool(p.RangeStart, p.RangeEnd)
	if err != nil {
		return nil, err
	}
	logger := p.Logger
	if logger == nil {
		logger = log.Default()
	}

	s := &Store{
		pool:   pool,
		leases: make(map[netip.Addr]Lease),
		path:   p.LeaseFile,
		logger: logger,
	}
	s.loadPersisted()
	if p.StaticFile != "" {
		s.loadStatic(p.StaticFile)
	}

	// Resume allocation past the highest in-pool address already seen.
	for addr := range s.leases {
		if off, ok := s.pool.Offset(addr); ok && off > s.cursor {
			s.cursor = off
		}
	}

	return s, nil
}

// Available reports whether candidate may be offered to or claimed by mac:
// it must be inside the pool and either unleased, already held by mac, or
// expired. This predicate is the single gate for offering and accepting.
func (s *Store) Available(mac [6]byte, candidate netip.Addr, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.availableLocked(mac, candidate, now)
}

func (s *Store) availableLocked(mac [6]byte, candidate netip.Addr, now time.Time) bool {
	if !s.pool.Contains(candidate) {
		return false
	}
	l, ok := s.leases[candidate]
	if !ok {
		return true
	}
	return l.MAC == mac || now.UnixMilli() > l.Expiry
}

// CurrentLease returns the address currently bound to mac, expired or not.
func (s *Store) CurrentLease(mac [6]byte) (netip.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, l := range s.leases {
		if l.MAC == mac {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// Insert binds ip to mac until expiry, overwriting any existing entry, and
// persists the whole table.
func (s *Store) Insert(ip netip.Addr, mac [6]byte, expiry time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leases[ip] = Lease{MAC: mac, Expiry: expiry.UnixMilli()}
	s.persistLocked()
}

// Remove deletes the entry for ip if present and persists.
func (s *Store) Remove(ip netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.leases, ip)
	s.persistLocked()
}

// Len returns the number of entries in the table.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

// Snapshot returns a copy of the lease table for read-only consumers.
func (s *Store) Snapshot() []Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Info, 0, len(s.leases))
	for addr, l := range s.leases {
		mac := make(net.HardwareAddr, 6)
		copy(mac, l.MAC[:])
		out = append(out, Info{
			IP:     addr,
			MAC:    mac,
			Expiry: time.UnixMilli(l.Expiry),
		})
	}
	return out
}

// persistLocked rewrites the lease file from the in-memory table, via a
// temp file and rename so a crash mid-write cannot truncate it. Failure is
// logged; the in-memory table stays authoritative and the next mutation
// retries the write.
func (s *Store) persistLocked() {
	if err := s.writeFile(); err != nil {
		metrics.PersistErrors.Inc()
		s.logger.Printf("ERROR persist leases to %s: %v", s.path, err)
	}
}

func (s *Store) writeFile() error {
	out := make(map[string]Lease, len(s.leases))
	for addr, l := range s.leases {
		out[addr.String()] = l
	}
	data, err := json.Marshal(out)
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *Store) loadPersisted() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Printf("WARN read lease file %s: %v", s.path, err)
		}
		return
	}
	var in map[string]Lease
	if err := json.Unmarshal(data, &in); err != nil {
		s.logger.Printf("WARN lease file %s is malformed, starting empty: %v", s.path, err)
		return
	}
	for k, l := range in {
		addr, err := netip.ParseAddr(k)
		if err != nil || !addr.Is4() {
			s.logger.Printf("WARN lease file %s: skipping entry %q", s.path, k)
			continue
		}
		s.leases[addr] = l
	}
}

// loadStatic reads MAC,IP pairs and inserts them as permanent reservations,
// overwriting anything restored at the same address. Malformed lines are
// skipped with a warning rather than aborting startup.
func (s *Store) loadStatic(path string) {
	f, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Printf("WARN read static file %s: %v", path, err)
		}
		return
	}
	defer f.Close()

	expiry := time.Now().Add(infiniteLease).UnixMilli()
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		mac, addr, err := parseStaticLine(line)
		if err != nil {
			s.logger.Printf("WARN static file %s line %d: %v", path, lineNo, err)
			continue
		}
		s.leases[addr] = Lease{MAC: mac, Expiry: expiry}
	}
	if err := scanner.Err(); err != nil {
		s.logger.Printf("WARN read static file %s: %v", path, err)
	}
}

func parseStaticLine(line string) ([6]byte, netip.Addr, error) {
	parts := strings.Split(line, ",")
	if len(parts) != 2 {
		return [6]byte{}, netip.Addr{}, fmt.Errorf("expected MAC,IP, got %q", line)
	}
	hw, err := net.ParseMAC(strings.TrimSpace(parts[0]))
	if err != nil {
		return [6]byte{}, netip.Addr{}, err
	}
	mac, ok := HardwareKey(hw)
	if !ok {
		return [6]byte{}, netip.Addr{}, fmt.Errorf("%q is not a 6-byte hardware address", parts[0])
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(parts[1]))
	if err != nil || !addr.Is4() {
		return [6]byte{}, netip.Addr{}, fmt.Errorf("%q is not an IPv4 address", parts[1])
	}
	return mac, addr, nil
}

// HardwareKey converts a hardware address to the fixed-size key the table
// uses. It fails for addresses that are not 6 bytes (EUI-64, Infiniband).
func HardwareKey(hw net.HardwareAddr) ([6]byte, bool) {
	var k [6]byte
	if len(hw) != 6 {
		return k, false
	}
	copy(k[:], hw)
	return k, true
}
