package lease

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"time"
)

// Pool is the contiguous address range [start, end) the server may allocate
// from, held as 32-bit integers for offset arithmetic.
type Pool struct {
	start uint32
	end   uint32
}

func NewPool(start, end net.IP) (Pool, error) {
	s, ok := ipToU32(start)
	if !ok {
		return Pool{}, fmt.Errorf("pool start %v is not an IPv4 address", start)
	}
	e, ok := ipToU32(end)
	if !ok {
		return Pool{}, fmt.Errorf("pool end %v is not an IPv4 address", end)
	}
	if s >= e {
		return Pool{}, fmt.Errorf("pool start %v must be below end %v", start, end)
	}
	return Pool{start: s, end: e}, nil
}

// Size returns the number of allocatable addresses.
func (p Pool) Size() uint32 {
	return p.end - p.start
}

func (p Pool) Contains(addr netip.Addr) bool {
	_, ok := p.Offset(addr)
	return ok
}

// At returns the address at pool-relative offset off.
func (p Pool) At(off uint32) netip.Addr {
	return u32ToAddr(p.start + off)
}

// Offset returns addr's pool-relative offset, or false if addr is outside
// the pool.
func (p Pool) Offset(addr netip.Addr) (uint32, bool) {
	if !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	n := binary.BigEndian.Uint32(b[:])
	if n < p.start || n >= p.end {
		return 0, false
	}
	return n - p.start, true
}

// Allocate picks the next address to offer to mac. Starting just past the
// most recent allocation it scans at most one full pool revolution, moving
// the cursor each step, and returns the first address Available accepts.
// The cursor stays on the returned address so unrelated allocations continue
// past it, spreading reuse across the pool. An exhausted pool returns false;
// the caller sends nothing.
func (s *Store) Allocate(mac [6]byte, now time.Time) (netip.Addr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := s.pool.Size()
	for i := uint32(0); i < n; i++ {
		s.cursor = (s.cursor + 1) % n
		candidate := s.pool.At(s.cursor)
		if s.availableLocked(mac, candidate, now) {
			return candidate, true
		}
	}
	return netip.Addr{}, false
}

func ipToU32(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

func u32ToAddr(n uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return netip.AddrFrom4(b)
}
