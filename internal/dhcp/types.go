package dhcp

import (
	"context"
	"log"
	"net/netip"

	"gosling/internal/config"
	"gosling/internal/lease"
)

// Server binds the DHCP listener and drives the per-packet handler.
type Server struct {
	cfg     config.Config
	logger  *log.Logger
	handler *handler
}

// EventPublisher receives lease lifecycle events. pkg/bus satisfies it; a
// nil publisher disables publishing.
type EventPublisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// LeaseEvent is the JSON payload published on lease transitions.
type LeaseEvent struct {
	Event  string `json:"event"` // "ack", "release", "decline"
	IP     string `json:"ip"`
	MAC    string `json:"mac"`
	Expiry int64  `json:"expiry,omitempty"` // Unix milliseconds
}

// handler is the per-packet protocol state machine. Protocol state lives in
// the lease store, not here; the serve loop calls handle for one packet at
// a time, so none of this needs locking beyond what the store does for its
// own readers.
type handler struct {
	cfg    config.Config
	logger *log.Logger
	store  *lease.Store
	events EventPublisher

	// offers remembers the address most recently offered to each client so
	// repeated Discovers without an intervening Request re-offer the same
	// address. offerMAC is the inverse map: when an address is offered to a
	// new client the previous candidate's entry is evicted, which caps both
	// maps at pool size even under a rotating-MAC Discover flood. Entries
	// are dropped once the client Requests.
	offers   map[[6]byte]netip.Addr
	offerMAC map[netip.Addr][6]byte
}

// rememberOffer records mac as the pending candidate for ip, displacing
// whichever client the address was last offered to.
func (h *handler) rememberOffer(mac [6]byte, ip netip.Addr) {
	if prev, ok := h.offerMAC[ip]; ok && prev != mac {
		delete(h.offers, prev)
	}
	if old, ok := h.offers[mac]; ok && old != ip {
		delete(h.offerMAC, old)
	}
	h.offers[mac] = ip
	h.offerMAC[ip] = mac
}

func (h *handler) forgetOffer(mac [6]byte) {
	ip, ok := h.offers[mac]
	if !ok {
		return
	}
	delete(h.offers, mac)
	if h.offerMAC[ip] == mac {
		delete(h.offerMAC, ip)
	}
}
