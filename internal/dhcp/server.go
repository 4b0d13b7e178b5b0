// Package dhcp implements the DHCPv4 listener and the protocol state
// machine that maps message types to lease transitions.
package dhcp

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"gosling/internal/config"
	"gosling/internal/lease"
	"gosling/internal/metrics"
)

func NewServer(cfg config.Config, store *lease.Store, events EventPublisher, logger *log.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("lease store is required")
	}
	if logger == nil {
		logger = log.Default()
	}
	h := &handler{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		events:   events,
		offers:   make(map[[6]byte]netip.Addr),
		offerMAC: make(map[netip.Addr][6]byte),
	}
	return &Server{cfg: cfg, logger: logger, handler: h}, nil
}

// Run binds port 67 on the configured interface with broadcast enabled and
// serves until ctx is cancelled. The underlying serve loop handles one
// datagram at a time.
func (s *Server) Run(ctx context.Context, ready *atomic.Bool) error {
	laddr := &net.UDPAddr{IP: net.IPv4zero, Port: dhcpv4.ServerPort}
	srv, err := server4.NewServer(s.cfg.Interface, laddr, s.handler.handle)
	if err != nil {
		return fmt.Errorf("start listener on %s: %w", s.cfg.Interface, err)
	}
	s.logger.Printf("INFO dhcp listening on %s port %d", s.cfg.Interface, dhcpv4.ServerPort)
	ready.Store(true)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("dhcp serve: %w", err)
		}
	case <-ctx.Done():
		srv.Close()
		<-errCh
	}
	return nil
}

// handle is the single transition of the state machine: one inbound message
// in, at most one reply out.
func (h *handler) handle(conn net.PacketConn, peer net.Addr, req *dhcpv4.DHCPv4) {
	if req == nil || req.OpCode != dhcpv4.OpcodeBootRequest {
		metrics.PacketsDropped.WithLabelValues("not_request").Inc()
		return
	}
	mt := req.MessageType()
	metrics.PacketsReceived.WithLabelValues(mt.String()).Inc()

	mac, ok := lease.HardwareKey(req.ClientHWAddr)
	if !ok {
		metrics.PacketsDropped.WithLabelValues("bad_hwaddr").Inc()
		return
	}

	switch mt {
	case dhcpv4.MessageTypeDiscover:
		h.handleDiscover(conn, req, mac)
	case dhcpv4.MessageTypeRequest:
		if !h.cfg.Authoritative && !h.forThisServer(req) {
			metrics.PacketsDropped.WithLabelValues("foreign_server").Inc()
			return
		}
		h.handleRequest(conn, req, mac)
	case dhcpv4.MessageTypeRelease, dhcpv4.MessageTypeDecline:
		if !h.forThisServer(req) {
			metrics.PacketsDropped.WithLabelValues("foreign_server").Inc()
			return
		}
		h.handleForget(req, mac, mt)
	default:
		// Inform and anything unrecognized.
		metrics.PacketsDropped.WithLabelValues("unsupported_type").Inc()
	}
}

func (h *handler) handleDiscover(conn net.PacketConn, req *dhcpv4.DHCPv4, mac [6]byte) {
	now := time.Now()

	// An existing binding always wins, expired or not.
	if ip, ok := h.store.CurrentLease(mac); ok {
		h.reply(conn, req, dhcpv4.MessageTypeOffer, ip)
		return
	}

	// Re-offer a pending offer so repeated Discovers are idempotent. A
	// candidate someone else leased in the meantime is dropped instead.
	if ip, ok := h.offers[mac]; ok {
		if h.store.Available(mac, ip, now) {
			h.reply(conn, req, dhcpv4.MessageTypeOffer, ip)
			return
		}
		h.forgetOffer(mac)
	}

	ip, ok := h.store.Allocate(mac, now)
	if !ok {
		metrics.PoolExhausted.Inc()
		h.logger.Printf("WARN pool exhausted, ignoring discover from %s", net.HardwareAddr(mac[:]))
		return
	}
	h.rememberOffer(mac, ip)
	h.reply(conn, req, dhcpv4.MessageTypeOffer, ip)
}

func (h *handler) handleRequest(conn net.PacketConn, req *dhcpv4.DHCPv4, mac [6]byte) {
	now := time.Now()

	// A client that already holds a lease gets that lease re-affirmed, even
	// if it asked for a different address; one hardware address never holds
	// two pool addresses at once.
	if ip, ok := h.store.CurrentLease(mac); ok {
		h.forgetOffer(mac)
		h.reply(conn, req, dhcpv4.MessageTypeAck, ip)
		return
	}

	requested, ok := requestedAddr(req)
	if !ok || !h.store.Available(mac, requested, now) {
		h.nak(conn, req, "Requested IP not available")
		return
	}

	expiry := now.Add(h.cfg.LeaseTime)
	h.store.Insert(requested, mac, expiry)
	h.forgetOffer(mac)
	h.publish("ack", requested, mac, expiry.UnixMilli())
	h.reply(conn, req, dhcpv4.MessageTypeAck, requested)
}

// handleForget removes the client's binding on Release or Decline. Neither
// message gets a reply.
func (h *handler) handleForget(req *dhcpv4.DHCPv4, mac [6]byte, mt dhcpv4.MessageType) {
	ip, ok := h.store.CurrentLease(mac)
	if !ok {
		return
	}
	h.store.Remove(ip)
	h.forgetOffer(mac)
	event := "release"
	if mt == dhcpv4.MessageTypeDecline {
		event = "decline"
	}
	h.publish(event, ip, mac, 0)
	h.logger.Printf("INFO %s of %s by %s", event, ip, net.HardwareAddr(mac[:]))
}

// forThisServer reports whether the message is addressed to this server. A
// missing server-identifier option counts as addressed to everyone.
func (h *handler) forThisServer(req *dhcpv4.DHCPv4) bool {
	sid := req.ServerIdentifier()
	return sid == nil || sid.IsUnspecified() || sid.Equal(h.cfg.ListenAddr)
}

// requestedAddr resolves the address a Request claims: option 50 when
// present, the ciaddr field otherwise.
func requestedAddr(req *dhcpv4.DHCPv4) (netip.Addr, bool) {
	ip := req.RequestedIPAddress()
	if ip == nil || ip.IsUnspecified() {
		ip = req.ClientIPAddr
	}
	if ip == nil {
		return netip.Addr{}, false
	}
	v4 := ip.To4()
	if v4 == nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(v4)
	return addr, ok && !addr.IsUnspecified()
}

func (h *handler) publish(event string, ip netip.Addr, mac [6]byte, expiry int64) {
	if h.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := LeaseEvent{
		Event:  event,
		IP:     ip.String(),
		MAC:    net.HardwareAddr(mac[:]).String(),
		Expiry: expiry,
	}
	if err := h.events.Publish(ctx, h.cfg.NATSSubject, ev); err != nil {
		h.logger.Printf("WARN publish lease event: %v", err)
	}
}
