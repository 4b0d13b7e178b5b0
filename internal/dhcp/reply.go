package dhcp

import (
	"net"
	"net/netip"

	"github.com/insomniacslk/dhcp/dhcpv4"

	"gosling/internal/metrics"
)

// reply sends an Offer or Ack granting ip, carrying the standard option set:
// lease time, subnet mask, router, DNS, and this server's identifier.
func (h *handler) reply(conn net.PacketConn, req *dhcpv4.DHCPv4, mt dhcpv4.MessageType, ip netip.Addr) {
	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		h.logger.Printf("ERROR create reply: %v", err)
		return
	}
	resp.UpdateOption(dhcpv4.OptMessageType(mt))
	resp.YourIPAddr = net.IP(ip.AsSlice())
	resp.ServerIPAddr = h.cfg.ListenAddr
	resp.Options.Update(dhcpv4.OptIPAddressLeaseTime(h.cfg.LeaseTime))
	resp.Options.Update(dhcpv4.OptSubnetMask(h.cfg.Netmask))
	resp.Options.Update(dhcpv4.OptRouter(h.cfg.Gateway))
	if len(h.cfg.DNSServers) > 0 {
		resp.Options.Update(dhcpv4.OptDNS(h.cfg.DNSServers...))
	}
	resp.Options.Update(dhcpv4.OptServerIdentifier(h.cfg.ListenAddr))

	if h.cfg.BootFile != "" {
		resp.BootFileName = h.cfg.BootFile
	}
	if h.cfg.NextServer != nil {
		resp.ServerIPAddr = h.cfg.NextServer
		resp.Options.Update(dhcpv4.OptTFTPServerName(h.cfg.NextServer.String()))
	}

	h.send(conn, req, resp)
}

// nak denies a Request with a human-readable reason and a zero yiaddr.
func (h *handler) nak(conn net.PacketConn, req *dhcpv4.DHCPv4, reason string) {
	resp, err := dhcpv4.NewReplyFromRequest(req)
	if err != nil {
		h.logger.Printf("ERROR create nak: %v", err)
		return
	}
	resp.UpdateOption(dhcpv4.OptMessageType(dhcpv4.MessageTypeNak))
	resp.YourIPAddr = net.IPv4zero
	resp.Options.Update(dhcpv4.OptServerIdentifier(h.cfg.ListenAddr))
	resp.Options.Update(dhcpv4.OptGeneric(dhcpv4.OptionMessage, []byte(reason)))

	h.logger.Printf("INFO nak to %s: %s", req.ClientHWAddr, reason)
	h.send(conn, req, resp)
}

// send picks the reply destination: the relay when giaddr is set, the
// subnet broadcast when the client asked for broadcast or has no address
// yet, and otherwise unicast to the granted (or claimed) address. Naks
// always broadcast; the client may sit on the wrong subnet with a ciaddr
// this server cannot reach (RFC 2131 section 4.1).
func (h *handler) send(conn net.PacketConn, req, resp *dhcpv4.DHCPv4) {
	var dst *net.UDPAddr
	switch {
	case req.GatewayIPAddr != nil && !req.GatewayIPAddr.IsUnspecified():
		dst = &net.UDPAddr{IP: req.GatewayIPAddr, Port: dhcpv4.ServerPort}
	case resp.MessageType() == dhcpv4.MessageTypeNak:
		dst = &net.UDPAddr{IP: h.cfg.Broadcast, Port: dhcpv4.ClientPort}
	case req.IsBroadcast() || req.ClientIPAddr == nil || req.ClientIPAddr.IsUnspecified():
		dst = &net.UDPAddr{IP: h.cfg.Broadcast, Port: dhcpv4.ClientPort}
	case resp.YourIPAddr != nil && !resp.YourIPAddr.IsUnspecified():
		dst = &net.UDPAddr{IP: resp.YourIPAddr, Port: dhcpv4.ClientPort}
	default:
		dst = &net.UDPAddr{IP: req.ClientIPAddr, Port: dhcpv4.ClientPort}
	}

	if _, err := conn.WriteTo(resp.ToBytes(), dst); err != nil {
		h.logger.Printf("ERROR send %s to %s: %v", resp.MessageType(), dst, err)
		return
	}
	metrics.RepliesSent.WithLabelValues(resp.MessageType().String()).Inc()
}
