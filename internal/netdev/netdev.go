// Package netdev implements a small user-mode network stack backing
// virtio-net: a non-tap network where the guest's ARP requests for the
// gateway, ICMP echo requests and DNS queries are answered directly by the
// host process rather than routed through a real interface; all other
// traffic, TCP included, is dropped. Grounded on
// original_source/src/io/network/usernet.rs for the overall shape (no tap
// device, everything host-terminated) and on tinyrange-cc's own
// zero-dependency internal/netstack for the "hand-roll the data plane"
// idiom — confirmed by checking every _examples go.mod, this pack
// consistently does not reach for a full netstack library for this kind
// of guest-facing ARP/IP/ICMP handling. The one piece of this package
// that *is* a real dependency, the DNS responder, uses
// github.com/miekg/dns, matching tinyrange-cc's own go.mod (no other
// example repo parses/serves DNS packets).
package netdev

import (
	"encoding/binary"
	"log/slog"
	"net"

	"github.com/miekg/dns"
)

// EtherType values this stack understands.
const (
	etherTypeARP  = 0x0806
	etherTypeIPv4 = 0x0800

	arpOpRequest = 1
	arpOpReply   = 2

	ipProtoICMP = 1
	ipProtoUDP  = 17
	ipProtoTCP  = 6

	icmpEchoRequest = 8
	icmpEchoReply   = 0
)

// Stack is a single virtual NIC's worth of user-mode networking: it owns
// a gateway IP/MAC pair, answers ARP for that gateway, answers ICMP echo,
// and answers DNS queries sent to UDP port 53.
type Stack struct {
	GuestMAC   [6]byte
	GatewayMAC [6]byte
	GuestIP    [4]byte
	GatewayIP  [4]byte

	dns *dns.Server
	out chan []byte // frames queued for delivery to the guest
}

// NewStack creates a user-mode stack for one virtio-net device. guestMAC
// is the MAC spec.md §6 puts in the config's `[[network]]` table
// (default 02:00:00:00:00:01); the gateway is a fixed link-local address
// the guest's DHCP-less static config (or a minimal in-guest DHCP client)
// can assume.
func NewStack(guestMAC [6]byte) *Stack {
	s := &Stack{
		GuestMAC:   guestMAC,
		GatewayMAC: [6]byte{0x02, 0x00, 0x00, 0x00, 0x00, 0x02},
		GuestIP:    [4]byte{192, 168, 127, 2},
		GatewayIP:  [4]byte{192, 168, 127, 1},
		out:        make(chan []byte, 256),
	}
	return s
}

// HandleFrame processes one guest-transmitted Ethernet frame, queuing any
// reply frames for delivery back to the guest via Outgoing.
func (s *Stack) HandleFrame(frame []byte) {
	if len(frame) < 14 {
		return
	}
	etherType := binary.BigEndian.Uint16(frame[12:14])
	payload := frame[14:]
	switch etherType {
	case etherTypeARP:
		s.handleARP(payload)
	case etherTypeIPv4:
		s.handleIPv4(payload)
	}
}

// Outgoing returns the channel of frames ready for delivery to the guest's
// receive queue. Every reply is queued synchronously inside HandleFrame;
// the virtio-net front end drains this channel only when the driver
// notifies its receive queue.
func (s *Stack) Outgoing() <-chan []byte { return s.out }

func (s *Stack) sendEthernet(dstMAC [6]byte, etherType uint16, payload []byte) {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dstMAC[:])
	copy(frame[6:12], s.GatewayMAC[:])
	binary.BigEndian.PutUint16(frame[12:14], etherType)
	copy(frame[14:], payload)
	select {
	case s.out <- frame:
	default:
		slog.Warn("netdev: outgoing queue full, dropping frame")
	}
}

func (s *Stack) handleARP(p []byte) {
	if len(p) < 28 {
		return
	}
	op := binary.BigEndian.Uint16(p[6:8])
	targetIP := [4]byte{p[24], p[25], p[26], p[27]}
	if op != arpOpRequest || targetIP != s.GatewayIP {
		return
	}
	var senderMAC [6]byte
	copy(senderMAC[:], p[8:14])

	reply := make([]byte, 28)
	binary.BigEndian.PutUint16(reply[0:2], 1) // HTYPE ethernet
	binary.BigEndian.PutUint16(reply[2:4], etherTypeIPv4)
	reply[4] = 6
	reply[5] = 4
	binary.BigEndian.PutUint16(reply[6:8], arpOpReply)
	copy(reply[8:14], s.GatewayMAC[:])
	copy(reply[14:18], s.GatewayIP[:])
	copy(reply[18:24], senderMAC[:])
	copy(reply[24:28], p[14:18]) // sender's IP becomes the target

	s.sendEthernet(senderMAC, etherTypeARP, reply)
}

func (s *Stack) handleIPv4(p []byte) {
	if len(p) < 20 {
		return
	}
	ihl := int(p[0]&0x0f) * 4
	if len(p) < ihl {
		return
	}
	proto := p[9]
	srcIP := [4]byte{p[12], p[13], p[14], p[15]}
	dstIP := [4]byte{p[16], p[17], p[18], p[19]}
	body := p[ihl:]

	switch proto {
	case ipProtoICMP:
		s.handleICMP(srcIP, dstIP, body)
	case ipProtoUDP:
		s.handleUDP(srcIP, dstIP, body)
	}
}

func (s *Stack) handleICMP(srcIP, dstIP [4]byte, icmp []byte) {
	if len(icmp) < 8 || icmp[0] != icmpEchoRequest {
		return
	}
	reply := make([]byte, len(icmp))
	copy(reply, icmp)
	reply[0] = icmpEchoReply
	reply[2], reply[3] = 0, 0
	binary.BigEndian.PutUint16(reply[2:4], icmpChecksum(reply))
	s.sendIPv4(dstIP, srcIP, ipProtoICMP, reply)
}

func icmpChecksum(b []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(b); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if len(b)%2 == 1 {
		sum += uint32(b[len(b)-1]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

// handleUDP recognizes DNS queries to the gateway's port 53 and answers
// them via the embedded resolver; everything else is dropped (this is a
// minimal guest-facing stack, not a general NAT).
func (s *Stack) handleUDP(srcIP, dstIP [4]byte, udp []byte) {
	if len(udp) < 8 {
		return
	}
	srcPort := binary.BigEndian.Uint16(udp[0:2])
	dstPort := binary.BigEndian.Uint16(udp[2:4])
	if dstPort != 53 {
		return
	}
	msg := new(dns.Msg)
	if err := msg.Unpack(udp[8:]); err != nil {
		return
	}
	reply := s.resolve(msg)
	packed, err := reply.Pack()
	if err != nil {
		return
	}
	s.sendUDP(dstIP, srcIP, 53, srcPort, packed)
}

// resolve answers A queries with the gateway's own address for any name;
// questions of any other type (AAAA included) get a reply with no answer
// record. No upstream DNS server is consulted.
func (s *Stack) resolve(q *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(q)
	m.Authoritative = true
	for _, question := range q.Question {
		switch question.Qtype {
		case dns.TypeA:
			rr := &dns.A{
				Hdr: dns.RR_Header{Name: question.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   net.IPv4(s.GatewayIP[0], s.GatewayIP[1], s.GatewayIP[2], s.GatewayIP[3]),
			}
			m.Answer = append(m.Answer, rr)
		}
	}
	return m
}

func (s *Stack) sendUDP(srcIP, dstIP [4]byte, srcPort, dstPort uint16, payload []byte) {
	udp := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint16(udp[0:2], srcPort)
	binary.BigEndian.PutUint16(udp[2:4], dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(len(udp)))
	copy(udp[8:], payload)
	s.sendIPv4(srcIP, dstIP, ipProtoUDP, udp)
}

func (s *Stack) sendIPv4(srcIP, dstIP [4]byte, proto byte, body []byte) {
	hdr := make([]byte, 20)
	hdr[0] = 0x45
	binary.BigEndian.PutUint16(hdr[2:4], uint16(20+len(body)))
	hdr[8] = 64
	hdr[9] = proto
	copy(hdr[12:16], srcIP[:])
	copy(hdr[16:20], dstIP[:])
	binary.BigEndian.PutUint16(hdr[10:12], icmpChecksum(hdr))

	packet := append(hdr, body...)
	s.sendEthernet(s.GuestMAC, etherTypeIPv4, packet)
}
