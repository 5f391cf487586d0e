package proxy

import (
	"fmt"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// parsedPacket is the decoded view of one inbound tunnel frame: a UDP
// datagram with enough addressing kept around to build the reply frame.
type parsedPacket struct {
	srcAddr netip.Addr
	dstAddr netip.Addr
	srcPort uint16
	dstPort uint16
	ipv6    bool
	payload []byte
}

// parsePacket decodes a raw IP frame from the tun device. Anything that is
// not a well-formed UDP datagram is an error; callers log and drop.
func parsePacket(raw []byte) (*parsedPacket, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty frame")
	}

	var firstLayer gopacket.LayerType
	switch raw[0] >> 4 {
	case 4:
		firstLayer = layers.LayerTypeIPv4
	case 6:
		firstLayer = layers.LayerTypeIPv6
	default:
		return nil, fmt.Errorf("unknown IP version nibble %d", raw[0]>>4)
	}

	packet := gopacket.NewPacket(raw, firstLayer, gopacket.Default)
	if err := packet.ErrorLayer(); err != nil {
		return nil, fmt.Errorf("frame decode failed: %v", err.Error())
	}

	udpLayer := packet.Layer(layers.LayerTypeUDP)
	if udpLayer == nil {
		return nil, fmt.Errorf("not a UDP datagram")
	}
	udp := udpLayer.(*layers.UDP)

	parsed := &parsedPacket{
		srcPort: uint16(udp.SrcPort),
		dstPort: uint16(udp.DstPort),
		payload: udp.Payload,
	}

	switch ip := packet.NetworkLayer().(type) {
	case *layers.IPv4:
		parsed.srcAddr, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		parsed.dstAddr, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case *layers.IPv6:
		parsed.srcAddr, _ = netip.AddrFromSlice(ip.SrcIP.To16())
		parsed.dstAddr, _ = netip.AddrFromSlice(ip.DstIP.To16())
		parsed.ipv6 = true
	default:
		return nil, fmt.Errorf("no IP network layer")
	}

	return parsed, nil
}

// buildResponse constructs the reply frame for req: addresses and ports
// swapped, lengths and checksums recomputed, payload as the UDP body.
func buildResponse(req *parsedPacket, payload []byte) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}

	udp := &layers.UDP{
		SrcPort: layers.UDPPort(req.dstPort),
		DstPort: layers.UDPPort(req.srcPort),
	}

	if req.ipv6 {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolUDP,
			SrcIP:      req.dstAddr.AsSlice(),
			DstIP:      req.srcAddr.AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
			return nil, err
		}
	} else {
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    req.dstAddr.AsSlice(),
			DstIP:    req.srcAddr.AsSlice(),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}
