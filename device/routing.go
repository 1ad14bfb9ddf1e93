package device

import (
	"errors"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var errNotIP = errors.New("not an IP packet")

// packetAddrs decodes the source and destination of an inner IP packet.
func packetAddrs(packet []byte) (src, dst net.IP, err error) {
	if len(packet) == 0 {
		return nil, nil, errNotIP
	}

	var first gopacket.LayerType
	switch packet[0] >> 4 {
	case 4:
		first = layers.LayerTypeIPv4
	case 6:
		first = layers.LayerTypeIPv6
	default:
		return nil, nil, errNotIP
	}

	decoded := gopacket.NewPacket(packet, first, gopacket.DecodeOptions{
		Lazy:   true,
		NoCopy: true,
	})
	network := decoded.NetworkLayer()
	if network == nil {
		return nil, nil, errNotIP
	}
	flow := network.NetworkFlow()
	return net.IP(flow.Src().Raw()), net.IP(flow.Dst().Raw()), nil
}

// allowedIPs is the set of inner addresses a peer may use.
type allowedIPs []net.IPNet

func (a allowedIPs) contains(ip net.IP) bool {
	for i := range a {
		if a[i].Contains(ip) {
			return true
		}
	}
	return false
}

// prefixLen is the length of the longest prefix in a covering ip, -1 if none.
func (a allowedIPs) prefixLen(ip net.IP) int {
	best := -1
	for i := range a {
		if a[i].Contains(ip) {
			if ones, _ := a[i].Mask.Size(); ones > best {
				best = ones
			}
		}
	}
	return best
}

// routeOutbound picks the peer for a packet read from the TUN device: the
// longest AllowedIPs match on the destination, falling back to a peer
// without AllowedIPs.
func (d *Device) routeOutbound(packet []byte) (*Peer, error) {
	_, dst, err := packetAddrs(packet)
	if err != nil {
		return nil, err
	}

	var (
		best     *Peer
		bestLen  = -1
		fallback *Peer
	)
	for _, p := range d.peers {
		if len(p.allowedIPs) == 0 {
			if fallback == nil {
				fallback = p
			}
			continue
		}
		if n := p.allowedIPs.prefixLen(dst); n > bestLen {
			best, bestLen = p, n
		}
	}
	if best != nil {
		return best, nil
	}
	return fallback, nil
}

// allowsInbound reports whether a decrypted packet from p may be delivered.
func (p *Peer) allowsInbound(packet []byte) bool {
	src, _, err := packetAddrs(packet)
	if err != nil {
		return false
	}
	if len(p.allowedIPs) == 0 {
		return true
	}
	return p.allowedIPs.contains(src)
}
