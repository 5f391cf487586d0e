// Package proxy parses raw tunnel frames, classifies the DNS question
// inside and either fabricates a response locally or forwards the query to
// a real resolver.
package proxy

import (
	"context"
	"net/netip"
	"strings"

	"github.com/miekg/dns"

	"github.com/dnsfence/dnsfence/internal/dnsmapper"
	"github.com/dnsfence/dnsfence/internal/log"
	"github.com/dnsfence/dnsfence/internal/policy"
)

const (
	// Short negative-cache TTL: resolvers cache the "no such data" result
	// briefly instead of retrying immediately, without pinning the block
	// for long.
	negativeCacheTTL = 5

	// Owner of the synthetic SOA. Under .invalid it can never collide
	// with a real zone.
	soaOwner = "dnsfence.invalid."

	dnsPort = 53
)

// DeviceWriter queues one outgoing frame for write-back to the tunnel.
type DeviceWriter interface {
	EnqueueWrite(frame []byte)
}

// UpstreamDispatcher forwards a raw query payload to a real resolver and
// invokes onReply with the raw response payload, at most once.
type UpstreamDispatcher interface {
	Dispatch(dest netip.AddrPort, payload []byte, onReply func(resp []byte)) error
}

// Resolver resolves a hostname over DoH.
type Resolver interface {
	Lookup(ctx context.Context, name string) ([]netip.Addr, error)
}

// WorkerPool runs blocking lookups off the event loop thread. Submit
// returns false when the pool is saturated or shut down.
type WorkerPool interface {
	Submit(task func()) bool
}

// Proxy is the packet pipeline. With a Resolver set, allowed queries are
// answered over DoH; without one they are relayed as plain UDP through the
// dispatcher.
type Proxy struct {
	Store      *policy.Store
	Mapper     *dnsmapper.Mapper
	Writer     DeviceWriter
	Dispatcher UpstreamDispatcher
	Resolver   Resolver
	Pool       WorkerPool
}

// HandlePacket processes one raw frame from the tunnel. It never panics or
// returns an error: malformed input is logged and dropped, the loop moves
// on.
func (p *Proxy) HandlePacket(raw []byte) {
	pkt, err := parsePacket(raw)
	if err != nil {
		log.Debugf("Dropping frame: %v", err)
		return
	}

	real, ok := p.Mapper.FakeToReal(pkt.dstAddr)
	if !ok {
		log.Debugf("Dropping datagram to unmapped address %s", pkt.dstAddr)
		return
	}
	dest := netip.AddrPortFrom(real, dnsPort)

	// Some clients send empty keep-alive probes on their DNS socket.
	// Forward them unclassified rather than confusing the client with a
	// missing reply.
	if len(pkt.payload) == 0 {
		p.forwardRaw(pkt, dest)
		return
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(pkt.payload); err != nil {
		log.Debugf("Dropping datagram to %s: not a DNS message: %v", dest, err)
		return
	}
	if len(msg.Question) == 0 {
		log.Debugf("Dropping DNS message without question (id %04x)", msg.Id)
		return
	}

	question := msg.Question[0]
	name := strings.ToLower(strings.TrimSuffix(question.Name, "."))
	entry := p.Store.Lookup(name)

	log.Debugf("[%04x] %s %s -> %s (upstream %s)",
		msg.Id, dns.TypeToString[question.Qtype], name, entry.Classification, real)

	switch entry.Classification {
	case policy.Blocked:
		p.enqueueMessage(pkt, blockedResponse(msg))
	case policy.Redirected:
		p.handleRedirected(pkt, msg, entry)
	default:
		p.handleAllowed(pkt, msg, dest, name)
	}
}

// forwardRaw relays a payload unmodified and queues the raw reply back to
// the client.
func (p *Proxy) forwardRaw(pkt *parsedPacket, dest netip.AddrPort) {
	err := p.Dispatcher.Dispatch(dest, pkt.payload, func(resp []byte) {
		p.enqueueRaw(pkt, resp)
	})
	if err != nil {
		log.Warnf("Failed to forward datagram to %s: %v", dest, err)
	}
}

func (p *Proxy) handleRedirected(pkt *parsedPacket, req *dns.Msg, entry policy.HostEntry) {
	target, err := netip.ParseAddr(entry.RedirectTarget)
	if err == nil {
		p.enqueueMessage(pkt, redirectResponse(req, target))
		return
	}

	// Non-literal target: resolve it off the loop thread.
	if p.Resolver == nil || p.Pool == nil {
		log.Warnf("Dropping redirect for %s: target %q is not an address literal", entry.Hostname, entry.RedirectTarget)
		return
	}
	submitted := p.Pool.Submit(func() {
		addrs, err := p.Resolver.Lookup(context.Background(), entry.RedirectTarget)
		if err != nil {
			log.Warnf("Dropping redirect for %s: %v", entry.Hostname, err)
			return
		}
		p.enqueueMessage(pkt, redirectResponse(req, addrs[0]))
	})
	if !submitted {
		log.Warnf("Dropping redirect for %s: worker pool unavailable", entry.Hostname)
	}
}

func (p *Proxy) handleAllowed(pkt *parsedPacket, req *dns.Msg, dest netip.AddrPort, name string) {
	if p.Resolver == nil || p.Pool == nil {
		// Plain-DNS mode: relay the wire payload as-is.
		p.forwardRaw(pkt, dest)
		return
	}

	submitted := p.Pool.Submit(func() {
		addrs, err := p.Resolver.Lookup(context.Background(), name)
		if err != nil {
			log.Debugf("[%04x] Dropping query for %s: %v", req.Id, name, err)
			return
		}
		p.enqueueMessage(pkt, answerResponse(req, addrs))
	})
	if !submitted {
		log.Debugf("[%04x] Dropping query for %s: worker pool unavailable", req.Id, name)
	}
}

// enqueueMessage packs a DNS response and queues its reply frame.
func (p *Proxy) enqueueMessage(pkt *parsedPacket, resp *dns.Msg) {
	payload, err := resp.Pack()
	if err != nil {
		log.Warnf("Failed to pack DNS response (id %04x): %v", resp.Id, err)
		return
	}
	p.enqueueRaw(pkt, payload)
}

func (p *Proxy) enqueueRaw(pkt *parsedPacket, payload []byte) {
	frame, err := buildResponse(pkt, payload)
	if err != nil {
		log.Warnf("Failed to build response frame: %v", err)
		return
	}
	p.Writer.EnqueueWrite(frame)
}
