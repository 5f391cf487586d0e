package proxy

import (
	"net/netip"

	"github.com/miekg/dns"
)

// blockedResponse is an authoritative-looking empty answer: NOERROR with a
// synthetic authority SOA whose short TTL negative-caches the miss.
func blockedResponse(req *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Rcode = dns.RcodeSuccess
	resp.Ns = []dns.RR{syntheticSOA()}
	return resp
}

// redirectResponse answers with a single address record pointing at target.
func redirectResponse(req *dns.Msg, target netip.Addr) *dns.Msg {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionDesired = false
	resp.Rcode = dns.RcodeSuccess
	resp.Answer = []dns.RR{addressRecord(req.Question[0].Name, target)}
	return resp
}

// answerResponse answers an allowed query with the first resolved address
// matching the query type's family, the same single-record shape as a
// redirect. No matching family falls back to the blocked shape: NOERROR,
// no answers, negative-cache SOA.
func answerResponse(req *dns.Msg, addrs []netip.Addr) *dns.Msg {
	wantV6 := req.Question[0].Qtype == dns.TypeAAAA

	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.Rcode = dns.RcodeSuccess

	for _, addr := range addrs {
		if addr.Is6() != wantV6 {
			continue
		}
		resp.Answer = []dns.RR{addressRecord(req.Question[0].Name, addr)}
		break
	}

	if len(resp.Answer) == 0 {
		resp.Ns = []dns.RR{syntheticSOA()}
	}
	return resp
}

func addressRecord(name string, addr netip.Addr) dns.RR {
	hdr := dns.RR_Header{
		Name:  name,
		Class: dns.ClassINET,
		Ttl:   negativeCacheTTL,
	}

	if addr.Is6() {
		hdr.Rrtype = dns.TypeAAAA
		return &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()}
	}
	hdr.Rrtype = dns.TypeA
	return &dns.A{Hdr: hdr, A: addr.AsSlice()}
}

// syntheticSOA is self-referential: owner, primary and mailbox all live
// under .invalid, so nothing can mistake it for real zone data.
func syntheticSOA() dns.RR {
	return &dns.SOA{
		Hdr: dns.RR_Header{
			Name:   soaOwner,
			Rrtype: dns.TypeSOA,
			Class:  dns.ClassINET,
			Ttl:    negativeCacheTTL,
		},
		Ns:      soaOwner,
		Mbox:    soaOwner,
		Refresh: negativeCacheTTL,
		Retry:   negativeCacheTTL,
		Expire:  negativeCacheTTL,
		Minttl:  negativeCacheTTL,
	}
}
