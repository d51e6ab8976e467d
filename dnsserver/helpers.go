package dnsserver

import (
	"net"

	"github.com/miekg/dns"
)

// emptyReply builds a NOERROR reply with zero answer records, mirroring
// req's id/flags/question, used for the reject path (§4.F step 3) the way
// rafalfr-dnsproxy's helpers.GenEmptyMessage builds negative replies.
func emptyReply(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.Rcode = dns.RcodeSuccess
	m.RecursionAvailable = true

	return m
}

// servfail builds a SERVFAIL reply (§4.F step 7, §7 UpstreamDnsError).
func servfail(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeServerFailure)

	return m
}

// formerr builds a FORMERR reply for malformed/multi-question queries
// (§4.F step 1).
func formerr(req *dns.Msg) *dns.Msg {
	m := new(dns.Msg)
	m.SetRcode(req, dns.RcodeFormatError)

	return m
}

// aAnswer synthesizes a single A record answer with the given TTL, used for
// both static hosts (§4.F step 2) and hijack (§4.F step 4).
func aAnswer(req *dns.Msg, ip net.IP, ttl uint32) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.RecursionAvailable = true

	rr := &dns.A{
		Hdr: dns.RR_Header{
			Name:   req.Question[0].Name,
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: ip,
	}
	m.Answer = append(m.Answer, rr)

	return m
}

// aaaaAnswer is the AAAA counterpart of aAnswer.
func aaaaAnswer(req *dns.Msg, ip net.IP, ttl uint32) *dns.Msg {
	m := new(dns.Msg)
	m.SetReply(req)
	m.RecursionAvailable = true

	rr := &dns.AAAA{
		Hdr: dns.RR_Header{
			Name:   req.Question[0].Name,
			Rrtype: dns.TypeAAAA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		AAAA: ip,
	}
	m.Answer = append(m.Answer, rr)

	return m
}

// edns0BufSize returns the client-advertised UDP payload size, or the DNS
// default of 512 if the query carried no OPT record (§4.F, §6 "DNS wire").
func edns0BufSize(req *dns.Msg) uint16 {
	if opt := req.IsEdns0(); opt != nil {
		return opt.UDPSize()
	}

	return dns.MinMsgSize
}

// truncateForUDP enforces the negotiated UDP payload size, setting the TC
// bit and dropping the answer section when the packed response would
// exceed it (§4.F, §6).
func truncateForUDP(resp *dns.Msg, maxSize uint16) *dns.Msg {
	packed, err := resp.Pack()
	if err == nil && len(packed) <= int(maxSize) {
		return resp
	}

	resp.Truncated = true
	resp.Answer = nil
	resp.Ns = nil
	resp.Extra = nil

	return resp
}
