package mdns

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/miekg/dns"
)

const (
	// ServiceType is the DNS-SD service type shelfd registers.
	ServiceType = "_shelfd._tcp"
	domain      = "local."

	// recordTTL is the TTL of announced records; goodbyes use zero.
	recordTTL = 120

	maxQuestions = 10
	maxNameLen   = 253
)

var servicesEnumeration = "_services._dns-sd._udp." + domain

// Service is one advertised library endpoint.
type Service struct {
	Instance string
	Host     string
	IP       net.IP
	Port     int
	PushPort int
	Version  string
}

func (s Service) typeName() string { return ServiceType + "." + domain }

func (s Service) instanceName() string {
	return escapeLabel(s.Instance) + "." + s.typeName()
}

func (s Service) hostName() string { return s.Host + "." + domain }

func (s Service) txt() []string {
	out := []string{
		"path=/api/v1",
		"push=" + strconv.Itoa(s.PushPort),
	}
	if s.Version != "" {
		out = append(out, "version="+s.Version)
	}
	return out
}

func header(name string, rrtype uint16, ttl uint32, flush bool) dns.RR_Header {
	class := uint16(dns.ClassINET)
	if flush {
		// cache-flush bit for unique records
		class |= 1 << 15
	}
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: class, Ttl: ttl}
}

func (s Service) ptr(ttl uint32) dns.RR {
	return &dns.PTR{Hdr: header(s.typeName(), dns.TypePTR, ttl, false), Ptr: s.instanceName()}
}

func (s Service) enumeration(ttl uint32) dns.RR {
	return &dns.PTR{Hdr: header(servicesEnumeration, dns.TypePTR, ttl, false), Ptr: s.typeName()}
}

func (s Service) srv(ttl uint32) dns.RR {
	return &dns.SRV{
		Hdr:    header(s.instanceName(), dns.TypeSRV, ttl, true),
		Port:   uint16(s.Port),
		Target: s.hostName(),
	}
}

func (s Service) txtRecord(ttl uint32) dns.RR {
	return &dns.TXT{Hdr: header(s.instanceName(), dns.TypeTXT, ttl, true), Txt: s.txt()}
}

func (s Service) a(ttl uint32) dns.RR {
	return &dns.A{Hdr: header(s.hostName(), dns.TypeA, ttl, true), A: s.IP.To4()}
}

// Records returns every record describing s.
func (s Service) Records(ttl uint32) []dns.RR {
	return []dns.RR{s.ptr(ttl), s.srv(ttl), s.txtRecord(ttl), s.a(ttl), s.enumeration(ttl)}
}

func unsolicited(rrs []dns.RR) *dns.Msg {
	msg := &dns.Msg{}
	msg.Response = true
	msg.Authoritative = true
	msg.Opcode = dns.OpcodeQuery
	msg.Answer = rrs
	return msg
}

// Announcement is the unsolicited response sent when serving begins.
func Announcement(s Service) *dns.Msg { return unsolicited(s.Records(recordTTL)) }

// Goodbye withdraws s by repeating its records with a zero TTL.
func Goodbye(s Service) *dns.Msg { return unsolicited(s.Records(0)) }

// Answer builds the response to query for s, or nil when nothing matches.
func Answer(query *dns.Msg, s Service) *dns.Msg {
	if query.Response || query.Opcode != dns.OpcodeQuery {
		return nil
	}
	resp := &dns.Msg{}
	resp.SetReply(query)
	resp.Authoritative = true
	resp.RecursionAvailable = false
	// mDNS responses carry no questions.
	resp.Question = nil

	seen := make(map[string]bool)
	add := func(section *[]dns.RR, rr dns.RR) {
		key := rr.String()
		if seen[key] {
			return
		}
		seen[key] = true
		*section = append(*section, rr)
	}

	for _, q := range query.Question {
		if q.Qclass&0x7fff != dns.ClassINET && q.Qclass&0x7fff != dns.ClassANY {
			continue
		}
		name := strings.ToLower(q.Name)
		all := q.Qtype == dns.TypeANY
		switch name {
		case strings.ToLower(servicesEnumeration):
			if all || q.Qtype == dns.TypePTR {
				add(&resp.Answer, s.enumeration(recordTTL))
			}
		case strings.ToLower(s.typeName()):
			if all || q.Qtype == dns.TypePTR {
				add(&resp.Answer, s.ptr(recordTTL))
				add(&resp.Extra, s.srv(recordTTL))
				add(&resp.Extra, s.txtRecord(recordTTL))
				add(&resp.Extra, s.a(recordTTL))
			}
		case strings.ToLower(s.instanceName()):
			if all || q.Qtype == dns.TypeSRV {
				add(&resp.Answer, s.srv(recordTTL))
				add(&resp.Extra, s.a(recordTTL))
			}
			if all || q.Qtype == dns.TypeTXT {
				add(&resp.Answer, s.txtRecord(recordTTL))
			}
		case strings.ToLower(s.hostName()):
			if all || q.Qtype == dns.TypeA {
				add(&resp.Answer, s.a(recordTTL))
			}
		}
	}
	if len(resp.Answer) == 0 {
		return nil
	}
	return resp
}

// validateQuery rejects messages no legitimate resolver would send.
func validateQuery(msg *dns.Msg) error {
	if len(msg.Question) > maxQuestions {
		return fmt.Errorf("too many questions: %d", len(msg.Question))
	}
	for _, q := range msg.Question {
		if !strings.HasSuffix(strings.ToLower(q.Name), "."+domain) {
			return fmt.Errorf("non-local query: %s", q.Name)
		}
		if len(q.Name) > maxNameLen {
			return fmt.Errorf("name too long: %d", len(q.Name))
		}
	}
	return nil
}

// escapeLabel makes an instance name safe for use as a single DNS label.
func escapeLabel(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
