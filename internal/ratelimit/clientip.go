package ratelimit

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns a KeyFunc resolving the client address of a request.
//
// Proxy headers are consulted only when the direct peer (RemoteAddr) falls
// within one of trusted. With no trusted prefixes the peer address is always
// used, so clients cannot pick their own bucket by sending X-Forwarded-For.
//
// Forwarding chains are walked right to left from the peer. Entries inside
// trusted are proxy hops and are skipped; the first address outside trusted
// is the client. Everything left of it was supplied by the client and is
// ignored. An unparsable hop ends the walk at the last trusted address.
//
// Priority when the peer is trusted:
//  1. X-Forwarded-For
//  2. Forwarded "for=" values
//  3. X-Real-IP
//  4. RemoteAddr
func ClientIP(trusted []netip.Prefix) KeyFunc {
	return func(r *http.Request) string {
		remoteIP, _ := parseIPCandidate(r.RemoteAddr)
		if !peerTrusted(remoteIP, trusted) {
			return remoteIP
		}

		if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
			return walkChain(strings.Split(xff, ","), remoteIP, trusted)
		}
		if hops := forwardedFor(r.Header.Get("Forwarded")); len(hops) > 0 {
			return walkChain(hops, remoteIP, trusted)
		}
		if ip, ok := parseIPCandidate(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
		return remoteIP
	}
}

// walkChain returns the rightmost hop outside trusted. last is the address
// of the hop that appended the final entry.
func walkChain(hops []string, last string, trusted []netip.Prefix) string {
	for i := len(hops) - 1; i >= 0; i-- {
		ip, ok := parseIPCandidate(hops[i])
		if !ok {
			return last
		}
		if !peerTrusted(ip, trusted) {
			return ip
		}
		last = ip
	}
	return last
}

// forwardedFor returns the raw for= values of an RFC 7239 header, in order.
func forwardedFor(header string) []string {
	var hops []string
	for _, elem := range strings.Split(header, ",") {
		for _, param := range strings.Split(elem, ";") {
			param = strings.TrimSpace(param)
			if len(param) < 4 || !strings.EqualFold(param[:4], "for=") {
				continue
			}
			hops = append(hops, param[4:])
		}
	}
	return hops
}

func peerTrusted(remoteIP string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 || remoteIP == "" {
		return false
	}
	addr, err := netip.ParseAddr(remoteIP)
	if err != nil {
		return false
	}
	for _, prefix := range trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.Trim(strings.TrimSpace(raw), "\"")
	if s == "" {
		return "", false
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	// Drop zone (fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
