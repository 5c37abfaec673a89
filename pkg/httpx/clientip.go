package httpx

import (
	"net"
	"net/http"
	"strings"
)

// IPResolver picks the caller address, honoring forwarding headers only when
// the direct peer is a trusted proxy.
type IPResolver struct {
	TrustedProxies []*net.IPNet
}

// ParseCIDRs reads a comma-separated list of CIDRs or bare IPs. Invalid entries are skipped.
func ParseCIDRs(raw string) []*net.IPNet {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]*net.IPNet, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}

func (r IPResolver) ClientIP(req *http.Request) string {
	remoteIP := parseIP(req.RemoteAddr)
	if remoteIP == "" {
		remoteIP = req.RemoteAddr
	}
	if remoteIP != "" && r.trusted(remoteIP) {
		if xff := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); xff != "" {
			if candidate := parseIP(strings.TrimSpace(strings.Split(xff, ",")[0])); candidate != "" {
				return candidate
			}
		}
		if realIP := parseIP(strings.TrimSpace(req.Header.Get("X-Real-IP"))); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return "unknown"
	}
	return remoteIP
}

func (r IPResolver) trusted(ipStr string) bool {
	ip := net.ParseIP(strings.TrimSpace(ipStr))
	if ip == nil {
		return false
	}
	for _, cidr := range r.TrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func parseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if net.ParseIP(addr) != nil {
		return addr
	}
	return ""
}
