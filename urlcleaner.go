package urlfetch

import (
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// cleanDomain extracts the canonical domain key that governs scheduling
// (spec §4.1). It must stay pure and cheap: the engine's puller calls it once
// for every input item. Parse failure or a missing host yields the
// empty-string sentinel, never an error.
//
// When the registered-suffix table resolves the host to an eTLD+1 (e.g.
// "www.lemonde.fr" -> "lemonde.fr"), that is the domain key; otherwise, and
// always for an IP address host, the lowercased host is used as-is, matching
// spec §4.1's fallback.
func cleanDomain(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := u.Hostname()
	if host == "" {
		return ""
	}
	host = strings.ToLower(host)
	if net.ParseIP(host) != nil {
		return host
	}
	if etld1, err := publicsuffix.EffectiveTLDPlusOne(host); err == nil {
		return etld1
	}
	return host
}
