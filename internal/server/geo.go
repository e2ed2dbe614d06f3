// Optional IP-to-country lookup for login log lines, backed by a MaxMind
// MMDB file.

package server

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/oschwald/maxminddb-golang/v2"
)

// GeoChecker resolves IP addresses to ISO 3166-1 alpha-2 country codes.
type GeoChecker struct {
	reader *maxminddb.Reader
}

// OpenGeo opens an MMDB file for country lookups.
func OpenGeo(dbPath string) (*GeoChecker, error) {
	r, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &GeoChecker{reader: r}, nil
}

// Close releases the MMDB reader resources.
func (c *GeoChecker) Close() error {
	return c.reader.Close()
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// CountryCode returns the country code for an IP string, "local" for
// loopback and private ranges, "" when the IP cannot be resolved.
func (c *GeoChecker) CountryCode(ipStr string) string {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return ""
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return "local"
	}
	var rec countryRecord
	if err := c.reader.Lookup(addr).Decode(&rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}

// clientIP extracts the originating client IP, honouring the first
// X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, ok := strings.Cut(fwd, ","); ok {
			return strings.TrimSpace(first)
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
