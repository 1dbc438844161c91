package util

import (
	"regexp"
	"strconv"
	"strings"
)

var ipv4Re = regexp.MustCompile(`^([0-9]{1,3}\.){3}[0-9]{1,3}(/([1-9]|[12][0-9]|3[0-2]))?$`)

// CheckValidIpv4 reports whether ip is a well-formed IPv4 address, optionally
// with a /1-/32 prefix length (e.g. 10.0.0.10/24).
func CheckValidIpv4(ip string) bool {
	if !ipv4Re.MatchString(ip) {
		return false
	}

	addr, _, _ := strings.Cut(ip, "/")

	parts := strings.Split(addr, ".")
	if len(parts) != 4 {
		return false
	}
	for _, part := range parts {
		if val, err := strconv.Atoi(part); err != nil || val < 0 || val > 255 {
			return false
		}
	}

	return true
}

// CheckValidMac reports whether mac is a colon-separated 48-bit MAC address.
func CheckValidMac(mac string) bool {
	parts := strings.Split(mac, ":")
	if len(parts) != 6 {
		return false
	}
	for _, part := range parts {
		if len(part) != 2 {
			return false
		}
		if _, err := strconv.ParseUint(part, 16, 8); err != nil {
			return false
		}
	}
	return true
}
