package chainutils

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
)

// NodeAddress builds the base URL of a node's axon. Unset or unspecified
// addresses are rejected.
func NodeAddress(ip string, port int) (string, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		// the ledger sometimes reports ipv4 as its integer form
		if n, err := strconv.ParseUint(ip, 10, 32); err == nil {
			parsed = IntToIPv4(uint32(n))
		}
	}
	if parsed == nil {
		return "", fmt.Errorf("invalid ip: %q", ip)
	}
	if parsed.IsUnspecified() {
		return "", fmt.Errorf("unspecified ip: %s", ip)
	}
	if port <= 0 || port > 65535 {
		return "", fmt.Errorf("invalid port: %d", port)
	}
	return "http://" + net.JoinHostPort(parsed.String(), strconv.Itoa(port)), nil
}

// IPv4ToInt converts an IPv4 net.IP to its uint32 representation (big-endian)
func IPv4ToInt(ip net.IP) (uint32, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("not an ipv4 address")
	}
	return binary.BigEndian.Uint32(ip4), nil
}

func IntToIPv4(n uint32) net.IP {
	ip := make(net.IP, net.IPv4len)
	binary.BigEndian.PutUint32(ip, n)
	return ip
}
