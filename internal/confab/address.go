package confab

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// packIPv4 packs an address the way it is written: a.b.c.d -> a<<24|b<<16|c<<8|d.
func packIPv4(ip netip.Addr) uint32 {
	b := ip.As4()
	return binary.BigEndian.Uint32(b[:])
}

func unpackIPv4(a uint32) string {
	return strconv.Itoa(int(a>>24)) + "." + strconv.Itoa(int(a>>16&0xff)) + "." +
		strconv.Itoa(int(a>>8&0xff)) + "." + strconv.Itoa(int(a&0xff))
}

// remoteIPv4 resolves the packed IPv4 address of a request's RemoteAddr.
// IPv4-mapped IPv6 addresses are accepted; other IPv6 and 0.0.0.0 are not.
func remoteIPv4(remoteAddr string) (uint32, error) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrAddressResolution, err)
	}
	ip = ip.Unmap()
	if !ip.Is4() {
		return 0, fmt.Errorf("%w: %s is not IPv4", ErrAddressResolution, ip)
	}
	a := packIPv4(ip)
	if a == 0 {
		return 0, fmt.Errorf("%w: unspecified address", ErrAddressResolution)
	}
	return a, nil
}
