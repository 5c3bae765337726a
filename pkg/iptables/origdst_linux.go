//go:build linux

package iptables

import (
	"errors"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// From linux/netfilter_ipv6/ip6_tables.h, not exported by x/sys/unix.
const IP6T_SO_ORIGINAL_DST = 80

// OriginalDst returns the destination a REDIRECT-ed connection was addressed
// to before the nat table rewrote it. Connections that were not redirected
// report their own local address.
func OriginalDst(c net.Conn) (*net.TCPAddr, error) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return nil, errors.New("original destination requires a TCP connection")
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return nil, err
	}
	v6 := tc.LocalAddr().(*net.TCPAddr).IP.To4() == nil

	var (
		addr *net.TCPAddr
		serr error
	)
	err = raw.Control(func(fd uintptr) {
		if v6 {
			// The only getsockopt helper returning a sockaddr_in6 sized value.
			info, e := unix.GetsockoptIPv6MTUInfo(int(fd), unix.IPPROTO_IPV6, IP6T_SO_ORIGINAL_DST)
			if e != nil {
				serr = e
				return
			}
			pb := *(*[2]byte)(unsafe.Pointer(&info.Addr.Port))
			ip := make(net.IP, 16)
			copy(ip, info.Addr.Addr[:])
			addr = &net.TCPAddr{IP: ip, Port: int(pb[0])<<8 | int(pb[1])}
			return
		}
		// 16 bytes: family(2) port(2) addr(4) zero(8)
		mreq, e := unix.GetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IP, unix.SO_ORIGINAL_DST)
		if e != nil {
			serr = e
			return
		}
		m := mreq.Multiaddr
		addr = &net.TCPAddr{
			IP:   net.IPv4(m[4], m[5], m[6], m[7]),
			Port: int(m[2])<<8 | int(m[3]),
		}
	})
	if err != nil {
		return nil, err
	}
	if serr != nil {
		return nil, serr
	}
	return addr, nil
}
