//go:build !linux

package iptables

import (
	"errors"
	"net"
)

func OriginalDst(c net.Conn) (*net.TCPAddr, error) {
	return nil, errors.New("original destination is only available on linux")
}
