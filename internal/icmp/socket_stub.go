//go:build !linux

package icmp

import "errors"

func openPacketConn() (PacketConn, error) {
	return nil, errors.New("raw ICMP sockets are only supported on linux")
}
