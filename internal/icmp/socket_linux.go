//go:build linux

package icmp

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// rawConn owns a raw AF_INET/ICMP socket. Opening one requires CAP_NET_RAW
// (or root); the engine treats a failure here as fatal.
type rawConn struct {
	fd int
}

func openPacketConn() (PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		if errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("%w: %v", ErrPermission, err)
		}
		return nil, fmt.Errorf("open raw socket: %w", err)
	}
	// Best effort: a larger receive buffer rides out reply bursts.
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, 1<<20)
	return &rawConn{fd: fd}, nil
}

func (c *rawConn) WriteTo(pkt []byte, dst net.IP) error {
	ip4 := dst.To4()
	if ip4 == nil {
		return fmt.Errorf("not an IPv4 address: %s", dst)
	}
	addr := &unix.SockaddrInet4{Addr: [4]byte(ip4)}
	if err := unix.Sendto(c.fd, pkt, 0, addr); err != nil {
		return fmt.Errorf("sendto %s: %w", dst, err)
	}
	return nil
}

func (c *rawConn) ReadFrom(buf []byte, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		return 0, ErrTimeout
	}
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if tv.Sec == 0 && tv.Usec == 0 {
		tv.Usec = 1
	}
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return 0, fmt.Errorf("set receive timeout: %w", err)
	}
	n, _, err := unix.Recvfrom(c.fd, buf, 0)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, ErrTimeout
		}
		return 0, fmt.Errorf("recvfrom: %w", err)
	}
	return n, nil
}

func (c *rawConn) Close() error {
	return unix.Close(c.fd)
}
