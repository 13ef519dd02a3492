package icmp_test

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jamesbtate/ping-server/internal/icmp"
)

// buildReplyPacket fabricates a raw IPv4 packet carrying an ICMP echo reply,
// the way the engine reads them off the raw socket.
func buildReplyPacket(src net.IP, id, seq uint16) []byte {
	pkt := make([]byte, 28)
	pkt[0] = 0x45 // IPv4, 20-byte header
	pkt[9] = 1    // ICMP
	copy(pkt[12:16], src.To4())
	icmpHdr := pkt[20:]
	icmpHdr[0] = icmp.EchoReply
	binary.BigEndian.PutUint16(icmpHdr[4:], id)
	binary.BigEndian.PutUint16(icmpHdr[6:], seq)
	return pkt
}

func TestICMP_Checksum(t *testing.T) {
	t.Parallel()

	t.Run("verifies to zero over a checksummed packet", func(t *testing.T) {
		t.Parallel()
		pkt := icmp.BuildEchoRequest(0x1234, 7, 55)
		require.Equal(t, uint16(0), icmp.Checksum(pkt))
	})

	t.Run("odd-length payloads", func(t *testing.T) {
		t.Parallel()
		pkt := icmp.BuildEchoRequest(1, 1, 1)
		require.Equal(t, uint16(0), icmp.Checksum(pkt))
	})
}

func TestICMP_BuildEchoRequest(t *testing.T) {
	t.Parallel()

	pkt := icmp.BuildEchoRequest(0xbeef, 42, 8)
	require.Len(t, pkt, 16)
	require.Equal(t, byte(icmp.EchoRequest), pkt[0])
	require.Equal(t, byte(0), pkt[1])
	require.Equal(t, uint16(0xbeef), binary.BigEndian.Uint16(pkt[4:6]))
	require.Equal(t, uint16(42), binary.BigEndian.Uint16(pkt[6:8]))
	// deterministic payload pattern starting at 0x42
	require.Equal(t, []byte{0x42, 0x43, 0x44, 0x45, 0x46, 0x47, 0x48, 0x49}, pkt[8:16])
}

func TestICMP_ParseEchoReply(t *testing.T) {
	t.Parallel()

	t.Run("well-formed reply parses", func(t *testing.T) {
		t.Parallel()
		pkt := buildReplyPacket(net.IPv4(10, 0, 0, 1), 0x1234, 42)
		info, ok := icmp.ParseEchoReply(pkt)
		require.True(t, ok)
		require.Equal(t, "10.0.0.1", info.Src.String())
		require.Equal(t, uint16(0x1234), info.ID)
		require.Equal(t, uint16(42), info.Seq)
	})

	t.Run("echo request is not a reply", func(t *testing.T) {
		t.Parallel()
		pkt := buildReplyPacket(net.IPv4(10, 0, 0, 1), 1, 1)
		pkt[20] = icmp.EchoRequest
		_, ok := icmp.ParseEchoReply(pkt)
		require.False(t, ok)
	})

	t.Run("non-ICMP protocol is rejected", func(t *testing.T) {
		t.Parallel()
		pkt := buildReplyPacket(net.IPv4(10, 0, 0, 1), 1, 1)
		pkt[9] = 17 // UDP
		_, ok := icmp.ParseEchoReply(pkt)
		require.False(t, ok)
	})

	t.Run("truncated packets are rejected", func(t *testing.T) {
		t.Parallel()
		pkt := buildReplyPacket(net.IPv4(10, 0, 0, 1), 1, 1)
		_, ok := icmp.ParseEchoReply(pkt[:19])
		require.False(t, ok)
		_, ok = icmp.ParseEchoReply(pkt[:25])
		require.False(t, ok)
	})

	t.Run("options-bearing header is honored", func(t *testing.T) {
		t.Parallel()
		// 24-byte IPv4 header (ihl=6)
		pkt := make([]byte, 32)
		pkt[0] = 0x46
		pkt[9] = 1
		copy(pkt[12:16], net.IPv4(192, 168, 5, 5).To4())
		binary.BigEndian.PutUint16(pkt[28:], 9)
		info, ok := icmp.ParseEchoReply(pkt)
		require.True(t, ok)
		require.Equal(t, "192.168.5.5", info.Src.String())
		require.Equal(t, uint16(9), info.ID)
	})
}
