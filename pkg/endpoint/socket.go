package endpoint

import (
	"net"

	"github.com/higebu/netfd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// socketBufferBytes is the requested kernel socket buffer size for both
// directions. RFT connections share a single UDP socket across every peer,
// so the default kernel buffer is too easily overrun by a handful of busy
// transfers; raising it trades memory for fewer kernel-level drops before a
// packet ever reaches the reliability engine's loss recovery.
const socketBufferBytes = 4 << 20

// tuneSocketBuffers raises the underlying socket's receive and send buffers
// beyond what net.UDPConn.SetReadBuffer/SetWriteBuffer request, matching
// what the OS will actually grant. Failures are logged and otherwise
// ignored: the endpoint still functions with whatever buffer size the
// kernel already had.
func tuneSocketBuffers(conn net.PacketConn, log *logrus.Entry) {
	c, ok := conn.(net.Conn)
	if !ok {
		return
	}
	fd := netfd.GetFdFromConn(c)
	if fd < 0 {
		return
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferBytes); err != nil {
		log.WithError(err).Warn("failed to raise socket receive buffer")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferBytes); err != nil {
		log.WithError(err).Warn("failed to raise socket send buffer")
	}
}
