package hotrelay

import (
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// setPeerSocketOptions configures an accepted TCP peer fd: non-blocking
// for the reactor, and send/receive buffers sized for short framed
// messages rather than bulk transfer.
func setPeerSocketOptions(fd int) {
	if err := unix.SetNonblock(fd, true); err != nil {
		log.Error().Msgf("got error while setting socket options O_NONBLOCK: %+v", err)
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_RCVBUF, 8192); err != nil {
		log.Error().Msgf("got error while setting socket options SO_RCVBUF: %+v", err)
	}
	if err := syscall.SetsockoptInt(fd, syscall.SOL_SOCKET, syscall.SO_SNDBUF, 8192); err != nil {
		log.Error().Msgf("got error while setting socket options SO_SNDBUF: %+v", err)
	}
}

// setListenerSocketOptions configures a not-yet-bound listening fd:
// SO_REUSEADDR so a restarted relay can rebind promptly, and
// IPV6_V6ONLY on v6 sockets so dual-stack doesn't collide with a
// separate v4 listener on the same port.
func setListenerSocketOptions(fd int, v6 bool) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if v6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			return err
		}
	}
	return nil
}
