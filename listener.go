package hotrelay

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// openListeners implements component E's bind step: one stream socket
// per address family for (local, port). A v6 bind failure (common on
// v4-only hosts/containers) is logged and skipped rather than fatal,
// as long as at least one family bound.
func (r *Relay) openListeners(port int) error {
	bound := 0
	if id, err := r.bindListener(unix.AF_INET, port); err != nil {
		log.Error().Msgf("bind ipv4 listener on port %d: %+v", port, err)
	} else {
		r.listeners = append(r.listeners, id)
		bound++
	}
	if id, err := r.bindListener(unix.AF_INET6, port); err != nil {
		log.Debug().Msgf("bind ipv6 listener on port %d: %+v", port, err)
	} else {
		r.listeners = append(r.listeners, id)
		bound++
	}
	if bound == 0 {
		return fmt.Errorf("could not bind a listener on port %d in either address family", port)
	}
	return nil
}

func (r *Relay) bindListener(family, port int) (connID, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return 0, err
	}
	if err := setListenerSocketOptions(fd, family == unix.AF_INET6); err != nil {
		unix.Close(fd)
		return 0, err
	}
	var addr string
	if family == unix.AF_INET6 {
		sa := &unix.SockaddrInet6{Port: port}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return 0, err
		}
		addr = fmt.Sprintf("[::]:%d", port)
	} else {
		sa := &unix.SockaddrInet4{Port: port}
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return 0, err
		}
		addr = fmt.Sprintf("0.0.0.0:%d", port)
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return 0, err
	}
	rec, err := r.registerFd(KindTCPListener, fd, addr)
	if err != nil {
		unix.Close(fd)
		return 0, err
	}
	log.Info().Msgf("listening on %s", addr)
	return rec.id, nil
}

// onListenerReadable accepts every connection currently queued and
// registers each as a fresh, unannounced TCP_PEER.
func (r *Relay) onListenerReadable(rec *connRecord) {
	for {
		fd, _, err := unix.Accept4(rec.fd, unix.SOCK_NONBLOCK)
		if err != nil {
			if err != unix.EAGAIN {
				log.Error().Msgf("accept error on %s: %+v", rec.addr, err)
			}
			return
		}
		setPeerSocketOptions(fd)
		if _, err := r.registerFd(KindTCPPeer, fd, ""); err != nil {
			log.Error().Msgf("registering accepted peer: %+v", err)
			unix.Close(fd)
		}
	}
}

// shedListeners closes and deregisters every listening socket. It is
// triggered by an external shed signal or by receiving "unlisten" as
// the outgoing instance of a handover.
func (r *Relay) shedListeners() {
	for _, id := range r.listeners {
		rec, ok := r.table.lookup(id)
		if !ok {
			continue
		}
		log.Info().Msgf("close server %s", rec.addr)
		_ = r.poller.delete(rec.fd)
		r.table.forgetFd(rec.fd)
		unix.Close(rec.fd)
		r.socketCount--
		r.table.release(id)
		ev := newEvent(EventListenerShed, UnsetUID, rec.addr)
		r.events.Process(rec.addr, &ev)
	}
	r.listeners = nil
}
