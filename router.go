package hotrelay

import (
	"strconv"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// onPeerReadable implements component D: it drains one readiness event
// worth of bytes from a TCP_PEER, parses every complete frame the
// buffer now holds, and either records a uid announcement or forwards
// an addressed frame. It never blocks and never retries a short write.
func (r *Relay) onPeerReadable(rec *connRecord) {
	n, err := unix.Read(rec.fd, rec.readBuf[rec.used:])
	if err != nil {
		if isTransientReadErr(err) {
			return
		}
		log.Error().Msgf("read error on uid=%d: %+v", rec.uid, err)
		r.teardownPeer(rec, "read error")
		return
	}
	if n == 0 {
		r.teardownPeer(rec, "eof")
		return
	}
	rec.used += n

	consumed := 0
	for {
		buf := rec.readBuf[consumed:rec.used]
		if len(buf) < sizeFieldLen {
			break
		}
		size := decodeSize(buf)
		total := int(size) + sizeFieldLen
		if total > len(rec.readBuf) {
			r.teardownPeerEvent(rec, EventOversizeFrame, "oversize frame")
			return
		}
		if len(buf) < total {
			break
		}

		if rec.uid == UnsetUID {
			if size != announcePayloadLen {
				r.teardownPeer(rec, "malformed announce")
				return
			}
			r.announce(rec, UID(decodeUint16(buf[4:6])))
			consumed += total
			continue
		}

		if total < inboundHeaderLen {
			r.teardownPeer(rec, "malformed frame")
			return
		}
		destuid := UID(decodeUint16(buf[6:8]))
		r.forwardFrame(rec, buf[:total], destuid)
		consumed += total
	}

	if consumed > 0 {
		remaining := rec.used - consumed
		copy(rec.readBuf[0:remaining], rec.readBuf[consumed:rec.used])
		rec.used = remaining
	}

	if r.decayMode && rec.used == 0 {
		r.onPeerIdleDuringDecay(rec)
	}
}

func (r *Relay) announce(rec *connRecord, uid UID) {
	rec.uid = uid
	r.index.insert(uid, rec.id)
	if log.Debug().Enabled() {
		log.Debug().Msgf("peer announced uid=%d fd=%d", uid, rec.fd)
	}
	ev := newEvent(EventPeerAnnounced, uid, "")
	r.events.Process(strconv.Itoa(int(uid)), &ev)
}

// forwardFrame resolves destuid (peer cache first, then the peer
// index), rewrites the header in place, and issues one write. A
// resolution miss is silently dropped, never a teardown.
func (r *Relay) forwardFrame(rec *connRecord, frame []byte, destuid UID) {
	dest, ok := r.resolveDestination(rec, destuid)
	if !ok {
		return
	}
	if r.decayMode {
		// Forwarding is disabled during drain so cache/refcount
		// inconsistency mid-handover can never be observed by peers.
		return
	}
	inboundLen := len(frame) - inboundHeaderLen
	out := rewriteOutbound(frame)
	written, err := unix.Write(dest.fd, out)
	if err != nil {
		if err != unix.ECONNRESET && err != unix.EPIPE {
			log.Error().Msgf("write error forwarding to uid=%d: %+v", dest.uid, err)
		}
		return
	}
	if written < len(out) {
		log.Error().Msgf("short write forwarding to uid=%d: %d/%d", dest.uid, written, len(out))
	}
	r.telemetry.recordReceived(rec.uid, inboundLen)
	r.telemetry.recordSent(dest.uid, inboundLen)
}

func (r *Relay) resolveDestination(rec *connRecord, destuid UID) (*connRecord, bool) {
	if id, ok := rec.cache.find(destuid); ok {
		if dest, ok := r.table.lookup(id); ok {
			return dest, true
		}
		rec.cache.remove(id)
	}
	id, ok := r.index.findByUID(destuid)
	if !ok {
		return nil, false
	}
	dest, ok := r.table.lookup(id)
	if !ok {
		return nil, false
	}
	if evicted, didEvict := rec.cache.add(destuid, id); didEvict {
		r.table.release(evicted)
	}
	r.table.ref(id)
	return dest, true
}

func isTransientReadErr(err error) bool {
	return err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNRESET
}
