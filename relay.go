package hotrelay

import (
	"strconv"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Relay owns every piece of mutable state the spec's components share:
// the connection table, the peer index, the poller, and the handover
// controller. Everything here is touched only from the goroutine
// running Relay.Run, except shedRequested, which Run's signal goroutine
// sets through an atomic; there are no locks because there is no other
// writer.
type Relay struct {
	cfg       *Config
	poller    *Poller
	table     *connTable
	index     *peerIndex
	telemetry *telemetry
	events    EventRouter

	listeners []connID
	ctrl      *handoverController
	decayMode bool

	shedRequested *atomic.Bool
	socketCount   int
}

func NewRelay(cfg *Config, events EventRouter) (*Relay, error) {
	poller, err := openPoller(cfg.EventBufferSize)
	if err != nil {
		return nil, err
	}
	tel, err := newTelemetry()
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = noopEventRouter{}
	}
	return &Relay{
		cfg:           cfg,
		poller:        poller,
		table:         newConnTable(),
		index:         newPeerIndex(),
		telemetry:     tel,
		events:        events,
		shedRequested: atomic.NewBool(false),
	}, nil
}

func (r *Relay) frameCapacity() int {
	if r.cfg.FrameCapacity > 0 {
		return r.cfg.FrameCapacity
	}
	return defaultFrameCapacity
}

// registerFd wraps an accepted/created fd in a connection record,
// registers it with the poller for read readiness, and bumps the
// tracked descriptor count (component G's termination condition).
func (r *Relay) registerFd(kind Kind, fd int, addr string) (*connRecord, error) {
	rec := r.table.allocate(kind, fd, r.frameCapacity())
	rec.addr = addr
	if err := r.poller.addRead(fd); err != nil {
		r.table.release(rec.id)
		return nil, err
	}
	r.socketCount++
	return rec, nil
}

// scrubFromAllCaches removes id from every other live record's peer
// cache, releasing one reference per hit. This is component C's
// remove_from_all, invoked whenever a peer disappears.
func (r *Relay) scrubFromAllCaches(id connID) {
	for _, other := range r.table.records {
		if other.id == id {
			continue
		}
		if other.cache.remove(id) {
			r.table.release(id)
		}
	}
}

// teardownPeer implements the full §3 lifecycle teardown for a
// TCP_PEER, publishing a generic disconnect event. teardownPeerEvent
// is the same teardown with the published event type made explicit,
// used where the reason maps to a more specific event (e.g. an
// oversize frame).
func (r *Relay) teardownPeer(rec *connRecord, reason string) {
	r.teardownPeerEvent(rec, EventPeerDisconnected, reason)
}

func (r *Relay) teardownPeerEvent(rec *connRecord, eventType EventType, reason string) {
	uid := rec.uid
	if uid != UnsetUID {
		r.index.remove(uid)
	}
	rec.uid = UnsetUID

	_ = r.poller.delete(rec.fd)
	r.table.forgetFd(rec.fd)
	if err := unix.Close(rec.fd); err != nil {
		log.Debug().Msgf("close on teardown: %+v", err)
	}
	r.socketCount--

	for _, held := range rec.cache.unrefAll() {
		r.table.release(held)
	}
	r.scrubFromAllCaches(rec.id)
	r.table.release(rec.id)

	if log.Debug().Enabled() {
		log.Debug().Msgf("peer torn down: uid=%d reason=%s", uid, reason)
	}
	ev := newEvent(eventType, uid, reason)
	r.events.Process(strconv.Itoa(int(uid)), &ev)
}

// dropTransferred removes a record that was handed to a successor via
// SCM_RIGHTS. Per §4.F.1, refcount/cache bookkeeping is intentionally
// skipped here: decay mode guarantees nothing will read this record
// again, and the fd itself is closed by the caller after sendmsg.
func (r *Relay) dropTransferred(id connID) {
	rec, ok := r.table.lookup(id)
	if !ok {
		return
	}
	if rec.uid != UnsetUID {
		r.index.remove(rec.uid)
	}
	r.table.forgetFd(rec.fd)
	delete(r.table.records, id)
	r.socketCount--
}
