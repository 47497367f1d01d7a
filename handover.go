package hotrelay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

type handoverPhase int

const (
	phaseIdle handoverPhase = iota
	phaseDraining
	phaseDrained
)

const maxDescBatch = 256

var (
	msgUnlisten    = []byte("unlisten")
	msgUnlistening = []byte("unlistening")
	msgDesc        = []byte("desc")
	msgExit        = []byte("exit")
	msgStats       = []byte("stats")
	msgStatsReply  = []byte("statsrep")
)

// handoverController implements component F: the race-free owner/
// successor probe, the owner-side drain state machine, and the
// successor-side SCM_RIGHTS receive path.
type handoverController struct {
	r       *Relay
	path    string
	isOwner bool
	phase   handoverPhase

	listenerID connID // owner: the ctrl listener, valid while accepting
	connID     connID // the single active control connection, either role
}

// StartHandover performs the race-free probe described in §4.F and
// brings up the TCP listeners at the point the spec requires: a cold
// owner binds them immediately, a successor waits for "unlistening"
// (proof that the outgoing instance already shed its own) before
// binding, exactly the synchronous dependency §5 calls out.
func (r *Relay) StartHandover(port int, path string) error {
	if path == "" {
		return r.openListeners(port)
	}
	ctrl := &handoverController{r: r, path: path}
	r.ctrl = ctrl

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return err
	}
	connectErr := unix.Connect(fd, &unix.SockaddrUnix{Name: path})
	if connectErr == nil {
		return ctrl.becomeSuccessor(fd, port)
	}
	unix.Close(fd)
	if connectErr == unix.ECONNREFUSED || connectErr == unix.ENOENT {
		if err := ctrl.bindOwnerListener(); err != nil {
			return err
		}
		return r.openListeners(port)
	}
	return connectErr
}

// becomeSuccessor runs the successor handshake. Both the write and the
// read here are the one intentionally-blocking pair in the whole core:
// the successor has nothing useful to do until it knows the outgoing
// instance has shed its listeners.
func (c *handoverController) becomeSuccessor(fd int, port int) error {
	if _, err := unix.Write(fd, msgUnlisten); err != nil {
		unix.Close(fd)
		return err
	}
	buf := make([]byte, 256)
	n, err := unix.Read(fd, buf)
	if err != nil {
		unix.Close(fd)
		return err
	}
	reply := buf[:n]
	if !bytes.HasPrefix(reply, msgUnlistening) {
		// Open question in spec.md §9: a longer reply sharing the
		// "unlistening" prefix is accepted; anything else is fatal.
		log.Error().Msgf("running server reported: %s", reply)
		unix.Close(fd)
		return errHandoffRejected
	}
	if err := c.r.openListeners(port); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}
	rec, err := c.r.registerFd(KindCtrlConn, fd, c.path)
	if err != nil {
		unix.Close(fd)
		return err
	}
	c.connID = rec.id
	c.isOwner = false
	log.Info().Msg("took over from running server")
	ev := newEvent(EventHandoverPhase, UnsetUID, "became_successor")
	c.r.events.Process("handover", &ev)
	return nil
}

func (c *handoverController) bindOwnerListener() error {
	_ = unix.Unlink(c.path)
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: c.path}); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.Listen(fd, 1); err != nil {
		unix.Close(fd)
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}
	rec, err := c.r.registerFd(KindCtrlListener, fd, c.path)
	if err != nil {
		unix.Close(fd)
		return err
	}
	c.listenerID = rec.id
	c.isOwner = true
	c.phase = phaseIdle
	return nil
}

// onCtrlListenerReadable accepts the single control client the owner
// permits at a time, then deregisters the listener until that client
// disconnects.
func (r *Relay) onCtrlListenerReadable(rec *connRecord) {
	fd, _, err := unix.Accept4(rec.fd, unix.SOCK_NONBLOCK)
	if err != nil {
		if err != unix.EAGAIN {
			log.Error().Msgf("control accept error: %+v", err)
		}
		return
	}
	if err := r.poller.delete(rec.fd); err != nil {
		log.Error().Msgf("deregistering control listener: %+v", err)
	}
	connRec, err := r.registerFd(KindCtrlConn, fd, r.ctrl.path)
	if err != nil {
		log.Error().Msgf("registering control client: %+v", err)
		unix.Close(fd)
		_ = r.poller.addRead(rec.fd)
		return
	}
	r.ctrl.connID = connRec.id
}

// onCtrlConnReadable dispatches on role: the owner parses plain-text
// commands, the successor parses "desc"/"exit" with SCM_RIGHTS.
func (r *Relay) onCtrlConnReadable(rec *connRecord) {
	if r.ctrl.isOwner {
		r.onOwnerCtrlMessage(rec)
		return
	}
	r.onSuccessorCtrlMessage(rec)
}

func (r *Relay) onOwnerCtrlMessage(rec *connRecord) {
	buf := make([]byte, 512)
	n, err := unix.Read(rec.fd, buf)
	if err != nil {
		if isTransientReadErr(err) {
			return
		}
		log.Error().Msgf("control read error: %+v", err)
		return
	}
	if n == 0 {
		r.closeCtrlConn(rec)
		if listener, ok := r.table.lookup(r.ctrl.listenerID); ok {
			_ = r.poller.addRead(listener.fd)
		}
		return
	}
	msg := buf[:n]
	switch {
	case bytes.HasPrefix(msg, msgUnlisten):
		if r.ctrl.phase == phaseIdle {
			r.beginDraining(rec.fd)
		}
	case bytes.HasPrefix(msg, msgStats):
		if r.ctrl.phase == phaseIdle {
			r.replyStats(rec.fd)
		}
	default:
		log.Error().Msgf("malformed control message: %q", msg)
	}
}

func (r *Relay) closeCtrlConn(rec *connRecord) {
	_ = r.poller.delete(rec.fd)
	r.table.forgetFd(rec.fd)
	unix.Close(rec.fd)
	r.socketCount--
	r.table.release(rec.id)
}

func (r *Relay) replyStats(fd int) {
	ids := r.index.iterate()
	uids := make([]UID, len(ids))
	for i, e := range ids {
		uids[i] = e.UID
	}
	snapshot := r.telemetry.snapshot(uids)
	body, err := json.Marshal(snapshot)
	if err != nil {
		log.Error().Msgf("marshaling stats reply: %+v", err)
		return
	}
	msg := append(append([]byte{}, msgStatsReply...), body...)
	if _, err := unix.Write(fd, msg); err != nil {
		log.Error().Msgf("writing stats reply: %+v", err)
	}
}

// beginDraining is the DRAINING entry action: shed listeners, ack,
// enable decay mode so the router stops forwarding for the rest of the
// drain, then bulk-transmit already-idle peers.
func (r *Relay) beginDraining(fd int) {
	r.ctrl.phase = phaseDraining
	ev := newEvent(EventHandoverPhase, UnsetUID, "draining")
	r.events.Process("handover", &ev)
	r.shedListeners()
	if _, err := unix.Write(fd, msgUnlistening); err != nil {
		log.Error().Msgf("acking unlisten: %+v", err)
	}
	r.decayMode = true
	for r.transmitIdleBatch(fd) > 0 {
	}
	r.maybeFinishDraining(fd)
}

// transmitIdleBatch performs one pass described in §4.F.1: batches
// runs of idle peers up to 256 and sends each batch as it's cut,
// either by hitting a non-idle record or the cap. Returns the number
// of descriptors actually transferred this pass.
func (r *Relay) transmitIdleBatch(fd int) int {
	entries := r.index.iterate()
	var batch []indexEntry
	sent := 0
	flush := func() {
		if len(batch) == 0 {
			return
		}
		sent += r.sendDescBatch(fd, batch)
		batch = batch[:0]
	}
	for _, e := range entries {
		rec, ok := r.table.lookup(e.ID)
		if !ok || rec.used != 0 {
			flush()
			continue
		}
		batch = append(batch, e)
		if len(batch) == maxDescBatch {
			flush()
		}
	}
	flush()
	return sent
}

// sendDescBatch transmits one "desc" control message carrying up to
// 256 descriptors via SCM_RIGHTS. On success the sender closes its own
// copies and drops the records, skipping refcount/cache bookkeeping
// per §4.F.1 and §9 (decay guarantees nothing reads them again). On
// failure the batch is left untouched for the next pass, per §7.
func (r *Relay) sendDescBatch(fd int, batch []indexEntry) int {
	if len(batch) == 0 {
		return 0
	}
	payload := make([]byte, 0, 4+4*len(batch))
	payload = append(payload, msgDesc...)
	fds := make([]int, 0, len(batch))
	recs := make([]*connRecord, 0, len(batch))
	for _, e := range batch {
		rec, ok := r.table.lookup(e.ID)
		if !ok {
			continue
		}
		var b [4]byte
		putUint32(b[:], uint32(rec.uid.descUID()))
		payload = append(payload, b[:]...)
		fds = append(fds, rec.fd)
		recs = append(recs, rec)
	}
	oob := unix.UnixRights(fds...)
	if err := unix.Sendmsg(fd, payload, oob, nil, 0); err != nil {
		log.Error().Msgf("sendmsg desc batch failed: %+v", err)
		return 0
	}
	for _, rec := range recs {
		r.table.forgetFd(rec.fd)
		_ = r.poller.delete(rec.fd)
		unix.Close(rec.fd)
		r.dropTransferred(rec.id)
	}
	return len(recs)
}

// maybeFinishDraining transitions DRAINING -> DRAINED once no peers and
// no listeners remain: close the control listener, unlink the socket
// file, and send "exit" before the natural termination check (all
// tracked descriptors now closed) ends the event loop.
func (r *Relay) maybeFinishDraining(fd int) {
	if r.ctrl.phase != phaseDraining {
		return
	}
	if r.hasLivePeers() || len(r.listeners) > 0 {
		return
	}
	r.ctrl.phase = phaseDrained
	ev := newEvent(EventHandoverPhase, UnsetUID, "drained")
	r.events.Process("handover", &ev)
	if listener, ok := r.table.lookup(r.ctrl.listenerID); ok {
		_ = r.poller.delete(listener.fd)
		r.table.forgetFd(listener.fd)
		unix.Close(listener.fd)
		r.socketCount--
		r.table.release(listener.id)
	}
	_ = os.Remove(r.ctrl.path)
	if _, err := unix.Write(fd, msgExit); err != nil {
		log.Error().Msgf("sending exit: %+v", err)
	}
	if conn, ok := r.table.lookup(r.ctrl.connID); ok {
		r.closeCtrlConn(conn)
	}
}

func (r *Relay) hasLivePeers() bool {
	for _, rec := range r.table.records {
		if rec.kind == KindTCPPeer {
			return true
		}
	}
	return false
}

// onPeerIdleDuringDecay is the §4.F.1 "hand off singly" path: once a
// peer's buffer empties during drain, it is transferred immediately
// rather than waiting for the next bulk pass (there won't be one).
func (r *Relay) onPeerIdleDuringDecay(rec *connRecord) {
	if r.ctrl == nil || !r.ctrl.isOwner || r.ctrl.phase != phaseDraining {
		return
	}
	ctrlConn, ok := r.table.lookup(r.ctrl.connID)
	if !ok {
		return
	}
	r.sendDescBatch(ctrlConn.fd, []indexEntry{{UID: rec.uid, ID: rec.id}})
	r.maybeFinishDraining(ctrlConn.fd)
}

// onSuccessorCtrlMessage receives "desc" (with SCM_RIGHTS) or "exit".
func (r *Relay) onSuccessorCtrlMessage(rec *connRecord) {
	buf := make([]byte, 4+4*maxDescBatch)
	oob := make([]byte, unix.CmsgSpace(4*maxDescBatch))
	n, oobn, _, _, err := unix.Recvmsg(rec.fd, buf, oob, 0)
	if err != nil {
		if isTransientReadErr(err) {
			return
		}
		log.Error().Msgf("control recvmsg error: %+v", err)
		return
	}
	if n == 0 {
		r.becomeOwnerAfterExit(rec)
		return
	}
	msg := buf[:n]
	switch {
	case bytes.HasPrefix(msg, msgDesc):
		r.receiveDescBatch(rec, msg[4:], oob[:oobn])
	case bytes.HasPrefix(msg, msgExit):
		r.becomeOwnerAfterExit(rec)
	default:
		log.Error().Msgf("malformed control message from owner: %q", msg)
	}
}

// receiveDescBatch parses one "desc" message's SCM_RIGHTS payload. Per
// spec.md §7, a malformed control message (bad ancillary payload, wrong
// ancillary type, or a uid/fd count mismatch) is a protocol violation
// scoped to this connection, not a fatal error for the process: it
// tears the control connection down and re-arms this instance as owner
// rather than crashing.
func (r *Relay) receiveDescBatch(rec *connRecord, uidBytes []byte, oob []byte) {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		r.abortControlConn(rec, nil, fmt.Sprintf("parsing control message: %+v", err))
		return
	}
	var fds []int
	for _, cmsg := range cmsgs {
		if cmsg.Header.Level != unix.SOL_SOCKET || cmsg.Header.Type != unix.SCM_RIGHTS {
			r.abortControlConn(rec, fds, "control message carried unexpected ancillary type")
			return
		}
		parsed, err := unix.ParseUnixRights(&cmsg)
		if err != nil {
			r.abortControlConn(rec, fds, fmt.Sprintf("parsing SCM_RIGHTS: %+v", err))
			return
		}
		fds = append(fds, parsed...)
	}
	if len(fds) == 0 {
		r.abortControlConn(rec, nil, "desc message carried no descriptors")
		return
	}
	count := len(uidBytes) / 4
	if count != len(fds) {
		r.abortControlConn(rec, fds, fmt.Sprintf("desc uid count %d does not match descriptor count %d", count, len(fds)))
		return
	}
	for i, fd := range fds {
		uid := uidFromDesc(int32(decodeSize(uidBytes[i*4 : i*4+4])))
		if err := unix.SetNonblock(fd, true); err != nil {
			log.Error().Msgf("setting nonblock on received descriptor: %+v", err)
		}
		rec, err := r.registerFd(KindTCPPeer, fd, "")
		if err != nil {
			log.Error().Msgf("registering received descriptor: %+v", err)
			unix.Close(fd)
			continue
		}
		rec.uid = uid
		if uid != UnsetUID {
			r.index.insert(uid, rec.id)
		}
	}
}

// abortControlConn tears down the control connection after a protocol
// violation on it. Any descriptors already pulled out of the
// offending message are closed to avoid leaking them, then the
// connection is closed and this instance re-arms itself as owner
// (bindOwnerListener) since no further handoff traffic can arrive on
// a connection that no longer exists.
func (r *Relay) abortControlConn(rec *connRecord, leakedFds []int, reason string) {
	for _, fd := range leakedFds {
		unix.Close(fd)
	}
	log.Error().Msgf("control connection protocol violation: %s", reason)
	r.closeCtrlConn(rec)
	if r.ctrl == nil || r.ctrl.isOwner {
		return
	}
	if err := r.ctrl.bindOwnerListener(); err != nil {
		log.Error().Msgf("rebinding control listener after protocol violation: %+v", err)
	}
}

// becomeOwnerAfterExit implements the successor's "exit" handling:
// the outgoing owner is gone, so this process becomes the owner by
// standing up a fresh control listener at the now-unlinked path.
func (r *Relay) becomeOwnerAfterExit(rec *connRecord) {
	r.closeCtrlConn(rec)
	log.Info().Msg("outgoing server exited, becoming owner")
	ev := newEvent(EventHandoverPhase, UnsetUID, "became_owner")
	r.events.Process("handover", &ev)
	if err := r.ctrl.bindOwnerListener(); err != nil {
		log.Fatal().Msgf("rebinding control listener after takeover: %+v", err)
	}
}
