package hotrelay

import (
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sys/unix"
)

func seqpacketPairT(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET, 0)
	if err != nil {
		t.Fatalf("seqpacket socketpair: %+v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestSendAndReceiveDescBatch(t *testing.T) {
	owner := newTestRelay(t)
	successor := newTestRelay(t)
	successor.ctrl = &handoverController{r: successor, isOwner: false}

	ownerSide, successorSide := seqpacketPairT(t)

	peerFd, _ := socketpairT(t)
	peerRec, err := owner.registerFd(KindTCPPeer, peerFd, "")
	if err != nil {
		t.Fatalf("registerFd: %+v", err)
	}
	peerRec.uid = 11
	owner.index.insert(11, peerRec.id)

	sent := owner.sendDescBatch(ownerSide, []indexEntry{{UID: 11, ID: peerRec.id}})
	if sent != 1 {
		t.Fatalf("expected 1 descriptor sent, got %d", sent)
	}
	if _, ok := owner.table.lookup(peerRec.id); ok {
		t.Fatalf("expected owner to have dropped the transferred record")
	}
	if _, ok := owner.index.findByUID(11); ok {
		t.Fatalf("expected owner's peer index entry to be gone after transfer")
	}

	ctrlRec, err := successor.registerFd(KindCtrlConn, successorSide, "")
	if err != nil {
		t.Fatalf("registerFd: %+v", err)
	}
	successor.onSuccessorCtrlMessage(ctrlRec)

	id, ok := successor.index.findByUID(11)
	if !ok {
		t.Fatalf("expected successor's peer index to contain uid 11")
	}
	rec, ok := successor.table.lookup(id)
	if !ok || rec.uid != 11 {
		t.Fatalf("expected successor to hold a live record for uid 11")
	}
}

func TestTransmitIdleBatchSendsOnlyIdlePeers(t *testing.T) {
	owner := newTestRelay(t)
	owner.decayMode = true
	ownerSide, successorSide := seqpacketPairT(t)
	t.Cleanup(func() { unix.Close(successorSide) })

	idleFd, _ := socketpairT(t)
	idleRec, err := owner.registerFd(KindTCPPeer, idleFd, "")
	if err != nil {
		t.Fatalf("registerFd: %+v", err)
	}
	idleRec.uid = 1
	owner.index.insert(1, idleRec.id)

	busyFd, _ := socketpairT(t)
	busyRec, err := owner.registerFd(KindTCPPeer, busyFd, "")
	if err != nil {
		t.Fatalf("registerFd: %+v", err)
	}
	busyRec.uid = 2
	busyRec.used = 4
	owner.index.insert(2, busyRec.id)

	sent := owner.transmitIdleBatch(ownerSide)
	if sent != 1 {
		t.Fatalf("expected exactly 1 idle peer transmitted, got %d", sent)
	}
	if _, ok := owner.table.lookup(idleRec.id); ok {
		t.Fatalf("expected idle peer to be transferred")
	}
	if _, ok := owner.table.lookup(busyRec.id); !ok {
		t.Fatalf("expected busy peer to remain, it must not be transferred mid-use")
	}
}

func TestMaybeFinishDrainingSendsExitWhenEmpty(t *testing.T) {
	owner := newTestRelay(t)
	owner.ctrl = &handoverController{r: owner, isOwner: true, phase: phaseDraining}

	listenerFd, _ := socketpairT(t)
	listenerRec, err := owner.registerFd(KindCtrlListener, listenerFd, "")
	if err != nil {
		t.Fatalf("registerFd: %+v", err)
	}
	owner.ctrl.listenerID = listenerRec.id

	ctrlFd, otherSide := socketpairT(t)
	ctrlRec, err := owner.registerFd(KindCtrlConn, ctrlFd, "")
	if err != nil {
		t.Fatalf("registerFd: %+v", err)
	}
	owner.ctrl.connID = ctrlRec.id

	owner.maybeFinishDraining(ctrlFd)

	if owner.ctrl.phase != phaseDrained {
		t.Fatalf("expected phase to transition to phaseDrained")
	}
	buf := make([]byte, 32)
	n, err := unix.Read(otherSide, buf)
	if err != nil {
		t.Fatalf("reading exit message: %+v", err)
	}
	if string(buf[:n]) != "exit" {
		t.Fatalf("expected exit message, got %q", buf[:n])
	}
}

func TestReceiveDescBatchWrongAncillaryTypeTearsDownAndRearms(t *testing.T) {
	successor := newTestRelay(t)
	sockPath := filepath.Join(t.TempDir(), "ctrl.sock")
	successor.ctrl = &handoverController{r: successor, isOwner: false, path: sockPath}

	ownerSide, successorSide := seqpacketPairT(t)
	ctrlRec, err := successor.registerFd(KindCtrlConn, successorSide, sockPath)
	if err != nil {
		t.Fatalf("registerFd: %+v", err)
	}
	successor.ctrl.connID = ctrlRec.id

	// SCM_CREDENTIALS instead of SCM_RIGHTS: a well-formed ancillary
	// message of the wrong type. The receiving end does not set
	// SO_PASSCRED, so the kernel strips it and the successor sees a
	// "desc" carrying one uid and no descriptors at all.
	oob := unix.UnixCredentials(&unix.Ucred{Pid: int32(os.Getpid()), Uid: 0, Gid: 0})
	payload := append(append([]byte{}, msgDesc...), 0, 0, 0, 0)
	if err := unix.Sendmsg(ownerSide, payload, oob, nil, 0); err != nil {
		t.Fatalf("sendmsg: %+v", err)
	}

	successor.onSuccessorCtrlMessage(ctrlRec)

	if _, ok := successor.table.lookup(ctrlRec.id); ok {
		t.Fatalf("expected the control connection to be torn down")
	}
	if !successor.ctrl.isOwner {
		t.Fatalf("expected the instance to re-arm itself as owner after the violation")
	}
}

func TestReceiveDescBatchUidCountMismatchTearsDownAndRearms(t *testing.T) {
	successor := newTestRelay(t)
	sockPath := filepath.Join(t.TempDir(), "ctrl.sock")
	successor.ctrl = &handoverController{r: successor, isOwner: false, path: sockPath}

	ownerSide, successorSide := seqpacketPairT(t)
	ctrlRec, err := successor.registerFd(KindCtrlConn, successorSide, sockPath)
	if err != nil {
		t.Fatalf("registerFd: %+v", err)
	}
	successor.ctrl.connID = ctrlRec.id

	// Two descriptors via SCM_RIGHTS, but the uid payload only claims one.
	fdA, fdB := socketpairT(t)
	oob := unix.UnixRights(fdA, fdB)
	payload := append(append([]byte{}, msgDesc...), 0, 0, 0, 42)
	if err := unix.Sendmsg(ownerSide, payload, oob, nil, 0); err != nil {
		t.Fatalf("sendmsg: %+v", err)
	}

	successor.onSuccessorCtrlMessage(ctrlRec)

	if _, ok := successor.table.lookup(ctrlRec.id); ok {
		t.Fatalf("expected the control connection to be torn down")
	}
	if !successor.ctrl.isOwner {
		t.Fatalf("expected the instance to re-arm itself as owner after the violation")
	}
}

func TestMaybeFinishDrainingWaitsForLivePeers(t *testing.T) {
	owner := newTestRelay(t)
	owner.ctrl = &handoverController{r: owner, isOwner: true, phase: phaseDraining}

	peerFd, _ := socketpairT(t)
	if _, err := owner.registerFd(KindTCPPeer, peerFd, ""); err != nil {
		t.Fatalf("registerFd: %+v", err)
	}

	ctrlFd, _ := socketpairT(t)
	owner.maybeFinishDraining(ctrlFd)

	if owner.ctrl.phase != phaseDraining {
		t.Fatalf("expected phase to remain phaseDraining while a peer is still live")
	}
}
