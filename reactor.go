package hotrelay

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

// Run is the single-threaded event loop: component A's readiness wait
// plus component G's lifecycle bookkeeping (shed-listener signal,
// periodic status, termination on zero tracked descriptors). Apart from
// the goroutine that turns signals into shedRequested, nothing here runs
// on another goroutine. isRunning is local to Run and is never cleared,
// so the loop ends only once no tracked descriptors remain.
func (r *Relay) Run() error {
	isRunning := atomic.NewBool(true)
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			r.shedRequested.Store(true)
		}
	}()
	// Go does not deliver SIGPIPE to a process as fatal on socket
	// writes the way the original C relay's signal(SIGPIPE, SIG_IGN)
	// guarded against; this is a no-op here, not reproduced as code.

	lastStatus := time.Now()
	statusEvery := time.Duration(r.cfg.StatusIntervalSec) * time.Second

	for isRunning.Load() && r.socketCount > 0 {
		if r.shedRequested.Load() {
			r.shedRequested.Store(false)
			r.shedListeners()
		}
		if _, err := r.poller.waitForEvents(r.dispatch); err != nil {
			log.Error().Msgf("poller wait error: %+v", err)
		}
		if time.Since(lastStatus) >= statusEvery {
			r.printStatus()
			lastStatus = time.Now()
		}
	}
	if r.socketCount == 0 {
		log.Info().Msg("exit due to 0 sockets left to serve")
	}
	r.poller.close()
	return nil
}

// dispatch routes one ready fd to the handler its connection record's
// kind names. A fd with no live record is a stale event left over from
// a descriptor closed earlier in the same batch (e.g. by a handover
// drain) and is silently ignored rather than causing the batch to be
// abandoned outright.
func (r *Relay) dispatch(fd int, events uint32) {
	rec, ok := r.table.lookupByFd(fd)
	if !ok {
		return
	}
	if events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		r.onDescriptorError(rec)
		return
	}
	switch rec.kind {
	case KindTCPListener:
		r.onListenerReadable(rec)
	case KindTCPPeer:
		r.onPeerReadable(rec)
	case KindCtrlListener:
		r.onCtrlListenerReadable(rec)
	case KindCtrlConn:
		r.onCtrlConnReadable(rec)
	}
}

func (r *Relay) onDescriptorError(rec *connRecord) {
	switch rec.kind {
	case KindTCPPeer:
		r.teardownPeer(rec, "socket error")
	default:
		log.Error().Msgf("error event on %s fd=%d", rec.kind, rec.fd)
	}
}

func (r *Relay) printStatus() {
	peers, identified := 0, 0
	for _, rec := range r.table.records {
		if rec.kind != KindTCPPeer {
			continue
		}
		peers++
		if rec.uid != UnsetUID {
			identified++
		}
	}
	log.Info().Msgf("%d connections, %d identified peers", peers, identified)
}
