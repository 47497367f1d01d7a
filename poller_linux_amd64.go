package hotrelay

import (
	"math"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	readEvents       = unix.EPOLLPRI | unix.EPOLLIN
	errorEvents      = unix.EPOLLERR | unix.EPOLLHUP
	readErrorsEvents = readEvents | errorEvents

	defEventsBufferSize = 32
	blocked             = 1000 // ms, the spec's batch-wait ceiling
)

// Poller wraps one epoll instance. It is single-owner: only the reactor
// that created it ever calls into it, so no synchronization is needed.
type Poller struct {
	fd              int
	eventBufferSize int
	timeout         int
	events          []unix.EpollEvent
}

func openPoller(eventsBufferSize int) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	bufferSize := int(math.Max(float64(eventsBufferSize), defEventsBufferSize))
	return &Poller{
		eventBufferSize: bufferSize,
		fd:              fd,
		timeout:         blocked,
		events:          make([]unix.EpollEvent, bufferSize),
	}, nil
}

func (p *Poller) close() {
	if err := unix.Close(p.fd); err != nil {
		log.Error().Msgf("error occur while closing epoll: %+v", err)
	}
}

// waitForEvents blocks for at most p.timeout ms, level-triggered read
// readiness on every registered descriptor, and invokes callback once
// per ready fd in the order epoll_pwait returned them.
func (p *Poller) waitForEvents(callback func(fd int, events uint32)) (int, error) {
	evCount, err := epollWait(p.fd, p.events, p.timeout)
	if evCount == 0 || (evCount < 0 && err == unix.EINTR) {
		runtime.Gosched()
		return 0, nil
	}
	if err != nil {
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		callback(int(event.Fd), event.Events)
	}
	return evCount, nil
}

func (p *Poller) addRead(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: readEvents})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (p *Poller) delete(fd int) error {
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

// epollWait calls epoll_pwait directly via SYS_EPOLL_PWAIT rather than
// x/sys/unix's EpollWait wrapper, matching the teacher's original
// syscall-level approach (useful because EpollWait's signature doesn't
// expose the sigmask argument this relay leaves unused but wants to
// keep the door open for).
func epollWait(epfd int, events []unix.EpollEvent, msec int) (n int, err error) {
	var r0 uintptr
	var _p0 = unsafe.Pointer(&events[0])
	if msec == 0 {
		r0, _, err = syscall.RawSyscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), 0, 0, 0)
	} else {
		r0, _, err = syscall.Syscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if err == syscall.Errno(0) {
		err = nil
	}
	return int(r0), err
}
