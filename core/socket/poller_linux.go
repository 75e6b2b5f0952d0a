package socket

import (
	"golang.org/x/sys/unix"
)

// pipeTag marks the control pipe in epoll event data.
const pipeTag = -1

type event struct {
	s     *slot
	read  bool
	write bool
	err   bool
}

// poller is a thin epoll wrapper. The event data carries the slot index.
type poller struct {
	fd     int
	events []unix.EpollEvent
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{fd: fd, events: make([]unix.EpollEvent, maxEvent)}, nil
}

func (p *poller) close() error { return unix.Close(p.fd) }

// add watches fd for reading.
func (p *poller) add(fd int, tag int32) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: tag}
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) del(fd int) {
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

// write toggles write readiness for fd, keeping read readiness on.
func (p *poller) write(fd int, tag int32, enable bool) {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: tag}
	if enable {
		ev.Events |= unix.EPOLLOUT
	}
	_ = unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// wait blocks until at least one event is ready and translates the results
// into out. lookup maps a tag to its slot; the control pipe maps to nil.
func (p *poller) wait(out []event, lookup func(tag int32) *slot) (int, error) {
	n, err := unix.EpollWait(p.fd, p.events[:len(out)], -1)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		flag := p.events[i].Events
		out[i] = event{
			s:     lookup(p.events[i].Fd),
			write: flag&unix.EPOLLOUT != 0,
			read:  flag&(unix.EPOLLIN|unix.EPOLLHUP) != 0,
			err:   flag&unix.EPOLLERR != 0,
		}
	}
	return n, nil
}
