// Package eventloop provides the single-threaded cooperative loop the
// display backend runs on. It multiplexes file-descriptor sources, one-shot
// timers and idle callbacks over epoll; cross-thread producers inject work
// with Post. Post and Stop are the only methods safe to call from other
// threads.
package eventloop

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Source is a registered file-descriptor callback. The fd stays owned by
// the caller unless the source was created by the loop itself (timers).
type Source struct {
	fd      int
	fn      func()
	ownsFd  bool
	removed bool
}

// Loop is a single-threaded epoll dispatcher.
type Loop struct {
	epfd    int
	wakeFd  int
	sources map[int]*Source

	mu     sync.Mutex
	posted []func()

	idle    []func()
	running atomic.Bool
}

// New creates a loop with its wake-up eventfd registered.
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	l := &Loop{
		epfd:    epfd,
		wakeFd:  wakeFd,
		sources: make(map[int]*Source),
	}
	if _, err := l.AddFd(wakeFd, l.drainWake); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, err
	}
	return l, nil
}

// AddFd registers fd for read-readiness callbacks.
func (l *Loop) AddFd(fd int, fn func()) (*Source, error) {
	s := &Source{fd: fd, fn: fn}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll add fd %d: %w", fd, err)
	}
	l.sources[fd] = s
	return s, nil
}

// Remove detaches a source. The fd is closed only if the loop created it.
func (l *Loop) Remove(s *Source) {
	if s == nil || s.removed {
		return
	}
	s.removed = true
	_ = unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, s.fd, nil)
	delete(l.sources, s.fd)
	if s.ownsFd {
		_ = unix.Close(s.fd)
	}
}

// AddTimer arms a one-shot timer. The timer fd is dropped after firing, so
// timers never accumulate.
func (l *Loop) AddTimer(d time.Duration, fn func()) error {
	tfd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_CLOEXEC|unix.TFD_NONBLOCK)
	if err != nil {
		return fmt.Errorf("timerfd_create: %w", err)
	}
	spec := unix.ItimerSpec{
		Value: unix.NsecToTimespec(d.Nanoseconds()),
	}
	if err := unix.TimerfdSettime(tfd, 0, &spec, nil); err != nil {
		unix.Close(tfd)
		return fmt.Errorf("timerfd_settime: %w", err)
	}

	var src *Source
	src, err = l.AddFd(tfd, func() {
		var buf [8]byte
		_, _ = unix.Read(tfd, buf[:])
		l.Remove(src)
		fn()
	})
	if err != nil {
		unix.Close(tfd)
		return err
	}
	src.ownsFd = true
	return nil
}

// Idle queues fn to run after the current dispatch, on the loop thread.
func (l *Loop) Idle(fn func()) {
	l.idle = append(l.idle, fn)
}

// Post injects fn from any thread; it runs on the loop thread during the
// next dispatch.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	one := uint64(1)
	_, _ = unix.Write(l.wakeFd, (*[8]byte)(unsafe.Pointer(&one))[:])
}

func (l *Loop) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(l.wakeFd, buf[:])

	l.mu.Lock()
	posted := l.posted
	l.posted = nil
	l.mu.Unlock()
	for _, fn := range posted {
		fn()
	}
}

// Dispatch waits up to timeout for events, runs their callbacks, then
// drains the idle queue. Idle callbacks queued while draining run in the
// same pass.
func (l *Loop) Dispatch(timeout time.Duration) error {
	events := make([]unix.EpollEvent, 16)
	ms := int(timeout / time.Millisecond)

	n, err := unix.EpollWait(l.epfd, events, ms)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("epoll_wait: %w", err)
	}
	for i := 0; i < n; i++ {
		if s, ok := l.sources[int(events[i].Fd)]; ok && !s.removed {
			s.fn()
		}
	}

	for len(l.idle) > 0 {
		idle := l.idle
		l.idle = nil
		for _, fn := range idle {
			fn()
		}
	}
	return nil
}

// Run dispatches with a ~16 ms timeout until Stop is called or a dispatch
// fails.
func (l *Loop) Run() {
	l.running.Store(true)
	for l.running.Load() {
		if err := l.Dispatch(16 * time.Millisecond); err != nil {
			l.running.Store(false)
		}
	}
}

// Stop makes Run return after the current dispatch. Safe from any thread.
func (l *Loop) Stop() {
	l.running.Store(false)
	l.wake()
}

// Close releases the loop's descriptors.
func (l *Loop) Close() {
	for _, s := range l.sources {
		if s.ownsFd {
			_ = unix.Close(s.fd)
		}
	}
	_ = unix.Close(l.wakeFd)
	_ = unix.Close(l.epfd)
}
