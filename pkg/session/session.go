// Package session owns the privileged seat session. Device descriptors are
// acquired through systemd-logind's org.freedesktop.login1 interface
// (TakeControl/TakeDevice) so the compositor never needs CAP_SYS_ADMIN, and
// logind's PauseDevice/ResumeDevice signals are re-published as session
// signals for the backend.
package session

import (
	"fmt"
	"os"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/helixml/skylight/pkg/drm"
)

const (
	login1Bus         = "org.freedesktop.login1"
	login1ManagerPath = "/org/freedesktop/login1"
	login1ManagerIntf = "org.freedesktop.login1.Manager"
	login1SessionIntf = "org.freedesktop.login1.Session"
)

// SignalKind discriminates session signals.
type SignalKind int

const (
	// Paused: the whole session lost the seat; mode-set operations fail
	// until Resumed.
	Paused SignalKind = iota
	// Resumed: the seat is back.
	Resumed
	// DeviceActivated: one device regained mode-set access.
	DeviceActivated
	// DeviceDeactivated: one device lost mode-set access.
	DeviceDeactivated
)

// Signal is one session state change. Node is set for the per-device
// variants.
type Signal struct {
	Kind SignalKind
	Node drm.Node
}

// Session is the gateway to the seat session. All device descriptors are
// opened through it and owned by it.
type Session struct {
	conn        *dbus.Conn
	sessionPath dbus.ObjectPath
	seat        string

	devices map[int]drm.Node // fd -> node
	signals chan Signal
	done    chan struct{}
}

// New connects to the system bus, resolves the caller's logind session and
// takes control of it. A non-empty seat overrides the seat reported by
// logind.
func New(seat string) (*Session, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	manager := conn.Object(login1Bus, login1ManagerPath)
	var sessionPath dbus.ObjectPath
	if err := manager.Call(login1ManagerIntf+".GetSessionByPID", 0, uint32(os.Getpid())).Store(&sessionPath); err != nil {
		// Fall back to the "auto" session for processes outside a session
		// scope (e.g. started by a display manager helper).
		if err2 := manager.Call(login1ManagerIntf+".GetSession", 0, "auto").Store(&sessionPath); err2 != nil {
			conn.Close()
			return nil, fmt.Errorf("resolve logind session: %w", err)
		}
	}

	sessionObj := conn.Object(login1Bus, sessionPath)
	if err := sessionObj.Call(login1SessionIntf+".TakeControl", 0, false).Err; err != nil {
		conn.Close()
		return nil, fmt.Errorf("take session control: %w", err)
	}

	if seat == "" {
		seat = "seat0"
		if v, err := sessionObj.GetProperty(login1SessionIntf + ".Seat"); err == nil {
			var pair []interface{}
			if err := v.Store(&pair); err == nil && len(pair) > 0 {
				if id, ok := pair[0].(string); ok && id != "" {
					seat = id
				}
			}
		}
	}

	s := &Session{
		conn:        conn,
		sessionPath: sessionPath,
		seat:        seat,
		devices:     make(map[int]drm.Node),
		signals:     make(chan Signal, 16),
		done:        make(chan struct{}),
	}
	if err := s.watchSignals(); err != nil {
		conn.Close()
		return nil, err
	}

	log.Info().Str("seat", seat).Str("session", string(sessionPath)).Msg("session control acquired")
	return s, nil
}

// Seat returns the seat this session is attached to.
func (s *Session) Seat() string { return s.seat }

// Subscribe returns the session signal stream. Signals are dropped if the
// subscriber falls more than a burst behind; the backend reconciles state
// on the next signal anyway.
func (s *Session) Subscribe() <-chan Signal { return s.signals }

// Open acquires a device descriptor through logind. Immediately after a
// hotplug event logind can transiently refuse the device, so the call is
// retried a few times before giving up.
func (s *Session) Open(path string, flags int) (int, error) {
	node, err := drm.NodeFromPath(path)
	if err != nil {
		return -1, err
	}

	sessionObj := s.conn.Object(login1Bus, s.sessionPath)
	var fd dbus.UnixFD
	var inactive bool
	err = retry.Do(
		func() error {
			return sessionObj.Call(login1SessionIntf+".TakeDevice", 0,
				node.Major(), node.Minor()).Store(&fd, &inactive)
		},
		retry.Attempts(3),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return -1, fmt.Errorf("take device %s: %w", path, err)
	}

	_ = flags // logind opens with its own flags; non-blocking is set below
	if err := unix.SetNonblock(int(fd), true); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("set device non-blocking failed")
	}
	unix.CloseOnExec(int(fd))

	s.devices[int(fd)] = node
	return int(fd), nil
}

// Release returns a descriptor to logind and closes it. Called only after
// the device's event-loop source is detached.
func (s *Session) Release(fd int) error {
	node, ok := s.devices[fd]
	if !ok {
		return fmt.Errorf("fd %d is not session-owned", fd)
	}
	delete(s.devices, fd)

	sessionObj := s.conn.Object(login1Bus, s.sessionPath)
	if err := sessionObj.Call(login1SessionIntf+".ReleaseDevice", 0, node.Major(), node.Minor()).Err; err != nil {
		log.Warn().Err(err).Str("node", node.String()).Msg("release device failed")
	}
	return unix.Close(fd)
}

// Close releases session control and the bus connection.
func (s *Session) Close() error {
	close(s.done)
	sessionObj := s.conn.Object(login1Bus, s.sessionPath)
	_ = sessionObj.Call(login1SessionIntf+".ReleaseControl", 0).Err
	return s.conn.Close()
}

// watchSignals subscribes to the logind session signals and republishes
// them. The goroutine only writes into the signal channel; all state
// handling happens on the compositor event loop.
func (s *Session) watchSignals() error {
	if err := s.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(s.sessionPath),
		dbus.WithMatchInterface(login1SessionIntf),
	); err != nil {
		return fmt.Errorf("match session signals: %w", err)
	}
	if err := s.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(s.sessionPath),
		dbus.WithMatchInterface("org.freedesktop.DBus.Properties"),
		dbus.WithMatchMember("PropertiesChanged"),
	); err != nil {
		return fmt.Errorf("match session properties: %w", err)
	}

	ch := make(chan *dbus.Signal, 16)
	s.conn.Signal(ch)

	go func() {
		for {
			select {
			case <-s.done:
				return
			case sig, ok := <-ch:
				if !ok {
					return
				}
				s.handleBusSignal(sig)
			}
		}
	}()
	return nil
}

func (s *Session) handleBusSignal(sig *dbus.Signal) {
	switch sig.Name {
	case login1SessionIntf + ".PauseDevice":
		if len(sig.Body) < 3 {
			return
		}
		major, _ := sig.Body[0].(uint32)
		minor, _ := sig.Body[1].(uint32)
		pauseType, _ := sig.Body[2].(string)
		node := drm.NodeFromDevNum(unix.Mkdev(major, minor))
		// "pause" requires an explicit ack before logind proceeds.
		if pauseType == "pause" {
			sessionObj := s.conn.Object(login1Bus, s.sessionPath)
			_ = sessionObj.Call(login1SessionIntf+".PauseDeviceComplete", 0, major, minor).Err
		}
		s.emit(Signal{Kind: DeviceDeactivated, Node: node})

	case login1SessionIntf + ".ResumeDevice":
		if len(sig.Body) < 2 {
			return
		}
		major, _ := sig.Body[0].(uint32)
		minor, _ := sig.Body[1].(uint32)
		// logind hands back a descriptor with the resume; the original fd
		// stays valid for DRM masters, so the duplicate is dropped.
		if len(sig.Body) >= 3 {
			if fd, ok := sig.Body[2].(dbus.UnixFD); ok {
				_ = unix.Close(int(fd))
			}
		}
		node := drm.NodeFromDevNum(unix.Mkdev(major, minor))
		s.emit(Signal{Kind: DeviceActivated, Node: node})

	case "org.freedesktop.DBus.Properties.PropertiesChanged":
		if len(sig.Body) < 2 {
			return
		}
		intf, _ := sig.Body[0].(string)
		if intf != login1SessionIntf {
			return
		}
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		v, ok := changed["Active"]
		if !ok {
			return
		}
		active, _ := v.Value().(bool)
		if active {
			s.emit(Signal{Kind: Resumed})
		} else {
			s.emit(Signal{Kind: Paused})
		}
	}
}

func (s *Session) emit(sig Signal) {
	select {
	case s.signals <- sig:
	default:
		log.Warn().Int("kind", int(sig.Kind)).Msg("session signal dropped, subscriber lagging")
	}
}
