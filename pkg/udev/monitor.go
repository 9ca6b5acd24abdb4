// Package udev enumerates DRM devices and watches them for hotplug.
// Card nodes appearing and disappearing under /dev/dri are picked up with
// an inotify watch; connector-level hotplug arrives as kernel "change"
// uevents on a netlink socket, since nothing on the filesystem changes when
// a monitor is plugged in.
package udev

import (
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/helixml/skylight/pkg/drm"
)

const devDir = "/dev/dri"

// EventKind discriminates device events.
type EventKind int

const (
	// Added: a new card node appeared.
	Added EventKind = iota
	// Changed: the device's connector topology may have changed.
	Changed
	// Removed: the card node is gone.
	Removed
)

func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Changed:
		return "changed"
	case Removed:
		return "removed"
	}
	return "unknown"
}

// Event is one device lifecycle notification.
type Event struct {
	Kind   EventKind
	DevNum uint64
	Path   string
}

// Device is one enumerated card.
type Device struct {
	DevNum uint64
	Path   string
}

// Monitor watches /dev/dri and the kernel uevent stream. Consumers receive
// the current device list as a burst of Added events before any hotplug
// event, so no separate bootstrap path is needed.
type Monitor struct {
	watcher *fsnotify.Watcher
	nlfd    int

	events chan Event
	done   chan struct{}

	// known maps card paths to device numbers so Removed events can be
	// attributed after the node is gone. It also enforces the ordering
	// guarantee: Removed is only emitted for devices previously Added.
	known map[string]uint64
}

// NewMonitor enumerates the current cards and prepares the watches.
func NewMonitor() (*Monitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(devDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", devDir, err)
	}

	nlfd, err := openUeventSocket()
	if err != nil {
		watcher.Close()
		return nil, err
	}

	return &Monitor{
		watcher: watcher,
		nlfd:    nlfd,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
		known:   make(map[string]uint64),
	}, nil
}

// DeviceList enumerates the card nodes present right now, in name order.
func (m *Monitor) DeviceList() []Device {
	paths, err := filepath.Glob(filepath.Join(devDir, "card*"))
	if err != nil {
		return nil
	}
	sort.Strings(paths)
	var out []Device
	for _, p := range paths {
		node, err := drm.NodeFromPath(p)
		if err != nil {
			continue
		}
		out = append(out, Device{DevNum: node.DevNum(), Path: p})
	}
	return out
}

// Events returns the event stream.
func (m *Monitor) Events() <-chan Event { return m.events }

// Start replays the current device list as Added events, then begins
// watching for hotplug.
func (m *Monitor) Start() {
	for _, d := range m.DeviceList() {
		m.known[d.Path] = d.DevNum
		m.emit(Event{Kind: Added, DevNum: d.DevNum, Path: d.Path})
	}
	go m.watchFiles()
	go m.watchUevents()
}

// Close stops the monitor and its watches.
func (m *Monitor) Close() {
	close(m.done)
	m.watcher.Close()
	_ = unix.Close(m.nlfd)
}

func (m *Monitor) emit(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

func isCard(path string) bool {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "card") {
		return false
	}
	_, err := strconv.Atoi(base[len("card"):])
	return err == nil
}

func (m *Monitor) watchFiles() {
	for {
		select {
		case <-m.done:
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if !isCard(ev.Name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				node, err := drm.NodeFromPath(ev.Name)
				if err != nil {
					log.Warn().Err(err).Str("path", ev.Name).Msg("ignoring unreadable card node")
					continue
				}
				if _, seen := m.known[ev.Name]; seen {
					continue
				}
				m.known[ev.Name] = node.DevNum()
				m.emit(Event{Kind: Added, DevNum: node.DevNum(), Path: ev.Name})
			case ev.Op.Has(fsnotify.Remove):
				devNum, seen := m.known[ev.Name]
				if !seen {
					continue
				}
				delete(m.known, ev.Name)
				m.emit(Event{Kind: Removed, DevNum: devNum, Path: ev.Name})
			}
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("device watch error")
		}
	}
}

func openUeventSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return -1, fmt.Errorf("open uevent socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: 1, // kernel uevent broadcast group
	}
	if err := unix.Bind(fd, addr); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind uevent socket: %w", err)
	}
	return fd, nil
}

func (m *Monitor) watchUevents() {
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(m.nlfd, buf)
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			if err == unix.EINTR || err == unix.EAGAIN {
				continue
			}
			log.Warn().Err(err).Msg("uevent read error, stopping uevent watch")
			return
		}
		ev, ok := parseUevent(buf[:n])
		if !ok {
			continue
		}
		// Add/remove is covered by the /dev/dri watch; only connector
		// change events matter here.
		if ev.Kind != Changed {
			continue
		}
		if _, seen := m.known[ev.Path]; !seen {
			continue
		}
		m.emit(ev)
	}
}

// parseUevent decodes a kernel uevent message: "action@devpath\0KEY=VAL\0…".
// Only drm card devices are of interest.
func parseUevent(data []byte) (Event, bool) {
	fields := strings.Split(string(data), "\x00")
	if len(fields) == 0 {
		return Event{}, false
	}

	var (
		action, subsystem, devname string
		major, minor               = -1, -1
	)
	if i := strings.IndexByte(fields[0], '@'); i > 0 {
		action = fields[0][:i]
	}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch k {
		case "ACTION":
			action = v
		case "SUBSYSTEM":
			subsystem = v
		case "DEVNAME":
			devname = v
		case "MAJOR":
			major, _ = strconv.Atoi(v)
		case "MINOR":
			minor, _ = strconv.Atoi(v)
		}
	}

	if subsystem != "drm" || major < 0 || minor < 0 {
		return Event{}, false
	}
	path := filepath.Join("/dev", devname)
	if !isCard(path) {
		return Event{}, false
	}

	ev := Event{
		DevNum: unix.Mkdev(uint32(major), uint32(minor)),
		Path:   path,
	}
	switch action {
	case "add":
		ev.Kind = Added
	case "change":
		ev.Kind = Changed
	case "remove":
		ev.Kind = Removed
	default:
		return Event{}, false
	}
	return ev, true
}
