package drm

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// Handle types for the kernel mode-setting objects.
type (
	CrtcID        uint32
	ConnectorID   uint32
	EncoderID     uint32
	FramebufferID uint32
)

// Fourcc is a DRM pixel format code.
type Fourcc uint32

const (
	// FormatXRGB8888 is 'XR24', the baseline scan-out format.
	FormatXRGB8888 Fourcc = 0x34325258
	// FormatARGB8888 is 'AR24'.
	FormatARGB8888 Fourcc = 0x34325241
)

// ModifierLinear is the linear (no tiling) format modifier.
const ModifierLinear uint64 = 0

// Format pairs a fourcc with a layout modifier.
type Format struct {
	Fourcc   Fourcc
	Modifier uint64
}

// ModeInfo describes a display mode.
type ModeInfo struct {
	Width     int
	Height    int
	RefreshHz int
	Preferred bool
	Name      string

	raw drmModeModeInfo
}

// DRM_MODE_TYPE_PREFERRED
const modeTypePreferred = 1 << 3

func modeFromKernel(m drmModeModeInfo) ModeInfo {
	name := m.Name[:]
	end := 0
	for end < len(name) && name[end] != 0 {
		end++
	}
	return ModeInfo{
		Width:     int(m.Hdisplay),
		Height:    int(m.Vdisplay),
		RefreshHz: int(m.Vrefresh),
		Preferred: m.Type&modeTypePreferred != 0,
		Name:      string(name[:end]),
		raw:       m,
	}
}

// kernelMode reconstructs the ioctl representation. Modes that did not come
// from the kernel (tests, synthetic surfaces) get minimal timings.
func (m ModeInfo) kernelMode() drmModeModeInfo {
	if m.raw.Hdisplay != 0 {
		return m.raw
	}
	raw := drmModeModeInfo{
		Hdisplay: uint16(m.Width),
		Vdisplay: uint16(m.Height),
		Vrefresh: uint32(m.RefreshHz),
	}
	copy(raw.Name[:], fmt.Sprintf("%dx%d", m.Width, m.Height))
	return raw
}

// ConnectorType mirrors the kernel connector type codes.
type ConnectorType uint32

const (
	ConnectorUnknown     ConnectorType = 0
	ConnectorVGA         ConnectorType = 1
	ConnectorDVII        ConnectorType = 2
	ConnectorDVID        ConnectorType = 3
	ConnectorDVIA        ConnectorType = 4
	ConnectorComposite   ConnectorType = 5
	ConnectorSVideo      ConnectorType = 6
	ConnectorLVDS        ConnectorType = 7
	ConnectorComponent   ConnectorType = 8
	Connector9PinDIN     ConnectorType = 9
	ConnectorDisplayPort ConnectorType = 10
	ConnectorHDMIA       ConnectorType = 11
	ConnectorHDMIB       ConnectorType = 12
	ConnectorTV          ConnectorType = 13
	ConnectorEDP         ConnectorType = 14
	ConnectorVirtual     ConnectorType = 15
	ConnectorDSI         ConnectorType = 16
	ConnectorDPI         ConnectorType = 17
	ConnectorWriteback   ConnectorType = 18
	ConnectorSPI         ConnectorType = 19
	ConnectorUSB         ConnectorType = 20
)

var connectorShortNames = map[ConnectorType]string{
	ConnectorDVII:        "DVI-I",
	ConnectorDVID:        "DVI-D",
	ConnectorDVIA:        "DVI-A",
	ConnectorSVideo:      "S-VIDEO",
	ConnectorDisplayPort: "DP",
	ConnectorHDMIA:       "HDMI-A",
	ConnectorHDMIB:       "HDMI-B",
	ConnectorEDP:         "eDP",
}

var connectorDebugNames = map[ConnectorType]string{
	ConnectorUnknown:     "Unknown",
	ConnectorVGA:         "VGA",
	ConnectorComposite:   "Composite",
	ConnectorLVDS:        "LVDS",
	ConnectorComponent:   "Component",
	Connector9PinDIN:     "DIN",
	ConnectorTV:          "TV",
	ConnectorVirtual:     "Virtual",
	ConnectorDSI:         "DSI",
	ConnectorDPI:         "DPI",
	ConnectorWriteback:   "Writeback",
	ConnectorSPI:         "SPI",
	ConnectorUSB:         "USB",
}

// ShortName returns the canonical interface name used in output names,
// falling back to the debug name for interfaces without one.
func (t ConnectorType) ShortName() string {
	if s, ok := connectorShortNames[t]; ok {
		return s
	}
	return t.String()
}

func (t ConnectorType) String() string {
	if s, ok := connectorShortNames[t]; ok {
		return s
	}
	if s, ok := connectorDebugNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Connector(%d)", uint32(t))
}

// ConnectorInfo describes one physical output port.
type ConnectorInfo struct {
	ID           ConnectorID
	Type         ConnectorType
	TypeID       uint32
	Connected    bool
	PhysWidthMM  int
	PhysHeightMM int
	Modes        []ModeInfo
	Encoders     []EncoderID
}

// EncoderInfo describes an encoder and the CRTCs it can drive.
type EncoderInfo struct {
	ID            EncoderID
	PossibleCrtcs uint32
}

// Resources holds the mode-setting object handles of a device.
type Resources struct {
	Crtcs      []CrtcID
	Connectors []ConnectorID
	Encoders   []EncoderID
}

// FilterCrtcs resolves an encoder's possible_crtcs bitmask against the
// device CRTC list: bit i selects Crtcs[i].
func (r *Resources) FilterCrtcs(mask uint32) []CrtcID {
	var out []CrtcID
	for i, crtc := range r.Crtcs {
		if i < 32 && mask&(1<<uint(i)) != 0 {
			out = append(out, crtc)
		}
	}
	return out
}

// EventKind discriminates kernel DRM events.
type EventKind int

const (
	// EventVBlank is a vertical blank notification.
	EventVBlank EventKind = iota
	// EventFlipComplete reports that a queued page flip reached the screen.
	EventFlipComplete
)

// Event is a decoded kernel DRM event.
type Event struct {
	Kind     EventKind
	Crtc     CrtcID
	Sequence uint32
	TvSec    uint32
	TvUsec   uint32
}

// Device wraps an opened DRM card file descriptor. The descriptor is owned
// by the session gateway; Device never closes it.
type Device struct {
	fd     int
	node   Node
	active bool
}

// NewDevice wraps fd. Devices start active; the backend flips activity on
// session signals.
func NewDevice(fd int, node Node) *Device {
	return &Device{fd: fd, node: node, active: true}
}

// Fd returns the underlying descriptor for event-loop registration.
func (d *Device) Fd() int { return d.fd }

// Node returns the device identity.
func (d *Device) Node() Node { return d.node }

// SetActive records whether the session currently allows mode-setting on
// this device.
func (d *Device) SetActive(active bool) { d.active = active }

// Active reports the session activity state.
func (d *Device) Active() bool { return d.active }

// Resources queries the device object handles.
func (d *Device) Resources() (*Resources, error) {
	crtcs, conns, encs, err := getResources(d.fd)
	if err != nil {
		return nil, err
	}
	res := &Resources{
		Crtcs:      make([]CrtcID, len(crtcs)),
		Connectors: make([]ConnectorID, len(conns)),
		Encoders:   make([]EncoderID, len(encs)),
	}
	for i, id := range crtcs {
		res.Crtcs[i] = CrtcID(id)
	}
	for i, id := range conns {
		res.Connectors[i] = ConnectorID(id)
	}
	for i, id := range encs {
		res.Encoders[i] = EncoderID(id)
	}
	return res, nil
}

// Connector queries full connector state including modes.
func (d *Device) Connector(id ConnectorID) (*ConnectorInfo, error) {
	conn, modes, encoders, err := getConnector(d.fd, uint32(id))
	if err != nil {
		return nil, err
	}
	info := &ConnectorInfo{
		ID:           id,
		Type:         ConnectorType(conn.ConnectorType),
		TypeID:       conn.ConnectorTypeID,
		Connected:    conn.Connection == connectorStatusConnected,
		PhysWidthMM:  int(conn.MmWidth),
		PhysHeightMM: int(conn.MmHeight),
	}
	for _, m := range modes {
		info.Modes = append(info.Modes, modeFromKernel(m))
	}
	for _, e := range encoders {
		info.Encoders = append(info.Encoders, EncoderID(e))
	}
	return info, nil
}

// Encoder queries an encoder's CRTC mask.
func (d *Device) Encoder(id EncoderID) (*EncoderInfo, error) {
	enc, err := getEncoder(d.fd, uint32(id))
	if err != nil {
		return nil, err
	}
	return &EncoderInfo{ID: id, PossibleCrtcs: enc.PossibleCrtcs}, nil
}

// AddFramebuffer registers a buffer object as a scan-out framebuffer.
func (d *Device) AddFramebuffer(width, height, pitch, handle uint32, format Fourcc, modifier uint64) (FramebufferID, error) {
	fb, err := addFb2(d.fd, width, height, uint32(format), handle, pitch, modifier)
	if err != nil {
		return 0, err
	}
	return FramebufferID(fb), nil
}

// RemoveFramebuffer drops a framebuffer registration.
func (d *Device) RemoveFramebuffer(fb FramebufferID) error {
	return rmFb(d.fd, uint32(fb))
}

// CreateSurface builds a kernel surface driving crtc with mode through the
// given connectors. The mode set is applied on the first Submit.
func (d *Device) CreateSurface(crtc CrtcID, mode ModeInfo, connectors []ConnectorID) (*Surface, error) {
	if len(connectors) == 0 {
		return nil, fmt.Errorf("surface for crtc %d needs at least one connector", crtc)
	}
	return &Surface{dev: d, crtc: crtc, mode: mode, connectors: connectors}, nil
}

// ReadEvents drains pending kernel events from the descriptor. An empty
// slice with nil error means the descriptor had nothing buffered.
func (d *Device) ReadEvents() ([]Event, error) {
	buf := make([]byte, 1024)
	n, err := unix.Read(d.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil, nil
		}
		return nil, fmt.Errorf("read drm events: %w", err)
	}

	var events []Event
	for off := 0; off+8 <= n; {
		typ := binary.LittleEndian.Uint32(buf[off:])
		length := int(binary.LittleEndian.Uint32(buf[off+4:]))
		if length < 8 || off+length > n {
			break
		}
		if (typ == drmEventTypeVblank || typ == drmEventTypeFlipComplete) && length >= 32 {
			userData := binary.LittleEndian.Uint64(buf[off+8:])
			ev := Event{
				TvSec:    binary.LittleEndian.Uint32(buf[off+16:]),
				TvUsec:   binary.LittleEndian.Uint32(buf[off+20:]),
				Sequence: binary.LittleEndian.Uint32(buf[off+24:]),
				Crtc:     CrtcID(binary.LittleEndian.Uint32(buf[off+28:])),
			}
			if typ == drmEventTypeVblank {
				ev.Kind = EventVBlank
			} else {
				ev.Kind = EventFlipComplete
			}
			// Older kernels leave crtc_id zero on flip events; the
			// submit path stashes the CRTC in user_data.
			if ev.Crtc == 0 {
				ev.Crtc = CrtcID(userData)
			}
			events = append(events, ev)
		}
		off += length
	}
	return events, nil
}

// Surface drives one CRTC with a fixed mode and connector set.
type Surface struct {
	dev        *Device
	crtc       CrtcID
	mode       ModeInfo
	connectors []ConnectorID
	committed  bool
}

// Crtc returns the driven CRTC.
func (s *Surface) Crtc() CrtcID { return s.crtc }

// Mode returns the fixed mode.
func (s *Surface) Mode() ModeInfo { return s.mode }

// Submit scans fb out on the surface's CRTC. The first submission performs
// the mode set, then queues a flip so the vblank event stream starts; later
// submissions are plain page flips completing on the next vblank.
func (s *Surface) Submit(fb FramebufferID) error {
	if !s.dev.active {
		return NewTemporaryError(CauseDeviceInactive, nil)
	}

	if !s.committed {
		conns := make([]uint32, len(s.connectors))
		for i, c := range s.connectors {
			conns[i] = uint32(c)
		}
		if err := setCrtc(s.dev.fd, uint32(s.crtc), uint32(fb), conns, s.mode.kernelMode()); err != nil {
			return classifySubmit(err)
		}
		s.committed = true
	}

	if err := pageFlip(s.dev.fd, uint32(s.crtc), uint32(fb), uint64(s.crtc)); err != nil {
		return classifySubmit(err)
	}
	return nil
}

// classifySubmit maps kernel errnos onto the swap error taxonomy.
func classifySubmit(err error) error {
	errno, ok := unwrapErrno(err)
	if !ok {
		return NewTemporaryError(CauseIO, err)
	}
	switch errno {
	case unix.EBUSY:
		return ErrAlreadySwapped
	case unix.EACCES, unix.EPERM:
		return NewTemporaryError(CausePermissionDenied, err)
	case unix.ENODEV:
		return NewTemporaryError(CauseDeviceInactive, err)
	default:
		return NewTemporaryError(CauseIO, err)
	}
}

func unwrapErrno(err error) (unix.Errno, bool) {
	for err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return errno, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0, false
		}
		err = u.Unwrap()
	}
	return 0, false
}
