package drm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DRM ioctl numbers for 64-bit Linux.
// These use the standard Linux ioctl encoding:
//   _IO(type, nr)          = (type << 8) | nr
//   _IOR(type, nr, size)   = 0x80000000 | (size << 16) | (type << 8) | nr
//   _IOW(type, nr, size)   = 0x40000000 | (size << 16) | (type << 8) | nr
//   _IOWR(type, nr, size)  = 0xC0000000 | (size << 16) | (type << 8) | nr
const (
	// DRM_IOCTL_MODE_GETRESOURCES = _IOWR('d', 0xa0, struct drm_mode_card_res)
	// struct drm_mode_card_res is 64 bytes
	ioctlModeGetResources = 0xc04064a0

	// DRM_IOCTL_MODE_GETCRTC = _IOWR('d', 0xa1, struct drm_mode_crtc)
	// struct drm_mode_crtc is 104 bytes
	ioctlModeGetCrtc = 0xc06864a1

	// DRM_IOCTL_MODE_SETCRTC = _IOWR('d', 0xa2, struct drm_mode_crtc)
	ioctlModeSetCrtc = 0xc06864a2

	// DRM_IOCTL_MODE_GETENCODER = _IOWR('d', 0xa6, struct drm_mode_get_encoder)
	// struct drm_mode_get_encoder is 20 bytes
	ioctlModeGetEncoder = 0xc01464a6

	// DRM_IOCTL_MODE_GETCONNECTOR = _IOWR('d', 0xa7, struct drm_mode_get_connector)
	// struct drm_mode_get_connector is 80 bytes
	ioctlModeGetConnector = 0xc05064a7

	// DRM_IOCTL_MODE_RMFB = _IOWR('d', 0xaf, unsigned int)
	ioctlModeRmFb = 0xc00464af

	// DRM_IOCTL_MODE_PAGE_FLIP = _IOWR('d', 0xb0, struct drm_mode_crtc_page_flip)
	// struct drm_mode_crtc_page_flip is 24 bytes
	ioctlModePageFlip = 0xc01864b0

	// DRM_IOCTL_MODE_CREATE_DUMB = _IOWR('d', 0xb2, struct drm_mode_create_dumb)
	ioctlModeCreateDumb = 0xc02064b2

	// DRM_IOCTL_MODE_MAP_DUMB = _IOWR('d', 0xb3, struct drm_mode_map_dumb)
	ioctlModeMapDumb = 0xc01064b3

	// DRM_IOCTL_MODE_DESTROY_DUMB = _IOWR('d', 0xb4, struct drm_mode_destroy_dumb)
	ioctlModeDestroyDumb = 0xc00464b4

	// DRM_IOCTL_MODE_ADDFB2 = _IOWR('d', 0xb8, struct drm_mode_fb_cmd2)
	// struct drm_mode_fb_cmd2 is 104 bytes (68 bytes of u32 fields, padded
	// to 72 for the u64 modifiers)
	ioctlModeAddFb2 = 0xc06864b8

	// DRM_IOCTL_PRIME_HANDLE_TO_FD = _IOWR('d', 0x2d, struct drm_prime_handle)
	ioctlPrimeHandleToFd = 0xc00c642d
)

// Connector status values
const (
	connectorStatusConnected    = 1
	connectorStatusDisconnected = 2
	connectorStatusUnknown      = 3
)

// Page flip flags
const (
	pageFlipEvent = 0x01
)

// drmModeCardRes corresponds to struct drm_mode_card_res.
type drmModeCardRes struct {
	FbIDPtr         uint64
	CrtcIDPtr       uint64
	ConnectorIDPtr  uint64
	EncoderIDPtr    uint64
	CountFbs        uint32
	CountCrtcs      uint32
	CountConnectors uint32
	CountEncoders   uint32
	MinWidth        uint32
	MaxWidth        uint32
	MinHeight       uint32
	MaxHeight       uint32
}

// drmModeGetConnector corresponds to struct drm_mode_get_connector.
type drmModeGetConnector struct {
	EncodersPtr     uint64
	ModesPtr        uint64
	PropsPtr        uint64
	PropValuesPtr   uint64
	CountModes      uint32
	CountProps      uint32
	CountEncoders   uint32
	EncoderID       uint32
	ConnectorID     uint32
	ConnectorType   uint32
	ConnectorTypeID uint32
	Connection      uint32
	MmWidth         uint32
	MmHeight        uint32
	Subpixel        uint32
	Pad             uint32
}

// drmModeGetEncoder corresponds to struct drm_mode_get_encoder.
type drmModeGetEncoder struct {
	EncoderID      uint32
	EncoderType    uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

// drmModeModeInfo corresponds to struct drm_mode_modeinfo (68 bytes).
type drmModeModeInfo struct {
	Clock      uint32
	Hdisplay   uint16
	HsyncStart uint16
	HsyncEnd   uint16
	Htotal     uint16
	Hskew      uint16
	Vdisplay   uint16
	VsyncStart uint16
	VsyncEnd   uint16
	Vtotal     uint16
	Vscan      uint16
	Vrefresh   uint32
	Flags      uint32
	Type       uint32
	Name       [32]byte
}

// drmModeCrtc corresponds to struct drm_mode_crtc (104 bytes).
type drmModeCrtc struct {
	SetConnectorsPtr uint64
	CountConnectors  uint32
	CrtcID           uint32
	FbID             uint32
	X                uint32
	Y                uint32
	GammaSize        uint32
	ModeValid        uint32
	Mode             drmModeModeInfo
}

// drmModePageFlip corresponds to struct drm_mode_crtc_page_flip.
type drmModePageFlip struct {
	CrtcID   uint32
	FbID     uint32
	Flags    uint32
	Reserved uint32
	UserData uint64
}

// drmModeCreateDumb corresponds to struct drm_mode_create_dumb.
type drmModeCreateDumb struct {
	Height uint32
	Width  uint32
	Bpp    uint32
	Flags  uint32
	Handle uint32
	Pitch  uint32
	Size   uint64
}

// drmModeMapDumb corresponds to struct drm_mode_map_dumb.
type drmModeMapDumb struct {
	Handle uint32
	Pad    uint32
	Offset uint64
}

// drmModeDestroyDumb corresponds to struct drm_mode_destroy_dumb.
type drmModeDestroyDumb struct {
	Handle uint32
}

// drmModeFbCmd2 corresponds to struct drm_mode_fb_cmd2.
type drmModeFbCmd2 struct {
	FbID        uint32
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Flags       uint32
	Handles     [4]uint32
	Pitches     [4]uint32
	Offsets     [4]uint32
	Modifier    [4]uint64
}

// drmPrimeHandle corresponds to struct drm_prime_handle.
type drmPrimeHandle struct {
	Handle uint32
	Flags  uint32
	Fd     int32
}

// drmEventHeader corresponds to struct drm_event.
type drmEventHeader struct {
	Type   uint32
	Length uint32
}

// drmEventVblank corresponds to struct drm_event_vblank. The kernel emits it
// for both vblank waits and page flip completions.
type drmEventVblank struct {
	Base     drmEventHeader
	UserData uint64
	TvSec    uint32
	TvUsec   uint32
	Sequence uint32
	CrtcID   uint32
}

const (
	drmEventTypeVblank       = 0x01
	drmEventTypeFlipComplete = 0x02
)

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		return errno
	}
}

// getResources retrieves CRTC, connector and encoder handles using the
// two-call count-then-fill pattern.
func getResources(fd int) (crtcs, connectors, encoders []uint32, err error) {
	var res drmModeCardRes
	if err := ioctl(fd, ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
		return nil, nil, nil, fmt.Errorf("MODE_GETRESOURCES (count): %w", err)
	}

	crtcs = make([]uint32, res.CountCrtcs)
	connectors = make([]uint32, res.CountConnectors)
	encoders = make([]uint32, res.CountEncoders)
	fbs := make([]uint32, res.CountFbs)

	res2 := drmModeCardRes{
		CountCrtcs:      res.CountCrtcs,
		CountConnectors: res.CountConnectors,
		CountEncoders:   res.CountEncoders,
		CountFbs:        res.CountFbs,
	}
	if res.CountCrtcs > 0 {
		res2.CrtcIDPtr = uint64(uintptr(unsafe.Pointer(&crtcs[0])))
	}
	if res.CountConnectors > 0 {
		res2.ConnectorIDPtr = uint64(uintptr(unsafe.Pointer(&connectors[0])))
	}
	if res.CountEncoders > 0 {
		res2.EncoderIDPtr = uint64(uintptr(unsafe.Pointer(&encoders[0])))
	}
	if res.CountFbs > 0 {
		res2.FbIDPtr = uint64(uintptr(unsafe.Pointer(&fbs[0])))
	}
	if err := ioctl(fd, ioctlModeGetResources, unsafe.Pointer(&res2)); err != nil {
		return nil, nil, nil, fmt.Errorf("MODE_GETRESOURCES (fill): %w", err)
	}
	return crtcs, connectors, encoders, nil
}

// getConnector retrieves the full connector info including modes and
// candidate encoders.
func getConnector(fd int, id uint32) (*drmModeGetConnector, []drmModeModeInfo, []uint32, error) {
	conn := drmModeGetConnector{ConnectorID: id}
	if err := ioctl(fd, ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
		return nil, nil, nil, fmt.Errorf("MODE_GETCONNECTOR(%d) count: %w", id, err)
	}

	modes := make([]drmModeModeInfo, conn.CountModes)
	encoders := make([]uint32, conn.CountEncoders)

	conn2 := drmModeGetConnector{
		ConnectorID:   id,
		CountModes:    conn.CountModes,
		CountEncoders: conn.CountEncoders,
	}
	if conn.CountModes > 0 {
		conn2.ModesPtr = uint64(uintptr(unsafe.Pointer(&modes[0])))
	}
	if conn.CountEncoders > 0 {
		conn2.EncodersPtr = uint64(uintptr(unsafe.Pointer(&encoders[0])))
	}
	if err := ioctl(fd, ioctlModeGetConnector, unsafe.Pointer(&conn2)); err != nil {
		return nil, nil, nil, fmt.Errorf("MODE_GETCONNECTOR(%d) fill: %w", id, err)
	}
	return &conn2, modes, encoders, nil
}

func getEncoder(fd int, id uint32) (*drmModeGetEncoder, error) {
	enc := drmModeGetEncoder{EncoderID: id}
	if err := ioctl(fd, ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
		return nil, fmt.Errorf("MODE_GETENCODER(%d): %w", id, err)
	}
	return &enc, nil
}

func setCrtc(fd int, crtcID, fbID uint32, connectors []uint32, mode drmModeModeInfo) error {
	crtc := drmModeCrtc{
		CrtcID:    crtcID,
		FbID:      fbID,
		ModeValid: 1,
		Mode:      mode,
	}
	if len(connectors) > 0 {
		crtc.SetConnectorsPtr = uint64(uintptr(unsafe.Pointer(&connectors[0])))
		crtc.CountConnectors = uint32(len(connectors))
	}
	if err := ioctl(fd, ioctlModeSetCrtc, unsafe.Pointer(&crtc)); err != nil {
		return fmt.Errorf("MODE_SETCRTC(%d): %w", crtcID, err)
	}
	return nil
}

func pageFlip(fd int, crtcID, fbID uint32, userData uint64) error {
	flip := drmModePageFlip{
		CrtcID:   crtcID,
		FbID:     fbID,
		Flags:    pageFlipEvent,
		UserData: userData,
	}
	return ioctl(fd, ioctlModePageFlip, unsafe.Pointer(&flip))
}

func createDumb(fd int, width, height, bpp uint32) (*drmModeCreateDumb, error) {
	dumb := drmModeCreateDumb{Width: width, Height: height, Bpp: bpp}
	if err := ioctl(fd, ioctlModeCreateDumb, unsafe.Pointer(&dumb)); err != nil {
		return nil, fmt.Errorf("MODE_CREATE_DUMB(%dx%d): %w", width, height, err)
	}
	return &dumb, nil
}

func mapDumb(fd int, handle uint32) (uint64, error) {
	m := drmModeMapDumb{Handle: handle}
	if err := ioctl(fd, ioctlModeMapDumb, unsafe.Pointer(&m)); err != nil {
		return 0, fmt.Errorf("MODE_MAP_DUMB(%d): %w", handle, err)
	}
	return m.Offset, nil
}

func destroyDumb(fd int, handle uint32) error {
	d := drmModeDestroyDumb{Handle: handle}
	return ioctl(fd, ioctlModeDestroyDumb, unsafe.Pointer(&d))
}

func addFb2(fd int, width, height, format, handle, pitch uint32, modifier uint64) (uint32, error) {
	cmd := drmModeFbCmd2{
		Width:       width,
		Height:      height,
		PixelFormat: format,
	}
	cmd.Handles[0] = handle
	cmd.Pitches[0] = pitch
	cmd.Modifier[0] = modifier
	if err := ioctl(fd, ioctlModeAddFb2, unsafe.Pointer(&cmd)); err != nil {
		return 0, fmt.Errorf("MODE_ADDFB2(%dx%d): %w", width, height, err)
	}
	return cmd.FbID, nil
}

func rmFb(fd int, fbID uint32) error {
	id := fbID
	return ioctl(fd, ioctlModeRmFb, unsafe.Pointer(&id))
}

func primeHandleToFd(fd int, handle uint32) (int, error) {
	prime := drmPrimeHandle{Handle: handle, Flags: unix.O_CLOEXEC | unix.O_RDWR}
	if err := ioctl(fd, ioctlPrimeHandleToFd, unsafe.Pointer(&prime)); err != nil {
		return -1, fmt.Errorf("PRIME_HANDLE_TO_FD(%d): %w", handle, err)
	}
	return int(prime.Fd), nil
}
