package backend

import (
	"image"
	"time"

	"github.com/helixml/skylight/pkg/allocator"
	"github.com/helixml/skylight/pkg/drm"
	"github.com/helixml/skylight/pkg/eventloop"
	"github.com/helixml/skylight/pkg/output"
	"github.com/helixml/skylight/pkg/render"
)

// Tag binds a logical output to its (device, CRTC) pair. It is stored as
// the output's user data so render passes can reverse-look-up outputs.
type Tag struct {
	Node drm.Node
	Crtc drm.CrtcID
}

// KernelSurface drives one CRTC with a fixed mode.
type KernelSurface interface {
	Crtc() drm.CrtcID
	Mode() drm.ModeInfo
	Submit(fb drm.FramebufferID) error
}

// KMS is the mode-setting face of an opened device.
type KMS interface {
	Fd() int
	Resources() (*drm.Resources, error)
	Connector(drm.ConnectorID) (*drm.ConnectorInfo, error)
	Encoder(drm.EncoderID) (*drm.EncoderInfo, error)
	CreateSurface(crtc drm.CrtcID, mode drm.ModeInfo, connectors []drm.ConnectorID) (KernelSurface, error)
	ReadEvents() ([]drm.Event, error)
	SetActive(active bool)
}

// Buffer is one scan-out buffer: a dmabuf for rendering plus its kernel
// framebuffer registration.
type Buffer interface {
	Dmabuf() *allocator.Dmabuf
	Framebuffer() drm.FramebufferID
	Destroy()
}

// BufferSource allocates scan-out buffers on a device.
type BufferSource interface {
	CreateBuffer(width, height uint32, formats []drm.Format) (Buffer, error)
}

// Renderer is the per-frame rendering contract handed to the scene. Callers
// must not retain a renderer across a session suspension.
type Renderer interface {
	Bind(buf *allocator.Dmabuf) error
	Unbind()
	Clear(color [4]float32)
	Blit(t *render.Texture, x, y int)
	ImportMemory(pix []byte, width, height int) (*render.Texture, error)
}

// GPUs routes rendering work across devices.
type GPUs interface {
	// Renderer returns the context cached for the (alloc, target) pair.
	// Differing nodes get no implicit dmabuf import.
	Renderer(alloc, target drm.Node) (Renderer, error)
	// RenderNode resolves the GPU that backs rendering for a scan-out
	// device, along with its renderable dmabuf formats.
	RenderNode(node drm.Node) (drm.Node, []drm.Format, error)
	// EarlyImport pre-uploads a client buffer; best effort.
	EarlyImport(src, target drm.Node, buf *render.ClientBuffer) error
}

// Session is the gateway that owns device descriptors.
type Session interface {
	Open(path string, flags int) (int, error)
	Release(fd int) error
	Seat() string
}

// LoopHandle is the slice of the event loop the backend schedules on.
type LoopHandle interface {
	AddFd(fd int, fn func()) (*eventloop.Source, error)
	Remove(s *eventloop.Source)
	AddTimer(d time.Duration, fn func()) error
	Idle(fn func())
}

// Element is an overlay drawn above the scene (pointer, drag icons).
type Element struct {
	Texture  *render.Texture
	Position image.Point
}

// SceneRenderer is the compositor collaborator that draws client content.
// It returns whether anything was drawn into the bound buffer.
type SceneRenderer interface {
	RenderOutput(o *output.Output, space *output.Space, r Renderer, age int, elements []Element) (bool, error)
}

// DeviceOpener turns a session-owned descriptor into the device interfaces.
// Swappable so tests can drive the backend with fake kernels.
type DeviceOpener func(fd int, node drm.Node) (KMS, BufferSource, error)
