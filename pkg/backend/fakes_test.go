package backend

import (
	"fmt"
	"time"

	"github.com/helixml/skylight/pkg/allocator"
	"github.com/helixml/skylight/pkg/drm"
	"github.com/helixml/skylight/pkg/eventloop"
	"github.com/helixml/skylight/pkg/output"
	"github.com/helixml/skylight/pkg/render"
)

// fakeKernelSurface records submissions and fails on demand.
type fakeKernelSurface struct {
	dev  *fakeKMS
	crtc drm.CrtcID
	mode drm.ModeInfo

	attempts int
	submits  []drm.FramebufferID
}

func (s *fakeKernelSurface) Crtc() drm.CrtcID   { return s.crtc }
func (s *fakeKernelSurface) Mode() drm.ModeInfo { return s.mode }

func (s *fakeKernelSurface) Submit(fb drm.FramebufferID) error {
	s.attempts++
	if !s.dev.active {
		return drm.NewTemporaryError(drm.CauseDeviceInactive, nil)
	}
	if s.dev.submitErr != nil {
		return s.dev.submitErr
	}
	s.submits = append(s.submits, fb)
	return nil
}

// fakeKMS is an in-memory mode-setting device.
type fakeKMS struct {
	fd         int
	res        *drm.Resources
	connectors map[drm.ConnectorID]*drm.ConnectorInfo
	encoders   map[drm.EncoderID]*drm.EncoderInfo

	active    bool
	submitErr error
	createErr error

	kernels map[drm.CrtcID]*fakeKernelSurface
	events  []drm.Event
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{
		fd:         1000,
		res:        &drm.Resources{},
		connectors: make(map[drm.ConnectorID]*drm.ConnectorInfo),
		encoders:   make(map[drm.EncoderID]*drm.EncoderInfo),
		active:     true,
		kernels:    make(map[drm.CrtcID]*fakeKernelSurface),
	}
}

// addConnector wires a connected connector through one encoder to the
// CRTCs selected by mask.
func (f *fakeKMS) addConnector(id drm.ConnectorID, typ drm.ConnectorType, typeID uint32, mode drm.ModeInfo, encoder drm.EncoderID, crtcMask uint32) {
	f.res.Connectors = append(f.res.Connectors, id)
	f.connectors[id] = &drm.ConnectorInfo{
		ID:           id,
		Type:         typ,
		TypeID:       typeID,
		Connected:    true,
		PhysWidthMM:  520,
		PhysHeightMM: 290,
		Modes:        []drm.ModeInfo{mode},
		Encoders:     []drm.EncoderID{encoder},
	}
	if _, ok := f.encoders[encoder]; !ok {
		f.res.Encoders = append(f.res.Encoders, encoder)
		f.encoders[encoder] = &drm.EncoderInfo{ID: encoder, PossibleCrtcs: crtcMask}
	}
}

func (f *fakeKMS) removeConnector(id drm.ConnectorID) {
	for i, c := range f.res.Connectors {
		if c == id {
			f.res.Connectors = append(f.res.Connectors[:i], f.res.Connectors[i+1:]...)
			break
		}
	}
	delete(f.connectors, id)
}

func (f *fakeKMS) Fd() int { return f.fd }

func (f *fakeKMS) Resources() (*drm.Resources, error) { return f.res, nil }

func (f *fakeKMS) Connector(id drm.ConnectorID) (*drm.ConnectorInfo, error) {
	c, ok := f.connectors[id]
	if !ok {
		return nil, fmt.Errorf("no connector %d", id)
	}
	return c, nil
}

func (f *fakeKMS) Encoder(id drm.EncoderID) (*drm.EncoderInfo, error) {
	e, ok := f.encoders[id]
	if !ok {
		return nil, fmt.Errorf("no encoder %d", id)
	}
	return e, nil
}

func (f *fakeKMS) CreateSurface(crtc drm.CrtcID, mode drm.ModeInfo, connectors []drm.ConnectorID) (KernelSurface, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	ks := &fakeKernelSurface{dev: f, crtc: crtc, mode: mode}
	f.kernels[crtc] = ks
	return ks, nil
}

func (f *fakeKMS) ReadEvents() ([]drm.Event, error) {
	evs := f.events
	f.events = nil
	return evs, nil
}

func (f *fakeKMS) SetActive(active bool) { f.active = active }

// fakeBufferSource hands out distinct in-memory buffers.
type fakeBufferSource struct {
	next    uint32
	created int
	fail    bool
}

type fakeBuffer struct {
	dmabuf    *allocator.Dmabuf
	fb        drm.FramebufferID
	destroyed bool
}

func (b *fakeBuffer) Dmabuf() *allocator.Dmabuf      { return b.dmabuf }
func (b *fakeBuffer) Framebuffer() drm.FramebufferID { return b.fb }
func (b *fakeBuffer) Destroy()                       { b.destroyed = true }

func (s *fakeBufferSource) CreateBuffer(width, height uint32, formats []drm.Format) (Buffer, error) {
	if s.fail {
		return nil, fmt.Errorf("allocation refused")
	}
	s.next++
	s.created++
	return &fakeBuffer{
		dmabuf: &allocator.Dmabuf{Fd: -1, Width: width, Height: height, Pitch: width * 4},
		fb:     drm.FramebufferID(s.next),
	}, nil
}

// fakeRenderer satisfies Renderer without touching buffers.
type fakeRenderer struct {
	bound   *allocator.Dmabuf
	clears  int
	imports int
}

func (r *fakeRenderer) Bind(buf *allocator.Dmabuf) error { r.bound = buf; return nil }
func (r *fakeRenderer) Unbind()                          { r.bound = nil }
func (r *fakeRenderer) Clear(color [4]float32)           { r.clears++ }
func (r *fakeRenderer) Blit(t *render.Texture, x, y int) {}

func (r *fakeRenderer) ImportMemory(pix []byte, width, height int) (*render.Texture, error) {
	r.imports++
	return &render.Texture{Width: width, Height: height}, nil
}

type fakeGPUs struct {
	renderer      *fakeRenderer
	renderNode    drm.Node
	renderNodeErr error
	formats       []drm.Format
}

func newFakeGPUs() *fakeGPUs {
	return &fakeGPUs{
		renderer:   &fakeRenderer{},
		renderNode: drm.NodeFromDevNum(0xe280),
		formats:    []drm.Format{{Fourcc: drm.FormatXRGB8888, Modifier: drm.ModifierLinear}},
	}
}

func (g *fakeGPUs) Renderer(alloc, target drm.Node) (Renderer, error) {
	return g.renderer, nil
}

func (g *fakeGPUs) RenderNode(node drm.Node) (drm.Node, []drm.Format, error) {
	if g.renderNodeErr != nil {
		return 0, nil, g.renderNodeErr
	}
	return g.renderNode, g.formats, nil
}

func (g *fakeGPUs) EarlyImport(src, target drm.Node, buf *render.ClientBuffer) error {
	return nil
}

type fakeSession struct {
	nextFd   int
	open     map[int]string
	released []int
}

func newFakeSession() *fakeSession {
	return &fakeSession{nextFd: 100, open: make(map[int]string)}
}

func (s *fakeSession) Open(path string, flags int) (int, error) {
	s.nextFd++
	s.open[s.nextFd] = path
	return s.nextFd, nil
}

func (s *fakeSession) Release(fd int) error {
	delete(s.open, fd)
	s.released = append(s.released, fd)
	return nil
}

func (s *fakeSession) Seat() string { return "seat0" }

// fakeLoop records timers and idles for synchronous draining.
type fakeLoop struct {
	timers  []func()
	idles   []func()
	sources int
}

func (l *fakeLoop) AddFd(fd int, fn func()) (*eventloop.Source, error) {
	l.sources++
	return &eventloop.Source{}, nil
}

func (l *fakeLoop) Remove(s *eventloop.Source) { l.sources-- }

func (l *fakeLoop) AddTimer(d time.Duration, fn func()) error {
	l.timers = append(l.timers, fn)
	return nil
}

func (l *fakeLoop) Idle(fn func()) { l.idles = append(l.idles, fn) }

func (l *fakeLoop) drainIdles() {
	for len(l.idles) > 0 {
		idles := l.idles
		l.idles = nil
		for _, fn := range idles {
			fn()
		}
	}
}

func (l *fakeLoop) fireTimers() {
	timers := l.timers
	l.timers = nil
	for _, fn := range timers {
		fn()
	}
}

type fakeScene struct {
	renders  int
	lastAge  int
	rendered bool
	err      error
}

func newFakeScene() *fakeScene { return &fakeScene{rendered: true} }

func (s *fakeScene) RenderOutput(o *output.Output, space *output.Space, r Renderer, age int, elements []Element) (bool, error) {
	s.renders++
	s.lastAge = age
	if s.err != nil {
		return false, s.err
	}
	return s.rendered, nil
}
