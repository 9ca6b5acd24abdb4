// Package render implements the rendering layer behind the display
// backend: per-node rendering contexts over dmabuf-mapped buffer objects,
// and a GPU manager that hands out renderers keyed by (allocation node,
// target node). Renderers draw by CPU into mapped dmabufs and textures are
// plain memory, so one texture type serves every node. A renderer whose two
// nodes differ behaves exactly like one whose nodes match: no import step
// happens implicitly, and another device's buffer becomes a texture only
// through an explicit ImportDmabuf call.
package render

import (
	"fmt"
	"hash/fnv"

	"github.com/rs/zerolog/log"

	"github.com/helixml/skylight/pkg/allocator"
	"github.com/helixml/skylight/pkg/drm"
)

// Texture is an uploaded image, sampleable by any renderer the manager
// hands out regardless of which node the source pixels lived on.
type Texture struct {
	Width  int
	Height int
	// pix is tightly packed RGBA.
	pix []byte
}

// Fingerprint hashes the texture contents; equal pixels hash equal.
func (t *Texture) Fingerprint() uint64 {
	h := fnv.New64a()
	_, _ = h.Write(t.pix)
	return h.Sum64()
}

// ClientBuffer is a client-supplied image eligible for early import.
type ClientBuffer struct {
	Width  int
	Height int
	// Pixels is tightly packed RGBA.
	Pixels []byte
}

// Display wraps a buffer-allocation device and resolves the render node
// that will back rendering for its surfaces.
type Display struct {
	node       drm.Node
	renderNode drm.Node
	formats    []drm.Format
}

// NewDisplay opens a rendering display over the device identified by node.
func NewDisplay(node drm.Node) (*Display, error) {
	renderNode, err := node.RenderNode()
	if err != nil {
		return nil, fmt.Errorf("resolve render node: %w", err)
	}
	return &Display{
		node:       node,
		renderNode: renderNode,
		formats: []drm.Format{
			{Fourcc: drm.FormatXRGB8888, Modifier: drm.ModifierLinear},
			{Fourcc: drm.FormatARGB8888, Modifier: drm.ModifierLinear},
		},
	}, nil
}

// RenderNode returns the GPU that backs rendering for this display.
func (d *Display) RenderNode() drm.Node { return d.renderNode }

// Formats lists the dmabuf formats renderable on this display.
func (d *Display) Formats() []drm.Format { return d.formats }

// Renderer is a rendering context whose buffers are allocated on one node
// and whose textures are sampled on another.
type Renderer struct {
	allocNode  drm.Node
	targetNode drm.Node

	bound    *allocator.Dmabuf
	fb       []byte
	imported map[*ClientBuffer]*Texture
}

func newRenderer(alloc, target drm.Node) *Renderer {
	return &Renderer{
		allocNode:  alloc,
		targetNode: target,
		imported:   make(map[*ClientBuffer]*Texture),
	}
}

// Bind targets subsequent draw calls at the dmabuf.
func (r *Renderer) Bind(buf *allocator.Dmabuf) error {
	data, err := buf.Map()
	if err != nil {
		return &drm.ContextLostError{Err: err}
	}
	r.bound = buf
	r.fb = data
	return nil
}

// Unbind releases the current draw target. The mapping stays cached on the
// dmabuf for the next frame.
func (r *Renderer) Unbind() {
	r.bound = nil
	r.fb = nil
}

// Clear fills the bound buffer with an RGBA color (components in 0..1).
func (r *Renderer) Clear(color [4]float32) {
	if r.bound == nil {
		return
	}
	b := byte(clamp01(color[2]) * 255)
	g := byte(clamp01(color[1]) * 255)
	rr := byte(clamp01(color[0]) * 255)
	pitch := int(r.bound.Pitch)
	for y := 0; y < int(r.bound.Height); y++ {
		row := r.fb[y*pitch:]
		for x := 0; x < int(r.bound.Width); x++ {
			// XRGB8888 little endian: B G R X
			row[x*4+0] = b
			row[x*4+1] = g
			row[x*4+2] = rr
			row[x*4+3] = 0xff
		}
	}
}

// Blit draws a texture at (x, y) with source-over blending.
func (r *Renderer) Blit(t *Texture, x, y int) {
	if r.bound == nil || t == nil {
		return
	}
	pitch := int(r.bound.Pitch)
	fbW, fbH := int(r.bound.Width), int(r.bound.Height)
	for ty := 0; ty < t.Height; ty++ {
		dy := y + ty
		if dy < 0 || dy >= fbH {
			continue
		}
		for tx := 0; tx < t.Width; tx++ {
			dx := x + tx
			if dx < 0 || dx >= fbW {
				continue
			}
			src := t.pix[(ty*t.Width+tx)*4:]
			alpha := uint32(src[3])
			if alpha == 0 {
				continue
			}
			dst := r.fb[dy*pitch+dx*4:]
			inv := 255 - alpha
			dst[0] = byte((uint32(src[2])*alpha + uint32(dst[0])*inv) / 255)
			dst[1] = byte((uint32(src[1])*alpha + uint32(dst[1])*inv) / 255)
			dst[2] = byte((uint32(src[0])*alpha + uint32(dst[2])*inv) / 255)
			dst[3] = 0xff
		}
	}
}

// ImportMemory uploads tightly packed RGBA pixels as a texture.
func (r *Renderer) ImportMemory(pix []byte, width, height int) (*Texture, error) {
	if len(pix) < width*height*4 {
		return nil, fmt.Errorf("import %dx%d: short pixel buffer (%d bytes)", width, height, len(pix))
	}
	t := &Texture{Width: width, Height: height, pix: make([]byte, width*height*4)}
	copy(t.pix, pix)
	return t, nil
}

// ImportDmabuf imports another device's buffer as a texture.
func (r *Renderer) ImportDmabuf(buf *allocator.Dmabuf) (*Texture, error) {
	data, err := buf.Map()
	if err != nil {
		return nil, err
	}
	w, h := int(buf.Width), int(buf.Height)
	pitch := int(buf.Pitch)
	t := &Texture{Width: w, Height: h, pix: make([]byte, w*h*4)}
	for y := 0; y < h; y++ {
		row := data[y*pitch:]
		for x := 0; x < w; x++ {
			// XRGB8888 -> RGBA
			t.pix[(y*w+x)*4+0] = row[x*4+2]
			t.pix[(y*w+x)*4+1] = row[x*4+1]
			t.pix[(y*w+x)*4+2] = row[x*4+0]
			t.pix[(y*w+x)*4+3] = 0xff
		}
	}
	return t, nil
}

// ImportBuffer returns the cached texture for a client buffer, importing it
// on first use.
func (r *Renderer) ImportBuffer(buf *ClientBuffer) (*Texture, error) {
	if t, ok := r.imported[buf]; ok {
		return t, nil
	}
	t, err := r.ImportMemory(buf.Pixels, buf.Width, buf.Height)
	if err != nil {
		return nil, err
	}
	r.imported[buf] = t
	return t, nil
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

type rendererKey struct {
	alloc  drm.Node
	target drm.Node
}

// Manager caches rendering contexts per (allocation node, target node) and
// resolves render nodes for scan-out devices.
type Manager struct {
	renderers map[rendererKey]*Renderer
	displays  map[drm.Node]*Display
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		renderers: make(map[rendererKey]*Renderer),
		displays:  make(map[drm.Node]*Display),
	}
}

// Renderer returns the context for buffers allocated on alloc and sampled
// on target, creating it on first use.
func (m *Manager) Renderer(alloc, target drm.Node) (*Renderer, error) {
	key := rendererKey{alloc: alloc, target: target}
	if r, ok := m.renderers[key]; ok {
		return r, nil
	}
	r := newRenderer(alloc, target)
	m.renderers[key] = r
	return r, nil
}

// Display returns the cached rendering display for a scan-out device.
func (m *Manager) Display(node drm.Node) (*Display, error) {
	if d, ok := m.displays[node]; ok {
		return d, nil
	}
	d, err := NewDisplay(node)
	if err != nil {
		return nil, err
	}
	m.displays[node] = d
	return d, nil
}

// EarlyImport pre-uploads a client buffer for sampling on target. Failure
// is logged and never fatal; the render pass imports lazily anyway.
func (m *Manager) EarlyImport(src, target drm.Node, buf *ClientBuffer) error {
	r, err := m.Renderer(src, target)
	if err != nil {
		return err
	}
	if _, err := r.ImportBuffer(buf); err != nil {
		log.Warn().Err(err).
			Str("source", src.String()).
			Str("target", target.String()).
			Msg("Early buffer import failed")
		return err
	}
	return nil
}
