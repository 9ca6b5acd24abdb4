// Package allocator manages scan-out buffer objects on a single DRM device.
// Buffers are kernel dumb buffers exported as dmabufs, which keeps them
// shareable across devices and mappable by the software render path.
package allocator

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/helixml/skylight/pkg/drm"
)

// Allocator creates buffer objects against one device descriptor. One
// allocator exists per opened device and is shared by every surface on it.
type Allocator struct {
	fd   int
	node drm.Node
}

// New binds an allocator to an opened device. The descriptor stays owned by
// the session gateway.
func New(fd int, node drm.Node) *Allocator {
	return &Allocator{fd: fd, node: node}
}

// Node returns the device the allocator allocates on.
func (a *Allocator) Node() drm.Node { return a.node }

// Create allocates a buffer object. Only the linear modifier is supported
// by dumb buffers; other requested modifiers are rejected so callers fall
// back explicitly.
func (a *Allocator) Create(width, height uint32, format drm.Fourcc, modifiers []uint64) (*BufferObject, error) {
	if !modifierOK(modifiers) {
		return nil, fmt.Errorf("allocator on %s only supports the linear modifier", a.node)
	}
	handle, pitch, size, err := drm.CreateDumbBuffer(a.fd, width, height, 32)
	if err != nil {
		return nil, err
	}
	return &BufferObject{
		alloc:  a,
		handle: handle,
		width:  width,
		height: height,
		pitch:  pitch,
		size:   size,
		format: format,
	}, nil
}

func modifierOK(modifiers []uint64) bool {
	if len(modifiers) == 0 {
		return true
	}
	for _, m := range modifiers {
		if m == drm.ModifierLinear {
			return true
		}
	}
	return false
}

// BufferObject is one scan-out buffer owned by its creating allocator.
type BufferObject struct {
	alloc  *Allocator
	handle uint32
	width  uint32
	height uint32
	pitch  uint32
	size   uint64
	format drm.Fourcc
}

// Handle returns the kernel GEM handle.
func (b *BufferObject) Handle() uint32 { return b.handle }

// Pitch returns the row stride in bytes.
func (b *BufferObject) Pitch() uint32 { return b.pitch }

// Size returns the allocation size in bytes.
func (b *BufferObject) Size() uint64 { return b.size }

// Width returns the buffer width in pixels.
func (b *BufferObject) Width() uint32 { return b.width }

// Height returns the buffer height in pixels.
func (b *BufferObject) Height() uint32 { return b.height }

// Format returns the pixel format.
func (b *BufferObject) Format() drm.Fourcc { return b.format }

// ExportDmabuf exports the buffer as a cross-device dmabuf. The caller owns
// the returned handle and must Close it.
func (b *BufferObject) ExportDmabuf() (*Dmabuf, error) {
	fd, err := drm.ExportPrimeFD(b.alloc.fd, b.handle)
	if err != nil {
		return nil, err
	}
	return &Dmabuf{
		Fd:     fd,
		Width:  b.width,
		Height: b.height,
		Pitch:  b.pitch,
		Size:   b.size,
		Format: b.format,
	}, nil
}

// Destroy releases the buffer object.
func (b *BufferObject) Destroy() error {
	return drm.DestroyDumbBuffer(b.alloc.fd, b.handle)
}

// Dmabuf is a shareable buffer handle. Renderers map it to reach the
// pixels; the kernel scans it out through a framebuffer registration.
type Dmabuf struct {
	Fd     int
	Width  uint32
	Height uint32
	Pitch  uint32
	Size   uint64
	Format drm.Fourcc

	data []byte
}

// Map maps the buffer into the process, caching the mapping.
func (d *Dmabuf) Map() ([]byte, error) {
	if d.data != nil {
		return d.data, nil
	}
	data, err := unix.Mmap(d.Fd, 0, int(d.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("map dmabuf: %w", err)
	}
	d.data = data
	return data, nil
}

// Unmap drops the cached mapping.
func (d *Dmabuf) Unmap() {
	if d.data != nil {
		_ = unix.Munmap(d.data)
		d.data = nil
	}
}

// Close unmaps and closes the dmabuf descriptor.
func (d *Dmabuf) Close() {
	d.Unmap()
	if d.Fd >= 0 {
		_ = unix.Close(d.Fd)
		d.Fd = -1
	}
}
