package backend

import (
	"fmt"

	"github.com/helixml/skylight/pkg/allocator"
	"github.com/helixml/skylight/pkg/drm"
)

// OpenDevice is the production DeviceOpener: a DRM device wrapper plus a
// dumb-buffer source over the same descriptor.
func OpenDevice(fd int, node drm.Node) (KMS, BufferSource, error) {
	dev := drm.NewDevice(fd, node)
	return kmsDevice{dev}, &deviceBuffers{dev: dev, alloc: allocator.New(fd, node)}, nil
}

// kmsDevice adapts *drm.Device to the KMS interface (the concrete
// CreateSurface returns *drm.Surface).
type kmsDevice struct {
	*drm.Device
}

func (d kmsDevice) CreateSurface(crtc drm.CrtcID, mode drm.ModeInfo, connectors []drm.ConnectorID) (KernelSurface, error) {
	return d.Device.CreateSurface(crtc, mode, connectors)
}

// deviceBuffers allocates scan-out buffers and registers framebuffers on
// one device.
type deviceBuffers struct {
	dev   *drm.Device
	alloc *allocator.Allocator
}

func (b *deviceBuffers) CreateBuffer(width, height uint32, formats []drm.Format) (Buffer, error) {
	fourcc, modifiers, err := pickFormat(formats)
	if err != nil {
		return nil, err
	}
	bo, err := b.alloc.Create(width, height, fourcc, modifiers)
	if err != nil {
		return nil, err
	}
	dmabuf, err := bo.ExportDmabuf()
	if err != nil {
		_ = bo.Destroy()
		return nil, err
	}
	fb, err := b.dev.AddFramebuffer(width, height, bo.Pitch(), bo.Handle(), fourcc, drm.ModifierLinear)
	if err != nil {
		dmabuf.Close()
		_ = bo.Destroy()
		return nil, err
	}
	return &deviceBuffer{dev: b.dev, bo: bo, dmabuf: dmabuf, fb: fb}, nil
}

// pickFormat chooses the scan-out format from the render node's dmabuf
// format set, preferring the baseline XRGB8888.
func pickFormat(formats []drm.Format) (drm.Fourcc, []uint64, error) {
	if len(formats) == 0 {
		return drm.FormatXRGB8888, nil, nil
	}
	pick := func(want drm.Fourcc) ([]uint64, bool) {
		var mods []uint64
		found := false
		for _, f := range formats {
			if f.Fourcc == want {
				found = true
				mods = append(mods, f.Modifier)
			}
		}
		return mods, found
	}
	if mods, ok := pick(drm.FormatXRGB8888); ok {
		return drm.FormatXRGB8888, mods, nil
	}
	if mods, ok := pick(drm.FormatARGB8888); ok {
		return drm.FormatARGB8888, mods, nil
	}
	return 0, nil, fmt.Errorf("no renderable scan-out format")
}

type deviceBuffer struct {
	dev    *drm.Device
	bo     *allocator.BufferObject
	dmabuf *allocator.Dmabuf
	fb     drm.FramebufferID
}

func (b *deviceBuffer) Dmabuf() *allocator.Dmabuf       { return b.dmabuf }
func (b *deviceBuffer) Framebuffer() drm.FramebufferID  { return b.fb }

func (b *deviceBuffer) Destroy() {
	_ = b.dev.RemoveFramebuffer(b.fb)
	b.dmabuf.Close()
	_ = b.bo.Destroy()
}
