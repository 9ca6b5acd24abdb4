package backend

import (
	"github.com/helixml/skylight/pkg/drm"
	"github.com/helixml/skylight/pkg/render"
)

// WrapGPUs adapts the concrete GPU manager to the backend's routing
// interface.
func WrapGPUs(m *render.Manager) GPUs {
	return gpuManager{m: m}
}

type gpuManager struct {
	m *render.Manager
}

func (g gpuManager) Renderer(alloc, target drm.Node) (Renderer, error) {
	return g.m.Renderer(alloc, target)
}

func (g gpuManager) RenderNode(node drm.Node) (drm.Node, []drm.Format, error) {
	d, err := g.m.Display(node)
	if err != nil {
		return 0, nil, err
	}
	return d.RenderNode(), d.Formats(), nil
}

func (g gpuManager) EarlyImport(src, target drm.Node, buf *render.ClientBuffer) error {
	return g.m.EarlyImport(src, target, buf)
}
