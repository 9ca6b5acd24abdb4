package backend

import (
	"github.com/helixml/skylight/pkg/drm"
	"github.com/helixml/skylight/pkg/output"
)

// Surface is one driven CRTC: the kernel surface, the swapchain rendered
// into it, and the logical output registered on its behalf. The render
// node records which GPU its framebuffers are drawn on.
type Surface struct {
	node       drm.Node
	renderNode drm.Node
	crtc       drm.CrtcID
	kernel     KernelSurface
	swap       *swapchain
	output     *output.Output
}

// Output returns the logical output registered for this surface.
func (s *Surface) Output() *output.Output { return s.output }

// RenderNode returns the GPU backing this surface's rendering.
func (s *Surface) RenderNode() drm.Node { return s.renderNode }

// Crtc returns the driven CRTC.
func (s *Surface) Crtc() drm.CrtcID { return s.crtc }

func (s *Surface) destroy(space *output.Space) {
	space.UnmapOutput(s.output)
	s.swap.Destroy()
}
