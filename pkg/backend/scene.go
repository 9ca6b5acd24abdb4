package backend

import (
	"github.com/helixml/skylight/pkg/output"
)

// BasicScene is a minimal scene renderer: clear color plus overlay
// elements. The full compositor swaps in its own SceneRenderer; this one
// keeps the backend usable stand-alone.
type BasicScene struct {
	ClearColor [4]float32
}

// NewBasicScene returns a scene drawing the default clear color.
func NewBasicScene() *BasicScene {
	return &BasicScene{ClearColor: clearColor}
}

// RenderOutput draws the scene for one output.
func (s *BasicScene) RenderOutput(o *output.Output, space *output.Space, r Renderer, age int, elements []Element) (bool, error) {
	geom := space.Geometry(o)
	r.Clear(s.ClearColor)
	for _, el := range elements {
		r.Blit(el.Texture, el.Position.X-geom.Min.X, el.Position.Y-geom.Min.Y)
	}
	return true, nil
}
