package backend

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/helixml/skylight/pkg/cursor"
	"github.com/helixml/skylight/pkg/drm"
	"github.com/helixml/skylight/pkg/render"
)

// clearColor is drawn behind client content and into primed first frames.
var clearColor = [4]float32{0.8, 0.8, 0.9, 1.0}

// frameRetryDelay paces retries of transiently failed frames at roughly
// one refresh interval.
const frameRetryDelay = time.Second / 60

// maxInitialRenderAttempts bounds how often a surface's priming frame is
// retried before the surface is left for the next device event.
const maxInitialRenderAttempts = 3

// Render draws one frame. With crtc set only that surface renders;
// otherwise every surface of the device does.
func (b *Backend) Render(node drm.Node, crtc *drm.CrtcID) {
	rec, ok := b.devices[node]
	if !ok {
		log.Error().Str("device", node.String()).Msg("Trying to render on non-existent backend")
		return
	}

	type target struct {
		crtc    drm.CrtcID
		surface *Surface
	}
	var targets []target
	if crtc != nil {
		if s, ok := rec.surfaces[*crtc]; ok {
			targets = append(targets, target{*crtc, s})
		}
	} else {
		for c, s := range rec.surfaces {
			targets = append(targets, target{c, s})
		}
	}

	elapsed := uint32(time.Since(b.start).Milliseconds())

	for _, t := range targets {
		frame := b.pointerImage.Frame(elapsed)

		renderer, err := b.gpus.Renderer(b.primary, t.surface.renderNode)
		if err != nil {
			log.Warn().Err(err).Str("device", node.String()).Msg("No renderer for surface")
			continue
		}
		pointerTex := b.pointerTexture(renderer, frame)

		rendered, err := b.renderSurface(t.surface, renderer, pointerTex)

		reschedule := false
		if err != nil {
			log.Warn().Err(err).Msg("Error during rendering")
			switch {
			case drm.IsAlreadySwapped(err):
				// A frame is already pending; the next vblank drives us.
			case drm.IsContextLost(err):
				b.fatal(err)
				return
			default:
				reschedule = !drm.IsSuspendInduced(err)
			}
		} else {
			reschedule = !rendered
		}

		if reschedule {
			crtcCopy := t.crtc
			if err := b.loop.AddTimer(frameRetryDelay, func() { b.Render(node, &crtcCopy) }); err != nil {
				log.Warn().Err(err).Msg("Failed to schedule frame timer")
			}
		}

		// Send frame events so clients start drawing their next frame.
		b.space.SendFrames(elapsed)
	}
}

// renderSurface draws one frame into the surface's next buffer and queues
// it for scan-out. It reports whether the scene drew anything; a surface
// whose output is no longer mapped reports true without drawing, so no
// retry is scheduled for it.
func (b *Backend) renderSurface(s *Surface, r Renderer, pointerTex *render.Texture) (bool, error) {
	s.swap.FrameSubmitted()

	out := b.findOutput(s.node, s.crtc)
	if out == nil {
		// Stale vblank for an output that got unmapped mid-flight.
		return true, nil
	}
	geom := b.space.Geometry(out)

	dmabuf, age, err := s.swap.NextBuffer()
	if err != nil {
		return false, err
	}
	if err := r.Bind(dmabuf); err != nil {
		return false, err
	}

	var elements []Element
	if pointerTex != nil && b.pointerLocation.In(geom) {
		elements = append(elements, Element{Texture: pointerTex, Position: b.pointerLocation})
	}

	rendered, err := b.scene.RenderOutput(out, b.space, r, age, elements)
	if err != nil {
		return false, err
	}
	if rendered {
		if err := s.swap.QueueBuffer(); err != nil {
			return false, err
		}
	}
	return rendered, nil
}

// pointerTexture returns the cached texture for a cursor frame, importing
// it on first sight.
func (b *Backend) pointerTexture(r Renderer, frame *cursor.Image) *render.Texture {
	key := frame.Fingerprint()
	if tex, ok := b.pointerTextures.Get(key); ok {
		return tex
	}
	tex, err := r.ImportMemory(frame.Pixels, frame.Width, frame.Height)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to import cursor bitmap")
		return nil
	}
	b.pointerTextures.Add(key, tex)
	return tex
}

// scheduleInitialRender queues an empty clear-color frame so the first
// vblank arrives and the regular frame loop takes over. Transient failures
// retry from an idle callback a bounded number of times.
func (b *Backend) scheduleInitialRender(node drm.Node, crtc drm.CrtcID, attempt int) {
	rec, ok := b.devices[node]
	if !ok {
		return
	}
	s, ok := rec.surfaces[crtc]
	if !ok {
		// The surface went away while the retry was queued.
		return
	}

	renderer, err := b.gpus.Renderer(s.renderNode, s.renderNode)
	if err != nil {
		log.Warn().Err(err).Msg("No renderer for initial frame")
		return
	}

	err = initialRender(s, renderer)
	if err == nil {
		return
	}
	switch {
	case drm.IsAlreadySwapped(err):
	case drm.IsContextLost(err):
		b.fatal(err)
	default:
		if attempt+1 >= maxInitialRenderAttempts {
			log.Warn().Err(err).Msgf("Giving up on initial frame for crtc %d after %d attempts", crtc, attempt+1)
			return
		}
		log.Warn().Err(err).Msg("Failed to submit page flip, retrying")
		b.loop.Idle(func() { b.scheduleInitialRender(node, crtc, attempt+1) })
	}
}

// initialRender clears the next buffer and queues it. The swapchain ages
// are reset afterwards; the cleared frame carries no reusable content.
func initialRender(s *Surface, r Renderer) error {
	dmabuf, _, err := s.swap.NextBuffer()
	if err != nil {
		return err
	}
	if err := r.Bind(dmabuf); err != nil {
		return err
	}
	r.Clear(clearColor)
	if err := s.swap.QueueBuffer(); err != nil {
		return err
	}
	s.swap.ResetBuffers()
	return nil
}
