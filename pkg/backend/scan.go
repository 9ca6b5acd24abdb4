package backend

import (
	"fmt"
	"image"

	"github.com/rs/zerolog/log"

	"github.com/helixml/skylight/pkg/drm"
	"github.com/helixml/skylight/pkg/output"
)

// scanConnectors discovers the connected outputs of a device and assigns
// each a CRTC, a mode and a render surface. The connector/encoder/CRTC
// assignment problem is NP-complete in general; this is the greedy
// first-fit approximation in device-reported order.
func (b *Backend) scanConnectors(node drm.Node, dev KMS, bufs BufferSource) map[drm.CrtcID]*Surface {
	surfaces := make(map[drm.CrtcID]*Surface)

	res, err := dev.Resources()
	if err != nil {
		log.Warn().Err(err).Str("device", node.String()).Msg("Failed to query device resources")
		return surfaces
	}

	var connected []*drm.ConnectorInfo
	for _, id := range res.Connectors {
		info, err := dev.Connector(id)
		if err != nil {
			log.Warn().Err(err).Uint32("connector", uint32(id)).Msg("Failed to query connector")
			continue
		}
		if !info.Connected {
			continue
		}
		log.Info().Msgf("Connected: %s", info.Type)
		connected = append(connected, info)
	}

	renderNode, formats, err := b.gpus.RenderNode(node)
	if err != nil {
		log.Warn().Err(err).Str("device", node.String()).Msg("No render node for device")
		return surfaces
	}

	for _, info := range connected {
		var crtcs []drm.CrtcID
		for _, eid := range info.Encoders {
			enc, err := dev.Encoder(eid)
			if err != nil {
				continue
			}
			crtcs = append(crtcs, res.FilterCrtcs(enc.PossibleCrtcs)...)
		}

		for _, crtc := range crtcs {
			// Skip CRTCs used by previous connectors.
			if _, used := surfaces[crtc]; used {
				continue
			}

			log.Info().Msgf("Trying to setup connector %s-%d with crtc %d",
				info.Type.ShortName(), info.TypeID, crtc)

			if len(info.Modes) == 0 {
				log.Warn().Msgf("Connector %s-%d has no modes", info.Type.ShortName(), info.TypeID)
				break
			}
			mode := info.Modes[0]

			kernel, err := dev.CreateSurface(crtc, mode, []drm.ConnectorID{info.ID})
			if err != nil {
				log.Warn().Err(err).Msg("Failed to create drm surface")
				continue
			}

			swap, err := newSwapchain(bufs, kernel, formats)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to create rendering surface")
				continue
			}

			out := output.New(
				fmt.Sprintf("%s-%d", info.Type.ShortName(), info.TypeID),
				output.PhysicalProperties{
					WidthMM:  info.PhysWidthMM,
					HeightMM: info.PhysHeightMM,
					Subpixel: output.SubpixelUnknown,
					Make:     "Smithay",
					Model:    "Generic DRM",
				},
			)
			m := output.Mode{
				Width:      mode.Width,
				Height:     mode.Height,
				RefreshMHz: mode.RefreshHz * 1000,
			}
			out.SetCurrentMode(m)
			out.SetPreferred(m)

			// Simple left-to-right layout; the compositor may reassign
			// positions later.
			x := 0
			for _, o := range b.space.Outputs() {
				x += b.space.Geometry(o).Dx()
			}
			if err := b.space.MapOutput(out, image.Pt(x, 0)); err != nil {
				log.Warn().Err(err).Msg("Failed to map output")
				swap.Destroy()
				continue
			}
			out.SetTag(Tag{Node: node, Crtc: crtc})

			surfaces[crtc] = &Surface{
				node:       node,
				renderNode: renderNode,
				crtc:       crtc,
				kernel:     kernel,
				swap:       swap,
				output:     out,
			}
			break
		}
	}

	return surfaces
}
