// Package backend ties the display stack together: it owns the live
// devices with their connector scans, render surfaces and event
// dispatchers, schedules the per-CRTC frame loop, and mediates the calls
// the compositor makes into the display layer. Everything runs on the
// single-threaded event loop; there is no shared-memory concurrency here.
package backend

import (
	"image"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/helixml/skylight/pkg/cursor"
	"github.com/helixml/skylight/pkg/drm"
	"github.com/helixml/skylight/pkg/eventloop"
	"github.com/helixml/skylight/pkg/output"
	"github.com/helixml/skylight/pkg/render"
	"github.com/helixml/skylight/pkg/session"
)

// pointerCacheSize bounds the pointer texture cache. Cursor themes carry
// dozens of distinct frames at most.
const pointerCacheSize = 64

type deviceRecord struct {
	fd       int
	device   KMS
	buffers  BufferSource
	surfaces map[drm.CrtcID]*Surface
	source   *eventloop.Source
}

// Config wires a Backend. Session, Loop, Space, GPUs and Scene are
// required; OpenDevice and Cursor default to the production
// implementations.
type Config struct {
	Session    Session
	Loop       LoopHandle
	Space      *output.Space
	GPUs       GPUs
	Scene      SceneRenderer
	PrimaryGPU drm.Node
	OpenDevice DeviceOpener
	Cursor     *cursor.Cursor
}

// Backend is the display backend state.
type Backend struct {
	session Session
	loop    LoopHandle
	space   *output.Space
	gpus    GPUs
	scene   SceneRenderer
	primary drm.Node

	devices map[drm.Node]*deviceRecord

	openDevice DeviceOpener

	pointerImage    *cursor.Cursor
	pointerTextures *lru.Cache[uint64, *render.Texture]
	pointerLocation image.Point

	start time.Time

	// fatal terminates the process on unrecoverable rendering errors;
	// swappable for tests.
	fatal func(err error)
}

// New creates a backend. Devices arrive later through DeviceAdded.
func New(cfg Config) *Backend {
	if cfg.OpenDevice == nil {
		cfg.OpenDevice = OpenDevice
	}
	if cfg.Cursor == nil {
		cfg.Cursor = cursor.Load()
	}
	cache, err := lru.New[uint64, *render.Texture](pointerCacheSize)
	if err != nil {
		panic(err) // only fails for non-positive sizes
	}
	return &Backend{
		session:         cfg.Session,
		loop:            cfg.Loop,
		space:           cfg.Space,
		gpus:            cfg.GPUs,
		scene:           cfg.Scene,
		primary:         cfg.PrimaryGPU,
		devices:         make(map[drm.Node]*deviceRecord),
		openDevice:      cfg.OpenDevice,
		pointerImage:    cfg.Cursor,
		pointerTextures: cache,
		start:           time.Now(),
		fatal: func(err error) {
			log.Fatal().Err(err).Msg("Rendering loop lost")
		},
	}
}

// SeatName returns the session's seat.
func (b *Backend) SeatName() string { return b.session.Seat() }

// PrimaryGPU returns the chosen default allocation node.
func (b *Backend) PrimaryGPU() drm.Node { return b.primary }

// SetPointerLocation records the pointer position in global coordinates.
func (b *Backend) SetPointerLocation(p image.Point) { b.pointerLocation = p }

// ResetBuffers invalidates age accounting for the surface behind an
// output, forcing a full redraw on the next frame.
func (b *Backend) ResetBuffers(o *output.Output) {
	tag, ok := o.Tag().(Tag)
	if !ok {
		return
	}
	rec, ok := b.devices[tag.Node]
	if !ok {
		return
	}
	if s, ok := rec.surfaces[tag.Crtc]; ok {
		s.swap.ResetBuffers()
	}
}

// EarlyImport pre-uploads a client buffer to the primary GPU. Best effort;
// failure is logged by the GPU manager.
func (b *Backend) EarlyImport(buf *render.ClientBuffer) {
	_ = b.gpus.EarlyImport(b.primary, b.primary, buf)
}

const openFlags = unix.O_RDWR | unix.O_CLOEXEC | unix.O_NOCTTY | unix.O_NONBLOCK

// DeviceAdded opens a device through the session, scans its connectors and
// starts driving the discovered CRTCs.
func (b *Backend) DeviceAdded(devNum uint64, path string) {
	node := drm.NodeFromDevNum(devNum)
	if _, exists := b.devices[node]; exists {
		return
	}

	fd, err := b.session.Open(path, openFlags)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msgf("Skipping device %s, because of session error", node)
		return
	}

	dev, bufs, err := b.openDevice(fd, node)
	if err != nil {
		log.Warn().Err(err).Msgf("Skipping device %s, because of drm error", node)
		_ = b.session.Release(fd)
		return
	}

	surfaces := b.scanConnectors(node, dev, bufs)

	source, err := b.loop.AddFd(dev.Fd(), func() { b.dispatchDeviceEvents(node) })
	if err != nil {
		log.Warn().Err(err).Msgf("Skipping device %s, event registration failed", node)
		for _, s := range surfaces {
			s.destroy(b.space)
		}
		b.space.FixupPositions()
		_ = b.session.Release(fd)
		return
	}

	b.devices[node] = &deviceRecord{
		fd:       fd,
		device:   dev,
		buffers:  bufs,
		surfaces: surfaces,
		source:   source,
	}

	for crtc := range surfaces {
		log.Trace().Msg("Scheduling frame")
		b.scheduleInitialRender(node, crtc, 0)
	}
}

// DeviceChanged handles connector hotplug with a full re-scan: unmap all
// the device's outputs, scan again, remap. Quick and dirty, but there is
// no partial state to get wrong. Output positions are re-flowed.
func (b *Backend) DeviceChanged(devNum uint64) {
	node := drm.NodeFromDevNum(devNum)
	rec, ok := b.devices[node]
	if !ok {
		return
	}

	for _, s := range rec.surfaces {
		s.destroy(b.space)
	}
	rec.surfaces = b.scanConnectors(node, rec.device, rec.buffers)
	b.space.FixupPositions()

	for crtc := range rec.surfaces {
		b.scheduleInitialRender(node, crtc, 0)
	}
}

// DeviceRemoved tears a device down. The surface map is cleared before the
// event-loop source is detached, so a vblank racing the removal finds no
// surface instead of a dangling one; the descriptor is released last.
func (b *Backend) DeviceRemoved(devNum uint64) {
	node := drm.NodeFromDevNum(devNum)
	rec, ok := b.devices[node]
	if !ok {
		return
	}
	delete(b.devices, node)

	for _, s := range rec.surfaces {
		s.destroy(b.space)
	}
	rec.surfaces = make(map[drm.CrtcID]*Surface)
	log.Debug().Msg("Surfaces dropped")

	b.space.FixupPositions()

	b.loop.Remove(rec.source)
	_ = b.session.Release(rec.fd)
	log.Debug().Msg("Dropping device")
}

// dispatchDeviceEvents drains the device's kernel events. Flip completions
// drive the next frame for their CRTC.
func (b *Backend) dispatchDeviceEvents(node drm.Node) {
	rec, ok := b.devices[node]
	if !ok {
		return
	}
	events, err := rec.device.ReadEvents()
	if err != nil {
		log.Error().Err(err).Str("device", node.String()).Msg("Failed to read drm events")
		return
	}
	for _, ev := range events {
		crtc := ev.Crtc
		b.Render(node, &crtc)
	}
}

// HandleSessionSignal reacts to session pause/resume. Deactivated devices
// stop submitting; reactivated ones get an idle render to restart their
// frame loops.
func (b *Backend) HandleSessionSignal(sig session.Signal) {
	switch sig.Kind {
	case session.Paused:
		for _, rec := range b.devices {
			rec.device.SetActive(false)
		}
	case session.Resumed:
		for node, rec := range b.devices {
			rec.device.SetActive(true)
			node := node
			b.loop.Idle(func() { b.Render(node, nil) })
		}
	case session.DeviceDeactivated:
		if rec, ok := b.devices[sig.Node]; ok {
			rec.device.SetActive(false)
		}
	case session.DeviceActivated:
		if rec, ok := b.devices[sig.Node]; ok {
			rec.device.SetActive(true)
			node := sig.Node
			b.loop.Idle(func() { b.Render(node, nil) })
		}
	}
}

// findOutput reverse-looks-up the output mapped for (node, crtc).
func (b *Backend) findOutput(node drm.Node, crtc drm.CrtcID) *output.Output {
	for _, o := range b.space.Outputs() {
		if tag, ok := o.Tag().(Tag); ok && tag.Node == node && tag.Crtc == crtc {
			return o
		}
	}
	return nil
}
