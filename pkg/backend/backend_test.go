package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/skylight/pkg/drm"
	"github.com/helixml/skylight/pkg/output"
	"github.com/helixml/skylight/pkg/session"
)

const (
	testDevNum  = uint64(0xe200)
	testPath    = "/dev/dri/card0"
	crtcA       = drm.CrtcID(40)
	crtcB       = drm.CrtcID(41)
	encoderA    = drm.EncoderID(30)
	encoderB    = drm.EncoderID(31)
	connectorA  = drm.ConnectorID(50)
	connectorB  = drm.ConnectorID(51)
)

var (
	modeFHD = drm.ModeInfo{Width: 1920, Height: 1080, RefreshHz: 60}
	modeQHD = drm.ModeInfo{Width: 2560, Height: 1440, RefreshHz: 144}
)

type harness struct {
	backend *Backend
	kms     *fakeKMS
	bufs    *fakeBufferSource
	gpus    *fakeGPUs
	sess    *fakeSession
	loop    *fakeLoop
	scene   *fakeScene
	space   *output.Space
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		kms:   newFakeKMS(),
		bufs:  &fakeBufferSource{},
		gpus:  newFakeGPUs(),
		sess:  newFakeSession(),
		loop:  &fakeLoop{},
		scene: newFakeScene(),
		space: output.NewSpace(),
	}
	h.kms.res.Crtcs = []drm.CrtcID{crtcA, crtcB}
	h.backend = New(Config{
		Session:    h.sess,
		Loop:       h.loop,
		Space:      h.space,
		GPUs:       h.gpus,
		Scene:      h.scene,
		PrimaryGPU: h.gpus.renderNode,
		OpenDevice: func(fd int, node drm.Node) (KMS, BufferSource, error) {
			return h.kms, h.bufs, nil
		},
	})
	h.backend.fatal = func(err error) {
		t.Fatalf("unexpected fatal rendering error: %v", err)
	}
	return h
}

func (h *harness) vblank(t *testing.T, crtc drm.CrtcID) {
	t.Helper()
	h.kms.events = append(h.kms.events, drm.Event{Kind: drm.EventFlipComplete, Crtc: crtc})
	h.backend.dispatchDeviceEvents(drm.NodeFromDevNum(testDevNum))
}

func TestColdStartSingleMonitor(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)

	var frameTimes []uint32
	h.space.OnFrame(func(tMs uint32) { frameTimes = append(frameTimes, tMs) })

	h.backend.DeviceAdded(testDevNum, testPath)

	outputs := h.space.Outputs()
	require.Len(t, outputs, 1)
	o := outputs[0]
	assert.Equal(t, "HDMI-A-1", o.Name())
	require.NotNil(t, o.CurrentMode())
	assert.Equal(t, output.Mode{Width: 1920, Height: 1080, RefreshMHz: 60000}, *o.CurrentMode())
	assert.Equal(t, o.CurrentMode(), o.PreferredMode())
	assert.Equal(t, 0, o.Position().X)
	assert.Equal(t, 0, o.Position().Y)
	assert.Equal(t, "Smithay", o.Physical().Make)
	assert.Equal(t, "Generic DRM", o.Physical().Model)

	// The initial clear-color frame primed the pipeline with one flip.
	ks := h.kms.kernels[crtcA]
	require.NotNil(t, ks)
	assert.Len(t, ks.submits, 1)
	assert.Equal(t, 1, h.gpus.renderer.clears)

	// First vblank runs the regular render pass and notifies clients.
	h.vblank(t, crtcA)
	assert.Len(t, ks.submits, 2)
	assert.Equal(t, 1, h.scene.renders)
	assert.NotEmpty(t, frameTimes)
}

func TestHotplugSecondMonitor(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.backend.DeviceAdded(testDevNum, testPath)
	require.Len(t, h.space.Outputs(), 1)

	h.kms.addConnector(connectorB, drm.ConnectorDisplayPort, 1, modeQHD, encoderB, 0b10)
	h.backend.DeviceChanged(testDevNum)

	outputs := h.space.Outputs()
	require.Len(t, outputs, 2)
	names := []string{outputs[0].Name(), outputs[1].Name()}
	assert.Contains(t, names, "HDMI-A-1")
	assert.Contains(t, names, "DP-1")
	for _, o := range outputs {
		if o.Name() == "DP-1" {
			assert.Equal(t, 1920, o.Position().X)
			assert.Equal(t, 0, o.Position().Y)
		}
	}

	// Both CRTCs got a fresh initial frame on their rescanned surfaces.
	assert.Len(t, h.kms.kernels[crtcA].submits, 1)
	assert.Len(t, h.kms.kernels[crtcB].submits, 1)
}

func TestMonitorDisconnect(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.kms.addConnector(connectorB, drm.ConnectorDisplayPort, 1, modeQHD, encoderB, 0b10)
	h.backend.DeviceAdded(testDevNum, testPath)
	require.Len(t, h.space.Outputs(), 2)

	h.kms.removeConnector(connectorA)
	h.backend.DeviceChanged(testDevNum)

	outputs := h.space.Outputs()
	require.Len(t, outputs, 1)
	assert.Equal(t, "DP-1", outputs[0].Name())
	// Layout was fixed up: the remaining output moved to the origin.
	assert.Equal(t, 0, outputs[0].Position().X)
}

func TestAddRemoveRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)

	h.backend.DeviceAdded(testDevNum, testPath)
	require.Len(t, h.backend.devices, 1)
	require.Len(t, h.space.Outputs(), 1)
	assert.Equal(t, 1, h.loop.sources)

	h.backend.DeviceRemoved(testDevNum)
	assert.Empty(t, h.backend.devices)
	assert.Empty(t, h.space.Outputs())
	assert.Equal(t, 0, h.loop.sources)
	assert.Len(t, h.sess.released, 1)

	// Late vblanks find no backend entry and return silently.
	h.backend.Render(drm.NodeFromDevNum(testDevNum), nil)
}

func TestDeviceChangedIdempotent(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.backend.DeviceAdded(testDevNum, testPath)

	h.backend.DeviceChanged(testDevNum)
	first := h.backend.devices[drm.NodeFromDevNum(testDevNum)].surfaces
	firstModes := make(map[drm.CrtcID]drm.ModeInfo)
	for crtc, s := range first {
		firstModes[crtc] = s.kernel.Mode()
	}

	h.backend.DeviceChanged(testDevNum)
	second := h.backend.devices[drm.NodeFromDevNum(testDevNum)].surfaces
	require.Len(t, second, len(first))
	for crtc, s := range second {
		want, ok := firstModes[crtc]
		require.True(t, ok, "crtc %d missing after rescan", crtc)
		assert.Equal(t, want, s.kernel.Mode())
	}
}

func TestZeroConnectedConnectors(t *testing.T) {
	h := newHarness(t)

	h.backend.DeviceAdded(testDevNum, testPath)

	require.Len(t, h.backend.devices, 1)
	assert.Empty(t, h.space.Outputs())
	assert.Empty(t, h.loop.timers)
}

func TestCrtcContention(t *testing.T) {
	h := newHarness(t)
	// Both connectors can only reach crtcA through their encoders.
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.kms.addConnector(connectorB, drm.ConnectorDisplayPort, 1, modeQHD, encoderB, 0b01)

	h.backend.DeviceAdded(testDevNum, testPath)

	outputs := h.space.Outputs()
	require.Len(t, outputs, 1)
	// First in device-reported order wins the CRTC.
	assert.Equal(t, "HDMI-A-1", outputs[0].Name())
}

func TestRenderNodeUnresolvable(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.gpus.renderNodeErr = errors.New("no render node")

	h.backend.DeviceAdded(testDevNum, testPath)

	// The device stays registered but presents nothing.
	require.Len(t, h.backend.devices, 1)
	assert.Empty(t, h.space.Outputs())
}

func TestAlreadySwappedDoesNotReschedule(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.backend.DeviceAdded(testDevNum, testPath)
	h.loop.timers = nil

	h.kms.submitErr = drm.ErrAlreadySwapped
	crtc := crtcA
	h.backend.Render(drm.NodeFromDevNum(testDevNum), &crtc)

	assert.Empty(t, h.loop.timers)
}

func TestSuspendInducedFailureDoesNotReschedule(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.backend.DeviceAdded(testDevNum, testPath)
	h.loop.timers = nil

	h.kms.submitErr = drm.NewTemporaryError(drm.CauseDeviceInactive, nil)
	crtc := crtcA
	h.backend.Render(drm.NodeFromDevNum(testDevNum), &crtc)
	assert.Empty(t, h.loop.timers)

	h.kms.submitErr = drm.NewTemporaryError(drm.CausePermissionDenied, errors.New("drmModePageFlip: EACCES"))
	h.backend.Render(drm.NodeFromDevNum(testDevNum), &crtc)
	assert.Empty(t, h.loop.timers)
}

func TestGenericFailureReschedules(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.backend.DeviceAdded(testDevNum, testPath)
	h.loop.timers = nil

	h.kms.submitErr = drm.NewTemporaryError(drm.CauseIO, errors.New("drmModePageFlip: EINVAL"))
	crtc := crtcA
	h.backend.Render(drm.NodeFromDevNum(testDevNum), &crtc)
	require.Len(t, h.loop.timers, 1)

	// The retry timer re-enters the render path.
	h.kms.submitErr = nil
	before := len(h.kms.kernels[crtcA].submits)
	h.loop.fireTimers()
	assert.Greater(t, len(h.kms.kernels[crtcA].submits), before)
}

func TestSessionSuspendResume(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.backend.DeviceAdded(testDevNum, testPath)
	h.loop.timers = nil

	h.backend.HandleSessionSignal(session.Signal{Kind: session.Paused})
	assert.False(t, h.kms.active)

	// While paused, queueing fails with a suspend cause: no retry timer.
	crtc := crtcA
	h.backend.Render(drm.NodeFromDevNum(testDevNum), &crtc)
	assert.Empty(t, h.loop.timers)

	// Resume reactivates the device and schedules an idle render.
	h.backend.HandleSessionSignal(session.Signal{Kind: session.Resumed})
	assert.True(t, h.kms.active)
	require.NotEmpty(t, h.loop.idles)

	before := len(h.kms.kernels[crtcA].submits)
	h.loop.drainIdles()
	assert.Greater(t, len(h.kms.kernels[crtcA].submits), before)
}

func TestInitialRenderRetryIsBounded(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.kms.submitErr = drm.NewTemporaryError(drm.CauseIO, errors.New("flip refused"))

	h.backend.DeviceAdded(testDevNum, testPath)
	h.loop.drainIdles()

	assert.Equal(t, maxInitialRenderAttempts, h.kms.kernels[crtcA].attempts)
	assert.Empty(t, h.loop.idles)
}

func TestResetBuffersInvalidatesAges(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.backend.DeviceAdded(testDevNum, testPath)

	// Run a few frames so ages become non-zero.
	h.vblank(t, crtcA)
	h.vblank(t, crtcA)
	h.vblank(t, crtcA)
	assert.Greater(t, h.scene.lastAge, 0)

	h.backend.ResetBuffers(h.space.Outputs()[0])
	h.vblank(t, crtcA)
	assert.Equal(t, 0, h.scene.lastAge)
}

func TestPointerTextureImportedOncePerFrame(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.backend.DeviceAdded(testDevNum, testPath)

	h.vblank(t, crtcA)
	h.vblank(t, crtcA)
	h.vblank(t, crtcA)

	assert.Equal(t, 1, h.gpus.renderer.imports)
}

func TestOutputTagsReferLiveSurfaces(t *testing.T) {
	h := newHarness(t)
	h.kms.addConnector(connectorA, drm.ConnectorHDMIA, 1, modeFHD, encoderA, 0b01)
	h.kms.addConnector(connectorB, drm.ConnectorDisplayPort, 1, modeQHD, encoderB, 0b10)
	h.backend.DeviceAdded(testDevNum, testPath)

	rec := h.backend.devices[drm.NodeFromDevNum(testDevNum)]
	seen := make(map[drm.CrtcID]bool)
	for _, o := range h.space.Outputs() {
		tag, ok := o.Tag().(Tag)
		require.True(t, ok)
		assert.False(t, seen[tag.Crtc], "crtc %d driven twice", tag.Crtc)
		seen[tag.Crtc] = true
		_, live := rec.surfaces[tag.Crtc]
		assert.True(t, live, "tag for crtc %d has no live surface", tag.Crtc)
	}
}
