package backend

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixml/skylight/pkg/drm"
)

func newTestSwapchain(t *testing.T) (*swapchain, *fakeKernelSurface) {
	t.Helper()
	kms := newFakeKMS()
	ks := &fakeKernelSurface{dev: kms, crtc: crtcA, mode: modeFHD}
	sc, err := newSwapchain(&fakeBufferSource{}, ks, nil)
	require.NoError(t, err)
	return sc, ks
}

func TestSwapchainTwoBufferLaw(t *testing.T) {
	sc, _ := newTestSwapchain(t)

	first, age, err := sc.NextBuffer()
	require.NoError(t, err)
	assert.Equal(t, 0, age)
	require.NoError(t, sc.QueueBuffer())
	sc.FrameSubmitted()

	second, _, err := sc.NextBuffer()
	require.NoError(t, err)
	assert.NotSame(t, first, second)
}

func TestSwapchainAlreadySwappedWhilePending(t *testing.T) {
	sc, _ := newTestSwapchain(t)

	_, _, err := sc.NextBuffer()
	require.NoError(t, err)
	require.NoError(t, sc.QueueBuffer())

	// The flip has not completed; there is no free buffer.
	_, _, err = sc.NextBuffer()
	assert.True(t, drm.IsAlreadySwapped(err))
}

func TestSwapchainRetryReturnsSameBuffer(t *testing.T) {
	sc, ks := newTestSwapchain(t)

	ks.dev.submitErr = drm.NewTemporaryError(drm.CauseIO, nil)
	first, _, err := sc.NextBuffer()
	require.NoError(t, err)
	require.Error(t, sc.QueueBuffer())

	again, _, err := sc.NextBuffer()
	require.NoError(t, err)
	assert.Same(t, first, again)

	ks.dev.submitErr = nil
	require.NoError(t, sc.QueueBuffer())
}

func TestSwapchainAges(t *testing.T) {
	sc, _ := newTestSwapchain(t)

	submitFrame := func() int {
		_, age, err := sc.NextBuffer()
		require.NoError(t, err)
		require.NoError(t, sc.QueueBuffer())
		sc.FrameSubmitted()
		return age
	}

	assert.Equal(t, 0, submitFrame()) // slot A, first use
	assert.Equal(t, 0, submitFrame()) // slot B, first use
	// With two buffers, steady state re-presents content from two frames
	// ago.
	assert.Equal(t, 2, submitFrame())
	assert.Equal(t, 2, submitFrame())

	sc.ResetBuffers()
	assert.Equal(t, 0, submitFrame())
}

func TestSwapchainDestroyReleasesBuffers(t *testing.T) {
	kms := newFakeKMS()
	ks := &fakeKernelSurface{dev: kms, crtc: crtcA, mode: modeFHD}
	src := &fakeBufferSource{}
	sc, err := newSwapchain(src, ks, nil)
	require.NoError(t, err)
	assert.Equal(t, swapchainDepth, src.created)

	sc.Destroy()
	assert.Empty(t, sc.slots)
}
