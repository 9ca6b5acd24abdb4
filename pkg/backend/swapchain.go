package backend

import (
	"fmt"

	"github.com/helixml/skylight/pkg/allocator"
	"github.com/helixml/skylight/pkg/drm"
)

// swapchainDepth is the number of scan-out buffers per surface. Two
// suffice because a frame is only started in response to the previous
// flip completing.
const swapchainDepth = 2

type swapSlot struct {
	buf Buffer
	// queuedAt is the submit counter value when this slot last went to the
	// kernel; zero means never queued (age 0).
	queuedAt uint64
}

// swapchain rotates scan-out buffers over a kernel surface. At most one
// buffer is pending (queued but not yet scanned out) at any time.
type swapchain struct {
	kernel KernelSurface
	slots  []*swapSlot

	current int // on screen, -1 before the first flip completes
	pending int // queued, -1 when none
	drawing int // handed out by NextBuffer, -1 when none

	submits uint64
}

func newSwapchain(source BufferSource, kernel KernelSurface, formats []drm.Format) (*swapchain, error) {
	mode := kernel.Mode()
	sc := &swapchain{kernel: kernel, current: -1, pending: -1, drawing: -1}
	for i := 0; i < swapchainDepth; i++ {
		buf, err := source.CreateBuffer(uint32(mode.Width), uint32(mode.Height), formats)
		if err != nil {
			sc.Destroy()
			return nil, fmt.Errorf("allocate swapchain buffer %d: %w", i, err)
		}
		sc.slots = append(sc.slots, &swapSlot{buf: buf})
	}
	return sc, nil
}

// NextBuffer returns the buffer to render into and its age: the number of
// frames since its contents were last presented, zero on first use. While
// a flip is pending there is no free buffer and the caller must wait for
// the next vblank.
func (sc *swapchain) NextBuffer() (*allocator.Dmabuf, int, error) {
	if sc.drawing >= 0 {
		// A queue attempt failed and is being retried; hand back the same
		// buffer.
		return sc.slots[sc.drawing].buf.Dmabuf(), sc.age(sc.drawing), nil
	}
	if sc.pending >= 0 {
		return nil, 0, drm.ErrAlreadySwapped
	}
	for i := range sc.slots {
		if i != sc.current {
			sc.drawing = i
			return sc.slots[i].buf.Dmabuf(), sc.age(i), nil
		}
	}
	return nil, 0, drm.ErrAlreadySwapped
}

func (sc *swapchain) age(slot int) int {
	q := sc.slots[slot].queuedAt
	if q == 0 {
		return 0
	}
	return int(sc.submits + 1 - q)
}

// QueueBuffer submits the buffer handed out by NextBuffer for scan-out.
// On success it becomes pending until the flip completes.
func (sc *swapchain) QueueBuffer() error {
	if sc.drawing < 0 {
		return fmt.Errorf("no buffer to queue")
	}
	slot := sc.slots[sc.drawing]
	if err := sc.kernel.Submit(slot.buf.Framebuffer()); err != nil {
		return err
	}
	sc.submits++
	slot.queuedAt = sc.submits
	sc.pending = sc.drawing
	sc.drawing = -1
	return nil
}

// FrameSubmitted acknowledges the flip completion for the pending buffer;
// it is now the one on screen.
func (sc *swapchain) FrameSubmitted() {
	if sc.pending >= 0 {
		sc.current = sc.pending
		sc.pending = -1
	}
}

// ResetBuffers invalidates age accounting after the buffer contents are
// known lost (session resume).
func (sc *swapchain) ResetBuffers() {
	for _, s := range sc.slots {
		s.queuedAt = 0
	}
}

// Destroy releases every buffer.
func (sc *swapchain) Destroy() {
	for _, s := range sc.slots {
		s.buf.Destroy()
	}
	sc.slots = nil
}
