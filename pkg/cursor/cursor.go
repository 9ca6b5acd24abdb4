// Package cursor provides the pointer image the backend draws when no
// client has set a cursor surface. Frames carry a content fingerprint so
// the backend can cache uploaded textures per distinct frame.
package cursor

import "hash/fnv"

// Image is one cursor frame, tightly packed RGBA.
type Image struct {
	Width    int
	Height   int
	HotspotX int
	HotspotY int
	DelayMs  uint32
	Pixels   []byte

	fingerprint uint64
}

// Fingerprint identifies the frame contents; equal pixels yield equal
// fingerprints across the session.
func (i *Image) Fingerprint() uint64 {
	if i.fingerprint == 0 {
		h := fnv.New64a()
		_, _ = h.Write(i.Pixels)
		i.fingerprint = h.Sum64()
	}
	return i.fingerprint
}

// Cursor is a sequence of animation frames. A single-frame cursor is a
// static pointer.
type Cursor struct {
	frames  []*Image
	totalMs uint32
}

// Load builds the default cursor. Themed cursors would slot in here; the
// built-in arrow is always available.
func Load() *Cursor {
	return &Cursor{frames: []*Image{defaultArrow()}}
}

// NewFromFrames builds an animated cursor from explicit frames.
func NewFromFrames(frames []*Image) *Cursor {
	c := &Cursor{frames: frames}
	for _, f := range frames {
		c.totalMs += f.DelayMs
	}
	return c
}

// Frame selects the frame for the given elapsed time in milliseconds.
func (c *Cursor) Frame(millis uint32) *Image {
	if len(c.frames) == 1 || c.totalMs == 0 {
		return c.frames[0]
	}
	t := millis % c.totalMs
	for _, f := range c.frames {
		if t < f.DelayMs {
			return f
		}
		t -= f.DelayMs
	}
	return c.frames[len(c.frames)-1]
}

const arrowSize = 24

// defaultArrow draws a plain white arrow with a dark outline.
func defaultArrow() *Image {
	pix := make([]byte, arrowSize*arrowSize*4)
	set := func(x, y int, r, g, b, a byte) {
		i := (y*arrowSize + x) * 4
		pix[i], pix[i+1], pix[i+2], pix[i+3] = r, g, b, a
	}
	for y := 0; y < arrowSize; y++ {
		// Classic left-edge arrow: widens one pixel per row down to
		// two-thirds height, then tapers into the tail.
		width := y + 1
		if y > arrowSize*2/3 {
			width = arrowSize - y
		}
		if width < 1 {
			width = 1
		}
		for x := 0; x < width && x < arrowSize; x++ {
			edge := x == 0 || x == width-1 || y == 0 || y == arrowSize-1
			if edge {
				set(x, y, 0x20, 0x20, 0x20, 0xff)
			} else {
				set(x, y, 0xf0, 0xf0, 0xf0, 0xff)
			}
		}
	}
	return &Image{Width: arrowSize, Height: arrowSize, Pixels: pix}
}
