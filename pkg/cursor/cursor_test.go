package cursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultCursor(t *testing.T) {
	c := Load()
	img := c.Frame(0)
	require.NotNil(t, img)
	assert.Equal(t, arrowSize, img.Width)
	assert.Equal(t, arrowSize, img.Height)
	assert.Len(t, img.Pixels, arrowSize*arrowSize*4)

	// A static cursor returns the same frame for any time.
	assert.Same(t, img, c.Frame(123456))
}

func TestFingerprintStability(t *testing.T) {
	a := &Image{Width: 2, Height: 1, Pixels: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	b := &Image{Width: 2, Height: 1, Pixels: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	c := &Image{Width: 2, Height: 1, Pixels: []byte{1, 2, 3, 4, 5, 6, 7, 9}}

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Fingerprint(), c.Fingerprint())
	// Cached on first computation.
	assert.Equal(t, a.Fingerprint(), a.Fingerprint())
}

func TestAnimatedFrameSelection(t *testing.T) {
	f1 := &Image{Width: 1, Height: 1, DelayMs: 100, Pixels: []byte{1, 0, 0, 255}}
	f2 := &Image{Width: 1, Height: 1, DelayMs: 50, Pixels: []byte{2, 0, 0, 255}}
	c := NewFromFrames([]*Image{f1, f2})

	assert.Same(t, f1, c.Frame(0))
	assert.Same(t, f1, c.Frame(99))
	assert.Same(t, f2, c.Frame(100))
	assert.Same(t, f2, c.Frame(149))
	// Animation wraps around its total duration.
	assert.Same(t, f1, c.Frame(150))
	assert.Same(t, f2, c.Frame(3*150+120))
}
