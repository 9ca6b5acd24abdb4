// Package output models the logical outputs advertised to the compositor
// and the space that arranges them in the global layout.
package output

import (
	"fmt"
	"image"
)

// Mode is a display mode as advertised on the wire: pixel size plus
// refresh in millihertz.
type Mode struct {
	Width      int
	Height     int
	RefreshMHz int
}

// Subpixel is the advertised subpixel layout.
type Subpixel string

// SubpixelUnknown is the only layout the backend advertises.
const SubpixelUnknown Subpixel = "unknown"

// PhysicalProperties describe the physical device behind an output.
type PhysicalProperties struct {
	WidthMM  int
	HeightMM int
	Subpixel Subpixel
	Make     string
	Model    string
}

// Output is one logical output. An output is only mapped into a space once
// it has a current mode.
type Output struct {
	name      string
	props     PhysicalProperties
	current   *Mode
	preferred *Mode
	position  image.Point
	tag       interface{}
}

// New creates an unmapped output.
func New(name string, props PhysicalProperties) *Output {
	return &Output{name: name, props: props}
}

// Name returns the connector-derived output name (e.g. "HDMI-A-1").
func (o *Output) Name() string { return o.name }

// Physical returns the physical properties.
func (o *Output) Physical() PhysicalProperties { return o.props }

// SetCurrentMode updates the active mode.
func (o *Output) SetCurrentMode(m Mode) {
	mm := m
	o.current = &mm
}

// CurrentMode returns the active mode, nil before the first mode set.
func (o *Output) CurrentMode() *Mode { return o.current }

// SetPreferred records the device-preferred mode.
func (o *Output) SetPreferred(m Mode) {
	mm := m
	o.preferred = &mm
}

// PreferredMode returns the device-preferred mode, if any.
func (o *Output) PreferredMode() *Mode { return o.preferred }

// Position returns the output's place in the global layout.
func (o *Output) Position() image.Point { return o.position }

// SetTag attaches opaque user data; the backend stores its (device, CRTC)
// pair here for reverse lookup.
func (o *Output) SetTag(tag interface{}) { o.tag = tag }

// Tag returns the attached user data.
func (o *Output) Tag() interface{} { return o.tag }

// Space is the global output layout. The zero number of outputs is valid:
// a seat with nothing connected still composites.
type Space struct {
	outputs []*Output
	frameFn func(timeMs uint32)
}

// NewSpace creates an empty space.
func NewSpace() *Space {
	return &Space{}
}

// OnFrame registers the sink for frame-done events. Nil disables delivery.
func (s *Space) OnFrame(fn func(timeMs uint32)) {
	s.frameFn = fn
}

// Outputs returns the mapped outputs in mapping order.
func (s *Space) Outputs() []*Output {
	return s.outputs
}

// MapOutput places an output into the layout. Mapped outputs must carry a
// current mode.
func (s *Space) MapOutput(o *Output, pos image.Point) error {
	if o.current == nil {
		return fmt.Errorf("output %s has no current mode", o.name)
	}
	for _, m := range s.outputs {
		if m == o {
			o.position = pos
			return nil
		}
	}
	o.position = pos
	s.outputs = append(s.outputs, o)
	return nil
}

// UnmapOutput removes an output from the layout.
func (s *Space) UnmapOutput(o *Output) {
	for i, m := range s.outputs {
		if m == o {
			s.outputs = append(s.outputs[:i], s.outputs[i+1:]...)
			return
		}
	}
}

// Geometry returns the output's rectangle in the global layout.
func (s *Space) Geometry(o *Output) image.Rectangle {
	if o.current == nil {
		return image.Rectangle{}
	}
	return image.Rect(
		o.position.X, o.position.Y,
		o.position.X+o.current.Width, o.position.Y+o.current.Height,
	)
}

// SendFrames delivers frame-done events to clients with the given
// timestamp in milliseconds.
func (s *Space) SendFrames(timeMs uint32) {
	if s.frameFn != nil {
		s.frameFn(timeMs)
	}
}

// FixupPositions re-lays-out all outputs left-to-right at y=0 in mapping
// order. Connector hotplug calls this after rescans; any user-applied
// layout is reset.
func (s *Space) FixupPositions() {
	x := 0
	for _, o := range s.outputs {
		o.position = image.Pt(x, 0)
		if o.current != nil {
			x += o.current.Width
		}
	}
}
