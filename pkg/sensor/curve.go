package sensor

import (
	"errors"
	"fmt"
)

// Segment maps raw values in [MinRaw, MaxRaw] to Base + (raw-RawBase)*Scale.
type Segment struct {
	MinRaw, MaxRaw uint16
	RawBase        float64
	Base           float64
	Scale          float64
}

// Curve is an ordered, immutable set of non-overlapping segments.
type Curve struct {
	segs []Segment
}

// NewCurve validates ordering and returns a curve owning a copy of segs.
func NewCurve(segs ...Segment) (Curve, error) {
	if len(segs) == 0 {
		return Curve{}, errors.New("curve: no segments")
	}
	for i, s := range segs {
		if s.MinRaw > s.MaxRaw {
			return Curve{}, fmt.Errorf("curve: segment %d has min %d > max %d", i, s.MinRaw, s.MaxRaw)
		}
		if i > 0 && s.MinRaw <= segs[i-1].MaxRaw {
			return Curve{}, fmt.Errorf("curve: segment %d overlaps segment %d", i, i-1)
		}
	}
	return Curve{segs: append([]Segment(nil), segs...)}, nil
}

// MustCurve is NewCurve for package-level constants.
func MustCurve(segs ...Segment) Curve {
	c, err := NewCurve(segs...)
	if err != nil {
		panic(err)
	}
	return c
}

// Eval maps raw through the segment containing it. Values between segments
// use the nearest lower segment; values below the first use the first.
func (c Curve) Eval(raw uint16) float64 {
	seg := c.segs[0]
	for _, s := range c.segs {
		if raw < s.MinRaw {
			break
		}
		seg = s
	}
	return seg.Base + (float64(raw)-seg.RawBase)*seg.Scale
}

// Segments returns a copy of the curve's segments.
func (c Curve) Segments() []Segment {
	return append([]Segment(nil), c.segs...)
}
