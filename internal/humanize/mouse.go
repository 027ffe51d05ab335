// Package humanize moves the pointer along curved, eased paths with jittered
// timing so that challenge widgets see something resembling a person.
package humanize

import (
	"context"
	"math"
	"math/rand"

	"github.com/rs/zerolog/log"
)

// Point is a viewport coordinate.
type Point struct {
	X, Y float64
}

// Box is an element's bounding rectangle in viewport coordinates.
type Box struct {
	X, Y, Width, Height float64
}

// Pointer is the minimal mouse surface a browser backend exposes.
type Pointer interface {
	Position() Point
	Move(p Point) error
	Click() error
}

// MouseConfig tunes path density and dwell times.
type MouseConfig struct {
	MinSteps, MaxSteps int
	StepDelay          Range
	Hover              Range
	Dwell              Range
	BoxMargin          float64 // fraction of the box kept clear on each side
}

// DefaultMouseConfig returns the tuning used for challenge checkboxes.
func DefaultMouseConfig() MouseConfig {
	return MouseConfig{
		MinSteps:  15,
		MaxSteps:  30,
		StepDelay: Range{MinMs: 3, MaxMs: 12},
		Hover:     Range{MinMs: 50, MaxMs: 200},
		Dwell:     Range{MinMs: 80, MaxMs: 250},
		BoxMargin: 0.2,
	}
}

// Mouse drives a Pointer.
type Mouse struct {
	ptr Pointer
	cfg MouseConfig
	rng *rand.Rand
	// sleep is replaced in tests.
	sleep func(ctx context.Context, r Range) bool
}

// NewMouse wraps ptr with the default tuning.
func NewMouse(ptr Pointer, rng *rand.Rand) *Mouse {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	m := &Mouse{ptr: ptr, cfg: DefaultMouseConfig(), rng: rng}
	m.sleep = func(ctx context.Context, r Range) bool { return Sleep(ctx, r.Pick(m.rng)) }
	return m
}

// MoveTo travels to target along a randomized cubic Bezier path.
func (m *Mouse) MoveTo(ctx context.Context, target Point) error {
	steps := m.cfg.MinSteps
	if span := m.cfg.MaxSteps - m.cfg.MinSteps; span > 0 {
		steps += m.rng.Intn(span + 1)
	}
	for _, p := range Path(m.ptr.Position(), target, steps, m.rng) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.ptr.Move(p); err != nil {
			return err
		}
		if !m.sleep(ctx, m.cfg.StepDelay) {
			return ctx.Err()
		}
	}
	return nil
}

// Hover moves into a random spot inside box, away from its edges, and
// pauses there. It returns the point reached.
func (m *Mouse) Hover(ctx context.Context, box Box) (Point, error) {
	if box.Width <= 0 || box.Height <= 0 {
		return Point{}, ErrElementNotVisible
	}
	target := PointIn(box, m.cfg.BoxMargin, m.rng)
	if err := m.MoveTo(ctx, target); err != nil {
		return Point{}, err
	}
	if !m.sleep(ctx, m.cfg.Hover) {
		return Point{}, ctx.Err()
	}
	return target, nil
}

// ClickBox hovers inside box, clicks where it stopped and dwells.
func (m *Mouse) ClickBox(ctx context.Context, box Box) error {
	target, err := m.Hover(ctx, box)
	if err != nil {
		return err
	}
	if err := m.ptr.Click(); err != nil {
		return err
	}
	if !m.sleep(ctx, m.cfg.Dwell) {
		return ctx.Err()
	}
	log.Debug().Float64("x", target.X).Float64("y", target.Y).Msg("Humanized click completed")
	return nil
}

// Contains reports whether inner lies entirely within b.
func (b Box) Contains(inner Box) bool {
	return inner.Width > 0 && inner.Height > 0 &&
		inner.X >= b.X && inner.Y >= b.Y &&
		inner.X+inner.Width <= b.X+b.Width && inner.Y+inner.Height <= b.Y+b.Height
}

// PlaceInside returns the first candidate that lies within outer.
func PlaceInside(outer Box, candidates ...Box) (Box, bool) {
	for _, c := range candidates {
		if outer.Contains(c) {
			return c, true
		}
	}
	return Box{}, false
}

// PointIn picks a point inside box with margin (0 to 0.5) kept clear on each side.
func PointIn(box Box, margin float64, rng *rand.Rand) Point {
	margin = math.Max(0, math.Min(margin, 0.5))
	mx, my := box.Width*margin, box.Height*margin
	return Point{
		X: box.X + mx + rng.Float64()*(box.Width-2*mx),
		Y: box.Y + my + rng.Float64()*(box.Height-2*my),
	}
}

// Path returns n points from start to end (inclusive) along a cubic Bezier
// curve whose control points bulge to a random side of the straight line.
func Path(start, end Point, n int, rng *rand.Rand) []Point {
	if n < 2 {
		n = 2
	}
	dx, dy := end.X-start.X, end.Y-start.Y
	dist := math.Hypot(dx, dy)

	var nx, ny float64
	if dist > 0 {
		nx, ny = -dy/dist, dx/dist
	}
	bulge := func() float64 {
		off := dist * (0.2 + rng.Float64()*0.3)
		if rng.Intn(2) == 0 {
			return -off
		}
		return off
	}
	b1, b2 := bulge(), bulge()
	c1 := Point{X: start.X + dx/3 + nx*b1, Y: start.Y + dy/3 + ny*b1}
	c2 := Point{X: start.X + 2*dx/3 + nx*b2, Y: start.Y + 2*dy/3 + ny*b2}

	out := make([]Point, n)
	for i := range out {
		t := easeInOutCubic(float64(i) / float64(n-1))
		u := 1 - t
		out[i] = Point{
			X: u*u*u*start.X + 3*u*u*t*c1.X + 3*u*t*t*c2.X + t*t*t*end.X,
			Y: u*u*u*start.Y + 3*u*u*t*c1.Y + 3*u*t*t*c2.Y + t*t*t*end.Y,
		}
	}
	return out
}

func easeInOutCubic(t float64) float64 {
	if t < 0.5 {
		return 4 * t * t * t
	}
	return 1 - math.Pow(-2*t+2, 3)/2
}
