package humanize

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"
)

type fakePointer struct {
	pos     Point
	moves   []Point
	clicks  int
	moveErr error
}

func (f *fakePointer) Position() Point { return f.pos }

func (f *fakePointer) Move(p Point) error {
	if f.moveErr != nil {
		return f.moveErr
	}
	f.pos = p
	f.moves = append(f.moves, p)
	return nil
}

func (f *fakePointer) Click() error {
	f.clicks++
	return nil
}

func newTestMouse(ptr Pointer) *Mouse {
	m := NewMouse(ptr, rand.New(rand.NewSource(7)))
	m.sleep = func(ctx context.Context, _ Range) bool { return ctx.Err() == nil }
	return m
}

func close2(a, b Point) bool {
	return math.Abs(a.X-b.X) < 0.01 && math.Abs(a.Y-b.Y) < 0.01
}

func TestPath(t *testing.T) {
	tests := []struct {
		name  string
		start Point
		end   Point
		n     int
		want  int
	}{
		{name: "horizontal", start: Point{0, 0}, end: Point{100, 0}, n: 10, want: 10},
		{name: "diagonal", start: Point{0, 0}, end: Point{300, 200}, n: 25, want: 25},
		{name: "same point", start: Point{50, 50}, end: Point{50, 50}, n: 5, want: 5},
		{name: "too few points", start: Point{0, 0}, end: Point{10, 10}, n: 0, want: 2},
	}
	rng := rand.New(rand.NewSource(1))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := Path(tt.start, tt.end, tt.n, rng)
			if len(path) != tt.want {
				t.Fatalf("len(Path()) = %d, want %d", len(path), tt.want)
			}
			if !close2(path[0], tt.start) || !close2(path[len(path)-1], tt.end) {
				t.Errorf("path runs %v -> %v, want %v -> %v", path[0], path[len(path)-1], tt.start, tt.end)
			}
			for _, p := range path {
				if math.IsNaN(p.X) || math.IsNaN(p.Y) {
					t.Fatal("path contains NaN")
				}
			}
		})
	}
}

func TestEaseInOutCubic(t *testing.T) {
	for _, tt := range []struct{ in, want float64 }{{0, 0}, {0.5, 0.5}, {1, 1}} {
		if got := easeInOutCubic(tt.in); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("easeInOutCubic(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPointIn(t *testing.T) {
	box := Box{X: 10, Y: 20, Width: 100, Height: 40}
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 200; i++ {
		p := PointIn(box, 0.2, rng)
		if p.X < 30 || p.X > 90 || p.Y < 28 || p.Y > 52 {
			t.Fatalf("PointIn() = %v outside the inner box", p)
		}
	}
}

func TestClickBox(t *testing.T) {
	ptr := &fakePointer{}
	m := newTestMouse(ptr)

	box := Box{X: 200, Y: 100, Width: 60, Height: 30}
	if err := m.ClickBox(context.Background(), box); err != nil {
		t.Fatalf("ClickBox() error = %v", err)
	}
	if ptr.clicks != 1 {
		t.Errorf("clicks = %d, want 1", ptr.clicks)
	}
	if n := len(ptr.moves); n < 15 || n > 30 {
		t.Errorf("moves = %d, want 15..30", n)
	}
	if ptr.pos.X < box.X || ptr.pos.X > box.X+box.Width || ptr.pos.Y < box.Y || ptr.pos.Y > box.Y+box.Height {
		t.Errorf("pointer ended at %v outside %v", ptr.pos, box)
	}
}

func TestClickBox_Errors(t *testing.T) {
	t.Run("empty box", func(t *testing.T) {
		if err := newTestMouse(&fakePointer{}).ClickBox(context.Background(), Box{}); !errors.Is(err, ErrElementNotVisible) {
			t.Errorf("error = %v, want ErrElementNotVisible", err)
		}
	})
	t.Run("move fails", func(t *testing.T) {
		ptr := &fakePointer{moveErr: errors.New("target closed")}
		if err := newTestMouse(ptr).ClickBox(context.Background(), Box{Width: 10, Height: 10}); err == nil || ptr.clicks != 0 {
			t.Errorf("error = %v clicks = %d, want error and no click", err, ptr.clicks)
		}
	})
	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ptr := &fakePointer{}
		if err := newTestMouse(ptr).ClickBox(ctx, Box{Width: 10, Height: 10}); !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	})
}

func TestRangePick(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	r := Range{MinMs: 800, MaxMs: 1500}
	for i := 0; i < 100; i++ {
		if d := r.Pick(rng); d < 800*time.Millisecond || d > 1500*time.Millisecond {
			t.Fatalf("Pick() = %v out of range", d)
		}
	}
	if d := (Range{MinMs: 40, MaxMs: 10}).Pick(rng); d != 40*time.Millisecond {
		t.Errorf("inverted range Pick() = %v, want 40ms", d)
	}
}

func TestPlaceInside(t *testing.T) {
	frame := Box{X: 100, Y: 200, Width: 300, Height: 65}
	tests := []struct {
		name       string
		candidates []Box
		want       Box
		wantOK     bool
	}{
		{
			name:       "frame-relative box offset into the frame",
			candidates: []Box{{X: 116, Y: 221, Width: 24, Height: 24}, {X: 16, Y: 21, Width: 24, Height: 24}},
			want:       Box{X: 116, Y: 221, Width: 24, Height: 24},
			wantOK:     true,
		},
		{
			name:       "page box used when the offset one falls outside",
			candidates: []Box{{X: 216, Y: 421, Width: 24, Height: 24}, {X: 116, Y: 221, Width: 24, Height: 24}},
			want:       Box{X: 116, Y: 221, Width: 24, Height: 24},
			wantOK:     true,
		},
		{
			name:       "nothing inside",
			candidates: []Box{{X: 0, Y: 0, Width: 24, Height: 24}},
		},
		{
			name:       "empty box",
			candidates: []Box{{X: 120, Y: 220}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := PlaceInside(frame, tt.candidates...)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("PlaceInside() = (%+v, %v), want (%+v, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSleep(t *testing.T) {
	if !Sleep(context.Background(), 10*time.Millisecond) {
		t.Error("Sleep() = false for an uncancelled context")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	if Sleep(ctx, time.Second) {
		t.Error("Sleep() = true for a cancelled context")
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Sleep() did not return promptly")
	}
}
