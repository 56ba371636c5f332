package scene

import (
	"fmt"
	"math"
	"sort"
)

// DefaultMaxAgents is the number of agents, ego included, kept per scene.
const DefaultMaxAgents = 12

// Transform is the translation and rotation applied by normalization.
// Forward maps a raw point p to R(Rotation) * (p - Center).
type Transform struct {
	Rotation float64
	Center   [2]float64

	// Degenerate is set when the ego did not move across its last two
	// observed steps (or one of them is missing). The heading then falls
	// back to atan2(0, 0) = 0 and the rotation to pi/2.
	Degenerate bool
}

// Apply maps a raw point into the normalized frame.
func (tr Transform) Apply(x, y float64) (float64, float64) {
	return rotate(x-tr.Center[0], y-tr.Center[1], tr.Rotation)
}

// Invert maps a normalized point back into the raw frame.
func (tr Transform) Invert(x, y float64) (float64, float64) {
	rx, ry := rotate(x, y, -tr.Rotation)
	return rx + tr.Center[0], ry + tr.Center[1]
}

// InvertTrajectories returns a copy of t mapped back into the raw frame.
// Missing positions stay missing.
func (tr Transform) InvertTrajectories(t *Trajectories) *Trajectories {
	out := t.Clone()
	for i := 0; i+1 < len(out.Data); i += 2 {
		out.Data[i], out.Data[i+1] = tr.Invert(out.Data[i], out.Data[i+1])
	}
	return out
}

// InvertPoints maps a list of normalized (x, y) pairs back into the raw frame.
func (tr Transform) InvertPoints(pts [][2]float64) [][2]float64 {
	out := make([][2]float64, len(pts))
	for i, p := range pts {
		x, y := tr.Invert(p[0], p[1])
		out[i] = [2]float64{x, y}
	}
	return out
}

// rotate turns (x, y) counter-clockwise by theta.
func rotate(x, y, theta float64) (float64, float64) {
	ct, st := math.Cos(theta), math.Sin(theta)
	return x*ct - y*st, x*st + y*ct
}

// Normalizer canonicalizes raw scenes. The ego is agent 0.
type Normalizer struct {
	Window    Window
	MaxAgents int
}

// NewNormalizer returns a Normalizer using the default window and agent count.
func NewNormalizer() Normalizer {
	return Normalizer{Window: DefaultWindow, MaxAgents: DefaultMaxAgents}
}

// Normalize selects the MaxAgents agents closest to the ego, centers and
// rotates the scene on the ego's last observed step and pads the agent
// dimension to exactly MaxAgents with missing tracks.
//
// The raw input is never modified.
func (n Normalizer) Normalize(raw *Trajectories) (*Trajectories, Transform, error) {
	if err := n.Window.Validate(); err != nil {
		return nil, Transform{}, fmt.Errorf("%w: %v", ErrShape, err)
	}
	if raw == nil || raw.Agents == 0 {
		return nil, Transform{}, fmt.Errorf("%w: empty scene", ErrShape)
	}
	if raw.Time != n.Window.Total() {
		return nil, Transform{}, fmt.Errorf("%w: got %d timesteps, expected %d", ErrShape, raw.Time, n.Window.Total())
	}
	if len(raw.Data) != raw.Time*raw.Agents*2 {
		return nil, Transform{}, fmt.Errorf("%w: buffer holds %d values for %dx%dx2", ErrShape, len(raw.Data), raw.Time, raw.Agents)
	}
	if n.MaxAgents < 1 {
		return nil, Transform{}, fmt.Errorf("%w: max agents must be >= 1, got %d", ErrShape, n.MaxAgents)
	}

	kept := DropDistant(raw, n.MaxAgents)
	centered, tr, err := CenterScene(kept, n.Window.ObsLength)
	if err != nil {
		return nil, Transform{}, err
	}
	return Pad(centered, n.MaxAgents), tr, nil
}

// ClosestApproach returns, per agent, the minimum squared distance to the ego
// over all timesteps where both are present. Agents never present alongside
// the ego get NaN.
func ClosestApproach(t *Trajectories) []float64 {
	dist := make([]float64, t.Agents)
	for a := range t.Agents {
		best := math.NaN()
		for ti := range t.Time {
			ex, ey := t.At(ti, 0)
			x, y := t.At(ti, a)
			d := (x-ex)*(x-ex) + (y-ey)*(y-ey)
			if math.IsNaN(d) {
				continue
			}
			if math.IsNaN(best) || d < best {
				best = d
			}
		}
		dist[a] = best
	}
	return dist
}

// DropDistant keeps the maxAgents agents whose closest approach to the ego is
// smallest. The ego sorts first since its distance to itself is zero; agents
// that never share a timestep with the ego sort last. Fewer agents are
// returned when fewer are available.
func DropDistant(t *Trajectories, maxAgents int) *Trajectories {
	dist := ClosestApproach(t)
	idx := make([]int, t.Agents)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool {
		di, dj := dist[idx[i]], dist[idx[j]]
		if math.IsNaN(dj) {
			return !math.IsNaN(di)
		}
		if math.IsNaN(di) {
			return false
		}
		return di < dj
	})
	if len(idx) > maxAgents {
		idx = idx[:maxAgents]
	}
	return t.SelectAgents(idx)
}

// CenterScene translates the ego's position at obsLength-1 to the origin and
// rotates the scene so the ego's last observed displacement points to +y.
func CenterScene(t *Trajectories, obsLength int) (*Trajectories, Transform, error) {
	if obsLength < 2 || obsLength > t.Time {
		return nil, Transform{}, fmt.Errorf("%w: obs length %d outside [2, %d]", ErrShape, obsLength, t.Time)
	}
	cx, cy := t.At(obsLength-1, 0)
	if math.IsNaN(cx) || math.IsNaN(cy) {
		return nil, Transform{}, ErrEgoUnobserved
	}
	px, py := t.At(obsLength-2, 0)
	dx, dy := cx-px, cy-py

	tr := Transform{Center: [2]float64{cx, cy}}
	if math.IsNaN(dx) || math.IsNaN(dy) || (dx == 0 && dy == 0) {
		tr.Degenerate = true
		dx, dy = 0, 0
	}
	tr.Rotation = -math.Atan2(dy, dx) + math.Pi/2

	out := t.Clone()
	for i := 0; i+1 < len(out.Data); i += 2 {
		out.Data[i], out.Data[i+1] = tr.Apply(out.Data[i], out.Data[i+1])
	}
	return out, tr, nil
}

// Pad appends missing agents until the scene holds exactly maxAgents. Scenes
// that are already wide enough are returned unchanged.
func Pad(t *Trajectories, maxAgents int) *Trajectories {
	if t.Agents >= maxAgents {
		return t
	}
	out := NewTrajectories(t.Time, maxAgents)
	for ti := range t.Time {
		for a := range t.Agents {
			x, y := t.At(ti, a)
			out.Set(ti, a, x, y)
		}
	}
	return out
}
