package scene

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/floats/scalar"
)

// makeScene builds a 20-step scene with an ego walking diagonally and two
// other agents at increasing distance, so DropDistant keeps their order.
// Agent 2 is missing for its first three steps.
func makeScene() *Trajectories {
	w := DefaultWindow
	tr := NewTrajectories(w.Total(), 3)
	for ti := range w.Total() {
		f := float64(ti)
		tr.Set(ti, 0, 1+0.3*f, 2+0.4*f)
		tr.Set(ti, 1, 2+0.3*f, 1+0.35*f)
		if ti >= 3 {
			tr.Set(ti, 2, 20-0.1*f, 21+0.05*f)
		}
	}
	return tr
}

func rigid(t *Trajectories, theta, dx, dy float64) *Trajectories {
	out := t.Clone()
	for i := 0; i+1 < len(out.Data); i += 2 {
		x, y := rotate(out.Data[i], out.Data[i+1], theta)
		out.Data[i], out.Data[i+1] = x+dx, y+dy
	}
	return out
}

func TestNormalizeRigidInvariance(t *testing.T) {
	n := Normalizer{Window: DefaultWindow, MaxAgents: 4}
	raw := makeScene()
	base, _, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}

	for _, c := range []struct{ theta, dx, dy float64 }{
		{0.7, 3, -4},
		{math.Pi, -10, 0.5},
		{-2.1, 100, 250},
	} {
		moved, _, err := n.Normalize(rigid(raw, c.theta, c.dx, c.dy))
		if err != nil {
			t.Fatalf("Normalize(moved %v) failed: %v", c, err)
		}
		for i := range base.Data {
			a, b := base.Data[i], moved.Data[i]
			if math.IsNaN(a) != math.IsNaN(b) {
				t.Fatalf("theta=%v: missing mismatch at %d: %v vs %v", c.theta, i, a, b)
			}
			if !math.IsNaN(a) && !scalar.EqualWithinAbs(a, b, 1e-9) {
				t.Fatalf("theta=%v: value mismatch at %d: %v vs %v", c.theta, i, a, b)
			}
		}
	}
}

func TestNormalizeCanonicalFrame(t *testing.T) {
	n := NewNormalizer()
	out, tr, err := n.Normalize(makeScene())
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	if out.Agents != DefaultMaxAgents {
		t.Fatalf("expected %d agents after padding, got %d", DefaultMaxAgents, out.Agents)
	}
	if tr.Degenerate {
		t.Fatalf("moving ego must not be degenerate")
	}

	obs := n.Window.ObsLength
	x, y := out.At(obs-1, 0)
	if !scalar.EqualWithinAbs(x, 0, 1e-12) || !scalar.EqualWithinAbs(y, 0, 1e-12) {
		t.Fatalf("ego not centered: (%v, %v)", x, y)
	}
	px, py := out.At(obs-2, 0)
	// the last observed displacement points along +y
	if !scalar.EqualWithinAbs(-px, 0, 1e-12) || -py <= 0 {
		t.Fatalf("ego heading not +y: displacement (%v, %v)", -px, -py)
	}

	for a := 3; a < out.Agents; a++ {
		for ti := range out.Time {
			if !out.Missing(ti, a) {
				t.Fatalf("padded agent %d present at %d", a, ti)
			}
		}
	}
	if !out.Missing(0, 2) || out.Missing(3, 2) {
		t.Fatalf("missing positions of agent 2 not preserved")
	}
}

func TestNormalizeInvertible(t *testing.T) {
	raw := rigid(makeScene(), 1.3, -7, 12)
	n := Normalizer{Window: DefaultWindow, MaxAgents: 3}
	out, tr, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	back := tr.InvertTrajectories(out)
	// agents are already ordered by closest approach, so indices line up
	for i := range raw.Data {
		a, b := raw.Data[i], back.Data[i]
		if math.IsNaN(a) != math.IsNaN(b) {
			t.Fatalf("missing mismatch at %d", i)
		}
		if !math.IsNaN(a) && !scalar.EqualWithinAbs(a, b, 1e-5) {
			t.Fatalf("inverse mismatch at %d: raw=%v back=%v", i, a, b)
		}
	}
}

func TestNormalizeInvertibleAfterReorder(t *testing.T) {
	raw := makeScene()
	// agent 2 now closes in on the ego and overtakes agent 1 in the ordering
	for ti := 3; ti < raw.Time; ti++ {
		f := float64(ti)
		raw.Set(ti, 2, 8-0.1*f, 9+0.05*f)
	}
	raw = rigid(raw, -0.4, 5, 3)
	n := Normalizer{Window: DefaultWindow, MaxAgents: 3}
	out, tr, err := n.Normalize(raw)
	if err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	back := tr.InvertTrajectories(out)
	kept := DropDistant(raw, n.MaxAgents)
	kx, ky := kept.At(5, 1)
	if rx, ry := raw.At(5, 2); kx != rx || ky != ry {
		t.Fatalf("expected agent 2 in slot 1 after ordering, got (%v, %v)", kx, ky)
	}
	for i := range kept.Data {
		a, b := kept.Data[i], back.Data[i]
		if math.IsNaN(a) != math.IsNaN(b) {
			t.Fatalf("missing mismatch at %d", i)
		}
		if !math.IsNaN(a) && !scalar.EqualWithinAbs(a, b, 1e-5) {
			t.Fatalf("inverse mismatch at %d: kept=%v back=%v", i, a, b)
		}
	}
	if !back.Missing(0, 1) || back.Missing(3, 1) {
		t.Fatalf("missing positions of the late agent not preserved in its new slot")
	}
}

func TestDropDistantKeepsClosest(t *testing.T) {
	tr := NewTrajectories(2, 4)
	tr.Set(0, 0, 0, 0)
	tr.Set(1, 0, 0, 1)
	tr.Set(0, 1, 10, 0) // far
	tr.Set(1, 1, 10, 1)
	tr.Set(1, 2, 1, 1) // close, only present at t=1
	// agent 3 never present

	kept := DropDistant(tr, 2)
	if kept.Agents != 2 {
		t.Fatalf("expected 2 agents, got %d", kept.Agents)
	}
	if x, y := kept.At(1, 0); x != 0 || y != 1 {
		t.Fatalf("ego must sort first, got (%v, %v)", x, y)
	}
	if x, y := kept.At(1, 1); x != 1 || y != 1 {
		t.Fatalf("expected closest agent second, got (%v, %v)", x, y)
	}

	all := DropDistant(tr, 10)
	if all.Agents != 4 {
		t.Fatalf("expected all 4 agents when max exceeds count, got %d", all.Agents)
	}
	if !all.Missing(0, 3) || !all.Missing(1, 3) {
		t.Fatalf("agent never seen with ego must sort last")
	}
}

func TestNormalizeStationaryEgo(t *testing.T) {
	raw := makeScene()
	obs := DefaultWindow.ObsLength
	x, y := raw.At(obs-1, 0)
	raw.Set(obs-2, 0, x, y)

	out, tr, err := NewNormalizer().Normalize(raw)
	if err != nil {
		t.Fatalf("stationary ego must not fail: %v", err)
	}
	if !tr.Degenerate {
		t.Fatalf("expected degenerate transform")
	}
	if !scalar.EqualWithinAbs(tr.Rotation, math.Pi/2, 1e-12) {
		t.Fatalf("expected rotation pi/2, got %v", tr.Rotation)
	}
	if cx, cy := out.At(obs-1, 0); !scalar.EqualWithinAbs(cx, 0, 1e-12) || !scalar.EqualWithinAbs(cy, 0, 1e-12) {
		t.Fatalf("ego not centered: (%v, %v)", cx, cy)
	}
}

func TestNormalizeErrors(t *testing.T) {
	n := NewNormalizer()

	if _, _, err := n.Normalize(NewTrajectories(19, 2)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for short scene, got %v", err)
	}
	if _, _, err := n.Normalize(NewTrajectories(20, 0)); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for empty scene, got %v", err)
	}
	// 1+19 still totals 20 steps, only the window check can reject it
	short := Normalizer{Window: Window{ObsLength: 1, PredLength: 19}, MaxAgents: 3}
	if _, _, err := short.Normalize(makeScene()); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for one observed step, got %v", err)
	}

	raw := makeScene()
	raw.Set(n.Window.ObsLength-1, 0, math.NaN(), math.NaN())
	if _, _, err := n.Normalize(raw); !errors.Is(err, ErrEgoUnobserved) {
		t.Fatalf("expected ErrEgoUnobserved, got %v", err)
	}
}

func TestNormalizeDoesNotMutateInput(t *testing.T) {
	raw := makeScene()
	before := raw.Clone()
	if _, _, err := NewNormalizer().Normalize(raw); err != nil {
		t.Fatalf("Normalize failed: %v", err)
	}
	for i := range raw.Data {
		if math.IsNaN(before.Data[i]) != math.IsNaN(raw.Data[i]) || (!math.IsNaN(raw.Data[i]) && before.Data[i] != raw.Data[i]) {
			t.Fatalf("input mutated at %d", i)
		}
	}
}

func TestFromAgentMajor(t *testing.T) {
	tr, err := FromAgentMajor([][][2]float64{
		{{0, 0}, {1, 1}},
		{{2, 2}, {3, math.NaN()}},
	})
	if err != nil {
		t.Fatalf("FromAgentMajor failed: %v", err)
	}
	if tr.Time != 2 || tr.Agents != 2 {
		t.Fatalf("unexpected dims %dx%d", tr.Time, tr.Agents)
	}
	if x, y := tr.At(1, 0); x != 1 || y != 1 {
		t.Fatalf("unexpected position (%v, %v)", x, y)
	}
	if _, err := FromAgentMajor([][][2]float64{{{0, 0}}, {}}); !errors.Is(err, ErrShape) {
		t.Fatalf("expected ErrShape for ragged tracks, got %v", err)
	}
}
