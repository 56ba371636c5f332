// Package scene canonicalizes raw multi-agent trajectories.
//
// A scene is stored as a (time, agents, 2) array of float64 positions in a
// single flat buffer. Missing positions are NaN. Agent 0 is always the ego
// agent, the one whose future is being predicted.
//
// Normalization keeps the agents closest to the ego, moves the ego's last
// observed position to the origin, rotates the scene so the ego heads towards
// +y and pads the agent dimension to a fixed width. The returned Transform
// inverts the geometric part exactly.
package scene

import (
	"errors"
	"fmt"
	"math"
)

var (
	// ErrShape is returned when a scene does not have the expected number of
	// timesteps or has no agents at all.
	ErrShape = errors.New("scene shape mismatch")

	// ErrEgoUnobserved is returned when the ego position at the last
	// observed frame is missing, so the scene has no canonical center.
	ErrEgoUnobserved = errors.New("ego unobserved at last observed frame")
)

// Trajectories is a (time, agents, 2) array of positions.
type Trajectories struct {
	Data   []float64
	Time   int
	Agents int
}

// NewTrajectories returns a time x agents array with every position missing.
func NewTrajectories(time, agents int) *Trajectories {
	t := &Trajectories{
		Data:   make([]float64, time*agents*2),
		Time:   time,
		Agents: agents,
	}
	for i := range t.Data {
		t.Data[i] = math.NaN()
	}
	return t
}

// FromAgentMajor builds Trajectories from per-agent position lists, each of
// length time. This is the layout scene files are usually written in.
func FromAgentMajor(agents [][][2]float64) (*Trajectories, error) {
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: no agents", ErrShape)
	}
	time := len(agents[0])
	t := NewTrajectories(time, len(agents))
	for a, track := range agents {
		if len(track) != time {
			return nil, fmt.Errorf("%w: agent %d has %d timesteps, expected %d", ErrShape, a, len(track), time)
		}
		for ti, p := range track {
			t.Set(ti, a, p[0], p[1])
		}
	}
	return t, nil
}

func (t *Trajectories) offset(ti, a int) int {
	return (ti*t.Agents + a) * 2
}

// At returns the position of agent a at timestep ti.
func (t *Trajectories) At(ti, a int) (x, y float64) {
	o := t.offset(ti, a)
	return t.Data[o], t.Data[o+1]
}

// Set stores the position of agent a at timestep ti.
func (t *Trajectories) Set(ti, a int, x, y float64) {
	o := t.offset(ti, a)
	t.Data[o] = x
	t.Data[o+1] = y
}

// Missing reports whether agent a has no position at timestep ti. Only the x
// coordinate is consulted.
func (t *Trajectories) Missing(ti, a int) bool {
	return math.IsNaN(t.Data[t.offset(ti, a)])
}

// Clone returns a deep copy.
func (t *Trajectories) Clone() *Trajectories {
	c := &Trajectories{
		Data:   make([]float64, len(t.Data)),
		Time:   t.Time,
		Agents: t.Agents,
	}
	copy(c.Data, t.Data)
	return c
}

// Agent returns a copy of one agent's track as (x, y) pairs.
func (t *Trajectories) Agent(a int) [][2]float64 {
	track := make([][2]float64, t.Time)
	for ti := range t.Time {
		x, y := t.At(ti, a)
		track[ti] = [2]float64{x, y}
	}
	return track
}

// SelectAgents returns a new array holding only the listed agents, in the
// listed order.
func (t *Trajectories) SelectAgents(idx []int) *Trajectories {
	out := NewTrajectories(t.Time, len(idx))
	for ti := range t.Time {
		for j, a := range idx {
			x, y := t.At(ti, a)
			out.Set(ti, j, x, y)
		}
	}
	return out
}

// Window describes how a trajectory splits into observed past and predicted
// future.
type Window struct {
	ObsLength  int
	PredLength int
}

// DefaultWindow is 8 observed and 12 predicted steps.
var DefaultWindow = Window{ObsLength: 8, PredLength: 12}

// Total returns the number of timesteps a scene must have.
func (w Window) Total() int {
	return w.ObsLength + w.PredLength
}

// Validate checks the window can be used for normalization. Two observed
// steps are needed to estimate a heading.
func (w Window) Validate() error {
	if w.ObsLength < 2 {
		return fmt.Errorf("obs length must be >= 2, got %d", w.ObsLength)
	}
	if w.PredLength < 1 {
		return fmt.Errorf("pred length must be >= 1, got %d", w.PredLength)
	}
	return nil
}
