package datasets

import (
	"fmt"
	"math"

	"github.com/Noofbiz/socialcausality/scene"
)

// Channels is the number of values per position: x, y and presence.
const Channels = 3

// Datapoint is the masked representation of one normalized scene.
//
// Layouts (row-major, innermost last):
//
//	EgoPast      (ObsLength, 3)
//	EgoFuture    (PredLength, 3)
//	OthersPast   (ObsLength, Others, 3)
//	OthersFuture (PredLength, Others, 3)
//
// The third channel is 1 when the position was observed and 0 otherwise.
// Unobserved positions hold zeros.
type Datapoint struct {
	ObsLength  int
	PredLength int
	Others     int

	EgoPast      []float32
	EgoFuture    []float32
	OthersPast   []float32
	OthersFuture []float32
}

// Masker splits normalized scenes at the observed-length boundary and adds
// the presence channel.
type Masker struct {
	Window scene.Window
}

// Unpack converts a normalized (time, agents, 2) array into a Datapoint.
// Agent 0 is the ego; the remaining agents become the others.
func (m Masker) Unpack(t *scene.Trajectories) (*Datapoint, error) {
	if t == nil || t.Agents < 1 {
		return nil, fmt.Errorf("%w: scene has no ego", ErrShape)
	}
	if t.Time != m.Window.Total() {
		return nil, fmt.Errorf("%w: got %d timesteps, expected %d", ErrShape, t.Time, m.Window.Total())
	}

	obs, pred, others := m.Window.ObsLength, m.Window.PredLength, t.Agents-1
	dp := &Datapoint{
		ObsLength:    obs,
		PredLength:   pred,
		Others:       others,
		EgoPast:      make([]float32, obs*Channels),
		EgoFuture:    make([]float32, pred*Channels),
		OthersPast:   make([]float32, obs*others*Channels),
		OthersFuture: make([]float32, pred*others*Channels),
	}

	for ti := range t.Time {
		ego, rest := dp.EgoPast, dp.OthersPast
		row := ti
		if ti >= obs {
			ego, rest = dp.EgoFuture, dp.OthersFuture
			row = ti - obs
		}
		x, y := t.At(ti, 0)
		putPoint(ego[row*Channels:], x, y)
		for a := 1; a < t.Agents; a++ {
			x, y := t.At(ti, a)
			putPoint(rest[(row*others+a-1)*Channels:], x, y)
		}
	}

	m.Mask(dp)
	return dp, nil
}

func putPoint(dst []float32, x, y float64) {
	dst[0] = float32(x)
	dst[1] = float32(y)
	dst[2] = 1
}

// Mask zero-fills every position whose x is NaN or whose presence is already
// 0, and marks it absent. Applying Mask to masked data changes nothing.
func (m Masker) Mask(dp *Datapoint) {
	for _, buf := range [][]float32{dp.EgoPast, dp.EgoFuture, dp.OthersPast, dp.OthersFuture} {
		maskBuffer(buf)
	}
}

func maskBuffer(buf []float32) {
	for i := 0; i+Channels <= len(buf); i += Channels {
		if math.IsNaN(float64(buf[i])) || buf[i+2] == 0 {
			buf[i], buf[i+1], buf[i+2] = 0, 0, 0
			continue
		}
		buf[i+2] = 1
	}
}

// Clone returns a deep copy.
func (dp *Datapoint) Clone() *Datapoint {
	c := *dp
	c.EgoPast = append([]float32(nil), dp.EgoPast...)
	c.EgoFuture = append([]float32(nil), dp.EgoFuture...)
	c.OthersPast = append([]float32(nil), dp.OthersPast...)
	c.OthersFuture = append([]float32(nil), dp.OthersFuture...)
	return &c
}

func (dp *Datapoint) sameShape(o *Datapoint) bool {
	return dp.ObsLength == o.ObsLength && dp.PredLength == o.PredLength && dp.Others == o.Others
}
