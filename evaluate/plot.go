package evaluate

import (
	"image/color"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/Noofbiz/socialcausality/causal"
)

// ACEPlotName is the file written by PlotACEBins.
const ACEPlotName = "ace_bins.png"

// PlotACEBins writes a PNG with every (effect, sensitivity) pair (grey), the
// per-bin mean sensitivity of the directly (red) and indirectly (blue)
// causal pairs, and the identity line a perfectly calibrated model would
// follow. It returns the written path.
func PlotACEBins(outDir string, pairs map[causal.Category][]causal.Pair, bin causal.Binning) (string, error) {
	p := plot.New()
	p.Title.Text = "Sensitivity vs causal effect"
	p.X.Label.Text = "causal effect"
	p.Y.Label.Text = "sensitivity"

	var all plotter.XYs
	for _, c := range causal.Categories {
		if c == causal.Ignored {
			continue
		}
		for _, pr := range pairs[c] {
			if math.IsNaN(pr.Effect) || math.IsNaN(pr.Sensitivity) {
				continue
			}
			all = append(all, plotter.XY{X: pr.Effect, Y: pr.Sensitivity})
		}
	}
	if len(all) > 0 {
		sc, err := plotter.NewScatter(all)
		if err != nil {
			return "", err
		}
		sc.GlyphStyle.Color = color.RGBA{R: 120, G: 120, B: 120, A: 140}
		sc.GlyphStyle.Radius = vg.Points(1.5)
		p.Add(sc)
		p.Legend.Add("pairs", sc)
	}

	edges := bin.Edges()
	series := []struct {
		cat   causal.Category
		color color.RGBA
	}{
		{causal.DirectlyCausal, color.RGBA{R: 200, G: 30, B: 30, A: 230}},
		{causal.IndirectlyCausal, color.RGBA{R: 20, G: 80, B: 200, A: 230}},
	}
	for _, s := range series {
		var xys plotter.XYs
		for i, m := range bin.BinMeans(pairs[s.cat]) {
			if math.IsNaN(m) {
				continue
			}
			xys = append(xys, plotter.XY{X: (edges[i] + edges[i+1]) / 2, Y: m})
		}
		if len(xys) == 0 {
			continue
		}
		line, points, err := plotter.NewLinePoints(xys)
		if err != nil {
			return "", err
		}
		line.Color = s.color
		line.Width = vg.Points(1.2)
		points.GlyphStyle.Color = s.color
		p.Add(line, points)
		p.Legend.Add(s.cat.String()+" bin mean", line, points)
		all = append(all, xys...)
	}

	ident, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: bin.High, Y: bin.High}})
	if err != nil {
		return "", err
	}
	ident.Color = color.RGBA{R: 40, G: 120, B: 40, A: 160}
	ident.Dashes = []vg.Length{vg.Points(4), vg.Points(3)}
	p.Add(ident)
	p.Legend.Add("identity", ident)

	p.Add(plotter.NewGrid())
	xmin, xmax, ymin, ymax := autoRange(append(all, plotter.XY{X: 0, Y: 0}, plotter.XY{X: bin.High, Y: bin.High}))
	p.X.Min, p.X.Max = xmin, xmax
	p.Y.Min, p.Y.Max = ymin, ymax

	if err := ensureDir(outDir); err != nil {
		return "", err
	}
	outPath := filepath.Join(outDir, ACEPlotName)
	if err := p.Save(8*vg.Inch, 6*vg.Inch, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// autoRange computes padded min/max for X and Y for a set of points.
func autoRange(xs plotter.XYs) (xmin, xmax, ymin, ymax float64) {
	if len(xs) == 0 {
		return -1, 1, -1, 1
	}
	xmin, xmax = math.Inf(1), math.Inf(-1)
	ymin, ymax = math.Inf(1), math.Inf(-1)
	for _, p := range xs {
		xmin, xmax = math.Min(xmin, p.X), math.Max(xmax, p.X)
		ymin, ymax = math.Min(ymin, p.Y), math.Max(ymax, p.Y)
	}
	padx := (xmax - xmin) * 0.06
	pady := (ymax - ymin) * 0.06
	if padx == 0 {
		padx = 1.0
	}
	if pady == 0 {
		pady = 1.0
	}
	return xmin - padx, xmax + padx, ymin - pady, ymax + pady
}

func ensureDir(path string) error {
	if path == "" {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
