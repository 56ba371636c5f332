package causal

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"github.com/Noofbiz/socialcausality/predictor"
)

// ContrastiveConfig parameterizes Contrastive.
type ContrastiveConfig struct {
	Thresholds Thresholds
	Weight     float64
	Margin     float64

	// PoisonProb is the probability that each directly-causal label of a
	// labeled group is flipped before pairs are formed.
	PoisonProb float64
}

// EmbeddingLoss is the value and gradient of an embedding regularizer.
type EmbeddingLoss struct {
	Loss float64

	// Grad is dLoss/dEmbeddings, laid out like Embeddings.Data.
	Grad []float64

	Pairs int

	// PoisonedFraction is the share of labels flipped by poisoning.
	PoisonedFraction float64

	// Accuracy is the share of ranking pairs already in the right order.
	Accuracy float64
}

func distance(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return math.Sqrt(s)
}

// addDistanceGrad adds scale * d||ei-ej||/dei to row i and its negation to
// row j.
func addDistanceGrad(emb *predictor.Embeddings, grad []float64, i, j int, scale float64) {
	ei, ej := emb.Row(i), emb.Row(j)
	d := distance(ei, ej)
	if d == 0 {
		return
	}
	for k := range ei {
		g := scale * (ei[k] - ej[k]) / d
		grad[i*emb.Dim+k] += g
		grad[j*emb.Dim+k] -= g
	}
}

// PoisonLabels copies the directly-causal labels of every labeled group and
// flips each one with probability p. It returns the copy and the number of
// labels considered and flipped.
func PoisonLabels(layout Layout, p float64, rng *rand.Rand) (labels [][]bool, total, flipped int) {
	labels = make([][]bool, layout.Groups())
	for g := range labels {
		labels[g] = make([]bool, len(layout.Effects[g]))
		for j := range labels[g] {
			labels[g][j] = layout.label(g, j)
			if !layout.labeled(g) {
				continue
			}
			total++
			if p > 0 && rng.Float64() < p {
				labels[g][j] = !labels[g][j]
				flipped++
			}
		}
	}
	return labels, total, flipped
}

// Contrastive pulls together embeddings of variants whose effects differ by
// at most the NC threshold and whose labels agree, and pushes apart variants
// whose effects differ by at least the DC threshold or whose labels differ.
// Every pair of variants inside a group is considered; the factual variant
// has effect 0 and label false.
func Contrastive(emb *predictor.Embeddings, layout Layout, cfg ContrastiveConfig, rng *rand.Rand) (*EmbeddingLoss, error) {
	if err := layout.Validate(emb.Rows); err != nil {
		return nil, err
	}
	if len(emb.Data) != emb.Rows*emb.Dim {
		return nil, fmt.Errorf("embeddings hold %d values for %dx%d", len(emb.Data), emb.Rows, emb.Dim)
	}

	labels, total, flipped := PoisonLabels(layout, cfg.PoisonProb, rng)
	res := &EmbeddingLoss{Grad: make([]float64, len(emb.Data))}
	if total > 0 {
		res.PoisonedFraction = float64(flipped) / float64(total)
	}

	type term struct {
		i, j     int
		positive bool
	}
	var terms []term
	for g := range layout.Groups() {
		lo, hi := layout.Boundary[g], layout.Boundary[g+1]
		effect := func(row int) float64 {
			if row == lo {
				return 0
			}
			return layout.Effects[g][row-lo-1]
		}
		label := func(row int) bool {
			return row != lo && labels[g][row-lo-1]
		}
		for i := lo; i < hi; i++ {
			for j := i + 1; j < hi; j++ {
				diff := math.Abs(effect(i) - effect(j))
				if math.IsNaN(diff) {
					continue
				}
				sameLabel := label(i) == label(j)
				switch {
				case diff <= cfg.Thresholds.NonCausal && sameLabel:
					terms = append(terms, term{i, j, true})
				case diff >= cfg.Thresholds.DirectlyCausal || !sameLabel:
					terms = append(terms, term{i, j, false})
				}
			}
		}
	}

	res.Pairs = len(terms)
	if res.Pairs == 0 {
		return res, nil
	}
	n := float64(res.Pairs)
	for _, tm := range terms {
		d := distance(emb.Row(tm.i), emb.Row(tm.j))
		if tm.positive {
			res.Loss += cfg.Weight * d * d / n
			addDistanceGrad(emb, res.Grad, tm.i, tm.j, cfg.Weight*2*d/n)
			continue
		}
		if gap := cfg.Margin - d; gap > 0 {
			res.Loss += cfg.Weight * gap * gap / n
			addDistanceGrad(emb, res.Grad, tm.i, tm.j, -cfg.Weight*2*gap/n)
		}
	}
	return res, nil
}

// RankingConfig parameterizes Ranking.
type RankingConfig struct {
	Weight      float64
	Margin      float64
	Consecutive bool

	// PoisonProb is the probability that each directly-causal label of a
	// labeled group is flipped before the ranking is formed.
	PoisonProb float64
}

// Ranking orders each group's counterfactuals and asks the embedding
// distance to the factual variant to grow with the rank by at least Margin.
// In labeled groups directly-causal agents rank above all others and effect
// orders agents with the same label; elsewhere effect alone decides. For
// every pair i < j in that order (or only neighbours when Consecutive is
// set) the loss is max(0, Margin - (d_j - d_i)). Accuracy is the share of
// pairs with d_j > d_i.
func Ranking(emb *predictor.Embeddings, layout Layout, cfg RankingConfig, rng *rand.Rand) (*EmbeddingLoss, error) {
	if err := layout.Validate(emb.Rows); err != nil {
		return nil, err
	}
	if len(emb.Data) != emb.Rows*emb.Dim {
		return nil, fmt.Errorf("embeddings hold %d values for %dx%d", len(emb.Data), emb.Rows, emb.Dim)
	}

	labels, total, flipped := PoisonLabels(layout, cfg.PoisonProb, rng)
	res := &EmbeddingLoss{Grad: make([]float64, len(emb.Data))}
	if total > 0 {
		res.PoisonedFraction = float64(flipped) / float64(total)
	}

	type pair struct{ anchor, near, far int }
	var pairs []pair
	for g := range layout.Groups() {
		lo, hi := layout.Boundary[g], layout.Boundary[g+1]
		rows := make([]int, 0, hi-lo-1)
		for row := lo + 1; row < hi; row++ {
			if !math.IsNaN(layout.Effects[g][row-lo-1]) {
				rows = append(rows, row)
			}
		}
		effect := func(row int) float64 { return layout.Effects[g][row-lo-1] }
		label := func(row int) bool { return layout.labeled(g) && labels[g][row-lo-1] }
		less := func(a, b int) bool {
			if label(a) != label(b) {
				return label(b)
			}
			return effect(a) < effect(b)
		}
		sort.SliceStable(rows, func(a, b int) bool { return less(rows[a], rows[b]) })

		for a := range rows {
			for b := a + 1; b < len(rows); b++ {
				if cfg.Consecutive && b > a+1 {
					break
				}
				if !less(rows[a], rows[b]) {
					continue
				}
				pairs = append(pairs, pair{lo, rows[a], rows[b]})
			}
		}
	}

	res.Pairs = len(pairs)
	if res.Pairs == 0 {
		return res, nil
	}
	n := float64(res.Pairs)
	correct := 0
	for _, p := range pairs {
		dNear := distance(emb.Row(p.near), emb.Row(p.anchor))
		dFar := distance(emb.Row(p.far), emb.Row(p.anchor))
		if dFar > dNear {
			correct++
		}
		if hinge := cfg.Margin - (dFar - dNear); hinge > 0 {
			res.Loss += cfg.Weight * hinge / n
			addDistanceGrad(emb, res.Grad, p.far, p.anchor, -cfg.Weight/n)
			addDistanceGrad(emb, res.Grad, p.near, p.anchor, cfg.Weight/n)
		}
	}
	res.Accuracy = float64(correct) / n
	return res, nil
}
