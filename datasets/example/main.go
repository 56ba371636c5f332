package main

// Example command that loads causal scene groups from CSV, collates a small
// batch with its Boundary Index and converts it into gomlx tensors.
//
// The dataset uses lazy loading: only the scene index is built up front and
// positions are read when a group is requested.
//
// Usage:
//   go run ./example -data ../assets/causal
//
// If no CSV is found the example prints an error and exits.

import (
	"flag"
	"fmt"
	"log"

	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/scene"
)

func main() {
	dataDir := flag.String("data", "../assets/causal", "directory holding scene CSV files")
	n := flag.Int("n", 4, "number of scene groups in the example batch")
	flag.Parse()

	pattern, err := datasets.FindCSVInAssets(*dataDir)
	if err != nil {
		log.Fatalf("failed to find scene CSVs: %v", err)
	}
	ds, err := datasets.NewCausalDataset(pattern, datasets.NewBuilder(scene.DefaultWindow, scene.DefaultMaxAgents))
	if err != nil {
		log.Fatalf("failed to open causal dataset: %v", err)
	}
	fmt.Printf("Using scene CSV pattern: %s\n", pattern)
	fmt.Printf("Total scene groups available: %d\n", ds.Len())

	m := min(*n, ds.Len())
	if m == 0 {
		return
	}
	indices := make([]int, m)
	for i := range m {
		indices[i] = i
	}

	fmt.Printf("Loading batch of %d scene groups...\n", m)
	batch, err := datasets.Load(ds, indices)
	if err != nil {
		log.Fatalf("failed to build batch: %v", err)
	}
	fmt.Printf("  %d rows, boundary %v\n", batch.Size, batch.Boundary)
	for g := range batch.NumGroups() {
		lo, hi := batch.Span(g)
		fmt.Printf("  scene %s: %d counterfactuals, effects %v\n", batch.Rows[lo].SceneID, hi-lo-1, batch.CausalEffects[g])
	}

	ts, err := batch.ToGomlxTensors()
	if err != nil {
		log.Fatalf("failed to convert batch to gomlx tensors: %v", err)
	}
	for i, name := range []string{"ego past", "ego future", "others past", "others future"} {
		fmt.Printf("Created %s tensor: %s\n", name, ts[i].Shape())
	}
	fmt.Printf("Created boundary tensor: %s\n", batch.BoundaryTensor().Shape())
}
