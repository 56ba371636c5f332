package datasets

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/Noofbiz/socialcausality/scene"
)

// CausalDataset
// - Stores paths to CSV files with one position per row
// - Columns: scene_id, variant, agent_id, frame_id, x, y, directly_causal
// - variant is -1 for the factual scene and i for the scene with agent i removed
// - agent_id 0 is the ego; empty x/y cells are missing positions
// - directly_causal is an optional 0/1 annotation on factual rows
// - Scenes are loaded on demand, grouped by scene_id

// Column names recognised in scene CSV headers.
const (
	ColSceneID        = "scene_id"
	ColVariant        = "variant"
	ColAgentID        = "agent_id"
	ColFrameID        = "frame_id"
	ColX              = "x"
	ColY              = "y"
	ColDirectlyCausal = "directly_causal"
)

// EgoAgentID is the agent_id of the ego in scene CSV files.
const EgoAgentID = 0

type sceneLocation struct {
	fileIdx int
	rows    map[int]bool
}

type sceneColumns struct {
	scene, variant, agent, frame, x, y int
	causal                             int // -1 when absent
}

// CausalDataset reads Scene Groups lazily from CSV files.
type CausalDataset struct {
	Pattern string

	csvPaths  []string
	builder   Builder
	cols      sceneColumns
	sceneIDs  []string
	locations map[string]sceneLocation
}

// NewCausalDataset indexes every scene found in the files matching pattern.
// Only the row numbers are kept; positions are read when a group is
// requested.
func NewCausalDataset(pattern string, builder Builder) (*CausalDataset, error) {
	csvPaths, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, err)
	}
	if len(csvPaths) == 0 {
		return nil, fmt.Errorf("no CSV files found matching pattern: %s", pattern)
	}
	sort.Strings(csvPaths)

	ds := &CausalDataset{
		Pattern:   pattern,
		csvPaths:  csvPaths,
		builder:   builder,
		locations: make(map[string]sceneLocation),
	}
	if err := ds.initializeColumns(); err != nil {
		return nil, err
	}
	if err := ds.buildSceneIndex(); err != nil {
		return nil, err
	}
	return ds, nil
}

// initializeColumns determines column indices from the first file
func (c *CausalDataset) initializeColumns() error {
	colIndex, err := readHeader(c.csvPaths[0])
	if err != nil {
		return fmt.Errorf("failed to open first CSV: %w", err)
	}

	required := []struct {
		name string
		dst  *int
	}{
		{ColSceneID, &c.cols.scene},
		{ColVariant, &c.cols.variant},
		{ColAgentID, &c.cols.agent},
		{ColFrameID, &c.cols.frame},
		{ColX, &c.cols.x},
		{ColY, &c.cols.y},
	}
	for _, r := range required {
		idx, ok := colIndex[r.name]
		if !ok {
			return fmt.Errorf("column %q not found", r.name)
		}
		*r.dst = idx
	}
	c.cols.causal = -1
	if idx, ok := colIndex[ColDirectlyCausal]; ok {
		c.cols.causal = idx
	}
	return nil
}

// buildSceneIndex scans all files to build an index of scene IDs
func (c *CausalDataset) buildSceneIndex() error {
	for fileIdx, path := range c.csvPaths {
		if err := c.scanFileForScenes(fileIdx, path); err != nil {
			return fmt.Errorf("failed to scan %s: %w", path, err)
		}
	}
	c.sceneIDs = make([]string, 0, len(c.locations))
	for id := range c.locations {
		c.sceneIDs = append(c.sceneIDs, id)
	}
	sort.Strings(c.sceneIDs)
	return nil
}

func (c *CausalDataset) scanFileForScenes(fileIdx int, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return err
	}

	rowIdx := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		id := record[c.cols.scene]
		loc, ok := c.locations[id]
		if !ok {
			loc = sceneLocation{fileIdx: fileIdx, rows: make(map[int]bool)}
			c.locations[id] = loc
		} else if loc.fileIdx != fileIdx {
			return fmt.Errorf("scene %s appears in more than one file", id)
		}
		loc.rows[rowIdx] = true
		rowIdx++
	}
	return nil
}

// Len returns the number of scenes.
func (c *CausalDataset) Len() int {
	return len(c.sceneIDs)
}

// SceneID returns the scene id at index i.
func (c *CausalDataset) SceneID(i int) string {
	return c.sceneIDs[i]
}

// Group loads, normalizes and masks the scene at index i.
func (c *CausalDataset) Group(i int) (*Group, error) {
	if i < 0 || i >= len(c.sceneIDs) {
		return nil, fmt.Errorf("index %d out of range", i)
	}
	raw, err := c.loadScene(c.sceneIDs[i])
	if err != nil {
		return nil, err
	}
	return c.builder.Build(i, *raw)
}

type sceneRow struct {
	variant, agent, frame int
	x, y                  float64
	causal, labeled       bool
}

// loadScene reads the rows of one scene and assembles its raw variants.
func (c *CausalDataset) loadScene(id string) (*RawScene, error) {
	loc, ok := c.locations[id]
	if !ok {
		return nil, fmt.Errorf("scene %s not found", id)
	}

	file, err := os.Open(c.csvPaths[loc.fileIdx])
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil {
		return nil, err
	}

	rows := make([]sceneRow, 0, len(loc.rows))
	currentRow := 0
	for record, err := reader.Read(); err != io.EOF; record, err = reader.Read() {
		if err != nil {
			return nil, err
		}
		if loc.rows[currentRow] {
			r, err := c.parseRow(record)
			if err != nil {
				return nil, fmt.Errorf("scene %s row %d: %w", id, currentRow, err)
			}
			rows = append(rows, r)
		}
		currentRow++
	}
	return assembleScene(id, rows, c.builder.Normalizer.Window)
}

func (c *CausalDataset) parseRow(record []string) (sceneRow, error) {
	var r sceneRow
	var err error
	if r.variant, err = parseInt(record[c.cols.variant]); err != nil {
		return r, fmt.Errorf("variant: %w", err)
	}
	if r.agent, err = parseInt(record[c.cols.agent]); err != nil {
		return r, fmt.Errorf("agent_id: %w", err)
	}
	if r.frame, err = parseInt(record[c.cols.frame]); err != nil {
		return r, fmt.Errorf("frame_id: %w", err)
	}
	if r.x, err = parseCoord(record[c.cols.x]); err != nil {
		return r, fmt.Errorf("x: %w", err)
	}
	if r.y, err = parseCoord(record[c.cols.y]); err != nil {
		return r, fmt.Errorf("y: %w", err)
	}
	if c.cols.causal >= 0 && c.cols.causal < len(record) {
		if r.causal, r.labeled, err = parseLabel(record[c.cols.causal]); err != nil {
			return r, fmt.Errorf("directly_causal: %w", err)
		}
	}
	return r, nil
}

// assembleScene turns parsed rows into a RawScene. Frames are mapped to
// timesteps by rank, so a scene must cover exactly w.Total() distinct
// frames. Agents are ordered by id with the ego first.
func assembleScene(id string, rows []sceneRow, w scene.Window) (*RawScene, error) {
	frameSet := make(map[int]bool)
	agentsByVariant := make(map[int]map[int]bool)
	for _, r := range rows {
		frameSet[r.frame] = true
		if agentsByVariant[r.variant] == nil {
			agentsByVariant[r.variant] = make(map[int]bool)
		}
		agentsByVariant[r.variant][r.agent] = true
	}
	if len(frameSet) != w.Total() {
		return nil, fmt.Errorf("%w: scene %s has %d frames, expected %d", ErrShape, id, len(frameSet), w.Total())
	}
	frames := sortedKeys(frameSet)
	frameIdx := make(map[int]int, len(frames))
	for i, f := range frames {
		frameIdx[f] = i
	}

	agentOrder := func(variant int) ([]int, error) {
		ids := sortedKeys(agentsByVariant[variant])
		if len(ids) == 0 || ids[0] != EgoAgentID {
			return nil, fmt.Errorf("%w: scene %s variant %d has no ego agent", ErrShape, id, variant)
		}
		return ids, nil
	}

	factualIDs, err := agentOrder(FactualVariant)
	if err != nil {
		return nil, err
	}
	factualPos := make(map[int]int, len(factualIDs))
	for i, a := range factualIDs {
		factualPos[a] = i
	}

	variants := make(map[int]*scene.Trajectories)
	positions := make(map[int]map[int]int)
	for v := range agentsByVariant {
		ids, err := agentOrder(v)
		if err != nil {
			return nil, err
		}
		variants[v] = scene.NewTrajectories(w.Total(), len(ids))
		positions[v] = make(map[int]int, len(ids))
		for i, a := range ids {
			positions[v][a] = i
		}
	}

	raw := &RawScene{ID: id, Factual: variants[FactualVariant]}
	labels := make([]bool, len(factualIDs))
	labeled := false
	for _, r := range rows {
		variants[r.variant].Set(frameIdx[r.frame], positions[r.variant][r.agent], r.x, r.y)
		if r.variant == FactualVariant && r.labeled {
			labeled = true
			labels[factualPos[r.agent]] = labels[factualPos[r.agent]] || r.causal
		}
	}
	if labeled {
		raw.DirectlyCausal = labels
	}

	for _, v := range sortedKeys(variantKeys(agentsByVariant)) {
		if v == FactualVariant {
			continue
		}
		pos, ok := factualPos[v]
		if !ok || pos == 0 {
			return nil, fmt.Errorf("scene %s: counterfactual removes unknown agent %d", id, v)
		}
		raw.Counterfactuals = append(raw.Counterfactuals, variants[v])
		raw.Removed = append(raw.Removed, pos)
	}
	return raw, nil
}

func variantKeys(m map[int]map[int]bool) map[int]bool {
	out := make(map[int]bool, len(m))
	for k := range m {
		out[k] = true
	}
	return out
}

func sortedKeys(m map[int]bool) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}
