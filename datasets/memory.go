package datasets

import "fmt"

// MemoryDataset serves groups built from scenes held in memory.
type MemoryDataset struct {
	Scenes  []RawScene
	Builder Builder
}

// Len returns the number of scenes.
func (m *MemoryDataset) Len() int { return len(m.Scenes) }

// Group normalizes and masks the scene at index i.
func (m *MemoryDataset) Group(i int) (*Group, error) {
	if i < 0 || i >= len(m.Scenes) {
		return nil, fmt.Errorf("index %d out of range", i)
	}
	return m.Builder.Build(i, m.Scenes[i])
}
