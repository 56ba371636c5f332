package datasets

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats/scalar"
)

// parseCoord parses a coordinate. Empty cells are missing and become NaN.
func parseCoord(s string) (float64, error) {
	v, w, err := scalar.ParseWithNA(strings.TrimSpace(s), "")
	if err != nil {
		return 0, err
	}
	if w == 0 {
		return math.NaN(), nil
	}
	return v, nil
}

// parseLabel parses an optional 0/1 annotation. ok is false for empty cells.
func parseLabel(s string) (value, ok bool, err error) {
	v, w, err := scalar.ParseWithNA(strings.TrimSpace(s), "")
	if err != nil {
		return false, false, err
	}
	return w != 0 && v != 0, w != 0, nil
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}

// readHeader returns a lower-cased column name -> index map.
func readHeader(path string) (map[string]int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	header, err := csv.NewReader(file).Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.TrimSpace(strings.ToLower(col))] = i
	}
	return colIndex, nil
}

// FindCSVInAssets returns a glob pattern for the CSV files in dir, failing
// when there are none.
func FindCSVInAssets(dir string) (string, error) {
	pattern := filepath.Join(dir, "*.csv")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no CSV files found in %s", dir)
	}
	return pattern, nil
}
