package preprocess

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"gmseg/pkg/nifti"
)

// LevelSource attaches vertebral levels to the slices of a segmentation.
// Slices missing from the returned map have no level.
type LevelSource interface {
	Levels(seg *nifti.Image) (map[int]float64, error)
}

// LevelFile reads "slice,level" lines. Blank lines and lines starting
// with '#' are ignored; fields may also be separated by whitespace.
type LevelFile struct {
	Path string
}

// Levels implements LevelSource
func (f LevelFile) Levels(seg *nifti.Image) (map[int]float64, error) {
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("error opening level file: %w", err)
	}
	defer file.Close()

	levels := make(map[int]float64)
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.FieldsFunc(line, func(r rune) bool {
			return r == ',' || r == ' ' || r == '\t'
		})
		if len(fields) != 2 {
			return nil, fmt.Errorf("%s:%d: expected \"slice,level\", got %q", f.Path, lineNo, line)
		}
		z, err := strconv.Atoi(fields[0])
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid slice index: %w", f.Path, lineNo, err)
		}
		level, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: invalid level: %w", f.Path, lineNo, err)
		}
		if seg != nil && (z < 0 || z >= seg.Nz) {
			return nil, fmt.Errorf("%s:%d: slice %d outside image of %d slices", f.Path, lineNo, z, seg.Nz)
		}
		levels[z] = level
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading level file: %w", err)
	}
	return levels, nil
}

// LevelImage is a label volume whose voxel values are vertebral levels.
// A slice gets the most frequent non-zero label found inside the cord.
type LevelImage struct {
	Image *nifti.Image
}

// Levels implements LevelSource
func (l LevelImage) Levels(seg *nifti.Image) (map[int]float64, error) {
	if l.Image == nil {
		return nil, fmt.Errorf("no level image")
	}

	sameGrid := l.Image.SameShape(seg) && l.Image.Affine == seg.Affine
	levels := make(map[int]float64)
	for k := 0; k < seg.Nz; k++ {
		counts := make(map[int]int)
		for j := 0; j < seg.Ny; j++ {
			for i := 0; i < seg.Nx; i++ {
				if seg.At(i, j, k) <= 0 {
					continue
				}
				v, ok, err := l.labelAt(seg, i, j, k, sameGrid)
				if err != nil {
					return nil, err
				}
				if ok && v > 0 {
					counts[v]++
				}
			}
		}
		if label, ok := mostFrequent(counts); ok {
			levels[k] = float64(label)
		}
	}
	return levels, nil
}

// labelAt reads the label under voxel (i, j, k) of seg, going through
// world coordinates when the two images do not share a grid
func (l LevelImage) labelAt(seg *nifti.Image, i, j, k int, sameGrid bool) (int, bool, error) {
	if sameGrid {
		return int(math.Round(l.Image.At(i, j, k))), true, nil
	}
	p, err := l.Image.Phys2Pix(seg.Pix2Phys(float64(i), float64(j), float64(k)))
	if err != nil {
		return 0, false, err
	}
	x, y, z := int(math.Round(p[0])), int(math.Round(p[1])), int(math.Round(p[2]))
	if x < 0 || y < 0 || z < 0 || x >= l.Image.Nx || y >= l.Image.Ny || z >= l.Image.Nz {
		return 0, false, nil
	}
	return int(math.Round(l.Image.At(x, y, z))), true, nil
}

// mostFrequent breaks ties towards the smaller label
func mostFrequent(counts map[int]int) (int, bool) {
	best, bestCount := 0, 0
	for label, c := range counts {
		if c > bestCount || (c == bestCount && label < best) {
			best, bestCount = label, c
		}
	}
	return best, bestCount > 0
}

// OpenLevels picks the source from the file name: NIfTI files are label
// volumes, anything else is a text file. An empty path means no levels.
func OpenLevels(path string) (LevelSource, error) {
	if path == "" {
		return nil, nil
	}
	if strings.HasSuffix(path, ".nii") || strings.HasSuffix(path, ".nii.gz") {
		im, err := nifti.Read(path)
		if err != nil {
			return nil, fmt.Errorf("error reading level image: %w", err)
		}
		return LevelImage{Image: im}, nil
	}
	return LevelFile{Path: path}, nil
}
