package transform

import (
	"fmt"
	"math"
)

// Volume is a label volume on a voxel grid, x fastest.
type Volume struct {
	Dims [3]int
	Data []float64
}

// NewVolume allocates a zero volume.
func NewVolume(dims [3]int) Volume {
	return Volume{Dims: dims, Data: make([]float64, dims[0]*dims[1]*dims[2])}
}

func (v Volume) index(x, y, z int) int {
	return z*v.Dims[0]*v.Dims[1] + y*v.Dims[0] + x
}

// At returns the value at (x, y, z), or 0 outside the grid.
func (v Volume) At(x, y, z int) float64 {
	if x < 0 || y < 0 || z < 0 || x >= v.Dims[0] || y >= v.Dims[1] || z >= v.Dims[2] {
		return 0
	}
	return v.Data[v.index(x, y, z)]
}

// Set stores value at (x, y, z).
func (v Volume) Set(x, y, z int, value float64) {
	v.Data[v.index(x, y, z)] = value
}

// CountNonZero returns the number of labelled voxels.
func (v Volume) CountNonZero() int {
	n := 0
	for _, x := range v.Data {
		if x != 0 {
			n++
		}
	}
	return n
}

// BoundingBox returns inclusive min/max coordinates of labelled voxels.
func (v Volume) BoundingBox() (lo, hi [3]int, ok bool) {
	lo = v.Dims
	hi = [3]int{-1, -1, -1}
	for z := 0; z < v.Dims[2]; z++ {
		for y := 0; y < v.Dims[1]; y++ {
			for x := 0; x < v.Dims[0]; x++ {
				if v.Data[v.index(x, y, z)] == 0 {
					continue
				}
				c := [3]int{x, y, z}
				for a := 0; a < 3; a++ {
					lo[a] = min(lo[a], c[a])
					hi[a] = max(hi[a], c[a])
				}
			}
		}
	}
	return lo, hi, hi[0] >= 0
}

// ResampleNearest maps src onto a grid of refDims. forward takes source voxel
// coordinates to reference voxel coordinates; each reference voxel pulls the
// nearest source voxel through its inverse. Labels are copied, never blended.
func ResampleNearest(src Volume, refDims [3]int, forward Affine) (Volume, error) {
	back, err := forward.Inverse()
	if err != nil {
		return Volume{}, fmt.Errorf("inverting resampling transform: %w", err)
	}

	out := NewVolume(refDims)
	for z := 0; z < refDims[2]; z++ {
		for y := 0; y < refDims[1]; y++ {
			for x := 0; x < refDims[0]; x++ {
				p := back.Apply([3]float64{float64(x), float64(y), float64(z)})
				sx := int(math.Round(p[0]))
				sy := int(math.Round(p[1]))
				sz := int(math.Round(p[2]))
				out.Set(x, y, z, src.At(sx, sy, sz))
			}
		}
	}
	return out, nil
}

// AxisFlip builds the voxel transform that mirrors the listed axes of a grid
// of the given dimensions and permutes axes by perm (output axis i takes
// input axis perm[i]). This is the shape of a canonical reorientation.
func AxisFlip(dims [3]int, perm [3]int, flip [3]bool) Affine {
	var rows [4][4]float64
	for i := 0; i < 3; i++ {
		src := perm[i]
		if flip[i] {
			rows[i][src] = -1
			rows[i][3] = float64(dims[src] - 1)
		} else {
			rows[i][src] = 1
		}
	}
	rows[3][3] = 1
	return FromRows(rows)
}

// PermuteDims returns the grid dimensions after applying perm.
func PermuteDims(dims [3]int, perm [3]int) [3]int {
	return [3]int{dims[perm[0]], dims[perm[1]], dims[perm[2]]}
}
