package nifti

import (
	"fmt"

	niilib "github.com/KyungWonPark/nifti"
)

// Volume is the decoded first frame of an image: its header and one value
// per voxel, x fastest.
type Volume struct {
	Header Header
	Data   []float64
}

// parse runs the NIfTI library over path. The library reports malformed
// files by panicking, so the panic is turned back into an error.
func parse(path string, withData bool) (img niilib.Nifti1Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: %v", path, r)
		}
	}()
	img.LoadImage(path, withData)
	return
}

// Check validates path as a readable NIfTI-1 volume: the header checks of
// ReadHeader plus a full header parse by the NIfTI library.
func Check(path string) error {
	if _, err := ReadHeader(path); err != nil {
		return err
	}
	_, err := parse(path, false)
	return err
}

// Load reads path and decodes its voxels through the NIfTI library.
func Load(path string) (*Volume, error) {
	h, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}
	if BytesPerVoxel(h.Datatype) == 0 {
		return nil, fmt.Errorf("%s: unsupported datatype %d", path, h.Datatype)
	}
	img, err := parse(path, true)
	if err != nil {
		return nil, err
	}

	vol := &Volume{Header: *h, Data: make([]float64, h.Dims()[0]*h.Dims()[1]*h.Dims()[2])}
	if err := vol.fill(&img); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return vol, nil
}

func (v *Volume) fill(img *niilib.Nifti1Image) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoding voxels: %v", r)
		}
	}()
	d := v.Header.Dims()
	for z := 0; z < d[2]; z++ {
		for y := 0; y < d[1]; y++ {
			for x := 0; x < d[0]; x++ {
				v.Data[v.Index(x, y, z)] = float64(img.GetAt(uint32(x), uint32(y), uint32(z), 0))
			}
		}
	}
	return nil
}

// Volume decodes the first frame of an in-memory image.
func (img *Image) Volume() *Volume {
	return &Volume{Header: img.Header, Data: img.Values()}
}

// Index converts grid coordinates to a linear voxel index (x fastest).
func (v *Volume) Index(x, y, z int) int {
	d := v.Header.Dims()
	return z*d[0]*d[1] + y*d[0] + x
}

// CountNonZero returns the number of non-zero voxels.
func (v *Volume) CountNonZero() int {
	count := 0
	for _, x := range v.Data {
		if x != 0 {
			count++
		}
	}
	return count
}

// BoundingBox returns the inclusive min and max grid coordinates of non-zero
// voxels. ok is false for an empty volume.
func (v *Volume) BoundingBox() (lo, hi [3]int, ok bool) {
	d := v.Header.Dims()
	lo = [3]int{d[0], d[1], d[2]}
	hi = [3]int{-1, -1, -1}
	for z := 0; z < d[2]; z++ {
		for y := 0; y < d[1]; y++ {
			for x := 0; x < d[0]; x++ {
				if v.Data[v.Index(x, y, z)] == 0 {
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

// Labels returns the distinct values, capped at limit entries (0 means
// unbounded).
func (v *Volume) Labels(limit int) []float64 {
	seen := map[float64]bool{}
	var out []float64
	for _, x := range v.Data {
		if seen[x] {
			continue
		}
		seen[x] = true
		out = append(out, x)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
