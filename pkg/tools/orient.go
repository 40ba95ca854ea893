package tools

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"cavitymap/pkg/nifti"
)

// Orientation returns the DICOM ImageOrientationPatient of h: the row and
// column direction cosines of its voxel axes in patient (LPS) space.
func Orientation(h *nifti.Header) [6]float64 {
	m := h.VoxelToWorld()
	var iop [6]float64
	for axis := 0; axis < 2; axis++ {
		v := [3]float64{m[0][axis], m[1][axis], m[2][axis]}
		n := math.Sqrt(v[0]*v[0] + v[1]*v[1] + v[2]*v[2])
		if n == 0 {
			n = 1
		}
		// NIfTI world is RAS, DICOM patient space is LPS
		v[0], v[1] = -v[0], -v[1]
		for i := range v {
			c := v[i] / n
			if c == 0 {
				c = 0 // no negative zero in the header
			}
			iop[axis*3+i] = c
		}
	}
	return iop
}

// FixOrientation rewrites ImageOrientationPatient on every .dcm file
// directly under dir to the orientation of h and returns the number of
// slices rewritten. nii2dcm writes an orientation that does not follow the
// mask's direction cosines.
func FixOrientation(dir string, h *nifti.Header) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	iop := Orientation(h)
	values := make([]string, len(iop))
	for i, c := range iop {
		values[i] = strconv.FormatFloat(c, 'g', 10, 64)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".dcm") {
			continue
		}
		if err := setOrientation(filepath.Join(dir, e.Name()), values); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func setOrientation(path string, values []string) error {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	elem, err := dicom.NewElement(tag.ImageOrientationPatient, values)
	if err != nil {
		return err
	}

	i := sort.Search(len(ds.Elements), func(i int) bool {
		return !tagLess(ds.Elements[i].Tag, tag.ImageOrientationPatient)
	})
	switch {
	case i < len(ds.Elements) && ds.Elements[i].Tag == tag.ImageOrientationPatient:
		ds.Elements[i] = elem
	default:
		ds.Elements = append(ds.Elements, nil)
		copy(ds.Elements[i+1:], ds.Elements[i:])
		ds.Elements[i] = elem
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".dicom-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := dicom.Write(tmp, ds); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func tagLess(a, b tag.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}
