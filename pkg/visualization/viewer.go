// Package visualization renders QC snapshots: orthogonal slices of the
// original scan with the cavity mask painted over them.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/image/draw"
	"gonum.org/v1/gonum/stat"

	"cavitymap/pkg/nifti"
)

// overlay is the colour used for mask voxels, blended over the anatomy.
var overlay = color.RGBA{R: 255, G: 40, B: 40, A: 255}

// overlayAlpha is the weight of the overlay colour on masked voxels.
const overlayAlpha = 0.55

// Viewer holds an anatomy volume and a mask on the same grid.
type Viewer struct {
	// anatomy is the intensity volume, x fastest
	anatomy []float64

	// mask is non-zero on labelled voxels
	mask []float64

	// dimensions of the volume
	width  int
	height int
	depth  int

	// spacing is the voxel size in mm along x, y, z
	spacing [3]float64

	// window is the intensity range mapped to black..white
	low, high float64
}

// NewViewer creates a viewer over anatomy and mask. The two images must
// share the same grid.
func NewViewer(anatomy, mask *nifti.Volume) (*Viewer, error) {
	if err := nifti.CheckSameGrid(&anatomy.Header, &mask.Header); err != nil {
		return nil, err
	}
	dims := anatomy.Header.Dims()
	v := &Viewer{
		anatomy: anatomy.Data,
		mask:    mask.Data,
		width:   dims[0],
		height:  dims[1],
		depth:   dims[2],
	}
	for i := 0; i < 3; i++ {
		v.spacing[i] = math.Abs(float64(anatomy.Header.PixDim[i+1]))
		if v.spacing[i] == 0 {
			v.spacing[i] = 1
		}
	}
	v.low, v.high = window(v.anatomy)
	return v, nil
}

// window returns the 1st and 99th intensity percentiles of non-zero voxels.
func window(values []float64) (float64, float64) {
	nz := make([]float64, 0, len(values))
	for _, x := range values {
		if x != 0 {
			nz = append(nz, x)
		}
	}
	if len(nz) == 0 {
		return 0, 1
	}
	sort.Float64s(nz)
	lo := stat.Quantile(0.01, stat.Empirical, nz, nil)
	hi := stat.Quantile(0.99, stat.Empirical, nz, nil)
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

func (v *Viewer) index(x, y, z int) int {
	return z*v.width*v.height + y*v.width + x
}

func (v *Viewer) pixel(idx int) color.RGBA {
	g := (v.anatomy[idx] - v.low) / (v.high - v.low)
	g = math.Max(0, math.Min(1, g))
	c := uint8(g * 255)
	if v.mask[idx] == 0 {
		return color.RGBA{R: c, G: c, B: c, A: 255}
	}
	blend := func(base, top uint8) uint8 {
		return uint8(float64(base)*(1-overlayAlpha) + float64(top)*overlayAlpha)
	}
	return color.RGBA{R: blend(c, overlay.R), G: blend(c, overlay.G), B: blend(c, overlay.B), A: 255}
}

// ExtractSlice extracts one overlay slice along the given axis at voxel
// resolution. Rows run from the top of the image, so the second in-plane
// axis is flipped to put anterior/superior up.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.RGBA, error) {
	if position < 0 {
		return nil, fmt.Errorf("position must be non-negative")
	}

	var img *image.RGBA
	switch axis {
	case "x", "X":
		if position >= v.width {
			return nil, fmt.Errorf("position %d exceeds width %d", position, v.width)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.height, v.depth))
		for z := 0; z < v.depth; z++ {
			for y := 0; y < v.height; y++ {
				img.SetRGBA(y, v.depth-1-z, v.pixel(v.index(position, y, z)))
			}
		}

	case "y", "Y":
		if position >= v.height {
			return nil, fmt.Errorf("position %d exceeds height %d", position, v.height)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.width, v.depth))
		for z := 0; z < v.depth; z++ {
			for x := 0; x < v.width; x++ {
				img.SetRGBA(x, v.depth-1-z, v.pixel(v.index(x, position, z)))
			}
		}

	case "z", "Z":
		if position >= v.depth {
			return nil, fmt.Errorf("position %d exceeds depth %d", position, v.depth)
		}
		img = image.NewRGBA(image.Rect(0, 0, v.width, v.height))
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				img.SetRGBA(x, v.height-1-y, v.pixel(v.index(x, y, position)))
			}
		}

	default:
		return nil, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}

	return img, nil
}

// physicalSize returns the pixel size of a slice drawn with square pixels
// at scale pixels per mm of the finest in-plane spacing.
func (v *Viewer) physicalSize(axis string, b image.Rectangle, scale float64) (int, int) {
	var su, sv float64
	switch axis {
	case "x", "X":
		su, sv = v.spacing[1], v.spacing[2]
	case "y", "Y":
		su, sv = v.spacing[0], v.spacing[2]
	default:
		su, sv = v.spacing[0], v.spacing[1]
	}
	unit := math.Min(su, sv)
	w := int(math.Round(float64(b.Dx()) * su / unit * scale))
	h := int(math.Round(float64(b.Dy()) * sv / unit * scale))
	return max(w, 1), max(h, 1)
}

// Render extracts a slice and resamples it to physical aspect ratio.
// Nearest-neighbour keeps the mask edge crisp.
func (v *Viewer) Render(axis string, position int, scale float64) (image.Image, error) {
	src, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}
	w, h := v.physicalSize(axis, src.Bounds(), scale)
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst, nil
}

// SaveSlice saves an image as PNG.
func (v *Viewer) SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	if err := png.Encode(file, img); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Centre returns the voxel at the centre of the mask's bounding box, or the
// volume centre when the mask is empty.
func (v *Viewer) Centre() [3]int {
	lo := [3]int{v.width, v.height, v.depth}
	hi := [3]int{-1, -1, -1}
	for z := 0; z < v.depth; z++ {
		for y := 0; y < v.height; y++ {
			for x := 0; x < v.width; x++ {
				if v.mask[v.index(x, y, z)] == 0 {
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
	if hi[0] < 0 {
		return [3]int{v.width / 2, v.height / 2, v.depth / 2}
	}
	return [3]int{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2, (lo[2] + hi[2]) / 2}
}

// Snapshot names, one per orthogonal plane.
const (
	SagittalPNG = "sagittal.png"
	CoronalPNG  = "coronal.png"
	AxialPNG    = "axial.png"
)

// Snapshots writes sagittal, coronal and axial overlays through the mask
// centre into outputDir and returns the written paths.
func Snapshots(anatomyPath, maskPath, outputDir string, scale float64) ([]string, error) {
	anatomy, err := nifti.Load(anatomyPath)
	if err != nil {
		return nil, fmt.Errorf("reading anatomy: %w", err)
	}
	mask, err := nifti.Load(maskPath)
	if err != nil {
		return nil, fmt.Errorf("reading mask: %w", err)
	}
	v, err := NewViewer(anatomy, mask)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, err
	}

	c := v.Centre()
	planes := []struct {
		axis string
		pos  int
		name string
	}{
		{"x", c[0], SagittalPNG},
		{"y", c[1], CoronalPNG},
		{"z", c[2], AxialPNG},
	}
	var written []string
	for _, p := range planes {
		img, err := v.Render(p.axis, p.pos, scale)
		if err != nil {
			return written, err
		}
		path := filepath.Join(outputDir, p.name)
		if err := v.SaveSlice(img, path); err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}
