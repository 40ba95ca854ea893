package nifti

import (
	"fmt"
	"math"
)

// Geometry is the spatial part of a header: the voxel grid and its mapping
// to scanner space.
type Geometry struct {
	Dim       [8]int16
	PixDim    [8]float32
	XYZTUnits byte
	QFormCode int16
	SFormCode int16
	QuaternB  float32
	QuaternC  float32
	QuaternD  float32
	QOffsetX  float32
	QOffsetY  float32
	QOffsetZ  float32
	SRowX     [4]float32
	SRowY     [4]float32
	SRowZ     [4]float32
}

// GeometryOf extracts the geometry of h.
func GeometryOf(h *Header) Geometry {
	return Geometry{
		Dim:       h.Dim,
		PixDim:    h.PixDim,
		XYZTUnits: h.XYZTUnits,
		QFormCode: h.QFormCode,
		SFormCode: h.SFormCode,
		QuaternB:  h.QuaternB,
		QuaternC:  h.QuaternC,
		QuaternD:  h.QuaternD,
		QOffsetX:  h.QOffsetX,
		QOffsetY:  h.QOffsetY,
		QOffsetZ:  h.QOffsetZ,
		SRowX:     h.SRowX,
		SRowY:     h.SRowY,
		SRowZ:     h.SRowZ,
	}
}

// Apply overwrites the spatial fields of h with g. The fourth and higher
// dimensions of h are kept so a 3D geometry can be stamped onto a mask.
func (g Geometry) Apply(h *Header) {
	for i := 1; i <= 3; i++ {
		h.PixDim[i] = g.PixDim[i]
	}
	h.PixDim[0] = g.PixDim[0]
	h.XYZTUnits = g.XYZTUnits
	h.QFormCode = g.QFormCode
	h.SFormCode = g.SFormCode
	h.QuaternB = g.QuaternB
	h.QuaternC = g.QuaternC
	h.QuaternD = g.QuaternD
	h.QOffsetX = g.QOffsetX
	h.QOffsetY = g.QOffsetY
	h.QOffsetZ = g.QOffsetZ
	h.SRowX = g.SRowX
	h.SRowY = g.SRowY
	h.SRowZ = g.SRowZ
}

// Equal compares grids and spatial mappings within tol.
func (g Geometry) Equal(o Geometry, tol float64) bool {
	for i := 1; i <= 3; i++ {
		if g.Dim[i] != o.Dim[i] {
			return false
		}
	}
	if g.QFormCode != o.QFormCode || g.SFormCode != o.SFormCode {
		return false
	}
	near := func(a, b float32) bool { return math.Abs(float64(a)-float64(b)) <= tol }
	for i := 1; i <= 3; i++ {
		if !near(g.PixDim[i], o.PixDim[i]) {
			return false
		}
	}
	scalars := [][2]float32{
		{g.QuaternB, o.QuaternB}, {g.QuaternC, o.QuaternC}, {g.QuaternD, o.QuaternD},
		{g.QOffsetX, o.QOffsetX}, {g.QOffsetY, o.QOffsetY}, {g.QOffsetZ, o.QOffsetZ},
	}
	for _, p := range scalars {
		if !near(p[0], p[1]) {
			return false
		}
	}
	for i := 0; i < 4; i++ {
		if !near(g.SRowX[i], o.SRowX[i]) || !near(g.SRowY[i], o.SRowY[i]) || !near(g.SRowZ[i], o.SRowZ[i]) {
			return false
		}
	}
	return true
}

// CopyGeometry stamps the geometry of the image at src onto the image at
// dst, in place. Both must share the same 3D grid.
func CopyGeometry(src, dst string) error {
	sh, err := ReadHeader(src)
	if err != nil {
		return fmt.Errorf("reading geometry source: %w", err)
	}
	img, err := Read(dst)
	if err != nil {
		return fmt.Errorf("reading geometry target: %w", err)
	}
	if err := CheckSameGrid(sh, &img.Header); err != nil {
		return err
	}

	GeometryOf(sh).Apply(&img.Header)
	return Write(dst, img)
}

// SameGeometry reports whether the images at a and b share grid and
// spatial mapping within tol.
func SameGeometry(a, b string, tol float64) (bool, error) {
	ha, err := ReadHeader(a)
	if err != nil {
		return false, err
	}
	hb, err := ReadHeader(b)
	if err != nil {
		return false, err
	}
	return GeometryOf(ha).Equal(GeometryOf(hb), tol), nil
}
