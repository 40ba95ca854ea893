package nifti

import (
	"fmt"
	"math"
)

// At returns the scaled value of voxel i.
func (img *Image) At(i int) float64 {
	h := &img.Header
	bpv := BytesPerVoxel(h.Datatype)
	b := img.Data[i*bpv : (i+1)*bpv]
	o := img.Order

	var v float64
	switch h.Datatype {
	case DTUint8:
		v = float64(b[0])
	case DTInt8:
		v = float64(int8(b[0]))
	case DTInt16:
		v = float64(int16(o.Uint16(b)))
	case DTUint16:
		v = float64(o.Uint16(b))
	case DTInt32:
		v = float64(int32(o.Uint32(b)))
	case DTUint32:
		v = float64(o.Uint32(b))
	case DTFloat32:
		v = float64(math.Float32frombits(o.Uint32(b)))
	case DTFloat64:
		v = math.Float64frombits(o.Uint64(b))
	}

	if h.SclSlope != 0 && !(h.SclSlope == 1 && h.SclInter == 0) {
		v = v*float64(h.SclSlope) + float64(h.SclInter)
	}
	return v
}

// Set stores the unscaled value v at voxel i, truncating to the datatype.
func (img *Image) Set(i int, v float64) {
	h := &img.Header
	bpv := BytesPerVoxel(h.Datatype)
	b := img.Data[i*bpv : (i+1)*bpv]
	o := img.Order

	switch h.Datatype {
	case DTUint8:
		b[0] = uint8(v)
	case DTInt8:
		b[0] = byte(int8(v))
	case DTInt16:
		o.PutUint16(b, uint16(int16(v)))
	case DTUint16:
		o.PutUint16(b, uint16(v))
	case DTInt32:
		o.PutUint32(b, uint32(int32(v)))
	case DTUint32:
		o.PutUint32(b, uint32(v))
	case DTFloat32:
		o.PutUint32(b, math.Float32bits(float32(v)))
	case DTFloat64:
		o.PutUint64(b, math.Float64bits(v))
	}
}

// Index converts grid coordinates to a linear voxel index (x fastest).
func (img *Image) Index(x, y, z int) int {
	d := img.Header.Dims()
	return z*d[0]*d[1] + y*d[0] + x
}

// Values decodes the first 3D volume into scaled float64 values.
func (img *Image) Values() []float64 {
	d := img.Header.Dims()
	n := d[0] * d[1] * d[2]
	out := make([]float64, n)
	for i := range out {
		out[i] = img.At(i)
	}
	return out
}

// CountNonZero returns the number of voxels with a non-zero value in the first volume.
func (img *Image) CountNonZero() int {
	return img.Volume().CountNonZero()
}

// BoundingBox is Volume.BoundingBox over the first volume.
func (img *Image) BoundingBox() (lo, hi [3]int, ok bool) {
	return img.Volume().BoundingBox()
}

// Labels is Volume.Labels over the first volume.
func (img *Image) Labels(limit int) []float64 {
	return img.Volume().Labels(limit)
}

// CheckSameGrid returns an error when a and b differ in dimensions.
func CheckSameGrid(a, b *Header) error {
	if a.Dims() != b.Dims() {
		return fmt.Errorf("grid %v does not match %v", a.Dims(), b.Dims())
	}
	return nil
}
