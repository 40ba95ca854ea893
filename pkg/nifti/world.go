package nifti

import "math"

// VoxelToWorld returns the voxel-to-world affine of h. The sform is used
// when sform_code is set, then the quaternion qform, and as a last resort a
// plain pixdim scaling (NIfTI methods 3, 2 and 1).
func (h *Header) VoxelToWorld() [4][4]float64 {
	switch {
	case h.SFormCode > 0:
		return h.sform()
	case h.QFormCode > 0:
		return h.qform()
	}
	s := h.spacing()
	return [4][4]float64{
		{s[0], 0, 0, 0},
		{0, s[1], 0, 0},
		{0, 0, s[2], 0},
		{0, 0, 0, 1},
	}
}

// WorldOf maps a (possibly fractional) voxel coordinate to world space.
func (h *Header) WorldOf(v [3]float64) [3]float64 {
	m := h.VoxelToWorld()
	var w [3]float64
	for i := 0; i < 3; i++ {
		w[i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2] + m[i][3]
	}
	return w
}

func (h *Header) sform() [4][4]float64 {
	var m [4][4]float64
	for i, row := range [3][4]float32{h.SRowX, h.SRowY, h.SRowZ} {
		for j := range row {
			m[i][j] = float64(row[j])
		}
	}
	m[3][3] = 1
	return m
}

func (h *Header) qform() [4][4]float64 {
	b, c, d := float64(h.QuaternB), float64(h.QuaternC), float64(h.QuaternD)
	a := 1 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation; a is taken as zero and (b,c,d) renormalized
		n := 1 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	s := h.spacing()
	if h.PixDim[0] < 0 {
		s[2] = -s[2]
	}
	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}
	off := [3]float64{float64(h.QOffsetX), float64(h.QOffsetY), float64(h.QOffsetZ)}

	var m [4][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = r[i][j] * s[j]
		}
		m[i][3] = off[i]
	}
	m[3][3] = 1
	return m
}

// spacing is pixdim[1..3], with non-positive entries read as 1.
func (h *Header) spacing() [3]float64 {
	var s [3]float64
	for i := range s {
		s[i] = float64(h.PixDim[i+1])
		if s[i] <= 0 {
			s[i] = 1
		}
	}
	return s
}
