// Package transform handles the 4x4 affine matrices recorded by the
// reorientation and registration stages (FSL .mat text format): reading,
// writing, inversion and composition, plus nearest-neighbour resampling of
// label volumes under an affine.
package transform

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when a matrix has no inverse.
var ErrSingular = errors.New("singular affine matrix")

// singularTolerance is the smallest |det| accepted as invertible.
const singularTolerance = 1e-12

// Affine is a homogeneous 4x4 transform. The zero value is not usable;
// build one with Identity, FromRows or Read.
type Affine struct {
	m *mat.Dense
}

// Identity returns the identity transform.
func Identity() Affine {
	d := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		d.Set(i, i, 1)
	}
	return Affine{m: d}
}

// FromRows builds an affine from row-major values.
func FromRows(rows [4][4]float64) Affine {
	data := make([]float64, 0, 16)
	for _, r := range rows {
		data = append(data, r[:]...)
	}
	return Affine{m: mat.NewDense(4, 4, data)}
}

// Rows returns the matrix in row-major order.
func (a Affine) Rows() [4][4]float64 {
	var out [4][4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = a.m.At(i, j)
		}
	}
	return out
}

// Det is the determinant of the full 4x4 matrix.
func (a Affine) Det() float64 {
	return mat.Det(a.m)
}

// Inverse returns a⁻¹ or ErrSingular.
func (a Affine) Inverse() (Affine, error) {
	if math.Abs(a.Det()) < singularTolerance {
		return Affine{}, ErrSingular
	}
	var inv mat.Dense
	if err := inv.Inverse(a.m); err != nil {
		// mat.Condition is returned for ill-conditioned but solvable
		// matrices; only a hard failure means no inverse exists.
		var cond mat.Condition
		if !errors.As(err, &cond) || math.IsInf(float64(cond), 1) {
			return Affine{}, fmt.Errorf("%w: %v", ErrSingular, err)
		}
	}
	return Affine{m: &inv}, nil
}

// Then returns the transform that applies a first and next second.
func (a Affine) Then(next Affine) Affine {
	var out mat.Dense
	out.Mul(next.m, a.m)
	return Affine{m: &out}
}

// Apply maps a point through the transform.
func (a Affine) Apply(p [3]float64) [3]float64 {
	var out [3]float64
	for i := 0; i < 3; i++ {
		out[i] = a.m.At(i, 0)*p[0] + a.m.At(i, 1)*p[1] + a.m.At(i, 2)*p[2] + a.m.At(i, 3)
	}
	return out
}

// ApproxEqual compares two transforms element-wise.
func (a Affine) ApproxEqual(b Affine, tol float64) bool {
	return mat.EqualApprox(a.m, b.m, tol)
}

// Read parses an FSL-style .mat file: four rows of four numbers.
func Read(path string) (Affine, error) {
	f, err := os.Open(path)
	if err != nil {
		return Affine{}, err
	}
	defer f.Close()

	var values []float64
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.Fields(line) {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return Affine{}, fmt.Errorf("%s: parsing %q: %w", path, field, err)
			}
			values = append(values, v)
		}
	}
	if err := sc.Err(); err != nil {
		return Affine{}, fmt.Errorf("%s: %w", path, err)
	}
	if len(values) != 16 {
		return Affine{}, fmt.Errorf("%s: expected 16 values, found %d", path, len(values))
	}
	return Affine{m: mat.NewDense(4, 4, values)}, nil
}

// Write stores a in FSL .mat format, replacing path atomically.
func Write(path string, a Affine) error {
	var b strings.Builder
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			fmt.Fprintf(&b, "%.10f  ", a.m.At(i, j))
		}
		b.WriteString("\n")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".mat-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(b.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
