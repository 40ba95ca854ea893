package tools

import (
	"context"

	"cavitymap/pkg/failure"
	"cavitymap/pkg/nifti"
	"cavitymap/pkg/transform"
)

// NativeStats counts non-zero voxels in-process. It stands in for fslstats
// when tools.fslstats is left empty.
func NativeStats() Adapter {
	return Func{Cap: CapComputeStats, Fn: func(ctx context.Context, inv Invocation) error {
		in, err := lookup(inv.Inputs, KeyIn)
		if err != nil {
			return err
		}
		out, err := lookup(inv.Outputs, KeyOut)
		if err != nil {
			return err
		}
		vol, err := nifti.Load(in)
		if err != nil {
			return err
		}
		n := vol.CountNonZero()
		return WriteStats(out, n, float64(n)*vol.Header.VoxelVolume())
	}}
}

// InvertTransform inverts a stored affine matrix in-process.
// A singular matrix is reported as SINGULAR_TRANSFORM.
func InvertTransform() Adapter {
	return Func{Cap: CapInvertTransform, Fn: func(ctx context.Context, inv Invocation) error {
		in, err := lookup(inv.Inputs, KeyMatrix)
		if err != nil {
			return err
		}
		out, err := lookup(inv.Outputs, KeyMatrix)
		if err != nil {
			return err
		}
		a, err := transform.Read(in)
		if err != nil {
			return failure.Wrap(failure.CodeMissingTransformArtifact, err, "reading %s", in)
		}
		b, err := a.Inverse()
		if err != nil {
			return failure.Wrap(failure.CodeSingularTransform, err, "%s (det %g)", in, a.Det())
		}
		return transform.Write(out, b)
	}}
}

// CopyGeometry stamps the spatial header of Inputs[ref] onto a copy of
// Inputs[in] written to Outputs[out], then checks the grids agree exactly.
func CopyGeometry() Adapter {
	return Func{Cap: CapCopyGeometry, Fn: func(ctx context.Context, inv Invocation) error {
		in, err := lookup(inv.Inputs, KeyIn)
		if err != nil {
			return err
		}
		ref, err := lookup(inv.Inputs, KeyRef)
		if err != nil {
			return err
		}
		out, err := lookup(inv.Outputs, KeyOut)
		if err != nil {
			return err
		}
		if in != out {
			if err := CopyFile(in, out); err != nil {
				return err
			}
		}
		if err := nifti.CopyGeometry(ref, out); err != nil {
			return failure.Wrap(failure.CodeGeometryMismatch, err, "copying geometry of %s", ref)
		}
		same, err := nifti.SameGeometry(ref, out, 0)
		if err != nil {
			return err
		}
		if !same {
			return failure.New(failure.CodeGeometryMismatch, "%s does not match %s after geometry copy", out, ref)
		}
		return nil
	}}
}

// NativeMatchGrid resamples a label volume onto the grid of Inputs[ref]
// with nearest-neighbour lookup through both images' voxel-to-world maps.
// It stands in for 3dresample when tools.3dresample is left empty.
func NativeMatchGrid() Adapter {
	return Func{Cap: CapResample, Fn: func(ctx context.Context, inv Invocation) error {
		in, err := lookup(inv.Inputs, KeyIn)
		if err != nil {
			return err
		}
		ref, err := lookup(inv.Inputs, KeyRef)
		if err != nil {
			return err
		}
		out, err := lookup(inv.Outputs, KeyOut)
		if err != nil {
			return err
		}

		src, err := nifti.Load(in)
		if err != nil {
			return err
		}
		rh, err := nifti.ReadHeader(ref)
		if err != nil {
			return err
		}
		toWorld := transform.FromRows(src.Header.VoxelToWorld())
		fromWorld, err := transform.FromRows(rh.VoxelToWorld()).Inverse()
		if err != nil {
			return failure.Wrap(failure.CodeGeometryMismatch, err, "reference %s has no usable voxel mapping", ref)
		}

		vol := transform.Volume{Dims: src.Header.Dims(), Data: src.Data}
		res, err := transform.ResampleNearest(vol, rh.Dims(), toWorld.Then(fromWorld))
		if err != nil {
			return failure.Wrap(failure.CodeGeometryMismatch, err, "resampling %s", in)
		}

		dt := src.Header.Datatype
		if nifti.BytesPerVoxel(dt) == 0 {
			dt = nifti.DTUint8
		}
		img := nifti.New(rh.Dims(), [3]float64{1, 1, 1}, dt)
		nifti.GeometryOf(rh).Apply(&img.Header)
		for i, v := range res.Data {
			img.Set(i, v)
		}
		return nifti.Write(out, img)
	}}
}
