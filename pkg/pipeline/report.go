package pipeline

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gonum.org/v1/gonum/stat"

	"cavitymap/pkg/manifest"
	"cavitymap/pkg/nifti"
)

// Report summarises a finished run.
type Report struct {
	// BaseName identifies the subject
	BaseName string

	// FinalMask is the cavity mask on the input grid
	FinalMask string

	// Voxels is the number of labelled voxels in the final mask
	Voxels int

	// VolumeMM3 is Voxels times the voxel volume
	VolumeMM3 float64

	// Empty is set when the segmentation held no labelled voxel
	Empty bool

	// CentroidVoxel is the mean voxel index of the mask
	CentroidVoxel [3]float64

	// CentroidWorld is CentroidVoxel mapped through the header's
	// sform, or scaled by pixdim when no sform is set
	CentroidWorld [3]float64

	// Exports lists the files written under results/
	Exports []string

	// Analysis is set when the overlap statistics and plots were produced
	Analysis bool

	// Snapshots lists the QC images written
	Snapshots []string

	// Archive is the results zip, if one was requested
	Archive string

	// Manifest is the per-stage record of the run
	Manifest *manifest.Manifest
}

// Measure fills the mask statistics of r from the image at path.
func (r *Report) Measure(path string) error {
	vol, err := nifti.Load(path)
	if err != nil {
		return err
	}
	dims := vol.Header.Dims()
	var xs, ys, zs []float64
	for z := 0; z < dims[2]; z++ {
		for y := 0; y < dims[1]; y++ {
			for x := 0; x < dims[0]; x++ {
				if vol.Data[vol.Index(x, y, z)] == 0 {
					continue
				}
				xs = append(xs, float64(x))
				ys = append(ys, float64(y))
				zs = append(zs, float64(z))
			}
		}
	}

	r.FinalMask = path
	r.Voxels = len(xs)
	r.VolumeMM3 = float64(r.Voxels) * vol.Header.VoxelVolume()
	r.Empty = r.Voxels == 0
	if r.Empty {
		return nil
	}
	r.CentroidVoxel = [3]float64{stat.Mean(xs, nil), stat.Mean(ys, nil), stat.Mean(zs, nil)}
	r.CentroidWorld = vol.Header.WorldOf(r.CentroidVoxel)
	return nil
}

// WriteTable prints the result summary followed by the stage table.
func (r *Report) WriteTable(w io.Writer) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	tw.SetTitle("Cavity " + r.BaseName)
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft},
		{Number: 2, Align: text.AlignLeft, WidthMax: 80},
	})

	tw.AppendRow(table.Row{"Final mask", r.FinalMask})
	if r.Empty {
		tw.AppendRow(table.Row{"Segmentation", "empty (NO_SEG_CREATED)"})
	} else {
		tw.AppendRow(table.Row{"Voxels", r.Voxels})
		tw.AppendRow(table.Row{"Volume", fmt.Sprintf("%.1f mm³ (%.2f ml)", r.VolumeMM3, r.VolumeMM3/1000)})
		tw.AppendRow(table.Row{"Centroid (voxel)", fmt.Sprintf("%.1f, %.1f, %.1f", r.CentroidVoxel[0], r.CentroidVoxel[1], r.CentroidVoxel[2])})
		tw.AppendRow(table.Row{"Centroid (mm)", fmt.Sprintf("%.1f, %.1f, %.1f", r.CentroidWorld[0], r.CentroidWorld[1], r.CentroidWorld[2])})
	}
	for _, e := range r.Exports {
		tw.AppendRow(table.Row{"Export", e})
	}
	if r.Analysis {
		tw.AppendRow(table.Row{"Analysis", "overlap CSVs and radar plots written"})
	}
	if len(r.Snapshots) > 0 {
		tw.AppendRow(table.Row{"Snapshots", len(r.Snapshots)})
	}
	if r.Archive != "" {
		tw.AppendRow(table.Row{"Archive", r.Archive})
	}
	tw.Render()

	if r.Manifest != nil {
		fmt.Fprintln(w)
		r.Manifest.WriteTable(w)
	}
}
