package pipeline

import (
	"bytes"
	"path/filepath"
	"testing"

	"cavitymap/internal/models"
	"cavitymap/pkg/nifti"
)

func TestStateAdvancesForwardOnly(t *testing.T) {
	st := NewState(models.Artifact{Tag: models.TagConverted, Path: "/in.nii.gz"})

	if err := st.Advance(models.Artifact{Tag: models.TagResampled, Path: "/r.nii.gz"}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := st.Advance(models.Artifact{Tag: models.TagReoriented, Path: "/o.nii.gz"}); err != nil {
		t.Fatalf("Advance failed: %v", err)
	}
	if err := st.Advance(models.Artifact{Tag: models.TagResampled, Path: "/r.nii.gz"}); err == nil {
		t.Error("Expected error when moving back to resampled")
	}
	if err := st.Advance(models.Artifact{Tag: models.TagReoriented, Path: "/o2.nii.gz"}); err == nil {
		t.Error("Expected error when repeating a tag")
	}
	if err := st.Advance(models.Artifact{Tag: models.TagSkullStripped}); err == nil {
		t.Error("Expected error for an artifact without a path")
	}

	if got := st.Current().Tag; got != models.TagReoriented {
		t.Errorf("Expected current reoriented, got %s", got)
	}
	h := st.History()
	if len(h) != 3 {
		t.Fatalf("Expected 3 artifacts in history, got %d", len(h))
	}
	h[0].Path = "changed"
	if st.History()[0].Path != "/in.nii.gz" {
		t.Error("History must return a copy")
	}
}

func TestStateMayStartAnywhere(t *testing.T) {
	st := NewState(models.Artifact{Tag: models.TagSegmented, Path: "/seg.nii.gz"})
	if err := st.Advance(models.Artifact{Tag: models.TagFinalMask, Path: "/final.nii.gz"}); err != nil {
		t.Errorf("Expected skipping ahead to be allowed, got %v", err)
	}
}

func TestReportMeasure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "final.nii.gz")
	img := nifti.New([3]int{10, 10, 10}, [3]float64{2, 2, 2}, nifti.DTUint8)
	img.Header.SRowX[3] = -10
	img.Set(img.Index(1, 2, 3), 1)
	img.Set(img.Index(3, 2, 3), 1)
	if err := nifti.Write(path, img); err != nil {
		t.Fatal(err)
	}

	r := &Report{BaseName: "sub001"}
	if err := r.Measure(path); err != nil {
		t.Fatalf("Measure failed: %v", err)
	}
	if r.Voxels != 2 {
		t.Errorf("Expected 2 voxels, got %d", r.Voxels)
	}
	if r.VolumeMM3 != 16 {
		t.Errorf("Expected 16 mm3, got %f", r.VolumeMM3)
	}
	if r.CentroidVoxel != [3]float64{2, 2, 3} {
		t.Errorf("Expected centroid [2 2 3], got %v", r.CentroidVoxel)
	}
	if r.CentroidWorld != [3]float64{-6, 4, 6} {
		t.Errorf("Expected world centroid [-6 4 6], got %v", r.CentroidWorld)
	}

	var buf bytes.Buffer
	r.WriteTable(&buf)
	if !bytes.Contains(buf.Bytes(), []byte("16.0 mm³")) {
		t.Errorf("Expected volume in summary, got:\n%s", buf.String())
	}
}

func TestReportMeasureQFormOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "final.nii.gz")
	img := nifti.New([3]int{8, 8, 8}, [3]float64{1, 1, 1}, nifti.DTUint8)
	img.Header.SFormCode = 0
	img.Header.QOffsetX, img.Header.QOffsetY, img.Header.QOffsetZ = -5, -5, -5
	img.Set(img.Index(2, 3, 4), 1)
	if err := nifti.Write(path, img); err != nil {
		t.Fatal(err)
	}

	r := &Report{}
	if err := r.Measure(path); err != nil {
		t.Fatal(err)
	}
	if r.CentroidWorld != [3]float64{-3, -2, -1} {
		t.Errorf("Expected qform world centroid [-3 -2 -1], got %v", r.CentroidWorld)
	}
}

func TestReportMeasureEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "final.nii.gz")
	if err := nifti.Write(path, nifti.New([3]int{4, 4, 4}, [3]float64{1, 1, 1}, nifti.DTUint8)); err != nil {
		t.Fatal(err)
	}
	r := &Report{}
	if err := r.Measure(path); err != nil {
		t.Fatal(err)
	}
	if !r.Empty || r.Voxels != 0 {
		t.Errorf("Expected empty report, got %+v", r)
	}
}
