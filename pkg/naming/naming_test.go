package naming

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"cavitymap/internal/models"
)

func TestPathForScenarioNames(t *testing.T) {
	out := filepath.Join("out")
	want := map[models.StageTag]string{
		models.TagResampled:               "out/sub001_resampled.nii.gz",
		models.TagReoriented:              "out/sub001_RAS.nii.gz",
		models.TagSkullStripped:           "out/sub001_sk.nii.gz",
		models.TagRegistered:              "out/sub001_MNI.nii.gz",
		models.TagSegmented:               "out/sub001_surgical_mask.nii.gz",
		models.TagSubjectSpaceMask:        "out/sub001_subSpace_mask.nii.gz",
		models.TagOriginalOrientationMask: "out/sub001_original_orientation_mask.nii.gz",
		models.TagFinalMask:               "out/sub001_final_mask.nii.gz",
	}
	got := map[models.StageTag]string{}
	for tag := range want {
		got[tag] = filepath.ToSlash(PathFor("sub001", out, tag))
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("PathFor mismatch (-want +got):\n%s", diff)
	}
}

func TestPathForIsDeterministic(t *testing.T) {
	for _, tag := range models.StageTags() {
		a := PathFor("sub001", "/data/out", tag)
		b := PathFor("sub001", "/data/out", tag)
		if a != b {
			t.Errorf("Expected identical paths for %s, got %q and %q", tag, a, b)
		}
	}
}

func TestPathsNeverCollide(t *testing.T) {
	seen := map[string]string{}
	add := func(label, p string) {
		if prev, ok := seen[p]; ok {
			t.Errorf("%s and %s share path %s", prev, label, p)
		}
		seen[p] = label
	}
	for _, tag := range models.StageTags() {
		add(tag.String(), PathFor("sub001", "/out", tag))
	}
	for _, tag := range []models.TransformTag{
		models.TransformReorientation, models.TransformRegistration,
		models.TransformReorientationInverse, models.TransformRegistrationInverse,
	} {
		add(tag.String(), TransformPathFor("sub001", "/out", tag))
	}
	add("brain-mask", BrainMaskPath("sub001", "/out"))
	add("manifest", ManifestPath("sub001", "/out"))
	add("archive", ArchivePath("sub001", "/out"))

	// out-of-range tags still get their own path
	add("stage-42", PathFor("sub001", "/out", models.StageTag(42)))
}

func TestTransformPathRebuiltFromBaseAndDir(t *testing.T) {
	s := &models.SubjectContext{BaseName: "sub001", OutputDir: "/out"}
	if got := SubjectTransformPath(s, models.TransformRegistration); got != filepath.Join("/out", "sub001_MNI.mat") {
		t.Errorf("Expected /out/sub001_MNI.mat, got %s", got)
	}
	if got := SubjectTransformPath(s, models.TransformReorientation); got != filepath.Join("/out", "sub001_RAS.mat") {
		t.Errorf("Expected /out/sub001_RAS.mat, got %s", got)
	}
}

func TestPartialPathKeepsExtensionAndDirectory(t *testing.T) {
	final := filepath.Join("/out", "sub001_MNI.nii.gz")
	p := PartialPathFor(final, "0123456789abcdef")
	if filepath.Dir(p) != "/out" {
		t.Errorf("Expected partial path in /out, got %s", p)
	}
	if !IsNIfTI(p) {
		t.Errorf("Expected partial path to keep .nii.gz, got %s", p)
	}
	if !IsPartial(p) {
		t.Errorf("Expected %s to be recognised as partial", p)
	}
	if IsPartial(final) {
		t.Errorf("Final path %s must not be partial", final)
	}
}

func TestSidecarAndTrim(t *testing.T) {
	if got := SidecarPath("/x/sub001_converted.nii.gz"); got != "/x/sub001_converted.json" {
		t.Errorf("Expected sidecar /x/sub001_converted.json, got %s", got)
	}
	if got := TrimNIfTIExt("a.nii"); got != "a" {
		t.Errorf("Expected a, got %s", got)
	}
	if got := TrimNIfTIExt("a.mat"); got != "a.mat" {
		t.Errorf("Expected a.mat unchanged, got %s", got)
	}
}
