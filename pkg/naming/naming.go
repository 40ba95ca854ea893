// Package naming maps (base name, output directory, stage) to artifact paths.
// Every function here is pure: no I/O, same inputs give the same path. Any
// component that needs an artifact, including the transform matrices used by
// the inverse mapping, rebuilds its path from these functions instead of
// being handed it.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"

	"cavitymap/internal/models"
)

// Fixed names of the exported results.
const (
	ExportDir          = "results"
	FinalMask          = "res_cavity.nii.gz"
	FinalMaskDICOM     = "res_cavity"
	StandardSpaceMask  = "res_cavity_MNI.nii.gz"
	RegistrationMatrix = "flirt_to_mni.mat"
	GMImportance       = "GM_importance.csv"
	WMImportance       = "WM_importance.csv"
	RadarComparison    = "radar_comparison.png"
	RadarGM            = "radar_plots_GM.png"
	RadarWM            = "radar_plots_WM.png"
	NoSegmentation     = "NO_SEG_CREATED"
	SnapshotDir        = "qc"
)

var stageSuffix = map[models.StageTag]string{
	models.TagConverted:               "_converted.nii.gz",
	models.TagResampled:               "_resampled.nii.gz",
	models.TagReoriented:              "_RAS.nii.gz",
	models.TagSkullStripped:           "_sk.nii.gz",
	models.TagRegistered:              "_MNI.nii.gz",
	models.TagSegmented:               "_surgical_mask.nii.gz",
	models.TagSubjectSpaceMask:        "_subSpace_mask.nii.gz",
	models.TagOriginalOrientationMask: "_original_orientation_mask.nii.gz",
	models.TagFinalMask:               "_final_mask.nii.gz",
}

var transformSuffix = map[models.TransformTag]string{
	models.TransformReorientation:        "_RAS.mat",
	models.TransformRegistration:         "_MNI.mat",
	models.TransformReorientationInverse: "_RAS_inverse.mat",
	models.TransformRegistrationInverse:  "_MNI_inverse.mat",
}

// PathFor returns the artifact path of a stage output.
// Unknown tags still get a distinct path derived from the tag number.
func PathFor(base, outputDir string, tag models.StageTag) string {
	suffix, ok := stageSuffix[tag]
	if !ok {
		suffix = fmt.Sprintf("_stage%d.nii.gz", int(tag))
	}
	return filepath.Join(outputDir, base+suffix)
}

// TransformPathFor returns the path of a transform matrix.
func TransformPathFor(base, outputDir string, tag models.TransformTag) string {
	suffix, ok := transformSuffix[tag]
	if !ok {
		suffix = fmt.Sprintf("_transform%d.mat", int(tag))
	}
	return filepath.Join(outputDir, base+suffix)
}

// SubjectPath is PathFor over a subject context.
func SubjectPath(s *models.SubjectContext, tag models.StageTag) string {
	return PathFor(s.BaseName, s.OutputDir, tag)
}

// SubjectTransformPath is TransformPathFor over a subject context.
func SubjectTransformPath(s *models.SubjectContext, tag models.TransformTag) string {
	return TransformPathFor(s.BaseName, s.OutputDir, tag)
}

// BrainMaskPath is the optional brain mask written next to the skull-stripped volume.
func BrainMaskPath(base, outputDir string) string {
	return filepath.Join(outputDir, base+"_sk_mask.nii.gz")
}

// SidecarPath returns the JSON metadata file that accompanies a NIfTI volume.
func SidecarPath(volume string) string {
	return TrimNIfTIExt(volume) + ".json"
}

// ExportPath returns a file inside the export folder.
func ExportPath(outputDir, name string) string {
	return filepath.Join(outputDir, ExportDir, name)
}

// ArchivePath is the zip written when packaging is requested.
func ArchivePath(base, outputDir string) string {
	return filepath.Join(outputDir, base+"_results.zip")
}

// ManifestPath is the persisted run record.
func ManifestPath(base, outputDir string) string {
	return filepath.Join(outputDir, base+"_run.json")
}

// PartialPathFor returns the temporary path an adapter writes to before the
// stage wrapper publishes it. It stays in the same directory so the publish is
// a rename, and keeps the extension because some tools pick the output format
// from it.
func PartialPathFor(final, runID string) string {
	dir, name := filepath.Split(final)
	tag := runID
	if len(tag) > 8 {
		tag = tag[:8]
	}
	return filepath.Join(dir, ".partial-"+tag+"-"+name)
}

// IsPartial reports whether name is a temporary publish path.
func IsPartial(name string) bool {
	return strings.HasPrefix(filepath.Base(name), ".partial-")
}

// TrimNIfTIExt strips .nii.gz or .nii.
func TrimNIfTIExt(p string) string {
	lower := strings.ToLower(p)
	switch {
	case strings.HasSuffix(lower, ".nii.gz"):
		return p[:len(p)-len(".nii.gz")]
	case strings.HasSuffix(lower, ".nii"):
		return p[:len(p)-len(".nii")]
	}
	return p
}

// IsNIfTI reports whether p has a NIfTI extension.
func IsNIfTI(p string) bool {
	lower := strings.ToLower(p)
	return strings.HasSuffix(lower, ".nii") || strings.HasSuffix(lower, ".nii.gz")
}
