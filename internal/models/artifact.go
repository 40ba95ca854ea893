package models

// StageTag is the logical name of a pipeline output.
// The declaration order is the pipeline order.
type StageTag int

const (
	TagConverted StageTag = iota + 1
	TagResampled
	TagReoriented
	TagSkullStripped
	TagRegistered
	TagSegmented
	TagSubjectSpaceMask
	TagOriginalOrientationMask
	TagFinalMask
)

var stageTagNames = map[StageTag]string{
	TagConverted:               "converted",
	TagResampled:               "resampled",
	TagReoriented:              "reoriented",
	TagSkullStripped:           "skull-stripped",
	TagRegistered:              "registered",
	TagSegmented:               "segmented",
	TagSubjectSpaceMask:        "subject-space-mask",
	TagOriginalOrientationMask: "original-orientation-mask",
	TagFinalMask:               "final-mask",
}

func (t StageTag) String() string {
	if s, ok := stageTagNames[t]; ok {
		return s
	}
	return "unknown"
}

// StageTags returns every stage tag in pipeline order.
func StageTags() []StageTag {
	return []StageTag{
		TagConverted, TagResampled, TagReoriented, TagSkullStripped, TagRegistered,
		TagSegmented, TagSubjectSpaceMask, TagOriginalOrientationMask, TagFinalMask,
	}
}

// TransformTag names a matrix recorded alongside a stage.
type TransformTag int

const (
	TransformReorientation TransformTag = iota + 1
	TransformRegistration
	TransformReorientationInverse
	TransformRegistrationInverse
)

func (t TransformTag) String() string {
	switch t {
	case TransformReorientation:
		return "reorientation"
	case TransformRegistration:
		return "registration"
	case TransformReorientationInverse:
		return "reorientation-inverse"
	case TransformRegistrationInverse:
		return "registration-inverse"
	}
	return "unknown"
}

// Artifact is a named stage output on disk.
// Once published it is content-stable: rerunning the stage reuses it.
type Artifact struct {
	// Tag is the producing stage
	Tag StageTag

	// Path is the published location
	Path string
}
